// Package reducer holds SpecState, the materialized projection of a spec's
// event log, and its pure Apply fold. Apply never fails in normal
// operation: an event that cannot apply (e.g. CardUpdated for an unknown
// id) is skipped by Apply itself after logging a warning — invariants
// favor forward progress over halting replay.
package reducer

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fieldnote/specd/internal/events"
	"github.com/fieldnote/specd/internal/model"
)

// AgentStatus is per-agent liveness metadata carried on SpecState. It is
// informational only — not part of the replay-authoritative fold, updated
// out of band by the agent subsystem via ReadState.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentRunning AgentStatus = "running"
	AgentPaused  AgentStatus = "paused"
	AgentBlocked AgentStatus = "blocked"
)

// UndoEntry is the inverse patch for one undoable event group, pushed onto
// SpecState's linear undo stack.
type UndoEntry struct {
	EventID uint64                `json:"event_id"`
	Inverse []events.EventPayload `json:"-"`
}

type undoEntryJSON struct {
	EventID uint64            `json:"event_id"`
	Inverse []json.RawMessage `json:"inverse"`
}

func (u UndoEntry) MarshalJSON() ([]byte, error) {
	inverseJSON := make([]json.RawMessage, len(u.Inverse))
	for i, inv := range u.Inverse {
		data, err := events.MarshalEventPayload(inv)
		if err != nil {
			return nil, fmt.Errorf("marshal inverse event %d: %w", i, err)
		}
		inverseJSON[i] = data
	}
	return json.Marshal(undoEntryJSON{EventID: u.EventID, Inverse: inverseJSON})
}

func (u *UndoEntry) UnmarshalJSON(data []byte) error {
	var j undoEntryJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	u.EventID = j.EventID
	u.Inverse = make([]events.EventPayload, len(j.Inverse))
	for i, raw := range j.Inverse {
		inv, err := events.UnmarshalEventPayload(raw)
		if err != nil {
			return fmt.Errorf("unmarshal inverse event %d: %w", i, err)
		}
		u.Inverse[i] = inv
	}
	return nil
}

// SpecState is the full materialized state of a spec, built by replaying
// its event log (optionally starting from a snapshot). The actor is the
// sole mutator; every other holder gets a cloned snapshot.
type SpecState struct {
	Core            *model.SpecCore
	Cards           *model.OrderedMap[ulid.ULID, model.Card]
	Transcript      []model.TranscriptMessage
	PendingQuestion model.UserQuestion
	UndoStack       []UndoEntry
	LastEventID     uint64
	Lanes           []string
	AgentStatuses   map[string]AgentStatus
}

type specStateJSON struct {
	Core            *model.SpecCore           `json:"core"`
	Cards           map[string]json.RawMessage `json:"cards"`
	Transcript      []model.TranscriptMessage `json:"transcript"`
	PendingQuestion json.RawMessage           `json:"pending_question,omitempty"`
	UndoStack       []UndoEntry               `json:"undo_stack"`
	LastEventID     uint64                    `json:"last_event_id"`
	Lanes           []string                  `json:"lanes"`
	AgentStatuses   map[string]AgentStatus    `json:"agent_statuses"`
}

func (s *SpecState) UnmarshalJSON(data []byte) error {
	var j specStateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}

	s.Core = j.Core
	s.Transcript = j.Transcript
	s.UndoStack = j.UndoStack
	s.LastEventID = j.LastEventID
	s.Lanes = j.Lanes
	s.AgentStatuses = j.AgentStatuses
	if s.AgentStatuses == nil {
		s.AgentStatuses = map[string]AgentStatus{}
	}

	s.Cards = model.NewOrderedMap[ulid.ULID, model.Card]()
	for keyStr, raw := range j.Cards {
		id, err := ulid.Parse(keyStr)
		if err != nil {
			return fmt.Errorf("parse card key %q: %w", keyStr, err)
		}
		var card model.Card
		if err := json.Unmarshal(raw, &card); err != nil {
			return fmt.Errorf("unmarshal card %q: %w", keyStr, err)
		}
		s.Cards.Set(id, card)
	}

	if len(j.PendingQuestion) > 0 && string(j.PendingQuestion) != "null" {
		q, err := model.UnmarshalUserQuestion(j.PendingQuestion)
		if err != nil {
			return fmt.Errorf("unmarshal pending_question: %w", err)
		}
		s.PendingQuestion = q
	}
	return nil
}

func (s SpecState) MarshalJSON() ([]byte, error) {
	type specStateMarshal struct {
		Core            *model.SpecCore                         `json:"core"`
		Cards           *model.OrderedMap[ulid.ULID, model.Card] `json:"cards"`
		Transcript      []model.TranscriptMessage                `json:"transcript"`
		PendingQuestion json.RawMessage                          `json:"pending_question"`
		UndoStack       []UndoEntry                              `json:"undo_stack"`
		LastEventID     uint64                                   `json:"last_event_id"`
		Lanes           []string                                 `json:"lanes"`
		AgentStatuses   map[string]AgentStatus                   `json:"agent_statuses"`
	}

	pqJSON, err := model.MarshalUserQuestion(s.PendingQuestion)
	if err != nil {
		return nil, fmt.Errorf("marshal pending_question: %w", err)
	}

	return json.Marshal(specStateMarshal{
		Core:            s.Core,
		Cards:           s.Cards,
		Transcript:      s.Transcript,
		PendingQuestion: pqJSON,
		UndoStack:       s.UndoStack,
		LastEventID:     s.LastEventID,
		Lanes:           s.Lanes,
		AgentStatuses:   s.AgentStatuses,
	})
}

// DefaultLanes seeds a fresh spec's lane list: Ideas, Plan, Spec first,
// with any later lane falling back to case-insensitive alphabetical order.
var DefaultLanes = []string{"Ideas", "Plan", "Spec"}

func NewSpecState() *SpecState {
	lanes := make([]string, len(DefaultLanes))
	copy(lanes, DefaultLanes)
	return &SpecState{
		Cards:         model.NewOrderedMap[ulid.ULID, model.Card](),
		Transcript:    []model.TranscriptMessage{},
		UndoStack:     []UndoEntry{},
		Lanes:         lanes,
		AgentStatuses: map[string]AgentStatus{},
	}
}

// Clone returns a deep-enough copy suitable for handing to readers that
// must never observe the actor's live, still-mutating state.
func (s *SpecState) Clone() *SpecState {
	clone := &SpecState{
		Cards:           s.Cards.Clone(),
		Transcript:      append([]model.TranscriptMessage(nil), s.Transcript...),
		PendingQuestion: s.PendingQuestion,
		UndoStack:       append([]UndoEntry(nil), s.UndoStack...),
		LastEventID:     s.LastEventID,
		Lanes:           append([]string(nil), s.Lanes...),
		AgentStatuses:   make(map[string]AgentStatus, len(s.AgentStatuses)),
	}
	if s.Core != nil {
		core := *s.Core
		clone.Core = &core
	}
	for k, v := range s.AgentStatuses {
		clone.AgentStatuses[k] = v
	}
	return clone
}

// Apply folds a single event into state. This is the heart of the
// event-sourcing reducer: a pure (state, event) -> state' transition.
func (s *SpecState) Apply(event *events.Event) {
	s.LastEventID = event.EventID

	switch p := event.Payload.(type) {
	case events.SpecCreatedPayload:
		s.Core = &model.SpecCore{
			SpecID:    event.SpecID,
			Title:     p.Title,
			OneLiner:  p.OneLiner,
			Goal:      p.Goal,
			CreatedAt: event.Timestamp,
			UpdatedAt: event.Timestamp,
		}

	case events.SpecCoreUpdatedPayload:
		if s.Core != nil {
			mutateSpecCore(s.Core, p)
			s.Core.UpdatedAt = event.Timestamp
		}

	case events.CardCreatedPayload:
		s.UndoStack = append(s.UndoStack, UndoEntry{
			EventID: event.EventID,
			Inverse: []events.EventPayload{events.CardDeletedPayload{CardID: p.Card.CardID}},
		})
		s.Cards.Set(p.Card.CardID, p.Card)

	case events.CardUpdatedPayload:
		card, ok := s.Cards.Get(p.CardID)
		if ok {
			inversePayload := events.CardUpdatedPayload{CardID: p.CardID}
			if p.Title != nil {
				old := card.Title
				inversePayload.Title = &old
			}
			if p.Body.Set {
				if card.Body != nil {
					inversePayload.Body = model.Present(*card.Body)
				} else {
					inversePayload.Body = model.Null[string]()
				}
			}
			if p.CardType != nil {
				old := card.CardType
				inversePayload.CardType = &old
			}
			if p.Refs != nil {
				oldRefs := make([]string, len(card.Refs))
				copy(oldRefs, card.Refs)
				inversePayload.Refs = &oldRefs
			}
			s.UndoStack = append(s.UndoStack, UndoEntry{
				EventID: event.EventID,
				Inverse: []events.EventPayload{inversePayload},
			})

			applyCardUpdate(&card, p, event.Timestamp)
			s.Cards.Set(p.CardID, card)
		} else {
			slog.Warn("reducer skipped event for unknown card", "event_id", event.EventID, "card_id", p.CardID.String())
		}

	case events.CardMovedPayload:
		card, ok := s.Cards.Get(p.CardID)
		if ok {
			s.UndoStack = append(s.UndoStack, UndoEntry{
				EventID: event.EventID,
				Inverse: []events.EventPayload{events.CardMovedPayload{
					CardID: p.CardID, Lane: card.Lane, Order: card.Order,
				}},
			})
			card.Lane = p.Lane
			card.Order = p.Order
			card.UpdatedAt = event.Timestamp
			s.Cards.Set(p.CardID, card)
		} else {
			slog.Warn("reducer skipped event for unknown card", "event_id", event.EventID, "card_id", p.CardID.String())
		}

	case events.CardDeletedPayload:
		card, ok := s.Cards.Get(p.CardID)
		if ok {
			s.UndoStack = append(s.UndoStack, UndoEntry{
				EventID: event.EventID,
				Inverse: []events.EventPayload{events.CardCreatedPayload{Card: card}},
			})
			s.Cards.Delete(p.CardID)
		} else {
			slog.Warn("reducer skipped event for unknown card", "event_id", event.EventID, "card_id", p.CardID.String())
		}

	case events.TranscriptAppendedPayload:
		s.Transcript = append(s.Transcript, p.Message)

	case events.QuestionAskedPayload:
		s.PendingQuestion = p.Question

	case events.QuestionAnsweredPayload:
		s.PendingQuestion = nil
		s.Transcript = append(s.Transcript, model.TranscriptMessage{
			MessageID: p.QuestionID,
			Sender:    "human",
			Content:   p.Answer,
			Kind:      model.MessageKindChat,
			Timestamp: event.Timestamp,
		})

	case events.AgentStepStartedPayload:
		if s.AgentStatuses == nil {
			s.AgentStatuses = map[string]AgentStatus{}
		}
		s.AgentStatuses[p.AgentID] = AgentRunning
		s.Transcript = append(s.Transcript, model.TranscriptMessage{
			MessageID: model.NewULID(),
			Sender:    p.AgentID,
			Content:   p.Description,
			Kind:      model.MessageKindStepStarted,
			Timestamp: event.Timestamp,
		})

	case events.AgentStepFinishedPayload:
		if s.AgentStatuses == nil {
			s.AgentStatuses = map[string]AgentStatus{}
		}
		s.AgentStatuses[p.AgentID] = AgentIdle
		s.Transcript = append(s.Transcript, model.TranscriptMessage{
			MessageID: model.NewULID(),
			Sender:    p.AgentID,
			Content:   p.DiffSummary,
			Kind:      model.MessageKindStepFinished,
			Timestamp: event.Timestamp,
		})

	case events.UndoAppliedPayload:
		for _, inversePayload := range p.InverseEvents {
			s.applyWithoutUndo(&events.Event{
				EventID:   event.EventID,
				SpecID:    event.SpecID,
				Timestamp: event.Timestamp,
				Payload:   inversePayload,
			})
		}
		if len(s.UndoStack) > 0 {
			s.UndoStack = s.UndoStack[:len(s.UndoStack)-1]
		}

	case events.SnapshotWrittenPayload:
		// no-op on state
	}
}

// applyWithoutUndo replays an inverse event's mutation effects without
// pushing a new undo entry. Transcript, question, and agent-step payloads
// are intentionally not reversible and are ignored here — this is the
// public-contract decision documented in SPEC_FULL.md's design notes.
func (s *SpecState) applyWithoutUndo(event *events.Event) {
	switch p := event.Payload.(type) {
	case events.CardCreatedPayload:
		s.Cards.Set(p.Card.CardID, p.Card)

	case events.CardUpdatedPayload:
		card, ok := s.Cards.Get(p.CardID)
		if ok {
			applyCardUpdate(&card, p, event.Timestamp)
			s.Cards.Set(p.CardID, card)
		}

	case events.CardMovedPayload:
		card, ok := s.Cards.Get(p.CardID)
		if ok {
			card.Lane = p.Lane
			card.Order = p.Order
			card.UpdatedAt = event.Timestamp
			s.Cards.Set(p.CardID, card)
		}

	case events.CardDeletedPayload:
		s.Cards.Delete(p.CardID)

	case events.SpecCreatedPayload:
		s.Core = &model.SpecCore{
			SpecID:    event.SpecID,
			Title:     p.Title,
			OneLiner:  p.OneLiner,
			Goal:      p.Goal,
			CreatedAt: event.Timestamp,
			UpdatedAt: event.Timestamp,
		}

	case events.SpecCoreUpdatedPayload:
		if s.Core != nil {
			mutateSpecCore(s.Core, p)
			s.Core.UpdatedAt = event.Timestamp
		}

	case events.UndoAppliedPayload, events.SnapshotWrittenPayload:
		// undo-of-undo cannot happen; snapshot markers carry no state

	default:
		// transcript/question/agent-step payloads are not reversible
	}
}

func applyCardUpdate(card *model.Card, p events.CardUpdatedPayload, ts time.Time) {
	if p.Title != nil {
		card.Title = *p.Title
	}
	if p.Body.Set {
		if p.Body.Valid {
			v := p.Body.Value
			card.Body = &v
		} else {
			card.Body = nil
		}
	}
	if p.CardType != nil {
		card.CardType = *p.CardType
	}
	if p.Refs != nil {
		card.Refs = *p.Refs
	}
	card.UpdatedAt = ts
}

func mutateSpecCore(core *model.SpecCore, p events.SpecCoreUpdatedPayload) {
	if p.Title != nil {
		core.Title = *p.Title
	}
	if p.OneLiner != nil {
		core.OneLiner = *p.OneLiner
	}
	if p.Goal != nil {
		core.Goal = *p.Goal
	}
	if p.Description != nil {
		core.Description = p.Description
	}
	if p.Constraints != nil {
		core.Constraints = p.Constraints
	}
	if p.SuccessCriteria != nil {
		core.SuccessCriteria = p.SuccessCriteria
	}
	if p.Risks != nil {
		core.Risks = p.Risks
	}
	if p.Notes != nil {
		core.Notes = p.Notes
	}
}
