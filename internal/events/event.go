// Package events defines the durable event vocabulary: the Event envelope
// and its 13 tagged-union payload variants, plus their "type"-discriminated
// JSON wire format. This is the truth of record written to the log.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fieldnote/specd/internal/model"
)

// Event is the immutable envelope around every spec mutation. EventID is
// strictly increasing per spec_id, starting at 1; gaps are illegal.
type Event struct {
	EventID   uint64       `json:"event_id"`
	SpecID    ulid.ULID    `json:"spec_id"`
	Timestamp time.Time    `json:"timestamp"`
	Payload   EventPayload `json:"-"`
}

type eventJSON struct {
	EventID   uint64          `json:"event_id"`
	SpecID    ulid.ULID       `json:"spec_id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	payloadJSON, err := MarshalEventPayload(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	return json.Marshal(eventJSON{
		EventID:   e.EventID,
		SpecID:    e.SpecID,
		Timestamp: e.Timestamp,
		Payload:   payloadJSON,
	})
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var j eventJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	payload, err := UnmarshalEventPayload(j.Payload)
	if err != nil {
		return fmt.Errorf("unmarshal event payload: %w", err)
	}
	e.EventID = j.EventID
	e.SpecID = j.SpecID
	e.Timestamp = j.Timestamp
	e.Payload = payload
	return nil
}

// EventPayload is the tagged union of the 12 mutation variants plus the
// SnapshotWritten marker.
type EventPayload interface {
	EventPayloadType() string
	eventPayloadSeal()
}

type SpecCreatedPayload struct {
	Title    string `json:"title"`
	OneLiner string `json:"one_liner"`
	Goal     string `json:"goal"`
}

func (p SpecCreatedPayload) EventPayloadType() string { return "SpecCreated" }
func (p SpecCreatedPayload) eventPayloadSeal()        {}

type SpecCoreUpdatedPayload struct {
	Title           *string `json:"title,omitempty"`
	OneLiner        *string `json:"one_liner,omitempty"`
	Goal            *string `json:"goal,omitempty"`
	Description     *string `json:"description,omitempty"`
	Constraints     *string `json:"constraints,omitempty"`
	SuccessCriteria *string `json:"success_criteria,omitempty"`
	Risks           *string `json:"risks,omitempty"`
	Notes           *string `json:"notes,omitempty"`
}

func (p SpecCoreUpdatedPayload) EventPayloadType() string { return "SpecCoreUpdated" }
func (p SpecCoreUpdatedPayload) eventPayloadSeal()        {}

type CardCreatedPayload struct {
	Card model.Card `json:"card"`
}

func (p CardCreatedPayload) EventPayloadType() string { return "CardCreated" }
func (p CardCreatedPayload) eventPayloadSeal()        {}

// CardUpdatedPayload carries a three-state Body so "leave unchanged",
// "clear", and "set" are distinguishable on the wire.
type CardUpdatedPayload struct {
	CardID   ulid.ULID                   `json:"card_id"`
	Title    *string                     `json:"title,omitempty"`
	Body     model.OptionalField[string] `json:"-"`
	CardType *string                     `json:"card_type,omitempty"`
	Refs     *[]string                   `json:"refs,omitempty"`
}

func (p CardUpdatedPayload) EventPayloadType() string { return "CardUpdated" }
func (p CardUpdatedPayload) eventPayloadSeal()        {}

type cardUpdatedJSON struct {
	Type     string           `json:"type"`
	CardID   ulid.ULID        `json:"card_id"`
	Title    *string          `json:"title,omitempty"`
	Body     *json.RawMessage `json:"body,omitempty"`
	CardType *string          `json:"card_type,omitempty"`
	Refs     *[]string        `json:"refs,omitempty"`
}

type CardMovedPayload struct {
	CardID ulid.ULID `json:"card_id"`
	Lane   string    `json:"lane"`
	Order  float64   `json:"order"`
}

func (p CardMovedPayload) EventPayloadType() string { return "CardMoved" }
func (p CardMovedPayload) eventPayloadSeal()        {}

type CardDeletedPayload struct {
	CardID ulid.ULID `json:"card_id"`
}

func (p CardDeletedPayload) EventPayloadType() string { return "CardDeleted" }
func (p CardDeletedPayload) eventPayloadSeal()        {}

type TranscriptAppendedPayload struct {
	Message model.TranscriptMessage `json:"message"`
}

func (p TranscriptAppendedPayload) EventPayloadType() string { return "TranscriptAppended" }
func (p TranscriptAppendedPayload) eventPayloadSeal()        {}

type QuestionAskedPayload struct {
	Question model.UserQuestion `json:"-"`
}

func (p QuestionAskedPayload) EventPayloadType() string { return "QuestionAsked" }
func (p QuestionAskedPayload) eventPayloadSeal()        {}

type QuestionAnsweredPayload struct {
	QuestionID ulid.ULID `json:"question_id"`
	Answer     string    `json:"answer"`
}

func (p QuestionAnsweredPayload) EventPayloadType() string { return "QuestionAnswered" }
func (p QuestionAnsweredPayload) eventPayloadSeal()        {}

type AgentStepStartedPayload struct {
	AgentID     string `json:"agent_id"`
	Description string `json:"description"`
}

func (p AgentStepStartedPayload) EventPayloadType() string { return "AgentStepStarted" }
func (p AgentStepStartedPayload) eventPayloadSeal()        {}

type AgentStepFinishedPayload struct {
	AgentID     string `json:"agent_id"`
	DiffSummary string `json:"diff_summary"`
}

func (p AgentStepFinishedPayload) EventPayloadType() string { return "AgentStepFinished" }
func (p AgentStepFinishedPayload) eventPayloadSeal()        {}

// UndoAppliedPayload carries the pre-computed inverse of the undone group.
// Applying InverseEvents replays them through the reducer's non-undoable
// path (see reducer.applyWithoutUndo) without pushing a new undo entry.
type UndoAppliedPayload struct {
	TargetEventID uint64         `json:"target_event_id"`
	InverseEvents []EventPayload `json:"-"`
}

func (p UndoAppliedPayload) EventPayloadType() string { return "UndoApplied" }
func (p UndoAppliedPayload) eventPayloadSeal()        {}

type SnapshotWrittenPayload struct {
	SnapshotID uint64 `json:"snapshot_id"`
}

func (p SnapshotWrittenPayload) EventPayloadType() string { return "SnapshotWritten" }
func (p SnapshotWrittenPayload) eventPayloadSeal()        {}

// MarshalEventPayload serializes an EventPayload with an injected "type"
// discriminator field.
func MarshalEventPayload(p EventPayload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("cannot marshal nil event payload")
	}
	switch v := p.(type) {
	case CardUpdatedPayload:
		return marshalCardUpdated(v)
	case QuestionAskedPayload:
		return marshalQuestionAsked(v)
	case UndoAppliedPayload:
		return marshalUndoApplied(v)
	default:
		return marshalTagged(p.EventPayloadType(), p)
	}
}

// UnmarshalEventPayload deserializes an EventPayload by reading its "type"
// discriminator field first. Unknown variants fail replay.
func UnmarshalEventPayload(data []byte) (EventPayload, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("unmarshal event payload type: %w", err)
	}

	switch envelope.Type {
	case "SpecCreated":
		var p SpecCreatedPayload
		return p, json.Unmarshal(data, &p)
	case "SpecCoreUpdated":
		var p SpecCoreUpdatedPayload
		return p, json.Unmarshal(data, &p)
	case "CardCreated":
		var p CardCreatedPayload
		return p, json.Unmarshal(data, &p)
	case "CardUpdated":
		return unmarshalCardUpdated(data)
	case "CardMoved":
		var p CardMovedPayload
		return p, json.Unmarshal(data, &p)
	case "CardDeleted":
		var p CardDeletedPayload
		return p, json.Unmarshal(data, &p)
	case "TranscriptAppended":
		var p TranscriptAppendedPayload
		return p, json.Unmarshal(data, &p)
	case "QuestionAsked":
		return unmarshalQuestionAsked(data)
	case "QuestionAnswered":
		var p QuestionAnsweredPayload
		return p, json.Unmarshal(data, &p)
	case "AgentStepStarted":
		var p AgentStepStartedPayload
		return p, json.Unmarshal(data, &p)
	case "AgentStepFinished":
		var p AgentStepFinishedPayload
		return p, json.Unmarshal(data, &p)
	case "UndoApplied":
		return unmarshalUndoApplied(data)
	case "SnapshotWritten":
		var p SnapshotWrittenPayload
		return p, json.Unmarshal(data, &p)
	default:
		return nil, fmt.Errorf("unknown event payload type: %q", envelope.Type)
	}
}

// marshalTagged marshals v normally, then injects a "type" field into the
// resulting JSON object. Used by every variant without a custom-marshaled
// field (interfaces, OptionalField).
func marshalTagged(typeName string, v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	typeJSON, _ := json.Marshal(typeName)
	m["type"] = typeJSON
	return json.Marshal(m)
}

func marshalCardUpdated(p CardUpdatedPayload) ([]byte, error) {
	j := cardUpdatedJSON{
		Type:     "CardUpdated",
		CardID:   p.CardID,
		Title:    p.Title,
		CardType: p.CardType,
		Refs:     p.Refs,
	}
	if p.Body.Set {
		if p.Body.Valid {
			bodyJSON, _ := json.Marshal(p.Body.Value)
			raw := json.RawMessage(bodyJSON)
			j.Body = &raw
		} else {
			raw := json.RawMessage("null")
			j.Body = &raw
		}
	}
	return json.Marshal(j)
}

// unmarshalCardUpdated reads the raw object to distinguish an absent "body"
// key from an explicit "body":null, which *json.RawMessage collapses.
func unmarshalCardUpdated(data []byte) (CardUpdatedPayload, error) {
	var j cardUpdatedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return CardUpdatedPayload{}, err
	}
	p := CardUpdatedPayload{
		CardID:   j.CardID,
		Title:    j.Title,
		CardType: j.CardType,
		Refs:     j.Refs,
	}

	var rawMap map[string]json.RawMessage
	if err := json.Unmarshal(data, &rawMap); err != nil {
		return CardUpdatedPayload{}, err
	}
	if bodyRaw, present := rawMap["body"]; present {
		p.Body.Set = true
		if string(bodyRaw) == "null" {
			p.Body.Valid = false
		} else {
			p.Body.Valid = true
			if err := json.Unmarshal(bodyRaw, &p.Body.Value); err != nil {
				return CardUpdatedPayload{}, fmt.Errorf("unmarshal CardUpdated body: %w", err)
			}
		}
	}
	return p, nil
}

func marshalQuestionAsked(p QuestionAskedPayload) ([]byte, error) {
	qJSON, err := model.MarshalUserQuestion(p.Question)
	if err != nil {
		return nil, err
	}
	m := map[string]json.RawMessage{
		"type":     json.RawMessage(`"QuestionAsked"`),
		"question": qJSON,
	}
	return json.Marshal(m)
}

func unmarshalQuestionAsked(data []byte) (QuestionAskedPayload, error) {
	var raw struct {
		Question json.RawMessage `json:"question"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return QuestionAskedPayload{}, err
	}
	q, err := model.UnmarshalUserQuestion(raw.Question)
	if err != nil {
		return QuestionAskedPayload{}, err
	}
	return QuestionAskedPayload{Question: q}, nil
}

func marshalUndoApplied(p UndoAppliedPayload) ([]byte, error) {
	inverseJSON := make([]json.RawMessage, len(p.InverseEvents))
	for i, inv := range p.InverseEvents {
		data, err := MarshalEventPayload(inv)
		if err != nil {
			return nil, fmt.Errorf("marshal inverse event %d: %w", i, err)
		}
		inverseJSON[i] = data
	}
	m := map[string]any{
		"type":            "UndoApplied",
		"target_event_id": p.TargetEventID,
		"inverse_events":  inverseJSON,
	}
	return json.Marshal(m)
}

func unmarshalUndoApplied(data []byte) (UndoAppliedPayload, error) {
	var raw struct {
		TargetEventID uint64            `json:"target_event_id"`
		InverseEvents []json.RawMessage `json:"inverse_events"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return UndoAppliedPayload{}, err
	}
	inverseEvents := make([]EventPayload, len(raw.InverseEvents))
	for i, invData := range raw.InverseEvents {
		inv, err := UnmarshalEventPayload(invData)
		if err != nil {
			return UndoAppliedPayload{}, fmt.Errorf("unmarshal inverse event %d: %w", i, err)
		}
		inverseEvents[i] = inv
	}
	return UndoAppliedPayload{
		TargetEventID: raw.TargetEventID,
		InverseEvents: inverseEvents,
	}, nil
}
