// Package actor is the single-writer command-to-event pipeline: one
// goroutine per spec, draining a bounded mailbox FIFO, validating each
// command, folding the resulting events into state, and publishing them
// to the broadcast fabric and the durable log.
//
// Grounded on the teacher's spec/core/actor.go SpawnActor/SpecActorHandle
// shape, corrected in three ways SPEC_FULL.md 4.F and 4.B call for that the
// teacher does not do: (1) the teacher's commandToEvents only checks
// existence/pending-question invariants, never the field-level validation
// rules (non-empty trimmed titles, finite Order, non-empty multi-select
// choices, "at least one field" on UpdateSpecCore) — this package adds
// them all; (2) the teacher never writes to a durable log at all — this
// package hands every committed batch to an async log-writer goroutine and
// quiesces the spec (ErrSpecUnavailable) if that writer reports a
// persistence failure; (3) the teacher has no notion of an agent-step
// undo bracket — this package collapses the individual UndoEntry pushed
// by each mutating command inside a StartAgentStep/FinishAgentStep pair
// into one atomic entry when the bracket closes.
package actor

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fieldnote/specd/internal/broadcast"
	"github.com/fieldnote/specd/internal/commands"
	"github.com/fieldnote/specd/internal/events"
	"github.com/fieldnote/specd/internal/model"
	"github.com/fieldnote/specd/internal/reducer"
	"github.com/fieldnote/specd/internal/specerrors"
)

const mailboxSize = 64
const logQueueSize = 1024

// Tuning bundles the runtime knobs SPEC_FULL.md's configuration section
// exposes per spec: mailbox depth and broadcast subscriber buffer depth.
// Snapshot-trigger tuning lives with the registry, which owns the
// snapshot/prune schedule.
type Tuning struct {
	MailboxBound        int
	BroadcastBufferSize int
}

// DefaultTuning matches the teacher's implicit constants.
func DefaultTuning() Tuning {
	return Tuning{MailboxBound: mailboxSize, BroadcastBufferSize: broadcast.DefaultBufferSize}
}

// LogAppender is the durable append sink handed committed event batches
// asynchronously. *logstore.Log satisfies it.
type LogAppender interface {
	Append(event *events.Event) error
}

// IndexUpdater receives committed events best-effort (step 7 of 4.F).
// Failures here never affect the command result already returned to the
// caller.
type IndexUpdater interface {
	Apply(specID ulid.ULID, event events.Event) error
}

type commandMsg struct {
	cmd   commands.Command
	reply chan commandResult
}

type commandResult struct {
	events []events.Event
	err    error
}

// Handle is the public, concurrency-safe entry point for one spec's actor.
type Handle struct {
	SpecID      ulid.ULID
	cmdCh       chan commandMsg
	broadcaster *broadcast.Broadcaster

	mu          sync.RWMutex
	state       *reducer.SpecState
	unavailable bool
}

// SendCommand enqueues cmd and blocks for the actor's reply. Returns
// ErrMailboxFull immediately (without blocking) if the mailbox is
// saturated, and ErrActorClosed if the actor has already shut down.
func (h *Handle) SendCommand(cmd commands.Command) ([]events.Event, error) {
	reply := make(chan commandResult, 1)
	select {
	case h.cmdCh <- commandMsg{cmd: cmd, reply: reply}:
	default:
		return nil, specerrors.ErrMailboxFull
	}

	result, ok := <-reply
	if !ok {
		return nil, specerrors.ErrActorClosed
	}
	return result.events, result.err
}

// Subscribe returns a channel receiving this spec's broadcast notifications.
func (h *Handle) Subscribe() chan broadcast.Notification {
	return h.broadcaster.Subscribe()
}

// Unsubscribe stops delivery to ch and closes it.
func (h *Handle) Unsubscribe(ch chan broadcast.Notification) {
	h.broadcaster.Unsubscribe(ch)
}

// ReadState clones the current state under a read lock, releases the lock,
// and then invokes fn on the clone, honoring the "actor exclusively owns mutable SpecState"
// ownership rule: fn never observes the live, still-mutating instance.
func (h *Handle) ReadState(fn func(s *reducer.SpecState)) {
	h.mu.RLock()
	snapshot := h.state.Clone()
	h.mu.RUnlock()
	fn(snapshot)
}

// Unavailable reports whether a persistence failure has quiesced this spec.
func (h *Handle) Unavailable() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.unavailable
}

type bracketState struct {
	undoIndex int
}

type specActor struct {
	handle      *Handle
	cmdCh       chan commandMsg
	nextEventID uint64
	specID      ulid.ULID

	log      LogAppender
	logQueue chan []events.Event
	index    IndexUpdater
	logger   *slog.Logger

	brackets map[string]*bracketState
}

// Spawn starts a new actor goroutine for specID seeded from initialState
// (as produced by recovery) and returns its handle. log and index may be
// nil; a nil log means events are never durably persisted (tests only —
// production callers must supply a *logstore.Log).
func Spawn(specID ulid.ULID, initialState *reducer.SpecState, log LogAppender, index IndexUpdater, logger *slog.Logger) *Handle {
	return SpawnTuned(specID, initialState, log, index, logger, DefaultTuning())
}

// SpawnTuned is Spawn with explicit mailbox/broadcast sizing, used by the
// registry when a loaded configuration overrides the defaults.
func SpawnTuned(specID ulid.ULID, initialState *reducer.SpecState, log LogAppender, index IndexUpdater, logger *slog.Logger, tuning Tuning) *Handle {
	if logger == nil {
		logger = slog.Default()
	}
	if tuning.MailboxBound <= 0 {
		tuning.MailboxBound = mailboxSize
	}

	handle := &Handle{
		SpecID:      specID,
		cmdCh:       make(chan commandMsg, tuning.MailboxBound),
		broadcaster: broadcast.New(tuning.BroadcastBufferSize),
		state:       initialState,
	}

	a := &specActor{
		handle:      handle,
		cmdCh:       handle.cmdCh,
		nextEventID: initialState.LastEventID + 1,
		specID:      specID,
		log:         log,
		logQueue:    make(chan []events.Event, logQueueSize),
		index:       index,
		logger:      logger,
		brackets:    make(map[string]*bracketState),
	}

	go a.runLogWriter()
	go a.run()

	return handle
}

func (a *specActor) run() {
	for msg := range a.cmdCh {
		msg.reply <- a.processCommand(msg.cmd)
	}
}

// runLogWriter drains the FIFO log queue on its own goroutine so fsync
// latency never blocks the command hot path. A persistence failure
// quiesces the spec for all further commands.
func (a *specActor) runLogWriter() {
	if a.log == nil {
		for range a.logQueue {
		}
		return
	}
	for batch := range a.logQueue {
		for i := range batch {
			if err := a.log.Append(&batch[i]); err != nil {
				a.logger.Error("log append failed, quiescing spec",
					"spec_id", a.specID.String(), "error", err)
				a.handle.mu.Lock()
				a.handle.unavailable = true
				a.handle.mu.Unlock()
				return
			}
		}
	}
}

func (a *specActor) processCommand(cmd commands.Command) commandResult {
	a.handle.mu.RLock()
	unavailable := a.handle.unavailable
	a.handle.mu.RUnlock()
	if unavailable {
		return commandResult{err: specerrors.ErrSpecUnavailable}
	}

	evts, err := a.commandToEvents(cmd)
	if err != nil {
		return commandResult{err: err}
	}

	a.handle.mu.Lock()
	for i := range evts {
		a.handle.state.Apply(&evts[i])
	}
	a.collapseAgentStepBracket(cmd, evts)
	a.handle.mu.Unlock()

	for _, evt := range evts {
		a.handle.broadcaster.Broadcast(evt)
	}

	select {
	case a.logQueue <- evts:
	default:
		// Queue saturated: block to preserve FIFO ordering rather than
		// drop or reorder a committed batch.
		a.logQueue <- evts
	}

	if a.index != nil {
		for _, evt := range evts {
			if err := a.index.Apply(a.specID, evt); err != nil {
				a.logger.Warn("query index update failed, needs rebuild",
					"spec_id", a.specID.String(), "error", err)
			}
		}
	}

	return commandResult{events: evts}
}

// collapseAgentStepBracket maintains the per-agent bracket boundary and,
// on FinishAgentStep, merges every UndoEntry the reducer pushed since the
// matching StartAgentStep into one atomic entry. Must be called with
// handle.mu held.
func (a *specActor) collapseAgentStepBracket(cmd commands.Command, evts []events.Event) {
	switch c := cmd.(type) {
	case commands.StartAgentStepCommand:
		a.brackets[c.AgentID] = &bracketState{undoIndex: len(a.handle.state.UndoStack)}

	case commands.FinishAgentStepCommand:
		b, ok := a.brackets[c.AgentID]
		if !ok {
			return
		}
		delete(a.brackets, c.AgentID)

		stack := a.handle.state.UndoStack
		if b.undoIndex >= len(stack) {
			return
		}
		entries := stack[b.undoIndex:]

		var combined []events.EventPayload
		for i := len(entries) - 1; i >= 0; i-- {
			combined = append(combined, entries[i].Inverse...)
		}

		finishEventID := uint64(0)
		if len(evts) > 0 {
			finishEventID = evts[len(evts)-1].EventID
		}
		merged := reducer.UndoEntry{EventID: finishEventID, Inverse: combined}
		a.handle.state.UndoStack = append(stack[:b.undoIndex], merged)
	}
}

// commandToEvents validates cmd against current state and converts it to
// one or more ordered events with freshly assigned event_ids. On
// validation failure it returns an error and state is left untouched.
func (a *specActor) commandToEvents(cmd commands.Command) ([]events.Event, error) {
	a.handle.mu.RLock()
	state := a.handle.state
	var payloads []events.EventPayload

	switch c := cmd.(type) {
	case commands.CreateSpecCommand:
		title, oneLiner, goal := strings.TrimSpace(c.Title), strings.TrimSpace(c.OneLiner), strings.TrimSpace(c.Goal)
		if title == "" || oneLiner == "" || goal == "" {
			a.handle.mu.RUnlock()
			return nil, specerrors.NewValidationError("title/one_liner/goal", "must be non-empty after trim")
		}
		payloads = []events.EventPayload{
			events.SpecCreatedPayload{Title: c.Title, OneLiner: c.OneLiner, Goal: c.Goal},
		}

	case commands.UpdateSpecCoreCommand:
		if state.Core == nil {
			a.handle.mu.RUnlock()
			return nil, specerrors.ErrSpecNotCreated
		}
		if !c.AnyFieldSet() {
			a.handle.mu.RUnlock()
			return nil, specerrors.NewValidationError("fields", "at least one field must be provided")
		}
		if c.Title != nil && strings.TrimSpace(*c.Title) == "" {
			a.handle.mu.RUnlock()
			return nil, specerrors.NewValidationError("title", "must remain non-empty after patch")
		}
		if c.OneLiner != nil && strings.TrimSpace(*c.OneLiner) == "" {
			a.handle.mu.RUnlock()
			return nil, specerrors.NewValidationError("one_liner", "must remain non-empty after patch")
		}
		if c.Goal != nil && strings.TrimSpace(*c.Goal) == "" {
			a.handle.mu.RUnlock()
			return nil, specerrors.NewValidationError("goal", "must remain non-empty after patch")
		}
		payloads = []events.EventPayload{
			events.SpecCoreUpdatedPayload{
				Title: c.Title, OneLiner: c.OneLiner, Goal: c.Goal,
				Description: c.Description, Constraints: c.Constraints,
				SuccessCriteria: c.SuccessCriteria, Risks: c.Risks, Notes: c.Notes,
			},
		}

	case commands.CreateCardCommand:
		if strings.TrimSpace(c.Title) == "" {
			a.handle.mu.RUnlock()
			return nil, specerrors.NewValidationError("title", "must be non-empty after trim")
		}
		now := time.Now().UTC()
		lane := model.DefaultLane
		if c.Lane != nil {
			lane = *c.Lane
		}
		card := model.Card{
			CardID:    model.NewULID(),
			CardType:  c.CardType,
			Title:     c.Title,
			Body:      c.Body,
			Lane:      lane,
			Order:     0.0,
			Refs:      []string{},
			CreatedAt: now,
			UpdatedAt: now,
			CreatedBy: c.CreatedBy,
			UpdatedBy: c.CreatedBy,
		}
		payloads = []events.EventPayload{events.CardCreatedPayload{Card: card}}

	case commands.UpdateCardCommand:
		if _, ok := state.Cards.Get(c.CardID); !ok {
			a.handle.mu.RUnlock()
			return nil, specerrors.NewNotFoundError("card", c.CardID.String())
		}
		if !c.AnyFieldSet() {
			a.handle.mu.RUnlock()
			return nil, specerrors.NewValidationError("fields", "at least one field must be provided")
		}
		if c.Title != nil && strings.TrimSpace(*c.Title) == "" {
			a.handle.mu.RUnlock()
			return nil, specerrors.NewValidationError("title", "must be non-empty after trim")
		}
		payloads = []events.EventPayload{
			events.CardUpdatedPayload{
				CardID: c.CardID, Title: c.Title, Body: c.Body,
				CardType: c.CardType, Refs: c.Refs,
			},
		}

	case commands.MoveCardCommand:
		existing, ok := state.Cards.Get(c.CardID)
		if !ok {
			a.handle.mu.RUnlock()
			return nil, specerrors.NewNotFoundError("card", c.CardID.String())
		}
		if strings.TrimSpace(c.Lane) == "" {
			a.handle.mu.RUnlock()
			return nil, specerrors.NewValidationError("lane", "must be non-empty after trim")
		}
		if !isFinite(c.Order) {
			a.handle.mu.RUnlock()
			return nil, specerrors.NewValidationError("order", "must be finite (not NaN/Inf)")
		}
		// Moving a card to its current (lane, order) is a no-op: emit
		// nothing rather than a self-overwriting CardMoved event.
		if c.Lane != existing.Lane || c.Order != existing.Order {
			payloads = []events.EventPayload{
				events.CardMovedPayload{CardID: c.CardID, Lane: c.Lane, Order: c.Order},
			}
		}

	case commands.DeleteCardCommand:
		if _, ok := state.Cards.Get(c.CardID); !ok {
			a.handle.mu.RUnlock()
			return nil, specerrors.NewNotFoundError("card", c.CardID.String())
		}
		payloads = []events.EventPayload{events.CardDeletedPayload{CardID: c.CardID}}

	case commands.AppendTranscriptCommand:
		msg := model.NewTranscriptMessage(c.Sender, c.Content)
		payloads = []events.EventPayload{events.TranscriptAppendedPayload{Message: msg}}

	case commands.AskQuestionCommand:
		if state.PendingQuestion != nil {
			a.handle.mu.RUnlock()
			return nil, specerrors.ErrQuestionInFlight
		}
		if mc, ok := c.Question.(model.MultipleChoiceQuestion); ok && len(mc.Choices) == 0 {
			a.handle.mu.RUnlock()
			return nil, specerrors.NewValidationError("choices", "multiple-choice question needs at least one choice")
		}
		payloads = []events.EventPayload{events.QuestionAskedPayload{Question: c.Question}}

	case commands.AnswerQuestionCommand:
		if state.PendingQuestion == nil {
			a.handle.mu.RUnlock()
			return nil, specerrors.ErrNoPendingQuestion
		}
		pendingID := state.PendingQuestion.QuestionID()
		if pendingID != c.QuestionID {
			a.handle.mu.RUnlock()
			return nil, &specerrors.QuestionIDMismatchError{Expected: pendingID.String(), Got: c.QuestionID.String()}
		}
		payloads = []events.EventPayload{
			events.QuestionAnsweredPayload{QuestionID: c.QuestionID, Answer: c.Answer},
		}

	case commands.StartAgentStepCommand:
		payloads = []events.EventPayload{
			events.AgentStepStartedPayload{AgentID: c.AgentID, Description: c.Description},
		}

	case commands.FinishAgentStepCommand:
		payloads = []events.EventPayload{
			events.AgentStepFinishedPayload{AgentID: c.AgentID, DiffSummary: c.DiffSummary},
		}

	case commands.UndoCommand:
		if len(state.UndoStack) == 0 {
			a.handle.mu.RUnlock()
			return nil, specerrors.ErrEmptyUndoStack
		}
		entry := state.UndoStack[len(state.UndoStack)-1]
		inverseCopy := make([]events.EventPayload, len(entry.Inverse))
		copy(inverseCopy, entry.Inverse)
		payloads = []events.EventPayload{
			events.UndoAppliedPayload{TargetEventID: entry.EventID, InverseEvents: inverseCopy},
		}

	default:
		a.handle.mu.RUnlock()
		return nil, fmt.Errorf("%w: %T", specerrors.ErrUnknownCommand, cmd)
	}

	a.handle.mu.RUnlock()

	now := time.Now().UTC()
	out := make([]events.Event, len(payloads))
	for i, payload := range payloads {
		out[i] = events.Event{
			EventID:   a.nextEventID,
			SpecID:    a.specID,
			Timestamp: now,
			Payload:   payload,
		}
		a.nextEventID++
	}
	return out, nil
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
