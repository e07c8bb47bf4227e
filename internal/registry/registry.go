// Package registry is the process-wide table of live spec actors. It owns
// the on-disk home directory layout, drives recovery at startup, and
// exposes the daemon's public surface: create a spec, submit a command,
// subscribe to its events, list specs, and snapshot every spec on
// shutdown. Shutdown does not drain commands still queued in actor
// mailboxes.
//
// Grounded on the teacher's spec/store/manager.go StorageManager, adapted
// from its single-process, per-spec-SQLite layout to a registry that owns
// one shared queryindex.Index (internal/queryindex generalizes the
// teacher's one-db-per-spec schema to a spec_id-keyed shared one) and
// drives internal/recovery + internal/actor.Spawn per spec.
package registry

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fieldnote/specd/internal/actor"
	"github.com/fieldnote/specd/internal/broadcast"
	"github.com/fieldnote/specd/internal/commands"
	"github.com/fieldnote/specd/internal/config"
	"github.com/fieldnote/specd/internal/events"
	"github.com/fieldnote/specd/internal/model"
	"github.com/fieldnote/specd/internal/queryindex"
	"github.com/fieldnote/specd/internal/recovery"
	"github.com/fieldnote/specd/internal/reducer"
	"github.com/fieldnote/specd/internal/snapshot"
)

const specsDirName = "specs"
const indexFileName = "index.db"
const snapshotsSubdir = "snapshots"

// Registry is the process-wide, concurrency-safe table of live actors.
type Registry struct {
	home   string
	idx    *queryindex.Index
	logger *slog.Logger
	tuning actor.Tuning

	snapshotThreshold int
	snapshotInterval  time.Duration

	mu                  sync.RWMutex
	actors              map[ulid.ULID]*actor.Handle
	lastSnapshotEventID map[ulid.ULID]uint64
	lastSnapshotAt      map[ulid.ULID]time.Time
}

// Open creates (if needed) the home directory layout, opens the shared
// query index, and returns an empty registry tuned to actor.DefaultTuning
// and config.Defaults' snapshot policy. Call RecoverAll to populate it
// from disk before accepting traffic. Use OpenWithConfig to apply a loaded
// configuration's mailbox/buffer/snapshot overrides instead.
func Open(home string, logger *slog.Logger) (*Registry, error) {
	return newRegistry(home, logger, actor.DefaultTuning(), config.Defaults().Snapshot.EventThreshold, 5*time.Minute)
}

// OpenWithConfig is Open, but sized from a loaded config.Config: mailbox
// bound, broadcast buffer size, and the snapshot event-count/interval
// triggers all come from cfg rather than the hardcoded defaults.
func OpenWithConfig(cfg *config.Config, logger *slog.Logger) (*Registry, error) {
	tuning := actor.Tuning{MailboxBound: cfg.MailboxBound, BroadcastBufferSize: cfg.BroadcastBufferSize}
	return newRegistry(cfg.DataRoot, logger, tuning, cfg.Snapshot.EventThreshold, cfg.SnapshotInterval)
}

func newRegistry(home string, logger *slog.Logger, tuning actor.Tuning, snapshotThreshold int, snapshotInterval time.Duration) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Join(home, specsDirName), 0o755); err != nil {
		return nil, fmt.Errorf("create specs dir: %w", err)
	}

	idx, err := queryindex.Open(filepath.Join(home, indexFileName))
	if err != nil {
		return nil, fmt.Errorf("open query index: %w", err)
	}

	return &Registry{
		home:                home,
		idx:                 idx,
		logger:              logger,
		tuning:              tuning,
		snapshotThreshold:   snapshotThreshold,
		snapshotInterval:    snapshotInterval,
		actors:              make(map[ulid.ULID]*actor.Handle),
		lastSnapshotEventID: make(map[ulid.ULID]uint64),
		lastSnapshotAt:      make(map[ulid.ULID]time.Time),
	}, nil
}

func (r *Registry) specDir(specID ulid.ULID) string {
	return filepath.Join(r.home, specsDirName, specID.String())
}

// RecoverAll scans the specs directory and recovers every spec directory
// whose name parses as a ULID, spawning an actor for each one that
// recovers cleanly. A spec whose log is corrupted beyond its final line is
// logged and skipped rather than aborting the whole registry.
func (r *Registry) RecoverAll() error {
	specsDir := filepath.Join(r.home, specsDirName)
	entries, err := os.ReadDir(specsDir)
	if err != nil {
		return fmt.Errorf("read specs dir: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		specID, err := ulid.Parse(entry.Name())
		if err != nil {
			r.logger.Warn("skipping non-ulid entry in specs dir", "name", entry.Name())
			continue
		}

		result, err := recovery.Recover(specID, r.specDir(specID), r.idx, r.logger)
		if err != nil {
			r.logger.Error("recovery failed, skipping spec", "spec_id", specID.String(), "error", err)
			continue
		}

		handle := actor.SpawnTuned(specID, result.State, result.Log, r.idx, r.logger, r.tuning)
		r.mu.Lock()
		r.actors[specID] = handle
		r.lastSnapshotEventID[specID] = result.State.LastEventID
		r.lastSnapshotAt[specID] = time.Now()
		r.mu.Unlock()

		r.logger.Info("recovered spec", "spec_id", specID.String(), "last_event_id", result.State.LastEventID)
	}
	return nil
}

// CreateSpec allocates a fresh spec directory, spawns its actor, and
// submits the CreateSpec command to it as the spec's founding event.
func (r *Registry) CreateSpec(title, oneLiner, goal string) (*actor.Handle, []events.Event, error) {
	specID := model.NewULID()
	specDir := r.specDir(specID)
	if err := os.MkdirAll(filepath.Join(specDir, "snapshots"), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create spec dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(specDir, "exports"), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create exports dir: %w", err)
	}

	result, err := recovery.Recover(specID, specDir, r.idx, r.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize new spec: %w", err)
	}

	handle := actor.SpawnTuned(specID, result.State, result.Log, r.idx, r.logger, r.tuning)

	evts, err := handle.SendCommand(commands.CreateSpecCommand{Title: title, OneLiner: oneLiner, Goal: goal})
	if err != nil {
		return nil, nil, fmt.Errorf("submit CreateSpec: %w", err)
	}

	r.mu.Lock()
	r.actors[specID] = handle
	r.lastSnapshotEventID[specID] = 0
	r.lastSnapshotAt[specID] = time.Now()
	r.mu.Unlock()

	return handle, evts, nil
}

// Get returns the live actor handle for specID, if any.
func (r *Registry) Get(specID ulid.ULID) (*actor.Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.actors[specID]
	return h, ok
}

// Submit routes cmd to specID's actor, or an error if no such spec is
// registered.
func (r *Registry) Submit(specID ulid.ULID, cmd commands.Command) ([]events.Event, error) {
	handle, ok := r.Get(specID)
	if !ok {
		return nil, fmt.Errorf("spec %s not found", specID.String())
	}
	return handle.SendCommand(cmd)
}

// Subscribe returns a broadcast channel for specID's events, or false if no
// such spec is registered.
func (r *Registry) Subscribe(specID ulid.ULID) (chan broadcast.Notification, bool) {
	handle, ok := r.Get(specID)
	if !ok {
		return nil, false
	}
	return handle.Subscribe(), true
}

// ListSpecs delegates to the shared query index for a cross-spec summary
// list, avoiding a ReadState round trip through every live actor.
func (r *Registry) ListSpecs() ([]queryindex.SpecSummary, error) {
	return r.idx.ListSpecs()
}

// Snapshot invokes fn with a cloned view of specID's current state.
func (r *Registry) Snapshot(specID ulid.ULID, fn func(s *reducer.SpecState)) bool {
	handle, ok := r.Get(specID)
	if !ok {
		return false
	}
	handle.ReadState(fn)
	return true
}

// WriteSnapshot forces an unconditional snapshot write for specID and
// prunes stale ones, regardless of the configured triggers.
func (r *Registry) WriteSnapshot(specID ulid.ULID) error {
	handle, ok := r.Get(specID)
	if !ok {
		return fmt.Errorf("spec %s not found", specID.String())
	}

	var data snapshot.Data
	handle.ReadState(func(s *reducer.SpecState) {
		data.State = s
	})
	data.SavedAt = time.Now()

	dir := filepath.Join(r.specDir(specID), snapshotsSubdir)
	if err := snapshot.Save(dir, &data); err != nil {
		return fmt.Errorf("save snapshot for %s: %w", specID.String(), err)
	}
	if err := snapshot.Prune(dir, data.State.LastEventID); err != nil {
		r.logger.Warn("snapshot prune failed", "spec_id", specID.String(), "error", err)
	}

	r.mu.Lock()
	r.lastSnapshotEventID[specID] = data.State.LastEventID
	r.lastSnapshotAt[specID] = time.Now()
	r.mu.Unlock()
	return nil
}

// SnapshotDue reports whether specID has crossed its configured
// event-count or time-interval trigger since its last snapshot.
func (r *Registry) SnapshotDue(specID ulid.ULID) bool {
	handle, ok := r.Get(specID)
	if !ok {
		return false
	}

	r.mu.RLock()
	lastID := r.lastSnapshotEventID[specID]
	lastAt := r.lastSnapshotAt[specID]
	r.mu.RUnlock()

	var due bool
	handle.ReadState(func(s *reducer.SpecState) {
		if int(s.LastEventID-lastID) >= r.snapshotThreshold {
			due = true
		}
	})
	if !due && time.Since(lastAt) >= r.snapshotInterval {
		due = true
	}
	return due
}

// SnapshotAllDue writes a snapshot for every live spec whose trigger has
// fired, logging (not propagating) any individual write failure so one
// spec never blocks the others. Driven by a periodic loop in cmd/specd;
// the final shutdown snapshot is written by Close, not by this method.
func (r *Registry) SnapshotAllDue() {
	r.mu.RLock()
	ids := make([]ulid.ULID, 0, len(r.actors))
	for id := range r.actors {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		if !r.SnapshotDue(id) {
			continue
		}
		if err := r.WriteSnapshot(id); err != nil {
			r.logger.Error("snapshot write failed", "spec_id", id.String(), "error", err)
		}
	}
}

// Close performs the graceful-shutdown sequence: an unconditional
// snapshot of every live spec (regardless of trigger state), then closes
// the shared query index. It does not drain in-flight commands — actors
// have no explicit stop signal by design, since the log writer fsyncs on
// every append rather than deferring durability to a close call.
func (r *Registry) Close() error {
	r.mu.RLock()
	ids := make([]ulid.ULID, 0, len(r.actors))
	for id := range r.actors {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		if err := r.WriteSnapshot(id); err != nil {
			r.logger.Error("shutdown snapshot failed", "spec_id", id.String(), "error", err)
		}
	}

	return r.idx.Close()
}
