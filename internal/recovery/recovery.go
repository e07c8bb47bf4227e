// Package recovery rebuilds a spec's in-memory state and on-disk caches at
// startup: load the newest snapshot, repair and replay the durable log,
// reconcile the query index, and hand back everything the registry needs to
// spawn a live actor for the spec.
//
// Grounded on the teacher's spec/store/recovery.go RecoverSpec, generalized
// to multi-spec operation (the teacher assumes one process-wide SQLite
// index but this engine shares one queryindex.Index across every spec) and
// corrected to treat a torn log tail as a recoverable note rather than
// conflating it with the fatal mid-log-corruption case the teacher's
// RepairJsonl cannot distinguish (see internal/logstore's package doc).
package recovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/oklog/ulid/v2"

	"github.com/fieldnote/specd/internal/events"
	"github.com/fieldnote/specd/internal/logstore"
	"github.com/fieldnote/specd/internal/queryindex"
	"github.com/fieldnote/specd/internal/reducer"
	"github.com/fieldnote/specd/internal/snapshot"
	"github.com/fieldnote/specd/internal/specerrors"
)

// Result is everything the registry needs to spawn an actor for a spec
// after recovery completes.
type Result struct {
	State         *reducer.SpecState
	AgentContexts map[string]json.RawMessage
	Log           *logstore.Log
	TailTruncated bool
}

const eventsFileName = "events.jsonl"
const snapshotsDirName = "snapshots"
const indexFileName = "index.db"

// Recover runs the full six-step recovery sequence for the spec rooted at
// specDir, reconciling idx (shared across every spec in the process) for
// specID. A *specerrors.LogCorruptionError return means this spec must not
// be registered; the caller should log it and skip the spec rather than
// abort the whole process.
func Recover(specID ulid.ULID, specDir string, idx *queryindex.Index, logger *slog.Logger) (*Result, error) {
	if logger == nil {
		logger = slog.Default()
	}

	eventsPath := filepath.Join(specDir, eventsFileName)
	snapshotsDir := filepath.Join(specDir, snapshotsDirName)

	// Step 1: load the latest snapshot. A parse failure is not fatal —
	// it is treated as "no usable snapshot" and recovery replays from
	// event zero instead.
	state := reducer.NewSpecState()
	var agentContexts map[string]json.RawMessage
	var snapshotEventID uint64

	snap, err := snapshot.LoadLatest(snapshotsDir)
	if err != nil {
		logger.Warn("snapshot load failed, replaying from zero",
			"spec_id", specID.String(), "error", err)
	} else if snap != nil {
		state = snap.State
		agentContexts = snap.AgentContexts
		snapshotEventID = snap.State.LastEventID
		logger.Info("loaded snapshot", "spec_id", specID.String(), "event_id", snapshotEventID)
	} else {
		logger.Info("no snapshot found, starting from empty state", "spec_id", specID.String())
	}

	// Step 2: repair and replay the log. A missing log means a fresh spec.
	var allEvents []events.Event
	var tailTruncated bool

	if _, statErr := os.Stat(eventsPath); statErr == nil {
		repairResult, repairErr := logstore.Repair(eventsPath)
		if repairErr != nil {
			var corruption *specerrors.LogCorruptionError
			if errors.As(repairErr, &corruption) {
				return nil, corruption
			}
			return nil, fmt.Errorf("repair log: %w", repairErr)
		}
		if repairResult.Truncated {
			tailTruncated = true
			logger.Warn("log repair truncated a torn final line",
				"spec_id", specID.String(), "valid_events", repairResult.ValidEvents)
		}

		replayed, replayErr := logstore.Replay(eventsPath)
		if replayErr != nil {
			var corruption *specerrors.LogCorruptionError
			if errors.As(replayErr, &corruption) {
				return nil, corruption
			}
			return nil, fmt.Errorf("replay log: %w", replayErr)
		}
		for i := range replayed {
			if replayed[i].SpecID != specID {
				logger.Warn("skipping event with mismatched spec_id",
					"spec_id", specID.String(), "event_spec_id", replayed[i].SpecID.String(),
					"event_id", replayed[i].EventID)
				continue
			}
			allEvents = append(allEvents, replayed[i])
		}
	} else {
		logger.Info("no event log found, fresh spec", "spec_id", specID.String())
	}

	var tailCount int
	for i := range allEvents {
		if allEvents[i].EventID > snapshotEventID {
			state.Apply(&allEvents[i])
			tailCount++
		}
	}
	logger.Info("replayed tail events", "spec_id", specID.String(),
		"tail_count", tailCount, "total_on_disk", len(allEvents))

	// Step 3: reconcile the query index.
	if idx != nil {
		indexLastID, found, idxErr := idx.LastEventID(specID)
		if idxErr != nil {
			return nil, fmt.Errorf("read index last_event_id: %w", idxErr)
		}
		switch {
		case found && indexLastID == state.LastEventID:
			logger.Info("index up to date", "spec_id", specID.String(), "event_id", indexLastID)
		case len(allEvents) == 0 && snap != nil:
			// Snapshot carries state with no events on disk: trust it
			// rather than rebuilding an empty index down to event 0.
			logger.Info("no events on disk, trusting snapshot for index", "spec_id", specID.String())
		default:
			logger.Warn("index stale or missing, rebuilding", "spec_id", specID.String(),
				"index_event_id", indexLastID, "state_event_id", state.LastEventID)
			if err := idx.Rebuild(specID, allEvents); err != nil {
				return nil, fmt.Errorf("rebuild index: %w", err)
			}
		}
	}

	// Open the log for continued appending by the actor's log writer.
	log, err := logstore.Open(eventsPath)
	if err != nil {
		return nil, fmt.Errorf("open log for continued appends: %w", err)
	}

	return &Result{
		State:         state,
		AgentContexts: agentContexts,
		Log:           log,
		TailTruncated: tailTruncated,
	}, nil
}
