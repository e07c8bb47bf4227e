// Package snapshot persists point-in-time checkpoints of a spec's state so
// recovery can skip most of the log instead of replaying from event zero.
// A snapshot is a cache: deleting every file under a spec's snapshot
// directory must never change what recovery produces, only how long it
// takes.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fieldnote/specd/internal/reducer"
)

// Data is a full checkpoint: the materialized state plus whatever
// free-form working memory each agent attached to it. AgentContexts are
// opaque to the engine — it stores and returns them verbatim.
type Data struct {
	State         *reducer.SpecState         `json:"state"`
	AgentContexts map[string]json.RawMessage `json:"agent_contexts"`
	SavedAt       time.Time                  `json:"saved_at"`
}

const filePrefix = "state_"
const fileSuffix = ".json"

// Save writes a snapshot under dir using the atomic temp-file + fsync +
// rename sequence, named state_<last_event_id>.json so LoadLatest can
// select the newest without reading file contents first.
func Save(dir string, data *Data) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	eventID := data.State.LastEventID
	tmpPath := filepath.Join(dir, fmt.Sprintf("%s%d.tmp", filePrefix, eventID))
	finalPath := filepath.Join(dir, fmt.Sprintf("%s%d%s", filePrefix, eventID, fileSuffix))

	encoded, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	if _, err := tmpFile.Write(encoded); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("fsync snapshot: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	if pdir, err := os.Open(dir); err == nil {
		_ = pdir.Sync()
		_ = pdir.Close()
	}
	return nil
}

// LoadLatest returns the snapshot with the highest event id in dir, or nil
// if dir has no snapshots yet (including when dir itself does not exist).
func LoadLatest(dir string) (*Data, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot dir: %w", err)
	}

	var bestEventID uint64
	var bestPath string
	found := false

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		idStr := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
		eventID, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			continue
		}
		if !found || eventID > bestEventID {
			bestEventID = eventID
			bestPath = filepath.Join(dir, name)
			found = true
		}
	}
	if !found {
		return nil, nil
	}

	raw, err := os.ReadFile(bestPath)
	if err != nil {
		return nil, fmt.Errorf("read snapshot file: %w", err)
	}

	var data Data
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", bestPath, err)
	}
	return &data, nil
}

// Prune removes every snapshot file under dir except the one matching
// keepEventID, called after a successful new snapshot so the directory
// does not grow unbounded. Best-effort: a failure to remove an individual
// stale file does not stop pruning the rest; the first such failure is
// returned.
func Prune(dir string, keepEventID uint64) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read snapshot dir: %w", err)
	}

	keepName := fmt.Sprintf("%s%d%s", filePrefix, keepEventID, fileSuffix)
	var firstErr error
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == keepName {
			continue
		}
		if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
