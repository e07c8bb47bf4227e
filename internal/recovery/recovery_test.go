package recovery_test

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fieldnote/specd/internal/events"
	"github.com/fieldnote/specd/internal/logstore"
	"github.com/fieldnote/specd/internal/model"
	"github.com/fieldnote/specd/internal/queryindex"
	"github.com/fieldnote/specd/internal/recovery"
	"github.com/fieldnote/specd/internal/reducer"
	"github.com/fieldnote/specd/internal/snapshot"
)

func makeSpecDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	specDir := filepath.Join(dir, "test_spec")
	if err := os.MkdirAll(filepath.Join(specDir, "snapshots"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	return specDir
}

func writeEvents(t *testing.T, specDir string, evts []events.Event) {
	t.Helper()
	log, err := logstore.Open(filepath.Join(specDir, "events.jsonl"))
	if err != nil {
		t.Fatalf("Open log: %v", err)
	}
	defer func() { _ = log.Close() }()

	for i := range evts {
		if err := log.Append(&evts[i]); err != nil {
			t.Fatalf("Append event %d: %v", evts[i].EventID, err)
		}
	}
}

func TestRecoverFromCleanLog(t *testing.T) {
	specDir := makeSpecDir(t)
	specID := model.NewULID()

	evts := []events.Event{
		{EventID: 1, SpecID: specID, Timestamp: time.Now().UTC(),
			Payload: events.SpecCreatedPayload{Title: "Recovery Test", OneLiner: "t", Goal: "verify recovery"}},
		{EventID: 2, SpecID: specID, Timestamp: time.Now().UTC(),
			Payload: events.CardCreatedPayload{Card: model.NewCard("idea", "Test Card", "human")}},
	}
	writeEvents(t, specDir, evts)

	result, err := recovery.Recover(specID, specDir, nil, nil)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	defer func() { _ = result.Log.Close() }()

	if result.State.LastEventID != 2 {
		t.Errorf("LastEventID = %d, want 2", result.State.LastEventID)
	}
	if result.State.Core == nil || result.State.Core.Title != "Recovery Test" {
		t.Fatalf("unexpected core: %+v", result.State.Core)
	}
	if result.State.Cards.Len() != 1 {
		t.Errorf("cards = %d, want 1", result.State.Cards.Len())
	}
	if result.TailTruncated {
		t.Error("expected no truncation for a clean log")
	}
}

func TestRecoverWithNoLogOrSnapshot(t *testing.T) {
	specDir := makeSpecDir(t)
	specID := model.NewULID()

	result, err := recovery.Recover(specID, specDir, nil, nil)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	defer func() { _ = result.Log.Close() }()

	if result.State.LastEventID != 0 {
		t.Errorf("LastEventID = %d, want 0", result.State.LastEventID)
	}
	if result.State.Core != nil {
		t.Error("expected nil core for a fresh spec")
	}
}

func TestRecoverFromSnapshotPlusTail(t *testing.T) {
	specDir := makeSpecDir(t)
	specID := model.NewULID()

	var allEvents []events.Event
	allEvents = append(allEvents, events.Event{
		EventID: 1, SpecID: specID, Timestamp: time.Now().UTC(),
		Payload: events.SpecCreatedPayload{Title: "Snapshot Test", OneLiner: "t", Goal: "verify snapshot+tail"},
	})
	for i := uint64(2); i <= 20; i++ {
		allEvents = append(allEvents, events.Event{
			EventID: i, SpecID: specID, Timestamp: time.Now().UTC(),
			Payload: events.CardCreatedPayload{Card: model.NewCard("idea", fmt.Sprintf("Card %d", i), "human")},
		})
	}
	writeEvents(t, specDir, allEvents)

	snapState := reducer.NewSpecState()
	for i := 0; i < 10; i++ {
		snapState.Apply(&allEvents[i])
	}
	snapData := &snapshot.Data{
		State:         snapState,
		AgentContexts: map[string]json.RawMessage{"explorer": json.RawMessage(`{"step":1}`)},
		SavedAt:       time.Now().UTC(),
	}
	if err := snapshot.Save(filepath.Join(specDir, "snapshots"), snapData); err != nil {
		t.Fatalf("Save snapshot: %v", err)
	}

	result, err := recovery.Recover(specID, specDir, nil, nil)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	defer func() { _ = result.Log.Close() }()

	if result.State.LastEventID != 20 {
		t.Errorf("LastEventID = %d, want 20", result.State.LastEventID)
	}
	if result.State.Cards.Len() != 19 {
		t.Errorf("cards = %d, want 19 (1 from spec, 19 cards = events 2..20)", result.State.Cards.Len())
	}
	if _, ok := result.AgentContexts["explorer"]; !ok {
		t.Error("expected agent_contexts restored from snapshot")
	}
}

func TestRecoverTruncatesTornTail(t *testing.T) {
	specDir := makeSpecDir(t)
	specID := model.NewULID()

	evts := []events.Event{
		{EventID: 1, SpecID: specID, Timestamp: time.Now().UTC(),
			Payload: events.SpecCreatedPayload{Title: "Torn Tail", OneLiner: "t", Goal: "g"}},
	}
	writeEvents(t, specDir, evts)

	eventsPath := filepath.Join(specDir, "events.jsonl")
	f, err := os.OpenFile(eventsPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	if _, err := f.WriteString(`{"event_id":2,"spec_id":"bad`); err != nil {
		t.Fatalf("write torn line: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	result, err := recovery.Recover(specID, specDir, nil, nil)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	defer func() { _ = result.Log.Close() }()

	if !result.TailTruncated {
		t.Error("expected TailTruncated to be true")
	}
	if result.State.LastEventID != 1 {
		t.Errorf("LastEventID = %d, want 1 (torn event dropped)", result.State.LastEventID)
	}
}

func TestRecoverAbortsOnMidLogCorruption(t *testing.T) {
	specDir := makeSpecDir(t)
	specID := model.NewULID()

	evts := []events.Event{
		{EventID: 1, SpecID: specID, Timestamp: time.Now().UTC(),
			Payload: events.SpecCreatedPayload{Title: "Mid Corruption", OneLiner: "t", Goal: "g"}},
		{EventID: 2, SpecID: specID, Timestamp: time.Now().UTC(),
			Payload: events.CardCreatedPayload{Card: model.NewCard("idea", "Fine", "human")}},
	}
	writeEvents(t, specDir, evts)

	eventsPath := filepath.Join(specDir, "events.jsonl")
	raw, err := os.ReadFile(eventsPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	corrupted := []byte("not valid json at all\n")
	corrupted = append(corrupted, raw...)
	if err := os.WriteFile(eventsPath, corrupted, 0o644); err != nil {
		t.Fatalf("write corrupted log: %v", err)
	}

	_, err = recovery.Recover(specID, specDir, nil, nil)
	if err == nil {
		t.Fatal("expected recovery to fail on mid-log corruption")
	}
}

func TestRecoverRebuildsStaleIndex(t *testing.T) {
	specDir := makeSpecDir(t)
	specID := model.NewULID()

	evts := []events.Event{
		{EventID: 1, SpecID: specID, Timestamp: time.Now().UTC(),
			Payload: events.SpecCreatedPayload{Title: "Index Rebuild", OneLiner: "t", Goal: "g"}},
		{EventID: 2, SpecID: specID, Timestamp: time.Now().UTC(),
			Payload: events.CardCreatedPayload{Card: model.NewCard("idea", "Indexed Card", "human")}},
	}
	writeEvents(t, specDir, evts)

	idx, err := queryindex.Open(filepath.Join(specDir, "index.db"))
	if err != nil {
		t.Fatalf("Open index: %v", err)
	}
	defer func() { _ = idx.Close() }()

	result, err := recovery.Recover(specID, specDir, idx, nil)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	defer func() { _ = result.Log.Close() }()

	specs, err := idx.ListSpecs()
	if err != nil {
		t.Fatalf("ListSpecs: %v", err)
	}
	if len(specs) != 1 || specs[0].Title != "Index Rebuild" {
		t.Fatalf("expected index rebuilt with 1 spec, got %+v", specs)
	}

	lastID, ok, err := idx.LastEventID(specID)
	if err != nil || !ok || lastID != 2 {
		t.Fatalf("index LastEventID = (%d, %v, %v), want (2, true, nil)", lastID, ok, err)
	}
}
