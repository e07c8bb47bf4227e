package snapshot_test

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/fieldnote/specd/internal/model"
	"github.com/fieldnote/specd/internal/reducer"
	"github.com/fieldnote/specd/internal/snapshot"
)

func makeData(eventID uint64) *snapshot.Data {
	state := reducer.NewSpecState()
	state.LastEventID = eventID
	return &snapshot.Data{
		State: state,
		AgentContexts: map[string]json.RawMessage{
			"explorer": json.RawMessage(`{"step":3,"notes":"found patterns"}`),
		},
		SavedAt: time.Now().UTC(),
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	data := makeData(42)

	if err := snapshot.Save(dir, data); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := snapshot.LoadLatest(dir)
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected non-nil snapshot")
	}
	if loaded.State.LastEventID != 42 {
		t.Errorf("State.LastEventID = %d, want 42", loaded.State.LastEventID)
	}
	if _, ok := loaded.AgentContexts["explorer"]; !ok {
		t.Error("expected agent_contexts to contain 'explorer'")
	}

	var ctx map[string]any
	if err := json.Unmarshal(loaded.AgentContexts["explorer"], &ctx); err != nil {
		t.Fatalf("unmarshal explorer context: %v", err)
	}
	if ctx["step"] != float64(3) {
		t.Errorf("explorer step = %v, want 3", ctx["step"])
	}
}

func TestLoadLatestPicksHighestEventID(t *testing.T) {
	dir := t.TempDir()

	if err := snapshot.Save(dir, makeData(10)); err != nil {
		t.Fatalf("Save(10): %v", err)
	}
	if err := snapshot.Save(dir, makeData(20)); err != nil {
		t.Fatalf("Save(20): %v", err)
	}

	loaded, err := snapshot.LoadLatest(dir)
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected non-nil snapshot")
	}
	if loaded.State.LastEventID != 20 {
		t.Errorf("State.LastEventID = %d, want 20", loaded.State.LastEventID)
	}
}

func TestLoadLatestReturnsNilForEmptyDir(t *testing.T) {
	dir := t.TempDir()

	loaded, err := snapshot.LoadLatest(dir)
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if loaded != nil {
		t.Errorf("expected nil, got snapshot with LastEventID=%d", loaded.State.LastEventID)
	}
}

func TestLoadLatestReturnsNilForNonexistentDir(t *testing.T) {
	loaded, err := snapshot.LoadLatest("/nonexistent/path/snapshots")
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if loaded != nil {
		t.Error("expected nil for non-existent directory")
	}
}

func TestSaveCreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "deep", "nested", "snapshots")

	if err := snapshot.Save(nested, makeData(5)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := snapshot.LoadLatest(nested)
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected non-nil snapshot")
	}
	if loaded.State.LastEventID != 5 {
		t.Errorf("State.LastEventID = %d, want 5", loaded.State.LastEventID)
	}
}

func TestSnapshotWithCardsAndAgentStatuses(t *testing.T) {
	state := reducer.NewSpecState()
	state.Core = &model.SpecCore{
		SpecID:    model.NewULID(),
		Title:     "Snapshot With Cards",
		OneLiner:  "Test",
		Goal:      "Verify card round-trip",
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	state.LastEventID = 10
	state.AgentStatuses["explorer"] = reducer.AgentRunning

	card1 := model.NewCard("idea", "Card One", "human")
	card2 := model.NewCard("task", "Card Two", "agent")
	card2.Lane = "Plan"
	card2.Order = 2.5
	state.Cards.Set(card1.CardID, card1)
	state.Cards.Set(card2.CardID, card2)

	dir := t.TempDir()
	data := &snapshot.Data{
		State:         state,
		AgentContexts: map[string]json.RawMessage{},
		SavedAt:       time.Now().UTC(),
	}

	if err := snapshot.Save(dir, data); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := snapshot.LoadLatest(dir)
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected non-nil snapshot")
	}
	if loaded.State.Cards.Len() != 2 {
		t.Fatalf("expected 2 cards, got %d", loaded.State.Cards.Len())
	}
	if loaded.State.Core == nil || loaded.State.Core.Title != "Snapshot With Cards" {
		t.Fatalf("unexpected core: %+v", loaded.State.Core)
	}
	c2, ok := loaded.State.Cards.Get(card2.CardID)
	if !ok {
		t.Fatal("expected to find card2")
	}
	if c2.Lane != "Plan" || c2.Order != 2.5 {
		t.Errorf("card2 = %+v, want Lane=Plan Order=2.5", c2)
	}
	if loaded.State.AgentStatuses["explorer"] != reducer.AgentRunning {
		t.Errorf("AgentStatuses[explorer] = %q, want %q", loaded.State.AgentStatuses["explorer"], reducer.AgentRunning)
	}
}

func TestSnapshotWithDefaultLanes(t *testing.T) {
	dir := t.TempDir()
	data := makeData(1)

	if err := snapshot.Save(dir, data); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := snapshot.LoadLatest(dir)
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected non-nil snapshot")
	}

	expectedLanes := []string{"Ideas", "Plan", "Spec"}
	if len(loaded.State.Lanes) != len(expectedLanes) {
		t.Fatalf("lanes length = %d, want %d", len(loaded.State.Lanes), len(expectedLanes))
	}
	for i, lane := range expectedLanes {
		if loaded.State.Lanes[i] != lane {
			t.Errorf("lanes[%d] = %q, want %q", i, loaded.State.Lanes[i], lane)
		}
	}
}

func TestPruneRemovesStaleSnapshots(t *testing.T) {
	dir := t.TempDir()
	if err := snapshot.Save(dir, makeData(10)); err != nil {
		t.Fatalf("Save(10): %v", err)
	}
	if err := snapshot.Save(dir, makeData(20)); err != nil {
		t.Fatalf("Save(20): %v", err)
	}
	if err := snapshot.Prune(dir, 20); err != nil {
		t.Fatalf("Prune: %v", err)
	}

	loaded, err := snapshot.LoadLatest(dir)
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if loaded == nil || loaded.State.LastEventID != 20 {
		t.Fatalf("expected snapshot 20 to survive prune, got %+v", loaded)
	}
}
