package export_test

import (
	"strings"
	"testing"

	"github.com/fieldnote/specd/internal/export"
)

func TestGraphHasExactlyOneStartAndExit(t *testing.T) {
	state := newTestState(t)
	g := export.Graph(state)

	var starts, exits int
	for _, n := range g.Nodes {
		if n.Attrs["shape"] == "Mdiamond" {
			starts++
		}
		if n.Attrs["shape"] == "Msquare" {
			exits++
		}
	}
	if starts != 1 {
		t.Errorf("expected exactly 1 start node, got %d", starts)
	}
	if exits != 1 {
		t.Errorf("expected exactly 1 terminal node, got %d", exits)
	}
}

func TestGraphDecisionCardHasSuccessAndFailEdges(t *testing.T) {
	state := newTestState(t)
	g := export.Graph(state)

	var decisionID string
	for id, n := range g.Nodes {
		if n.Attrs["type"] == "decision" {
			decisionID = id
		}
	}
	if decisionID == "" {
		t.Fatal("expected a decision node in the graph")
	}

	var hasSuccess, hasFail bool
	for _, e := range g.OutgoingEdges(decisionID) {
		switch e.Attrs["condition"] {
		case "outcome=SUCCESS":
			hasSuccess = true
		case "outcome=FAIL":
			hasFail = true
		}
	}
	if !hasSuccess || !hasFail {
		t.Errorf("expected decision node to have both success and fail edges, got success=%v fail=%v", hasSuccess, hasFail)
	}
}

func TestDOTSerializesWithoutValidationErrors(t *testing.T) {
	state := newTestState(t)
	doc, err := export.DOT(state)
	if err != nil {
		t.Fatalf("export.DOT: %v", err)
	}
	if !strings.HasPrefix(doc, "digraph ") {
		t.Errorf("expected digraph header, got: %.40s", doc)
	}
	if !strings.Contains(doc, "shape=Mdiamond") {
		t.Error("expected serialized start node with shape=Mdiamond")
	}
}

func TestDOTOnEmptySpecChainsStartDirectlyToExit(t *testing.T) {
	state := newTestState(t)
	state.Cards = state.Cards.Clone()
	for _, id := range state.Cards.Keys() {
		state.Cards.Delete(id)
	}

	g := export.Graph(state)
	var foundDirectEdge bool
	for _, e := range g.OutgoingEdges("start") {
		if e.To == "exit" {
			foundDirectEdge = true
		}
	}
	if !foundDirectEdge {
		t.Error("expected start->exit edge when the spec has no cards")
	}
}
