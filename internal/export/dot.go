package export

import (
	"fmt"
	"strings"

	"github.com/fieldnote/specd/internal/dotgraph"
	"github.com/fieldnote/specd/internal/dotgraph/validator"
	"github.com/fieldnote/specd/internal/model"
	"github.com/fieldnote/specd/internal/reducer"
)

// DOT renders SpecState as a constrained DOT pipeline graph: exactly one
// start node and one terminal node, a chain across lanes in priority
// order, decision cards branching into success/fail outcomes. The graph
// is linted before serialization; only error-severity diagnostics are
// fatal, matching the teacher's own dot/validator contract.
func DOT(state *reducer.SpecState) (string, error) {
	g := Graph(state)

	var errs []string
	for _, d := range validator.Lint(g) {
		if d.Severity == "error" {
			errs = append(errs, d.Message)
		}
	}
	if len(errs) > 0 {
		return "", fmt.Errorf("generated graph has validation errors: %s", strings.Join(errs, "; "))
	}
	return dotgraph.Serialize(g), nil
}

// Graph builds the dotgraph.Graph from SpecState. Exposed separately from
// DOT so callers that only need the AST (e.g. for further linting) don't
// pay for serialization.
func Graph(state *reducer.SpecState) *dotgraph.Graph {
	g := &dotgraph.Graph{
		Name:  sanitizeGraphName(state),
		Attrs: map[string]string{"goal": goalText(state), "rankdir": "TB"},
	}

	g.AddNode(&dotgraph.Node{
		ID:    "start",
		Attrs: map[string]string{"shape": "Mdiamond", "label": "Start", "type": "start"},
	})
	g.AddNode(&dotgraph.Node{
		ID:    "exit",
		Attrs: map[string]string{"shape": "Msquare", "label": "Done", "type": "exit"},
	})

	cardsByLane := groupCardsByLane(state)
	orderedLanes := orderedLaneNames(state, cardsByLane)

	var chain []model.Card
	for _, lane := range orderedLanes {
		chain = append(chain, cardsByLane[lane]...)
	}

	// A card immediately following a decision card is that decision's
	// success branch (carrying condition="outcome=SUCCESS"); a decision's
	// fail branch always goes straight to exit. Everything else is a
	// plain sequential edge.
	prev := "start"
	prevWasDecision := false
	for _, card := range chain {
		nodeID := cardNodeID(card)
		addCardNode(g, nodeID, card)

		var inAttrs map[string]string
		if prevWasDecision {
			inAttrs = map[string]string{"label": "success", "condition": "outcome=SUCCESS"}
		}
		g.AddEdge(&dotgraph.Edge{From: prev, To: nodeID, Attrs: inAttrs})

		if card.CardType == "decision" {
			g.AddEdge(&dotgraph.Edge{
				From:  nodeID,
				To:    "exit",
				Attrs: map[string]string{"label": "fail", "condition": "outcome=FAIL"},
			})
			prevWasDecision = true
		} else {
			prevWasDecision = false
		}
		prev = nodeID
	}

	var finalAttrs map[string]string
	if prevWasDecision {
		finalAttrs = map[string]string{"label": "success", "condition": "outcome=SUCCESS"}
	}
	g.AddEdge(&dotgraph.Edge{From: prev, To: "exit", Attrs: finalAttrs})

	g.AssignEdgeIDs()
	return g
}

func addCardNode(g *dotgraph.Graph, nodeID string, card model.Card) {
	attrs := map[string]string{"label": card.Title}
	switch card.CardType {
	case "decision":
		attrs["shape"] = "diamond"
		attrs["type"] = "decision"
	case "task":
		attrs["shape"] = "parallelogram"
		attrs["type"] = "task"
		attrs["command"] = commandText(card)
	case "wait-for-human":
		attrs["shape"] = "hexagon"
		attrs["type"] = "wait.human"
	default:
		attrs["shape"] = "box"
		attrs["type"] = "generic"
	}
	g.AddNode(&dotgraph.Node{ID: nodeID, Attrs: attrs})
}

func commandText(card model.Card) string {
	if card.Body != nil && *card.Body != "" {
		return *card.Body
	}
	return card.Title
}

// cardNodeID derives a snake_case node id from a card's ULID so repeated
// exports of the same spec produce stable node identifiers.
func cardNodeID(card model.Card) string {
	return "card_" + strings.ToLower(card.CardID.String())
}

func goalText(state *reducer.SpecState) string {
	if state.Core == nil {
		return ""
	}
	if state.Core.Goal != "" {
		return state.Core.Goal
	}
	return fmt.Sprintf("%s: %s", state.Core.Title, state.Core.OneLiner)
}

// sanitizeGraphName derives the DOT graph name from the spec's ULID,
// lowercased so it serializes as a bare identifier.
func sanitizeGraphName(state *reducer.SpecState) string {
	if state.Core == nil {
		return "pipeline"
	}
	return "spec_" + strings.ToLower(state.Core.SpecID.String())
}
