package validator

import (
	"testing"

	"github.com/fieldnote/specd/internal/dotgraph"
)

func validGraph() *dotgraph.Graph {
	return &dotgraph.Graph{
		Nodes: map[string]*dotgraph.Node{
			"start": {ID: "start", Attrs: map[string]string{"shape": "Mdiamond"}},
			"work":  {ID: "work", Attrs: map[string]string{"shape": "box", "type": "generic"}},
			"exit":  {ID: "exit", Attrs: map[string]string{"shape": "Msquare"}},
		},
		Edges: []*dotgraph.Edge{
			{From: "start", To: "work"},
			{From: "work", To: "exit"},
		},
		Attrs: map[string]string{"goal": "lint coverage"},
	}
}

func hasDiag(diags []dotgraph.Diagnostic, rule, severity string) bool {
	for _, d := range diags {
		if d.Rule == rule && d.Severity == severity {
			return true
		}
	}
	return false
}

func TestLintValidGraphHasNoErrors(t *testing.T) {
	diags := Lint(validGraph())
	for _, d := range diags {
		if d.Severity == "error" {
			t.Errorf("unexpected error diagnostic on a valid graph: %+v", d)
		}
	}
}

func TestLintMissingStartNode(t *testing.T) {
	g := validGraph()
	delete(g.Nodes, "start")
	g.Edges = []*dotgraph.Edge{{From: "work", To: "exit"}}

	diags := Lint(g)
	if !hasDiag(diags, "start_node", "error") {
		t.Error("expected start_node error when no start node exists")
	}
}

func TestLintMultipleStartNodes(t *testing.T) {
	g := validGraph()
	g.AddNode(&dotgraph.Node{ID: "start2", Attrs: map[string]string{"shape": "Mdiamond"}})

	diags := Lint(g)
	if !hasDiag(diags, "start_node", "error") {
		t.Error("expected start_node error when more than one start node exists")
	}
}

func TestLintUnreachableNode(t *testing.T) {
	g := validGraph()
	g.AddNode(&dotgraph.Node{ID: "orphan", Attrs: map[string]string{"shape": "box"}})

	diags := Lint(g)
	if !hasDiag(diags, "reachability", "error") {
		t.Error("expected reachability error for a node with no path from start")
	}
}

func TestLintSelfLoop(t *testing.T) {
	g := validGraph()
	g.AddEdge(&dotgraph.Edge{From: "work", To: "work"})

	diags := Lint(g)
	if !hasDiag(diags, "self_loop", "error") {
		t.Error("expected self_loop error")
	}
}

func TestLintIncompleteDecisionOutcomes(t *testing.T) {
	g := validGraph()
	g.AddNode(&dotgraph.Node{ID: "gate", Attrs: map[string]string{"shape": "diamond", "type": "decision"}})
	g.AddEdge(&dotgraph.Edge{From: "work", To: "gate"})
	g.AddEdge(&dotgraph.Edge{From: "gate", To: "exit", Attrs: map[string]string{"condition": "outcome=SUCCESS"}})

	diags := Lint(g)
	if !hasDiag(diags, "incomplete_outcomes", "warning") {
		t.Error("expected incomplete_outcomes warning when a decision node lacks a fail edge")
	}
}

func TestLintInvalidConditionSyntax(t *testing.T) {
	g := validGraph()
	g.Edges[0].Attrs = map[string]string{"condition": "bad condition no operator"}

	diags := Lint(g)
	if !hasDiag(diags, "condition_syntax", "error") {
		t.Error("expected condition_syntax error for malformed condition expression")
	}
}

func TestLintEdgeTargetMissing(t *testing.T) {
	g := validGraph()
	g.AddEdge(&dotgraph.Edge{From: "work", To: "nonexistent"})

	diags := Lint(g)
	if !hasDiag(diags, "edge_target_exists", "error") {
		t.Error("expected edge_target_exists error for an edge pointing at a missing node")
	}
}
