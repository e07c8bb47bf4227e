// Package validator lints a dotgraph.Graph before it is serialized for
// export. Only error-severity diagnostics are fatal to an export; warnings
// and info-level findings pass through per SPEC_FULL.md 4.J.
//
// Adapted from the teacher's dot/validator/lint.go, trimmed to the rules
// that apply to the card-pipeline DSL: the teacher's attractor-engine-only
// concerns (codergen prompts, retry targets, goal gates, fidelity modes,
// edge weights) have no equivalent attribute in this DSL and are dropped
// rather than carried forward unused.
package validator

import (
	"fmt"
	"strings"

	"github.com/fieldnote/specd/internal/dotgraph"
)

var validShapes = map[string]bool{
	"Mdiamond":      true,
	"Msquare":       true,
	"box":           true,
	"diamond":       true,
	"hexagon":       true,
	"parallelogram": true,
}

var knownNodeTypes = map[string]bool{
	"start":      true,
	"exit":       true,
	"decision":   true,
	"task":       true,
	"wait.human": true,
	"generic":    true,
}

// Lint runs all lint rules on the graph and returns any diagnostics found.
func Lint(g *dotgraph.Graph) []dotgraph.Diagnostic {
	var diags []dotgraph.Diagnostic

	diags = append(diags, checkStartNodes(g)...)
	diags = append(diags, checkExitNodes(g)...)
	diags = append(diags, checkReachability(g)...)
	diags = append(diags, checkStartIncoming(g)...)
	diags = append(diags, checkExitOutgoing(g)...)
	diags = append(diags, checkSelfLoops(g)...)
	diags = append(diags, checkDeadEnds(g)...)
	diags = append(diags, checkShapes(g)...)
	diags = append(diags, checkConditions(g)...)
	diags = append(diags, checkEdgeTargets(g)...)
	diags = append(diags, checkTypeKnown(g)...)
	diags = append(diags, checkIncompleteOutcomes(g)...)
	diags = append(diags, checkGoal(g)...)

	return diags
}

func isStartNode(n *dotgraph.Node) bool {
	return n.Attrs != nil && n.Attrs["shape"] == "Mdiamond"
}

func isExitNode(n *dotgraph.Node) bool {
	return n.Attrs != nil && n.Attrs["shape"] == "Msquare"
}

// checkStartNodes verifies exactly one start node (shape=Mdiamond) exists.
func checkStartNodes(g *dotgraph.Graph) []dotgraph.Diagnostic {
	var startIDs []string
	for _, n := range g.Nodes {
		if isStartNode(n) {
			startIDs = append(startIDs, n.ID)
		}
	}
	switch len(startIDs) {
	case 0:
		return []dotgraph.Diagnostic{{
			Severity: "error",
			Message:  "graph has no start node (shape=Mdiamond)",
			Rule:     "start_node",
		}}
	case 1:
		return nil
	default:
		return []dotgraph.Diagnostic{{
			Severity: "error",
			Message:  fmt.Sprintf("graph has %d start nodes, expected exactly 1: %v", len(startIDs), startIDs),
			Rule:     "start_node",
		}}
	}
}

// checkExitNodes verifies exactly one terminal node (shape=Msquare) exists.
func checkExitNodes(g *dotgraph.Graph) []dotgraph.Diagnostic {
	var exitIDs []string
	for _, n := range g.Nodes {
		if isExitNode(n) {
			exitIDs = append(exitIDs, n.ID)
		}
	}
	switch len(exitIDs) {
	case 0:
		return []dotgraph.Diagnostic{{
			Severity: "error",
			Message:  "graph has no terminal node (shape=Msquare)",
			Rule:     "exit_node",
		}}
	case 1:
		return nil
	default:
		return []dotgraph.Diagnostic{{
			Severity: "error",
			Message:  fmt.Sprintf("graph has %d terminal nodes, expected exactly 1: %v", len(exitIDs), exitIDs),
			Rule:     "exit_node",
		}}
	}
}

// checkReachability performs BFS from start and flags unreachable nodes.
func checkReachability(g *dotgraph.Graph) []dotgraph.Diagnostic {
	start := g.FindStartNode()
	if start == nil {
		return nil
	}

	visited := map[string]bool{start.ID: true}
	queue := []string{start.ID}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, e := range g.OutgoingEdges(current) {
			if !visited[e.To] {
				visited[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}

	var diags []dotgraph.Diagnostic
	for _, id := range g.NodeIDs() {
		if !visited[id] {
			diags = append(diags, dotgraph.Diagnostic{
				Severity: "error",
				Message:  fmt.Sprintf("node %q is not reachable from start node %q", id, start.ID),
				NodeID:   id,
				Rule:     "reachability",
			})
		}
	}
	return diags
}

// checkStartIncoming verifies no incoming edges to the start node.
func checkStartIncoming(g *dotgraph.Graph) []dotgraph.Diagnostic {
	start := g.FindStartNode()
	if start == nil {
		return nil
	}
	if incoming := g.IncomingEdges(start.ID); len(incoming) > 0 {
		return []dotgraph.Diagnostic{{
			Severity: "error",
			Message:  fmt.Sprintf("start node %q has %d incoming edge(s)", start.ID, len(incoming)),
			NodeID:   start.ID,
			Rule:     "start_no_incoming",
		}}
	}
	return nil
}

// checkExitOutgoing verifies no outgoing edges from the terminal node.
func checkExitOutgoing(g *dotgraph.Graph) []dotgraph.Diagnostic {
	var diags []dotgraph.Diagnostic
	for _, n := range g.Nodes {
		if !isExitNode(n) {
			continue
		}
		if outgoing := g.OutgoingEdges(n.ID); len(outgoing) > 0 {
			diags = append(diags, dotgraph.Diagnostic{
				Severity: "error",
				Message:  fmt.Sprintf("terminal node %q has %d outgoing edge(s)", n.ID, len(outgoing)),
				NodeID:   n.ID,
				Rule:     "exit_no_outgoing",
			})
		}
	}
	return diags
}

// checkSelfLoops flags edges where From == To.
func checkSelfLoops(g *dotgraph.Graph) []dotgraph.Diagnostic {
	var diags []dotgraph.Diagnostic
	for _, e := range g.Edges {
		if e.From == e.To {
			diags = append(diags, dotgraph.Diagnostic{
				Severity: "error",
				Message:  fmt.Sprintf("self-loop on node %q", e.From),
				EdgeID:   e.StableID(),
				Rule:     "self_loop",
			})
		}
	}
	return diags
}

// checkDeadEnds flags non-terminal nodes with no outgoing edges.
func checkDeadEnds(g *dotgraph.Graph) []dotgraph.Diagnostic {
	var diags []dotgraph.Diagnostic
	for _, id := range g.NodeIDs() {
		n := g.FindNode(id)
		if n == nil || isExitNode(n) {
			continue
		}
		if len(g.OutgoingEdges(id)) == 0 {
			diags = append(diags, dotgraph.Diagnostic{
				Severity: "warning",
				Message:  fmt.Sprintf("non-terminal node %q has no outgoing edges (dead end)", id),
				NodeID:   id,
				Rule:     "dead_end",
			})
		}
	}
	return diags
}

// checkShapes validates that node shape attributes use recognized values.
func checkShapes(g *dotgraph.Graph) []dotgraph.Diagnostic {
	var diags []dotgraph.Diagnostic
	for _, id := range g.NodeIDs() {
		n := g.FindNode(id)
		shape, ok := n.Attrs["shape"]
		if !ok || shape == "" {
			continue
		}
		if !validShapes[shape] {
			diags = append(diags, dotgraph.Diagnostic{
				Severity: "warning",
				Message:  fmt.Sprintf("node %q has unknown shape %q", id, shape),
				NodeID:   id,
				Rule:     "valid_shape",
			})
		}
	}
	return diags
}

// checkConditions validates condition expression syntax on edges: clauses
// separated by &&, each "key=value" or "key!=value".
func checkConditions(g *dotgraph.Graph) []dotgraph.Diagnostic {
	var diags []dotgraph.Diagnostic
	for _, e := range g.Edges {
		cond, ok := e.Attrs["condition"]
		if !ok || cond == "" {
			continue
		}
		if err := validateConditionExpr(cond); err != nil {
			diags = append(diags, dotgraph.Diagnostic{
				Severity: "error",
				Message:  fmt.Sprintf("invalid condition on edge %s: %v", e.StableID(), err),
				EdgeID:   e.StableID(),
				Rule:     "condition_syntax",
			})
		}
	}
	return diags
}

func validateConditionExpr(expr string) error {
	clauses := strings.Split(expr, "&&")
	for _, clause := range clauses {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			return fmt.Errorf("empty clause in condition")
		}
		op := "="
		if strings.Contains(clause, "!=") {
			op = "!="
		}
		parts := strings.SplitN(clause, op, 2)
		if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
			return fmt.Errorf("invalid clause %q: key and value must not be empty", clause)
		}
	}
	return nil
}

// checkEdgeTargets verifies every edge references existing nodes.
func checkEdgeTargets(g *dotgraph.Graph) []dotgraph.Diagnostic {
	var diags []dotgraph.Diagnostic
	for _, e := range g.Edges {
		if g.FindNode(e.From) == nil {
			diags = append(diags, dotgraph.Diagnostic{
				Severity: "error",
				Message:  fmt.Sprintf("edge source %q does not exist", e.From),
				EdgeID:   e.StableID(),
				Rule:     "edge_target_exists",
			})
		}
		if g.FindNode(e.To) == nil {
			diags = append(diags, dotgraph.Diagnostic{
				Severity: "error",
				Message:  fmt.Sprintf("edge target %q does not exist", e.To),
				EdgeID:   e.StableID(),
				Rule:     "edge_target_exists",
			})
		}
	}
	return diags
}

// checkTypeKnown verifies node type values are recognized.
func checkTypeKnown(g *dotgraph.Graph) []dotgraph.Diagnostic {
	var diags []dotgraph.Diagnostic
	for _, id := range g.NodeIDs() {
		n := g.FindNode(id)
		typ, ok := n.Attrs["type"]
		if !ok || typ == "" {
			continue
		}
		if !knownNodeTypes[typ] {
			diags = append(diags, dotgraph.Diagnostic{
				Severity: "warning",
				Message:  fmt.Sprintf("node %q has unknown type %q", id, typ),
				NodeID:   id,
				Rule:     "type_known",
			})
		}
	}
	return diags
}

// checkIncompleteOutcomes verifies decision (diamond) nodes carry both a
// success and a fail outgoing edge, per SPEC_FULL.md's alternative-edge
// convention.
func checkIncompleteOutcomes(g *dotgraph.Graph) []dotgraph.Diagnostic {
	var diags []dotgraph.Diagnostic
	for _, id := range g.NodeIDs() {
		n := g.FindNode(id)
		if n.Attrs["shape"] != "diamond" {
			continue
		}
		var hasSuccess, hasFail bool
		for _, e := range g.OutgoingEdges(id) {
			switch e.Attrs["condition"] {
			case "outcome=SUCCESS":
				hasSuccess = true
			case "outcome=FAIL":
				hasFail = true
			}
		}
		if !hasSuccess || !hasFail {
			diags = append(diags, dotgraph.Diagnostic{
				Severity: "warning",
				Message:  fmt.Sprintf("decision node %q is missing a success and/or fail outcome edge", id),
				NodeID:   id,
				Rule:     "incomplete_outcomes",
			})
		}
	}
	return diags
}

// checkGoal verifies the graph carries a goal attribute.
func checkGoal(g *dotgraph.Graph) []dotgraph.Diagnostic {
	if g.Attrs == nil || g.Attrs["goal"] == "" {
		return []dotgraph.Diagnostic{{
			Severity: "warning",
			Message:  "graph has no goal attribute",
			Rule:     "graph_goal",
		}}
	}
	return nil
}
