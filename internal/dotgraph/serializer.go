package dotgraph

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// Serialize converts a Graph to a DOT-formatted string with deterministic
// output: nodes sorted by ID, edges in insertion order, attributes within
// each element sorted by key.
func Serialize(g *Graph) string {
	var b strings.Builder

	name := g.Name
	if needsQuoting(name) {
		name = quoteValue(name)
	}
	fmt.Fprintf(&b, "digraph %s {\n", name)

	if len(g.Attrs) > 0 {
		fmt.Fprintf(&b, "  graph [%s]\n\n", formatAttrs(g.Attrs))
	}

	nodeIDs := g.NodeIDs()
	for _, id := range nodeIDs {
		node := g.Nodes[id]
		nodeID := id
		if needsQuoting(nodeID) {
			nodeID = quoteValue(nodeID)
		}
		if len(node.Attrs) > 0 {
			fmt.Fprintf(&b, "  %s [%s]\n", nodeID, formatAttrs(node.Attrs))
		} else {
			fmt.Fprintf(&b, "  %s\n", nodeID)
		}
	}

	if len(nodeIDs) > 0 && len(g.Edges) > 0 {
		b.WriteString("\n")
	}

	for _, e := range g.Edges {
		from := e.From
		if needsQuoting(from) {
			from = quoteValue(from)
		}
		to := e.To
		if needsQuoting(to) {
			to = quoteValue(to)
		}
		if len(e.Attrs) > 0 {
			fmt.Fprintf(&b, "  %s -> %s [%s]\n", from, to, formatAttrs(e.Attrs))
		} else {
			fmt.Fprintf(&b, "  %s -> %s\n", from, to)
		}
	}

	b.WriteString("}\n")
	return b.String()
}

func formatAttrs(attrs map[string]string) string {
	keys := sortedKeys(attrs)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, quoteValue(attrs[k])))
	}
	return strings.Join(parts, ", ")
}

// quoteValue returns a DOT-safe representation of a value: bare if it is a
// simple identifier or numeric literal, double-quoted and escaped
// otherwise.
func quoteValue(val string) string {
	if val == "" {
		return `""`
	}
	if isBareIdentifier(val) {
		return val
	}

	var b strings.Builder
	b.WriteByte('"')
	for _, ch := range val {
		switch ch {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(ch)
		}
	}
	b.WriteByte('"')
	return b.String()
}

func isBareIdentifier(val string) bool {
	if val == "" {
		return false
	}
	if isNumeric(val) {
		return true
	}
	for _, ch := range val {
		if ch != '_' && !unicode.IsLower(ch) && !unicode.IsDigit(ch) {
			return false
		}
	}
	return true
}

func isNumeric(val string) bool {
	if val == "" {
		return false
	}
	start := 0
	if val[0] == '-' {
		if len(val) == 1 {
			return false
		}
		start = 1
	}
	hasDot := false
	hasDigit := false
	for i := start; i < len(val); i++ {
		ch := val[i]
		switch {
		case ch == '.':
			if hasDot {
				return false
			}
			hasDot = true
		case ch >= '0' && ch <= '9':
			hasDigit = true
		default:
			return false
		}
	}
	return hasDigit
}

func needsQuoting(val string) bool {
	return !isBareIdentifier(val)
}

func sortedKeys[V any](m map[string]V) []string {
	if len(m) == 0 {
		return []string{}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
