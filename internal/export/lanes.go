// Package export renders SpecState as the three deterministic artifacts
// SPEC_FULL.md 4.J names: a Markdown document, a structured YAML dump, and
// a DOT pipeline graph. All three are pure functions of SpecState.
package export

import (
	"sort"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/fieldnote/specd/internal/model"
	"github.com/fieldnote/specd/internal/reducer"
)

// priorityLanes are the fixed-priority lanes that appear before any extras.
var priorityLanes = []string{"Ideas", "Plan", "Spec"}

// byPosition orders cards within a lane: ascending Order, falling back to
// CardID as a tiebreak so the result stays stable across runs.
func byPosition(cards []model.Card) func(i, j int) bool {
	return func(i, j int) bool {
		if cards[i].Order != cards[j].Order {
			return cards[i].Order < cards[j].Order
		}
		return cards[i].CardID.String() < cards[j].CardID.String()
	}
}

// groupCardsByLane groups cards by lane name, each group ordered by
// byPosition.
func groupCardsByLane(state *reducer.SpecState) map[string][]model.Card {
	byLane := make(map[string][]model.Card)
	state.Cards.Range(func(_ ulid.ULID, card model.Card) bool {
		byLane[card.Lane] = append(byLane[card.Lane], card)
		return true
	})
	for lane, cards := range byLane {
		sort.SliceStable(cards, byPosition(cards))
		byLane[lane] = cards
	}
	return byLane
}

// orderedLaneNames produces the deterministic lane ordering: Ideas, Plan,
// Spec first (if present in state.Lanes or populated), then any additional
// lanes in case-insensitive alphabetical order.
//
// The teacher's equivalent sorts extra lanes with plain sort.Strings,
// which orders all-uppercase lane names before any lowercase one; this
// corrects that to a case-insensitive comparison so a lane named "urgent"
// and one named "Urgent" interleave by their letters, not their case.
func orderedLaneNames(state *reducer.SpecState, cardsByLane map[string][]model.Card) []string {
	declaredLanes := toSet(state.Lanes)
	priority := toSet(priorityLanes)

	var lanes []string
	for _, pl := range priorityLanes {
		_, hasCards := cardsByLane[pl]
		if hasCards || declaredLanes[pl] {
			lanes = append(lanes, pl)
		}
	}

	var extraLanes []string
	for lane := range cardsByLane {
		if !priority[lane] {
			extraLanes = append(extraLanes, lane)
		}
	}
	sort.Slice(extraLanes, func(i, j int) bool {
		return strings.ToLower(extraLanes[i]) < strings.ToLower(extraLanes[j])
	})

	return append(lanes, extraLanes...)
}

// toSet builds a membership set from a slice, so repeated lookups below
// don't re-scan the slice linearly each time.
func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}
