package export

import (
	"fmt"
	"strings"

	"github.com/fieldnote/specd/internal/reducer"
)

// Markdown renders SpecState as a Markdown document with deterministic
// ordering: header and optional free-text fields, then lanes in
// priority-then-alphabetical order, each card ordered by (order, card_id).
func Markdown(state *reducer.SpecState) string {
	var out strings.Builder

	if state.Core != nil {
		c := state.Core
		fmt.Fprintf(&out, "# %s\n\n", c.Title)
		fmt.Fprintf(&out, "> %s\n\n", c.OneLiner)
		fmt.Fprintln(&out, "## Goal")
		fmt.Fprintln(&out)
		fmt.Fprintln(&out, c.Goal)

		writeOptionalSection(&out, "Description", c.Description)
		writeOptionalSection(&out, "Constraints", c.Constraints)
		writeOptionalSection(&out, "Success Criteria", c.SuccessCriteria)
		writeOptionalSection(&out, "Risks", c.Risks)
		writeOptionalSection(&out, "Notes", c.Notes)
	}

	cardsByLane := groupCardsByLane(state)
	orderedLanes := orderedLaneNames(state, cardsByLane)

	if len(orderedLanes) > 0 {
		fmt.Fprintln(&out)
		fmt.Fprintln(&out, "---")

		for _, lane := range orderedLanes {
			fmt.Fprintln(&out)
			fmt.Fprintf(&out, "## %s\n", lane)

			for _, card := range cardsByLane[lane] {
				fmt.Fprintln(&out)
				fmt.Fprintf(&out, "### %s (%s)\n", card.Title, card.CardType)

				if card.Body != nil {
					fmt.Fprintln(&out)
					fmt.Fprintln(&out, *card.Body)
				}

				if len(card.Refs) > 0 {
					fmt.Fprintln(&out)
					fmt.Fprintf(&out, "Refs: %s\n", strings.Join(card.Refs, ", "))
				}

				fmt.Fprintf(&out, "Created by: %s at %s\n",
					card.CreatedBy,
					card.CreatedAt.Format("2006-01-02T15:04:05Z"),
				)
			}
		}
	}

	return out.String()
}

func writeOptionalSection(out *strings.Builder, heading string, value *string) {
	if value == nil {
		return
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "## %s\n", heading)
	fmt.Fprintln(out)
	fmt.Fprintln(out, *value)
}
