package model

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// SpecCore holds the top-level metadata of a living specification document.
// Required: title, one-liner, goal. Everything else is freeform markdown
// detail filled in over the spec's lifetime.
type SpecCore struct {
	SpecID          ulid.ULID `json:"spec_id"`
	Title           string    `json:"title"`
	OneLiner        string    `json:"one_liner"`
	Goal            string    `json:"goal"`
	Description     *string   `json:"description,omitempty"`
	Constraints     *string   `json:"constraints,omitempty"`
	SuccessCriteria *string   `json:"success_criteria,omitempty"`
	Risks           *string   `json:"risks,omitempty"`
	Notes           *string   `json:"notes,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// NewSpecCore stamps a fresh ULID and creation/update timestamps for the
// three required fields. SpecID is immutable from this point on.
func NewSpecCore(title, oneLiner, goal string) SpecCore {
	now := time.Now().UTC()
	return SpecCore{
		SpecID:    NewULID(),
		Title:     title,
		OneLiner:  oneLiner,
		Goal:      goal,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
