package model

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// DefaultLane is the lane a new card lands in absent an explicit choice.
const DefaultLane = "Ideas"

// Card is a kanban-style unit of content within a spec's board. CardType is
// freeform (conventional values: idea, plan, task, decision, constraint,
// risk, assumption, open_question, wait-for-human) rather than an enum, so
// new conventions can appear without a schema change.
type Card struct {
	CardID    ulid.ULID `json:"card_id"`
	CardType  string    `json:"card_type"`
	Title     string    `json:"title"`
	Body      *string   `json:"body,omitempty"`
	Lane      string    `json:"lane"`
	Order     float64   `json:"order"`
	Refs      []string  `json:"refs"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	CreatedBy string    `json:"created_by"`
	UpdatedBy string    `json:"updated_by"`
}

// NewCard creates a Card defaulted into DefaultLane at order 0.0.
func NewCard(cardType, title, createdBy string) Card {
	now := time.Now().UTC()
	return Card{
		CardID:    NewULID(),
		CardType:  cardType,
		Title:     title,
		Lane:      DefaultLane,
		Order:     0.0,
		Refs:      []string{},
		CreatedAt: now,
		UpdatedAt: now,
		CreatedBy: createdBy,
		UpdatedBy: createdBy,
	}
}
