// Package commands defines the mutation-intent vocabulary accepted by a
// spec actor's mailbox, along with its "type"-discriminated JSON wire
// format (used for submission logging and replay-independent tooling).
package commands

import (
	"encoding/json"
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/fieldnote/specd/internal/model"
)

// Command is a mutation intent. Validated by the actor before any event is
// produced; a rejected command leaves state untouched.
type Command interface {
	CommandType() string
	commandSeal()
}

type CreateSpecCommand struct {
	Title    string `json:"title"`
	OneLiner string `json:"one_liner"`
	Goal     string `json:"goal"`
}

func (c CreateSpecCommand) CommandType() string { return "CreateSpec" }
func (c CreateSpecCommand) commandSeal()         {}

type UpdateSpecCoreCommand struct {
	Title           *string `json:"title,omitempty"`
	OneLiner        *string `json:"one_liner,omitempty"`
	Goal            *string `json:"goal,omitempty"`
	Description     *string `json:"description,omitempty"`
	Constraints     *string `json:"constraints,omitempty"`
	SuccessCriteria *string `json:"success_criteria,omitempty"`
	Risks           *string `json:"risks,omitempty"`
	Notes           *string `json:"notes,omitempty"`
}

func (c UpdateSpecCoreCommand) CommandType() string { return "UpdateSpecCore" }
func (c UpdateSpecCoreCommand) commandSeal()         {}

// AnyFieldSet reports whether at least one field was provided, required by
// the "at least one field" validation rule.
func (c UpdateSpecCoreCommand) AnyFieldSet() bool {
	return c.Title != nil || c.OneLiner != nil || c.Goal != nil ||
		c.Description != nil || c.Constraints != nil || c.SuccessCriteria != nil ||
		c.Risks != nil || c.Notes != nil
}

type CreateCardCommand struct {
	CardType  string  `json:"card_type"`
	Title     string  `json:"title"`
	Body      *string `json:"body,omitempty"`
	Lane      *string `json:"lane,omitempty"`
	CreatedBy string  `json:"created_by"`
}

func (c CreateCardCommand) CommandType() string { return "CreateCard" }
func (c CreateCardCommand) commandSeal()         {}

type UpdateCardCommand struct {
	CardID    ulid.ULID                   `json:"card_id"`
	Title     *string                     `json:"title,omitempty"`
	Body      model.OptionalField[string] `json:"-"`
	CardType  *string                     `json:"card_type,omitempty"`
	Refs      *[]string                   `json:"refs,omitempty"`
	UpdatedBy string                      `json:"updated_by"`
}

func (c UpdateCardCommand) CommandType() string { return "UpdateCard" }
func (c UpdateCardCommand) commandSeal()         {}

// AnyFieldSet reports whether at least one field was provided.
func (c UpdateCardCommand) AnyFieldSet() bool {
	return c.Title != nil || c.Body.Set || c.CardType != nil || c.Refs != nil
}

type updateCardJSON struct {
	Type      string           `json:"type"`
	CardID    ulid.ULID        `json:"card_id"`
	Title     *string          `json:"title,omitempty"`
	Body      *json.RawMessage `json:"body,omitempty"`
	CardType  *string          `json:"card_type,omitempty"`
	Refs      *[]string        `json:"refs,omitempty"`
	UpdatedBy string           `json:"updated_by"`
}

type MoveCardCommand struct {
	CardID    ulid.ULID `json:"card_id"`
	Lane      string    `json:"lane"`
	Order     float64   `json:"order"`
	UpdatedBy string    `json:"updated_by"`
}

func (c MoveCardCommand) CommandType() string { return "MoveCard" }
func (c MoveCardCommand) commandSeal()         {}

type DeleteCardCommand struct {
	CardID    ulid.ULID `json:"card_id"`
	UpdatedBy string    `json:"updated_by"`
}

func (c DeleteCardCommand) CommandType() string { return "DeleteCard" }
func (c DeleteCardCommand) commandSeal()         {}

type AppendTranscriptCommand struct {
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

func (c AppendTranscriptCommand) CommandType() string { return "AppendTranscript" }
func (c AppendTranscriptCommand) commandSeal()         {}

type AskQuestionCommand struct {
	Question model.UserQuestion `json:"-"`
}

func (c AskQuestionCommand) CommandType() string { return "AskQuestion" }
func (c AskQuestionCommand) commandSeal()         {}

type AnswerQuestionCommand struct {
	QuestionID ulid.ULID `json:"question_id"`
	Answer     string    `json:"answer"`
}

func (c AnswerQuestionCommand) CommandType() string { return "AnswerQuestion" }
func (c AnswerQuestionCommand) commandSeal()         {}

// StartAgentStepCommand opens an atomic undo-group bracket attributed to
// one agent. See SPEC_FULL.md's design-note decision: brackets from
// different agents are non-nested and interleavable.
type StartAgentStepCommand struct {
	AgentID     string `json:"agent_id"`
	Description string `json:"description"`
}

func (c StartAgentStepCommand) CommandType() string { return "StartAgentStep" }
func (c StartAgentStepCommand) commandSeal()         {}

type FinishAgentStepCommand struct {
	AgentID     string `json:"agent_id"`
	DiffSummary string `json:"diff_summary"`
}

func (c FinishAgentStepCommand) CommandType() string { return "FinishAgentStep" }
func (c FinishAgentStepCommand) commandSeal()         {}

type UndoCommand struct{}

func (c UndoCommand) CommandType() string { return "Undo" }
func (c UndoCommand) commandSeal()         {}

// MarshalCommand serializes a Command with an injected "type" discriminator.
func MarshalCommand(c Command) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("cannot marshal nil command")
	}
	switch v := c.(type) {
	case UpdateCardCommand:
		return marshalUpdateCard(v)
	case AskQuestionCommand:
		return marshalAskQuestion(v)
	case UndoCommand:
		return json.Marshal(map[string]string{"type": "Undo"})
	default:
		return marshalTagged(c.CommandType(), c)
	}
}

// UnmarshalCommand deserializes a Command by reading its "type" field first.
func UnmarshalCommand(data []byte) (Command, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("unmarshal command type: %w", err)
	}

	switch envelope.Type {
	case "CreateSpec":
		var c CreateSpecCommand
		return c, json.Unmarshal(data, &c)
	case "UpdateSpecCore":
		var c UpdateSpecCoreCommand
		return c, json.Unmarshal(data, &c)
	case "CreateCard":
		var c CreateCardCommand
		return c, json.Unmarshal(data, &c)
	case "UpdateCard":
		return unmarshalUpdateCard(data)
	case "MoveCard":
		var c MoveCardCommand
		return c, json.Unmarshal(data, &c)
	case "DeleteCard":
		var c DeleteCardCommand
		return c, json.Unmarshal(data, &c)
	case "AppendTranscript":
		var c AppendTranscriptCommand
		return c, json.Unmarshal(data, &c)
	case "AskQuestion":
		return unmarshalAskQuestion(data)
	case "AnswerQuestion":
		var c AnswerQuestionCommand
		return c, json.Unmarshal(data, &c)
	case "StartAgentStep":
		var c StartAgentStepCommand
		return c, json.Unmarshal(data, &c)
	case "FinishAgentStep":
		var c FinishAgentStepCommand
		return c, json.Unmarshal(data, &c)
	case "Undo":
		return UndoCommand{}, nil
	default:
		return nil, fmt.Errorf("unknown command type: %q", envelope.Type)
	}
}

func marshalTagged(typeName string, v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	typeJSON, _ := json.Marshal(typeName)
	m["type"] = typeJSON
	return json.Marshal(m)
}

func marshalUpdateCard(c UpdateCardCommand) ([]byte, error) {
	j := updateCardJSON{
		Type:      "UpdateCard",
		CardID:    c.CardID,
		Title:     c.Title,
		CardType:  c.CardType,
		Refs:      c.Refs,
		UpdatedBy: c.UpdatedBy,
	}
	if c.Body.Set {
		if c.Body.Valid {
			bodyJSON, _ := json.Marshal(c.Body.Value)
			raw := json.RawMessage(bodyJSON)
			j.Body = &raw
		} else {
			raw := json.RawMessage("null")
			j.Body = &raw
		}
	}
	return json.Marshal(j)
}

func unmarshalUpdateCard(data []byte) (UpdateCardCommand, error) {
	var j updateCardJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return UpdateCardCommand{}, err
	}
	cmd := UpdateCardCommand{
		CardID:    j.CardID,
		Title:     j.Title,
		CardType:  j.CardType,
		Refs:      j.Refs,
		UpdatedBy: j.UpdatedBy,
	}

	var rawMap map[string]json.RawMessage
	if err := json.Unmarshal(data, &rawMap); err != nil {
		return UpdateCardCommand{}, err
	}
	if bodyRaw, present := rawMap["body"]; present {
		cmd.Body.Set = true
		if string(bodyRaw) == "null" {
			cmd.Body.Valid = false
		} else {
			cmd.Body.Valid = true
			if err := json.Unmarshal(bodyRaw, &cmd.Body.Value); err != nil {
				return UpdateCardCommand{}, fmt.Errorf("unmarshal UpdateCard body: %w", err)
			}
		}
	}
	return cmd, nil
}

func marshalAskQuestion(c AskQuestionCommand) ([]byte, error) {
	qJSON, err := model.MarshalUserQuestion(c.Question)
	if err != nil {
		return nil, err
	}
	m := map[string]json.RawMessage{
		"type":     json.RawMessage(`"AskQuestion"`),
		"question": qJSON,
	}
	return json.Marshal(m)
}

func unmarshalAskQuestion(data []byte) (AskQuestionCommand, error) {
	var raw struct {
		Question json.RawMessage `json:"question"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return AskQuestionCommand{}, err
	}
	q, err := model.UnmarshalUserQuestion(raw.Question)
	if err != nil {
		return AskQuestionCommand{}, err
	}
	return AskQuestionCommand{Question: q}, nil
}
