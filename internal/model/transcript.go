package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// MessageKind categorizes a transcript entry for rendering.
type MessageKind string

const (
	MessageKindChat         MessageKind = "Chat"
	MessageKindStepStarted  MessageKind = "StepStarted"
	MessageKindStepFinished MessageKind = "StepFinished"
)

func (k MessageKind) IsStep() bool {
	return k == MessageKindStepStarted || k == MessageKindStepFinished
}

func (k MessageKind) Prefix() string {
	switch k {
	case MessageKindStepStarted:
		return "[step started] "
	case MessageKindStepFinished:
		return "[step finished] "
	default:
		return ""
	}
}

// TranscriptMessage is one append-only entry in a spec's transcript: human
// narration, agent narration, or an agent-step marker. The transcript is
// never rewritten, only appended to.
type TranscriptMessage struct {
	MessageID ulid.ULID   `json:"message_id"`
	Sender    string      `json:"sender"`
	Content   string      `json:"content"`
	Kind      MessageKind `json:"kind"`
	Timestamp time.Time   `json:"timestamp"`
}

func NewTranscriptMessage(sender, content string) TranscriptMessage {
	return TranscriptMessage{
		MessageID: NewULID(),
		Sender:    sender,
		Content:   content,
		Kind:      MessageKindChat,
		Timestamp: time.Now().UTC(),
	}
}

// UserQuestion is a tagged union over the three question shapes a spec can
// pose to a human. At most one is pending per spec at any time.
type UserQuestion interface {
	QuestionType() string
	QuestionID() ulid.ULID
	QuestionAsker() string
	questionSeal()
}

// BooleanQuestion asks for a yes/no answer, optionally with a default.
type BooleanQuestion struct {
	QID      ulid.ULID `json:"question_id"`
	Asker    string    `json:"asker"`
	Question string    `json:"question"`
	Default  *bool     `json:"default,omitempty"`
}

func (q BooleanQuestion) QuestionType() string  { return "Boolean" }
func (q BooleanQuestion) QuestionID() ulid.ULID { return q.QID }
func (q BooleanQuestion) QuestionAsker() string { return q.Asker }
func (q BooleanQuestion) questionSeal()         {}

// MultipleChoiceQuestion asks the user to pick from a fixed list of choices,
// optionally allowing more than one selection.
type MultipleChoiceQuestion struct {
	QID        ulid.ULID `json:"question_id"`
	Asker      string    `json:"asker"`
	Question   string    `json:"question"`
	Choices    []string  `json:"choices"`
	AllowMulti bool      `json:"allow_multi"`
}

func (q MultipleChoiceQuestion) QuestionType() string  { return "MultipleChoice" }
func (q MultipleChoiceQuestion) QuestionID() ulid.ULID { return q.QID }
func (q MultipleChoiceQuestion) QuestionAsker() string { return q.Asker }
func (q MultipleChoiceQuestion) questionSeal()         {}

// FreeformQuestion asks for open-ended text, with optional UI hints.
type FreeformQuestion struct {
	QID            ulid.ULID `json:"question_id"`
	Asker          string    `json:"asker"`
	Question       string    `json:"question"`
	Placeholder    *string   `json:"placeholder,omitempty"`
	ValidationHint *string   `json:"validation_hint,omitempty"`
}

func (q FreeformQuestion) QuestionType() string  { return "Freeform" }
func (q FreeformQuestion) QuestionID() ulid.ULID { return q.QID }
func (q FreeformQuestion) QuestionAsker() string { return q.Asker }
func (q FreeformQuestion) questionSeal()         {}

// MarshalUserQuestion serializes a UserQuestion with an injected "type"
// discriminator field, or the JSON literal null for a nil question.
func MarshalUserQuestion(q UserQuestion) ([]byte, error) {
	if q == nil {
		return []byte("null"), nil
	}

	var raw json.RawMessage
	var err error
	switch v := q.(type) {
	case BooleanQuestion:
		raw, err = json.Marshal(v)
	case MultipleChoiceQuestion:
		raw, err = json.Marshal(v)
	case FreeformQuestion:
		raw, err = json.Marshal(v)
	default:
		return nil, fmt.Errorf("unknown UserQuestion type: %T", q)
	}
	if err != nil {
		return nil, err
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	typeJSON, _ := json.Marshal(q.QuestionType())
	m["type"] = typeJSON
	return json.Marshal(m)
}

// UnmarshalUserQuestion deserializes a UserQuestion by reading its "type"
// discriminator field. A JSON null yields (nil, nil).
func UnmarshalUserQuestion(data []byte) (UserQuestion, error) {
	if string(data) == "null" {
		return nil, nil
	}
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("unmarshal question type: %w", err)
	}

	switch envelope.Type {
	case "Boolean":
		var q BooleanQuestion
		if err := json.Unmarshal(data, &q); err != nil {
			return nil, err
		}
		return q, nil
	case "MultipleChoice":
		var q MultipleChoiceQuestion
		if err := json.Unmarshal(data, &q); err != nil {
			return nil, err
		}
		return q, nil
	case "Freeform":
		var q FreeformQuestion
		if err := json.Unmarshal(data, &q); err != nil {
			return nil, err
		}
		return q, nil
	default:
		return nil, fmt.Errorf("unknown question type: %q", envelope.Type)
	}
}
