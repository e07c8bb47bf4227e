package events_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/fieldnote/specd/internal/events"
	"github.com/fieldnote/specd/internal/model"
)

func TestEventEnvelope_RoundTrip(t *testing.T) {
	specID := model.NewULID()
	ts := time.Date(2025, 3, 15, 10, 30, 0, 0, time.UTC)
	evt := events.Event{
		EventID:   42,
		SpecID:    specID,
		Timestamp: ts,
		Payload: events.SpecCreatedPayload{
			Title:    "Test",
			OneLiner: "One line",
			Goal:     "Goal",
		},
	}

	data, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got events.Event
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.EventID != 42 {
		t.Errorf("EventID: got %d, want 42", got.EventID)
	}
	if got.SpecID != specID {
		t.Errorf("SpecID: got %s, want %s", got.SpecID, specID)
	}
	if !got.Timestamp.Equal(ts) {
		t.Errorf("Timestamp: got %v, want %v", got.Timestamp, ts)
	}
	if _, ok := got.Payload.(events.SpecCreatedPayload); !ok {
		t.Fatalf("Payload type: got %T", got.Payload)
	}
}

func TestMarshalEventPayload_NilReturnsError(t *testing.T) {
	if _, err := events.MarshalEventPayload(nil); err == nil {
		t.Fatal("expected error for nil payload")
	}
}

func TestUnmarshalEventPayload_UnknownTypeReturnsError(t *testing.T) {
	if _, err := events.UnmarshalEventPayload([]byte(`{"type":"BogusPayload"}`)); err == nil {
		t.Fatal("expected error for unknown event payload type")
	}
}

func TestUnmarshalEventPayload_InvalidJSONReturnsError(t *testing.T) {
	if _, err := events.UnmarshalEventPayload([]byte(`not json`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestCardUpdatedPayload_BodyThreeStates(t *testing.T) {
	cardID := model.NewULID()

	t.Run("absent", func(t *testing.T) {
		p := events.CardUpdatedPayload{CardID: cardID}
		data, err := events.MarshalEventPayload(p)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		got, err := events.UnmarshalEventPayload(data)
		if err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		cu := got.(events.CardUpdatedPayload)
		if cu.Body.Set {
			t.Fatalf("expected Body.Set=false, got %+v", cu.Body)
		}
	})

	t.Run("null", func(t *testing.T) {
		p := events.CardUpdatedPayload{CardID: cardID, Body: model.Null[string]()}
		data, err := events.MarshalEventPayload(p)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		got, err := events.UnmarshalEventPayload(data)
		if err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		cu := got.(events.CardUpdatedPayload)
		if !cu.Body.Set || cu.Body.Valid {
			t.Fatalf("expected Body.Set=true, Valid=false, got %+v", cu.Body)
		}
	})

	t.Run("value", func(t *testing.T) {
		p := events.CardUpdatedPayload{CardID: cardID, Body: model.Present("new body")}
		data, err := events.MarshalEventPayload(p)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		got, err := events.UnmarshalEventPayload(data)
		if err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		cu := got.(events.CardUpdatedPayload)
		if !cu.Body.Set || !cu.Body.Valid || cu.Body.Value != "new body" {
			t.Fatalf("expected Body={Set:true Valid:true Value:\"new body\"}, got %+v", cu.Body)
		}
	})
}

func TestQuestionAskedPayload_RoundTrip(t *testing.T) {
	q := model.BooleanQuestion{QID: model.NewULID(), Asker: "agent-1", Question: "ok?"}
	p := events.QuestionAskedPayload{Question: q}

	data, err := events.MarshalEventPayload(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := events.UnmarshalEventPayload(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	qa := got.(events.QuestionAskedPayload)
	bq, ok := qa.Question.(model.BooleanQuestion)
	if !ok {
		t.Fatalf("Question type: got %T", qa.Question)
	}
	if bq.QID != q.QID || bq.Question != q.Question {
		t.Fatalf("got %+v, want %+v", bq, q)
	}
}

func TestUndoAppliedPayload_RecursiveInverseEvents(t *testing.T) {
	cardID := model.NewULID()
	p := events.UndoAppliedPayload{
		TargetEventID: 7,
		InverseEvents: []events.EventPayload{
			events.CardDeletedPayload{CardID: cardID},
			events.CardMovedPayload{CardID: cardID, Lane: "Ideas", Order: 0},
		},
	}

	data, err := events.MarshalEventPayload(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := events.UnmarshalEventPayload(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	ua := got.(events.UndoAppliedPayload)
	if ua.TargetEventID != 7 || len(ua.InverseEvents) != 2 {
		t.Fatalf("got %+v", ua)
	}
	if _, ok := ua.InverseEvents[0].(events.CardDeletedPayload); !ok {
		t.Fatalf("InverseEvents[0] type: got %T", ua.InverseEvents[0])
	}
	if _, ok := ua.InverseEvents[1].(events.CardMovedPayload); !ok {
		t.Fatalf("InverseEvents[1] type: got %T", ua.InverseEvents[1])
	}
}
