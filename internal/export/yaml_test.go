package export_test

import (
	"encoding/json"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/fieldnote/specd/internal/export"
)

func TestYAMLMirrorsJSONFieldNames(t *testing.T) {
	state := newTestState(t)

	jsonBytes, err := json.Marshal(state)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	var wantGeneric map[string]interface{}
	if err := json.Unmarshal(jsonBytes, &wantGeneric); err != nil {
		t.Fatalf("json.Unmarshal: %v", err)
	}

	doc, err := export.YAML(state)
	if err != nil {
		t.Fatalf("export.YAML: %v", err)
	}

	var gotGeneric map[string]interface{}
	if err := yaml.Unmarshal([]byte(doc), &gotGeneric); err != nil {
		t.Fatalf("yaml.Unmarshal: %v", err)
	}

	for key := range wantGeneric {
		if _, ok := gotGeneric[key]; !ok {
			t.Errorf("yaml export missing top-level field %q present in json representation", key)
		}
	}
	if _, ok := gotGeneric["last_event_id"]; !ok {
		t.Error("expected snake_case last_event_id field in yaml export")
	}
}

func TestYAMLIsDeterministic(t *testing.T) {
	state := newTestState(t)
	first, err := export.YAML(state)
	if err != nil {
		t.Fatalf("export.YAML: %v", err)
	}
	second, err := export.YAML(state)
	if err != nil {
		t.Fatalf("export.YAML: %v", err)
	}
	if first != second {
		t.Error("expected export.YAML to be deterministic across repeated calls on the same state")
	}
}
