package export

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/fieldnote/specd/internal/reducer"
)

// YAML renders SpecState as a YAML document whose field names, nesting,
// and types mirror SpecState's JSON representation exactly — required by
// the round-trip law in SPEC_FULL.md section 8, where a structured-data
// export re-imported into a fresh state must yield an equivalent state.
//
// The teacher's export/yaml.go hand-curates a parallel YamlSpec/YamlCard
// schema that renames fields and injects a synthetic version key; that
// breaks 1:1 correspondence with SpecState; this re-marshals through
// SpecState's own MarshalJSON and back into a generic value instead of
// defining a second schema by hand, so the two representations can never
// drift apart. yaml.v3 sorts generic map keys alphabetically when
// encoding, which is deterministic but not SpecState's declared field
// order; that is immaterial since object/map key order carries no
// semantic meaning in either JSON or YAML.
func YAML(state *reducer.SpecState) (string, error) {
	jsonBytes, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("marshal state to json: %w", err)
	}

	var generic interface{}
	if err := json.Unmarshal(jsonBytes, &generic); err != nil {
		return "", fmt.Errorf("unmarshal json to generic value: %w", err)
	}

	yamlBytes, err := yaml.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("marshal generic value to yaml: %w", err)
	}
	return string(yamlBytes), nil
}
