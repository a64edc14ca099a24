package crmsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// conditionSchema constrains caller-supplied condition documents: a
// non-empty array of {name, fields} objects with non-empty strings.
const conditionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "array",
  "minItems": 1,
  "items": {
    "type": "object",
    "required": ["name", "fields"],
    "properties": {
      "name": {"type": "string", "minLength": 1},
      "fields": {
        "type": "array",
        "minItems": 1,
        "items": {"type": "string", "minLength": 1}
      }
    },
    "additionalProperties": false
  }
}`

var (
	conditionSchemaOnce     sync.Once
	compiledConditionSchema *jsonschema.Schema
	conditionSchemaErr      error
)

func loadConditionSchema() (*jsonschema.Schema, error) {
	conditionSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(conditionSchema))
		if err != nil {
			conditionSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("conditions.json", doc); err != nil {
			conditionSchemaErr = err
			return
		}
		compiledConditionSchema, conditionSchemaErr = compiler.Compile("conditions.json")
	})
	return compiledConditionSchema, conditionSchemaErr
}

// ParseConditionsJSON validates and decodes a caller-supplied condition
// document. Schema violations surface as ValidationError.
func ParseConditionsJSON(raw []byte) ([]FieldCondition, error) {
	schema, err := loadConditionSchema()
	if err != nil {
		return nil, err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, &ValidationError{Message: "conditions are not valid json"}
	}
	if err := schema.Validate(instance); err != nil {
		return nil, &ValidationError{Message: "malformed conditions: " + err.Error()}
	}
	var conditions []FieldCondition
	if err := json.Unmarshal(raw, &conditions); err != nil {
		return nil, &ValidationError{Message: "conditions are not valid json"}
	}
	normalizeConditions(conditions)
	if err := ValidateConditions(conditions); err != nil {
		return nil, err
	}
	return conditions, nil
}

// LoadConditionPresets reads operator-defined condition presets from a YAML
// file. An empty path means no presets.
func LoadConditionPresets(path string) ([]FieldCondition, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var conditions []FieldCondition
	if err := yaml.Unmarshal(data, &conditions); err != nil {
		return nil, fmt.Errorf("parse condition presets %s: %w", path, err)
	}
	normalizeConditions(conditions)
	if err := ValidateConditions(conditions); err != nil {
		return nil, fmt.Errorf("condition presets %s: %w", path, err)
	}
	return conditions, nil
}

// ValidateConditions enforces the semantic rules shared by every input
// path: unique non-empty names, at least one non-empty field key each.
func ValidateConditions(conditions []FieldCondition) error {
	if len(conditions) == 0 {
		return &ValidationError{Message: "at least one condition is required"}
	}
	seen := map[string]bool{}
	for i, cond := range conditions {
		name := strings.TrimSpace(cond.Name)
		if name == "" {
			return &ValidationError{Message: fmt.Sprintf("condition %d has no name", i)}
		}
		if seen[name] {
			return &ValidationError{Message: "duplicate condition name: " + name}
		}
		seen[name] = true
		if len(cond.Fields) == 0 {
			return &ValidationError{Message: "condition " + name + " names no fields"}
		}
		for _, field := range cond.Fields {
			if strings.TrimSpace(field) == "" {
				return &ValidationError{Message: "condition " + name + " has an empty field key"}
			}
		}
	}
	return nil
}

func normalizeConditions(conditions []FieldCondition) {
	for i := range conditions {
		conditions[i].Name = strings.TrimSpace(conditions[i].Name)
		for j := range conditions[i].Fields {
			conditions[i].Fields[j] = strings.TrimSpace(conditions[i].Fields[j])
		}
	}
}
