package crmsync

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestParseConditionsJSON(t *testing.T) {
	raw := []byte(`[
		{"name": "email", "fields": ["email"]},
		{"name": "name-league", "fields": [" firstName ", "league"]}
	]`)
	conditions, err := ParseConditionsJSON(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(conditions) != 2 {
		t.Fatalf("expected 2 conditions, got %+v", conditions)
	}
	if conditions[1].Fields[0] != "firstName" {
		t.Fatalf("field keys not trimmed: %+v", conditions[1])
	}
}

func TestParseConditionsJSONRejectsMalformedInput(t *testing.T) {
	cases := map[string]string{
		"not json":        `{"name":`,
		"not an array":    `{"name": "email", "fields": ["email"]}`,
		"empty array":     `[]`,
		"missing fields":  `[{"name": "email"}]`,
		"empty fields":    `[{"name": "email", "fields": []}]`,
		"empty name":      `[{"name": "", "fields": ["email"]}]`,
		"extra key":       `[{"name": "email", "fields": ["email"], "weight": 2}]`,
		"non-string item": `[{"name": "email", "fields": [7]}]`,
	}
	for label, raw := range cases {
		if _, err := ParseConditionsJSON([]byte(raw)); !errors.Is(err, ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", label, err)
		}
	}
}

func TestParseConditionsJSONRejectsDuplicateNames(t *testing.T) {
	raw := []byte(`[
		{"name": "email", "fields": ["email"]},
		{"name": "email", "fields": ["phone"]}
	]`)
	if _, err := ParseConditionsJSON(raw); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestLoadConditionPresets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presets.yaml")
	content := `
- name: email
  fields: [email]
- name: name-league
  fields:
    - firstName
    - league
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write presets: %v", err)
	}
	presets, err := LoadConditionPresets(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(presets) != 2 || presets[1].Name != "name-league" || len(presets[1].Fields) != 2 {
		t.Fatalf("unexpected presets: %+v", presets)
	}
}

func TestLoadConditionPresetsEmptyPath(t *testing.T) {
	presets, err := LoadConditionPresets("  ")
	if err != nil || presets != nil {
		t.Fatalf("empty path must mean no presets, got %v / %v", presets, err)
	}
}

func TestLoadConditionPresetsErrors(t *testing.T) {
	if _, err := LoadConditionPresets(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("{{not yaml"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadConditionPresets(bad); err == nil {
		t.Fatalf("expected error for malformed yaml")
	}

	dup := filepath.Join(t.TempDir(), "dup.yaml")
	content := "- name: a\n  fields: [email]\n- name: a\n  fields: [phone]\n"
	if err := os.WriteFile(dup, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadConditionPresets(dup); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for duplicate names, got %v", err)
	}
}

func TestValidateConditions(t *testing.T) {
	valid := []FieldCondition{{Name: "email", Fields: []string{FieldEmail}}}
	if err := ValidateConditions(valid); err != nil {
		t.Fatalf("valid conditions rejected: %v", err)
	}
	if err := ValidateConditions(nil); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for empty set, got %v", err)
	}
}
