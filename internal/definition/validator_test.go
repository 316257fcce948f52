package definition

import (
	"strings"
	"testing"

	"github.com/pitabwire/caseportal/model"
)

func validDefinition() model.CaseDefinition {
	return model.CaseDefinition{
		ID:              "person",
		AllowedStatuses: []string{"a", "b"},
		Schema: map[string]any{
			"$schema": "http://json-schema.org/draft-07/schema#",
			"type":    "object",
			"properties": map[string]any{
				"firstName": map[string]any{"type": "string"},
			},
		},
	}
}

func hasCode(errs []VError, code string) bool {
	for _, e := range errs {
		if e.Code == code {
			return true
		}
	}
	return false
}

func TestValidator_valid(t *testing.T) {
	v := NewValidator("")
	if errs := v.Validate([]model.CaseDefinition{validDefinition()}); len(errs) != 0 {
		t.Errorf("Validate() = %v, want no errors", errs)
	}
}

func TestValidator_missingID(t *testing.T) {
	def := validDefinition()
	def.ID = ""
	errs := NewValidator("").Validate([]model.CaseDefinition{def})
	if !hasCode(errs, "REQUIRED") {
		t.Errorf("Validate() = %v, want REQUIRED", errs)
	}
}

func TestValidator_duplicateID(t *testing.T) {
	errs := NewValidator("").Validate([]model.CaseDefinition{validDefinition(), validDefinition()})
	if !hasCode(errs, "DUPLICATE") {
		t.Errorf("Validate() = %v, want DUPLICATE", errs)
	}
}

func TestValidator_statuses(t *testing.T) {
	tests := []struct {
		name     string
		statuses []string
		code     string
	}{
		{"empty", nil, "REQUIRED"},
		{"blank name", []string{"a", ""}, "REQUIRED"},
		{"duplicate", []string{"a", "b", "a"}, "DUPLICATE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDefinition()
			def.AllowedStatuses = tt.statuses
			errs := NewValidator("").Validate([]model.CaseDefinition{def})
			if !hasCode(errs, tt.code) {
				t.Errorf("Validate() = %v, want %s", errs, tt.code)
			}
		})
	}
}

func TestValidator_invalidSchema(t *testing.T) {
	def := validDefinition()
	def.Schema = map[string]any{"type": "not-a-type"}
	errs := NewValidator("").Validate([]model.CaseDefinition{def})
	if !hasCode(errs, "INVALID_SCHEMA") {
		t.Errorf("Validate() = %v, want INVALID_SCHEMA", errs)
	}
}

func TestValidator_pathUsesSourceFile(t *testing.T) {
	def := validDefinition()
	def.AllowedStatuses = nil
	def.SourceFile = "defs/person.yaml"
	errs := NewValidator("").Validate([]model.CaseDefinition{def})
	if len(errs) == 0 || !strings.HasPrefix(errs[0].Path, "defs/person.yaml") {
		t.Errorf("Validate() = %v", errs)
	}
}

func TestVError_Error(t *testing.T) {
	e := VError{Path: "p.statuses", Code: "REQUIRED", Message: "at least one status is required"}
	if e.Error() != "p.statuses: at least one status is required" {
		t.Errorf("Error() = %q", e.Error())
	}
}
