package definition

import (
	"fmt"

	"github.com/pitabwire/caseportal/internal/schema"
	"github.com/pitabwire/caseportal/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator checks case definitions structurally and meta-validates their
// schemas as draft-07.
type Validator struct {
	referenceRoot string
}

// NewValidator creates a Validator. Relative $ref values in schemas resolve
// against referenceRoot.
func NewValidator(referenceRoot string) *Validator {
	return &Validator{referenceRoot: referenceRoot}
}

// Validate checks all definitions and returns every problem found.
func (v *Validator) Validate(defs []model.CaseDefinition) []VError {
	var errs []VError
	seen := make(map[string]string, len(defs))

	for i, def := range defs {
		prefix := fmt.Sprintf("definitions[%d]", i)
		if def.SourceFile != "" {
			prefix = def.SourceFile
		}

		if def.ID == "" {
			errs = append(errs, VError{Path: prefix + ".schema.$id", Code: "REQUIRED", Message: "schema $id is required"})
		} else if other, dup := seen[def.ID]; dup {
			errs = append(errs, VError{
				Path:    prefix + ".schema.$id",
				Code:    "DUPLICATE",
				Message: fmt.Sprintf("case definition %q is also declared by %s", def.ID, other),
			})
		} else {
			seen[def.ID] = prefix
		}

		errs = append(errs, v.validateStatuses(prefix, def.AllowedStatuses)...)

		if _, err := schema.Compile(def.Schema, v.referenceRoot); err != nil {
			errs = append(errs, VError{Path: prefix + ".schema", Code: "INVALID_SCHEMA", Message: err.Error()})
		}
	}
	return errs
}

func (v *Validator) validateStatuses(prefix string, statuses []string) []VError {
	if len(statuses) == 0 {
		return []VError{{Path: prefix + ".statuses", Code: "REQUIRED", Message: "at least one status is required"}}
	}

	var errs []VError
	seen := make(map[string]bool, len(statuses))
	for i, s := range statuses {
		sp := fmt.Sprintf("%s.statuses[%d]", prefix, i)
		if s == "" {
			errs = append(errs, VError{Path: sp, Code: "REQUIRED", Message: "status name must not be empty"})
			continue
		}
		if seen[s] {
			errs = append(errs, VError{Path: sp, Code: "DUPLICATE", Message: fmt.Sprintf("status %q is listed more than once", s)})
		}
		seen[s] = true
	}
	return errs
}
