package model

import "time"

// CaseDefinition is one versioned case type: a draft-07 JSON schema that
// constrains submissions plus the ordered set of statuses cases of this type
// may hold. The first allowed status is the default initial status.
type CaseDefinition struct {
	ID              string         `json:"id"`
	Schema          map[string]any `json:"schema"`
	AllowedStatuses []string       `json:"allowed_statuses"`
	Checksum        string         `json:"checksum"`
	SourceFile      string         `json:"-"`
	DeployedAt      time.Time      `json:"deployed_at"`
}

// HasStatus reports whether name is one of the definition's allowed statuses.
func (d CaseDefinition) HasStatus(name string) bool {
	for _, s := range d.AllowedStatuses {
		if s == name {
			return true
		}
	}
	return false
}

// InitialStatus returns the default status for new cases, or "" when the
// definition declares no statuses.
func (d CaseDefinition) InitialStatus() string {
	if len(d.AllowedStatuses) == 0 {
		return ""
	}
	return d.AllowedStatuses[0]
}

// CaseDefinitionManifest is the on-disk YAML description of a case
// definition. Schema is a path relative to the manifest file.
type CaseDefinitionManifest struct {
	Schema   string   `yaml:"schema"`
	Statuses []string `yaml:"statuses"`
}
