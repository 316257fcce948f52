package model

import "time"

// Case event types.
const (
	EventCaseCreated            = "case.created"
	EventCaseSubmissionUpdated  = "case.submission_updated"
	EventCaseStatusChanged      = "case.status_changed"
	EventCaseExternalIDAssigned = "case.external_id_assigned"
)

// Event is a notification about a case, published after the change it
// describes has been persisted.
type Event struct {
	ID               string         `json:"id"`
	Type             string         `json:"type"`
	CaseID           string         `json:"case_id"`
	CaseDefinitionID string         `json:"case_definition_id"`
	UserID           string         `json:"user_id"`
	Data             map[string]any `json:"data,omitempty"`
	OccurredAt       time.Time      `json:"occurred_at"`
}
