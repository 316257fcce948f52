package model

import "time"

// Status is a case status name together with the moment it was set.
type Status struct {
	Name  string    `json:"name"`
	SetAt time.Time `json:"set_at"`
}

// Case is one instance of a case definition, owned by a user. The submission
// only holds fields declared by the definition's schema and is schema-valid
// at rest.
//
// StatusHistory is an append-only ledger of the statuses the case held before
// its current one, oldest first. Values returned by WithStatus never share
// their history backing array with the receiver.
type Case struct {
	ID               string         `json:"id"`
	CaseDefinitionID string         `json:"case_definition_id"`
	UserID           string         `json:"user_id"`
	ExternalID       string         `json:"external_id,omitempty"`
	Submission       map[string]any `json:"submission"`
	Status           Status         `json:"status"`
	StatusHistory    []Status       `json:"status_history"`
	CreatedOn        time.Time      `json:"created_on"`
	UpdatedAt        time.Time      `json:"updated_at"`
	Version          int            `json:"version"`
}

// WithStatus returns a copy of c in which the current status has been pushed
// onto the history and s installed as the current status.
func (c Case) WithStatus(s Status) Case {
	history := make([]Status, len(c.StatusHistory), len(c.StatusHistory)+1)
	copy(history, c.StatusHistory)
	c.StatusHistory = append(history, c.Status)
	c.Status = s
	return c
}

// WithSubmission returns a copy of c carrying the given submission.
func (c Case) WithSubmission(submission map[string]any) Case {
	c.Submission = submission
	return c
}

// History returns a copy of the status history, oldest first.
func (c Case) History() []Status {
	history := make([]Status, len(c.StatusHistory))
	copy(history, c.StatusHistory)
	return history
}

// OwnedBy reports whether the case belongs to the given user.
func (c Case) OwnedBy(userID string) bool {
	return userID != "" && c.UserID == userID
}

// CaseFilters are optional filters for listing a user's cases.
type CaseFilters struct {
	CaseDefinitionID string
	Status           string
	Limit            int
	Offset           int
}
