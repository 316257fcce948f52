// Package cases implements the case use cases: creating a case from a raw
// submission, patching its submission, moving it through its statuses and
// recording the external case-management id.
package cases

import (
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/caseportal/internal/lifecycle"
	"github.com/pitabwire/caseportal/internal/patch"
	"github.com/pitabwire/caseportal/internal/schema"
	"github.com/pitabwire/caseportal/model"
)

// SubmissionValidator validates a submission against a definition's schema
// and returns the document with defaults applied.
type SubmissionValidator interface {
	Validate(def model.CaseDefinition, submission map[string]any) (map[string]any, error)
}

// Aggregate sequences filtering, validation, patching and status changes for
// a single case. It performs no I/O; every method returns a new Case value.
type Aggregate struct {
	validator SubmissionValidator
	lifecycle *lifecycle.Lifecycle
	now       lifecycle.Clock
	newID     func() string
}

// AggregateOption configures an Aggregate.
type AggregateOption func(*Aggregate)

// WithClock overrides the time source for timestamps.
func WithClock(now lifecycle.Clock) AggregateOption {
	return func(a *Aggregate) { a.now = now }
}

// WithIDGenerator overrides case id generation.
func WithIDGenerator(fn func() string) AggregateOption {
	return func(a *Aggregate) { a.newID = fn }
}

// NewAggregate creates an Aggregate.
func NewAggregate(validator SubmissionValidator, opts ...AggregateOption) *Aggregate {
	a := &Aggregate{
		validator: validator,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.lifecycle = lifecycle.New(a.now)
	return a
}

// Create builds a new case owned by userID. The raw submission is pruned to
// the keys the schema declares, then validated. An empty requested status
// selects the definition's first status.
func (a *Aggregate) Create(def model.CaseDefinition, raw map[string]any, userID, requestedStatus string) (model.Case, error) {
	if len(raw) == 0 {
		return model.Case{}, model.NewEmptyDataError()
	}
	filtered := schema.Filter(raw, schema.ExtractKeys(def.Schema))
	if len(filtered) == 0 {
		return model.Case{}, model.NewEmptyDataError()
	}

	submission, err := a.validator.Validate(def, filtered)
	if err != nil {
		return model.Case{}, err
	}

	status, err := a.lifecycle.Initialize(def, requestedStatus)
	if err != nil {
		return model.Case{}, err
	}

	return model.Case{
		ID:               a.newID(),
		CaseDefinitionID: def.ID,
		UserID:           userID,
		Submission:       submission,
		Status:           status,
		StatusHistory:    []model.Status{},
		CreatedOn:        status.SetAt,
		UpdatedAt:        status.SetAt,
	}, nil
}

// UpdateSubmission applies edits to the case's submission and re-validates
// the result against def. The patched document is not re-filtered.
func (a *Aggregate) UpdateSubmission(def model.CaseDefinition, c model.Case, edits []patch.Edit) (model.Case, error) {
	patched, err := patch.Apply(c.Submission, edits)
	if err != nil {
		return model.Case{}, err
	}
	submission, err := a.validator.Validate(def, patched)
	if err != nil {
		return model.Case{}, err
	}
	next := c.WithSubmission(submission)
	next.UpdatedAt = a.now()
	return next, nil
}

// ChangeStatus moves the case to status, recording its previous status in
// the history.
func (a *Aggregate) ChangeStatus(def model.CaseDefinition, c model.Case, status string) (model.Case, error) {
	next, err := a.lifecycle.Transition(def, c, status)
	if err != nil {
		return model.Case{}, err
	}
	next.UpdatedAt = next.Status.SetAt
	return next, nil
}

// AssignExternalID records the id of the case in an external case-management
// system.
func (a *Aggregate) AssignExternalID(c model.Case, externalID string) (model.Case, error) {
	if externalID == "" {
		return model.Case{}, model.NewBadRequestError("external id must not be empty")
	}
	c.ExternalID = externalID
	c.UpdatedAt = a.now()
	return c, nil
}
