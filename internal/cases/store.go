package cases

import (
	"context"

	"github.com/pitabwire/caseportal/model"
)

// CaseStore persists cases and their status history.
type CaseStore interface {
	// Create persists a new case. Returns CONFLICT if the id is taken.
	Create(ctx context.Context, c model.Case) error

	// Get retrieves a case by id. Returns NOT_FOUND if it doesn't exist.
	Get(ctx context.Context, caseID string) (model.Case, error)

	// Update persists a modified case with optimistic locking. c.Version
	// must match the stored version, which is then incremented. Returns
	// CONFLICT if the version has changed. History entries already stored
	// are never rewritten; new ones are appended.
	Update(ctx context.Context, c model.Case) error

	// ListByUser returns the cases owned by userID, newest first.
	ListByUser(ctx context.Context, userID string, filters model.CaseFilters) ([]model.Case, error)
}
