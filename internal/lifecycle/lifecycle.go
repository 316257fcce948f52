// Package lifecycle validates status names against a case definition and
// records transitions on the case's append-only status history.
package lifecycle

import (
	"time"

	"github.com/pitabwire/caseportal/model"
)

// Clock returns the current time.
type Clock func() time.Time

// Lifecycle resolves initial statuses and performs transitions.
type Lifecycle struct {
	now Clock
}

// New creates a Lifecycle. A nil clock uses time.Now in UTC.
func New(now Clock) *Lifecycle {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Lifecycle{now: now}
}

// Initialize returns the status a new case starts in. An empty requested
// status selects the definition's first allowed status.
func (l *Lifecycle) Initialize(def model.CaseDefinition, requested string) (model.Status, error) {
	name := requested
	if name == "" {
		name = def.InitialStatus()
		if name == "" {
			return model.Status{}, model.NewInvalidStatusError(name, def.ID)
		}
	} else if !def.HasStatus(name) {
		return model.Status{}, model.NewInvalidStatusError(name, def.ID)
	}
	return model.Status{Name: name, SetAt: l.now()}, nil
}

// Transition returns a copy of c whose previous status has been appended to
// the history and whose current status is next. The history of c itself is
// left untouched.
func (l *Lifecycle) Transition(def model.CaseDefinition, c model.Case, next string) (model.Case, error) {
	if !def.HasStatus(next) {
		return model.Case{}, model.NewInvalidStatusError(next, def.ID)
	}
	return c.WithStatus(model.Status{Name: next, SetAt: l.now()}), nil
}
