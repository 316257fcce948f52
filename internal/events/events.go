// Package events builds case events and delivers them to a message bus.
package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/mohae/deepcopy"

	"github.com/pitabwire/caseportal/model"
)

func newEvent(eventType string, c model.Case, data map[string]any, at time.Time) model.Event {
	return model.Event{
		ID:               uuid.NewString(),
		Type:             eventType,
		CaseID:           c.ID,
		CaseDefinitionID: c.CaseDefinitionID,
		UserID:           c.UserID,
		Data:             data,
		OccurredAt:       at,
	}
}

// CaseCreated describes a new case. It carries the submission exactly as the
// user sent it, before pruning and validation, so downstream systems see the
// full payload.
func CaseCreated(c model.Case, original map[string]any) model.Event {
	return newEvent(model.EventCaseCreated, c, map[string]any{
		"submission": deepcopy.Copy(original),
		"status":     c.Status.Name,
	}, c.CreatedOn)
}

// SubmissionUpdated describes a patched submission by the pointers that were
// edited. The patched values stay off the bus.
func SubmissionUpdated(c model.Case, pointers []string) model.Event {
	ptrs := make([]string, len(pointers))
	copy(ptrs, pointers)
	return newEvent(model.EventCaseSubmissionUpdated, c, map[string]any{
		"pointers": ptrs,
	}, c.UpdatedAt)
}

// StatusChanged describes a status transition.
func StatusChanged(c model.Case, previous model.Status) model.Event {
	return newEvent(model.EventCaseStatusChanged, c, map[string]any{
		"status":          c.Status.Name,
		"previous_status": previous.Name,
	}, c.Status.SetAt)
}

// ExternalIDAssigned describes the correlation of a case with an external
// case-management system.
func ExternalIDAssigned(c model.Case) model.Event {
	return newEvent(model.EventCaseExternalIDAssigned, c, map[string]any{
		"external_id": c.ExternalID,
	}, c.UpdatedAt)
}
