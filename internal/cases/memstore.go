package cases

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mohae/deepcopy"

	"github.com/pitabwire/caseportal/model"
)

// MemoryCaseStore is an in-memory CaseStore for tests and single-instance
// deployments.
type MemoryCaseStore struct {
	mu    sync.RWMutex
	cases map[string]model.Case // key: case ID
}

// NewMemoryCaseStore creates a new in-memory case store.
func NewMemoryCaseStore() *MemoryCaseStore {
	return &MemoryCaseStore{cases: make(map[string]model.Case)}
}

// Create persists a new case.
func (s *MemoryCaseStore) Create(_ context.Context, c model.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.cases[c.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("case %q already exists", c.ID))
	}
	s.cases[c.ID] = detach(c)
	return nil
}

// Get retrieves a case by ID.
func (s *MemoryCaseStore) Get(_ context.Context, caseID string) (model.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, exists := s.cases[caseID]
	if !exists {
		return model.Case{}, model.NewNotFoundError(fmt.Sprintf("case %q not found", caseID))
	}
	return detach(c), nil
}

// Update persists a modified case with optimistic locking.
func (s *MemoryCaseStore) Update(_ context.Context, c model.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.cases[c.ID]
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("case %q not found", c.ID))
	}
	if existing.Version != c.Version {
		return model.NewConflictError(
			fmt.Sprintf("case %q version conflict (expected %d, got %d)", c.ID, c.Version, existing.Version),
		)
	}
	if len(c.StatusHistory) < len(existing.StatusHistory) {
		return model.NewConflictError(fmt.Sprintf("case %q status history cannot shrink", c.ID))
	}

	c.Version++
	s.cases[c.ID] = detach(c)
	return nil
}

// ListByUser returns a user's cases, newest first.
func (s *MemoryCaseStore) ListByUser(_ context.Context, userID string, filters model.CaseFilters) ([]model.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.Case{}
	for _, c := range s.cases {
		if c.UserID != userID {
			continue
		}
		if filters.CaseDefinitionID != "" && c.CaseDefinitionID != filters.CaseDefinitionID {
			continue
		}
		if filters.Status != "" && c.Status.Name != filters.Status {
			continue
		}
		result = append(result, detach(c))
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedOn.Equal(result[j].CreatedOn) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedOn.After(result[j].CreatedOn)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.Case{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}
	return result, nil
}

// Len returns the number of stored cases. For testing.
func (s *MemoryCaseStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cases)
}

// detach copies the mutable parts of c so that callers and the store never
// share maps or slices.
func detach(c model.Case) model.Case {
	c.Submission, _ = deepcopy.Copy(c.Submission).(map[string]any)
	c.StatusHistory = c.History()
	return c
}
