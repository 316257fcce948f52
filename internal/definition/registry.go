package definition

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/caseportal/model"
)

// snapshot is an immutable collection of case definitions indexed by ID.
type snapshot struct {
	definitions map[string]model.CaseDefinition
	checksum    string
}

// Registry is a read-optimized, thread-safe store of the deployed case
// definitions. It uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given definitions.
func NewRegistry(defs []model.CaseDefinition) *Registry {
	r := &Registry{}
	r.Replace(defs)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given definitions.
func (r *Registry) Replace(defs []model.CaseDefinition) {
	s := &snapshot{
		definitions: make(map[string]model.CaseDefinition, len(defs)),
	}

	checksumParts := make([]string, 0, len(defs))
	for _, def := range defs {
		s.definitions[def.ID] = def
		checksumParts = append(checksumParts, def.Checksum)
	}

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Get returns the case definition with the given ID.
func (r *Registry) Get(id string) (model.CaseDefinition, bool) {
	d, ok := r.current().definitions[id]
	return d, ok
}

// Lookup returns the case definition with the given ID, or NOT_FOUND.
func (r *Registry) Lookup(_ context.Context, id string) (model.CaseDefinition, error) {
	d, ok := r.Get(id)
	if !ok {
		return model.CaseDefinition{}, model.NewNotFoundError(
			fmt.Sprintf("case definition %q not found", id),
		)
	}
	return d, nil
}

// All returns every definition ordered by ID.
func (r *Registry) All() []model.CaseDefinition {
	s := r.current()
	defs := make([]model.CaseDefinition, 0, len(s.definitions))
	for _, d := range s.definitions {
		defs = append(defs, d)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}

// Len returns the number of definitions.
func (r *Registry) Len() int {
	return len(r.current().definitions)
}

// Checksum returns the combined checksum of all loaded definitions.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
