package definition

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/caseportal/model"
)

// DefinitionStore persists deployed case definitions.
type DefinitionStore interface {
	// Save inserts or replaces a definition.
	Save(ctx context.Context, def model.CaseDefinition) error

	// Get retrieves a definition by ID. Returns NOT_FOUND if absent.
	Get(ctx context.Context, id string) (model.CaseDefinition, error)

	// List returns every stored definition ordered by ID.
	List(ctx context.Context) ([]model.CaseDefinition, error)
}

// --- MemoryDefinitionStore ---

// MemoryDefinitionStore is an in-memory DefinitionStore.
type MemoryDefinitionStore struct {
	mu   sync.RWMutex
	defs map[string]model.CaseDefinition
}

// NewMemoryDefinitionStore creates an empty in-memory store.
func NewMemoryDefinitionStore() *MemoryDefinitionStore {
	return &MemoryDefinitionStore{defs: make(map[string]model.CaseDefinition)}
}

// Save inserts or replaces def.
func (s *MemoryDefinitionStore) Save(_ context.Context, def model.CaseDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs[def.ID] = def
	return nil
}

// Get retrieves a definition by ID.
func (s *MemoryDefinitionStore) Get(_ context.Context, id string) (model.CaseDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.defs[id]
	if !ok {
		return model.CaseDefinition{}, model.NewNotFoundError(fmt.Sprintf("case definition %q not found", id))
	}
	return def, nil
}

// List returns all definitions ordered by ID.
func (s *MemoryDefinitionStore) List(_ context.Context) ([]model.CaseDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.CaseDefinition, 0, len(s.defs))
	for _, d := range s.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- PgDefinitionStore ---

// PgDefinitionStore is a PostgreSQL-backed DefinitionStore using pgx/v5.
type PgDefinitionStore struct {
	pool *pgxpool.Pool
}

// NewPgDefinitionStore creates a new PostgreSQL definition store.
func NewPgDefinitionStore(pool *pgxpool.Pool) *PgDefinitionStore {
	return &PgDefinitionStore{pool: pool}
}

// HealthCheck pings the database.
func (s *PgDefinitionStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Save upserts def.
func (s *PgDefinitionStore) Save(ctx context.Context, def model.CaseDefinition) error {
	schemaJSON, err := json.Marshal(def.Schema)
	if err != nil {
		return errors.Wrap(err, "marshal schema")
	}
	deployedAt := def.DeployedAt
	if deployedAt.IsZero() {
		deployedAt = time.Now().UTC()
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO case_definitions (id, schema, allowed_statuses, checksum, deployed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			schema = EXCLUDED.schema,
			allowed_statuses = EXCLUDED.allowed_statuses,
			checksum = EXCLUDED.checksum,
			deployed_at = EXCLUDED.deployed_at`,
		def.ID, schemaJSON, def.AllowedStatuses, def.Checksum, deployedAt,
	)
	if err != nil {
		return errors.Wrap(err, "upsert case definition")
	}
	return nil
}

// Get retrieves a definition by ID.
func (s *PgDefinitionStore) Get(ctx context.Context, id string) (model.CaseDefinition, error) {
	def, err := scanDefinition(s.pool.QueryRow(ctx, `
		SELECT id, schema, allowed_statuses, checksum, deployed_at
		FROM case_definitions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.CaseDefinition{}, model.NewNotFoundError(fmt.Sprintf("case definition %q not found", id))
	}
	if err != nil {
		return model.CaseDefinition{}, errors.Wrap(err, "query case definition")
	}
	return def, nil
}

// List returns all definitions ordered by ID.
func (s *PgDefinitionStore) List(ctx context.Context) ([]model.CaseDefinition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, schema, allowed_statuses, checksum, deployed_at
		FROM case_definitions ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "query case definitions")
	}
	defer rows.Close()

	var out []model.CaseDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan case definition")
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

func scanDefinition(row pgx.Row) (model.CaseDefinition, error) {
	var def model.CaseDefinition
	var schemaJSON []byte
	if err := row.Scan(&def.ID, &schemaJSON, &def.AllowedStatuses, &def.Checksum, &def.DeployedAt); err != nil {
		return model.CaseDefinition{}, err
	}
	if err := json.Unmarshal(schemaJSON, &def.Schema); err != nil {
		return model.CaseDefinition{}, errors.Wrap(err, "unmarshal schema")
	}
	return def, nil
}
