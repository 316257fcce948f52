package cases

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/caseportal/model"
)

const caseColumns = `id, case_definition_id, user_id, external_id, submission,
	       status, status_set_at, created_on, updated_at, version`

// PgCaseStore is a PostgreSQL-backed CaseStore using pgx/v5. The status
// history lives in case_status_history keyed by (case_id, seq) and is only
// ever inserted into.
type PgCaseStore struct {
	pool *pgxpool.Pool
}

// NewPgCaseStore creates a new PostgreSQL case store.
func NewPgCaseStore(pool *pgxpool.Pool) *PgCaseStore {
	return &PgCaseStore{pool: pool}
}

// HealthCheck pings the database.
func (s *PgCaseStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Create inserts a new case and its history in one transaction.
func (s *PgCaseStore) Create(ctx context.Context, c model.Case) error {
	submission, err := json.Marshal(c.Submission)
	if err != nil {
		return errors.Wrap(err, "marshal submission")
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO cases (
				id, case_definition_id, user_id, external_id, submission,
				status, status_set_at, created_on, updated_at, version
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO NOTHING`,
			c.ID, c.CaseDefinitionID, c.UserID, nullable(c.ExternalID), submission,
			c.Status.Name, c.Status.SetAt, c.CreatedOn, c.UpdatedAt, c.Version,
		)
		if err != nil {
			return errors.Wrap(err, "insert case")
		}
		if tag.RowsAffected() == 0 {
			return model.NewConflictError(fmt.Sprintf("case %q already exists", c.ID))
		}
		return appendHistory(ctx, tx, c)
	})
}

// Get retrieves a case and its history.
func (s *PgCaseStore) Get(ctx context.Context, caseID string) (model.Case, error) {
	c, err := scanCase(s.pool.QueryRow(ctx,
		`SELECT `+caseColumns+` FROM cases WHERE id = $1`, caseID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Case{}, model.NewNotFoundError(fmt.Sprintf("case %q not found", caseID))
	}
	if err != nil {
		return model.Case{}, errors.Wrap(err, "query case")
	}

	histories, err := s.loadHistory(ctx, []string{c.ID})
	if err != nil {
		return model.Case{}, err
	}
	c.StatusHistory = historyOf(histories, c.ID)
	return c, nil
}

// Update persists a modified case with optimistic locking.
func (s *PgCaseStore) Update(ctx context.Context, c model.Case) error {
	submission, err := json.Marshal(c.Submission)
	if err != nil {
		return errors.Wrap(err, "marshal submission")
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE cases SET
				external_id = $1,
				submission = $2,
				status = $3,
				status_set_at = $4,
				updated_at = $5,
				version = $6
			WHERE id = $7 AND version = $8`,
			nullable(c.ExternalID), submission, c.Status.Name, c.Status.SetAt,
			c.UpdatedAt, c.Version+1,
			c.ID, c.Version,
		)
		if err != nil {
			return errors.Wrap(err, "update case")
		}
		if tag.RowsAffected() == 0 {
			return model.NewConflictError(
				fmt.Sprintf("case %q version conflict (expected %d)", c.ID, c.Version),
			)
		}
		return appendHistory(ctx, tx, c)
	})
}

// ListByUser returns a user's cases, newest first.
func (s *PgCaseStore) ListByUser(ctx context.Context, userID string, filters model.CaseFilters) ([]model.Case, error) {
	query := `SELECT ` + caseColumns + ` FROM cases WHERE user_id = $1`
	args := []any{userID}
	argIdx := 2

	if filters.CaseDefinitionID != "" {
		query += fmt.Sprintf(" AND case_definition_id = $%d", argIdx)
		args = append(args, filters.CaseDefinitionID)
		argIdx++
	}
	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filters.Status)
		argIdx++
	}

	query += " ORDER BY created_on DESC, id ASC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query cases")
	}
	defer rows.Close()

	result := []model.Case{}
	var ids []string
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan case")
		}
		result = append(result, c)
		ids = append(ids, c.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate cases")
	}
	if len(ids) == 0 {
		return result, nil
	}

	histories, err := s.loadHistory(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range result {
		result[i].StatusHistory = historyOf(histories, result[i].ID)
	}
	return result, nil
}

func (s *PgCaseStore) loadHistory(ctx context.Context, caseIDs []string) (map[string][]model.Status, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT case_id, status, set_at
		FROM case_status_history
		WHERE case_id = ANY($1)
		ORDER BY case_id, seq ASC`,
		caseIDs,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query status history")
	}
	defer rows.Close()

	out := make(map[string][]model.Status, len(caseIDs))
	for rows.Next() {
		var caseID string
		var st model.Status
		if err := rows.Scan(&caseID, &st.Name, &st.SetAt); err != nil {
			return nil, errors.Wrap(err, "scan status history")
		}
		out[caseID] = append(out[caseID], st)
	}
	return out, rows.Err()
}

// historyOf returns the history of caseID, empty rather than nil for a case
// that never changed status.
func historyOf(histories map[string][]model.Status, caseID string) []model.Status {
	if h := histories[caseID]; h != nil {
		return h
	}
	return []model.Status{}
}

// appendHistory inserts history entries by sequence number. Entries that
// already exist are left untouched.
func appendHistory(ctx context.Context, tx pgx.Tx, c model.Case) error {
	if len(c.StatusHistory) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for seq, st := range c.StatusHistory {
		batch.Queue(`
			INSERT INTO case_status_history (case_id, seq, status, set_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (case_id, seq) DO NOTHING`,
			c.ID, seq, st.Name, st.SetAt,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return errors.Wrap(err, "insert status history")
	}
	return nil
}

func scanCase(row pgx.Row) (model.Case, error) {
	var c model.Case
	var externalID *string
	var submission []byte
	if err := row.Scan(
		&c.ID, &c.CaseDefinitionID, &c.UserID, &externalID, &submission,
		&c.Status.Name, &c.Status.SetAt, &c.CreatedOn, &c.UpdatedAt, &c.Version,
	); err != nil {
		return model.Case{}, err
	}
	if externalID != nil {
		c.ExternalID = *externalID
	}
	if submission != nil {
		if err := json.Unmarshal(submission, &c.Submission); err != nil {
			return model.Case{}, errors.Wrap(err, "unmarshal submission")
		}
	}
	return c, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
