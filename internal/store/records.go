package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"loom/internal/logging"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

// Stage output columns, in pipeline order.
const (
	ColInitialObservation  = "initial_observation"
	ColDeepResearch        = "deep_research"
	ColVectorContext       = "vector_context"
	ColFactCheckedResearch = "fact_checked_research"
	ColCandidateAngles     = "candidate_angles"
	ColSelectedAngles      = "selected_angles"
	ColCategorization      = "categorization"
)

// recordColumns is the overwrite-protection whitelist. Column names reach
// SQL text directly, so anything outside this set is rejected.
var recordColumns = map[string]bool{
	ColInitialObservation:  true,
	ColDeepResearch:        true,
	ColVectorContext:       true,
	ColFactCheckedResearch: true,
	ColCandidateAngles:     true,
	ColSelectedAngles:      true,
	ColCategorization:      true,
}

// Record is one in-flight content item. Nil pointers are unwritten columns.
type Record struct {
	ID        string
	CreatedAt time.Time

	InitialObservation  *string
	DeepResearch        *string
	VectorContext       *string
	FactCheckedResearch *string
	CandidateAngles     *string
	SelectedAngles      *string
	Categorization      *string
}

// Field returns the value of a stage column by name.
func (r *Record) Field(column string) (string, bool) {
	var p *string
	switch column {
	case ColInitialObservation:
		p = r.InitialObservation
	case ColDeepResearch:
		p = r.DeepResearch
	case ColVectorContext:
		p = r.VectorContext
	case ColFactCheckedResearch:
		p = r.FactCheckedResearch
	case ColCandidateAngles:
		p = r.CandidateAngles
	case ColSelectedAngles:
		p = r.SelectedAngles
	case ColCategorization:
		p = r.Categorization
	}
	if p == nil {
		return "", false
	}
	return *p, true
}

const recordSelect = `id, created_at, initial_observation, deep_research, vector_context,
	fact_checked_research, candidate_angles, selected_angles, categorization`

func scanRecord(row interface{ Scan(...interface{}) error }) (*Record, error) {
	var r Record
	err := row.Scan(&r.ID, &r.CreatedAt,
		&r.InitialObservation, &r.DeepResearch, &r.VectorContext,
		&r.FactCheckedResearch, &r.CandidateAngles, &r.SelectedAngles, &r.Categorization)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateRecord inserts a fresh pipeline record and returns it.
func (s *Store) CreateRecord(ctx context.Context) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pipeline_records (id, created_at) VALUES (?, ?)`, id, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create record: %w", err)
	}

	logging.Store("Created pipeline record %s", id)
	return &Record{ID: id, CreatedAt: now}, nil
}

// GetRecord fetches a record by id.
func (s *Store) GetRecord(ctx context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordSelect+` FROM pipeline_records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch record %s: %w", id, err)
	}
	return rec, nil
}

// SetRecordField writes a stage output column exactly once. Writing a column
// that is already populated returns ErrFieldAlreadySet; the original value
// is never replaced.
func (s *Store) SetRecordField(ctx context.Context, id, column, value string) error {
	if !recordColumns[column] {
		return fmt.Errorf("unknown stage column %q", column)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE pipeline_records SET %s = ? WHERE id = ? AND %s IS NULL`, column, column),
		value, id)
	if err != nil {
		return fmt.Errorf("failed to write %s on record %s: %w", column, id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either the record is missing or the column is already set.
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM pipeline_records WHERE id = ?`, id).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrRecordNotFound
		}
		return fmt.Errorf("%w: %s on record %s", ErrFieldAlreadySet, column, id)
	}

	logging.StoreDebug("Record %s: %s committed (%d bytes)", id, column, len(value))
	return nil
}

// LatestEligible returns the most recently created record whose upstream
// columns are all populated and whose output column is still empty. This is
// the default resolution path for cron-style triggers that do not name a
// record.
func (s *Store) LatestEligible(ctx context.Context, output string, upstream ...string) (*Record, error) {
	if !recordColumns[output] {
		return nil, fmt.Errorf("unknown stage column %q", output)
	}
	for _, col := range upstream {
		if !recordColumns[col] {
			return nil, fmt.Errorf("unknown stage column %q", col)
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	q := builder().
		Select(recordSelect).
		From("pipeline_records").
		Where(sq.Expr(output + " IS NULL")).
		OrderBy("created_at DESC", "id DESC").
		Limit(1)
	for _, col := range upstream {
		q = q.Where(sq.Expr(col + " IS NOT NULL"))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build eligibility query: %w", err)
	}

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, ErrNoEligibleRecord
	}
	if err != nil {
		return nil, fmt.Errorf("eligibility query failed: %w", err)
	}
	return rec, nil
}
