package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"loom/internal/logging"

	"github.com/google/uuid"
)

// Task is one queued stage invocation. A stage chaining to the next stage
// enqueues a task instead of calling an HTTP endpoint on itself; the worker
// pool owns execution, retry, and dead-lettering.
type Task struct {
	ID          string
	Stage       string
	RecordID    string
	UnrefinedID string
	Attempts    int
	NotBefore   time.Time
	CreatedAt   time.Time
}

// EnqueueTask appends a stage task ready for immediate execution.
func (s *Store) EnqueueTask(ctx context.Context, stage, recordID, unrefinedID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &Task{
		ID:          uuid.NewString(),
		Stage:       stage,
		RecordID:    recordID,
		UnrefinedID: unrefinedID,
		NotBefore:   time.Now().UTC(),
		CreatedAt:   time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stage_tasks (id, stage, record_id, unrefined_id, not_before, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.Stage, t.RecordID, t.UnrefinedID, t.NotBefore, t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue %s task: %w", stage, err)
	}

	logging.Queue("Enqueued %s task %s (record=%q buffer=%q)", stage, t.ID, recordID, unrefinedID)
	return t, nil
}

// ClaimTask atomically claims the oldest ready task. Returns nil when the
// queue is empty. The claimed flag serializes workers; a claimed task is
// either deleted on success or released with a backoff on failure.
func (s *Store) ClaimTask(ctx context.Context) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, `
		UPDATE stage_tasks SET claimed = 1
		WHERE id = (
			SELECT id FROM stage_tasks
			WHERE claimed = 0 AND not_before <= ?
			ORDER BY created_at ASC LIMIT 1
		)
		RETURNING id, stage, COALESCE(record_id, ''), COALESCE(unrefined_id, ''), attempts, not_before, created_at`,
		time.Now().UTC())

	var t Task
	err := row.Scan(&t.ID, &t.Stage, &t.RecordID, &t.UnrefinedID, &t.Attempts, &t.NotBefore, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}
	return &t, nil
}

// RecoverTasks releases tasks left claimed by a dead process so the pool can
// pick them up again. Runs once at queue startup, before any worker claims.
// Returns the number of tasks recovered.
func (s *Store) RecoverTasks(ctx context.Context, notBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE stage_tasks SET claimed = 0, not_before = ? WHERE claimed = 1`,
		notBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to recover claimed tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Queue("Recovered %d orphaned tasks", n)
	}
	return int(n), nil
}

// CompleteTask removes a finished task from the queue.
func (s *Store) CompleteTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM stage_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to complete task %s: %w", id, err)
	}
	return nil
}

// ReleaseTask returns a failed task to the queue with an incremented attempt
// count and a not-before delay.
func (s *Store) ReleaseTask(ctx context.Context, id string, notBefore time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE stage_tasks SET claimed = 0, attempts = attempts + 1, not_before = ? WHERE id = ?`,
		notBefore.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to release task %s: %w", id, err)
	}
	return nil
}

// DeadLetterTask moves an exhausted task to the dead-letter table with its
// last error. Dead letters are kept for manual resubmission.
func (s *Store) DeadLetterTask(ctx context.Context, t *Task, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stage_tasks_dead (id, stage, record_id, unrefined_id, attempts, last_error)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.Stage, t.RecordID, t.UnrefinedID, t.Attempts, lastErr)
	if err != nil {
		return fmt.Errorf("failed to dead-letter task %s: %w", t.ID, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM stage_tasks WHERE id = ?`, t.ID); err != nil {
		return fmt.Errorf("failed to remove dead task %s: %w", t.ID, err)
	}

	logging.Queue("Dead-lettered %s task %s after %d attempts: %s", t.Stage, t.ID, t.Attempts, lastErr)
	return nil
}

// DeadTask is a task that exhausted its attempts.
type DeadTask struct {
	Task
	LastError string
	FailedAt  time.Time
}

// DeadTasks lists dead-lettered tasks, newest first.
func (s *Store) DeadTasks(ctx context.Context, limit int) ([]DeadTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, stage, COALESCE(record_id, ''), COALESCE(unrefined_id, ''), attempts, COALESCE(last_error, ''), failed_at
		 FROM stage_tasks_dead ORDER BY failed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead tasks: %w", err)
	}
	defer rows.Close()

	var out []DeadTask
	for rows.Next() {
		var d DeadTask
		if err := rows.Scan(&d.ID, &d.Stage, &d.RecordID, &d.UnrefinedID, &d.Attempts, &d.LastError, &d.FailedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// PendingTasks returns the number of unclaimed tasks, for stats and tests.
func (s *Store) PendingTasks(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stage_tasks WHERE claimed = 0`).Scan(&n)
	return n, err
}
