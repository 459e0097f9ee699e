package store

import (
	"context"
	"fmt"
	"time"

	"loom/internal/logging"
)

// CollectedBatch is one raw harvest from the upstream collector.
type CollectedBatch struct {
	ID        int64
	Content   string
	CreatedAt time.Time
}

// AppendCollected stores a collected batch for the context producers.
func (s *Store) AppendCollected(ctx context.Context, content string) (*CollectedBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO collected_batches (content, created_at) VALUES (?, ?)`, content, now)
	if err != nil {
		return nil, fmt.Errorf("failed to append collected batch: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	logging.Store("Appended collected batch #%d (%d bytes)", id, len(content))
	return &CollectedBatch{ID: id, Content: content, CreatedAt: now}, nil
}

// LatestCollected returns the most recent n collected batches, newest first.
func (s *Store) LatestCollected(ctx context.Context, n int) ([]CollectedBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 {
		n = 1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, created_at FROM collected_batches ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch collected batches: %w", err)
	}
	defer rows.Close()

	var out []CollectedBatch
	for rows.Next() {
		var b CollectedBatch
		if err := rows.Scan(&b.ID, &b.Content, &b.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
