package store

import (
	"context"
	"fmt"
	"time"

	"loom/internal/logging"
)

// Refined context entry types.
const (
	RefinedShortA = "short_a"
	RefinedShortB = "short_b"
	RefinedMedium = "medium"
)

// RefinedEntry is one immutable distilled context string.
type RefinedEntry struct {
	ID        int64
	Type      string
	Content   string
	CreatedAt time.Time
}

// AppendRefined inserts a refined context entry. Entries are never updated
// or deleted by the pipeline.
func (s *Store) AppendRefined(ctx context.Context, entryType, content string) (*RefinedEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO refined_context (type, content, created_at) VALUES (?, ?, ?)`,
		entryType, content, now)
	if err != nil {
		return nil, fmt.Errorf("failed to append refined %s entry: %w", entryType, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	logging.Refine("Appended refined %s entry #%d (%d bytes)", entryType, id, len(content))
	return &RefinedEntry{ID: id, Type: entryType, Content: content, CreatedAt: now}, nil
}

// LatestRefined returns the most recent n entries of a type, newest first.
// Insertion order is significant: downstream stages always consume the
// newest entries of each type.
func (s *Store) LatestRefined(ctx context.Context, entryType string, n int) ([]RefinedEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 {
		n = 1
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, content, created_at FROM refined_context
		 WHERE type = ? ORDER BY id DESC LIMIT ?`, entryType, n)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch refined %s entries: %w", entryType, err)
	}
	defer rows.Close()

	var entries []RefinedEntry
	for rows.Next() {
		var e RefinedEntry
		if err := rows.Scan(&e.ID, &e.Type, &e.Content, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
