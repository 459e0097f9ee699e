// Package counter provides the atomic cycle counter used to gate pipeline
// fan-out. The counter is the only serialization point between concurrent
// scheduler invocations, so every implementation must make Incr atomic.
package counter

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// Well-known counter keys.
const (
	KeyCollectionCycle = "collection_cycle"
	KeyMediumTermCycle = "medium_term_cycle"
)

// Counter is an atomic named-integer store.
type Counter interface {
	// Incr atomically increments the key and returns the new value.
	// A missing key counts from zero.
	Incr(ctx context.Context, key string) (int, error)
	// Get returns the current value, zero if the key is missing.
	Get(ctx context.Context, key string) (int, error)
	// Set overwrites the value. Used for threshold resets.
	Set(ctx context.Context, key string, value int) error
}

// Memory is an in-process Counter for tests and single-node deployments.
type Memory struct {
	mu     sync.Mutex
	values map[string]int
}

// NewMemory creates an empty in-memory counter.
func NewMemory() *Memory {
	return &Memory{values: make(map[string]int)}
}

func (m *Memory) Incr(ctx context.Context, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key]++
	return m.values[key], nil
}

func (m *Memory) Get(ctx context.Context, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[key], nil
}

func (m *Memory) Set(ctx context.Context, key string, value int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

// SQL is a Counter backed by the record store's counters table.
// The single upsert statement keeps Incr atomic under SQLite's write lock.
type SQL struct {
	db *sql.DB
}

// NewSQL wraps an open database. The counters table is created by the
// store migrations.
func NewSQL(db *sql.DB) *SQL {
	return &SQL{db: db}
}

func (s *SQL) Incr(ctx context.Context, key string) (int, error) {
	var value int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO counters (name, value) VALUES (?, 1)
		ON CONFLICT(name) DO UPDATE SET value = value + 1
		RETURNING value`, key).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return value, nil
}

func (s *SQL) Get(ctx context.Context, key string) (int, error) {
	var value int
	err := s.db.QueryRowContext(ctx, `SELECT value FROM counters WHERE name = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

func (s *SQL) Set(ctx context.Context, key string, value int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO counters (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}
