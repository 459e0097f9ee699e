// Package store implements the pipeline record store on SQLite.
// One database holds the pipeline records, the unrefined fan-out buffers,
// the append-only refined context entries, the durable stage task queue,
// and the local counter backend. Every write is independently committed;
// there are no multi-record transactions.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"loom/internal/logging"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/mattn/go-sqlite3"
)

// Sentinel errors surfaced to stage handlers.
var (
	// ErrRecordNotFound means an explicit record id resolved to nothing.
	ErrRecordNotFound = errors.New("record not found")
	// ErrFieldAlreadySet means a stage tried to overwrite a populated column.
	ErrFieldAlreadySet = errors.New("stage field already populated")
	// ErrNoEligibleRecord means default resolution found no record whose
	// upstream fields are populated and whose output field is still empty.
	ErrNoEligibleRecord = errors.New("no eligible record")
	// ErrBufferNotFound means an unrefined buffer id resolved to nothing.
	ErrBufferNotFound = errors.New("unrefined buffer not found")
)

// Store wraps the SQLite database.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// Open initializes the SQLite database at the given path.
// Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.Open")
	defer timer.Stop()

	logging.Store("Opening store at path: %s", path)

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// NORMAL is safe with WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logging.Store("Store ready (records, buffers, refined context, tasks, counters)")
	return s, nil
}

// DB exposes the underlying handle for collaborators that share the
// database (local counter backend, vector search).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Stats reports row counts per table for the stats surface.
func (s *Store) Stats(ctx context.Context) (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := map[string]interface{}{}
	counts := map[string]string{
		"records":   `SELECT COUNT(*) FROM pipeline_records`,
		"completed": `SELECT COUNT(*) FROM pipeline_records WHERE categorization IS NOT NULL`,
		"buffers":   `SELECT COUNT(*) FROM unrefined_buffers`,
		"refined":   `SELECT COUNT(*) FROM refined_context`,
		"collected": `SELECT COUNT(*) FROM collected_batches`,
	}
	for name, q := range counts {
		var n int
		if err := s.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", name, err)
		}
		out[name] = n
	}
	return out, nil
}

// builder returns a squirrel statement builder bound to SQLite placeholders.
func builder() sq.StatementBuilderType {
	return sq.StatementBuilder.PlaceholderFormat(sq.Question)
}
