package store

import (
	"fmt"

	"loom/internal/logging"
)

// migrations are applied in order; schema_version tracks the last applied.
var migrations = []string{
	// v1: pipeline records. Stage columns are nullable and written once,
	// left to right, by their owning stage handler.
	`CREATE TABLE IF NOT EXISTS pipeline_records (
		id TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		initial_observation TEXT,
		deep_research TEXT,
		vector_context TEXT,
		fact_checked_research TEXT,
		candidate_angles TEXT,
		selected_angles TEXT,
		categorization TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_records_created ON pipeline_records(created_at);`,

	// v2: unrefined fan-out buffers. ready_mask bit0 = context A committed,
	// bit1 = context B committed; the 0->3 transition fires the join once.
	`CREATE TABLE IF NOT EXISTS unrefined_buffers (
		id TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		context_a_unrefined TEXT,
		context_b_unrefined TEXT,
		ready_mask INTEGER NOT NULL DEFAULT 0,
		joined_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_buffers_created ON unrefined_buffers(created_at);`,

	// v3: refined context entries, append-only, consumed most-recent-first.
	`CREATE TABLE IF NOT EXISTS refined_context (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_refined_type ON refined_context(type, id);`,

	// v4: durable stage task queue plus dead letters.
	`CREATE TABLE IF NOT EXISTS stage_tasks (
		id TEXT PRIMARY KEY,
		stage TEXT NOT NULL,
		record_id TEXT,
		unrefined_id TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		not_before DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		claimed INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_ready ON stage_tasks(claimed, not_before);
	CREATE TABLE IF NOT EXISTS stage_tasks_dead (
		id TEXT PRIMARY KEY,
		stage TEXT NOT NULL,
		record_id TEXT,
		unrefined_id TEXT,
		attempts INTEGER NOT NULL,
		last_error TEXT,
		failed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,

	// v5: local counter backend.
	`CREATE TABLE IF NOT EXISTS counters (
		name TEXT PRIMARY KEY,
		value INTEGER NOT NULL DEFAULT 0
	);`,

	// v6: vector snippets with optional embeddings.
	`CREATE TABLE IF NOT EXISTS vectors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		content TEXT NOT NULL,
		embedding TEXT,
		metadata TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,

	// v7: raw collected batches, the input corpus for the context producers.
	`CREATE TABLE IF NOT EXISTS collected_batches (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		content TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_collected_created ON collected_batches(id);`,
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("failed to create schema_version: %w", err)
	}

	var version int
	row := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for i := version; i < len(migrations); i++ {
		logging.StoreDebug("Applying migration v%d", i+1)
		if _, err := s.db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("migration v%d failed: %w", i+1, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, i+1); err != nil {
			return fmt.Errorf("failed to record migration v%d: %w", i+1, err)
		}
	}

	return nil
}
