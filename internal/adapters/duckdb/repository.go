package duckdb

import (
	"database/sql"
	"fmt"

	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/manthysbr/forgeOS/internal/core/ports"
)

// Repository is the DuckDB-backed implementation of all four scheduler
// stores. One connection pool, one schema, four tables.
type Repository struct {
	db *sql.DB
}

func NewRepository(path string) (*Repository, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb: %w", err)
	}

	r := &Repository{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return r, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

// Interface conformance
var (
	_ ports.WorkOrderStore       = (*Repository)(nil)
	_ ports.OperationStore       = (*Repository)(nil)
	_ ports.StoryStore           = (*Repository)(nil)
	_ ports.CompletionTokenStore = (*Repository)(nil)
)

func (r *Repository) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS work_orders (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL,
		title TEXT NOT NULL,
		goal_md TEXT NOT NULL,
		priority TEXT NOT NULL DEFAULT 'P2',
		owner TEXT NOT NULL DEFAULT 'system',
		tags TEXT NOT NULL DEFAULT '[]',
		workflow_id TEXT,
		status TEXT NOT NULL DEFAULT 'created',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS operations (
		id TEXT PRIMARY KEY,
		work_order_id TEXT NOT NULL,
		workflow_id TEXT NOT NULL,
		stage_index INTEGER NOT NULL,
		exec_type TEXT NOT NULL,
		loop_config TEXT,
		current_story_id TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 2,
		claimed_by TEXT,
		claim_expires_at TIMESTAMP,
		last_claimed_at TIMESTAMP,
		timeout_count INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS operation_stories (
		id TEXT PRIMARY KEY,
		operation_id TEXT NOT NULL,
		work_order_id TEXT NOT NULL,
		story_index INTEGER NOT NULL,
		story_key TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		acceptance TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL DEFAULT 'pending',
		output TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 2,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (operation_id, story_index)
	);

	CREATE TABLE IF NOT EXISTS completion_tokens (
		token TEXT PRIMARY KEY,
		operation_id TEXT NOT NULL,
		work_order_id TEXT,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_operations_status ON operations(status);
	CREATE INDEX IF NOT EXISTS idx_operations_claim_expires ON operations(claim_expires_at);
	CREATE INDEX IF NOT EXISTS idx_operations_work_order ON operations(work_order_id);
	CREATE INDEX IF NOT EXISTS idx_stories_operation ON operation_stories(operation_id);
	`

	_, err := r.db.Exec(schema)
	return err
}
