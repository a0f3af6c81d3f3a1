// Package storage persists fleet state in SQLite. Each aggregate gets
// its own store type over a shared DB handle; callers pass a context
// per operation and nothing here holds a transaction across stores.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQL database connection
type DB struct {
	*sql.DB
}

// New creates a new database connection
func New(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// WAL mode for better concurrency
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite doesn't handle concurrent writes well
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &DB{db}, nil
}

// Migrate runs database migrations
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		migrationAssociations,
		migrationServerless,
		migrationAttempts,
		migrationBlacklist,
		migrationEvents,
		migrationUsage,
		migrationIndexes,
	}

	for i, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

const migrationAssociations = `
CREATE TABLE IF NOT EXISTS standby_associations (
	gpu_instance_id INTEGER PRIMARY KEY,
	cpu_name TEXT NOT NULL,
	cpu_zone TEXT NOT NULL,
	cpu_host TEXT,
	cpu_port INTEGER NOT NULL DEFAULT 22,
	cpu_user TEXT,
	state TEXT NOT NULL DEFAULT 'provisioning',
	sync_enabled INTEGER NOT NULL DEFAULT 0,
	sync_count INTEGER NOT NULL DEFAULT 0,
	last_sync_at DATETIME,
	last_sync_bytes INTEGER NOT NULL DEFAULT 0,
	failed_health INTEGER NOT NULL DEFAULT 0,
	gpu_failed INTEGER NOT NULL DEFAULT 0,
	failure_reason TEXT NOT NULL DEFAULT '',
	workspace_path TEXT NOT NULL DEFAULT '/workspace',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

const migrationServerless = `
CREATE TABLE IF NOT EXISTS serverless_bindings (
	instance_id INTEGER PRIMARY KEY,
	user_id TEXT NOT NULL DEFAULT '',
	mode TEXT NOT NULL,
	idle_timeout_seconds INTEGER NOT NULL,
	gpu_threshold REAL NOT NULL,
	keep_warm INTEGER NOT NULL DEFAULT 0,
	checkpoint_enabled INTEGER NOT NULL DEFAULT 0,
	destroy_after_seconds INTEGER NOT NULL DEFAULT 0,
	state TEXT NOT NULL DEFAULT 'running',

	scale_down_count INTEGER NOT NULL DEFAULT 0,
	scale_up_count INTEGER NOT NULL DEFAULT 0,
	fallback_count INTEGER NOT NULL DEFAULT 0,
	total_paused_seconds INTEGER NOT NULL DEFAULT 0,
	total_runtime_seconds INTEGER NOT NULL DEFAULT 0,
	total_savings REAL NOT NULL DEFAULT 0,

	last_request DATETIME,
	idle_since DATETIME,
	paused_at DATETIME,
	started_at DATETIME,

	last_checkpoint_id TEXT NOT NULL DEFAULT '',
	disk_id TEXT NOT NULL DEFAULT ''
);
`

const migrationAttempts = `
CREATE TABLE IF NOT EXISTS creation_attempts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	provider TEXT NOT NULL,
	machine_id TEXT NOT NULL,
	offer_id TEXT NOT NULL,
	gpu_type TEXT NOT NULL DEFAULT '',
	price REAL NOT NULL DEFAULT 0,
	attempted_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	success INTEGER NOT NULL DEFAULT 0,
	failure_stage TEXT NOT NULL DEFAULT '',
	failure_reason TEXT NOT NULL DEFAULT '',
	time_to_ready REAL NOT NULL DEFAULT 0,
	instance_id INTEGER NOT NULL DEFAULT 0
);
`

const migrationBlacklist = `
CREATE TABLE IF NOT EXISTS machine_blacklist (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	provider TEXT NOT NULL,
	machine_id TEXT NOT NULL,
	type TEXT NOT NULL DEFAULT 'auto',
	total_attempts INTEGER NOT NULL DEFAULT 0,
	failed_attempts INTEGER NOT NULL DEFAULT 0,
	failure_rate REAL NOT NULL DEFAULT 0,
	last_failure TEXT NOT NULL DEFAULT '',
	gpu_type TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	active INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	expires_at DATETIME,

	UNIQUE (provider, machine_id)
);
`

const migrationEvents = `
CREATE TABLE IF NOT EXISTS fleet_events (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	instance_id INTEGER NOT NULL DEFAULT 0,
	user_id TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	cost_saved REAL NOT NULL DEFAULT 0,
	detail TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

const migrationUsage = `
CREATE TABLE IF NOT EXISTS usage_records (
	instance_id INTEGER PRIMARY KEY,
	provider TEXT NOT NULL DEFAULT '',
	gpu_type TEXT NOT NULL DEFAULT '',
	price_per_hour REAL NOT NULL DEFAULT 0,
	started_at DATETIME NOT NULL,
	stopped_at DATETIME,
	accrued_cost REAL NOT NULL DEFAULT 0,
	accrued_through DATETIME
);
`

const migrationIndexes = `
CREATE INDEX IF NOT EXISTS idx_attempts_machine ON creation_attempts(provider, machine_id);
CREATE INDEX IF NOT EXISTS idx_attempts_attempted_at ON creation_attempts(attempted_at);
CREATE INDEX IF NOT EXISTS idx_blacklist_machine ON machine_blacklist(provider, machine_id);
CREATE INDEX IF NOT EXISTS idx_blacklist_active ON machine_blacklist(active);
CREATE INDEX IF NOT EXISTS idx_events_type ON fleet_events(type);
CREATE INDEX IF NOT EXISTS idx_events_instance ON fleet_events(instance_id);
CREATE INDEX IF NOT EXISTS idx_serverless_state ON serverless_bindings(state);
CREATE INDEX IF NOT EXISTS idx_associations_state ON standby_associations(state);
CREATE INDEX IF NOT EXISTS idx_usage_open ON usage_records(stopped_at);
`
