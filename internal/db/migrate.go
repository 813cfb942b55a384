// Package db provides database schema migration management.
package db

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is the ordered, embedded migration list. Append only; applied
// steps are checksummed and must never change.
var migrations = []Migration{
	{
		Version:     1,
		Description: "entity tables",
		SQL: `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	color TEXT NOT NULL DEFAULT '',
	rank TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	deleted_at INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	parent_id TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	stage TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'open',
	rank TEXT NOT NULL DEFAULT '',
	tags TEXT NOT NULL DEFAULT '',
	pos_x REAL NOT NULL DEFAULT 0,
	pos_y REAL NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	deleted_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);
CREATE TABLE IF NOT EXISTS connections (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	from_task_id TEXT NOT NULL,
	to_task_id TEXT NOT NULL,
	label TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	deleted_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_connections_project ON connections(project_id);`,
	},
	{
		Version:     2,
		Description: "sync metadata",
		SQL: `
CREATE TABLE IF NOT EXISTS watermarks (
	domain TEXT PRIMARY KEY,
	timestamp INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS tombstones (
	entity_id TEXT PRIMARY KEY,
	entity_type TEXT NOT NULL,
	project_id TEXT NOT NULL,
	deleted_at INTEGER NOT NULL,
	deleted_by TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_tombstones_project ON tombstones(project_id);`,
	},
	{
		Version:     3,
		Description: "queue state",
		SQL: `
CREATE TABLE IF NOT EXISTS action_queue (
	id TEXT PRIMARY KEY,
	seq INTEGER NOT NULL,
	type TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	project_id TEXT NOT NULL,
	payload TEXT NOT NULL,
	priority TEXT NOT NULL DEFAULT 'normal',
	status TEXT NOT NULL DEFAULT 'pending',
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 5,
	next_retry_at INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_action_queue_entity ON action_queue(entity_id);
CREATE TABLE IF NOT EXISTS dead_letters (
	id TEXT PRIMARY KEY,
	action TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	code TEXT NOT NULL DEFAULT '',
	failed_at INTEGER NOT NULL
);`,
	},
}

// Migrator handles database schema migrations.
type Migrator struct {
	db *sql.DB
}

// NewMigrator creates a new Migrator instance.
func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`
	_, err := m.db.Exec(query)
	return err
}

// CurrentVersion returns the current schema version.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// checksum computes the sha256 hex digest of a migration's SQL.
func checksum(sqlText string) string {
	sum := sha256.Sum256([]byte(sqlText))
	return hex.EncodeToString(sum[:])
}

// Migrate applies all pending migrations in order, each in its own
// transaction. Already-applied migrations are verified against their
// recorded checksum; a mismatch aborts rather than silently diverging.
func (m *Migrator) Migrate() error {
	if err := m.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize migrations table: %w", err)
	}

	current, err := m.CurrentVersion()
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, mig := range migrations {
		if mig.Version <= current {
			if err := m.verifyChecksum(mig); err != nil {
				return err
			}
			continue
		}

		if err := m.apply(mig); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", mig.Version, mig.Description, err)
		}
	}

	return nil
}

// verifyChecksum ensures an applied migration's SQL has not changed.
func (m *Migrator) verifyChecksum(mig Migration) error {
	var recorded string
	err := m.db.QueryRow(
		"SELECT checksum FROM schema_migrations WHERE version = ?", mig.Version,
	).Scan(&recorded)
	if err == sql.ErrNoRows {
		// Version counter moved past a step we never recorded; treat as
		// applied by an older build without checksums.
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read checksum for migration %d: %w", mig.Version, err)
	}
	if recorded != checksum(mig.SQL) {
		return fmt.Errorf("migration %d checksum mismatch: schema drifted", mig.Version)
	}
	return nil
}

// apply runs a single migration inside a transaction.
func (m *Migrator) apply(mig Migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(mig.SQL); err != nil {
		return err
	}

	_, err = tx.Exec(
		"INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
		mig.Version, time.Now().Unix(), mig.Description, checksum(mig.SQL),
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}
