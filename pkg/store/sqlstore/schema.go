package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// SchemaVersion is written on first migration. A database carrying an
// incompatible major version is refused.
const SchemaVersion = "1.0.0"

const schemaConstraint = ">= 1.0.0, < 2.0.0"

// ErrSchemaVersion is returned when the stored schema cannot be served.
var ErrSchemaVersion = errors.New("sqlstore: incompatible schema version")

var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id BIGINT PRIMARY KEY,
		owner TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL,
		result TEXT,
		status TEXT NOT NULL,
		budget BIGINT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS jobs_status_idx ON jobs (status, id)`,
	`CREATE INDEX IF NOT EXISTS jobs_owner_idx ON jobs (owner, id)`,
	`CREATE TABLE IF NOT EXISTS job_sequence (
		name TEXT PRIMARY KEY,
		next_id BIGINT NOT NULL
	)`,
	`INSERT INTO job_sequence (name, next_id) VALUES ('jobs', 0) ON CONFLICT (name) DO NOTHING`,
	`CREATE TABLE IF NOT EXISTS assignments (
		job_id BIGINT PRIMARY KEY,
		worker TEXT NOT NULL,
		active BOOLEAN NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS assignments_active_worker_idx ON assignments (worker) WHERE active`,
	`CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		balance BIGINT NOT NULL,
		frozen BOOLEAN NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS escrow (
		job_id BIGINT PRIMARY KEY,
		amount BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS journal (
		sequence BIGINT PRIMARY KEY,
		entry_type TEXT NOT NULL,
		job_id BIGINT,
		actor TEXT NOT NULL,
		data TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS schema_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}

// Migrate creates missing tables and checks the stored schema version.
// It is safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlstore: migrate: %w", err)
		}
	}

	var stored string
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT value FROM schema_meta WHERE key = ?`), "schema_version").Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		_, err = s.db.ExecContext(ctx, s.dialect.rebind(`INSERT INTO schema_meta (key, value) VALUES (?, ?)`), "schema_version", SchemaVersion)
		if err != nil {
			return fmt.Errorf("sqlstore: record schema version: %w", err)
		}
		s.logger.Info("schema initialized", "version", SchemaVersion)
		return nil
	}
	if err != nil {
		return fmt.Errorf("sqlstore: read schema version: %w", err)
	}
	return checkSchemaVersion(stored)
}

func checkSchemaVersion(stored string) error {
	constraint, err := semver.NewConstraint(schemaConstraint)
	if err != nil {
		return fmt.Errorf("sqlstore: invalid constraint: %w", err)
	}
	v, err := semver.NewVersion(stored)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrSchemaVersion, stored, err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("%w: database has %s, need %s", ErrSchemaVersion, v, schemaConstraint)
	}
	return nil
}
