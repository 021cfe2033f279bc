package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// migrations run in order inside one transaction each. Never edit a
// shipped entry; append a new version instead.
var migrations = []struct {
	version int
	stmts   []string
}{
	{1, []string{
		`CREATE TABLE IF NOT EXISTS tickets (
			id TEXT PRIMARY KEY,
			duplicate_guard TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 2 CHECK (priority BETWEEN 0 AND 4),
			error_type TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			stack_trace TEXT NOT NULL DEFAULT '',
			run_label TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'OPEN'
				CHECK (status IN ('OPEN','IN_PROGRESS','COMPLETED')),
			deleted INTEGER NOT NULL DEFAULT 0,
			deleted_at DATETIME,
			locked_by TEXT,
			locked_at DATETIME,
			lease_expires DATETIME,
			completion_notes TEXT NOT NULL DEFAULT '',
			test_steps TEXT NOT NULL DEFAULT '',
			test_results TEXT NOT NULL DEFAULT '',
			completion_summary TEXT NOT NULL DEFAULT '',
			completion_verified_by TEXT,
			completion_verified_at DATETIME,
			format_version INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		// Uniqueness holds among live rows only; a recovered ticket may
		// collide with a newer live one, which recovery must surface.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tickets_guard_live
			ON tickets(duplicate_guard) WHERE deleted = 0`,
		`CREATE INDEX IF NOT EXISTS idx_tickets_dispatch
			ON tickets(deleted, status, priority, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tickets_lease ON tickets(lease_expires)`,
		`CREATE TABLE IF NOT EXISTS database_audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL,
			table_name TEXT NOT NULL,
			operation TEXT NOT NULL CHECK (operation IN ('INSERT','UPDATE','DELETE')),
			record_id TEXT NOT NULL,
			user_context TEXT NOT NULL DEFAULT 'system',
			old_values TEXT,
			new_values TEXT,
			change_description TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_record
			ON database_audit_log(record_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_time ON database_audit_log(timestamp)`,
		`CREATE TABLE IF NOT EXISTS fallback_queue (
			entry_id TEXT PRIMARY KEY,
			operation TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'PENDING'
				CHECK (status IN ('PENDING','REPLAYED','EXHAUSTED'))
		)`,
		`CREATE TABLE IF NOT EXISTS quarantine (
			entry_id TEXT PRIMARY KEY,
			original_source TEXT NOT NULL,
			reason TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			quarantined_at DATETIME NOT NULL
		)`,
	}},
	{2, []string{
		`ALTER TABLE tickets ADD COLUMN owner TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE tickets ADD COLUMN branch TEXT NOT NULL DEFAULT ''`,
	}},
	{3, []string{
		`ALTER TABLE tickets ADD COLUMN checklist_notes INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE tickets ADD COLUMN checklist_steps INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE tickets ADD COLUMN checklist_results INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE tickets ADD COLUMN checklist_summary INTEGER NOT NULL DEFAULT 0`,
	}},
	{4, []string{
		`ALTER TABLE quarantine ADD COLUMN status TEXT NOT NULL DEFAULT 'PENDING'`,
	}},
}

// Migrate brings the schema up to the current version, recording each
// applied step in schema_version. A file written by a newer build is
// refused rather than modified.
func Migrate(ctx context.Context, p *Pool) error {
	if _, err := p.writer.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema ledger: %w", err)
	}

	var current sql.NullInt64
	if err := p.writer.QueryRowContext(ctx,
		`SELECT MAX(version) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	latest := migrations[len(migrations)-1].version
	if current.Valid && int(current.Int64) > latest {
		return fmt.Errorf("store schema version %d is newer than supported %d", current.Int64, latest)
	}

	for _, m := range migrations {
		if current.Valid && m.version <= int(current.Int64) {
			continue
		}
		err := p.WithTransaction(ctx, func(tx *sql.Tx) error {
			for _, stmt := range m.stmts {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("migration %d: %w", m.version, err)
				}
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO schema_version (version, applied_at) VALUES (?, ?)`,
				m.version, time.Now().UTC())
			return err
		})
		if err != nil {
			return err
		}
		p.logger.Info("schema migrated", "version", m.version)
	}
	return nil
}

// SchemaVersion returns the highest applied migration version, or 0 for
// an empty ledger.
func SchemaVersion(ctx context.Context, p *Pool) (int, error) {
	var v sql.NullInt64
	err := p.reader.QueryRowContext(ctx,
		`SELECT MAX(version) FROM schema_version`).Scan(&v)
	if err != nil {
		return 0, err
	}
	return int(v.Int64), nil
}
