package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lunasched/lunasched/internal/errs"
)

// migration is one forward-only step, numbered like
// original_source/daemon/src/migrations.rs's migrate_to_vN_impl.
type migration struct {
	version int
	stmts   []string
}

// schema is portable across Postgres and SQLite: no SERIAL/AUTOINCREMENT,
// TEXT primary keys instead of surrogate integer ids, matching the
// domain's natural keys (job name, execution id).
var schema = []migration{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS jobs (
				name TEXT PRIMARY KEY,
				command TEXT NOT NULL,
				args TEXT NOT NULL DEFAULT '[]',
				run_as_user TEXT NOT NULL DEFAULT '',
				env TEXT NOT NULL DEFAULT '{}',
				schedule TEXT NOT NULL,
				timezone TEXT NOT NULL DEFAULT '',
				enabled BOOLEAN NOT NULL DEFAULT TRUE,
				priority TEXT NOT NULL DEFAULT 'normal',
				exec_mode TEXT NOT NULL DEFAULT 'sequential',
				max_concurrent INTEGER NOT NULL DEFAULT 0,
				jitter_seconds INTEGER NOT NULL DEFAULT 0,
				retry_policy TEXT NOT NULL DEFAULT '{}',
				resource_limits TEXT NOT NULL DEFAULT '{}',
				hooks TEXT NOT NULL DEFAULT '{}',
				notifications TEXT NOT NULL DEFAULT '{}',
				dependencies TEXT NOT NULL DEFAULT '[]',
				tags TEXT NOT NULL DEFAULT '[]',
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL
			)`,
		},
	},
	{
		version: 2,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS executions (
				execution_id TEXT PRIMARY KEY,
				job_name TEXT NOT NULL,
				attempt INTEGER NOT NULL DEFAULT 1,
				scheduled_at TIMESTAMP NOT NULL,
				started_at TIMESTAMP,
				finished_at TIMESTAMP,
				exit_code INTEGER NOT NULL DEFAULT 0,
				spawn_failed BOOLEAN NOT NULL DEFAULT FALSE,
				state TEXT NOT NULL,
				cancel_reason TEXT NOT NULL DEFAULT '',
				stdout_tail TEXT NOT NULL DEFAULT '',
				stderr_tail TEXT NOT NULL DEFAULT '',
				parent_execution_id TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX IF NOT EXISTS idx_executions_job_name ON executions(job_name)`,
			`CREATE INDEX IF NOT EXISTS idx_executions_state ON executions(state)`,
		},
	},
	{
		version: 3,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS windows (
				job_name TEXT NOT NULL,
				window_key TEXT NOT NULL,
				execution_id TEXT NOT NULL,
				fired_at TIMESTAMP NOT NULL,
				PRIMARY KEY (job_name, window_key)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_windows_job_name ON windows(job_name)`,
		},
	},
}

// migrate applies every migration newer than the current schema_version,
// grounded on Migrator.run_migrations/migrate_from's version-tracking loop.
// recordVersion inserts one (version, applied_at) row using the caller's
// placeholder dialect ("?" for SQLite, "$1"/"$2" for Postgres).
func migrate(ctx context.Context, db *sql.DB, recordVersion string) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMP
	)`); err != nil {
		return errs.New(errs.KindStore, "create schema_version table", err)
	}

	var current int
	row := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&current); err != nil {
		return errs.New(errs.KindStore, "read schema version", err)
	}

	for _, m := range schema {
		if m.version <= current {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return errs.New(errs.KindStore, "begin migration transaction", err)
		}
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return errs.New(errs.KindStore, fmt.Sprintf("apply migration %d", m.version), err)
			}
		}
		insertVersion := fmt.Sprintf(`INSERT INTO schema_version (version, applied_at) VALUES (%s)`, recordVersion)
		if _, err := tx.ExecContext(ctx, insertVersion, m.version, time.Now().UTC()); err != nil {
			tx.Rollback()
			return errs.New(errs.KindStore, fmt.Sprintf("record migration %d", m.version), err)
		}
		if err := tx.Commit(); err != nil {
			return errs.New(errs.KindStore, fmt.Sprintf("commit migration %d", m.version), err)
		}
	}
	return nil
}
