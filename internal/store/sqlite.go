package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lunasched/lunasched/internal/errs"
	"github.com/lunasched/lunasched/internal/model"
)

const sqliteOperationTimeout = 5 * time.Second

// SQLite is a Store backed by mattn/go-sqlite3, grounded on
// sharma-sourabh3435-job-scheduler's use of the same driver for a
// single-file job store, sharing this package's migrations and schema
// with Postgres.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens path (e.g. "file:/var/lib/lunasched/lunasched.db"),
// pings it, and runs pending migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errs.New(errs.KindStore, "open sqlite", err)
	}
	// SQLite serializes writers regardless; a single connection avoids
	// "database is locked" errors under concurrent daemon goroutines.
	db.SetMaxOpenConns(1)
	pingCtx, cancel := context.WithTimeout(ctx, sqliteOperationTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, errs.New(errs.KindStore, "ping sqlite", err)
	}
	if err := migrate(ctx, db, "?, ?"); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) CreateJob(ctx context.Context, job model.Job) error {
	args, env, retryPolicy, limits, hooks, notif, deps, tags, err := encodeJobColumns(job)
	if err != nil {
		return err
	}
	const q = `INSERT INTO jobs (
		name, command, args, run_as_user, env, schedule, timezone, enabled,
		priority, exec_mode, max_concurrent, jitter_seconds, retry_policy,
		resource_limits, hooks, notifications, dependencies, tags,
		created_at, updated_at
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`
	ctx, cancel := context.WithTimeout(ctx, sqliteOperationTimeout)
	defer cancel()
	_, err = s.db.ExecContext(ctx, q,
		job.Name, job.Command, args, job.RunAsUser, env, job.Schedule, job.Timezone, job.Enabled,
		job.PriorityName, job.ExecModeName, job.MaxConcurrent, job.JitterSeconds, retryPolicy,
		limits, hooks, notif, deps, tags, job.CreatedAt.UTC(), job.UpdatedAt.UTC(),
	)
	if err != nil {
		return errs.New(errs.KindStore, "insert job", err)
	}
	return nil
}

func (s *SQLite) UpdateJob(ctx context.Context, job model.Job) error {
	args, env, retryPolicy, limits, hooks, notif, deps, tags, err := encodeJobColumns(job)
	if err != nil {
		return err
	}
	const q = `UPDATE jobs SET command=?, args=?, run_as_user=?, env=?, schedule=?,
		timezone=?, enabled=?, priority=?, exec_mode=?, max_concurrent=?,
		jitter_seconds=?, retry_policy=?, resource_limits=?, hooks=?,
		notifications=?, dependencies=?, tags=?, updated_at=? WHERE name=?`
	ctx, cancel := context.WithTimeout(ctx, sqliteOperationTimeout)
	defer cancel()
	res, err := s.db.ExecContext(ctx, q,
		job.Command, args, job.RunAsUser, env, job.Schedule, job.Timezone, job.Enabled,
		job.PriorityName, job.ExecModeName, job.MaxConcurrent, job.JitterSeconds, retryPolicy,
		limits, hooks, notif, deps, tags, job.UpdatedAt.UTC(), job.Name,
	)
	if err != nil {
		return errs.New(errs.KindStore, "update job", err)
	}
	return checkAffected(res)
}

func (s *SQLite) DeleteJob(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, sqliteOperationTimeout)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE name=?`, name)
	if err != nil {
		return errs.New(errs.KindStore, "delete job", err)
	}
	return checkAffected(res)
}

func (s *SQLite) GetJob(ctx context.Context, name string) (model.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, sqliteOperationTimeout)
	defer cancel()
	row := s.db.QueryRowContext(ctx, jobColumns+` FROM jobs WHERE name=?`, name)
	return scanJobRow(row)
}

func (s *SQLite) ListJobs(ctx context.Context) ([]model.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, sqliteOperationTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, jobColumns+` FROM jobs`)
	if err != nil {
		return nil, errs.New(errs.KindStore, "list jobs", err)
	}
	defer rows.Close()
	return scanJobRows(rows)
}

func (s *SQLite) InsertExecution(ctx context.Context, exec model.Execution) error {
	const q = `INSERT INTO executions (
		execution_id, job_name, attempt, scheduled_at, started_at, finished_at,
		exit_code, spawn_failed, state, cancel_reason, stdout_tail, stderr_tail, parent_execution_id
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`
	ctx, cancel := context.WithTimeout(ctx, sqliteOperationTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, q,
		exec.ExecutionID, exec.JobName, exec.Attempt, exec.ScheduledAt.UTC(),
		nullableTime(exec.StartedAt), nullableTime(exec.FinishedAt), exec.ExitCode, exec.SpawnFailed,
		exec.State.String(), string(exec.CancelReason), exec.StdoutTail, exec.StderrTail, exec.ParentExecutionID,
	)
	if err != nil {
		return errs.New(errs.KindStore, "insert execution", err)
	}
	return nil
}

func (s *SQLite) UpdateExecution(ctx context.Context, exec model.Execution) error {
	const q = `UPDATE executions SET started_at=?, finished_at=?, exit_code=?,
		spawn_failed=?, state=?, cancel_reason=?, stdout_tail=?, stderr_tail=?
		WHERE execution_id=?`
	ctx, cancel := context.WithTimeout(ctx, sqliteOperationTimeout)
	defer cancel()
	res, err := s.db.ExecContext(ctx, q,
		nullableTime(exec.StartedAt), nullableTime(exec.FinishedAt), exec.ExitCode,
		exec.SpawnFailed, exec.State.String(), string(exec.CancelReason), exec.StdoutTail, exec.StderrTail,
		exec.ExecutionID,
	)
	if err != nil {
		return errs.New(errs.KindStore, "update execution", err)
	}
	return checkAffected(res)
}

func (s *SQLite) GetExecution(ctx context.Context, executionID string) (model.Execution, error) {
	ctx, cancel := context.WithTimeout(ctx, sqliteOperationTimeout)
	defer cancel()
	row := s.db.QueryRowContext(ctx, execColumns+` FROM executions WHERE execution_id=?`, executionID)
	return scanExecRow(row)
}

func (s *SQLite) HistoryFor(ctx context.Context, jobName string, limit int) ([]model.Execution, error) {
	ctx, cancel := context.WithTimeout(ctx, sqliteOperationTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx,
		execColumns+` FROM executions WHERE job_name=? ORDER BY scheduled_at DESC LIMIT ?`, jobName, limit)
	if err != nil {
		return nil, errs.New(errs.KindStore, "history for job", err)
	}
	defer rows.Close()
	return scanExecRows(rows)
}

func (s *SQLite) LiveExecutions(ctx context.Context) ([]model.Execution, error) {
	ctx, cancel := context.WithTimeout(ctx, sqliteOperationTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx,
		execColumns+` FROM executions WHERE state IN ('pending','running','retrying')`)
	if err != nil {
		return nil, errs.New(errs.KindStore, "list live executions", err)
	}
	defer rows.Close()
	return scanExecRows(rows)
}

// ClaimWindow inserts one (job_name, window_key) row and never overwrites
// an existing one: the composite primary key is the uniqueness guarantee
// itself, so a claim is granted exactly once per window, ever, and every
// window row survives until an operator purge, spec.md §3's Lifecycle
// invariant.
func (s *SQLite) ClaimWindow(ctx context.Context, rec model.WindowRecord) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, sqliteOperationTimeout)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `INSERT INTO windows (job_name, window_key, execution_id, fired_at)
		VALUES (?,?,?,?)
		ON CONFLICT (job_name, window_key) DO NOTHING`,
		rec.JobName, rec.WindowKey, rec.ExecutionID, rec.FiredAt.UTC())
	if err != nil {
		return false, errs.New(errs.KindStore, "claim window", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errs.New(errs.KindStore, "claim window rows affected", err)
	}
	return n > 0, nil
}

// LastWindow returns the most recently fired window for jobName, a
// separate lookup from the uniqueness check ClaimWindow performs, since a
// job now accumulates one row per window rather than a single
// most-recent slot.
func (s *SQLite) LastWindow(ctx context.Context, jobName string) (model.WindowRecord, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, sqliteOperationTimeout)
	defer cancel()
	row := s.db.QueryRowContext(ctx, `SELECT job_name, window_key, execution_id, fired_at FROM windows
		WHERE job_name=? ORDER BY fired_at DESC LIMIT 1`, jobName)
	var rec model.WindowRecord
	if err := row.Scan(&rec.JobName, &rec.WindowKey, &rec.ExecutionID, &rec.FiredAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.WindowRecord{}, false, nil
		}
		return model.WindowRecord{}, false, errs.New(errs.KindStore, "last window", err)
	}
	return rec, true, nil
}

// RecoverStaleExecutions demotes any execution left non-terminal by a
// prior process, grounded on sqlJobStorage.init's ResetState repair pass.
func (s *SQLite) RecoverStaleExecutions(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, sqliteOperationTimeout)
	defer cancel()
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET state=?, cancel_reason=?, finished_at=?
		 WHERE state IN ('pending','running','retrying')`,
		model.StateCancelled.String(), string(model.CancelOperator), time.Now().UTC())
	if err != nil {
		return 0, errs.New(errs.KindStore, "recover stale executions", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errs.New(errs.KindStore, "recover stale executions rows affected", err)
	}
	return int(n), nil
}

func encodeJobColumns(job model.Job) (args, env, retryPolicy, limits, hooks, notif, deps, tags string, err error) {
	if args, err = encodeStrings(job.Args); err != nil {
		return
	}
	if env, err = encodeMap(job.Env); err != nil {
		return
	}
	if retryPolicy, err = encodeJSON(job.RetryPolicy); err != nil {
		return
	}
	if limits, err = encodeJSON(job.ResourceLimits); err != nil {
		return
	}
	if hooks, err = encodeJSON(job.Hooks); err != nil {
		return
	}
	if notif, err = encodeJSON(job.Notifications); err != nil {
		return
	}
	if deps, err = encodeStrings(job.Dependencies); err != nil {
		return
	}
	if tags, err = encodeStrings(job.Tags); err != nil {
		return
	}
	return
}
