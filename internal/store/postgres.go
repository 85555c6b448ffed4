package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/lunasched/lunasched/internal/errs"
	"github.com/lunasched/lunasched/internal/model"
)

const pgOperationTimeout = 5 * time.Second

// Postgres is a Store backed by lib/pq, grounded on the teacher's
// SQLJobStorage.NewSQLJobStorage open-and-ping pattern.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres opens dataSourceName, pings it, and runs pending migrations.
func OpenPostgres(ctx context.Context, dataSourceName string) (*Postgres, error) {
	db, err := sql.Open("postgres", dataSourceName)
	if err != nil {
		return nil, errs.New(errs.KindStore, "open postgres", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, pgOperationTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, errs.New(errs.KindStore, "ping postgres", err)
	}
	if err := migrate(ctx, db, "$1, $2"); err != nil {
		db.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) CreateJob(ctx context.Context, job model.Job) error {
	args, env, retryPolicy, limits, hooks, notif, deps, tags, err := encodeJobColumns(job)
	if err != nil {
		return err
	}

	const q = `INSERT INTO jobs (
		name, command, args, run_as_user, env, schedule, timezone, enabled,
		priority, exec_mode, max_concurrent, jitter_seconds, retry_policy,
		resource_limits, hooks, notifications, dependencies, tags,
		created_at, updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`

	ctx, cancel := context.WithTimeout(ctx, pgOperationTimeout)
	defer cancel()
	_, err = p.db.ExecContext(ctx, q,
		job.Name, job.Command, args, job.RunAsUser, env, job.Schedule, job.Timezone, job.Enabled,
		job.PriorityName, job.ExecModeName, job.MaxConcurrent, job.JitterSeconds, retryPolicy,
		limits, hooks, notif, deps, tags, job.CreatedAt.UTC(), job.UpdatedAt.UTC(),
	)
	if err != nil {
		return errs.New(errs.KindStore, "insert job", err)
	}
	return nil
}

func (p *Postgres) UpdateJob(ctx context.Context, job model.Job) error {
	args, env, retryPolicy, limits, hooks, notif, deps, tags, err := encodeJobColumns(job)
	if err != nil {
		return err
	}

	const q = `UPDATE jobs SET command=$2, args=$3, run_as_user=$4, env=$5, schedule=$6,
		timezone=$7, enabled=$8, priority=$9, exec_mode=$10, max_concurrent=$11,
		jitter_seconds=$12, retry_policy=$13, resource_limits=$14, hooks=$15,
		notifications=$16, dependencies=$17, tags=$18, updated_at=$19 WHERE name=$1`

	ctx, cancel := context.WithTimeout(ctx, pgOperationTimeout)
	defer cancel()
	res, err := p.db.ExecContext(ctx, q,
		job.Name, job.Command, args, job.RunAsUser, env, job.Schedule, job.Timezone, job.Enabled,
		job.PriorityName, job.ExecModeName, job.MaxConcurrent, job.JitterSeconds, retryPolicy,
		limits, hooks, notif, deps, tags, job.UpdatedAt.UTC(),
	)
	if err != nil {
		return errs.New(errs.KindStore, "update job", err)
	}
	return checkAffected(res)
}

func (p *Postgres) DeleteJob(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, pgOperationTimeout)
	defer cancel()
	res, err := p.db.ExecContext(ctx, `DELETE FROM jobs WHERE name=$1`, name)
	if err != nil {
		return errs.New(errs.KindStore, "delete job", err)
	}
	return checkAffected(res)
}

func (p *Postgres) GetJob(ctx context.Context, name string) (model.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, pgOperationTimeout)
	defer cancel()
	row := p.db.QueryRowContext(ctx, jobColumns+` FROM jobs WHERE name=$1`, name)
	return scanJobRow(row)
}

func (p *Postgres) ListJobs(ctx context.Context) ([]model.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, pgOperationTimeout)
	defer cancel()
	rows, err := p.db.QueryContext(ctx, jobColumns+` FROM jobs`)
	if err != nil {
		return nil, errs.New(errs.KindStore, "list jobs", err)
	}
	defer rows.Close()
	return scanJobRows(rows)
}

func (p *Postgres) InsertExecution(ctx context.Context, exec model.Execution) error {
	const q = `INSERT INTO executions (
		execution_id, job_name, attempt, scheduled_at, started_at, finished_at,
		exit_code, spawn_failed, state, cancel_reason, stdout_tail, stderr_tail, parent_execution_id
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`
	ctx, cancel := context.WithTimeout(ctx, pgOperationTimeout)
	defer cancel()
	_, err := p.db.ExecContext(ctx, q,
		exec.ExecutionID, exec.JobName, exec.Attempt, exec.ScheduledAt.UTC(),
		nullableTime(exec.StartedAt), nullableTime(exec.FinishedAt), exec.ExitCode, exec.SpawnFailed,
		exec.State.String(), string(exec.CancelReason), exec.StdoutTail, exec.StderrTail, exec.ParentExecutionID,
	)
	if err != nil {
		return errs.New(errs.KindStore, "insert execution", err)
	}
	return nil
}

func (p *Postgres) UpdateExecution(ctx context.Context, exec model.Execution) error {
	const q = `UPDATE executions SET started_at=$2, finished_at=$3, exit_code=$4,
		spawn_failed=$5, state=$6, cancel_reason=$7, stdout_tail=$8, stderr_tail=$9
		WHERE execution_id=$1`
	ctx, cancel := context.WithTimeout(ctx, pgOperationTimeout)
	defer cancel()
	res, err := p.db.ExecContext(ctx, q,
		exec.ExecutionID, nullableTime(exec.StartedAt), nullableTime(exec.FinishedAt), exec.ExitCode,
		exec.SpawnFailed, exec.State.String(), string(exec.CancelReason), exec.StdoutTail, exec.StderrTail,
	)
	if err != nil {
		return errs.New(errs.KindStore, "update execution", err)
	}
	return checkAffected(res)
}

func (p *Postgres) GetExecution(ctx context.Context, executionID string) (model.Execution, error) {
	ctx, cancel := context.WithTimeout(ctx, pgOperationTimeout)
	defer cancel()
	row := p.db.QueryRowContext(ctx, execColumns+` FROM executions WHERE execution_id=$1`, executionID)
	return scanExecRow(row)
}

func (p *Postgres) HistoryFor(ctx context.Context, jobName string, limit int) ([]model.Execution, error) {
	ctx, cancel := context.WithTimeout(ctx, pgOperationTimeout)
	defer cancel()
	rows, err := p.db.QueryContext(ctx,
		execColumns+` FROM executions WHERE job_name=$1 ORDER BY scheduled_at DESC LIMIT $2`, jobName, limit)
	if err != nil {
		return nil, errs.New(errs.KindStore, "history for job", err)
	}
	defer rows.Close()
	return scanExecRows(rows)
}

func (p *Postgres) LiveExecutions(ctx context.Context) ([]model.Execution, error) {
	ctx, cancel := context.WithTimeout(ctx, pgOperationTimeout)
	defer cancel()
	rows, err := p.db.QueryContext(ctx,
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
func (p *Postgres) ClaimWindow(ctx context.Context, rec model.WindowRecord) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, pgOperationTimeout)
	defer cancel()
	res, err := p.db.ExecContext(ctx, `INSERT INTO windows (job_name, window_key, execution_id, fired_at)
		VALUES ($1,$2,$3,$4)
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
func (p *Postgres) LastWindow(ctx context.Context, jobName string) (model.WindowRecord, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, pgOperationTimeout)
	defer cancel()
	row := p.db.QueryRowContext(ctx, `SELECT job_name, window_key, execution_id, fired_at FROM windows
		WHERE job_name=$1 ORDER BY fired_at DESC LIMIT 1`, jobName)
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
// prior process, grounded on sqlJobStorage.init's ResetState transactional
// repair pass.
func (p *Postgres) RecoverStaleExecutions(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, pgOperationTimeout)
	defer cancel()
	res, err := p.db.ExecContext(ctx,
		`UPDATE executions SET state=$1, cancel_reason=$2, finished_at=$3
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
