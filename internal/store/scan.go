package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/lunasched/lunasched/internal/errs"
	"github.com/lunasched/lunasched/internal/model"
)

// row is the minimal surface shared by *sql.Row and *sql.Rows, matching
// the teacher's scanner interface in sql_storage.go.
type row interface {
	Scan(dest ...any) error
}

const jobColumns = `SELECT name, command, args, run_as_user, env, schedule, timezone, enabled,
	priority, exec_mode, max_concurrent, jitter_seconds, retry_policy, resource_limits,
	hooks, notifications, dependencies, tags, created_at, updated_at`

const execColumns = `SELECT execution_id, job_name, attempt, scheduled_at, started_at, finished_at,
	exit_code, spawn_failed, state, cancel_reason, stdout_tail, stderr_tail, parent_execution_id`

func scanJobRow(r row) (model.Job, error) {
	var (
		job                                              model.Job
		args, env, retryPolicy, limits                   string
		hooks, notif, deps, tags                         string
	)
	err := r.Scan(
		&job.Name, &job.Command, &args, &job.RunAsUser, &env, &job.Schedule, &job.Timezone, &job.Enabled,
		&job.PriorityName, &job.ExecModeName, &job.MaxConcurrent, &job.JitterSeconds, &retryPolicy, &limits,
		&hooks, &notif, &deps, &tags, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Job{}, errs.ErrNotFound
		}
		return model.Job{}, errs.New(errs.KindStore, "scan job", err)
	}
	if err := decodeJobColumns(&job, args, env, retryPolicy, limits, hooks, notif, deps, tags); err != nil {
		return model.Job{}, err
	}
	return job, nil
}

func decodeJobColumns(job *model.Job, args, env, retryPolicy, limits, hooks, notif, deps, tags string) error {
	var err error
	if job.Args, err = decodeStrings(args); err != nil {
		return err
	}
	if job.Env, err = decodeMap(env); err != nil {
		return err
	}
	if err = decodeJSON(retryPolicy, &job.RetryPolicy); err != nil {
		return err
	}
	if err = decodeJSON(limits, &job.ResourceLimits); err != nil {
		return err
	}
	if err = decodeJSON(hooks, &job.Hooks); err != nil {
		return err
	}
	if err = decodeJSON(notif, &job.Notifications); err != nil {
		return err
	}
	if job.Dependencies, err = decodeStrings(deps); err != nil {
		return err
	}
	if job.Tags, err = decodeStrings(tags); err != nil {
		return err
	}
	return nil
}

func scanJobRows(rows *sql.Rows) ([]model.Job, error) {
	jobs := make([]model.Job, 0)
	for rows.Next() {
		job, err := scanJobRow(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.New(errs.KindStore, "iterate jobs", err)
	}
	return jobs, nil
}

func scanExecRow(r row) (model.Execution, error) {
	var (
		exec                   model.Execution
		startedAt, finishedAt  *time.Time
		stateName, cancelName  string
	)
	err := r.Scan(
		&exec.ExecutionID, &exec.JobName, &exec.Attempt, &exec.ScheduledAt, &startedAt, &finishedAt,
		&exec.ExitCode, &exec.SpawnFailed, &stateName, &cancelName, &exec.StdoutTail, &exec.StderrTail,
		&exec.ParentExecutionID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Execution{}, errs.ErrNotFound
		}
		return model.Execution{}, errs.New(errs.KindStore, "scan execution", err)
	}
	exec.StartedAt = timeOrZero(startedAt)
	exec.FinishedAt = timeOrZero(finishedAt)
	exec.State, _ = model.ParseState(stateName)
	exec.CancelReason = model.CancelReason(cancelName)
	return exec, nil
}

func scanExecRows(rows *sql.Rows) ([]model.Execution, error) {
	execs := make([]model.Execution, 0)
	for rows.Next() {
		exec, err := scanExecRow(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.New(errs.KindStore, "iterate executions", err)
	}
	return execs, nil
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errs.New(errs.KindStore, "rows affected", err)
	}
	if n == 0 {
		return errs.ErrNotFound
	}
	return nil
}
