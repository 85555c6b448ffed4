// Package store implements the JobStore from spec.md §5.1 (M1): durable
// persistence of jobs, executions and window claims. It is grounded on
// the teacher's internal/model.sqlJobStorage transact/getJobBy/updateJobs
// idiom, generalized to two backends (Postgres via lib/pq, SQLite via
// mattn/go-sqlite3) behind a shared Store interface, and on
// original_source/daemon/src/migrations.rs's forward-only numbered
// migration runner.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lunasched/lunasched/internal/errs"
	"github.com/lunasched/lunasched/internal/model"
)

// Store is the full persistence surface the daemon depends on.
type Store interface {
	JobStore
	ExecutionStore
	WindowStore
	// RecoverStaleExecutions marks any execution left Pending, Running or
	// Retrying by a previous process (crash recovery) as Cancelled with reason
	// CancelOperator, spec.md §6 edge case "daemon crash mid-execution".
	RecoverStaleExecutions(ctx context.Context) (int, error)
	Close() error
}

// JobStore is CRUD over job definitions.
type JobStore interface {
	CreateJob(ctx context.Context, job model.Job) error
	UpdateJob(ctx context.Context, job model.Job) error
	DeleteJob(ctx context.Context, name string) error
	GetJob(ctx context.Context, name string) (model.Job, error)
	ListJobs(ctx context.Context) ([]model.Job, error)
}

// ExecutionStore is CRUD/append over execution history.
type ExecutionStore interface {
	InsertExecution(ctx context.Context, exec model.Execution) error
	UpdateExecution(ctx context.Context, exec model.Execution) error
	GetExecution(ctx context.Context, executionID string) (model.Execution, error)
	HistoryFor(ctx context.Context, jobName string, limit int) ([]model.Execution, error)
	LiveExecutions(ctx context.Context) ([]model.Execution, error)
}

// WindowStore persists WindowLedger claims so at-most-once firing
// survives a daemon restart.
type WindowStore interface {
	ClaimWindow(ctx context.Context, rec model.WindowRecord) (bool, error)
	LastWindow(ctx context.Context, jobName string) (model.WindowRecord, bool, error)
}

// encodeStrings/decodeStrings serialize []string columns as JSON, the way
// migrate_to_v1_impl stores jobs.args and jobs.tags as TEXT.
func encodeStrings(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", errs.New(errs.KindStore, "encode string slice", err)
	}
	return string(b), nil
}

func decodeStrings(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	var v []string
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, errs.New(errs.KindStore, "decode string slice", err)
	}
	return v, nil
}

func encodeMap(v map[string]string) (string, error) {
	if v == nil {
		v = map[string]string{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", errs.New(errs.KindStore, "encode map", err)
	}
	return string(b), nil
}

func decodeMap(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}
	var v map[string]string
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, errs.New(errs.KindStore, "decode map", err)
	}
	return v, nil
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", errs.New(errs.KindStore, "encode json column", err)
	}
	return string(b), nil
}

func decodeJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return errs.New(errs.KindStore, "decode json column", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
