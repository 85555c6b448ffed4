package store

import (
	"context"
	"testing"
	"time"

	"github.com/lunasched/lunasched/internal/model"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	st, err := OpenSQLite(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func sampleJob(name string) model.Job {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return model.Job{
		Name:          name,
		Command:       "/bin/echo",
		Args:          []string{"hi"},
		Env:           map[string]string{"FOO": "bar"},
		Schedule:      "every 5m",
		Enabled:       true,
		PriorityName:  "high",
		ExecModeName:  "parallel",
		MaxConcurrent: 4,
		RetryPolicy:   model.RetryPolicy{MaxAttempts: 3, BackoffName: "exponential", InitialDelayS: 1, MaxDelayS: 10},
		Tags:          []string{"nightly", "etl"},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestCreateAndGetJobRoundTrips(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	job := sampleJob("etl-job")

	if err := st.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	got, err := st.GetJob(ctx, "etl-job")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Command != job.Command || got.PriorityName != "high" || got.MaxConcurrent != 4 {
		t.Fatalf("got %+v", got)
	}
	if len(got.Args) != 1 || got.Args[0] != "hi" {
		t.Fatalf("args round-trip failed: %+v", got.Args)
	}
	if got.Env["FOO"] != "bar" {
		t.Fatalf("env round-trip failed: %+v", got.Env)
	}
	if got.RetryPolicy.MaxAttempts != 3 || got.RetryPolicy.BackoffName != "exponential" {
		t.Fatalf("retry policy round-trip failed: %+v", got.RetryPolicy)
	}
}

func TestUpdateJobRejectsUnknownName(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	job := sampleJob("ghost-job")
	if err := st.UpdateJob(ctx, job); err == nil {
		t.Fatal("expected not-found error updating a job that was never created")
	}
}

func TestDeleteJobRemovesIt(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	job := sampleJob("temp-job")
	if err := st.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	if err := st.DeleteJob(ctx, "temp-job"); err != nil {
		t.Fatal(err)
	}
	if _, err := st.GetJob(ctx, "temp-job"); err == nil {
		t.Fatal("expected not-found after delete")
	}
}

func TestListJobsReturnsAll(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	st.CreateJob(ctx, sampleJob("a"))
	st.CreateJob(ctx, sampleJob("b"))
	jobs, err := st.ListJobs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 {
		t.Fatalf("got %d jobs, want 2", len(jobs))
	}
}

func TestExecutionLifecycleRoundTrips(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	st.CreateJob(ctx, sampleJob("etl-job"))

	exec := model.Execution{
		ExecutionID: "exec-1",
		JobName:     "etl-job",
		Attempt:     1,
		ScheduledAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		State:       model.StatePending,
	}
	if err := st.InsertExecution(ctx, exec); err != nil {
		t.Fatalf("InsertExecution: %v", err)
	}

	exec.State = model.StateSucceeded
	exec.ExitCode = 0
	exec.StartedAt = exec.ScheduledAt
	exec.FinishedAt = exec.ScheduledAt.Add(time.Second)
	if err := st.UpdateExecution(ctx, exec); err != nil {
		t.Fatalf("UpdateExecution: %v", err)
	}

	got, err := st.GetExecution(ctx, "exec-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != model.StateSucceeded {
		t.Fatalf("got state %v, want Succeeded", got.State)
	}

	hist, err := st.HistoryFor(ctx, "etl-job", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 {
		t.Fatalf("got %d history rows, want 1", len(hist))
	}
}

func TestRecoverStaleExecutionsCancelsNonTerminal(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	st.CreateJob(ctx, sampleJob("etl-job"))
	st.InsertExecution(ctx, model.Execution{
		ExecutionID: "exec-stale", JobName: "etl-job",
		ScheduledAt: time.Now(), State: model.StateRunning,
	})

	n, err := st.RecoverStaleExecutions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("got %d recovered, want 1", n)
	}

	got, err := st.GetExecution(ctx, "exec-stale")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != model.StateCancelled || got.CancelReason != model.CancelOperator {
		t.Fatalf("got %+v", got)
	}
}

func TestClaimWindowIsAtMostOnce(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	rec := model.WindowRecord{JobName: "etl-job", WindowKey: "2026-01-01T00:00:00Z", ExecutionID: "exec-1", FiredAt: time.Now()}

	granted, err := st.ClaimWindow(ctx, rec)
	if err != nil {
		t.Fatal(err)
	}
	if !granted {
		t.Fatal("first claim should be granted")
	}

	rec2 := rec
	rec2.ExecutionID = "exec-2"
	granted, err = st.ClaimWindow(ctx, rec2)
	if err != nil {
		t.Fatal(err)
	}
	if granted {
		t.Fatal("second claim on the same window must be denied")
	}

	last, ok, err := st.LastWindow(ctx, "etl-job")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || last.ExecutionID != "exec-1" {
		t.Fatalf("got %+v", last)
	}
}

// TestClaimWindowRetainsEveryWindow proves a later window for the same
// job neither overwrites nor is blocked by an earlier one: every
// (job_name, window_key) claim is its own row, so the full firing
// history survives until an operator purge, spec.md §3's Lifecycle
// invariant.
func TestClaimWindowRetainsEveryWindow(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	first := model.WindowRecord{JobName: "etl-job", WindowKey: "2026-01-01T00:00:00Z", ExecutionID: "exec-1", FiredAt: time.Now()}
	second := model.WindowRecord{JobName: "etl-job", WindowKey: "2026-01-01T00:05:00Z", ExecutionID: "exec-2", FiredAt: time.Now().Add(5 * time.Minute)}

	if granted, err := st.ClaimWindow(ctx, first); err != nil || !granted {
		t.Fatalf("first claim: granted=%v err=%v", granted, err)
	}
	if granted, err := st.ClaimWindow(ctx, second); err != nil || !granted {
		t.Fatalf("second, later window must also be granted: granted=%v err=%v", granted, err)
	}

	// A repeat claim of the first window must still be denied even
	// though a later window has since been claimed for the same job.
	replay := first
	replay.ExecutionID = "exec-1-replay"
	if granted, err := st.ClaimWindow(ctx, replay); err != nil || granted {
		t.Fatalf("replaying an already-claimed earlier window must be denied: granted=%v err=%v", granted, err)
	}

	last, ok, err := st.LastWindow(ctx, "etl-job")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || last.ExecutionID != "exec-2" {
		t.Fatalf("LastWindow should report the most recently fired window, got %+v", last)
	}

	var count int
	if err := st.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM windows WHERE job_name = 'etl-job'`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("got %d window rows for etl-job, want 2 (one per claimed window)", count)
	}
}
