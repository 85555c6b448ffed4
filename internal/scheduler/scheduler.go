// Package scheduler implements the Scheduler (T1) from spec.md §5.3:
// the tick loop that finds due jobs, claims their firing window, checks
// dependencies, and hands each admitted execution to the Dispatcher. It
// is grounded on the teacher's internal/scheduler.Scheduler goroutine +
// sync.WaitGroup structure (Start spawning startDueJobs/monitorDone),
// generalized from a single fixed-interval poll over one job table to a
// per-job schedule.Expr cache with an injectable clock.Clock so the
// end-to-end timing scenarios in spec.md §8 are deterministically
// testable.
package scheduler

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/google/uuid"

	"github.com/lunasched/lunasched/internal/clock"
	"github.com/lunasched/lunasched/internal/ledger"
	"github.com/lunasched/lunasched/internal/metrics"
	"github.com/lunasched/lunasched/internal/model"
	"github.com/lunasched/lunasched/internal/schedule"
	"github.com/lunasched/lunasched/internal/store"
)

// WorkItem is one admitted, dependency-satisfied firing handed to the
// Dispatcher.
type WorkItem struct {
	Job         model.Job
	ExecutionID string
	ScheduledAt time.Time
	Attempt     uint32
	// ParentExecutionID is set on a retry to the ExecutionID of the
	// attempt it is retrying. A retry shares ScheduledAt with attempt 1
	// and only ever increments Attempt; it never claims a new window.
	ParentExecutionID string
}

// jobState caches the parsed schedule and the next time it fires, so the
// tick loop doesn't reparse Job.Schedule every tick.
type jobState struct {
	job    model.Job
	expr   schedule.Expr
	nextAt time.Time
}

// Scheduler polls Store for job definitions, advances each job's
// schedule.Expr, and pushes WorkItems to Out once a window is claimed and
// dependencies are satisfied.
type Scheduler struct {
	store  store.Store
	ledger ledger.Ledger
	clock  clock.Clock
	tick   time.Duration
	// Slack bounds how far in the past a missed fire (e.g. after a
	// restart) may still be caught up; zero disables catch-up replay
	// entirely, spec.md §9 open question resolution.
	Slack time.Duration
	Out   chan WorkItem

	// Metrics is optional; when set, runTick counts each loop iteration.
	Metrics *metrics.Registry

	mu   sync.Mutex
	jobs map[string]*jobState

	stopWg sync.WaitGroup
}

// New builds a Scheduler polling every tick, writing admitted work to a
// buffered channel of size 256.
func New(st store.Store, ldg ledger.Ledger, clk clock.Clock, tick time.Duration) *Scheduler {
	return &Scheduler{
		store:  st,
		ledger: ldg,
		clock:  clk,
		tick:   tick,
		Out:    make(chan WorkItem, 256),
		jobs:   make(map[string]*jobState),
	}
}

// Start loads jobs, then runs the tick loop until ctx is cancelled,
// mirroring the teacher's Start(ctx) -> go skd.startDueJobs(ctx); stopWg.Wait().
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.reload(ctx); err != nil {
		return err
	}
	s.stopWg.Add(1)
	go s.loop(ctx)
	s.stopWg.Wait()
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.stopWg.Done()
	for {
		select {
		case <-ctx.Done():
			close(s.Out)
			return
		case <-s.clock.After(s.tick):
			s.runTick(ctx)
		}
	}
}

// reload refreshes the in-memory job cache from Store, computing an
// initial nextAt for any newly seen job.
func (s *Scheduler) reload(ctx context.Context) error {
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool, len(jobs))
	now := s.clock.Now()
	for _, job := range jobs {
		seen[job.Name] = true
		existing, ok := s.jobs[job.Name]
		if ok && existing.job.Schedule == job.Schedule {
			existing.job = job
			continue
		}
		expr, err := schedule.Parse(job.Schedule)
		if err != nil {
			log.WithFields(log.Fields{"job": job.Name, "error": err}).Error("failed to parse job schedule, skipping")
			continue
		}
		tz, err := schedule.ResolveTimezone(job.Timezone)
		if err != nil {
			log.WithFields(log.Fields{"job": job.Name, "error": err}).Error("failed to resolve job timezone, skipping")
			continue
		}
		next, err := s.initialNextAt(expr, tz, now)
		if err != nil {
			log.WithFields(log.Fields{"job": job.Name, "error": err}).Error("failed to compute next fire time, skipping")
			continue
		}
		s.jobs[job.Name] = &jobState{job: job, expr: expr, nextAt: next}
	}
	for name := range s.jobs {
		if !seen[name] {
			delete(s.jobs, name)
		}
	}
	return nil
}

// runTick admits every job whose nextAt has passed, advancing each one's
// schedule regardless of whether the window was claimable, so a denied
// or duplicate fire never wedges a job's future schedule.
func (s *Scheduler) runTick(ctx context.Context) {
	if s.Metrics != nil {
		s.Metrics.IncSchedulerTick()
	}
	if err := s.reload(ctx); err != nil {
		log.WithFields(log.Fields{"error": err}).Error("failed to reload jobs")
	}

	now := s.clock.Now()
	s.mu.Lock()
	due := make([]*jobState, 0)
	for _, st := range s.jobs {
		if st.job.Enabled && !st.nextAt.After(now) {
			due = append(due, st)
		}
	}
	s.mu.Unlock()

	for _, st := range due {
		s.fire(ctx, st, now)
		s.advance(st, now)
	}
}

// initialNextAt computes the first nextAt for a job reload has just seen
// for the first time (new job, or an existing job whose schedule string
// changed). It mirrors advance()'s Slack-aware catch-up: with Slack
// disabled, a job first seen after its most recent occurrence has already
// passed simply schedules the next future one, but with Slack set, an
// occurrence missed within the last Slack still comes back as due so a
// restarted daemon can catch up on it, spec.md §9 open question
// resolution.
func (s *Scheduler) initialNextAt(expr schedule.Expr, tz *time.Location, now time.Time) (time.Time, error) {
	reference := now
	if s.Slack > 0 {
		reference = now.Add(-s.Slack)
	}
	return expr.NextAfter(reference, tz)
}

func (s *Scheduler) advance(st *jobState, now time.Time) {
	tz, err := schedule.ResolveTimezone(st.job.Timezone)
	if err != nil {
		tz = time.Local
	}
	reference := st.nextAt
	if floor := now.Add(-s.Slack); reference.Before(floor) {
		// No replay of windows older than Slack (with Slack zero, no
		// catch-up at all): skip forward from now-Slack, not from the
		// missed window, so a long-stopped daemon doesn't burst-fire.
		reference = floor
	}
	next, err := st.expr.NextAfter(reference, tz)
	if err != nil {
		log.WithFields(log.Fields{"job": st.job.Name, "error": err}).Error("failed to advance schedule")
		return
	}
	s.mu.Lock()
	st.nextAt = next
	s.mu.Unlock()
}

func (s *Scheduler) fire(ctx context.Context, st *jobState, now time.Time) {
	job := st.job
	subMinute := st.expr.SubMinute()
	windowKey := model.WindowKey(st.nextAt, subMinute)

	executionID := uuid.NewString()
	granted, err := s.ledger.Claim(ctx, job.Name, windowKey, executionID)
	if err != nil {
		log.WithFields(log.Fields{"job": job.Name, "error": err}).Error("failed to claim window")
		return
	}
	if !granted {
		return
	}

	if unmet, dep := s.unmetDependency(ctx, job, now); unmet {
		s.recordCancelled(ctx, job.Name, executionID, st.nextAt, model.CancelDependencyUnmet)
		log.WithFields(log.Fields{"job": job.Name, "dependency": dep}).Warn("dependency unmet, skipping fire")
		return
	}

	item := WorkItem{Job: job, ExecutionID: executionID, ScheduledAt: st.nextAt, Attempt: 1}
	if job.JitterSeconds > 0 {
		go s.dispatchAfterJitter(ctx, item, job.JitterSeconds)
		return
	}
	s.enqueue(ctx, item)
}

// FireNow admits job immediately, bypassing its window claim and
// dependency checks entirely, spec.md §6's operator-triggered
// "StartNow" escape hatch.
func (s *Scheduler) FireNow(ctx context.Context, job model.Job) {
	item := WorkItem{
		Job:         job,
		ExecutionID: uuid.NewString(),
		ScheduledAt: s.clock.Now(),
		Attempt:     1,
	}
	s.enqueue(ctx, item)
}

// dispatchAfterJitter delays admission by a pseudo-random amount within
// [0, jitterSeconds], spec.md §4.3 step 6.
func (s *Scheduler) dispatchAfterJitter(ctx context.Context, item WorkItem, jitterSeconds uint32) {
	delay := time.Duration(jitterSeed(item.ExecutionID)%uint64(jitterSeconds+1)) * time.Second
	select {
	case <-ctx.Done():
		return
	case <-s.clock.After(delay):
		s.enqueue(ctx, item)
	}
}

func (s *Scheduler) enqueue(ctx context.Context, item WorkItem) {
	select {
	case s.Out <- item:
	case <-ctx.Done():
	}
}

// unmetDependency reports whether any of job's Dependencies lacks a
// Succeeded execution whose ScheduledAt falls within the current tick
// window, spec.md §4.3 step 5: a dependency that succeeded once, long
// ago, and hasn't fired since must not permanently satisfy the check
// on every later tick.
func (s *Scheduler) unmetDependency(ctx context.Context, job model.Job, now time.Time) (bool, string) {
	windowStart := now.Add(-s.tick)
	for _, dep := range job.Dependencies {
		hist, err := s.store.HistoryFor(ctx, dep, 1)
		if err != nil || len(hist) == 0 {
			return true, dep
		}
		if hist[0].State != model.StateSucceeded {
			return true, dep
		}
		scheduledAt := hist[0].ScheduledAt
		if scheduledAt.Before(windowStart) || scheduledAt.After(now) {
			return true, dep
		}
	}
	return false, ""
}

func (s *Scheduler) recordCancelled(ctx context.Context, jobName, executionID string, scheduledAt time.Time, reason model.CancelReason) {
	exec := model.Execution{
		ExecutionID:  executionID,
		JobName:      jobName,
		Attempt:      1,
		ScheduledAt:  scheduledAt,
		FinishedAt:   s.clock.Now(),
		State:        model.StateCancelled,
		CancelReason: reason,
	}
	if err := s.store.InsertExecution(ctx, exec); err != nil {
		log.WithFields(log.Fields{"job": jobName, "error": err}).Error("failed to record cancelled execution")
	}
}

// jitterSeed derives a deterministic pseudo-random offset from the
// execution ID, avoiding math/rand's global state so ordering across
// concurrently fired jobs stays reproducible in tests.
func jitterSeed(executionID string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(executionID); i++ {
		h ^= uint64(executionID[i])
		h *= 1099511628211
	}
	return h
}
