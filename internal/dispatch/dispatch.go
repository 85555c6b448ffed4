package dispatch

import (
	"container/heap"
	"context"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/lunasched/lunasched/internal/clock"
	"github.com/lunasched/lunasched/internal/metrics"
	"github.com/lunasched/lunasched/internal/model"
	"github.com/lunasched/lunasched/internal/notify"
	"github.com/lunasched/lunasched/internal/registry"
	"github.com/lunasched/lunasched/internal/retry"
	"github.com/lunasched/lunasched/internal/scheduler"
	"github.com/lunasched/lunasched/internal/store"
)

// Runner launches a job and reports the outcome; production wiring uses
// spawner.Run, tests substitute a fake for determinism.
type Runner func(ctx context.Context, job model.Job) RunResult

// RunResult mirrors the fields of spawner.Result the dispatcher needs,
// decoupling this package from a direct spawner import so Runner can be
// faked in tests without spawning real processes.
type RunResult struct {
	ExitCode    int
	SpawnFailed bool
	TimedOut    bool
	Cancelled   bool
	StdoutTail  string
	StderrTail  string
}

// Dispatcher drains a bounded priority queue into a fixed-size worker
// pool, gating each launch through the ExecutionRegistry and retrying
// failures per internal/retry, spec.md §4.3 steps 7-9 and §4.5.
type Dispatcher struct {
	store    store.Store
	registry *registry.Registry
	notifier *notify.Notifier
	hooks    *notify.HookRunner
	clock    clock.Clock
	run      Runner
	metrics  *metrics.Registry

	capacity int
	sem      chan struct{}

	mu    sync.Mutex
	cond  *sync.Cond
	queue priorityQueue
	max   int
	closed bool

	liveMu sync.Mutex
	live   map[string]context.CancelFunc

	wg sync.WaitGroup
}

// New builds a Dispatcher with workers concurrent execution slots and a
// queue capacity of queueCapacity, evicting the least urgent item under
// backpressure once full.
func New(st store.Store, reg *registry.Registry, notifier *notify.Notifier, hooks *notify.HookRunner, clk clock.Clock, run Runner, workers, queueCapacity int) *Dispatcher {
	d := &Dispatcher{
		store:    st,
		registry: reg,
		notifier: notifier,
		hooks:    hooks,
		clock:    clk,
		run:      run,
		capacity: workers,
		sem:      make(chan struct{}, workers),
		max:      queueCapacity,
		live:     make(map[string]context.CancelFunc),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// WithMetrics attaches a metrics.Registry that process and push record
// against; nil (the default) disables metrics collection.
func (d *Dispatcher) WithMetrics(m *metrics.Registry) *Dispatcher {
	d.metrics = m
	return d
}

// Run feeds admitted WorkItems from in into the queue and drains the
// queue with d.capacity concurrent workers until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, in <-chan scheduler.WorkItem) {
	go d.feed(ctx, in)
	for i := 0; i < d.capacity; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	<-ctx.Done()
	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) feed(ctx context.Context, in <-chan scheduler.WorkItem) {
	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-in:
			if !ok {
				return
			}
			d.push(ctx, work)
		}
	}
}

// push enqueues work, evicting the queue's least urgent entry (and
// recording it Cancelled/BackpressureDropped) if the queue is full,
// spec.md §5.4 backpressure policy.
func (d *Dispatcher) push(ctx context.Context, work scheduler.WorkItem) {
	d.mu.Lock()
	it := &item{work: work}
	if d.max > 0 && d.queue.Len() >= d.max {
		worstIdx, ok := d.queue.lowestPriority()
		if ok {
			cand := priorityQueue{d.queue[worstIdx], it}
			if cand.Less(0, 1) {
				// The queue's worst entry is still more urgent than the
				// incoming item: drop the incoming item instead.
				d.mu.Unlock()
				d.dropBackpressure(ctx, work)
				return
			}
			evicted := heap.Remove(&d.queue, worstIdx).(*item)
			d.mu.Unlock()
			d.dropBackpressure(ctx, evicted.work)
			d.mu.Lock()
		}
	}
	heap.Push(&d.queue, it)
	depth := d.queue.Len()
	d.cond.Signal()
	d.mu.Unlock()
	if d.metrics != nil {
		d.metrics.SetQueueDepth(depth)
	}
}

// Cancel stops the live execution named by executionID, if any is
// currently running, by cancelling its runCtx; the Runner (spawner.Run
// in production) reacts by sending SIGTERM/SIGKILL to the process
// group. Reports whether an execution was found.
func (d *Dispatcher) Cancel(executionID string) bool {
	d.liveMu.Lock()
	cancel, ok := d.live[executionID]
	d.liveMu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

func (d *Dispatcher) dropBackpressure(ctx context.Context, work scheduler.WorkItem) {
	log.WithFields(log.Fields{"job": work.Job.Name}).Warn("dropping execution under backpressure")
	exec := model.Execution{
		ExecutionID:  work.ExecutionID,
		JobName:      work.Job.Name,
		Attempt:      work.Attempt,
		ScheduledAt:  work.ScheduledAt,
		FinishedAt:   d.clock.Now(),
		State:        model.StateCancelled,
		CancelReason: model.CancelBackpressure,
	}
	if err := d.store.InsertExecution(ctx, exec); err != nil {
		log.WithFields(log.Fields{"job": work.Job.Name, "error": err}).Error("failed to record backpressure drop")
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		it, ok := d.pop(ctx)
		if !ok {
			return
		}
		select {
		case d.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		d.process(ctx, it.work)
		<-d.sem
	}
}

func (d *Dispatcher) pop(ctx context.Context) (*item, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.queue.Len() == 0 && !d.closed {
		if ctx.Err() != nil {
			return nil, false
		}
		d.cond.Wait()
	}
	if d.queue.Len() == 0 {
		return nil, false
	}
	it := heap.Pop(&d.queue).(*item)
	depth := d.queue.Len()
	if d.metrics != nil {
		d.metrics.SetQueueDepth(depth)
	}
	return it, true
}

// process gates work through the ExecutionRegistry, runs it, and retries
// on failure per job.RetryPolicy, spec.md §4.3 steps 7-9.
func (d *Dispatcher) process(ctx context.Context, work scheduler.WorkItem) {
	job := work.Job
	gate := d.registry.TryAcquire(job.Name, work.ExecutionID, job.ExecutionMode(), job.EffectiveMaxConcurrent())
	if !gate.Granted {
		exec := model.Execution{
			ExecutionID: work.ExecutionID, JobName: job.Name, Attempt: work.Attempt,
			ScheduledAt: work.ScheduledAt, FinishedAt: d.clock.Now(),
			State: model.StateCancelled, CancelReason: gate.Reason,
		}
		d.store.InsertExecution(ctx, exec)
		return
	}
	defer d.registry.Release(job.Name, work.ExecutionID)

	if d.metrics != nil {
		d.metrics.RecordExecution(job.Name)
	}

	startedAt := d.clock.Now()
	exec := model.Execution{
		ExecutionID: work.ExecutionID, JobName: job.Name, Attempt: work.Attempt,
		ScheduledAt: work.ScheduledAt, StartedAt: startedAt, State: model.StateRunning,
		ParentExecutionID: work.ParentExecutionID,
	}
	d.store.InsertExecution(ctx, exec)

	runCtx, cancel := context.WithCancel(ctx)
	d.liveMu.Lock()
	d.live[work.ExecutionID] = cancel
	d.liveMu.Unlock()

	result := d.run(runCtx, job)
	cancel()
	d.liveMu.Lock()
	delete(d.live, work.ExecutionID)
	d.liveMu.Unlock()

	exec.FinishedAt = d.clock.Now()
	exec.ExitCode = result.ExitCode
	exec.SpawnFailed = result.SpawnFailed
	exec.StdoutTail = result.StdoutTail
	exec.StderrTail = result.StderrTail

	succeeded := !result.SpawnFailed && !result.TimedOut && !result.Cancelled && result.ExitCode == 0
	switch {
	case result.Cancelled:
		exec.State = model.StateCancelled
		exec.CancelReason = model.CancelOperator
	case result.TimedOut:
		exec.State = model.StateTimedOut
	case succeeded:
		exec.State = model.StateSucceeded
	default:
		exec.State = model.StateFailed
	}
	d.store.UpdateExecution(ctx, exec)

	if result.Cancelled {
		return
	}

	if d.metrics != nil {
		if succeeded {
			d.metrics.RecordSuccess(job.Name, uint64(exec.FinishedAt.Sub(startedAt).Milliseconds()))
		} else {
			d.metrics.RecordFailure(job.Name)
		}
	}

	if succeeded {
		d.onSuccess(ctx, job, exec)
		return
	}
	d.onFailure(ctx, job, work, exec)
}

// onSuccess runs the success hook and notification. When job.Hooks.AffectState
// is set and the hook itself errors, the execution already recorded as
// Succeeded is demoted to Failed, spec.md §9's open-question resolution:
// a hook is otherwise fire-and-forget, but an operator can opt a job into
// treating a broken on_success_cmd as the run having failed.
func (d *Dispatcher) onSuccess(ctx context.Context, job model.Job, exec model.Execution) {
	if d.hooks != nil {
		if ran, err := d.hooks.RunSuccess(ctx, job); ran && err != nil {
			log.WithFields(log.Fields{"job": job.Name, "error": err}).Error("on_success_cmd failed")
			if job.Hooks.AffectState {
				exec.State = model.StateFailed
				d.store.UpdateExecution(ctx, exec)
				if d.metrics != nil {
					d.metrics.RecordFailure(job.Name)
				}
			}
		}
	}
	if d.notifier != nil {
		d.notifier.Notify(ctx, job, notify.EventSuccess, "job succeeded", job.Notifications.OnSuccess)
	}
}

func (d *Dispatcher) onFailure(ctx context.Context, job model.Job, work scheduler.WorkItem, exec model.Execution) {
	outcome := retry.Next(job.RetryPolicy, work.Attempt)
	if work.Attempt >= job.RetryPolicy.MaxAttempts {
		// MaxAttempts counts every attempt, the first one included.
		outcome.GiveUp = true
	}
	if outcome.GiveUp {
		if d.hooks != nil {
			// exec is already terminal (Failed or TimedOut) here, so AffectState has
			// nothing further to demote; the error is still logged rather
			// than discarded.
			if ran, err := d.hooks.RunFailure(ctx, job); ran && err != nil {
				log.WithFields(log.Fields{"job": job.Name, "error": err}).Error("on_failure_cmd failed")
			}
		}
		if d.notifier != nil {
			d.notifier.Notify(ctx, job, notify.EventFailure, "job failed, retries exhausted", job.Notifications.OnFailure)
		}
		return
	}

	exec.State = model.StateRetrying
	d.store.UpdateExecution(ctx, exec)

	// A retry shares the original ScheduledAt and does not claim a new
	// window; only Attempt advances, and ParentExecutionID links back
	// to the execution being retried.
	next := scheduler.WorkItem{
		Job:               job,
		ExecutionID:       uuid.NewString(),
		ScheduledAt:       work.ScheduledAt,
		Attempt:           work.Attempt + 1,
		ParentExecutionID: work.ExecutionID,
	}
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-d.clock.After(outcome.Delay):
			d.push(ctx, next)
		}
	}()
}
