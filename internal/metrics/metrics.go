// Package metrics collects counters and duration percentiles for the
// daemon and renders them as Prometheus text exposition format for
// internal/httpapi's /metrics endpoint. The atomic-counters-per-key
// idiom is grounded on original_source/daemon/src/metrics.rs's
// MetricsCollector (DashMap of AtomicU64 there, a mutex-guarded map
// here since Go has no lock-free concurrent map in the pack's stack);
// the mutex-guarded collector shape more broadly follows
// spcent-plumego/health/metrics.go's MetricsCollector.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// durationWindow is the number of recent duration samples kept per
// job for percentile calculation, matching metrics.rs's "keep last
// 100" trim policy.
const durationWindow = 100

// Registry tracks scheduler and dispatch counters.
type Registry struct {
	schedulerTicks atomic.Uint64
	queueDepth     atomic.Int64

	mu         sync.Mutex
	executions map[string]*atomic.Uint64
	successes  map[string]*atomic.Uint64
	failures   map[string]*atomic.Uint64
	durations  map[string][]uint64 // milliseconds, oldest first, capped to durationWindow
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		executions: make(map[string]*atomic.Uint64),
		successes:  make(map[string]*atomic.Uint64),
		failures:   make(map[string]*atomic.Uint64),
		durations:  make(map[string][]uint64),
	}
}

// IncSchedulerTick counts one scheduler loop iteration.
func (r *Registry) IncSchedulerTick() { r.schedulerTicks.Add(1) }

// SetQueueDepth records the dispatcher's current backlog size.
func (r *Registry) SetQueueDepth(depth int) { r.queueDepth.Store(int64(depth)) }

// RecordExecution counts one launch attempt for jobName.
func (r *Registry) RecordExecution(jobName string) {
	r.counter(&r.executions, jobName).Add(1)
}

// RecordSuccess counts one successful completion and records its
// wall-clock duration for percentile export.
func (r *Registry) RecordSuccess(jobName string, durationMS uint64) {
	r.counter(&r.successes, jobName).Add(1)

	r.mu.Lock()
	defer r.mu.Unlock()
	d := append(r.durations[jobName], durationMS)
	if len(d) > durationWindow {
		d = d[len(d)-durationWindow:]
	}
	r.durations[jobName] = d
}

// RecordFailure counts one failed or timed-out completion.
func (r *Registry) RecordFailure(jobName string) {
	r.counter(&r.failures, jobName).Add(1)
}

func (r *Registry) counter(m *map[string]*atomic.Uint64, jobName string) *atomic.Uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := (*m)[jobName]
	if !ok {
		c = &atomic.Uint64{}
		(*m)[jobName] = c
	}
	return c
}

// Export renders every counter and the per-job duration percentiles
// in Prometheus text exposition format.
func (r *Registry) Export() string {
	var b strings.Builder

	fmt.Fprintf(&b, "# HELP lunasched_scheduler_ticks_total Total number of scheduler ticks\n")
	fmt.Fprintf(&b, "# TYPE lunasched_scheduler_ticks_total counter\n")
	fmt.Fprintf(&b, "lunasched_scheduler_ticks_total %d\n\n", r.schedulerTicks.Load())

	fmt.Fprintf(&b, "# HELP lunasched_queue_depth Current dispatch queue depth\n")
	fmt.Fprintf(&b, "# TYPE lunasched_queue_depth gauge\n")
	fmt.Fprintf(&b, "lunasched_queue_depth %d\n\n", r.queueDepth.Load())

	r.mu.Lock()
	defer r.mu.Unlock()

	writeCounter(&b, "lunasched_job_executions_total", "Total number of job executions", r.executions)
	writeCounter(&b, "lunasched_job_successes_total", "Total number of successful job executions", r.successes)
	writeCounter(&b, "lunasched_job_failures_total", "Total number of failed job executions", r.failures)

	fmt.Fprintf(&b, "# HELP lunasched_job_duration_ms Job execution duration percentiles in milliseconds\n")
	fmt.Fprintf(&b, "# TYPE lunasched_job_duration_ms gauge\n")
	for _, job := range sortedKeysDurations(r.durations) {
		samples := append([]uint64(nil), r.durations[job]...)
		if len(samples) == 0 {
			continue
		}
		sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
		fmt.Fprintf(&b, "lunasched_job_duration_ms{job=%q,quantile=\"0.5\"} %d\n", job, percentile(samples, 50))
		fmt.Fprintf(&b, "lunasched_job_duration_ms{job=%q,quantile=\"0.95\"} %d\n", job, percentile(samples, 95))
		fmt.Fprintf(&b, "lunasched_job_duration_ms{job=%q,quantile=\"0.99\"} %d\n", job, percentile(samples, 99))
	}

	return b.String()
}

func writeCounter(b *strings.Builder, name, help string, m map[string]*atomic.Uint64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s counter\n", name)
	for _, job := range sortedKeysCounters(m) {
		fmt.Fprintf(b, "%s{job=%q} %d\n", name, job, m[job].Load())
	}
	fmt.Fprintln(b)
}

func sortedKeysCounters(m map[string]*atomic.Uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedKeysDurations(m map[string][]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// percentile returns the element of a pre-sorted slice at index
// floor(p/100 * (len-1)), without interpolating between neighbours.
func percentile(sorted []uint64, p float64) uint64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int((p / 100.0) * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
