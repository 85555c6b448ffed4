// Package registry implements the ExecutionRegistry from spec.md §4.6:
// an in-memory map of currently running executions per job, enforcing
// execution-mode gating (Sequential / Parallel / Exclusive). The
// mutex-guarded map idiom is grounded on the teacher's
// sync.RWMutex-guarded sqlJobStorage.
package registry

import (
	"sync"

	"github.com/lunasched/lunasched/internal/model"
)

// GateResult reports whether try-acquire granted the launch, and if
// not, why (spec.md §7 GateDenied kinds).
type GateResult struct {
	Granted bool
	Reason  model.CancelReason
}

// Registry tracks live executions per job and the single exclusive
// permit, spec.md §4.6.
type Registry struct {
	mu               sync.Mutex
	live             map[string]map[string]struct{} // job -> set of execution IDs
	exclusiveHolder  string
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{live: make(map[string]map[string]struct{})}
}

// TryAcquire attempts to admit a new execution of job under mode,
// spec.md §4.3 step 7:
//   - Sequential: at most one live execution of this job.
//   - Parallel: unbounded, up to maxConcurrent (0 disables the cap,
//     though Job.EffectiveMaxConcurrent always supplies a nonzero
//     default).
//   - Exclusive: requires zero live executions system-wide, and holds
//     a single system-wide permit while running.
func (r *Registry) TryAcquire(jobName, executionID string, mode model.ExecutionMode, maxConcurrent uint32) GateResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.exclusiveHolder != "" && r.exclusiveHolder != jobName {
		return GateResult{Reason: model.CancelExclusiveBusy}
	}

	switch mode {
	case model.ModeSequential:
		if len(r.live[jobName]) > 0 {
			return GateResult{Reason: model.CancelSequentialBusy}
		}
	case model.ModeParallel:
		if maxConcurrent > 0 && uint32(len(r.live[jobName])) >= maxConcurrent {
			return GateResult{Reason: model.CancelSequentialBusy}
		}
	case model.ModeExclusive:
		if r.totalLiveLocked() > 0 {
			return GateResult{Reason: model.CancelExclusiveBusy}
		}
		r.exclusiveHolder = jobName
	}

	if r.live[jobName] == nil {
		r.live[jobName] = make(map[string]struct{})
	}
	r.live[jobName][executionID] = struct{}{}
	return GateResult{Granted: true}
}

// Release removes a live execution and, if it was the exclusive
// holder, frees the permit.
func (r *Registry) Release(jobName, executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.live[jobName]; ok {
		delete(set, executionID)
		if len(set) == 0 {
			delete(r.live, jobName)
		}
	}
	if r.exclusiveHolder == jobName && len(r.live[jobName]) == 0 {
		r.exclusiveHolder = ""
	}
}

// LiveCount reports how many executions of jobName are currently live.
func (r *Registry) LiveCount(jobName string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live[jobName])
}

// Snapshot returns a copy of job -> live execution IDs.
func (r *Registry) Snapshot() map[string][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string][]string, len(r.live))
	for job, set := range r.live {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		out[job] = ids
	}
	return out
}

func (r *Registry) totalLiveLocked() int {
	total := 0
	for _, set := range r.live {
		total += len(set)
	}
	return total
}
