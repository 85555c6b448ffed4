// Package dispatch implements the Dispatcher (T2) from spec.md §5.4: a
// bounded priority queue draining into a fixed-size worker pool, gated by
// the ExecutionRegistry and retried per internal/retry. The worker-pool
// idiom (fixed worker count draining a shared queue) is grounded on
// inipew-pewbot/internal/notifier/service.go's queue+worker Service; the
// priority ordering is implemented with container/heap since none of the
// example repos needed one.
package dispatch

import (
	"container/heap"

	"github.com/lunasched/lunasched/internal/model"
	"github.com/lunasched/lunasched/internal/scheduler"
)

// item is one queued admission, carrying enough to sort by spec.md §4.3
// step 8's priority ordering: priority desc, scheduled_at asc, job name asc.
type item struct {
	work  scheduler.WorkItem
	index int
}

func (it item) priority() model.Priority { return it.work.Job.Priority() }

type priorityQueue []*item

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	a, b := pq[i], pq[j]
	if a.priority() != b.priority() {
		return a.priority() > b.priority()
	}
	if !a.work.ScheduledAt.Equal(b.work.ScheduledAt) {
		return a.work.ScheduledAt.Before(b.work.ScheduledAt)
	}
	return a.work.Job.Name < b.work.Job.Name
}

func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *priorityQueue) Push(x any) {
	it := x.(*item)
	it.index = len(*pq)
	*pq = append(*pq, it)
}

func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*pq = old[:n-1]
	return it
}

// lowestPriority returns the index of the queue's least urgent entry,
// used to decide what to evict under backpressure. Callers must hold the
// queue's lock.
func (pq priorityQueue) lowestPriority() (int, bool) {
	if len(pq) == 0 {
		return 0, false
	}
	worst := 0
	for i := 1; i < len(pq); i++ {
		if pq.Less(worst, i) {
			worst = i
		}
	}
	return worst, true
}

var _ heap.Interface = (*priorityQueue)(nil)
