// Package ledger implements the WindowLedger from spec.md §4.2 (L2):
// at-most-once firing per schedule window. It is grounded on
// original_source/daemon/src/scheduler.rs's last_execution_windows map,
// which tracks one truncated timestamp per job to prevent double-firing
// within the same minute; here the truncation granularity is chosen per
// schedule (WindowKey's subMinute flag) rather than fixed to the minute.
// Memory is an in-process, restart-unsafe Ledger for tests; Store
// persists the same claims through the JobStore so they survive a
// daemon restart, spec.md §4.2's "atomicity is the JobStore's
// responsibility."
package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/lunasched/lunasched/internal/model"
)

// WindowStore is the subset of store.Store a durable Ledger claims
// against; store.SQLite and store.Postgres both satisfy it via their
// ClaimWindow/LastWindow methods.
type WindowStore interface {
	ClaimWindow(ctx context.Context, rec model.WindowRecord) (bool, error)
	LastWindow(ctx context.Context, jobName string) (model.WindowRecord, bool, error)
}

// Ledger claims schedule windows so a job fires at most once per window,
// spec.md invariant P2.
type Ledger interface {
	// Claim atomically checks whether windowKey has already fired for
	// jobName and, if not, records it as fired for executionID. It
	// reports whether the claim was granted (true) or the window was
	// already taken (false).
	Claim(ctx context.Context, jobName, windowKey, executionID string) (bool, error)
	// HasFired reports whether windowKey has already been claimed for
	// jobName, without claiming it.
	HasFired(ctx context.Context, jobName, windowKey string) (bool, error)
}

// Memory is an in-process Ledger backed by a mutex-guarded map, used as a
// test double for higher layers that don't need persistence.
type Memory struct {
	mu     sync.Mutex
	claims map[string]model.WindowRecord // jobName -> latest claimed window
}

// NewMemory creates an empty in-memory Ledger.
func NewMemory() *Memory {
	return &Memory{claims: make(map[string]model.WindowRecord)}
}

func (m *Memory) Claim(_ context.Context, jobName, windowKey, executionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.claims[jobName]; ok && rec.WindowKey == windowKey {
		return false, nil
	}
	m.claims[jobName] = model.WindowRecord{JobName: jobName, WindowKey: windowKey, ExecutionID: executionID}
	return true, nil
}

func (m *Memory) HasFired(_ context.Context, jobName, windowKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.claims[jobName]
	return ok && rec.WindowKey == windowKey, nil
}

// Store is a Ledger backed by a WindowStore (store.SQLite or
// store.Postgres), so a window claim survives a daemon restart:
// spec.md §4.2 makes window atomicity the JobStore's responsibility,
// and invariant P6 requires no (job, window) pair fire a second
// attempt-1 execution after a crash and restart. Memory alone cannot
// satisfy that, since its map is lost when the process dies.
type Store struct {
	windows WindowStore
}

// NewStore builds a durable Ledger over ws.
func NewStore(ws WindowStore) *Store {
	return &Store{windows: ws}
}

func (s *Store) Claim(ctx context.Context, jobName, windowKey, executionID string) (bool, error) {
	return s.windows.ClaimWindow(ctx, model.WindowRecord{
		JobName:     jobName,
		WindowKey:   windowKey,
		ExecutionID: executionID,
		FiredAt:     time.Now().UTC(),
	})
}

func (s *Store) HasFired(ctx context.Context, jobName, windowKey string) (bool, error) {
	rec, ok, err := s.windows.LastWindow(ctx, jobName)
	if err != nil {
		return false, err
	}
	return ok && rec.WindowKey == windowKey, nil
}
