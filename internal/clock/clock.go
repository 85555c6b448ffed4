// Package clock abstracts time so the scheduler, retry engine, and
// dispatcher can be driven deterministically in tests.
package clock

import "time"

// Clock is the time source injected into Scheduler, RetryEngine, and
// Dispatcher (spec.md §9 "Time source").
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTimer(d time.Duration) Timer
}

// Timer mirrors the subset of time.Timer the daemon needs, so a fake
// clock can control firing without real sleeps.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

type realClock struct{}

// Real is the production Clock backed by the standard library.
var Real Clock = realClock{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) NewTimer(d time.Duration) Timer { return &realTimer{t: time.NewTimer(d)} }

type realTimer struct{ t *time.Timer }

func (r *realTimer) C() <-chan time.Time { return r.t.C }
func (r *realTimer) Stop() bool          { return r.t.Stop() }
