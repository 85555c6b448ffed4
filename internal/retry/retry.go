// Package retry implements the three backoff strategies from spec.md
// §4.5, grounded on original_source/daemon/src/resource_manager.rs's
// calculate_backoff_delay (translated from its 0-based Rust attempt
// counter to the spec's 1-based attempt_index).
package retry

import (
	"time"

	"github.com/lunasched/lunasched/internal/model"
)

// Outcome is either a Delay to wait before the next attempt, or GiveUp
// when attemptIndex exceeds the policy's max attempts.
type Outcome struct {
	GiveUp bool
	Delay  time.Duration
}

// Next computes the delay before retry attemptIndex (1 = first retry),
// clamped to [0, max_delay_s], spec.md §4.5.
func Next(policy model.RetryPolicy, attemptIndex uint32) Outcome {
	if policy.MaxAttempts == 0 || attemptIndex > policy.MaxAttempts {
		return Outcome{GiveUp: true}
	}
	initial := time.Duration(policy.InitialDelayS) * time.Second
	max := time.Duration(policy.MaxDelayS) * time.Second

	strategy, ok := model.ParseBackoffStrategy(policy.BackoffName)
	if !ok {
		strategy = model.BackoffFixed
	}

	var delay time.Duration
	switch strategy {
	case model.BackoffFixed:
		delay = initial
	case model.BackoffLinear:
		delay = initial * time.Duration(attemptIndex)
	case model.BackoffExponential:
		delay = initial * time.Duration(pow2(attemptIndex-1))
	default:
		delay = initial
	}

	if delay < 0 {
		delay = 0
	}
	if max > 0 && delay > max {
		delay = max
	}
	return Outcome{Delay: delay}
}

func pow2(n uint32) uint64 {
	var r uint64 = 1
	for i := uint32(0); i < n; i++ {
		r *= 2
	}
	return r
}
