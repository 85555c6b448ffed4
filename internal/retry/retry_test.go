package retry

import (
	"testing"
	"time"

	"github.com/lunasched/lunasched/internal/model"
)

func policy(strategy string, initial, max, attempts uint32) model.RetryPolicy {
	return model.RetryPolicy{
		MaxAttempts:   attempts,
		BackoffName:   strategy,
		InitialDelayS: initial,
		MaxDelayS:     max,
	}
}

func TestFixedBackoff(t *testing.T) {
	p := policy("fixed", 60, 3600, 5)
	if got := Next(p, 1).Delay; got != 60*time.Second {
		t.Errorf("attempt 1: got %v want 60s", got)
	}
	if got := Next(p, 5).Delay; got != 60*time.Second {
		t.Errorf("attempt 5: got %v want 60s", got)
	}
}

func TestLinearBackoff(t *testing.T) {
	p := policy("linear", 60, 3600, 5)
	cases := map[uint32]time.Duration{1: 60 * time.Second, 2: 120 * time.Second, 3: 180 * time.Second}
	for attempt, want := range cases {
		if got := Next(p, attempt).Delay; got != want {
			t.Errorf("attempt %d: got %v want %v", attempt, got, want)
		}
	}
}

func TestExponentialBackoff(t *testing.T) {
	p := policy("exponential", 60, 3600, 10)
	cases := map[uint32]time.Duration{1: 60 * time.Second, 2: 120 * time.Second, 3: 240 * time.Second}
	for attempt, want := range cases {
		if got := Next(p, attempt).Delay; got != want {
			t.Errorf("attempt %d: got %v want %v", attempt, got, want)
		}
	}
	// Attempt 11 exceeds max_attempts=10, must give up.
	if !Next(p, 11).GiveUp {
		t.Error("expected give up past max_attempts")
	}
}

func TestExponentialClampsToMaxDelay(t *testing.T) {
	p := policy("exponential", 60, 3600, 10)
	if got := Next(p, 10).Delay; got != 3600*time.Second {
		t.Errorf("got %v want capped 3600s", got)
	}
}

func TestZeroMaxAttemptsDisablesRetry(t *testing.T) {
	p := policy("fixed", 60, 3600, 0)
	if !Next(p, 1).GiveUp {
		t.Error("max_attempts=0 must disable retries")
	}
}

// P3-style scenario from spec.md §8 scenario 3: exponential
// initial=1s max=10s max_attempts=4 -> 1s, 2s, 4s.
func TestScenarioExponentialRetry(t *testing.T) {
	p := policy("exponential", 1, 10, 4)
	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}
	for i, w := range want {
		got := Next(p, uint32(i+1))
		if got.GiveUp {
			t.Fatalf("attempt %d: unexpected give up", i+1)
		}
		if got.Delay != w {
			t.Errorf("attempt %d: got %v want %v", i+1, got.Delay, w)
		}
	}
	if !Next(p, 5).GiveUp {
		t.Error("attempt 5 should give up (max_attempts=4)")
	}
}
