package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/lunasched/lunasched/internal/clock"
	"github.com/lunasched/lunasched/internal/ledger"
	"github.com/lunasched/lunasched/internal/model"
)

// TestEveryFiveSecondsScenarioFiresSixTimes is spec.md §8 scenario 1
// end-to-end: a single "every 5s" job run for 30 virtual seconds must
// fire exactly six times, once per window, all attempt 1.
func TestEveryFiveSecondsScenarioFiresSixTimes(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fake := clock.NewFake(start)
	st := newTestStore(t)
	ctx := context.Background()
	st.CreateJob(ctx, model.Job{
		Name: "heartbeat", Command: "/bin/true", Schedule: "every 5s", Enabled: true,
		CreatedAt: start, UpdatedAt: start,
	})

	skd := New(st, ledger.NewStore(st), fake, time.Second)
	if err := skd.reload(ctx); err != nil {
		t.Fatal(err)
	}

	fired := make([]WorkItem, 0, 6)
	done := make(chan struct{})
	go func() {
		for item := range skd.Out {
			fired = append(fired, item)
		}
		close(done)
	}()

	for i := 0; i < 30; i++ {
		fake.Advance(time.Second)
		skd.runTick(ctx)
	}
	close(skd.Out)
	<-done

	if len(fired) != 6 {
		t.Fatalf("got %d firings in 30s of a 5s schedule, want 6", len(fired))
	}
	for i, item := range fired {
		want := start.Add(time.Duration(i+1) * 5 * time.Second)
		if !item.ScheduledAt.Equal(want) {
			t.Fatalf("firing %d scheduled at %v, want %v", i, item.ScheduledAt, want)
		}
		if item.Attempt != 1 {
			t.Fatalf("firing %d has attempt %d, want 1", i, item.Attempt)
		}
	}

	seen := make(map[string]bool, len(fired))
	for _, item := range fired {
		if seen[item.ExecutionID] {
			t.Fatalf("duplicate execution_id %q across firings", item.ExecutionID)
		}
		seen[item.ExecutionID] = true
	}
}

// TestAtMostOnceAcrossRestart is spec.md §8 scenario 2 end-to-end: a
// daemon stopped just before a window fires and restarted just after
// must fire that window exactly once, and a second restart afterward
// must not produce an additional attempt-1 execution for the same
// window. This exercises invariant P6 against the durable
// ledger.Store, the way cmd/lunaschedd wires the Scheduler in
// production — a fresh Scheduler built over the same store stands in
// for the daemon process restarting while the on-disk store survives.
func TestAtMostOnceAcrossRestart(t *testing.T) {
	start := time.Date(2026, 1, 1, 11, 59, 58, 0, time.UTC)
	st := newTestStore(t)
	ctx := context.Background()
	st.CreateJob(ctx, model.Job{
		Name: "noon-job", Command: "/bin/true", Schedule: "at 12:00", Enabled: true,
		CreatedAt: start, UpdatedAt: start,
	})

	// drain collects everything skd.Out yields until it is closed;
	// the returned slice pointer is only safe to read after <-done.
	drain := func(skd *Scheduler) (*[]WorkItem, <-chan struct{}) {
		fired := make([]WorkItem, 0)
		done := make(chan struct{})
		go func() {
			for item := range skd.Out {
				fired = append(fired, item)
			}
			close(done)
		}()
		return &fired, done
	}

	// First process: stops at 11:59:58, before the window fires.
	fake1 := clock.NewFake(start)
	skd1 := New(st, ledger.NewStore(st), fake1, time.Second)
	if err := skd1.reload(ctx); err != nil {
		t.Fatal(err)
	}
	fired1, done1 := drain(skd1)
	skd1.runTick(ctx)
	close(skd1.Out)
	<-done1
	_ = fired1

	if rec, ok, _ := st.LastWindow(ctx, "noon-job"); ok {
		t.Fatalf("job must not have fired yet, got window %+v", rec)
	}

	// Second process: starts at 12:00:30, within the slack window,
	// standing in for a daemon restart 32s later.
	fake2 := clock.NewFake(start.Add(32 * time.Second))
	skd2 := New(st, ledger.NewStore(st), fake2, time.Second)
	skd2.Slack = 60 * time.Second
	if err := skd2.reload(ctx); err != nil {
		t.Fatal(err)
	}
	fired2, done2 := drain(skd2)
	skd2.runTick(ctx)
	close(skd2.Out)
	<-done2

	rec, ok, err := st.LastWindow(ctx, "noon-job")
	if err != nil {
		t.Fatal(err)
	}
	if len(*fired2) != 1 {
		t.Fatalf("got %d firings after first restart, want exactly 1", len(*fired2))
	}
	if !ok || rec.ExecutionID != (*fired2)[0].ExecutionID {
		t.Fatalf("got window %+v after first restart, want the claim of the single firing", rec)
	}

	// Third process: a further restart 35s after that must not
	// produce an additional attempt-1 execution for the same window.
	fake3 := clock.NewFake(start.Add(67 * time.Second))
	skd3 := New(st, ledger.NewStore(st), fake3, time.Second)
	skd3.Slack = 60 * time.Second
	if err := skd3.reload(ctx); err != nil {
		t.Fatal(err)
	}
	fired3, done3 := drain(skd3)
	skd3.runTick(ctx)
	close(skd3.Out)
	<-done3

	if len(*fired3) != 0 {
		t.Fatalf("a second restart must not re-fire an already-claimed window, got %d firings", len(*fired3))
	}
	rec3, ok, err := st.LastWindow(ctx, "noon-job")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || rec3.ExecutionID != rec.ExecutionID {
		t.Fatalf("got window %+v after second restart, want still the first restart's claim", rec3)
	}
}
