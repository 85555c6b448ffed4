package schedule

import (
	"testing"
	"time"
)

func mustParse(t *testing.T, raw string) Expr {
	t.Helper()
	e, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse(%q) failed: %v", raw, err)
	}
	return e
}

func TestParseEveryFireCount(t *testing.T) {
	e := mustParse(t, "every 5s")
	ref := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next, err := e.NextAfter(ref, time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	want := ref.Add(5 * time.Second)
	if !next.Equal(want) {
		t.Fatalf("got %v, want %v", next, want)
	}
	if !e.SubMinute() {
		t.Fatal("every 5s should be sub-minute")
	}
}

func TestParseEveryUnits(t *testing.T) {
	cases := map[string]time.Duration{
		"every 30s": 30 * time.Second,
		"every 5m":  5 * time.Minute,
		"every 2h":  2 * time.Hour,
		"every 1d":  24 * time.Hour,
	}
	for raw, want := range cases {
		e := mustParse(t, raw).(*everyExpr)
		if e.Interval() != want {
			t.Errorf("%s: got %v want %v", raw, e.Interval(), want)
		}
	}
}

func TestParseEveryInvalid(t *testing.T) {
	for _, raw := range []string{"every", "every 0s", "every 5x", "every abc"} {
		if _, err := Parse(raw); err == nil {
			t.Errorf("expected error for %q", raw)
		}
	}
}

func TestCalendarBasic(t *testing.T) {
	e := mustParse(t, "at 09:00")
	ref := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC) // Thursday
	next, err := e.NextAfter(ref, time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("got %v want %v", next, want)
	}
}

func TestCalendarTieResolvesForward(t *testing.T) {
	e := mustParse(t, "at 09:00")
	ref := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	next, err := e.NextAfter(ref, time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("got %v want %v", next, want)
	}
}

func TestCalendarDayOfWeek(t *testing.T) {
	e := mustParse(t, "at 09:00 on Mon,Wed")
	ref := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC) // Thursday
	next, err := e.NextAfter(ref, time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	// Next Monday after Jan 1 2026 (Thu) is Jan 5.
	want := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("got %v want %v", next, want)
	}
}

func TestCalendarNthWeekday(t *testing.T) {
	e := mustParse(t, "at 09:00 on 1st Mon")
	ref := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next, err := e.NextAfter(ref, time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	if next.Day() > 7 || next.Weekday() != time.Monday {
		t.Fatalf("expected first Monday of month, got %v", next)
	}
}

func TestCalendarLastWeekday(t *testing.T) {
	e := mustParse(t, "at 09:00 on last Fri")
	ref := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next, err := e.NextAfter(ref, time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	if next.Weekday() != time.Friday {
		t.Fatalf("expected a Friday, got %v", next)
	}
	rolled := next.AddDate(0, 0, 7)
	if rolled.Month() == next.Month() {
		t.Fatalf("expected %v to be the last Friday of its month", next)
	}
}

func TestCalendarUnknownTimezoneAtEval(t *testing.T) {
	e := mustParse(t, "at 09:00 in Not/AZone")
	_, err := e.NextAfter(time.Now(), time.UTC)
	if err != ErrUnknownTimeZone {
		t.Fatalf("expected ErrUnknownTimeZone, got %v", err)
	}
}

func TestCronFiveField(t *testing.T) {
	e := mustParse(t, "cron:0 9 * * 1-5")
	ref := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) // Thursday
	next, err := e.NextAfter(ref, time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("got %v want %v", next, want)
	}
	if e.SubMinute() {
		t.Fatal("5-field cron should not be sub-minute")
	}
}

func TestCronSixFieldSeconds(t *testing.T) {
	e := mustParse(t, "cron:*/15 * * * * *")
	if !e.SubMinute() {
		t.Fatal("seconds-restricted 6-field cron should be sub-minute")
	}
}

func TestCronInvalid(t *testing.T) {
	if _, err := Parse("cron:not a cron"); err == nil {
		t.Fatal("expected error")
	}
}

func TestParseUnknownKeyword(t *testing.T) {
	if _, err := Parse("whenever"); err == nil {
		t.Fatal("expected error")
	}
}

// P7: next_after(next_after(t, tz)) > next_after(t, tz).
func TestRoundTripMonotonic(t *testing.T) {
	exprs := []string{"every 5s", "at 09:00", "at 09:00 on Mon,Wed", "cron:0 9 * * *"}
	ref := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	for _, raw := range exprs {
		e := mustParse(t, raw)
		first, err := e.NextAfter(ref, time.UTC)
		if err != nil {
			t.Fatalf("%s: %v", raw, err)
		}
		second, err := e.NextAfter(first, time.UTC)
		if err != nil {
			t.Fatalf("%s: %v", raw, err)
		}
		if !second.After(first) {
			t.Errorf("%s: expected %v > %v", raw, second, first)
		}
	}
}
