package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// everyExpr implements "every <N><unit>", unit in {s, m, h, d},
// spec.md §4.1.1. Anchoring to job-creation time when there is no
// prior fire is the caller's responsibility (Scheduler passes its
// tracked last_window as reference); NextAfter itself is pure.
type everyExpr struct {
	raw      string
	interval time.Duration
}

func parseEvery(raw string) (Expr, error) {
	body := raw[len("every "):]
	if body == "" {
		return nil, &ParseError{Expr: raw, Err: errors.New("missing duration")}
	}
	unit := body[len(body)-1]
	numPart := body[:len(body)-1]
	n, err := strconv.ParseUint(numPart, 10, 64)
	if err != nil {
		return nil, &ParseError{Expr: raw, Err: fmt.Errorf("invalid duration %q: %w", body, err)}
	}
	if n == 0 {
		return nil, &ParseError{Expr: raw, Err: errors.New("interval must be positive")}
	}
	var d time.Duration
	switch unit {
	case 's':
		d = time.Duration(n) * time.Second
	case 'm':
		d = time.Duration(n) * time.Minute
	case 'h':
		d = time.Duration(n) * time.Hour
	case 'd':
		d = time.Duration(n) * 24 * time.Hour
	default:
		return nil, &ParseError{Expr: raw, Err: fmt.Errorf("unknown unit %q", string(unit))}
	}
	return &everyExpr{raw: raw, interval: d}, nil
}

func (e *everyExpr) NextAfter(reference time.Time, _ *time.Location) (time.Time, error) {
	return reference.Add(e.interval), nil
}

func (e *everyExpr) SubMinute() bool { return e.interval < time.Minute }

func (e *everyExpr) String() string { return e.raw }

// Interval exposes the parsed period.
func (e *everyExpr) Interval() time.Duration { return e.interval }
