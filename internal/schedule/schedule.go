// Package schedule parses the three schedule families from spec.md
// §4.1 ("every D", calendar "at HH:MM [on ...]", and cron) and computes
// next-fire instants. The cron family delegates field parsing to
// github.com/robfig/cron/v3, the teacher's own dependency
// (internal/http/validation/job_validation.go, internal/model/sql_storage.go);
// the every/at families are hand-rolled against original_source's
// common/src/schedule.rs (unit-suffix parsing) and daemon/src/scheduler.rs
// (calendar window matching, nth-weekday resolution).
package schedule

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownTimeZone is returned by ResolveTimezone, and by a calendar
// expression's NextAfter, when the timezone name does not resolve,
// spec.md §4.1.
var ErrUnknownTimeZone = errors.New("schedule: unknown time zone")

// ParseError wraps a malformed schedule expression, spec.md §4.1.
type ParseError struct {
	Expr string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("schedule: cannot parse %q: %v", e.Expr, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Expr is a parsed schedule. NextAfter is pure and total for valid
// expressions: it returns the strictly next instant strictly greater
// than reference (ties resolve to the following boundary), spec.md
// §4.1.
type Expr interface {
	// NextAfter computes the next fire instant after reference, in the
	// given IANA timezone.
	NextAfter(reference time.Time, tz *time.Location) (time.Time, error)
	// SubMinute reports whether this expression can fire more than once
	// per minute, which selects the WindowLedger key granularity
	// (spec.md §4.2).
	SubMinute() bool
	// String returns the original expression text.
	String() string
}

// Parse dispatches on the schedule's leading keyword: "every ", "at ",
// or "cron:" (spec.md §4.1).
func Parse(raw string) (Expr, error) {
	switch {
	case hasPrefix(raw, "every "):
		return parseEvery(raw)
	case hasPrefix(raw, "at "):
		return parseCalendar(raw)
	case hasPrefix(raw, "cron:"):
		return parseCron(raw)
	default:
		return nil, &ParseError{Expr: raw, Err: errors.New("expression must start with \"every \", \"at \", or \"cron:\"")}
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// ValidatorFunc adapts Parse for model.RegisterScheduleValidator.
func ValidatorFunc(raw string) error {
	_, err := Parse(raw)
	return err
}

// ResolveTimezone looks up an IANA timezone name, defaulting to the
// daemon's local timezone when name is empty (spec.md §3).
func ResolveTimezone(name string) (*time.Location, error) {
	if name == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, ErrUnknownTimeZone
	}
	return loc, nil
}
