package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronExpr implements "cron:<expression>", 5-field (min hour dom mon
// dow) or 6-field with leading seconds, spec.md §4.1.3. Field parsing,
// ranges/steps/lists, and the day-of-month/day-of-week OR convention
// are delegated to github.com/robfig/cron/v3, the teacher's own
// dependency (used for cron.ParseStandard in
// internal/http/validation/job_validation.go and
// internal/model/sql_storage.go).
type cronExpr struct {
	raw       string
	schedule  cron.Schedule
	subMinute bool
}

var standardParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

var secondsParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

func parseCron(raw string) (Expr, error) {
	body := strings.TrimSpace(raw[len("cron:"):])
	if body == "" {
		return nil, &ParseError{Expr: raw, Err: errors.New("missing cron expression")}
	}
	fields := strings.Fields(body)
	var sched cron.Schedule
	var err error
	subMinute := false
	switch len(fields) {
	case 5:
		sched, err = standardParser.Parse(body)
	case 6:
		sched, err = secondsParser.Parse(body)
		subMinute = fields[0] != "0"
	default:
		return nil, &ParseError{Expr: raw, Err: fmt.Errorf("expected 5 or 6 fields, got %d", len(fields))}
	}
	if err != nil {
		return nil, &ParseError{Expr: raw, Err: err}
	}
	return &cronExpr{raw: raw, schedule: sched, subMinute: subMinute}, nil
}

func (e *cronExpr) NextAfter(reference time.Time, tz *time.Location) (time.Time, error) {
	loc := tz
	if loc == nil {
		loc = time.Local
	}
	return e.schedule.Next(reference.In(loc)), nil
}

func (e *cronExpr) SubMinute() bool { return e.subMinute }

func (e *cronExpr) String() string { return e.raw }
