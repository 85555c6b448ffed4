package model

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// ScheduleParser is implemented by internal/schedule.ValidatorFunc; injected
// here to avoid a model -> schedule import cycle while still letting
// the "schedule is parseable" invariant (spec.md §3) run as a struct
// validation tag, the way the teacher registers "crontabString" in
// internal/http/validation/job_validation.go.
type ScheduleParser func(expr string) error

var validate = validator.New()

// RegisterScheduleValidator wires the "scheduleExpr" tag used on
// Job.Schedule, grounded on the teacher's RegisterJobValidation.
func RegisterScheduleValidator(parse ScheduleParser) error {
	return validate.RegisterValidation("scheduleExpr", func(fl validator.FieldLevel) bool {
		return parse(fl.Field().String()) == nil
	})
}

func init() {
	_ = validate.RegisterValidation("ianaTZ", func(fl validator.FieldLevel) bool {
		tz := fl.Field().String()
		if tz == "" {
			return true
		}
		_, err := time.LoadLocation(tz)
		return err == nil
	})

	_ = validate.RegisterValidation("retryPolicy", func(fl validator.FieldLevel) bool {
		rp, ok := fl.Field().Interface().(RetryPolicy)
		if !ok {
			return true
		}
		return rp.MaxDelayS >= rp.InitialDelayS
	})
}

// Validate checks the invariants spec.md §3 requires at insert time:
// name/command/schedule required, timezone resolvable,
// max_delay_s >= initial_delay_s.
func (j *Job) Validate() error {
	if _, ok := ParseBackoffStrategy(j.RetryPolicy.BackoffName); !ok {
		return &fieldError{"retry_policy.backoff", "unknown backoff strategy"}
	}
	if _, ok := ParsePriority(j.PriorityName); !ok {
		return &fieldError{"priority", "unknown priority"}
	}
	if _, ok := ParseExecutionMode(j.ExecModeName); !ok {
		return &fieldError{"execution_mode", "unknown execution_mode"}
	}
	return validate.Struct(j)
}

type fieldError struct {
	Field string
	Msg   string
}

func (e *fieldError) Error() string { return e.Field + ": " + e.Msg }
