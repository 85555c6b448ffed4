package model

import "time"

// WindowRecord is the persisted dedup tuple from spec.md §3/§4.2.
type WindowRecord struct {
	JobName     string    `json:"job_name"`
	WindowKey   string    `json:"window_key"`
	ExecutionID string    `json:"execution_id"`
	FiredAt     time.Time `json:"fired_at"`
}

// WindowKey truncates t to the given granularity and serializes as
// ISO-8601 UTC, spec.md §4.2.
func WindowKey(t time.Time, subMinute bool) string {
	u := t.UTC()
	if subMinute {
		return u.Truncate(time.Second).Format(time.RFC3339)
	}
	return u.Truncate(time.Minute).Format(time.RFC3339)
}
