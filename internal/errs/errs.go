// Package errs classifies the error kinds spec.md §7 assigns propagation
// policies to, following the teacher's errors.Is/sentinel-error idiom
// (model.ErrorNotFound in internal/http/job_server.go) generalized to the
// full kind set the daemon needs.
package errs

import "errors"

// Kind tags an error with the propagation policy spec.md §7 assigns it.
type Kind int

const (
	KindUnknown Kind = iota
	KindParse
	KindStore
	KindSpawn
	KindTimeout
	KindGateDenied
	KindDependencyUnmet
	KindRecoveryOrphaned
	KindNotFound
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindParse:
		return "ParseError"
	case KindStore:
		return "StoreError"
	case KindSpawn:
		return "SpawnError"
	case KindTimeout:
		return "TimeoutError"
	case KindGateDenied:
		return "GateDenied"
	case KindDependencyUnmet:
		return "DependencyUnmet"
	case KindRecoveryOrphaned:
		return "RecoveryOrphaned"
	case KindNotFound:
		return "NotFound"
	case KindConflict:
		return "Conflict"
	default:
		return "Unknown"
	}
}

// Error is a structured, kind-tagged error with a human message, the
// shape spec.md §7 requires for CLI-visible results.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a kind-tagged Error.
func New(kind Kind, message string, wrapped error) *Error {
	return &Error{Kind: kind, Message: message, Err: wrapped}
}

// ErrNotFound is returned by store lookups for missing jobs/executions.
var ErrNotFound = New(KindNotFound, "not found", nil)

// ErrConflict is returned when a unique constraint (e.g. job name,
// window claim) is already occupied.
var ErrConflict = New(KindConflict, "conflict", nil)

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Daemon exit codes, spec.md §6.
const (
	ExitClean            = 0
	ExitConfigError      = 1
	ExitStoreError       = 2
	ExitSocketBindFailed = 3
)
