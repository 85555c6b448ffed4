// Package control implements the local control socket spec.md §6
// requires: a Unix domain socket accepting length-prefixed JSON
// request frames and replying with a result frame, supporting
// AddJob/UpdateJob/RemoveJob/GetJob/ListJobs/HistoryFor/StartNow/
// StopExecution/ImportConfig. Grounded on
// original_source/daemon/src/main.rs's UnixListener accept loop and
// common/src/ipc.rs's Request/Response enum, translated from Rust's
// tagged enum to a Go discriminated-union-by-Op struct (Go has no
// enum-with-payload, so the wire type carries every optional field
// and the handler switches on Op the way ipc.rs's match arms do).
package control

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/lunasched/lunasched/internal/model"
)

// Op names the nine operations spec.md §6 requires the socket support.
type Op string

const (
	OpAddJob        Op = "AddJob"
	OpUpdateJob     Op = "UpdateJob"
	OpRemoveJob     Op = "RemoveJob"
	OpGetJob        Op = "GetJob"
	OpListJobs      Op = "ListJobs"
	OpHistoryFor    Op = "HistoryFor"
	OpStartNow      Op = "StartNow"
	OpStopExecution Op = "StopExecution"
	OpImportConfig  Op = "ImportConfig"
)

// Request is the wire frame a client sends; only the fields relevant
// to Op are populated.
type Request struct {
	Op          Op         `json:"op"`
	Job         *model.Job `json:"job,omitempty"`
	JobName     string     `json:"job_name,omitempty"`
	ExecutionID string     `json:"execution_id,omitempty"`
	Limit       int        `json:"limit,omitempty"`
	ConfigPath  string     `json:"config_path,omitempty"`
}

// Response is the wire frame the daemon replies with.
type Response struct {
	OK         bool               `json:"ok"`
	Error      string             `json:"error,omitempty"`
	Job        *model.Job         `json:"job,omitempty"`
	Jobs       []model.Job        `json:"jobs,omitempty"`
	History    []model.Execution  `json:"history,omitempty"`
	Warnings   []string           `json:"warnings,omitempty"`
	ImportedN  int                `json:"imported,omitempty"`
}

// ErrFrameTooLarge guards against a malformed or hostile peer sending
// an unbounded length prefix.
var ErrFrameTooLarge = errors.New("control: frame exceeds maximum size")

// maxFrameSize bounds a single request/response body; large enough for
// an ImportConfig payload with hundreds of jobs, small enough to guard
// against a runaway peer.
const maxFrameSize = 16 << 20

// WriteFrame writes a 4-byte big-endian length prefix followed by the
// JSON-encoded value, the simplest wire format that still satisfies
// spec.md §6's "implementation-defined" framing requirement.
func WriteFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("control: encode frame: %w", err)
	}
	if len(body) > maxFrameSize {
		return ErrFrameTooLarge
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("control: write frame length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("control: write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed JSON frame into v.
func ReadFrame(r io.Reader, v any) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return ErrFrameTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("control: read frame body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("control: decode frame: %w", err)
	}
	return nil
}
