// Package logging wires up the daemon's two log sinks: the main
// operational log (honoring LUNASCHED_LOG) and a job_output logger
// carrying spawned-process stdout/stderr tails, analogous to
// original_source/daemon/src/main.rs's setup_logging fern::Dispatch
// split between the main log and jobs log file, translated to
// sirupsen/logrus (the teacher's own logging library, used exactly as
// in bfrolikov-go-work/internal/scheduler/scheduler.go's
// log.WithFields(...).Error idiom).
package logging

import (
	"io"
	"os"

	log "github.com/sirupsen/logrus"
)

// DefaultLogFile is used when LUNASCHED_LOG is unset.
const DefaultLogFile = "/var/log/lunasched/lunasched.log"

// DefaultJobOutputLogFile carries per-execution stdout/stderr tails,
// separated from the main log the way original_source's job_output
// target is filtered into its own file.
const DefaultJobOutputLogFile = "/var/log/lunasched/job-output.log"

// Setup configures the standard logrus logger to write to both stdout
// and the file named by LUNASCHED_LOG (or DefaultLogFile), and returns
// a dedicated *log.Logger for job_output that writes only to its own
// file. Neither failure aborts startup: if the main log file cannot be
// opened the standard logger keeps its default stderr output, and if the
// job_output file cannot be opened job output is discarded.
func Setup(level log.Level) *log.Logger {
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	logPath := os.Getenv("LUNASCHED_LOG")
	if logPath == "" {
		logPath = DefaultLogFile
	}
	if f, err := openAppend(logPath); err != nil {
		log.WithFields(log.Fields{"path": logPath, "error": err}).Warn("failed to open log file, logging to stderr only")
	} else {
		log.SetOutput(io.MultiWriter(os.Stdout, f))
	}

	return jobOutputLogger()
}

func jobOutputLogger() *log.Logger {
	jl := log.New()
	jl.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	jobPath := os.Getenv("LUNASCHED_JOBS_LOG")
	if jobPath == "" {
		jobPath = DefaultJobOutputLogFile
	}
	if f, err := openAppend(jobPath); err != nil {
		log.WithFields(log.Fields{"path": jobPath, "error": err}).Warn("failed to open job output log file, discarding")
		jl.SetOutput(io.Discard)
	} else {
		jl.SetOutput(f)
	}
	return jl
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
}
