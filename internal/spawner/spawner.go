// Package spawner implements the process launcher from spec.md §4.4 (L3).
// It is grounded on the teacher's internal/scheduler.startDueJobs use of
// exec.CommandContext for timeout enforcement, generalized with SIGTERM
// then SIGKILL escalation the way original_source/daemon/src/scheduler.rs's
// enforce_timeout and resource_manager.rs's ResourceManager.apply_limits do
// it: resource limits are applied as informational LUNASCHED_* env vars
// rather than real cgroups, since Go's os/exec offers no cgroup hook either.
package spawner

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/lunasched/lunasched/internal/model"
)

// Result carries everything the caller needs to build an Execution record.
type Result struct {
	ExitCode    int
	SpawnFailed bool
	TimedOut    bool
	// Cancelled is set instead of TimedOut when the caller's ctx was
	// cancelled directly (an operator StopExecution request) rather
	// than the job's own TimeoutS deadline expiring.
	Cancelled  bool
	StdoutTail string
	StderrTail string
	StartedAt  time.Time
	FinishedAt time.Time
}

// killGracePeriod is how long we wait between SIGTERM and SIGKILL,
// matching original_source's enforce_timeout's 2-second grace window.
const killGracePeriod = 2 * time.Second

// Run launches job.Command with job.Args, honoring job.ResourceLimits.TimeoutS
// as a wall-clock deadline. On timeout it sends SIGTERM, waits killGracePeriod,
// then SIGKILL if the process is still alive. Stdout/stderr are captured up to
// model.TailCap bytes each.
func Run(ctx context.Context, job model.Job) Result {
	res := Result{StartedAt: time.Now()}

	runCtx := ctx
	var cancel context.CancelFunc
	if job.ResourceLimits.TimeoutS != nil && *job.ResourceLimits.TimeoutS > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(*job.ResourceLimits.TimeoutS)*time.Second)
		defer cancel()
	}

	cmd := exec.Command(job.Command, job.Args...)
	applyEnv(cmd, job)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		log.WithFields(log.Fields{"job": job.Name, "error": err}).Error("failed to spawn job")
		res.SpawnFailed = true
		res.ExitCode = -1
		res.FinishedAt = time.Now()
		return res
	}

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	select {
	case err := <-waitDone:
		res.ExitCode = exitCodeOf(err)
	case <-runCtx.Done():
		if ctx.Err() != nil {
			// The caller's own ctx was cancelled directly (an operator
			// StopExecution), not our derived timeout deadline.
			res.Cancelled = true
		} else {
			res.TimedOut = true
		}
		res.ExitCode = exitCodeOf(terminate(cmd, waitDone))
	}

	res.FinishedAt = time.Now()
	res.StdoutTail = model.AppendTail(stdout.String())
	res.StderrTail = model.AppendTail(stderr.String())
	return res
}

// applyEnv sets informational resource-limit hints, grounded on
// ResourceManager.apply_limits: actual cgroup enforcement is out of scope,
// so limits are surfaced to the child via environment variables that
// cooperative programs may honor themselves.
func applyEnv(cmd *exec.Cmd, job model.Job) {
	env := cmd.Environ()
	for k, v := range job.Env {
		env = append(env, k+"="+v)
	}
	if job.RunAsUser != "" {
		env = append(env, "LUNASCHED_RUN_AS_USER="+job.RunAsUser)
	}
	if job.ResourceLimits.MaxMemoryMB != nil {
		env = append(env, "LUNASCHED_MAX_MEMORY_MB="+strconv.FormatUint(uint64(*job.ResourceLimits.MaxMemoryMB), 10))
	}
	if job.ResourceLimits.CPUQuota != nil {
		env = append(env, "LUNASCHED_CPU_QUOTA="+strconv.FormatFloat(float64(*job.ResourceLimits.CPUQuota), 'f', -1, 32))
	}
	cmd.Env = env
}

// terminate signals the process group, escalating to SIGKILL if the
// process is still alive after killGracePeriod, and returns the error
// Wait eventually reported.
func terminate(cmd *exec.Cmd, waitDone <-chan error) error {
	pgid := -cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)

	select {
	case err := <-waitDone:
		return err
	case <-time.After(killGracePeriod):
		_ = syscall.Kill(pgid, syscall.SIGKILL)
		return <-waitDone
	}
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return 128 + int(status.Signal())
			}
			return status.ExitStatus()
		}
	}
	return -1
}
