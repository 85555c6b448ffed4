package notify

import (
	"context"
	"os/exec"

	log "github.com/sirupsen/logrus"

	"github.com/lunasched/lunasched/internal/model"
)

// HookRunner fires a job's on_success_cmd/on_failure_cmd, grounded on
// scheduler.rs's "Command::new(\"sh\").arg(\"-c\").arg(&on_success/failure)"
// fire-and-forget spawn.
type HookRunner struct{}

// NewHookRunner builds a HookRunner.
func NewHookRunner() *HookRunner { return &HookRunner{} }

// RunSuccess fires job.Hooks.OnSuccessCmd if configured. It reports
// whether a hook ran and the error it returned, if any, for
// Job.Hooks.AffectState to consult.
func (r *HookRunner) RunSuccess(ctx context.Context, job model.Job) (ran bool, err error) {
	return r.run(ctx, job, job.Hooks.OnSuccessCmd, "success")
}

// RunFailure fires job.Hooks.OnFailureCmd if configured.
func (r *HookRunner) RunFailure(ctx context.Context, job model.Job) (ran bool, err error) {
	return r.run(ctx, job, job.Hooks.OnFailureCmd, "failure")
}

func (r *HookRunner) run(ctx context.Context, job model.Job, cmd, event string) (bool, error) {
	if cmd == "" {
		return false, nil
	}
	log.WithFields(log.Fields{"job": job.Name, "event": event}).Info("running hook")
	err := exec.CommandContext(ctx, "sh", "-c", cmd).Run()
	if err != nil {
		return true, err
	}
	return true, nil
}
