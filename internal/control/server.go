package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/lunasched/lunasched/internal/config"
	"github.com/lunasched/lunasched/internal/dispatch"
	"github.com/lunasched/lunasched/internal/errs"
	"github.com/lunasched/lunasched/internal/scheduler"
	"github.com/lunasched/lunasched/internal/store"
)

const operationTimeout = 5 * time.Second

// Server accepts control-socket connections and dispatches each
// request to the store/scheduler/dispatcher, grounded on
// original_source/daemon/src/main.rs's UnixListener accept loop (one
// goroutine per connection, JSON in/out, no ownership model kept —
// spec.md carries no multi-tenant/ownership requirement so that part
// of main.rs's uid-based ownership check is not translated).
type Server struct {
	store store.Store
	sched *scheduler.Scheduler
	disp  *dispatch.Dispatcher

	listener net.Listener
}

// New builds a Server; call Serve to start accepting connections.
func New(st store.Store, sched *scheduler.Scheduler, disp *dispatch.Dispatcher) *Server {
	return &Server{store: st, sched: sched, disp: disp}
}

// Serve binds a Unix domain socket at path (removing a stale socket
// file first, matching main.rs's remove-then-bind) and accepts
// connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return errs.New(errs.KindStore, "remove stale control socket", err)
		}
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return errs.New(errs.KindStore, "bind control socket", err)
	}
	if err := os.Chmod(path, 0o666); err != nil {
		log.WithFields(log.Fields{"path": path, "error": err}).Warn("failed to relax control socket permissions")
	}
	s.listener = ln

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.WithFields(log.Fields{"error": err}).Error("control socket accept failed")
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	for {
		var req Request
		if err := ReadFrame(conn, &req); err != nil {
			return
		}
		resp := s.dispatch(ctx, req)
		if err := WriteFrame(conn, resp); err != nil {
			log.WithFields(log.Fields{"error": err}).Error("control socket write failed")
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	opCtx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	switch req.Op {
	case OpAddJob:
		return s.addJob(opCtx, req)
	case OpUpdateJob:
		return s.updateJob(opCtx, req)
	case OpRemoveJob:
		return s.removeJob(opCtx, req)
	case OpGetJob:
		return s.getJob(opCtx, req)
	case OpListJobs:
		return s.listJobs(opCtx)
	case OpHistoryFor:
		return s.historyFor(opCtx, req)
	case OpStartNow:
		return s.startNow(opCtx, req)
	case OpStopExecution:
		return s.stopExecution(req)
	case OpImportConfig:
		return s.importConfig(opCtx, req)
	default:
		return errResp("unknown operation %q", req.Op)
	}
}

func errResp(format string, args ...any) Response {
	return Response{OK: false, Error: fmt.Sprintf(format, args...)}
}

func (s *Server) addJob(ctx context.Context, req Request) Response {
	if req.Job == nil {
		return errResp("AddJob requires a job payload")
	}
	if err := req.Job.Validate(); err != nil {
		return errResp("job failed validation: %v", err)
	}
	now := time.Now().UTC()
	req.Job.CreatedAt, req.Job.UpdatedAt = now, now
	if err := s.store.CreateJob(ctx, *req.Job); err != nil {
		return errResp("create job: %v", err)
	}
	return Response{OK: true, Job: req.Job}
}

func (s *Server) updateJob(ctx context.Context, req Request) Response {
	if req.Job == nil {
		return errResp("UpdateJob requires a job payload")
	}
	if err := req.Job.Validate(); err != nil {
		return errResp("job failed validation: %v", err)
	}
	req.Job.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateJob(ctx, *req.Job); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return errResp("job %q not found", req.Job.Name)
		}
		return errResp("update job: %v", err)
	}
	return Response{OK: true, Job: req.Job}
}

func (s *Server) removeJob(ctx context.Context, req Request) Response {
	if req.JobName == "" {
		return errResp("RemoveJob requires job_name")
	}
	if err := s.store.DeleteJob(ctx, req.JobName); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return errResp("job %q not found", req.JobName)
		}
		return errResp("delete job: %v", err)
	}
	return Response{OK: true}
}

func (s *Server) getJob(ctx context.Context, req Request) Response {
	if req.JobName == "" {
		return errResp("GetJob requires job_name")
	}
	job, err := s.store.GetJob(ctx, req.JobName)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return errResp("job %q not found", req.JobName)
		}
		return errResp("get job: %v", err)
	}
	return Response{OK: true, Job: &job}
}

func (s *Server) listJobs(ctx context.Context) Response {
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return errResp("list jobs: %v", err)
	}
	return Response{OK: true, Jobs: jobs}
}

func (s *Server) historyFor(ctx context.Context, req Request) Response {
	if req.JobName == "" {
		return errResp("HistoryFor requires job_name")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}
	hist, err := s.store.HistoryFor(ctx, req.JobName, limit)
	if err != nil {
		return errResp("history for %q: %v", req.JobName, err)
	}
	return Response{OK: true, History: hist}
}

// startNow bypasses the schedule entirely, pushing a WorkItem straight
// onto the dispatcher's queue for immediate admission, spec.md §6's
// operator-triggered "StartNow" escape hatch.
func (s *Server) startNow(ctx context.Context, req Request) Response {
	if req.JobName == "" {
		return errResp("StartNow requires job_name")
	}
	job, err := s.store.GetJob(ctx, req.JobName)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return errResp("job %q not found", req.JobName)
		}
		return errResp("get job: %v", err)
	}
	if s.sched == nil {
		return errResp("scheduler not attached")
	}
	s.sched.FireNow(ctx, job)
	return Response{OK: true}
}

func (s *Server) stopExecution(req Request) Response {
	if req.ExecutionID == "" {
		return errResp("StopExecution requires execution_id")
	}
	if s.disp == nil || !s.disp.Cancel(req.ExecutionID) {
		return errResp("execution %q is not currently running", req.ExecutionID)
	}
	return Response{OK: true}
}

// importConfig loads a YAML/TOML config from disk and upserts every
// bundled job, spec.md §6's ImportConfig operation, mirroring
// config.rs's Config::merge "jobs - append" policy generalized to
// upsert-by-name so re-importing an edited file updates in place.
func (s *Server) importConfig(ctx context.Context, req Request) Response {
	if req.ConfigPath == "" {
		return errResp("ImportConfig requires config_path")
	}
	cfg, warnings, err := config.LoadFile(req.ConfigPath)
	if err != nil {
		return errResp("import config: %v", err)
	}
	imported := 0
	for _, job := range cfg.Jobs {
		j := job
		if err := j.Validate(); err != nil {
			warnings = append(warnings, "skipped job "+j.Name+": "+err.Error())
			continue
		}
		now := time.Now().UTC()
		if _, err := s.store.GetJob(ctx, j.Name); err == nil {
			j.UpdatedAt = now
			if err := s.store.UpdateJob(ctx, j); err != nil {
				warnings = append(warnings, "failed to update job "+j.Name+": "+err.Error())
				continue
			}
		} else {
			j.CreatedAt, j.UpdatedAt = now, now
			if err := s.store.CreateJob(ctx, j); err != nil {
				warnings = append(warnings, "failed to create job "+j.Name+": "+err.Error())
				continue
			}
		}
		imported++
	}
	return Response{OK: true, Warnings: warnings, ImportedN: imported}
}
