// Command lunaschedd is the scheduling daemon: it loads job
// definitions from the store, ticks the Scheduler, drains admitted
// work through the Dispatcher, and serves the control socket and the
// /metrics HTTP endpoint. Grounded on
// bfrolikov-go-work/cmd/go-work/main.go's Options-struct +
// signal.Notify + sync.WaitGroup + graceful-shutdown shape.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"

	"github.com/lunasched/lunasched/internal/clock"
	"github.com/lunasched/lunasched/internal/config"
	"github.com/lunasched/lunasched/internal/control"
	"github.com/lunasched/lunasched/internal/dispatch"
	"github.com/lunasched/lunasched/internal/errs"
	"github.com/lunasched/lunasched/internal/httpapi"
	"github.com/lunasched/lunasched/internal/ledger"
	"github.com/lunasched/lunasched/internal/logging"
	"github.com/lunasched/lunasched/internal/metrics"
	"github.com/lunasched/lunasched/internal/model"
	"github.com/lunasched/lunasched/internal/notify"
	"github.com/lunasched/lunasched/internal/registry"
	"github.com/lunasched/lunasched/internal/schedule"
	"github.com/lunasched/lunasched/internal/scheduler"
	"github.com/lunasched/lunasched/internal/spawner"
	"github.com/lunasched/lunasched/internal/store"
)

// Options are the flags accepted alongside the LUNASCHED_* environment
// variables spec.md §6 names, following the teacher's Options struct
// with short/long/description/default tags.
type Options struct {
	ConfigFile   string `short:"c" long:"config" description:"Path to a YAML or TOML config file to import at startup"`
	MetricsAddr  string `short:"m" long:"metrics-addr" description:"Address to serve /metrics on" default:":9090"`
	TickInterval uint   `short:"t" long:"tick-interval-ms" description:"Scheduler tick interval in milliseconds" default:"1000"`
	Workers      uint   `short:"w" long:"workers" description:"Dispatcher worker pool size" default:"4"`
	QueueSize    uint   `short:"q" long:"queue-size" description:"Dispatcher backlog capacity" default:"256"`
	WatchConfig  bool   `long:"watch-config" description:"Hot-reload the config file on change"`
}

const serverShutdownTimeout = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	opts := Options{}
	if _, err := flags.Parse(&opts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return errs.ExitConfigError
	}

	jobLogger := logging.Setup(log.InfoLevel)

	st, err := openStore(context.Background())
	if err != nil {
		log.WithFields(log.Fields{"error": err}).Error("failed to open store")
		return errs.ExitStoreError
	}
	defer st.Close()

	if err := model.RegisterScheduleValidator(schedule.ValidatorFunc); err != nil {
		log.WithFields(log.Fields{"error": err}).Error("failed to register schedule validator")
		return errs.ExitConfigError
	}

	background := context.Background()
	if n, err := st.RecoverStaleExecutions(background); err != nil {
		log.WithFields(log.Fields{"error": err}).Error("failed to recover stale executions")
	} else if n > 0 {
		log.WithFields(log.Fields{"count": n}).Warn("cancelled stale executions left running by a previous process")
	}

	if opts.ConfigFile != "" {
		if err := importConfigFile(background, st, opts.ConfigFile); err != nil {
			log.WithFields(log.Fields{"error": err, "path": opts.ConfigFile}).Error("failed to import config file")
			return errs.ExitConfigError
		}
	}

	metricsReg := metrics.New()
	notifier := notify.New()
	hooks := notify.NewHookRunner()
	reg := registry.New()

	sched := scheduler.New(st, ledger.NewStore(st), clock.Real, time.Duration(opts.TickInterval)*time.Millisecond)
	sched.Metrics = metricsReg

	disp := dispatch.New(st, reg, notifier, hooks, clock.Real, spawnerRunner(jobLogger), int(opts.Workers), int(opts.QueueSize))
	disp.WithMetrics(metricsReg)

	ctx, cancel := context.WithCancel(background)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	wg := sync.WaitGroup{}
	wg.Add(3)

	go func() {
		defer wg.Done()
		if err := sched.Start(ctx); err != nil {
			log.WithFields(log.Fields{"error": err}).Error("scheduler stopped with error")
		}
	}()
	go func() {
		defer wg.Done()
		disp.Run(ctx, sched.Out)
	}()

	socketPath := controlSocketPath()
	ctlSrv := control.New(st, sched, disp)
	go func() {
		defer wg.Done()
		if err := ctlSrv.Serve(ctx, socketPath); err != nil {
			log.WithFields(log.Fields{"error": err}).Error("control socket stopped with error")
		}
	}()

	metricsSrv := httpapi.New(metricsReg, opts.MetricsAddr)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := metricsSrv.ListenAndServe(); err != nil {
			log.WithFields(log.Fields{"error": err}).Error("metrics server stopped with error")
		}
	}()

	if opts.WatchConfig && opts.ConfigFile != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			watchConfigFile(ctx, st, opts.ConfigFile)
		}()
	}

	log.WithFields(log.Fields{"socket": socketPath, "metrics_addr": opts.MetricsAddr}).Info("lunaschedd started")
	<-sigs
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(background, serverShutdownTimeout)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.WithFields(log.Fields{"error": err}).Error("failed to shut down metrics server")
	}
	wg.Wait()
	return errs.ExitClean
}

// openStore selects the backend from LUNASCHED_DB's URI scheme:
// postgres:// opens Postgres, anything else (including a bare file
// path) opens SQLite, letting the daemon run standalone without a
// Postgres server the way the teacher requires one via db-url flags.
func openStore(ctx context.Context) (store.Store, error) {
	dsn := os.Getenv("LUNASCHED_DB")
	if dsn == "" {
		dsn = "/var/lib/lunasched/lunasched.db"
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return store.OpenPostgres(ctx, dsn)
	}
	return store.OpenSQLite(ctx, dsn)
}

func controlSocketPath() string {
	if p := os.Getenv("LUNASCHED_SOCKET"); p != "" {
		return p
	}
	return "/tmp/lunasched.sock"
}

func importConfigFile(ctx context.Context, st store.Store, path string) error {
	cfg, warnings, err := config.LoadFile(path)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		log.WithFields(log.Fields{"path": path}).Warn(w)
	}
	now := time.Now().UTC()
	for _, job := range cfg.Jobs {
		if err := job.Validate(); err != nil {
			log.WithFields(log.Fields{"job": job.Name, "error": err}).Error("skipping invalid job from config")
			continue
		}
		if _, err := st.GetJob(ctx, job.Name); err == nil {
			job.UpdatedAt = now
			if err := st.UpdateJob(ctx, job); err != nil {
				log.WithFields(log.Fields{"job": job.Name, "error": err}).Error("failed to update job from config")
			}
			continue
		}
		job.CreatedAt, job.UpdatedAt = now, now
		if err := st.CreateJob(ctx, job); err != nil {
			log.WithFields(log.Fields{"job": job.Name, "error": err}).Error("failed to create job from config")
		}
	}
	return nil
}

func watchConfigFile(ctx context.Context, st store.Store, path string) {
	watcher := config.NewWatcher(path)
	updates := watcher.Subscribe(1)
	go func() {
		if err := watcher.Watch(ctx); err != nil {
			log.WithFields(log.Fields{"error": err}).Error("config watcher stopped with error")
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg := <-updates:
			now := time.Now().UTC()
			for _, job := range cfg.Jobs {
				if err := job.Validate(); err != nil {
					log.WithFields(log.Fields{"job": job.Name, "error": err}).Error("skipping invalid job from reloaded config")
					continue
				}
				if _, err := st.GetJob(ctx, job.Name); err == nil {
					job.UpdatedAt = now
					st.UpdateJob(ctx, job)
					continue
				}
				job.CreatedAt, job.UpdatedAt = now, now
				st.CreateJob(ctx, job)
			}
		}
	}
}

// spawnerRunner adapts spawner.Run to dispatch.Runner, keeping
// internal/dispatch free of a direct internal/spawner import.
func spawnerRunner(jobLog *log.Logger) dispatch.Runner {
	return func(ctx context.Context, job model.Job) dispatch.RunResult {
		res := spawner.Run(ctx, job)
		jobLog.WithFields(log.Fields{"job": job.Name, "exit_code": res.ExitCode}).Info(res.StdoutTail)
		if res.StderrTail != "" {
			jobLog.WithFields(log.Fields{"job": job.Name}).Warn(res.StderrTail)
		}
		return dispatch.RunResult{
			ExitCode:    res.ExitCode,
			SpawnFailed: res.SpawnFailed,
			TimedOut:    res.TimedOut,
			Cancelled:   res.Cancelled,
			StdoutTail:  res.StdoutTail,
			StderrTail:  res.StderrTail,
		}
	}
}
