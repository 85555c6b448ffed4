package control

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/lunasched/lunasched/internal/clock"
	"github.com/lunasched/lunasched/internal/dispatch"
	"github.com/lunasched/lunasched/internal/ledger"
	"github.com/lunasched/lunasched/internal/model"
	"github.com/lunasched/lunasched/internal/notify"
	"github.com/lunasched/lunasched/internal/registry"
	"github.com/lunasched/lunasched/internal/schedule"
	"github.com/lunasched/lunasched/internal/scheduler"
	"github.com/lunasched/lunasched/internal/store"
)

func init() {
	if err := model.RegisterScheduleValidator(schedule.ValidatorFunc); err != nil {
		panic(err)
	}
}

func startTestServer(t *testing.T) (net.Conn, store.Store) {
	t.Helper()
	st, err := store.OpenSQLite(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	sched := scheduler.New(st, ledger.NewMemory(), fake, time.Second)
	go func() {
		for range sched.Out {
		}
	}()

	disp := dispatch.New(st, registry.New(), notify.New(), notify.NewHookRunner(), fake,
		func(ctx context.Context, job model.Job) dispatch.RunResult {
			return dispatch.RunResult{ExitCode: 0}
		}, 2, 16)

	srv := New(st, sched, disp)
	socketPath := filepath.Join(t.TempDir(), "control.sock")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ready := make(chan struct{})
	go func() {
		go srv.Serve(ctx, socketPath)
		close(ready)
	}()
	<-ready

	var conn net.Conn
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err = net.Dial("unix", socketPath)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if conn == nil {
		t.Fatalf("failed to dial control socket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, st
}

func TestAddJobThenGetJobRoundTrips(t *testing.T) {
	conn, _ := startTestServer(t)

	addReq := Request{Op: OpAddJob, Job: &model.Job{
		Name: "backup", Command: "/usr/bin/backup.sh", Schedule: "every 1h", Enabled: true,
	}}
	if err := WriteFrame(conn, addReq); err != nil {
		t.Fatal(err)
	}
	var addResp Response
	if err := ReadFrame(conn, &addResp); err != nil {
		t.Fatal(err)
	}
	if !addResp.OK {
		t.Fatalf("AddJob failed: %s", addResp.Error)
	}

	getReq := Request{Op: OpGetJob, JobName: "backup"}
	if err := WriteFrame(conn, getReq); err != nil {
		t.Fatal(err)
	}
	var getResp Response
	if err := ReadFrame(conn, &getResp); err != nil {
		t.Fatal(err)
	}
	if !getResp.OK || getResp.Job == nil || getResp.Job.Name != "backup" {
		t.Fatalf("got response %+v", getResp)
	}
}

func TestGetJobMissingReturnsError(t *testing.T) {
	conn, _ := startTestServer(t)

	req := Request{Op: OpGetJob, JobName: "does-not-exist"}
	if err := WriteFrame(conn, req); err != nil {
		t.Fatal(err)
	}
	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.OK {
		t.Fatal("expected an error response for a missing job")
	}
}

func TestListJobsReturnsAllAddedJobs(t *testing.T) {
	conn, _ := startTestServer(t)

	for _, name := range []string{"a", "b"} {
		req := Request{Op: OpAddJob, Job: &model.Job{
			Name: name, Command: "/bin/true", Schedule: "every 1h", Enabled: true,
		}}
		WriteFrame(conn, req)
		var resp Response
		ReadFrame(conn, &resp)
		if !resp.OK {
			t.Fatalf("AddJob %s failed: %s", name, resp.Error)
		}
	}

	WriteFrame(conn, Request{Op: OpListJobs})
	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.OK || len(resp.Jobs) != 2 {
		t.Fatalf("got response %+v", resp)
	}
}

func TestRemoveJobDeletesIt(t *testing.T) {
	conn, _ := startTestServer(t)

	WriteFrame(conn, Request{Op: OpAddJob, Job: &model.Job{
		Name: "ephemeral", Command: "/bin/true", Schedule: "every 1h", Enabled: true,
	}})
	var addResp Response
	ReadFrame(conn, &addResp)

	WriteFrame(conn, Request{Op: OpRemoveJob, JobName: "ephemeral"})
	var rmResp Response
	if err := ReadFrame(conn, &rmResp); err != nil {
		t.Fatal(err)
	}
	if !rmResp.OK {
		t.Fatalf("RemoveJob failed: %s", rmResp.Error)
	}

	WriteFrame(conn, Request{Op: OpGetJob, JobName: "ephemeral"})
	var getResp Response
	ReadFrame(conn, &getResp)
	if getResp.OK {
		t.Fatal("expected job to be gone after RemoveJob")
	}
}
