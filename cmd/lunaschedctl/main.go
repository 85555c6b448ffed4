// Command lunaschedctl is a thin control-socket client: it dials the
// daemon's Unix socket, writes one length-prefixed JSON control.Request,
// reads the matching control.Response, and prints the result. Grounded
// on bfrolikov-go-work/cmd/go-work/main.go's go-flags Options struct,
// adapted to jessevdk/go-flags subcommands since this binary has one
// verb per control.Op rather than one long-running server loop.
package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"

	"github.com/jessevdk/go-flags"

	"github.com/lunasched/lunasched/internal/control"
	"github.com/lunasched/lunasched/internal/model"
)

// socketFlag is embedded in every subcommand so -s/--socket is
// available uniformly, following the teacher's flat Options-struct
// convention generalized to per-command option groups.
type socketFlag struct {
	Socket string `short:"s" long:"socket" description:"Path to the lunaschedd control socket" default:"/tmp/lunasched.sock"`
}

type addJobCmd struct {
	socketFlag
	Name     string   `long:"name" required:"true"`
	Command  string   `long:"command" required:"true"`
	Schedule string   `long:"schedule" required:"true"`
	Timezone string   `long:"timezone"`
	Priority string   `long:"priority"`
	Mode     string   `long:"mode"`
	Disabled bool     `long:"disabled"`
	Depends  []string `long:"depends-on"`
}

func (c *addJobCmd) Execute(_ []string) error {
	job := model.Job{
		Name:         c.Name,
		Command:      c.Command,
		Schedule:     c.Schedule,
		Timezone:     c.Timezone,
		Enabled:      !c.Disabled,
		PriorityName: c.Priority,
		ExecModeName: c.Mode,
		Dependencies: c.Depends,
	}
	return roundTrip(c.Socket, control.Request{Op: control.OpAddJob, Job: &job})
}

type updateJobCmd struct {
	socketFlag
	Name     string   `long:"name" required:"true"`
	Command  string   `long:"command" required:"true"`
	Schedule string   `long:"schedule" required:"true"`
	Timezone string   `long:"timezone"`
	Priority string   `long:"priority"`
	Mode     string   `long:"mode"`
	Disabled bool     `long:"disabled"`
	Depends  []string `long:"depends-on"`
}

func (c *updateJobCmd) Execute(_ []string) error {
	job := model.Job{
		Name:         c.Name,
		Command:      c.Command,
		Schedule:     c.Schedule,
		Timezone:     c.Timezone,
		Enabled:      !c.Disabled,
		PriorityName: c.Priority,
		ExecModeName: c.Mode,
		Dependencies: c.Depends,
	}
	return roundTrip(c.Socket, control.Request{Op: control.OpUpdateJob, Job: &job})
}

type removeJobCmd struct {
	socketFlag
	Name string `long:"name" required:"true"`
}

func (c *removeJobCmd) Execute(_ []string) error {
	return roundTrip(c.Socket, control.Request{Op: control.OpRemoveJob, JobName: c.Name})
}

type getJobCmd struct {
	socketFlag
	Name string `long:"name" required:"true"`
}

func (c *getJobCmd) Execute(_ []string) error {
	return roundTrip(c.Socket, control.Request{Op: control.OpGetJob, JobName: c.Name})
}

type listJobsCmd struct {
	socketFlag
}

func (c *listJobsCmd) Execute(_ []string) error {
	return roundTrip(c.Socket, control.Request{Op: control.OpListJobs})
}

type historyForCmd struct {
	socketFlag
	Name  string `long:"name" required:"true"`
	Limit int    `long:"limit" default:"50"`
}

func (c *historyForCmd) Execute(_ []string) error {
	return roundTrip(c.Socket, control.Request{Op: control.OpHistoryFor, JobName: c.Name, Limit: c.Limit})
}

type startNowCmd struct {
	socketFlag
	Name string `long:"name" required:"true"`
}

func (c *startNowCmd) Execute(_ []string) error {
	return roundTrip(c.Socket, control.Request{Op: control.OpStartNow, JobName: c.Name})
}

type stopExecutionCmd struct {
	socketFlag
	ExecutionID string `long:"execution-id" required:"true"`
}

func (c *stopExecutionCmd) Execute(_ []string) error {
	return roundTrip(c.Socket, control.Request{Op: control.OpStopExecution, ExecutionID: c.ExecutionID})
}

type importConfigCmd struct {
	socketFlag
	Path string `long:"path" required:"true"`
}

func (c *importConfigCmd) Execute(_ []string) error {
	return roundTrip(c.Socket, control.Request{Op: control.OpImportConfig, ConfigPath: c.Path})
}

func main() {
	parser := flags.NewParser(nil, flags.Default)
	parser.AddCommand("add-job", "Add a job", "", &addJobCmd{})
	parser.AddCommand("update-job", "Update a job", "", &updateJobCmd{})
	parser.AddCommand("remove-job", "Remove a job", "", &removeJobCmd{})
	parser.AddCommand("get-job", "Get a job by name", "", &getJobCmd{})
	parser.AddCommand("list-jobs", "List all jobs", "", &listJobsCmd{})
	parser.AddCommand("history-for", "Show recent executions for a job", "", &historyForCmd{})
	parser.AddCommand("start-now", "Fire a job immediately, bypassing its schedule", "", &startNowCmd{})
	parser.AddCommand("stop-execution", "Cancel a currently running execution", "", &stopExecutionCmd{})
	parser.AddCommand("import-config", "Import jobs from a YAML/TOML config file", "", &importConfigCmd{})

	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// roundTrip dials socketPath, writes req as a single frame, reads the
// matching response, and pretty-prints it, mirroring
// original_source/common/src/ipc.rs's one-request-per-connection client
// pattern.
func roundTrip(socketPath string, req control.Request) error {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("dial %s: %w", socketPath, err)
	}
	defer conn.Close()

	if err := control.WriteFrame(conn, req); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	var resp control.Response
	if err := control.ReadFrame(conn, &resp); err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if !resp.OK {
		return fmt.Errorf("%s", resp.Error)
	}
	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
