package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/provisiond/internal/api"
	"github.com/mattjoyce/provisiond/internal/client"
	"github.com/mattjoyce/provisiond/internal/config"
	"github.com/mattjoyce/provisiond/internal/task"
	"github.com/mattjoyce/provisiond/internal/tui/watch"
)

func runTaskSubmit(args []string) int {
	var cf clientFlags
	var target string
	var wait, jsonOut bool
	var interval, timeout time.Duration

	fs := newFlagSet("submit")
	cf.register(fs)
	fs.StringVar(&target, "target", "", "Resource address passed to the tool as -target")
	fs.BoolVar(&wait, "wait", false, "Poll until the task finishes")
	fs.DurationVar(&interval, "interval", time.Second, "Poll interval for --wait")
	fs.DurationVar(&timeout, "timeout", 0, "Give up waiting after this long (0 waits forever)")
	fs.BoolVar(&jsonOut, "json", false, "Output JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	positional := fs.Args()
	if len(positional) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: provisiond task submit <plan|apply|destroy> [--target NAME] [--wait]")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var body map[string]any
	if target != "" {
		body = map[string]any{"target": target}
	}
	c := cf.client()
	resp, err := c.Submit(ctx, positional[0], body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Submit failed: %v\n", err)
		return 1
	}
	if !wait {
		if jsonOut {
			return printJSON(resp)
		}
		fmt.Println(resp.TaskID)
		return 0
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	final, err := c.Wait(ctx, resp.TaskID, interval)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Wait for %s failed: %v\n", resp.TaskID, err)
		return 1
	}
	if jsonOut {
		printJSON(final)
	} else {
		printTask(os.Stdout, final)
	}
	return exitCodeFor(final.Status)
}

func runTaskGet(args []string) int {
	var cf clientFlags
	var jsonOut bool

	fs := newFlagSet("get")
	cf.register(fs)
	fs.BoolVar(&jsonOut, "json", false, "Output JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	positional := fs.Args()
	if len(positional) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: provisiond task get <task_id> [--json]")
		return 1
	}

	resp, err := cf.client().Get(context.Background(), positional[0])
	if err != nil {
		if client.IsNotFound(err) {
			fmt.Fprintf(os.Stderr, "Task %s not found\n", positional[0])
			return 1
		}
		fmt.Fprintf(os.Stderr, "Get failed: %v\n", err)
		return 1
	}
	if jsonOut {
		return printJSON(resp)
	}
	printTask(os.Stdout, resp)
	return 0
}

func runTaskList(args []string) int {
	var cf clientFlags
	var status string
	var jsonOut bool

	fs := newFlagSet("list")
	cf.register(fs)
	fs.StringVar(&status, "status", "", "Only list tasks in this status")
	fs.BoolVar(&jsonOut, "json", false, "Output JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if status != "" && !task.Status(status).Valid() {
		fmt.Fprintf(os.Stderr, "Invalid status %q\n", status)
		return 1
	}

	tasks, err := cf.client().List(context.Background(), task.Status(status))
	if err != nil {
		fmt.Fprintf(os.Stderr, "List failed: %v\n", err)
		return 1
	}
	if jsonOut {
		return printJSON(api.TaskListResponse{Tasks: tasks})
	}
	printTaskTable(os.Stdout, tasks)
	return 0
}

func runTaskWatch(args []string) int {
	var cf clientFlags
	var channel string

	fs := newFlagSet("watch")
	cf.register(fs)
	fs.StringVar(&channel, "channel", config.Defaults().Bus.RequestChannel, "Request channel whose executors are counted")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	positional := fs.Args()
	if len(positional) > 1 {
		fmt.Fprintln(os.Stderr, "Usage: provisiond task watch [task_id]")
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := watch.Options{RequestChannel: channel}
	if len(positional) == 1 {
		opts.TaskID = positional[0]
	}

	p := tea.NewProgram(watch.New(ctx, cf.client(), opts), tea.WithAltScreen())
	out, err := p.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Watch failed: %v\n", err)
		return 1
	}

	m, ok := out.(watch.Model)
	if !ok || opts.TaskID == "" {
		return 0
	}
	rec, done := m.Final()
	if !done {
		return 0
	}
	resp := api.TaskResponse{
		TaskID:    rec.TaskID,
		Status:    rec.Status,
		Progress:  rec.Progress,
		Message:   rec.Message,
		Result:    rec.Result,
		Command:   rec.Command,
		Target:    rec.Target,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	printTask(os.Stdout, &resp)
	return exitCodeFor(rec.Status)
}

// exitCodeFor maps a terminal status to the process exit code.
func exitCodeFor(s task.Status) int {
	switch s {
	case task.StatusCompleted:
		return 0
	case task.StatusTimeout:
		return 3
	default:
		return 2
	}
}

func printTask(w io.Writer, t *api.TaskResponse) {
	fmt.Fprintf(w, "Task:     %s\n", t.TaskID)
	fmt.Fprintf(w, "Command:  %s\n", t.Command)
	if t.Target != "" {
		fmt.Fprintf(w, "Target:   %s\n", t.Target)
	}
	fmt.Fprintf(w, "Status:   %s (%d%%)\n", t.Status, t.Progress)
	fmt.Fprintf(w, "Message:  %s\n", t.Message)
	fmt.Fprintf(w, "Created:  %s\n", t.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Updated:  %s\n", t.UpdatedAt.Format(time.RFC3339))
	if t.Result == nil {
		return
	}
	if t.Result.Error != "" {
		fmt.Fprintf(w, "Error:    %s\n", t.Result.Error)
	}
	if t.Result.Output != "" {
		fmt.Fprintf(w, "\n%s", t.Result.Output)
		if !strings.HasSuffix(t.Result.Output, "\n") {
			fmt.Fprintln(w)
		}
	}
}

func printTaskTable(w io.Writer, tasks []api.TaskResponse) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK ID\tCOMMAND\tTARGET\tSTATUS\tCREATED\tMESSAGE")
	for _, t := range tasks {
		target := t.Target
		if target == "" {
			target = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.TaskID, t.Command, target, t.Status, t.CreatedAt.Format(time.RFC3339), t.Message)
	}
	_ = tw.Flush()
}

func printJSON(v any) int {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "JSON encode error: %v\n", err)
		return 1
	}
	return 0
}
