package e2e

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/provisiond/internal/api"
	"github.com/mattjoyce/provisiond/internal/auth"
	"github.com/mattjoyce/provisiond/internal/bus"
	"github.com/mattjoyce/provisiond/internal/client"
	"github.com/mattjoyce/provisiond/internal/collector"
	"github.com/mattjoyce/provisiond/internal/dispatch"
	"github.com/mattjoyce/provisiond/internal/events"
	"github.com/mattjoyce/provisiond/internal/executor"
	"github.com/mattjoyce/provisiond/internal/log"
	"github.com/mattjoyce/provisiond/internal/retry"
	"github.com/mattjoyce/provisiond/internal/storage"
	"github.com/mattjoyce/provisiond/internal/task"
)

const (
	requestChannel  = "provision.requests"
	responseChannel = "provision.responses"
	adminToken      = "e2e-admin-token"
	executorToken   = "e2e-executor-token"
)

// fakeTool stands in for the provisioning binary. A target named "broken" fails and
// "slow" outlives the executor timeout.
const fakeTool = `#!/bin/sh
for arg in "$@"; do
  case "$arg" in
    broken) echo "Error: resource broken not found" >&2; exit 1 ;;
    slow) exec sleep 30 ;;
  esac
done
case "$1" in
  plan) echo "Plan: 1 to add, 0 to change, 0 to destroy." ;;
  apply) echo "Apply complete! Resources: 1 added." ;;
  destroy) echo "Destroy complete! args: $*" ;;
esac
`

type control struct {
	tasks  *task.Registry
	bus    *bus.Memory
	server *httptest.Server
	client *client.Client
	dbPath string
}

type controlOptions struct {
	dbPath   string
	deadline time.Duration
}

// startControl wires the control plane: journalled registry, memory bus, dispatcher,
// collector, watchdog and API.
func startControl(t *testing.T, ctx context.Context, opts controlOptions) *control {
	t.Helper()

	db, err := storage.OpenSQLite(ctx, opts.dbPath)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	hub := events.NewHub(64)
	tasks := task.NewRegistry(
		task.WithJournal(task.NewSQLiteJournal(db)),
		task.WithObserver(hub.ObserveTask),
		task.WithLogger(log.Discard()),
	)
	if _, err := tasks.Load(ctx); err != nil {
		t.Fatalf("failed to load tasks: %v", err)
	}

	mem := bus.NewMemory(64, log.Discard())
	t.Cleanup(func() { _ = mem.Close() })

	d := dispatch.New(tasks, mem, requestChannel,
		dispatch.WithRetry(retry.Policy{Attempts: 2, BaseDelay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond}),
		dispatch.WithLogger(log.Discard()))

	coll := collector.New(mem, responseChannel, tasks, log.Discard())
	go func() { _ = coll.Start(ctx) }()

	if opts.deadline > 0 {
		wd := collector.NewWatchdog(tasks, collector.WatchdogConfig{
			Deadline: opts.deadline,
			Interval: 50 * time.Millisecond,
		}, log.Discard())
		go func() { _ = wd.Start(ctx) }()
	}

	srv := api.New(api.Config{
		Tokens: []auth.TokenConfig{
			{Token: adminToken, Scopes: []string{auth.ScopeAll}},
			{Token: executorToken, Scopes: []string{auth.ScopeBus}},
		},
		RequestChannel:  requestChannel,
		ResponseChannel: responseChannel,
	}, api.Deps{
		Dispatcher: d,
		Tasks:      tasks,
		Events:     hub,
		Bus:        bus.NewServer(mem, log.Discard()),
		BusStats:   mem,
	}, log.Discard())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	waitFor(t, "collector subscription", func() bool { return mem.Subscribers(responseChannel) == 1 })

	return &control{tasks: tasks, bus: mem, server: ts, client: client.New(ts.URL, adminToken), dbPath: opts.dbPath}
}

// startExecutors runs n executors against b with the fake tool.
func startExecutors(t *testing.T, ctx context.Context, b bus.Bus, n int, timeout time.Duration) {
	t.Helper()
	dir := t.TempDir()
	tool := filepath.Join(dir, "terraform")
	if err := os.WriteFile(tool, []byte(fakeTool), 0o755); err != nil {
		t.Fatalf("failed to write tool: %v", err)
	}

	var pool []*executor.Executor
	for i := 0; i < n; i++ {
		runner := &executor.ProcessRunner{
			Binary:      tool,
			WorkDir:     dir,
			Timeout:     timeout,
			GracePeriod: 100 * time.Millisecond,
			Logger:      log.Discard(),
		}
		pool = append(pool, executor.New(executor.Config{
			Name:            "e2e-" + string(rune('a'+i)),
			RequestChannel:  requestChannel,
			ResponseChannel: responseChannel,
			LockDir:         dir,
		}, b, runner, log.Discard()))
	}
	go func() { _ = executor.NewPool(b, requestChannel, pool...).Start(ctx) }()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func submitAndWait(t *testing.T, ctx context.Context, c *client.Client, command string, cfg map[string]any) *api.TaskResponse {
	t.Helper()
	resp, err := c.Submit(ctx, command, cfg)
	if err != nil {
		t.Fatalf("submit %s: %v", command, err)
	}
	if resp.Status != task.StatusPending {
		t.Fatalf("expected pending, got %s", resp.Status)
	}
	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	rec, err := c.Wait(wctx, resp.TaskID, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("wait %s: %v", resp.TaskID, err)
	}
	return rec
}

func TestEndToEndCommands(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ctl := startControl(t, ctx, controlOptions{dbPath: filepath.Join(t.TempDir(), "state.db")})
	startExecutors(t, ctx, ctl.bus, 2, 5*time.Second)
	waitFor(t, "executor subscription", func() bool { return ctl.bus.Subscribers(requestChannel) == 1 })

	plan := submitAndWait(t, ctx, ctl.client, "plan", nil)
	if plan.Status != task.StatusCompleted || plan.Progress != 100 {
		t.Fatalf("plan: expected completed/100, got %s/%d", plan.Status, plan.Progress)
	}
	if plan.Message != "Task completed successfully" {
		t.Fatalf("plan: unexpected message %q", plan.Message)
	}
	if plan.Result == nil || !plan.Result.Success || !strings.Contains(plan.Result.Output, "Plan: 1 to add") {
		t.Fatalf("plan: unexpected result %+v", plan.Result)
	}

	destroy := submitAndWait(t, ctx, ctl.client, "destroy", map[string]any{"target": "vm-203"})
	if destroy.Status != task.StatusCompleted {
		t.Fatalf("destroy: expected completed, got %s", destroy.Status)
	}
	if !strings.Contains(destroy.Result.Output, "-auto-approve") || !strings.Contains(destroy.Result.Output, "-target vm-203") {
		t.Fatalf("destroy: tool did not receive target args: %q", destroy.Result.Output)
	}

	failed := submitAndWait(t, ctx, ctl.client, "destroy", map[string]any{"target": "broken"})
	if failed.Status != task.StatusFailed {
		t.Fatalf("broken destroy: expected failed, got %s", failed.Status)
	}
	if failed.Result.Success || !strings.Contains(failed.Result.Error, "resource broken not found") {
		t.Fatalf("broken destroy: unexpected result %+v", failed.Result)
	}
	if failed.Message != "Task failed" {
		t.Fatalf("broken destroy: unexpected message %q", failed.Message)
	}

	// Rejected input never becomes a task.
	if _, err := ctl.client.Submit(ctx, "init", nil); err == nil {
		t.Fatal("expected init to be rejected")
	}
	if _, err := ctl.client.Submit(ctx, "destroy", map[string]any{"target": "$(reboot)"}); err == nil {
		t.Fatal("expected unsafe target to be rejected")
	}
	if n := len(ctl.tasks.List()); n != 3 {
		t.Fatalf("expected 3 tasks, got %d", n)
	}
}

func TestEndToEndExecutionTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ctl := startControl(t, ctx, controlOptions{dbPath: filepath.Join(t.TempDir(), "state.db")})
	startExecutors(t, ctx, ctl.bus, 1, 300*time.Millisecond)
	waitFor(t, "executor subscription", func() bool { return ctl.bus.Subscribers(requestChannel) == 1 })

	rec := submitAndWait(t, ctx, ctl.client, "destroy", map[string]any{"target": "slow"})
	if rec.Status != task.StatusTimeout {
		t.Fatalf("expected timeout, got %s", rec.Status)
	}
	if rec.Result == nil || rec.Result.Error != "timeout" {
		t.Fatalf("expected timeout error, got %+v", rec.Result)
	}
}

func TestEndToEndWatchdogTimesOutLostRequest(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// No executors: the request is published to nobody.
	ctl := startControl(t, ctx, controlOptions{
		dbPath:   filepath.Join(t.TempDir(), "state.db"),
		deadline: 200 * time.Millisecond,
	})

	rec := submitAndWait(t, ctx, ctl.client, "plan", nil)
	if rec.Status != task.StatusTimeout {
		t.Fatalf("expected timeout, got %s", rec.Status)
	}
	if rec.Result == nil || rec.Result.Error != "timeout" {
		t.Fatalf("expected timeout error, got %+v", rec.Result)
	}

	// A late response is dropped; the record stays timed out.
	late := `{"request_id":"` + rec.TaskID + `","success":true,"output":"late","error":"","timestamp":1}`
	if err := ctl.bus.Publish(ctx, responseChannel, []byte(late)); err != nil {
		t.Fatalf("publish late response: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	got, err := ctl.client.Get(ctx, rec.TaskID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != task.StatusTimeout {
		t.Fatalf("late response changed status to %s", got.Status)
	}
}

func TestEndToEndRemoteExecutor(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ctl := startControl(t, ctx, controlOptions{dbPath: filepath.Join(t.TempDir(), "state.db")})

	remote := bus.NewRemote(ctl.server.URL, executorToken, log.Discard())
	startExecutors(t, ctx, remote, 1, 5*time.Second)
	waitFor(t, "remote executor", func() bool { return ctl.bus.Subscribers(requestChannel) == 1 })

	rec := submitAndWait(t, ctx, ctl.client, "apply", nil)
	if rec.Status != task.StatusCompleted {
		t.Fatalf("expected completed, got %s (%+v)", rec.Status, rec.Result)
	}
	if !strings.Contains(rec.Result.Output, "Apply complete!") {
		t.Fatalf("unexpected output %q", rec.Result.Output)
	}

	health, err := ctl.client.Health(ctx)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if health.BusSubscribers[requestChannel] != 1 {
		t.Fatalf("expected 1 remote executor, got %d", health.BusSubscribers[requestChannel])
	}
}

func TestEndToEndStateSurvivesRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	ctx1, cancel1 := context.WithTimeout(context.Background(), 30*time.Second)
	ctl := startControl(t, ctx1, controlOptions{dbPath: dbPath})
	startExecutors(t, ctx1, ctl.bus, 1, 5*time.Second)
	waitFor(t, "executor subscription", func() bool { return ctl.bus.Subscribers(requestChannel) == 1 })
	done := submitAndWait(t, ctx1, ctl.client, "plan", nil)
	cancel1()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel2()
	restarted := startControl(t, ctx2, controlOptions{dbPath: dbPath})

	got, err := restarted.client.Get(ctx2, done.TaskID)
	if err != nil {
		t.Fatalf("get after restart: %v", err)
	}
	if got.Status != task.StatusCompleted || got.Result == nil || !got.Result.Success {
		t.Fatalf("unexpected record after restart: %+v", got)
	}

	_, err = restarted.client.Get(ctx2, "never-dispatched")
	if !client.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "task not found" {
		t.Fatalf("unexpected error body: %v", err)
	}
}
