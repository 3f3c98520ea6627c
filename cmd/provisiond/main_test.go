package main

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/provisiond/internal/api"
	"github.com/mattjoyce/provisiond/internal/bus"
	"github.com/mattjoyce/provisiond/internal/config"
	"github.com/mattjoyce/provisiond/internal/dispatch"
	"github.com/mattjoyce/provisiond/internal/log"
	"github.com/mattjoyce/provisiond/internal/task"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	outCh := make(chan []byte, 1)
	errCh := make(chan []byte, 1)
	go func() { b, _ := io.ReadAll(stdoutR); outCh <- b }()
	go func() { b, _ := io.ReadAll(stderrR); errCh <- b }()

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes := <-outCh
	stderrBytes := <-errCh
	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	return captureOutputWithExitCode(t, func() int { return run(args) })
}

// writeTestConfig writes a config with a hosts file and scoped token under a temp dir.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	hosts := "- {name: web-01, ip_address: 10.0.0.1, role: web, os_type: ubuntu}\n" +
		"- {name: db-01, ip_address: 10.0.0.2, role: db, os_type: rhel}\n"
	if err := os.WriteFile(filepath.Join(dir, "hosts.yaml"), []byte(hosts), 0o600); err != nil {
		t.Fatal(err)
	}
	body := `
state:
  path: data/state.db
executor:
  binary: sh
  work_dir: .
api:
  auth:
    tokens:
      - token: 0123456789abcdef-ops
        scopes: [tasks:rw]
inventory:
  hosts_file: hosts.yaml
`
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunUsageAndVersion(t *testing.T) {
	code, _, stderr := runCLI(t)
	if code != 1 || !strings.Contains(stderr, "Usage:") {
		t.Fatalf("no args: code=%d stderr=%q", code, stderr)
	}

	code, stdout, _ := runCLI(t, "version")
	if code != 0 || !strings.Contains(stdout, version) {
		t.Fatalf("version: code=%d stdout=%q", code, stdout)
	}

	code, _, stderr = runCLI(t, "frobnicate")
	if code != 1 || !strings.Contains(stderr, "Unknown command: frobnicate") {
		t.Fatalf("unknown: code=%d stderr=%q", code, stderr)
	}

	code, stdout, _ = runCLI(t, "task", "help")
	if code != 0 || !strings.Contains(stdout, "submit") {
		t.Fatalf("task help: code=%d stdout=%q", code, stdout)
	}
}

func TestExitCodeFor(t *testing.T) {
	if got := exitCodeFor(task.StatusCompleted); got != 0 {
		t.Errorf("completed -> %d", got)
	}
	if got := exitCodeFor(task.StatusFailed); got != 2 {
		t.Errorf("failed -> %d", got)
	}
	if got := exitCodeFor(task.StatusTimeout); got != 3 {
		t.Errorf("timeout -> %d", got)
	}
}

func TestRunConfigCheckAndLock(t *testing.T) {
	path := writeTestConfig(t)

	code, stdout, stderr := runCLI(t, "config", "check", "--config", path, "--role", "control")
	if code != 0 {
		t.Fatalf("config check code=%d stdout=%s stderr=%s", code, stdout, stderr)
	}

	// The missing manifest is a warning, so --strict fails until the config is locked.
	code, _, _ = runCLI(t, "config", "check", "--config", path, "--role", "control", "--strict")
	if code != 2 {
		t.Fatalf("strict check before lock code=%d, want 2", code)
	}

	code, stdout, stderr = runCLI(t, "config", "lock", "--config", path, "-v")
	if code != 0 {
		t.Fatalf("config lock code=%d stderr=%s", code, stderr)
	}
	if !strings.Contains(stdout, "HASH ") || !strings.Contains(stdout, "hosts.yaml") {
		t.Fatalf("lock output missing hashes: %s", stdout)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(path), config.ChecksumFile)); err != nil {
		t.Fatalf("manifest not written: %v", err)
	}

	code, stdout, _ = runCLI(t, "config", "check", "--config", path, "--role", "control", "--json")
	if code != 0 {
		t.Fatalf("json check code=%d", code)
	}
	var report map[string]any
	if err := json.Unmarshal([]byte(stdout), &report); err != nil {
		t.Fatalf("check --json output is not JSON: %v\n%s", err, stdout)
	}
}

func TestRunInventoryLocal(t *testing.T) {
	path := writeTestConfig(t)

	code, stdout, stderr := runCLI(t, "inventory", "--list", "--config", path)
	if code != 0 {
		t.Fatalf("inventory --list code=%d stderr=%s", code, stderr)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(stdout), &doc); err != nil {
		t.Fatalf("inventory output is not JSON: %v", err)
	}
	if _, ok := doc["_meta"]; !ok {
		t.Fatalf("inventory missing _meta: %s", stdout)
	}
	if !strings.Contains(stdout, "10.0.0.2") {
		t.Fatalf("inventory missing db host: %s", stdout)
	}

	code, stdout, _ = runCLI(t, "inventory", "--host", "10.0.0.1", "--config", path)
	if code != 0 || !strings.Contains(stdout, `"server_name": "web-01"`) {
		t.Fatalf("inventory --host code=%d stdout=%s", code, stdout)
	}

	code, stdout, _ = runCLI(t, "inventory", "--host", "10.9.9.9", "--config", path)
	if code != 0 || strings.TrimSpace(stdout) != "{}" {
		t.Fatalf("unknown host code=%d stdout=%q", code, stdout)
	}

	code, _, _ = runCLI(t, "inventory", "--config", path)
	if code != 1 {
		t.Fatalf("inventory without --list/--host code=%d, want 1", code)
	}
}

func TestRunTaskCommandsAgainstAPI(t *testing.T) {
	registry := task.NewRegistry(task.WithLogger(log.Discard()))
	mem := bus.NewMemory(16, log.Discard())
	t.Cleanup(func() { _ = mem.Close() })
	disp := dispatch.New(registry, mem, "provision.requests", dispatch.WithLogger(log.Discard()))

	srv := api.New(api.Config{APIKey: "test-key"}, api.Deps{Dispatcher: disp, Tasks: registry}, log.Discard())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	client := []string{"--api-url", ts.URL, "--token", "test-key"}

	code, stdout, stderr := runCLI(t, append([]string{"task", "submit", "plan", "--target", "module.web"}, client...)...)
	if code != 0 {
		t.Fatalf("submit code=%d stderr=%s", code, stderr)
	}
	taskID := strings.TrimSpace(stdout)
	if taskID == "" {
		t.Fatal("submit printed no task id")
	}

	code, stdout, stderr = runCLI(t, append([]string{"task", "get", taskID, "--json"}, client...)...)
	if code != 0 {
		t.Fatalf("get code=%d stderr=%s", code, stderr)
	}
	var got api.TaskResponse
	if err := json.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("get output is not JSON: %v", err)
	}
	if got.Status != task.StatusPending || got.Target != "module.web" || got.Command != "plan" {
		t.Fatalf("unexpected task %+v", got)
	}

	code, stdout, _ = runCLI(t, append([]string{"task", "list", "--status", "pending"}, client...)...)
	if code != 0 || !strings.Contains(stdout, taskID) {
		t.Fatalf("list code=%d stdout=%s", code, stdout)
	}

	code, _, stderr = runCLI(t, append([]string{"task", "get", "no-such-task"}, client...)...)
	if code != 1 || !strings.Contains(stderr, "not found") {
		t.Fatalf("get unknown code=%d stderr=%s", code, stderr)
	}

	code, _, stderr = runCLI(t, append([]string{"task", "submit", "refresh"}, client...)...)
	if code != 1 || !strings.Contains(stderr, "Submit failed") {
		t.Fatalf("submit invalid code=%d stderr=%s", code, stderr)
	}

	// Flags may precede the command and values may start with a dash.
	code, stdout, stderr = runCLI(t, append([]string{"task", "submit", "--target", "-x", "apply", "--json"}, client...)...)
	if code != 0 {
		t.Fatalf("submit with leading flags code=%d stderr=%s", code, stderr)
	}
	var submitted api.DispatchResponse
	if err := json.Unmarshal([]byte(stdout), &submitted); err != nil {
		t.Fatalf("submit --json output is not JSON: %v\n%s", err, stdout)
	}
	code, stdout, stderr = runCLI(t, append([]string{"task", "get", "--json", submitted.TaskID}, client...)...)
	if code != 0 {
		t.Fatalf("get with leading flag code=%d stderr=%s", code, stderr)
	}
	got = api.TaskResponse{}
	if err := json.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("get output is not JSON: %v", err)
	}
	if got.Command != "apply" || got.Target != "-x" {
		t.Fatalf("flags parsed wrongly: command=%q target=%q", got.Command, got.Target)
	}

	code, _, stderr = runCLI(t, append([]string{"task", "submit", "plan", "apply"}, client...)...)
	if code != 1 || !strings.Contains(stderr, "Usage:") {
		t.Fatalf("submit with two commands code=%d stderr=%s", code, stderr)
	}

	code, _, _ = runCLI(t, "task", "list", "--status", "bogus")
	if code != 1 {
		t.Fatalf("list invalid status code=%d, want 1", code)
	}

	code, _, stderr = runCLI(t, "task", "submit", "plan", "--api-url", ts.URL, "--token", "wrong")
	if code != 1 || !strings.Contains(stderr, "invalid API key") {
		t.Fatalf("submit bad token code=%d stderr=%s", code, stderr)
	}
}

func TestGetPIDLockPath(t *testing.T) {
	cfg := config.Defaults()
	cfg.State.Path = "/var/lib/provisiond/state.db"
	if got := getPIDLockPath(cfg); got != "/var/lib/provisiond/state.pid" {
		t.Fatalf("getPIDLockPath() = %q", got)
	}
}

func TestRunStartRejectsBadRole(t *testing.T) {
	code, _, stderr := runCLI(t, "system", "start", "--role", "observer")
	if code != 1 || !strings.Contains(stderr, "Invalid role") {
		t.Fatalf("code=%d stderr=%s", code, stderr)
	}
}
