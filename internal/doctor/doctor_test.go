package doctor

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/provisiond/internal/config"
)

func validConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "main.tf"), []byte("# empty\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := config.Defaults()
	cfg.State.Path = filepath.Join(dir, "state.db")
	cfg.Executor.WorkDir = dir
	cfg.API.Auth.Tokens = []config.APIToken{
		{Token: "0123456789abcdef-ops", Scopes: []string{"tasks:rw", "events:ro"}},
	}
	return cfg
}

func newDoctor(cfg *config.Config, role string) *Doctor {
	d := New(cfg, role)
	d.lookPath = func(name string) (string, error) { return "/usr/bin/" + name, nil }
	return d
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()
	r := newDoctor(validConfig(t), config.RoleAll).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
}

func TestValidate_MissingBinary(t *testing.T) {
	t.Parallel()
	d := newDoctor(validConfig(t), config.RoleAll)
	d.lookPath = func(string) (string, error) { return "", errors.New("executable file not found in $PATH") }
	r := d.Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "executor", "not found")
}

func TestValidate_ControlRoleSkipsExecutorChecks(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Executor.WorkDir = filepath.Join(t.TempDir(), "missing")
	d := newDoctor(cfg, config.RoleControl)
	d.lookPath = func(string) (string, error) { return "", errors.New("missing") }
	r := d.Validate()
	if !r.Valid {
		t.Fatalf("expected valid for control role, got errors: %v", r.Errors)
	}
}

func TestValidate_WorkDir(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Executor.WorkDir = filepath.Join(t.TempDir(), "missing")
	r := newDoctor(cfg, config.RoleAll).Validate()
	assertHasError(t, r, "executor", "missing")

	cfg = validConfig(t)
	cfg.Executor.WorkDir = t.TempDir()
	r = newDoctor(cfg, config.RoleAll).Validate()
	if !r.Valid {
		t.Fatalf("empty work_dir should only warn, got errors: %v", r.Errors)
	}
	assertHasWarning(t, r, "executor", "no *.tf files")
}

func TestValidate_AutoApproveWarning(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Executor.ExtraArgs = append(cfg.Executor.ExtraArgs, "-auto-approve")
	r := newDoctor(cfg, config.RoleAll).Validate()
	assertHasWarning(t, r, "executor", "-auto-approve")
}

func TestValidate_NoAuth(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.API.Auth.Tokens = nil
	r := newDoctor(cfg, config.RoleAll).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "api", "no authentication")
}

func TestValidate_UnknownScope(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.API.Auth.Tokens = append(cfg.API.Auth.Tokens,
		config.APIToken{Token: "fedcba9876543210-ro", Scopes: []string{"tasks:ro", "plugin:rw"}})
	r := newDoctor(cfg, config.RoleAll).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "token_scopes", `"plugin:rw"`)
}

func TestValidate_DuplicateAndShortTokens(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.API.Auth.Tokens = []config.APIToken{
		{Token: "short", Scopes: []string{"tasks:ro"}},
		{Token: "short", Scopes: []string{"bus:rw"}},
	}
	r := newDoctor(cfg, config.RoleAll).Validate()
	assertHasError(t, r, "token_scopes", "duplicates")
	assertHasWarning(t, r, "token_scopes", "shorter than 16")
}

func TestValidate_WatchdogGrace(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Watchdog.GracePeriod = time.Second
	cfg.Executor.GracePeriod = 10 * time.Second
	r := newDoctor(cfg, config.RoleAll).Validate()
	assertHasWarning(t, r, "watchdog", "shorter than executor.grace_period")

	cfg = validConfig(t)
	cfg.Watchdog.Enabled = false
	r = newDoctor(cfg, config.RoleAll).Validate()
	assertHasWarning(t, r, "watchdog", "pending forever")
}

func TestValidate_Inventory(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	hosts := filepath.Join(t.TempDir(), "hosts.yaml")
	body := "hosts:\n  - {name: web-01, ip_address: 10.0.0.1, role: web, os_type: ubuntu}\n  - {name: cache-01, ip_address: 10.0.0.9, role: cache, os_type: ubuntu}\n"
	if err := os.WriteFile(hosts, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.Inventory.HostsFile = hosts
	r := newDoctor(cfg, config.RoleAll).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	assertHasWarning(t, r, "inventory", `unknown role "cache"`)

	cfg.Inventory.HostsFile = filepath.Join(t.TempDir(), "absent.yaml")
	r = newDoctor(cfg, config.RoleAll).Validate()
	if r.Valid {
		t.Fatal("expected invalid for missing hosts file")
	}
}

func TestValidate_BusModeMatchesRole(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	r := newDoctor(cfg, config.RoleExecutor).Validate()
	assertHasError(t, r, "bus", "needs bus.mode")

	cfg.Bus.Mode = config.BusRemote
	cfg.Bus.URL = "http://control:8080"
	r = newDoctor(cfg, config.RoleAll).Validate()
	assertHasError(t, r, "bus", "only valid for --role executor")

	r = newDoctor(cfg, config.RoleExecutor).Validate()
	if !r.Valid {
		t.Fatalf("expected valid executor config, got errors: %v", r.Errors)
	}
	assertHasWarning(t, r, "bus", "no token")
}

func TestValidate_InMemoryStateWarns(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.State.Persist = false
	r := newDoctor(cfg, config.RoleAll).Validate()
	assertHasWarning(t, r, "state", "lost on restart")
}

func TestValidate_UnlockedConfigWarns(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.SourcePath = filepath.Join(filepath.Dir(cfg.State.Path), "config.yaml")
	if err := os.WriteFile(cfg.SourcePath, []byte("service:\n  name: test\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := newDoctor(cfg, config.RoleAll).Validate()
	assertHasWarning(t, r, "integrity", "config lock")

	if _, err := config.GenerateChecksums(cfg); err != nil {
		t.Fatal(err)
	}
	r = newDoctor(cfg, config.RoleAll).Validate()
	for _, w := range r.Warnings {
		if w.Category == "integrity" {
			t.Fatalf("unexpected integrity warning after lock: %v", w)
		}
	}
}

func TestFormatHuman_Valid(t *testing.T) {
	t.Parallel()
	out := FormatHuman(&Result{Valid: true})
	if out != "Configuration valid.\n" {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestFormatHuman_Errors(t *testing.T) {
	t.Parallel()
	r := &Result{
		Valid:  false,
		Errors: []Issue{{Category: "test", Field: "x.y", Message: "broken"}},
	}
	out := FormatHuman(r)
	if !strings.Contains(out, "ERROR") || !strings.Contains(out, "broken") {
		t.Fatalf("expected error in output, got: %s", out)
	}
}

func TestFormatJSON(t *testing.T) {
	t.Parallel()
	out, err := FormatJSON(&Result{Valid: false, Errors: []Issue{{Category: "api", Message: "x"}}})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"valid": false`) || !strings.Contains(out, `"category": "api"`) {
		t.Fatalf("unexpected JSON: %s", out)
	}
}

// --- helpers ---

func assertHasError(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, e := range r.Errors {
		if e.Category == category && strings.Contains(e.Message, substring) {
			return
		}
	}
	t.Fatalf("expected error with category=%q containing %q, got: %v", category, substring, r.Errors)
}

func assertHasWarning(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, w := range r.Warnings {
		if w.Category == category && strings.Contains(w.Message, substring) {
			return
		}
	}
	t.Fatalf("expected warning with category=%q containing %q, got: %v", category, substring, r.Warnings)
}
