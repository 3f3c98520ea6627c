// Package doctor checks a provisiond configuration against the host it will run on.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"github.com/mattjoyce/provisiond/internal/auth"
	"github.com/mattjoyce/provisiond/internal/config"
	"github.com/mattjoyce/provisiond/internal/inventory"
	"github.com/mattjoyce/provisiond/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration for one process role.
type Doctor struct {
	cfg      *config.Config
	role     string
	lookPath func(string) (string, error)
}

// New creates a Doctor for cfg. role is one of the config.Role* constants.
func New(cfg *config.Config, role string) *Doctor {
	return &Doctor{cfg: cfg, role: role, lookPath: exec.LookPath}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	if config.RunsExecutors(d.role) {
		d.validateExecutor(r)
	}
	if config.RunsControl(d.role) {
		d.validateState(r)
		d.validateAPIConfig(r)
		d.validateTokenScopes(r)
		d.validateWatchdog(r)
		d.validateInventory(r)
		d.warnDeprecatedSyntax(r)
	}
	d.validateBus(r)
	d.warnUnlocked(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateExecutor checks that the provisioning tool can actually run.
func (d *Doctor) validateExecutor(r *Result) {
	ex := d.cfg.Executor
	if ex.Instances == 0 {
		d.addWarning(r, "executor", "executor.instances", "no executors configured; requests will not be served by this process")
		return
	}

	if _, err := d.lookPath(ex.Binary); err != nil {
		d.addError(r, "executor", "executor.binary",
			fmt.Sprintf("binary %q not found or not executable: %v", ex.Binary, err))
	}

	info, err := os.Stat(ex.WorkDir)
	switch {
	case err != nil:
		d.addError(r, "executor", "executor.work_dir", fmt.Sprintf("work_dir %q: %v", ex.WorkDir, err))
	case !info.IsDir():
		d.addError(r, "executor", "executor.work_dir", fmt.Sprintf("work_dir %q is not a directory", ex.WorkDir))
	default:
		if matches, _ := filepath.Glob(filepath.Join(ex.WorkDir, "*.tf")); len(matches) == 0 {
			d.addWarning(r, "executor", "executor.work_dir",
				fmt.Sprintf("work_dir %q contains no *.tf files", ex.WorkDir))
		}
	}

	if slices.Contains(ex.ExtraArgs, "-auto-approve") {
		d.addWarning(r, "executor", "executor.extra_args",
			"-auto-approve is added for apply and destroy automatically; it makes plan fail")
	}
	if ex.Instances > 1 {
		d.addWarning(r, "executor", "executor.instances",
			fmt.Sprintf("%d executors share one work_dir; runs are serialized by the directory lock", ex.Instances))
	}
}

// validateState checks where the task journal will live.
func (d *Doctor) validateState(r *Result) {
	if !d.cfg.State.Persist {
		d.addWarning(r, "state", "state.persist", "task records are kept in memory only and are lost on restart")
		return
	}

	dir := filepath.Dir(d.cfg.State.Path)
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			d.addWarning(r, "state", "state.path", fmt.Sprintf("directory %q does not exist yet; it will be created", dir))
			return
		}
		d.addError(r, "state", "state.path", fmt.Sprintf("directory %q: %v", dir, err))
		return
	}
	if !info.IsDir() {
		d.addError(r, "state", "state.path", fmt.Sprintf("%q is not a directory", dir))
		return
	}
	if err := storage.CheckLocalFilesystem(d.cfg.State.Path); err != nil {
		d.addError(r, "state", "state.path", err.Error())
	}
}

// validateAPIConfig checks API server settings.
func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		d.addWarning(r, "api", "api.enabled", "API disabled; task status can only be read through this process's logs")
		return
	}
	if d.cfg.API.Auth.APIKey == "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addError(r, "api", "api.auth", "API enabled but no authentication configured")
	}
}

// validateTokenScopes checks that every scope is one the API understands.
func (d *Doctor) validateTokenScopes(r *Result) {
	seen := map[string]int{}
	for i, token := range d.cfg.API.Auth.Tokens {
		for j, scope := range token.Scopes {
			if !auth.KnownScope(scope) {
				d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j),
					fmt.Sprintf("unknown scope %q", scope))
			}
		}
		if prev, dup := seen[token.Token]; dup {
			d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].token", i),
				fmt.Sprintf("token duplicates api.auth.tokens[%d]", prev))
		}
		seen[token.Token] = i
		if len(token.Token) < 16 {
			d.addWarning(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].token", i), "token is shorter than 16 characters")
		}
	}
}

// validateWatchdog checks the deadline leaves room for the executor to report a timeout itself.
func (d *Doctor) validateWatchdog(r *Result) {
	if !d.cfg.Watchdog.Enabled {
		d.addWarning(r, "watchdog", "watchdog.enabled", "watchdog disabled; tasks whose response is lost stay pending forever")
		return
	}
	if d.cfg.Watchdog.GracePeriod < d.cfg.Executor.GracePeriod {
		d.addWarning(r, "watchdog", "watchdog.grace_period",
			fmt.Sprintf("grace period %s is shorter than executor.grace_period %s; the watchdog may time out tasks the executor is still terminating",
				d.cfg.Watchdog.GracePeriod, d.cfg.Executor.GracePeriod))
	}
}

// validateInventory loads the hosts file and flags hosts that land in no role group.
func (d *Doctor) validateInventory(r *Result) {
	path := d.cfg.Inventory.HostsFile
	if path == "" {
		return
	}
	hosts, err := inventory.LoadHosts(path)
	if err != nil {
		d.addError(r, "inventory", "inventory.hosts_file", err.Error())
		return
	}
	for _, h := range hosts {
		if _, ok := inventory.GroupFor(h.Role); !ok {
			d.addWarning(r, "inventory", "inventory.hosts_file",
				fmt.Sprintf("host %s has unknown role %q and is listed only under ungrouped", h.IPAddress, h.Role))
		}
	}
	if key := d.cfg.Inventory.PrivateKeyPath; key != "" {
		if _, err := os.Stat(key); err != nil {
			d.addWarning(r, "inventory", "inventory.private_key_path", fmt.Sprintf("private key %q: %v", key, err))
		}
	}
}

// validateBus checks the transport matches the role.
func (d *Doctor) validateBus(r *Result) {
	if d.cfg.Bus.Mode == config.BusRemote && d.role != config.RoleExecutor {
		d.addError(r, "bus", "bus.mode",
			fmt.Sprintf("bus.mode %q is only valid for --role %s", config.BusRemote, config.RoleExecutor))
	}
	if d.role == config.RoleExecutor && d.cfg.Bus.Mode != config.BusRemote {
		d.addError(r, "bus", "bus.mode",
			fmt.Sprintf("--role %s needs bus.mode %q to reach the control process", config.RoleExecutor, config.BusRemote))
	}
	if d.cfg.Bus.Mode == config.BusRemote && d.cfg.Bus.Token == "" {
		d.addWarning(r, "bus", "bus.token", "remote bus has no token; the control API will reject the executor")
	}
}

// warnDeprecatedSyntax warns about legacy config patterns.
func (d *Doctor) warnDeprecatedSyntax(r *Result) {
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) > 0 {
		d.addWarning(r, "deprecated", "api.auth",
			"both api_key and tokens configured; prefer tokens array only")
	}
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "deprecated", "api.auth.api_key",
			"legacy api_key grants full access; migrate to tokens array with scopes")
	}
}

// warnUnlocked notes configs without a checksum manifest.
func (d *Doctor) warnUnlocked(r *Result) {
	if d.cfg.SourcePath == "" {
		return
	}
	manifest, err := config.LoadChecksums(d.cfg)
	if err != nil {
		d.addError(r, "integrity", config.ChecksumFile, err.Error())
		return
	}
	if manifest == nil {
		d.addWarning(r, "integrity", config.ChecksumFile, "no checksum manifest; run `provisiond config lock`")
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
