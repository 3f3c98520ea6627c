package config

import (
	"sort"
	"time"
)

// Config represents the complete provisiond configuration.
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	State      StateConfig      `yaml:"state"`
	API        APIConfig        `yaml:"api,omitempty"`
	Bus        BusConfig        `yaml:"bus"`
	Executor   ExecutorConfig   `yaml:"executor"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Watchdog   WatchdogConfig   `yaml:"watchdog"`
	Inventory  InventoryConfig  `yaml:"inventory"`

	// SourcePath is the absolute path the config was loaded from.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// StateConfig defines task state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
	// Persist journals task records to SQLite at Path so polling survives a restart.
	Persist bool `yaml:"persist"`
	// TaskRetention is how long finished tasks stay pollable. Zero keeps them forever.
	TaskRetention time.Duration `yaml:"task_retention"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the legacy single bearer token (admin/full access).
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// Process roles for `system start`. A control process runs the dispatcher, collector,
// watchdog and API; an executor process runs executors only.
const (
	RoleControl  = "control"
	RoleExecutor = "executor"
	RoleAll      = "all"
)

// RunsControl reports whether role includes the control plane.
func RunsControl(role string) bool { return role == RoleControl || role == RoleAll }

// RunsExecutors reports whether role includes executors.
func RunsExecutors(role string) bool { return role == RoleExecutor || role == RoleAll }

// Bus transport modes.
const (
	BusMemory = "memory"
	BusRemote = "remote"
)

// BusConfig selects the pub/sub transport.
type BusConfig struct {
	// Mode is "memory" (executors run in the control process) or "remote" (this process
	// reaches the control API's /bus endpoints at URL).
	Mode            string `yaml:"mode"`
	URL             string `yaml:"url,omitempty"`
	Token           string `yaml:"token,omitempty"`
	RequestChannel  string `yaml:"request_channel"`
	ResponseChannel string `yaml:"response_channel"`
	Buffer          int    `yaml:"buffer"`
}

// ExecutorConfig defines how the provisioning tool is run.
type ExecutorConfig struct {
	Instances      int               `yaml:"instances"`
	Binary         string            `yaml:"binary"`
	WorkDir        string            `yaml:"work_dir"`
	Timeout        time.Duration     `yaml:"timeout"`
	GracePeriod    time.Duration     `yaml:"grace_period"`
	MaxOutputBytes int               `yaml:"max_output_bytes"`
	ExtraArgs      []string          `yaml:"extra_args"`
	Env            map[string]string `yaml:"env,omitempty"`
}

// EnvList returns Env as sorted KEY=VALUE pairs.
func (e ExecutorConfig) EnvList() []string {
	out := make([]string, 0, len(e.Env))
	for k, v := range e.Env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// DispatcherConfig bounds request publishing.
type DispatcherConfig struct {
	PublishAttempts int           `yaml:"publish_attempts"`
	PublishBackoff  time.Duration `yaml:"publish_backoff"`
}

// WatchdogConfig controls timing out tasks whose response never arrives.
type WatchdogConfig struct {
	Enabled     bool          `yaml:"enabled"`
	GracePeriod time.Duration `yaml:"grace_period"`
	Interval    time.Duration `yaml:"interval"`
}

// InventoryConfig points at the host records.
type InventoryConfig struct {
	HostsFile      string `yaml:"hosts_file,omitempty"`
	PrivateKeyPath string `yaml:"private_key_path,omitempty"`
}

// WatchdogDeadline is how long a task may stay non-terminal before the watchdog times it out.
func (c *Config) WatchdogDeadline() time.Duration {
	return c.Executor.Timeout + c.Watchdog.GracePeriod
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "provisiond",
			LogLevel:  "info",
			LogFormat: "json",
		},
		State: StateConfig{
			Path:          "./data/state.db",
			Persist:       true,
			TaskRetention: 7 * 24 * time.Hour,
		},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8080",
		},
		Bus: BusConfig{
			Mode:            BusMemory,
			RequestChannel:  "provision.requests",
			ResponseChannel: "provision.responses",
			Buffer:          256,
		},
		Executor: ExecutorConfig{
			Instances:      1,
			Binary:         "terraform",
			WorkDir:        ".",
			Timeout:        300 * time.Second,
			GracePeriod:    5 * time.Second,
			MaxOutputBytes: 1 << 20,
			ExtraArgs:      []string{"-input=false", "-no-color"},
		},
		Dispatcher: DispatcherConfig{
			PublishAttempts: 3,
			PublishBackoff:  200 * time.Millisecond,
		},
		Watchdog: WatchdogConfig{
			Enabled:     true,
			GracePeriod: 30 * time.Second,
			Interval:    15 * time.Second,
		},
	}
}
