package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable consulted by Discover.
const EnvConfigPath = "PROVISIOND_CONFIG"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads configuration from a file, merges it onto Defaults, verifies the .checksums
// manifest when one exists next to it, and validates the result.
func Load(configPath string) (*Config, error) {
	cfg, err := LoadUnverified(configPath)
	if err != nil {
		return nil, err
	}
	if err := VerifyChecksums(cfg); err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadUnverified reads and resolves configuration like Load but skips the checksum and
// validation steps. `config lock` uses it to re-authorize an edited config.
func LoadUnverified(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourcePath = absPath
	resolvePaths(cfg, filepath.Dir(absPath))
	return cfg, nil
}

// Parse decodes YAML (after ${VAR} interpolation) onto Defaults. Keys absent from data keep
// their default values. It does not validate.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	expanded := interpolateEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Discover finds the config file. Priority order: flagPath, $PROVISIOND_CONFIG,
// ~/.config/provisiond/config.yaml, /etc/provisiond/config.yaml, ./config.yaml.
func Discover(flagPath string) (string, error) {
	if flagPath != "" {
		return flagPath, nil
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
		return "", fmt.Errorf("$%s points to %s, which does not exist", EnvConfigPath, p)
	}

	var candidates []string
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".config", "provisiond", "config.yaml"))
	}
	candidates = append(candidates, "/etc/provisiond/config.yaml", "./config.yaml")
	for _, c := range candidates {
		if fileExists(c) {
			return c, nil
		}
	}
	return "", fmt.Errorf("no config found (checked: $%s, %s)", EnvConfigPath, strings.Join(candidates, ", "))
}

// resolvePaths makes relative file paths relative to the config file's directory.
func resolvePaths(cfg *Config, baseDir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(baseDir, p)
	}
	cfg.State.Path = abs(cfg.State.Path)
	cfg.Executor.WorkDir = abs(cfg.Executor.WorkDir)
	cfg.Inventory.HostsFile = abs(cfg.Inventory.HostsFile)
	cfg.Inventory.PrivateKeyPath = abs(cfg.Inventory.PrivateKeyPath)
}

// interpolateEnv replaces ${VAR} with the value of the environment variable VAR.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// If not found, leave the placeholder (will fail validation if required)
		return match
	})
}

func unresolved(field, value string) error {
	if m := envVarPattern.FindStringSubmatch(value); len(m) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, m[1])
	}
	return nil
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if f := cfg.Service.LogFormat; f != "json" && f != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", f)
	}

	if cfg.State.Persist && cfg.State.Path == "" {
		return fmt.Errorf("state.path is required when state.persist is true")
	}
	if cfg.State.TaskRetention < 0 {
		return fmt.Errorf("state.task_retention must not be negative")
	}

	switch cfg.Bus.Mode {
	case BusMemory:
	case BusRemote:
		if cfg.Bus.URL == "" {
			return fmt.Errorf("bus.url is required when bus.mode is %q", BusRemote)
		}
		u, err := url.Parse(cfg.Bus.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("bus.url must be an http(s) URL (got %q)", cfg.Bus.URL)
		}
		if err := unresolved("bus.token", cfg.Bus.Token); err != nil {
			return err
		}
	default:
		return fmt.Errorf("bus.mode must be %q or %q (got %q)", BusMemory, BusRemote, cfg.Bus.Mode)
	}
	if cfg.Bus.RequestChannel == "" || cfg.Bus.ResponseChannel == "" {
		return fmt.Errorf("bus.request_channel and bus.response_channel are required")
	}
	if cfg.Bus.RequestChannel == cfg.Bus.ResponseChannel {
		return fmt.Errorf("bus.request_channel and bus.response_channel must differ")
	}
	if cfg.Bus.Buffer <= 0 {
		return fmt.Errorf("bus.buffer must be positive")
	}

	if cfg.Executor.Instances < 0 {
		return fmt.Errorf("executor.instances must not be negative")
	}
	if cfg.Executor.Instances > 0 && cfg.Executor.Binary == "" {
		return fmt.Errorf("executor.binary is required")
	}
	if cfg.Executor.Timeout <= 0 {
		return fmt.Errorf("executor.timeout must be positive")
	}
	if cfg.Executor.GracePeriod < 0 {
		return fmt.Errorf("executor.grace_period must not be negative")
	}
	if cfg.Executor.MaxOutputBytes <= 0 {
		return fmt.Errorf("executor.max_output_bytes must be positive")
	}
	for i, arg := range cfg.Executor.ExtraArgs {
		if !strings.HasPrefix(arg, "-") {
			return fmt.Errorf("executor.extra_args[%d] must be a flag (got %q)", i, arg)
		}
	}

	if cfg.Dispatcher.PublishAttempts <= 0 {
		return fmt.Errorf("dispatcher.publish_attempts must be positive")
	}
	if cfg.Dispatcher.PublishBackoff < 0 {
		return fmt.Errorf("dispatcher.publish_backoff must not be negative")
	}

	if cfg.Watchdog.Enabled && cfg.Watchdog.Interval <= 0 {
		return fmt.Errorf("watchdog.interval must be positive")
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when api.enabled is true")
		}
		if err := unresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		for i, tok := range cfg.API.Auth.Tokens {
			if tok.Token == "" {
				return fmt.Errorf("api.auth.tokens[%d].token is required", i)
			}
			if err := unresolved(fmt.Sprintf("api.auth.tokens[%d].token", i), tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must not be empty", i)
			}
		}
	}

	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
