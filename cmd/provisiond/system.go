package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mattjoyce/provisiond/internal/api"
	"github.com/mattjoyce/provisiond/internal/auth"
	"github.com/mattjoyce/provisiond/internal/bus"
	"github.com/mattjoyce/provisiond/internal/collector"
	"github.com/mattjoyce/provisiond/internal/config"
	"github.com/mattjoyce/provisiond/internal/dispatch"
	"github.com/mattjoyce/provisiond/internal/events"
	"github.com/mattjoyce/provisiond/internal/executor"
	"github.com/mattjoyce/provisiond/internal/inventory"
	"github.com/mattjoyce/provisiond/internal/lock"
	"github.com/mattjoyce/provisiond/internal/log"
	"github.com/mattjoyce/provisiond/internal/retry"
	"github.com/mattjoyce/provisiond/internal/storage"
	"github.com/mattjoyce/provisiond/internal/task"
)

func runStart(args []string) int {
	var configPath, role string

	fs := newFlagSet("start")
	fs.StringVar(&configPath, "config", "", "Path to configuration file")
	fs.StringVar(&role, "role", config.RoleAll, "Process role: control, executor or all")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	switch role {
	case config.RoleControl, config.RoleExecutor, config.RoleAll:
	default:
		fmt.Fprintf(os.Stderr, "Invalid role %q (want control, executor or all)\n", role)
		return 1
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("provisiond starting", "version", version, "config", cfg.SourcePath, "role", role)

	if role == config.RoleExecutor && cfg.Bus.Mode != config.BusRemote {
		logger.Error("executor role requires bus.mode remote", "bus_mode", cfg.Bus.Mode)
		return 1
	}
	if config.RunsControl(role) && cfg.Bus.Mode != config.BusMemory {
		logger.Error("control role requires bus.mode memory", "bus_mode", cfg.Bus.Mode)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 8)
	launch := func(name string, start func(context.Context) error) {
		go func() {
			if err := start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	var pool *executor.Pool
	if config.RunsControl(role) {
		mem := bus.NewMemory(cfg.Bus.Buffer, log.WithComponent("bus"))
		defer mem.Close()

		pidLock, err := lock.AcquirePIDLock(getPIDLockPath(cfg))
		if err != nil {
			logger.Error("failed to acquire PID lock", "path", getPIDLockPath(cfg), "error", err)
			return 1
		}
		defer func() { _ = pidLock.Release() }()

		if config.RunsExecutors(role) {
			pool = newExecutorPool(cfg, mem)
		}
		if code := startControl(ctx, cfg, mem, pool, launch, logger); code != 0 {
			return code
		}
	} else {
		remote := bus.NewRemote(cfg.Bus.URL, cfg.Bus.Token, log.WithComponent("bus"))
		logger.Info("using remote bus", "url", cfg.Bus.URL)
		pool = newExecutorPool(cfg, remote)
	}

	if pool != nil {
		launch("executors", pool.Start)
		logger.Info("executors started", "instances", pool.Size(), "binary", cfg.Executor.Binary, "work_dir", cfg.Executor.WorkDir)
	}

	logger.Info("provisiond running (press Ctrl+C to stop)")

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		stop()
		return 1
	}

	logger.Info("provisiond stopped")
	return 0
}

// startControl wires the registry, dispatcher, collector, watchdog and API onto mem.
// pool is nil unless executors share the process; /healthz reports it when set.
func startControl(ctx context.Context, cfg *config.Config, mem *bus.Memory, pool *executor.Pool, launch func(string, func(context.Context) error), logger *slog.Logger) int {
	hub := events.NewHub(256)
	opts := []task.Option{
		task.WithObserver(hub.ObserveTask),
		task.WithLogger(log.WithComponent("tasks")),
	}
	if cfg.State.Persist {
		db, err := storage.OpenSQLite(ctx, cfg.State.Path)
		if err != nil {
			logger.Error("failed to open state database", "path", cfg.State.Path, "error", err)
			return 1
		}
		go func() {
			<-ctx.Done()
			_ = db.Close()
		}()
		opts = append(opts, task.WithJournal(task.NewSQLiteJournal(db)))
	}

	registry := task.NewRegistry(opts...)
	n, err := registry.Load(ctx)
	if err != nil {
		logger.Error("failed to restore tasks", "error", err)
		return 1
	}
	if n > 0 {
		logger.Info("restored tasks from journal", "count", n)
	}

	disp := dispatch.New(registry, mem, cfg.Bus.RequestChannel,
		dispatch.WithRetry(publishPolicy(cfg)),
		dispatch.WithLogger(log.WithComponent("dispatch")),
	)

	coll := collector.New(mem, cfg.Bus.ResponseChannel, registry, log.WithComponent("collector"))
	launch("collector", coll.Start)

	wdCfg := collector.WatchdogConfig{
		Retention: cfg.State.TaskRetention,
		Interval:  cfg.Watchdog.Interval,
	}
	if cfg.Watchdog.Enabled {
		wdCfg.Deadline = cfg.WatchdogDeadline()
	}
	launch("watchdog", collector.NewWatchdog(registry, wdCfg, log.WithComponent("watchdog")).Start)

	if !cfg.API.Enabled {
		logger.Warn("API disabled; tasks can only be observed through the logs")
		return 0
	}

	tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
	for _, t := range cfg.API.Auth.Tokens {
		tokens = append(tokens, auth.TokenConfig{
			Token:  t.Token,
			Scopes: t.Scopes,
		})
	}
	apiConfig := api.Config{
		Listen:          cfg.API.Listen,
		APIKey:          cfg.API.Auth.APIKey,
		Tokens:          tokens,
		RequestChannel:  cfg.Bus.RequestChannel,
		ResponseChannel: cfg.Bus.ResponseChannel,
	}
	deps := api.Deps{
		Dispatcher: disp,
		Tasks:      registry,
		Events:     hub,
		Bus:        bus.NewServer(mem, log.WithComponent("bus")),
		BusStats:   mem,
	}
	if pool != nil {
		deps.Executors = pool
	}
	if cfg.Inventory.HostsFile != "" {
		deps.Inventory = inventory.NewGenerator(
			inventory.FileSource{Path: cfg.Inventory.HostsFile},
			inventory.WithPrivateKeyPath(cfg.Inventory.PrivateKeyPath),
		)
	}

	apiServer := api.New(apiConfig, deps, log.WithComponent("api"))
	launch("api", apiServer.Start)
	logger.Info("API server enabled", "listen", cfg.API.Listen)
	return 0
}

// newExecutorPool builds cfg.Executor.Instances executors sharing one request subscription.
func newExecutorPool(cfg *config.Config, b bus.Bus) *executor.Pool {
	instances := cfg.Executor.Instances
	if instances < 1 {
		instances = 1
	}
	hostname, _ := os.Hostname()

	execs := make([]*executor.Executor, 0, instances)
	for i := 0; i < instances; i++ {
		name := fmt.Sprintf("%s-%d", hostname, i+1)
		logger := log.WithExecutor(name)
		runner := &executor.ProcessRunner{
			Binary:         cfg.Executor.Binary,
			WorkDir:        cfg.Executor.WorkDir,
			Env:            cfg.Executor.EnvList(),
			Timeout:        cfg.Executor.Timeout,
			GracePeriod:    cfg.Executor.GracePeriod,
			MaxOutputBytes: cfg.Executor.MaxOutputBytes,
			Logger:         logger,
		}
		execs = append(execs, executor.New(executor.Config{
			Name:            name,
			RequestChannel:  cfg.Bus.RequestChannel,
			ResponseChannel: cfg.Bus.ResponseChannel,
			ExtraArgs:       cfg.Executor.ExtraArgs,
			LockDir:         cfg.Executor.WorkDir,
			Retry:           publishPolicy(cfg),
		}, b, runner, logger))
	}
	return executor.NewPool(b, cfg.Bus.RequestChannel, execs...)
}

func publishPolicy(cfg *config.Config) retry.Policy {
	p := retry.Default()
	if cfg.Dispatcher.PublishAttempts > 0 {
		p.Attempts = cfg.Dispatcher.PublishAttempts
	}
	if cfg.Dispatcher.PublishBackoff > 0 {
		p.BaseDelay = cfg.Dispatcher.PublishBackoff
	}
	return p
}

func getPIDLockPath(cfg *config.Config) string {
	dbPath := cfg.State.Path
	dbDir := filepath.Dir(dbPath)
	dbBase := filepath.Base(dbPath)
	ext := filepath.Ext(dbBase)
	nameWithoutExt := dbBase[:len(dbBase)-len(ext)]
	return filepath.Join(dbDir, nameWithoutExt+".pid")
}
