package collector

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mattjoyce/provisiond/internal/protocol"
	"github.com/mattjoyce/provisiond/internal/task"
)

// TaskSweeper is the part of the registry the watchdog needs.
type TaskSweeper interface {
	List() []task.Record
	Update(ctx context.Context, id string, patch task.Patch) (task.Record, error)
	Prune(ctx context.Context, olderThan time.Duration) int
}

// WatchdogConfig controls sweeping.
type WatchdogConfig struct {
	// Deadline is how long a task may stay non-terminal, normally the executor timeout plus
	// a grace period for the response to travel back. It counts from creation, not from the
	// start of execution, so a task marked timeout may still have run on an executor.
	Deadline time.Duration
	// Retention is how long terminal tasks are kept. Zero keeps them forever.
	Retention time.Duration
	Interval  time.Duration
}

// Watchdog times out tasks whose response was lost and evicts old finished tasks.
type Watchdog struct {
	tasks  TaskSweeper
	cfg    WatchdogConfig
	now    func() time.Time
	logger *slog.Logger
}

func NewWatchdog(tasks TaskSweeper, cfg WatchdogConfig, logger *slog.Logger) *Watchdog {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{
		tasks:  tasks,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// Start sweeps every Interval until ctx is done.
func (w *Watchdog) Start(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.logger.Info("watchdog started", "interval", w.cfg.Interval, "deadline", w.cfg.Deadline, "retention", w.cfg.Retention)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep runs one pass and returns how many tasks were timed out and pruned.
func (w *Watchdog) Sweep(ctx context.Context) (timedOut, pruned int) {
	if w.cfg.Deadline > 0 {
		cutoff := w.now().Add(-w.cfg.Deadline)
		for _, rec := range w.tasks.List() {
			if rec.Status.Terminal() || !rec.CreatedAt.Before(cutoff) {
				continue
			}
			_, err := w.tasks.Update(ctx, rec.TaskID, task.Patch{
				Status:   task.StatusTimeout,
				Progress: task.Int(100),
				Message:  task.String("No response within " + w.cfg.Deadline.String()),
				Result:   &task.Result{Success: false, Error: protocol.ErrorTimeout},
			})
			switch {
			case err == nil:
				timedOut++
				w.logger.Warn("task timed out waiting for response", "task_id", rec.TaskID, "age", w.now().Sub(rec.CreatedAt))
			case errors.Is(err, task.ErrInvalidTransition), errors.Is(err, task.ErrNotFound):
				// The response or a prune won the race.
			default:
				w.logger.Error("failed to time out task", "task_id", rec.TaskID, "error", err)
			}
		}
	}

	if w.cfg.Retention > 0 {
		pruned = w.tasks.Prune(ctx, w.cfg.Retention)
		if pruned > 0 {
			w.logger.Info("pruned finished tasks", "count", pruned)
		}
	}
	return timedOut, pruned
}
