// Package collector applies executor responses to task records and times out tasks whose
// response never arrives.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/mattjoyce/provisiond/internal/bus"
	"github.com/mattjoyce/provisiond/internal/protocol"
	"github.com/mattjoyce/provisiond/internal/task"
)

// ErrCorrelationMiss marks a response that matches no live task.
var ErrCorrelationMiss = errors.New("correlation miss")

const (
	msgCompleted = "Task completed successfully"
	msgFailed    = "Task failed"
	msgTimeout   = "Task timed out"
)

// TaskUpdater is the part of the registry the collector writes to.
type TaskUpdater interface {
	Update(ctx context.Context, id string, patch task.Patch) (task.Record, error)
}

// Collector consumes the response channel and finalizes task records.
type Collector struct {
	sub     bus.Subscriber
	channel string
	tasks   TaskUpdater
	logger  *slog.Logger

	applied atomic.Int64
	misses  atomic.Int64
}

func New(sub bus.Subscriber, channel string, tasks TaskUpdater, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{sub: sub, channel: channel, tasks: tasks, logger: logger}
}

// Start subscribes to the response channel and applies responses until ctx is done.
func (c *Collector) Start(ctx context.Context) error {
	sub, err := c.sub.Subscribe(ctx, c.channel)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", c.channel, err)
	}
	defer sub.Close()

	c.logger.Info("collector started", "channel", c.channel)
	defer c.logger.Info("collector stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.C:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return &bus.TransportError{Op: "subscribe", Channel: c.channel, Err: bus.ErrClosed}
			}
			// Errors are logged by Handle; one bad response never stops collection.
			_ = c.Handle(ctx, msg.Payload)
		}
	}
}

// Handle applies one raw response. It returns ErrCorrelationMiss for responses that match
// no updatable task, and the decode error for malformed payloads.
func (c *Collector) Handle(ctx context.Context, payload []byte) error {
	resp, err := protocol.DecodeResponse(payload)
	if err != nil {
		c.logger.Warn("dropping malformed response", "error", err)
		return err
	}

	logger := c.logger.With("task_id", resp.RequestID)
	if resp.RequestID == protocol.UnknownRequestID {
		c.misses.Add(1)
		logger.Warn("dropping uncorrelated response", "error", resp.Error)
		return ErrCorrelationMiss
	}

	status, message := outcome(resp)
	_, err = c.tasks.Update(ctx, resp.RequestID, task.Patch{
		Status:   status,
		Progress: task.Int(100),
		Message:  task.String(message),
		Result: &task.Result{
			Success: resp.Success,
			Output:  resp.Output,
			Error:   resp.Error,
		},
	})
	switch {
	case err == nil:
		c.applied.Add(1)
		logger.Info("task finished", "status", status)
		return nil
	case errors.Is(err, task.ErrNotFound):
		c.misses.Add(1)
		logger.Warn("dropping response for unknown task")
		return fmt.Errorf("%w: %s", ErrCorrelationMiss, resp.RequestID)
	case errors.Is(err, task.ErrInvalidTransition):
		c.misses.Add(1)
		logger.Warn("dropping late response for finished task", "status", status)
		return fmt.Errorf("%w: %v", ErrCorrelationMiss, err)
	default:
		logger.Error("failed to apply response", "error", err)
		return err
	}
}

// Stats returns how many responses were applied and how many were dropped as misses.
func (c *Collector) Stats() (applied, misses int64) {
	return c.applied.Load(), c.misses.Load()
}

func outcome(resp *protocol.CommandResponse) (task.Status, string) {
	switch {
	case resp.Success:
		return task.StatusCompleted, msgCompleted
	case resp.Error == protocol.ErrorTimeout:
		return task.StatusTimeout, msgTimeout
	default:
		return task.StatusFailed, msgFailed
	}
}
