package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/mattjoyce/provisiond/internal/bus"
	"github.com/mattjoyce/provisiond/internal/log"
	"github.com/mattjoyce/provisiond/internal/protocol"
	"github.com/mattjoyce/provisiond/internal/retry"
	"github.com/mattjoyce/provisiond/internal/task"
)

//go:generate mockgen -destination=mocks/mock_dispatch.go -package=mocks github.com/mattjoyce/provisiond/internal/dispatch Publisher,TaskStore

// Publisher sends encoded requests onto the bus.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// TaskStore is the part of the task registry the dispatcher writes to.
type TaskStore interface {
	Create(ctx context.Context, id string, spec task.Spec) (task.Record, error)
	Discard(ctx context.Context, id string) error
}

// Dispatcher validates commands, registers tasks, and publishes requests.
type Dispatcher struct {
	tasks   TaskStore
	pub     Publisher
	channel string
	policy  retry.Policy
	newID   func() string
	logger  *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRetry sets the publish retry policy.
func WithRetry(p retry.Policy) Option {
	return func(d *Dispatcher) { d.policy = p }
}

// WithIDGenerator overrides the request id source.
func WithIDGenerator(fn func() string) Option {
	return func(d *Dispatcher) { d.newID = fn }
}

// WithLogger sets the dispatcher logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// New creates a Dispatcher publishing requests on channel.
func New(tasks TaskStore, pub Publisher, channel string, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		tasks:   tasks,
		pub:     pub,
		channel: channel,
		policy:  retry.Default(),
		newID:   uuid.NewString,
		logger:  log.WithComponent("dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch submits command for asynchronous execution and returns the task id.
//
// Errors are *protocol.ValidationError for bad input and *bus.TransportError when the request
// could not be published. Registry errors are returned wrapped.
func (d *Dispatcher) Dispatch(ctx context.Context, command string, cfg map[string]any) (string, error) {
	id := d.newID()

	req, err := protocol.NewRequest(id, command, cfg)
	if err != nil {
		return "", err
	}
	for key := range cfg {
		if key != "target" {
			d.logger.Debug("ignoring config key", "key", key, "command", command)
		}
	}

	payload, err := protocol.EncodeRequest(req)
	if err != nil {
		return "", err
	}

	if _, err := d.tasks.Create(ctx, id, task.Spec{Command: string(req.Command), Target: req.Config.Target}); err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}

	taskLogger := d.logger.With("task_id", id, "command", req.Command)
	attempt := 0
	err = d.policy.Do(ctx, func(ctx context.Context) error {
		attempt++
		if err := d.pub.Publish(ctx, d.channel, payload); err != nil {
			taskLogger.Warn("publish failed", "attempt", attempt, "error", err)
			return err
		}
		return nil
	})
	if err != nil {
		// The caller may have gone away; the rollback must still happen.
		if derr := d.tasks.Discard(context.WithoutCancel(ctx), id); derr != nil && !errors.Is(derr, task.ErrNotFound) {
			taskLogger.Error("failed to discard unpublished task", "error", derr)
		}
		var te *bus.TransportError
		if !errors.As(err, &te) {
			err = &bus.TransportError{Op: "publish", Channel: d.channel, Err: err}
		}
		return "", err
	}

	taskLogger.Info("command dispatched", "target", req.Config.Target, "attempts", attempt)
	return id, nil
}
