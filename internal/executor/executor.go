// Package executor runs provisioning commands received on the request channel.
//
// Each Executor consumes its subscription serially: one request is decoded, executed, and
// answered before the next is read. State moves idle → executing → idle around every request,
// and any failure (including a panic) while handling one request becomes a failure response
// instead of stopping the loop.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/provisiond/internal/bus"
	"github.com/mattjoyce/provisiond/internal/lock"
	"github.com/mattjoyce/provisiond/internal/protocol"
	"github.com/mattjoyce/provisiond/internal/retry"
)

// State is the executor's lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateExecuting State = "executing"
)

// responseTimeout bounds publishing a response once the run is over, including at shutdown.
const responseTimeout = 10 * time.Second

// Config configures one executor instance.
type Config struct {
	Name            string
	RequestChannel  string
	ResponseChannel string
	ExtraArgs       []string
	// LockDir, when set, is flocked for the duration of every run.
	LockDir string
	Retry   retry.Policy
}

// Executor consumes requests and publishes responses.
type Executor struct {
	cfg    Config
	bus    bus.Bus
	runner Runner
	state  atomic.Value
	now    func() time.Time
	logger *slog.Logger
}

// New creates an idle executor.
func New(cfg Config, b bus.Bus, runner Runner, logger *slog.Logger) *Executor {
	if cfg.ExtraArgs == nil {
		cfg.ExtraArgs = DefaultExtraArgs
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = retry.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		cfg:    cfg,
		bus:    b,
		runner: runner,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
	e.state.Store(StateIdle)
	return e
}

// Name returns the executor instance name.
func (e *Executor) Name() string { return e.cfg.Name }

// State reports whether a request is being executed.
func (e *Executor) State() State {
	return e.state.Load().(State)
}

// Start subscribes to the request channel and serves requests until ctx is done.
func (e *Executor) Start(ctx context.Context) error {
	sub, err := e.bus.Subscribe(ctx, e.cfg.RequestChannel)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", e.cfg.RequestChannel, err)
	}
	defer sub.Close()
	return e.serve(ctx, sub.C)
}

func (e *Executor) serve(ctx context.Context, requests <-chan bus.Message) error {
	e.logger.Info("executor started", "channel", e.cfg.RequestChannel)
	defer e.logger.Info("executor stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-requests:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return &bus.TransportError{Op: "subscribe", Channel: e.cfg.RequestChannel, Err: bus.ErrClosed}
			}
			resp := e.Handle(ctx, msg.Payload)
			if err := e.respond(ctx, resp); err != nil {
				e.logger.Error("failed to publish response", "request_id", resp.RequestID, "error", err)
			}
		}
	}
}

// Handle executes one raw request and returns the response to publish. It never panics.
func (e *Executor) Handle(ctx context.Context, payload []byte) (resp *protocol.CommandResponse) {
	e.state.Store(StateExecuting)
	requestID := protocol.UnknownRequestID
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic while executing request", "request_id", requestID, "panic", r)
			resp = protocol.Failure(requestID, fmt.Sprintf("internal error: %v", r), e.now())
		}
		e.state.Store(StateIdle)
	}()

	req, err := protocol.DecodeRequest(payload)
	if err != nil {
		requestID = protocol.RecoverRequestID(payload)
		e.logger.Warn("rejecting malformed request", "request_id", requestID, "error", err)
		return protocol.Failure(requestID, protocol.ErrorMalformed, e.now())
	}
	requestID = req.RequestID
	logger := e.logger.With("task_id", req.RequestID, "command", req.Command)

	args, err := BuildArgs(req.Command, req.Config.Target, e.cfg.ExtraArgs)
	if err != nil {
		logger.Warn("rejecting request", "error", err)
		return protocol.Failure(requestID, protocol.ErrorMalformed, e.now())
	}

	if e.cfg.LockDir != "" {
		dl, err := lock.AcquireDirLock(ctx, e.cfg.LockDir)
		if err != nil {
			logger.Error("failed to lock work directory", "error", err)
			return protocol.Failure(requestID, err.Error(), e.now())
		}
		defer func() {
			if err := dl.Release(); err != nil {
				logger.Warn("failed to release work directory lock", "error", err)
			}
		}()
	}

	logger.Info("executing command", "args", args)
	res, err := e.runner.Run(ctx, args)
	if err != nil {
		logger.Error("command could not run", "error", err)
		return protocol.Failure(requestID, err.Error(), e.now())
	}
	if res.TimedOut {
		logger.Warn("command timed out", "duration", res.Duration)
		resp := protocol.Failure(requestID, protocol.ErrorTimeout, e.now())
		resp.Output = res.Stdout
		return resp
	}

	resp = &protocol.CommandResponse{
		RequestID: requestID,
		Success:   res.ExitCode == 0,
		Output:    res.Stdout,
		Timestamp: protocol.Timestamp(e.now()),
	}
	if !resp.Success {
		resp.Error = failureText(res)
	}
	logger.Info("command finished", "success", resp.Success, "exit_code", res.ExitCode, "duration", res.Duration)
	return resp
}

func (e *Executor) respond(ctx context.Context, resp *protocol.CommandResponse) error {
	payload, err := protocol.EncodeResponse(resp)
	if err != nil {
		return err
	}
	// A finished run is reported even when shutdown has begun.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), responseTimeout)
	defer cancel()
	return e.cfg.Retry.Do(pctx, func(ctx context.Context) error {
		return e.bus.Publish(ctx, e.cfg.ResponseChannel, payload)
	})
}

func failureText(res RunResult) string {
	if msg := strings.TrimSpace(res.Stderr); msg != "" {
		return res.Stderr
	}
	if msg := strings.TrimSpace(res.Stdout); msg != "" {
		return res.Stdout
	}
	return fmt.Sprintf("exit status %d", res.ExitCode)
}
