package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// DefaultMaxOutputBytes caps captured stdout and stderr independently.
	DefaultMaxOutputBytes = 1 << 20

	truncatedMarker = "\n[output truncated]\n"
)

// RunResult is the outcome of one process run.
type RunResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	Duration time.Duration
}

// Runner executes the provisioning tool with the given arguments.
type Runner interface {
	Run(ctx context.Context, args []string) (RunResult, error)
}

// ProcessRunner runs Binary in WorkDir as the leader of its own process group.
//
// When Timeout elapses (or ctx ends) the whole group receives SIGTERM, and SIGKILL after
// GracePeriod if anything in it is still alive.
type ProcessRunner struct {
	Binary         string
	WorkDir        string
	Env            []string
	Timeout        time.Duration
	GracePeriod    time.Duration
	MaxOutputBytes int
	Logger         *slog.Logger
}

// Run starts the process and waits for it. A non-nil error means the process could not be
// started or waited on; a non-zero exit or a timeout is reported in RunResult.
func (p *ProcessRunner) Run(ctx context.Context, args []string) (RunResult, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxOut := p.MaxOutputBytes
	if maxOut <= 0 {
		maxOut = DefaultMaxOutputBytes
	}

	runCtx := ctx
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	stdout := newCappedBuffer(maxOut)
	stderr := newCappedBuffer(maxOut)

	cmd := exec.Command(p.Binary, args...)
	cmd.Dir = p.WorkDir
	cmd.Env = append(os.Environ(), p.Env...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Descendants that escape the group could hold the pipes open forever.
	cmd.WaitDelay = p.GracePeriod + time.Second

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return RunResult{}, fmt.Errorf("start %s: %w", p.Binary, err)
	}
	pgid := cmd.Process.Pid
	logger.Debug("process started", "pid", pgid, "args", args)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var (
		waitErr  error
		timedOut bool
	)
	select {
	case waitErr = <-done:
	case <-runCtx.Done():
		// Only our own deadline counts as a timeout; a cancelled parent is a shutdown.
		timedOut = ctx.Err() == nil
		logger.Warn("terminating process group", "pid", pgid, "timed_out", timedOut, "grace_period", p.GracePeriod)
		waitErr = p.terminate(pgid, done, logger)
	}

	res := RunResult{
		ExitCode: -1,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		TimedOut: timedOut,
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if timedOut {
		return res, nil
	}
	if ctx.Err() != nil {
		return res, fmt.Errorf("run interrupted: %w", ctx.Err())
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
		return res, fmt.Errorf("wait %s: %w", p.Binary, waitErr)
	}
	return res, nil
}

func (p *ProcessRunner) terminate(pgid int, done <-chan error, logger *slog.Logger) error {
	signalGroup(pgid, unix.SIGTERM, logger)

	grace := time.NewTimer(p.GracePeriod)
	defer grace.Stop()
	select {
	case err := <-done:
		// The leader is gone; reap anything left in the group.
		signalGroup(pgid, unix.SIGKILL, logger)
		return err
	case <-grace.C:
		logger.Warn("grace period expired, killing process group", "pid", pgid)
		signalGroup(pgid, unix.SIGKILL, logger)
		return <-done
	}
}

func signalGroup(pgid int, sig unix.Signal, logger *slog.Logger) {
	if err := unix.Kill(-pgid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		logger.Warn("failed to signal process group", "pid", pgid, "signal", sig.String(), "error", err)
	}
}

// cappedBuffer keeps the first max bytes written to it and discards the rest.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	max       int
	truncated bool
}

func newCappedBuffer(max int) *cappedBuffer {
	return &cappedBuffer{max: max}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - len(b.buf); room > 0 {
		if len(p) > room {
			b.buf = append(b.buf, p[:room]...)
			b.truncated = true
		} else {
			b.buf = append(b.buf, p...)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return string(b.buf) + truncatedMarker
	}
	return string(b.buf)
}
