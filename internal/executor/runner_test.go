package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/mattjoyce/provisiond/internal/log"
)

// writeScript creates an executable shell script in dir and returns its path.
func writeScript(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "tool.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func newRunner(t *testing.T, body string) (*ProcessRunner, string) {
	t.Helper()
	dir := t.TempDir()
	return &ProcessRunner{
		Binary:      writeScript(t, dir, body),
		WorkDir:     dir,
		Timeout:     5 * time.Second,
		GracePeriod: 200 * time.Millisecond,
		Logger:      log.Discard(),
	}, dir
}

// processGone reports whether pid has exited. An unreaped zombie counts as gone, since an
// orphan is reaped by init rather than by this test.
func processGone(pid int) bool {
	if unix.Kill(pid, 0) == unix.ESRCH {
		return true
	}
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return os.IsNotExist(err)
	}
	// The state follows the parenthesised command name.
	fields := strings.Fields(string(stat[strings.LastIndexByte(string(stat), ')')+1:]))
	return len(fields) > 0 && fields[0] == "Z"
}

func readPID(t *testing.T, path string) int {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	require.NoError(t, err)
	return pid
}

func TestProcessRunnerSuccess(t *testing.T) {
	r, dir := newRunner(t, `echo "args:$*"; pwd`)

	res, err := r.Run(context.Background(), []string{"plan", "-no-color"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.TimedOut)
	assert.Contains(t, res.Stdout, "args:plan -no-color")

	// The process runs inside the work directory.
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Contains(t, res.Stdout, resolved)
}

func TestProcessRunnerNonZeroExit(t *testing.T) {
	r, _ := newRunner(t, `echo partial; echo "state locked" >&2; exit 3`)

	res, err := r.Run(context.Background(), []string{"apply"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "partial\n", res.Stdout)
	assert.Equal(t, "state locked\n", res.Stderr)
}

func TestProcessRunnerPassesEnv(t *testing.T) {
	r, _ := newRunner(t, `echo "$TF_WORKSPACE"`)
	r.Env = []string{"TF_WORKSPACE=staging"}

	res, err := r.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "staging\n", res.Stdout)
}

func TestProcessRunnerMissingBinary(t *testing.T) {
	r := &ProcessRunner{Binary: filepath.Join(t.TempDir(), "missing"), Logger: log.Discard()}
	_, err := r.Run(context.Background(), nil)
	require.Error(t, err)
}

func TestProcessRunnerTimeoutTerminatesProcess(t *testing.T) {
	r, dir := newRunner(t, `echo $$ > "$PWD/pid"; exec sleep 10`)
	r.Timeout = 300 * time.Millisecond

	start := time.Now()
	res, err := r.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Less(t, time.Since(start), 3*time.Second)

	pid := readPID(t, filepath.Join(dir, "pid"))
	assert.True(t, processGone(pid), "process %d still alive", pid)
}

func TestProcessRunnerKillsGroupIgnoringSIGTERM(t *testing.T) {
	r, dir := newRunner(t, `trap '' TERM; sleep 10 & echo $! > "$PWD/child"; wait`)
	r.Timeout = 300 * time.Millisecond

	start := time.Now()
	res, err := r.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Less(t, time.Since(start), 4*time.Second)

	child := readPID(t, filepath.Join(dir, "child"))
	require.Eventually(t, func() bool { return processGone(child) }, 2*time.Second, 20*time.Millisecond,
		"child %d survived the group kill", child)
}

func TestProcessRunnerCapsOutput(t *testing.T) {
	r, _ := newRunner(t, `i=0; while [ $i -lt 200 ]; do echo 0123456789; i=$((i+1)); done`)
	r.MaxOutputBytes = 64

	res, err := r.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.Stdout, "0123456789\n"))
	assert.True(t, strings.HasSuffix(res.Stdout, truncatedMarker))
	assert.Equal(t, 64+len(truncatedMarker), len(res.Stdout))
}

func TestProcessRunnerParentCancelIsNotTimeout(t *testing.T) {
	r, _ := newRunner(t, `exec sleep 10`)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	res, err := r.Run(ctx, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, res.TimedOut)
}

func TestCappedBuffer(t *testing.T) {
	b := newCappedBuffer(5)
	n, err := b.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = b.Write([]byte("defg"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "abcde"+truncatedMarker, b.String())
}
