package task

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/provisiond/internal/storage"
)

func openJournal(t *testing.T) *SQLiteJournal {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLiteJournal(db)
}

func TestJournalRoundTripAcrossRestart(t *testing.T) {
	ctx := context.Background()
	journal := openJournal(t)
	clock := newFakeClock()

	reg := NewRegistry(WithJournal(journal), WithClock(clock.Now))
	_, err := reg.Create(ctx, "done", Spec{Command: "apply", Target: "web-1"})
	require.NoError(t, err)
	_, err = reg.Create(ctx, "waiting", Spec{Command: "plan"})
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = reg.Update(ctx, "done", Patch{
		Status:   StatusFailed,
		Progress: Int(100),
		Message:  String("Task failed"),
		Result:   &Result{Success: false, Output: "partial", Error: "exit status 1"},
	})
	require.NoError(t, err)

	restarted := NewRegistry(WithJournal(journal))
	n, err := restarted.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	done, err := restarted.Get("done")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Equal(t, "web-1", done.Target)
	assert.Equal(t, 100, done.Progress)
	require.NotNil(t, done.Result)
	assert.Equal(t, "exit status 1", done.Result.Error)
	assert.Equal(t, "partial", done.Result.Output)
	assert.True(t, done.UpdatedAt.Equal(clock.Now()))

	waiting, err := restarted.Get("waiting")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, waiting.Status)
	assert.Nil(t, waiting.Result)

	// Terminal records stay frozen after a reload.
	_, err = restarted.Update(ctx, "done", Patch{Status: StatusCompleted})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestJournalDiscardAndPruneDeleteRows(t *testing.T) {
	ctx := context.Background()
	journal := openJournal(t)
	clock := newFakeClock()
	reg := NewRegistry(WithJournal(journal), WithClock(clock.Now))

	_, err := reg.Create(ctx, "discarded", Spec{Command: "plan"})
	require.NoError(t, err)
	require.NoError(t, reg.Discard(ctx, "discarded"))

	_, err = reg.Create(ctx, "pruned", Spec{Command: "plan"})
	require.NoError(t, err)
	_, err = reg.Update(ctx, "pruned", Patch{Status: StatusCompleted})
	require.NoError(t, err)
	clock.Advance(time.Hour)
	assert.Equal(t, 1, reg.Prune(ctx, time.Minute))

	records, err := journal.LoadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestJournalLoadRejectsCorruptTimestamp(t *testing.T) {
	ctx := context.Background()
	journal := openJournal(t)

	_, err := journal.db.ExecContext(ctx, `
INSERT INTO task_records(task_id, command, target, status, progress, message, created_at, updated_at)
VALUES('corrupt', 'plan', '', 'pending', 0, 'Task queued', 'yesterday', '2026-03-01T12:00:00Z');
`)
	require.NoError(t, err)

	_, err = journal.LoadAll(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt")
	assert.Contains(t, err.Error(), "created_at")

	reg := NewRegistry(WithJournal(journal))
	_, err = reg.Load(ctx)
	assert.Error(t, err)
	_, err = reg.Get("corrupt")
	assert.ErrorIs(t, err, ErrNotFound)
}

type failingJournal struct {
	SQLiteJournal
	saveErr error
}

func (f *failingJournal) Save(context.Context, Record) error { return f.saveErr }

func TestCreateRollsBackWhenJournalFails(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(WithJournal(&failingJournal{saveErr: errors.New("disk full")}))

	_, err := reg.Create(ctx, "t1", Spec{Command: "plan"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	_, err = reg.Get("t1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, reg.List())
}
