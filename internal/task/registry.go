// Package task holds the lifecycle records of dispatched provisioning commands.
//
// The Registry is safe for concurrent use. Each record has its own lock, so writers to
// different tasks never contend and writers to the same task are serialized. Status moves
// forward only (pending → running → completed|failed|timeout) and a terminal record is
// never modified again.
//
// When a Journal is configured every accepted change is written through to it before the
// in-memory snapshot is replaced, and Load restores records after a restart.
package task

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Journal persists task records.
type Journal interface {
	Save(ctx context.Context, rec Record) error
	Delete(ctx context.Context, taskID string) error
	LoadAll(ctx context.Context) ([]Record, error)
}

type entry struct {
	mu      sync.Mutex
	rec     Record
	removed bool
}

// Registry is the single source of truth for task state.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	journal  Journal
	observer func(Record)
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithJournal enables write-through persistence.
func WithJournal(j Journal) Option {
	return func(r *Registry) { r.journal = j }
}

// WithObserver registers fn to receive every accepted snapshot. fn runs while the task's
// lock is held and must not call back into the registry for the same task.
func WithObserver(fn func(Record)) Option {
	return func(r *Registry) { r.observer = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		now:     func() time.Time { return time.Now().UTC() },
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load restores journaled records. It must be called before the registry is shared.
func (r *Registry) Load(ctx context.Context) (int, error) {
	if r.journal == nil {
		return 0, nil
	}
	records, err := r.journal.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("load task journal: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		r.entries[rec.TaskID] = &entry{rec: rec.clone()}
	}
	return len(records), nil
}

// Create registers a new pending record for id.
func (r *Registry) Create(ctx context.Context, id string, spec Spec) (Record, error) {
	if id == "" {
		return Record{}, fmt.Errorf("%w: empty task id", ErrInvalidPatch)
	}

	now := r.now()
	e := &entry{rec: Record{
		TaskID:    id,
		Command:   spec.Command,
		Target:    spec.Target,
		Status:    StatusPending,
		Progress:  0,
		Message:   "Task queued",
		CreatedAt: now,
		UpdatedAt: now,
	}}

	// Lock the entry before publishing it so no reader observes it until it is journaled.
	e.mu.Lock()
	defer e.mu.Unlock()

	r.mu.Lock()
	if _, exists := r.entries[id]; exists {
		r.mu.Unlock()
		return Record{}, fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	}
	r.entries[id] = e
	r.mu.Unlock()

	if r.journal != nil {
		if err := r.journal.Save(ctx, e.rec); err != nil {
			e.removed = true
			r.mu.Lock()
			delete(r.entries, id)
			r.mu.Unlock()
			return Record{}, fmt.Errorf("journal task %s: %w", id, err)
		}
	}

	r.notify(e.rec)
	return e.rec.clone(), nil
}

// Get returns a snapshot of the record for id.
func (r *Registry) Get(id string) (Record, error) {
	e, ok := r.lookup(id)
	if !ok {
		return Record{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return Record{}, ErrNotFound
	}
	return e.rec.clone(), nil
}

// Update applies patch to the record for id.
func (r *Registry) Update(ctx context.Context, id string, patch Patch) (Record, error) {
	e, ok := r.lookup(id)
	if !ok {
		return Record{}, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return Record{}, ErrNotFound
	}

	cur := e.rec
	if cur.Status.Terminal() {
		return Record{}, fmt.Errorf("%w: task %s is already %s", ErrInvalidTransition, id, cur.Status)
	}

	next := cur.clone()
	if patch.Status != "" {
		if !patch.Status.Valid() {
			return Record{}, fmt.Errorf("%w: unknown status %q", ErrInvalidPatch, patch.Status)
		}
		if patch.Status.rank() < cur.Status.rank() {
			return Record{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, patch.Status)
		}
		next.Status = patch.Status
	}
	if patch.Progress != nil {
		if *patch.Progress < 0 || *patch.Progress > 100 {
			return Record{}, fmt.Errorf("%w: progress %d out of range", ErrInvalidPatch, *patch.Progress)
		}
		next.Progress = *patch.Progress
	}
	if patch.Message != nil {
		next.Message = *patch.Message
	}
	if patch.Result != nil {
		res := *patch.Result
		next.Result = &res
	}
	next.UpdatedAt = r.now()

	if r.journal != nil {
		if err := r.journal.Save(ctx, next); err != nil {
			return Record{}, fmt.Errorf("journal task %s: %w", id, err)
		}
	}

	e.rec = next
	r.notify(next)
	return next.clone(), nil
}

// Discard removes a record that is still pending. The dispatcher uses it to roll back a
// record whose request never reached the bus.
func (r *Registry) Discard(ctx context.Context, id string) error {
	e, ok := r.lookup(id)
	if !ok {
		return ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return ErrNotFound
	}
	if e.rec.Status != StatusPending {
		return fmt.Errorf("%w: cannot discard %s task %s", ErrInvalidTransition, e.rec.Status, id)
	}
	return r.removeLocked(ctx, id, e)
}

// List returns snapshots of all records, oldest first.
func (r *Registry) List() []Record {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			out = append(out, e.rec.clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Counts returns the number of records per status.
func (r *Registry) Counts() map[Status]int {
	counts := make(map[Status]int)
	for _, rec := range r.List() {
		counts[rec.Status]++
	}
	return counts
}

// Prune evicts terminal records last updated before now-olderThan and returns how many
// were removed. Pending and running records are never evicted.
func (r *Registry) Prune(ctx context.Context, olderThan time.Duration) int {
	cutoff := r.now().Add(-olderThan)

	r.mu.RLock()
	candidates := make(map[string]*entry, len(r.entries))
	for id, e := range r.entries {
		candidates[id] = e
	}
	r.mu.RUnlock()

	removed := 0
	for id, e := range candidates {
		e.mu.Lock()
		if !e.removed && e.rec.Status.Terminal() && e.rec.UpdatedAt.Before(cutoff) {
			if err := r.removeLocked(ctx, id, e); err != nil {
				r.logger.Error("failed to prune task", "task_id", id, "error", err)
			} else {
				removed++
			}
		}
		e.mu.Unlock()
	}
	return removed
}

func (r *Registry) removeLocked(ctx context.Context, id string, e *entry) error {
	if r.journal != nil {
		if err := r.journal.Delete(ctx, id); err != nil {
			return fmt.Errorf("journal delete task %s: %w", id, err)
		}
	}
	e.removed = true
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
	return nil
}

func (r *Registry) lookup(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

func (r *Registry) notify(rec Record) {
	if r.observer != nil {
		r.observer(rec.clone())
	}
}
