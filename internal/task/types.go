package task

import (
	"errors"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusPending || s == StatusRunning || s.Terminal()
}

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning:
		return 1
	default:
		return 2
	}
}

var (
	ErrNotFound          = errors.New("task not found")
	ErrAlreadyExists     = errors.New("task already exists")
	ErrInvalidTransition = errors.New("invalid task transition")
	ErrInvalidPatch      = errors.New("invalid task patch")
)

// Result is the outcome of the external command.
type Result struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Spec describes the command a task was created for.
type Spec struct {
	Command string
	Target  string
}

// Record is a snapshot of a task's lifecycle state. Records returned by the registry
// are copies; mutating them has no effect.
type Record struct {
	TaskID    string    `json:"task_id"`
	Command   string    `json:"command"`
	Target    string    `json:"target,omitempty"`
	Status    Status    `json:"status"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message"`
	Result    *Result   `json:"result,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (r Record) clone() Record {
	if r.Result != nil {
		res := *r.Result
		r.Result = &res
	}
	return r
}

// Patch is a partial update. Zero-valued fields are left unchanged.
type Patch struct {
	Status   Status
	Progress *int
	Message  *string
	Result   *Result
}

// Int returns a pointer to v, for Patch.Progress.
func Int(v int) *int { return &v }

// String returns a pointer to v, for Patch.Message.
func String(v string) *string { return &v }
