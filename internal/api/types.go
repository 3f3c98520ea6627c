package api

import (
	"time"

	"github.com/mattjoyce/provisiond/internal/task"
)

// DispatchRequest is the JSON body for POST /commands/{command}.
type DispatchRequest struct {
	Config map[string]any `json:"config,omitempty"`
}

// DispatchResponse is returned when a command has been published.
type DispatchResponse struct {
	TaskID  string      `json:"task_id"`
	Status  task.Status `json:"status"`
	Command string      `json:"command"`
}

// TaskResponse is returned by GET /tasks/{taskID}.
type TaskResponse struct {
	TaskID    string       `json:"task_id"`
	Status    task.Status  `json:"status"`
	Progress  int          `json:"progress"`
	Message   string       `json:"message"`
	Result    *task.Result `json:"result"`
	Command   string       `json:"command"`
	Target    string       `json:"target,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// TaskListResponse is returned by GET /tasks.
type TaskListResponse struct {
	Tasks []TaskResponse `json:"tasks"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status           string          `json:"status"`
	UptimeSeconds    int64           `json:"uptime_seconds"`
	Tasks            map[string]int  `json:"tasks"`
	BusSubscribers   map[string]int  `json:"bus_subscribers,omitempty"`
	Executors        *ExecutorHealth `json:"executors,omitempty"`
	EventSubscribers int             `json:"event_subscribers"`
}

// ExecutorHealth counts the executors running inside the control process.
type ExecutorHealth struct {
	Instances int `json:"instances"`
	Busy      int `json:"busy"`
}

func toTaskResponse(rec task.Record) TaskResponse {
	return TaskResponse{
		TaskID:    rec.TaskID,
		Status:    rec.Status,
		Progress:  rec.Progress,
		Message:   rec.Message,
		Result:    rec.Result,
		Command:   rec.Command,
		Target:    rec.Target,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}
