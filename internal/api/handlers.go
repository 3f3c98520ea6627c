package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/provisiond/internal/bus"
	"github.com/mattjoyce/provisiond/internal/protocol"
	"github.com/mattjoyce/provisiond/internal/task"
)

const maxDispatchBodyBytes = 64 * 1024

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	counts := map[string]int{}
	for status, n := range s.deps.Tasks.Counts() {
		counts[string(status)] = n
	}

	resp := HealthzResponse{
		Status:           "ok",
		UptimeSeconds:    int64(time.Since(s.startedAt).Seconds()),
		Tasks:            counts,
		EventSubscribers: s.deps.Events.Subscribers(),
	}
	if s.deps.BusStats != nil {
		resp.BusSubscribers = map[string]int{}
		for _, ch := range []string{s.config.RequestChannel, s.config.ResponseChannel} {
			if ch != "" {
				resp.BusSubscribers[ch] = s.deps.BusStats.Subscribers(ch)
			}
		}
	}
	if s.deps.Executors != nil {
		resp.Executors = &ExecutorHealth{
			Instances: s.deps.Executors.Size(),
			Busy:      s.deps.Executors.Busy(),
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

// handleDispatch handles POST /commands/{command}.
// The task is pending once this returns 202; the outcome is polled via /tasks/{taskID}.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	command := chi.URLParam(r, "command")

	var req DispatchRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxDispatchBodyBytes+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) > maxDispatchBodyBytes {
		s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	taskID, err := s.deps.Dispatcher.Dispatch(r.Context(), command, req.Config)
	if err != nil {
		var verr *protocol.ValidationError
		switch {
		case errors.As(err, &verr):
			respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: verr.Error(), Field: verr.Field})
		case bus.IsTransport(err):
			s.logger.Error("dispatch publish failed", "command", command, "error", err)
			s.writeError(w, http.StatusBadGateway, "failed to publish command")
		default:
			s.logger.Error("dispatch failed", "command", command, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to dispatch command")
		}
		return
	}

	s.logger.Info("command dispatched via API", "task_id", taskID, "command", command)

	respondJSON(w, http.StatusAccepted, DispatchResponse{
		TaskID:  taskID,
		Status:  task.StatusPending,
		Command: command,
	})
}

// handleGetTask handles GET /tasks/{taskID}.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Tasks.Get(chi.URLParam(r, "taskID"))
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.logger.Error("failed to get task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}
	respondJSON(w, http.StatusOK, toTaskResponse(rec))
}

// handleListTasks handles GET /tasks with an optional ?status= filter.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var filter task.Status
	if v := r.URL.Query().Get("status"); v != "" {
		filter = task.Status(v)
		if !filter.Valid() {
			s.writeError(w, http.StatusBadRequest, "invalid status filter")
			return
		}
	}

	out := TaskListResponse{Tasks: []TaskResponse{}}
	for _, rec := range s.deps.Tasks.List() {
		if filter != "" && rec.Status != filter {
			continue
		}
		out.Tasks = append(out.Tasks, toTaskResponse(rec))
	}
	respondJSON(w, http.StatusOK, out)
}

// handleBusPublish handles POST /bus/{channel} for executors on other hosts. Only responses
// may be published; requests enter through the dispatcher so every one has a task record.
func (s *Server) handleBusPublish(w http.ResponseWriter, r *http.Request) {
	channel, ok := s.busChannel(w, r, s.config.ResponseChannel)
	if !ok {
		return
	}
	s.deps.Bus.ServePublish(w, r, channel)
}

// handleBusSubscribe handles GET /bus/{channel} as an SSE stream of envelopes. Only the
// request channel can be followed.
func (s *Server) handleBusSubscribe(w http.ResponseWriter, r *http.Request) {
	channel, ok := s.busChannel(w, r, s.config.RequestChannel)
	if !ok {
		return
	}
	s.deps.Bus.ServeSubscribe(w, r, channel)
}

// busChannel resolves the {channel} parameter and accepts it only when it equals allowed.
// The other configured channel answers 403, anything else 404.
func (s *Server) busChannel(w http.ResponseWriter, r *http.Request, allowed string) (string, bool) {
	if s.deps.Bus == nil {
		s.writeError(w, http.StatusNotFound, "bus endpoints disabled")
		return "", false
	}
	channel := chi.URLParam(r, "channel")
	switch {
	case allowed != "" && channel == allowed:
		return channel, true
	case channel != "" && (channel == s.config.RequestChannel || channel == s.config.ResponseChannel):
		s.writeError(w, http.StatusForbidden, "channel not allowed for this method")
	default:
		s.writeError(w, http.StatusNotFound, "unknown channel")
	}
	return "", false
}

// handleInventory handles GET /inventory.
func (s *Server) handleInventory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Inventory == nil {
		s.writeError(w, http.StatusNotFound, "inventory not configured")
		return
	}
	doc, err := s.deps.Inventory.List()
	if err != nil {
		s.logger.Error("failed to build inventory", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to build inventory")
		return
	}
	respondJSON(w, http.StatusOK, doc)
}

// handleInventoryHost handles GET /inventory/hosts/{address}. Unknown hosts yield {}.
func (s *Server) handleInventoryHost(w http.ResponseWriter, r *http.Request) {
	if s.deps.Inventory == nil {
		s.writeError(w, http.StatusNotFound, "inventory not configured")
		return
	}
	vars, found, err := s.deps.Inventory.Host(chi.URLParam(r, "address"))
	if err != nil {
		s.logger.Error("failed to look up host", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to look up host")
		return
	}
	if !found {
		respondJSON(w, http.StatusOK, struct{}{})
		return
	}
	respondJSON(w, http.StatusOK, vars)
}

// handleOpenAPI handles GET /openapi.json (no auth).
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(protocol.Commands))
}

// respondJSON writes a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
