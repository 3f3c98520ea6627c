package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/provisiond/internal/auth"
	"github.com/mattjoyce/provisiond/internal/bus"
	"github.com/mattjoyce/provisiond/internal/events"
	"github.com/mattjoyce/provisiond/internal/inventory"
	"github.com/mattjoyce/provisiond/internal/task"
)

// CommandDispatcher submits commands for asynchronous execution.
type CommandDispatcher interface {
	Dispatch(ctx context.Context, command string, cfg map[string]any) (string, error)
}

// TaskReader answers polling requests.
type TaskReader interface {
	Get(id string) (task.Record, error)
	List() []task.Record
	Counts() map[task.Status]int
}

// SubscriberCounter reports live subscribers per bus channel.
type SubscriberCounter interface {
	Subscribers(channel string) int
}

// ExecutorStats reports the in-process executor pool.
type ExecutorStats interface {
	Size() int
	Busy() int
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the legacy single bearer token (admin/full access).
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
	// RequestChannel is the only channel remote executors may subscribe to under /bus.
	RequestChannel string
	// ResponseChannel is the only channel remote executors may publish to under /bus.
	ResponseChannel string
}

// Deps are the components the API serves. Bus, BusStats and Inventory are optional; their
// routes answer 404 when unset. Executors is set only when executors run in this process.
type Deps struct {
	Dispatcher CommandDispatcher
	Tasks      TaskReader
	Events     *events.Hub
	Bus        *bus.Server
	BusStats   SubscriberCounter
	Executors  ExecutorStats
	Inventory  *inventory.Generator
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	deps      Deps
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance
func New(config Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Events == nil {
		deps.Events = events.NewHub(256)
	}
	return &Server{
		config:    config,
		deps:      deps,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: /events and /bus subscriptions are long-lived streams.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.With(s.requireScopes(auth.ScopeTasksWrite)).Post("/commands/{command}", s.handleDispatch)
		r.With(s.requireScopes(auth.ScopeTasksRead)).Get("/tasks", s.handleListTasks)
		r.With(s.requireScopes(auth.ScopeTasksRead)).Get("/tasks/{taskID}", s.handleGetTask)
		r.With(s.requireScopes(auth.ScopeEventsRead, auth.ScopeTasksRead)).Get("/events", s.handleEvents)

		r.With(s.requireScopes(auth.ScopeBus)).Post("/bus/{channel}", s.handleBusPublish)
		r.With(s.requireScopes(auth.ScopeBus)).Get("/bus/{channel}", s.handleBusSubscribe)

		r.With(s.requireScopes(auth.ScopeInventory)).Get("/inventory", s.handleInventory)
		r.With(s.requireScopes(auth.ScopeInventory)).Get("/inventory/hosts/{address}", s.handleInventoryHost)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
