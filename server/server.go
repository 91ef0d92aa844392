// Package server exposes the engine over HTTP: template management,
// instance lifecycle, execution history, queue metrics, an SSE event
// stream, and cron schedules that start instances on a timer.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/flowforge-io/flowforge/bus"
	"github.com/flowforge-io/flowforge/engine"
	"github.com/flowforge-io/flowforge/store"
	"github.com/flowforge-io/flowforge/timeline"
)

// ServerConfig configures a Server instance.
type ServerConfig struct {
	Store         store.Store
	ScheduleStore ScheduleStore
	Runner        *engine.Runner
	Reporter      *timeline.Reporter
	Bus           bus.EventBus
	EventStore    bus.EventStore
	CORSOrigin    string
	MaxBody       int64
	Logger        *slog.Logger
}

// Server is the FlowForge HTTP API server.
type Server struct {
	store         store.Store
	scheduleStore ScheduleStore
	runner        *engine.Runner
	reporter      *timeline.Reporter
	bus           bus.EventBus
	eventStore    bus.EventStore
	corsOrigin    string
	maxBody       int64
	logger        *slog.Logger
}

// NewServer creates a new Server with the given configuration.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB default
	}
	return &Server{
		store:         cfg.Store,
		scheduleStore: cfg.ScheduleStore,
		runner:        cfg.Runner,
		reporter:      cfg.Reporter,
		bus:           cfg.Bus,
		eventStore:    cfg.EventStore,
		corsOrigin:    corsOrigin,
		maxBody:       maxBody,
		logger:        logger,
	}
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.corsMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)

	return handler
}

// RegisterRoutes mounts the API routes onto an existing mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/templates", s.handleCreateTemplate)
	mux.HandleFunc("GET /api/templates", s.handleListTemplates)
	mux.HandleFunc("GET /api/templates/{id}", s.handleGetTemplate)
	mux.HandleFunc("PUT /api/templates/{id}", s.handleUpdateTemplate)
	mux.HandleFunc("POST /api/templates/{id}/publish", s.handlePublishTemplate)
	mux.HandleFunc("DELETE /api/templates/{id}", s.handleDeleteTemplate)

	mux.HandleFunc("POST /api/workflows/instances", s.handleStartInstance)
	mux.HandleFunc("GET /api/workflows/instances", s.handleListInstances)
	mux.HandleFunc("GET /api/workflows/instances/{id}", s.handleGetInstance)
	mux.HandleFunc("POST /api/workflows/instances/{id}/cancel", s.handleCancelInstance)
	mux.HandleFunc("POST /api/workflows/instances/{id}/execute", s.handleExecuteInstance)
	mux.HandleFunc("POST /api/workflows/instances/{id}/steps/{stepId}/retry", s.handleRetryStep)
	mux.HandleFunc("GET /api/workflows/instances/{id}/executions", s.handleListExecutions)
	mux.HandleFunc("GET /api/workflows/instances/{id}/events", s.handleInstanceEvents)

	mux.HandleFunc("GET /api/workflows/timeline", s.handleTimeline)
	mux.HandleFunc("GET /api/workflows/queue/metrics", s.handleQueueMetrics)
	mux.HandleFunc("POST /api/workflows/nodes/{nodeId}/test-execute", s.handleTestExecuteNode)

	mux.HandleFunc("GET /api/workflows/schedules", s.handleListSchedules)
	mux.HandleFunc("POST /api/workflows/schedules", s.handleCreateSchedule)
	mux.HandleFunc("GET /api/workflows/schedules/{schedule_id}", s.handleGetSchedule)
	mux.HandleFunc("PUT /api/workflows/schedules/{schedule_id}", s.handleUpdateSchedule)
	mux.HandleFunc("DELETE /api/workflows/schedules/{schedule_id}", s.handleDeleteSchedule)
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the standard error envelope.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details ...string) {
	body := apiError{
		Error: apiErrorBody{
			Code:    code,
			Message: message,
		},
	}
	if len(details) > 0 {
		body.Error.Details = details
	}
	writeJSON(w, status, body)
}

func decodeJSONBody(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

// isMaxBytesError checks if the error is from http.MaxBytesReader.
func isMaxBytesError(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}
