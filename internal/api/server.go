package api

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/rendis/prodtrack/internal/audit"
	"github.com/rendis/prodtrack/internal/cache"
	"github.com/rendis/prodtrack/internal/engine"
)

// Deps holds the dependencies for the API server.
type Deps struct {
	Editor engine.StepEditor
	Audit  *audit.Log
	// Cache is optional; when set its stats are reported with the audit metrics.
	Cache  *cache.WorkflowCache
	Logger *slog.Logger
}

// Server serves the JSON API.
type Server struct {
	deps Deps
}

// NewServer creates a new Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Workflows.
	mux.HandleFunc("POST /api/workflows", s.handleStartWorkflow)
	mux.HandleFunc("GET /api/workflows", s.handleListWorkflows)
	mux.HandleFunc("GET /api/workflows/{id}", s.handleGetWorkflow)
	mux.HandleFunc("GET /api/workflows/{id}/progress", s.handleProgress)
	mux.HandleFunc("GET /api/workflows/{id}/diagram", s.handleDiagram)
	mux.HandleFunc("POST /api/workflows/{id}/steps/{step}", s.handleSubmitStep)

	// Activity.
	mux.HandleFunc("POST /api/activity", s.handleRecordActivity)
	mux.HandleFunc("GET /api/activity", s.handleQueryActivity)
	mux.HandleFunc("GET /api/activity/summary", s.handleSummary)
	mux.HandleFunc("GET /api/activity/timeline/{subjectId}", s.handleTimeline)

	// Ops.
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/metrics/audit", s.handleAuditMetrics)

	return s.logRequests(mux)
}

// logRequests logs every request at debug level.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.deps.Logger.DebugContext(r.Context(), "http request",
			"method", r.Method, "path", r.URL.Path, "status", sw.status)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
