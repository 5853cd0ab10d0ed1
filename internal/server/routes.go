package server

import (
	"net/http"
	"strings"

	"github.com/ternarybob/promptrelay/internal/handlers"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route (progress push)
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// API routes - Batches
	mux.HandleFunc("/api/batches", s.handleBatchesRoute)  // GET (list), POST (create)
	mux.HandleFunc("/api/batches/", s.handleBatchRoutes) // /{id}, /{id}/actions, /{id}/state, /{id}/metrics

	// API routes - Jobs (direct queue access)
	mux.HandleFunc("/api/jobs/stats", s.app.JobHandler.JobStatsHandler)
	mux.HandleFunc("/api/jobs", s.handleJobsRoute)  // GET (list), POST (enqueue)
	mux.HandleFunc("/api/jobs/", s.handleJobRoutes) // GET/DELETE /{id}

	// API routes - Platforms
	mux.HandleFunc("/api/platforms", s.app.PlatformHandler.ListPlatformsHandler)
	mux.HandleFunc("/api/platforms/optimal", s.app.PlatformHandler.OptimalPlatformHandler)

	// API routes - Browser sessions and recovery
	mux.HandleFunc("/api/sessions", s.app.StatusHandler.SessionsHandler)
	mux.HandleFunc("/api/recovery/breakers", s.app.StatusHandler.BreakersHandler)
	mux.HandleFunc("/api/recovery/breakers/", s.app.StatusHandler.ResetBreakerHandler) // POST /{service}/reset

	// API routes - System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)
	mux.HandleFunc("/api/shutdown", s.ShutdownHandler) // Graceful shutdown endpoint (dev mode)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleBatchesRoute routes /api/batches requests (list and create)
func (s *Server) handleBatchesRoute(w http.ResponseWriter, r *http.Request) {
	RouteResourceCollection(w, r, s.app.BatchHandler.ListBatchesHandler, s.app.BatchHandler.CreateBatchHandler)
}

// handleBatchRoutes routes /api/batches/{id} and its subresources
func (s *Server) handleBatchRoutes(w http.ResponseWriter, r *http.Request) {
	parts := handlers.PathParts(r, "/api/batches/")
	switch len(parts) {
	case 1:
		RouteByMethod(w, r, MethodRouter{http.MethodGet: s.app.BatchHandler.GetBatchHandler})
		return
	case 2:
		if RouteByPathSuffix(w, r, "/api/batches/", []PathSuffixRouter{
			{Suffix: "/actions", Handler: s.app.BatchHandler.ActionHandler},
			{Suffix: "/state", Handler: s.app.BatchHandler.StateHandler},
			{Suffix: "/metrics", Handler: s.app.BatchHandler.MetricsHandler},
		}) {
			return
		}
	}
	s.app.APIHandler.NotFoundHandler(w, r)
}

// handleJobsRoute routes /api/jobs requests (list and enqueue)
func (s *Server) handleJobsRoute(w http.ResponseWriter, r *http.Request) {
	RouteResourceCollection(w, r, s.app.JobHandler.ListJobsHandler, s.app.JobHandler.CreateJobHandler)
}

// handleJobRoutes routes /api/jobs/{id} requests
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/jobs/"), "/"), "/") {
		s.app.APIHandler.NotFoundHandler(w, r)
		return
	}
	RouteResourceItem(w, r, s.app.JobHandler.GetJobHandler, nil, s.app.JobHandler.CancelJobHandler)
}
