package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"
)

// StatusHandler reports browser sessions and circuit breakers
type StatusHandler struct {
	sessions SessionLister
	breakers BreakerSource
	logger   arbor.ILogger
}

// NewStatusHandler creates a new StatusHandler
func NewStatusHandler(sessions SessionLister, breakers BreakerSource, logger arbor.ILogger) *StatusHandler {
	return &StatusHandler{
		sessions: sessions,
		breakers: breakers,
		logger:   logger,
	}
}

// SessionsHandler handles GET /api/sessions
func (h *StatusHandler) SessionsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	sessions := h.sessions.ListActiveSessions()
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// BreakersHandler handles GET /api/recovery/breakers
func (h *StatusHandler) BreakersHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"breakers": h.breakers.Breakers()})
}

// ResetBreakerHandler handles POST /api/recovery/breakers/{service}/reset
func (h *StatusHandler) ResetBreakerHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	parts := PathParts(r, "/api/recovery/breakers/")
	if len(parts) != 2 || parts[1] != "reset" {
		WriteError(w, http.StatusNotFound, "Not Found")
		return
	}
	h.breakers.ResetBreaker(parts[0])
	h.logger.Info().Str("service", parts[0]).Msg("Circuit breaker reset via API")
	WriteSuccess(w, "breaker reset")
}
