package admin

import (
	"errors"
	"net/http"

	"github.com/getmockd/wsecho/pkg/httputil"
	"github.com/getmockd/wsecho/pkg/websocket"
)

// handleHealth handles GET /healthz.
func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, HealthResponse{
		Status:   "ok",
		Uptime:   a.Uptime(),
		Sessions: len(a.backend.Sessions()),
	})
}

// handleListSessions handles GET /sessions.
func (a *API) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := a.backend.Sessions()
	if sessions == nil {
		sessions = []websocket.ConnectionInfo{}
	}
	httputil.WriteJSON(w, http.StatusOK, SessionsResponse{
		Sessions: sessions,
		Count:    len(sessions),
	})
}

// handleBroadcast handles POST /broadcast.
func (a *API) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req BroadcastRequest
	if err := httputil.DecodeJSON(w, r, a.maxBroadcastSize, &req); err != nil {
		if errors.Is(err, httputil.ErrBodyTooLarge) {
			httputil.WriteError(w, http.StatusRequestEntityTooLarge, "too_large", "Request body too large")
			return
		}
		httputil.WriteError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON in request body")
		return
	}
	if req.Message == "" {
		httputil.WriteError(w, http.StatusBadRequest, "validation_error", "message is required")
		return
	}

	sent, err := a.backend.Broadcast(req.Message)
	if err != nil {
		if errors.Is(err, websocket.ErrServerNotRunning) {
			httputil.WriteError(w, http.StatusServiceUnavailable, "not_running", "Server is not running")
			return
		}
		a.log.Error("broadcast failed", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "internal_error", "An internal error occurred")
		return
	}
	a.log.Info("broadcast", "sent", sent)
	httputil.WriteJSON(w, http.StatusOK, BroadcastResponse{Sent: sent})
}
