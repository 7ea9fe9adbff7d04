package admin

import (
	"github.com/getmockd/wsecho/pkg/httputil"
	"github.com/getmockd/wsecho/pkg/websocket"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse = httputil.ErrorResponse

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status   string `json:"status"`
	Uptime   int    `json:"uptime"`
	Sessions int    `json:"sessions"`
}

// SessionsResponse is returned by GET /sessions.
type SessionsResponse struct {
	Sessions []websocket.ConnectionInfo `json:"sessions"`
	Count    int                        `json:"count"`
}

// BroadcastRequest is the body of POST /broadcast.
type BroadcastRequest struct {
	Message string `json:"message"`
}

// BroadcastResponse reports how many sessions the message was queued on.
type BroadcastResponse struct {
	Sent int `json:"sent"`
}
