// Package admin provides the optional monitoring HTTP API of a wsecho server.
//
// Endpoints:
//
//	GET  /healthz    - liveness and uptime
//	GET  /metrics    - Prometheus text format
//	GET  /sessions   - registered sessions, oldest first
//	POST /broadcast  - queue a text message on every session
//
// Usage:
//
//	srv := websocket.NewServer(cfg,
//		websocket.WithAdmin(func(s *websocket.Server) http.Handler {
//			return admin.New(s, admin.WithMetrics(reg), admin.WithLogger(logger)).Handler()
//		}),
//	)
//
// The API is served on its own port (MetricsPort) and is disabled when that
// port is 0.
package admin
