package admin

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/getmockd/wsecho/pkg/logging"
	"github.com/getmockd/wsecho/pkg/metrics"
	"github.com/getmockd/wsecho/pkg/websocket"
)

// DefaultMaxBroadcastSize bounds the POST /broadcast body.
const DefaultMaxBroadcastSize = 64 << 10

// Backend is the server the API reports on. *websocket.Server implements it.
type Backend interface {
	Sessions() []websocket.ConnectionInfo
	Broadcast(text string) (int, error)
}

// API serves the admin endpoints.
type API struct {
	backend          Backend
	metricsRegistry  *metrics.Registry
	log              *slog.Logger
	startTime        time.Time
	maxBroadcastSize int64
}

// Option configures an API.
type Option func(*API)

// WithMetrics serves reg on GET /metrics.
func WithMetrics(reg *metrics.Registry) Option {
	return func(a *API) {
		a.metricsRegistry = reg
	}
}

// WithLogger sets the request logger.
func WithLogger(log *slog.Logger) Option {
	return func(a *API) {
		if log != nil {
			a.log = log
		}
	}
}

// WithMaxBroadcastSize bounds the POST /broadcast body in bytes.
func WithMaxBroadcastSize(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBroadcastSize = n
		}
	}
}

// New creates an API for backend.
func New(backend Backend, opts ...Option) *API {
	a := &API{
		backend:          backend,
		log:              logging.Nop(),
		startTime:        time.Now(),
		maxBroadcastSize: DefaultMaxBroadcastSize,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns the routed handler with middleware applied.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	a.registerRoutes(mux)
	return SecurityHeadersMiddleware(NewLoggingMiddleware(mux, a.log))
}

func (a *API) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("GET /sessions", a.handleListSessions)
	mux.HandleFunc("POST /broadcast", a.handleBroadcast)
	if a.metricsRegistry != nil {
		mux.Handle("GET /metrics", a.metricsRegistry.Handler())
	}
}

// Uptime returns the API uptime in seconds.
func (a *API) Uptime() int {
	return int(time.Since(a.startTime).Seconds())
}
