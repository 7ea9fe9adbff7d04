package websocket

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	ws "github.com/coder/websocket"

	"github.com/getmockd/wsecho/pkg/logging"
	"github.com/getmockd/wsecho/pkg/metrics"
	"github.com/getmockd/wsecho/pkg/ratelimit"
	"github.com/getmockd/wsecho/pkg/registry"
)

// Upgrader promotes aggregated HTTP requests on a single path to WebSocket
// sessions and registers them.
type Upgrader struct {
	// Path must match the request path exactly.
	Path string
	// MaxMessageSize bounds the aggregated request body and every inbound
	// WebSocket message.
	MaxMessageSize int64
	// Registry receives an entry for every upgraded connection.
	Registry *registry.Registry
	// Limiter, when set, throttles upgrade attempts per client IP.
	Limiter *ratelimit.Limiter
	Metrics *metrics.ServerMetrics
	Logger  *slog.Logger
}

// Upgrade validates r and performs the handshake for c. On success c is
// Upgraded and registered. On failure the error response has been written
// with "Connection: close" and the returned error wraps one of
// ErrPathNotFound, ErrUpgradeRequired, ErrRateLimited, ErrMessageTooLarge or
// ErrConnectionClosed. The request line and headers, and separately the
// body, are each bounded by MaxMessageSize.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request, c *Connection) error {
	logger := u.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	// Every response other than 101 ends the connection.
	w.Header().Set("Connection", "close")

	if r.URL.Path != u.Path {
		u.Metrics.Upgrade(metrics.UpgradeNotFound)
		http.Error(w, "not found", http.StatusNotFound)
		return fmt.Errorf("%w: %s", ErrPathNotFound, r.URL.Path)
	}

	if !isWebSocketUpgrade(r) {
		u.Metrics.Upgrade(metrics.UpgradeBadRequest)
		http.Error(w, "WebSocket upgrade required", http.StatusBadRequest)
		return ErrUpgradeRequired
	}

	if u.Limiter != nil {
		ip := ratelimit.ClientIP(r.RemoteAddr)
		if ok, retry := u.Limiter.Allow(ip); !ok {
			u.Metrics.Upgrade(metrics.UpgradeRateLimited)
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
			http.Error(w, "too many upgrade attempts", http.StatusTooManyRequests)
			return fmt.Errorf("%w: %s", ErrRateLimited, ip)
		}
	}

	if n := requestHeadSize(r); u.MaxMessageSize > 0 && n > u.MaxMessageSize {
		u.Metrics.Upgrade(metrics.UpgradeTooLarge)
		http.Error(w, "request header too large", http.StatusRequestHeaderFieldsTooLarge)
		return fmt.Errorf("%w: header %d bytes", ErrMessageTooLarge, n)
	}

	if err := u.aggregate(w, r); err != nil {
		if errors.Is(err, ErrMessageTooLarge) {
			u.Metrics.Upgrade(metrics.UpgradeTooLarge)
			http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		} else {
			u.Metrics.Upgrade(metrics.UpgradeBadRequest)
			http.Error(w, "malformed request", http.StatusBadRequest)
		}
		return err
	}

	if err := c.transition(StateUpgrading); err != nil {
		u.Metrics.Upgrade(metrics.UpgradeFailed)
		return fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	}

	wsConn, err := ws.Accept(w, r, &ws.AcceptOptions{
		InsecureSkipVerify: true,
		CompressionMode:    ws.CompressionDisabled,
	})
	if err != nil {
		u.Metrics.Upgrade(metrics.UpgradeFailed)
		logger.Debug("handshake failed", "handle", c.Handle(), "error", err)
		return fmt.Errorf("handshake: %w", err)
	}
	wsConn.SetReadLimit(u.MaxMessageSize)

	meta := map[string]string{
		"remote":    r.RemoteAddr,
		"userAgent": r.UserAgent(),
		"path":      r.URL.Path,
	}
	if err := c.upgrade(wsConn, u.Registry, meta); err != nil {
		u.Metrics.Upgrade(metrics.UpgradeFailed)
		return fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	}
	u.Metrics.Upgrade(metrics.UpgradeOK)
	logger.Info("session registered", "handle", c.Handle(), "remote", r.RemoteAddr)
	return nil
}

// aggregate reads the complete request body, bounded by MaxMessageSize.
func (u *Upgrader) aggregate(w http.ResponseWriter, r *http.Request) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	if u.MaxMessageSize > 0 && r.ContentLength > u.MaxMessageSize {
		return fmt.Errorf("%w: content length %d", ErrMessageTooLarge, r.ContentLength)
	}

	body := io.Reader(r.Body)
	if u.MaxMessageSize > 0 {
		body = http.MaxBytesReader(w, r.Body, u.MaxMessageSize)
	}
	if _, err := io.Copy(io.Discard, body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("%w: limit %d", ErrMessageTooLarge, tooLarge.Limit)
		}
		return fmt.Errorf("read request body: %w", err)
	}
	return nil
}

// isWebSocketUpgrade checks the Connection and Upgrade headers.
func isWebSocketUpgrade(r *http.Request) bool {
	conn := r.Header.Get("Connection")
	if !strings.Contains(strings.ToLower(conn), "upgrade") {
		return false
	}
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// requestHeadSize returns the wire size of the request line and headers,
// including the terminating blank line.
func requestHeadSize(r *http.Request) int64 {
	n := len(r.Method) + 1 + len(r.RequestURI) + 1 + len(r.Proto) + 2
	if r.Host != "" {
		n += len("Host: ") + len(r.Host) + 2
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			n += len(k) + 2 + len(v) + 2
		}
	}
	return int64(n + 2)
}
