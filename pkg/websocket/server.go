package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/getmockd/wsecho/pkg/config"
	"github.com/getmockd/wsecho/pkg/logging"
	"github.com/getmockd/wsecho/pkg/metrics"
	"github.com/getmockd/wsecho/pkg/ratelimit"
	"github.com/getmockd/wsecho/pkg/registry"
	"github.com/getmockd/wsecho/pkg/transport"
)

type connKey struct{}

// Server accepts TCP connections, runs each through the connection pipeline
// and keeps upgraded sessions in a registry.
type Server struct {
	cfg        *config.ServerConfig
	registry   *registry.Registry
	dispatcher Dispatcher
	logger     *slog.Logger
	metrics    *metrics.ServerMetrics
	admin      func(*Server) http.Handler

	idle     atomic.Pointer[IdleConfig]
	upgrader *Upgrader

	mu          sync.Mutex
	running     bool
	listener    *transport.Listener
	httpServer  *http.Server
	adminLn     *transport.Listener
	adminServer *http.Server
	done        chan struct{}
	serveErr    error

	draining  atomic.Bool
	live      sync.Map // net.Conn -> *Connection
	pipelines sync.WaitGroup
	closing   sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithRegistry sets the session registry.
func WithRegistry(r *registry.Registry) Option {
	return func(s *Server) {
		s.registry = r
	}
}

// WithDispatcher sets the dispatcher shared by all connections.
func WithDispatcher(d Dispatcher) Option {
	return func(s *Server) {
		s.dispatcher = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the metrics the server records.
func WithMetrics(m *metrics.ServerMetrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithAdmin installs the handler served on cfg.MetricsPort. It is built
// once the Server exists so it can use it.
func WithAdmin(fn func(*Server) http.Handler) Option {
	return func(s *Server) {
		s.admin = fn
	}
}

// NewServer creates a Server for cfg. A nil cfg uses the defaults. Without
// WithRegistry a registry with cfg.RegistryShards shards is created; without
// WithDispatcher replies are echoed with cfg.Marker.
func NewServer(cfg *config.ServerConfig, opts ...Option) *Server {
	if cfg == nil {
		cfg = config.DefaultServerConfig()
	}
	s := &Server{
		cfg:    cfg.Clone(),
		logger: logging.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = registry.New(registry.WithShards(s.cfg.RegistryShards))
	}
	if s.dispatcher == nil {
		s.dispatcher = NewEchoDispatcher(s.cfg.Marker)
	}
	s.SetIdle(IdleConfig{
		Reader: s.cfg.Idle.Reader.Duration(),
		Writer: s.cfg.Idle.Writer.Duration(),
		All:    s.cfg.Idle.All.Duration(),
	})
	s.upgrader = &Upgrader{
		Path:           s.cfg.Path,
		MaxMessageSize: s.cfg.MaxMessageSize,
		Registry:       s.registry,
		Limiter:        newUpgradeLimiter(s.cfg.UpgradeLimit),
		Metrics:        s.metrics,
		Logger:         s.logger,
	}
	s.metrics.TrackSessions(s.registry.Len)
	return s
}

// Registry returns the session registry.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Dispatcher returns the dispatcher.
func (s *Server) Dispatcher() Dispatcher {
	return s.dispatcher
}

// Metrics returns the server metrics, which may be nil.
func (s *Server) Metrics() *metrics.ServerMetrics {
	return s.metrics
}

// Idle returns the idle thresholds applied to newly accepted connections.
func (s *Server) Idle() IdleConfig {
	return *s.idle.Load()
}

// SetIdle changes the idle thresholds for connections accepted from now on.
func (s *Server) SetIdle(cfg IdleConfig) {
	s.idle.Store(&cfg)
}

// Addr returns the bound address, or nil when the server is not running.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// AdminAddr returns the bound admin address, or nil.
func (s *Server) AdminAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adminLn == nil {
		return nil
	}
	return s.adminLn.Addr()
}

// Start binds the listener and starts accepting. A bind failure is returned
// wrapped in ErrBind and leaves the server stopped.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrServerRunning
	}

	ln, err := transport.Listen(ctx, transport.Options{
		Host:           s.cfg.Host,
		Port:           s.cfg.Port,
		Backlog:        s.cfg.Backlog,
		KeepAlive:      s.cfg.KeepAlive,
		MaxConnections: s.cfg.MaxConnections,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBind, err)
	}

	var adminLn *transport.Listener
	if s.cfg.MetricsPort > 0 && s.admin != nil {
		adminLn, err = transport.Listen(ctx, transport.Options{
			Host:      s.cfg.Host,
			Port:      s.cfg.MetricsPort,
			KeepAlive: true,
		})
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("%w: admin: %w", ErrBind, err)
		}
	}

	s.draining.Store(false)
	s.httpServer = &http.Server{
		Handler:        http.HandlerFunc(s.serveHTTP),
		MaxHeaderBytes: int(s.cfg.MaxMessageSize),
		ConnContext:    s.connContext,
		ConnState:      s.connState,
		ErrorLog:       slog.NewLogLogger(s.logger.Handler(), slog.LevelDebug),
	}
	s.httpServer.RegisterOnShutdown(s.closeAll)
	s.listener = ln

	var g errgroup.Group
	g.Go(func() error {
		return serve(s.httpServer, ln)
	})
	if adminLn != nil {
		s.adminLn = adminLn
		s.adminServer = &http.Server{
			Handler:  s.admin(s),
			ErrorLog: slog.NewLogLogger(s.logger.Handler(), slog.LevelDebug),
		}
		g.Go(func() error {
			return serve(s.adminServer, adminLn)
		})
		s.logger.Info("admin listening", "addr", adminLn.Addr().String())
	}

	s.done = make(chan struct{})
	go func(done chan struct{}) {
		err := g.Wait()
		s.mu.Lock()
		s.serveErr = err
		s.mu.Unlock()
		close(done)
	}(s.done)

	s.running = true
	s.logger.Info("server started",
		"addr", ln.Addr().String(),
		"path", s.cfg.Path,
		"backlog", ln.Options().Backlog,
	)
	return nil
}

func newUpgradeLimiter(cfg config.UpgradeLimitConfig) *ratelimit.Limiter {
	if !cfg.Enabled() {
		return nil
	}
	return ratelimit.New(ratelimit.Config{Rate: cfg.Rate, Burst: cfg.Burst})
}

func serve(srv *http.Server, ln net.Listener) error {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Wait blocks until the accept loops have exited and returns the first
// error they reported.
func (s *Server) Wait() error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return ErrServerNotRunning
	}
	<-done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serveErr
}

// Stop stops accepting, closes raw connections, closes every session with
// 1001 and blocks until all connection goroutines and accept loops have
// exited. If ctx expires first the remaining sockets are closed without a
// handshake and ctx's error is returned.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrServerNotRunning
	}
	s.running = false
	srv, adminSrv, done := s.httpServer, s.adminServer, s.done
	s.mu.Unlock()

	s.draining.Store(true)
	s.logger.Debug("server stopping", "sessions", s.registry.Len())

	var errs []error
	s.closing.Add(1)
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown: %w", err))
	}
	if adminSrv != nil {
		if err := adminSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("admin shutdown: %w", err))
		}
	}

	drained := make(chan struct{})
	go func() {
		s.closing.Wait()
		s.pipelines.Wait()
		<-done
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		s.forceClose()
		errs = append(errs, ctx.Err())
	}

	s.mu.Lock()
	s.listener, s.adminLn = nil, nil
	s.mu.Unlock()

	if err := errors.Join(errs...); err != nil {
		s.logger.Warn("server stopped with errors", "error", err)
		return err
	}
	s.logger.Info("server stopped")
	return nil
}

// Broadcast queues text on every registered session and returns the number
// of sessions it was queued on.
func (s *Server) Broadcast(text string) (int, error) {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return 0, ErrServerNotRunning
	}

	sent := 0
	for _, e := range s.registry.Snapshot() {
		c, ok := e.Session.(*Connection)
		if !ok {
			continue
		}
		if err := c.SendText(text); err == nil {
			sent++
		}
	}
	return sent, nil
}

// Sessions returns a snapshot of the registered sessions.
func (s *Server) Sessions() []ConnectionInfo {
	entries := s.registry.Snapshot()
	out := make([]ConnectionInfo, 0, len(entries))
	for _, e := range entries {
		if c, ok := e.Session.(*Connection); ok {
			out = append(out, c.Info())
		}
	}
	return out
}

// connContext builds the Connection for a freshly accepted socket and arms
// its idle supervision.
func (s *Server) connContext(ctx context.Context, nc net.Conn) context.Context {
	c := newConnection(nc, connOptions{
		idle:    s.Idle(),
		logger:  s.logger,
		metrics: s.metrics,
	})
	s.live.Store(nc, c)
	go func() {
		<-c.Done()
		s.live.Delete(nc)
	}()
	s.metrics.ConnectionAccepted()
	s.logger.Info("connection accepted", "handle", c.Handle(), "remote", c.RemoteAddr())

	if s.draining.Load() {
		_ = c.terminate(CloseGoingAway, "server shutting down", metrics.CloseReasonServer)
	}
	return context.WithValue(ctx, connKey{}, c)
}

// connState finishes connections the HTTP server closed before they were
// upgraded. Hijacked connections never report StateClosed.
func (s *Server) connState(nc net.Conn, state http.ConnState) {
	if state != http.StateClosed {
		return
	}
	if v, ok := s.live.Load(nc); ok {
		_ = v.(*Connection).terminate(CloseAbnormalClosure, "", metrics.CloseReasonPeer)
	}
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	c, ok := r.Context().Value(connKey{}).(*Connection)
	if !ok {
		http.Error(w, "connection not tracked", http.StatusInternalServerError)
		return
	}

	s.pipelines.Add(1)
	defer s.pipelines.Done()

	if s.draining.Load() {
		w.Header().Set("Connection", "close")
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	if err := s.upgrader.Upgrade(w, r, c); err != nil {
		c.logger.Debug("upgrade rejected", "error", err)
		return
	}

	c.OnClose(func(c *Connection) {
		s.metrics.Closed(c.closeCause)
		code, reason := c.CloseStatus()
		c.logger.Info("session closed", "code", int(code), "reason", reason, "cause", c.closeCause)
	})
	if s.draining.Load() {
		_ = c.terminate(CloseGoingAway, "server shutting down", metrics.CloseReasonServer)
	}

	c.serve(s.dispatcher)
}

// closeAll runs when the HTTP server starts shutting down, after its
// listener is closed.
func (s *Server) closeAll() {
	defer s.closing.Done()

	var wg sync.WaitGroup
	s.live.Range(func(_, v any) bool {
		c := v.(*Connection)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.terminate(CloseGoingAway, "server shutting down", metrics.CloseReasonServer)
		}()
		return true
	})
	wg.Wait()
}

func (s *Server) forceClose() {
	s.live.Range(func(k, _ any) bool {
		_ = k.(net.Conn).Close()
		return true
	})
}
