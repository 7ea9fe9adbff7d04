package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/net/netutil"
)

// DefaultBacklog is the accept queue length used when Options.Backlog is 0.
const DefaultBacklog = 128

// Options configures Listen.
type Options struct {
	// Host to bind. Empty binds all interfaces.
	Host string
	// Port to bind. 0 picks an ephemeral port.
	Port int
	// Backlog is the pending-connection queue length passed to listen(2).
	Backlog int
	// KeepAlive enables TCP keepalive probes on accepted sockets.
	KeepAlive bool
	// KeepAlivePeriod overrides the probe interval. 0 keeps the OS default.
	KeepAlivePeriod time.Duration
	// MaxConnections caps simultaneously open connections. 0 means unlimited.
	MaxConnections int
}

// Address returns the host:port string to bind.
func (o Options) Address() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

// Listener accepts TCP connections and returns them as *Conn.
type Listener struct {
	net.Listener

	opts     Options
	accepted atomic.Int64
}

// Listen binds opts.Address() and returns a Listener. Binding errors are
// returned as is (wrapped with the address) and are never retried.
func Listen(ctx context.Context, opts Options) (*Listener, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.Backlog <= 0 {
		opts.Backlog = DefaultBacklog
	}

	// KeepAlive < 0 leaves accepted sockets untouched; keepAliveListener
	// applies the configured setting explicitly.
	lc := net.ListenConfig{KeepAlive: -1}
	ln, err := lc.Listen(ctx, "tcp", opts.Address())
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", opts.Address(), err)
	}

	if err := setBacklog(ln, opts.Backlog); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("set backlog on %s: %w", opts.Address(), err)
	}

	var inner net.Listener = &keepAliveListener{
		Listener: ln,
		enabled:  opts.KeepAlive,
		period:   opts.KeepAlivePeriod,
	}
	if opts.MaxConnections > 0 {
		inner = netutil.LimitListener(inner, opts.MaxConnections)
	}

	return &Listener{Listener: inner, opts: opts}, nil
}

// Accept waits for the next connection and wraps it in a *Conn.
func (l *Listener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	l.accepted.Add(1)
	return newConn(c), nil
}

// Port returns the bound TCP port.
func (l *Listener) Port() int {
	if addr, ok := l.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Accepted returns the number of connections accepted so far.
func (l *Listener) Accepted() int64 {
	return l.accepted.Load()
}

// Options returns the effective options, with defaults applied.
func (l *Listener) Options() Options {
	return l.opts
}

type keepAliveListener struct {
	net.Listener
	enabled bool
	period  time.Duration
}

func (l *keepAliveListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(l.enabled)
		if l.enabled && l.period > 0 {
			_ = tc.SetKeepAlivePeriod(l.period)
		}
	}
	return c, nil
}
