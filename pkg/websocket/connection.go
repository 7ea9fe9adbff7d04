package websocket

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"net"
	"sync"
	"sync/atomic"
	"time"

	ws "github.com/coder/websocket"
	"github.com/eapache/queue"

	"github.com/getmockd/wsecho/internal/id"
	"github.com/getmockd/wsecho/pkg/logging"
	"github.com/getmockd/wsecho/pkg/metrics"
	"github.com/getmockd/wsecho/pkg/registry"
)

// Connection is one accepted socket and, once upgraded, its WebSocket
// session. It implements registry.Session.
type Connection struct {
	handle    string
	netConn   net.Conn
	activity  ActivitySource
	createdAt time.Time
	logger    *slog.Logger
	metrics   *metrics.ServerMetrics

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	writer sync.WaitGroup

	mu          sync.Mutex
	state       State
	conn        *ws.Conn
	idle        *IdleSupervisor
	upgradedAt  time.Time
	metadata    map[string]string
	listeners   []func(*Connection)
	notified    bool
	closeCode   CloseCode
	closeReason string
	closeCause  string

	outMu  sync.Mutex
	outbox *queue.Queue
	wake   chan struct{}

	messagesSent atomic.Int64
	messagesRecv atomic.Int64
}

type connOptions struct {
	idle    IdleConfig
	logger  *slog.Logger
	metrics *metrics.ServerMetrics
}

func newConnection(nc net.Conn, opts connOptions) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	if opts.logger == nil {
		opts.logger = logging.Nop()
	}

	c := &Connection{
		handle:    id.Handle(),
		netConn:   nc,
		createdAt: time.Now(),
		metrics:   opts.metrics,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     StateRaw,
		outbox:    queue.New(),
		wake:      make(chan struct{}, 1),
	}
	if src, ok := nc.(ActivitySource); ok {
		c.activity = src
	} else {
		c.activity = fixedActivity(c.createdAt)
	}
	c.logger = opts.logger.With("handle", c.handle, "remote", c.RemoteAddr())

	if opts.idle.Enabled() {
		c.idle = NewIdleSupervisor(opts.idle, c.activity, c.handleIdle)
		c.idle.Start()
	}
	return c
}

// Handle returns the connection's registry key.
func (c *Connection) Handle() string {
	return c.handle
}

// State returns the current protocol state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() string {
	if addr := c.netConn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// CreatedAt returns the accept time.
func (c *Connection) CreatedAt() time.Time {
	return c.createdAt
}

// UpgradedAt returns the handshake completion time, or the zero time.
func (c *Connection) UpgradedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.upgradedAt
}

// LastActivity returns the last time inbound bytes were observed.
func (c *Connection) LastActivity() time.Time {
	return c.activity.LastRead()
}

// Metadata returns a copy of the metadata recorded at upgrade time.
func (c *Connection) Metadata() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.metadata)
}

// MessagesSent returns the number of messages written to the peer.
func (c *Connection) MessagesSent() int64 {
	return c.messagesSent.Load()
}

// MessagesReceived returns the number of messages read from the peer.
func (c *Connection) MessagesReceived() int64 {
	return c.messagesRecv.Load()
}

// Context is cancelled when the connection starts closing.
func (c *Connection) Context() context.Context {
	return c.ctx
}

// Done is closed once the connection reaches StateClosed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// CloseStatus returns the close code and reason once closing has started.
func (c *Connection) CloseStatus() (CloseCode, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason
}

// OnClose registers fn to run when the connection closes, before it reaches
// StateClosed. If the listeners have already run, fn runs immediately.
func (c *Connection) OnClose(fn func(*Connection)) {
	c.mu.Lock()
	if !c.notified {
		c.listeners = append(c.listeners, fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn(c)
}

// Send queues msg for delivery. Messages are written in the order they were
// queued by a single writer goroutine.
func (c *Connection) Send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.state >= StateClosing:
		return ErrConnectionClosed
	case c.state != StateUpgraded:
		return ErrUpgradeRequired
	}

	c.outMu.Lock()
	c.outbox.Add(msg)
	c.outMu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// SendText queues a text message.
func (c *Connection) SendText(text string) error {
	return c.Send(TextMessage(text))
}

// Pending returns the number of queued, unwritten messages.
func (c *Connection) Pending() int {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	return c.outbox.Length()
}

// Close closes the connection. Upgraded connections get a close frame with
// code and reason, others are closed at the TCP level. Only the first call
// has an effect; later calls return ErrConnectionClosed.
func (c *Connection) Close(code CloseCode, reason string) error {
	return c.terminate(code, reason, metrics.CloseReasonLocal)
}

// Info returns a snapshot of the connection for monitoring.
func (c *Connection) Info() ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnectionInfo{
		Handle:           c.handle,
		State:            c.state.String(),
		Remote:           c.RemoteAddr(),
		ConnectedAt:      c.createdAt,
		UpgradedAt:       c.upgradedAt,
		LastActivity:     c.activity.LastRead(),
		MessagesSent:     c.messagesSent.Load(),
		MessagesReceived: c.messagesRecv.Load(),
		Metadata:         maps.Clone(c.metadata),
	}
}

// ConnectionInfo is the public view of a Connection.
type ConnectionInfo struct {
	Handle           string            `json:"handle"`
	State            string            `json:"state"`
	Remote           string            `json:"remote"`
	ConnectedAt      time.Time         `json:"connectedAt"`
	UpgradedAt       time.Time         `json:"upgradedAt,omitempty"`
	LastActivity     time.Time         `json:"lastActivity"`
	MessagesSent     int64             `json:"messagesSent"`
	MessagesReceived int64             `json:"messagesReceived"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

func (c *Connection) transition(to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.CanTransition(to) {
		return transitionError(c.state, to)
	}
	c.state = to
	return nil
}

// upgrade moves an Upgrading connection to Upgraded and registers it. The
// registry entry and the listener that removes it are installed under the
// state lock, so no close can observe one without the other.
func (c *Connection) upgrade(wsConn *ws.Conn, reg *registry.Registry, meta map[string]string) error {
	c.mu.Lock()
	if !c.state.CanTransition(StateUpgraded) {
		err := transitionError(c.state, StateUpgraded)
		c.mu.Unlock()
		_ = wsConn.CloseNow()
		return err
	}
	c.state = StateUpgraded
	c.conn = wsConn
	c.upgradedAt = time.Now()
	c.metadata = maps.Clone(meta)
	if reg != nil {
		reg.Register(c, meta)
		c.listeners = append(c.listeners, func(c *Connection) {
			reg.Unregister(c.handle)
		})
	}
	c.writer.Add(1)
	c.mu.Unlock()

	go c.writeLoop()
	return nil
}

func (c *Connection) writeLoop() {
	defer c.writer.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.wake:
		}

		for {
			msg, ok := c.dequeue()
			if !ok {
				break
			}
			if err := c.conn.Write(c.ctx, msg.Type.wire(), msg.Data); err != nil {
				if c.ctx.Err() == nil {
					c.logger.Debug("write failed", "error", err)
					_ = c.terminate(CloseAbnormalClosure, "write failed", metrics.CloseReasonError)
				}
				return
			}
			c.messagesSent.Add(1)
			c.metrics.Message(metrics.DirectionOutbound)
		}
	}
}

func (c *Connection) dequeue() (Message, bool) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	if c.outbox.Length() == 0 {
		return Message{}, false
	}
	msg, _ := c.outbox.Remove().(Message)
	return msg, true
}

// terminate runs the close cascade. Close listeners run as soon as the
// connection is Closing, before the close handshake with the peer. Then
// idle supervision stops, the socket closes, the context is cancelled,
// queued messages are discarded and the connection enters StateClosed.
func (c *Connection) terminate(code CloseCode, reason, cause string) error {
	c.mu.Lock()
	if c.state >= StateClosing {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	from := c.state
	c.state = StateClosing
	c.closeCode, c.closeReason, c.closeCause = code, reason, cause
	wsConn, idle := c.conn, c.idle
	listeners := c.listeners
	c.listeners = nil
	c.notified = true
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(c)
	}

	if idle != nil {
		idle.Stop()
	}

	var err error
	if wsConn != nil {
		err = wsConn.Close(ws.StatusCode(code), reason)
	} else {
		err = c.netConn.Close()
	}
	c.cancel()

	c.outMu.Lock()
	dropped := c.outbox.Length()
	c.outbox = queue.New()
	c.outMu.Unlock()

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	close(c.done)

	c.logger.Debug("connection closed",
		"state", from.String(),
		"reason", reason,
		"cause", cause,
		"dropped", dropped,
	)

	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (c *Connection) handleIdle(ev IdleEvent) {
	if ev.State != ReaderIdle {
		c.logger.Debug("idle", "state", ev.State.String(), "first", ev.First)
		return
	}
	c.logger.Debug("reader idle, closing", "state", c.State().String())
	_ = c.terminate(CloseGoingAway, "idle timeout", metrics.CloseReasonIdle)
}

type fixedActivity time.Time

func (f fixedActivity) LastRead() time.Time  { return time.Time(f) }
func (f fixedActivity) LastWrite() time.Time { return time.Time(f) }
