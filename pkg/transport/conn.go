package transport

import (
	"net"
	"sync/atomic"
	"time"
)

// Conn is an accepted connection that records read and write activity.
//
// The HTTP server and, after the upgrade, the WebSocket library both read
// through Conn, so LastRead covers request bytes, data frames and control
// frames alike.
type Conn struct {
	net.Conn

	createdAt    time.Time
	lastRead     atomic.Int64
	lastWrite    atomic.Int64
	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
}

func newConn(c net.Conn) *Conn {
	now := time.Now()
	tc := &Conn{Conn: c, createdAt: now}
	tc.lastRead.Store(now.UnixNano())
	tc.lastWrite.Store(now.UnixNano())
	return tc
}

// FromConn returns c as a *Conn if it was accepted by a Listener.
func FromConn(c net.Conn) (*Conn, bool) {
	tc, ok := c.(*Conn)
	return tc, ok
}

// Read implements net.Conn.
func (c *Conn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.lastRead.Store(time.Now().UnixNano())
		c.bytesRead.Add(uint64(n))
	}
	return n, err
}

// Write implements net.Conn.
func (c *Conn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.lastWrite.Store(time.Now().UnixNano())
		c.bytesWritten.Add(uint64(n))
	}
	return n, err
}

// NetConn returns the wrapped connection.
func (c *Conn) NetConn() net.Conn {
	return c.Conn
}

// CreatedAt returns the accept time.
func (c *Conn) CreatedAt() time.Time {
	return c.createdAt
}

// LastRead returns the time bytes were last received. It starts at the
// accept time.
func (c *Conn) LastRead() time.Time {
	return time.Unix(0, c.lastRead.Load())
}

// LastWrite returns the time bytes were last sent. It starts at the accept
// time.
func (c *Conn) LastWrite() time.Time {
	return time.Unix(0, c.lastWrite.Load())
}

// LastActivity returns the later of LastRead and LastWrite.
func (c *Conn) LastActivity() time.Time {
	r, w := c.LastRead(), c.LastWrite()
	if w.After(r) {
		return w
	}
	return r
}

// BytesRead returns the number of bytes received.
func (c *Conn) BytesRead() uint64 {
	return c.bytesRead.Load()
}

// BytesWritten returns the number of bytes sent.
func (c *Conn) BytesWritten() uint64 {
	return c.bytesWritten.Load()
}
