package websocket

import (
	"context"
	"sync/atomic"
)

// Dispatcher produces the replies to one inbound text message. A single
// Dispatcher serves every connection, so implementations must be safe for
// concurrent use and keep no per-connection state.
type Dispatcher interface {
	Dispatch(ctx context.Context, conn *Connection, msg Message) ([]Message, error)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, conn *Connection, msg Message) ([]Message, error)

// Dispatch calls f.
func (f DispatcherFunc) Dispatch(ctx context.Context, conn *Connection, msg Message) ([]Message, error) {
	return f(ctx, conn, msg)
}

// EchoDispatcher replies with the message text prefixed by a marker.
type EchoDispatcher struct {
	marker atomic.Pointer[string]
}

// NewEchoDispatcher creates an EchoDispatcher with the given marker.
func NewEchoDispatcher(marker string) *EchoDispatcher {
	d := &EchoDispatcher{}
	d.SetMarker(marker)
	return d
}

// Dispatch returns exactly one message: marker + text.
func (d *EchoDispatcher) Dispatch(_ context.Context, _ *Connection, msg Message) ([]Message, error) {
	return []Message{TextMessage(d.Marker() + msg.Text())}, nil
}

// Marker returns the current marker.
func (d *EchoDispatcher) Marker() string {
	if p := d.marker.Load(); p != nil {
		return *p
	}
	return ""
}

// SetMarker replaces the marker for subsequent messages.
func (d *EchoDispatcher) SetMarker(marker string) {
	d.marker.Store(&marker)
}
