package websocket

import "errors"

// Common errors for the websocket package.
var (
	// ErrBind indicates the listener could not be bound. It is fatal to Start.
	ErrBind = errors.New("bind failed")
	// ErrConnectionClosed indicates the connection is closing or closed.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrInvalidTransition indicates a state change the state machine forbids.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrUpgradeRequired indicates a request on the upgrade path that is not
	// a WebSocket upgrade, or a send on a connection that was never upgraded.
	ErrUpgradeRequired = errors.New("websocket upgrade required")
	// ErrPathNotFound indicates a request for a path other than the upgrade path.
	ErrPathNotFound = errors.New("path not found")
	// ErrMessageTooLarge indicates the request exceeds the aggregation limit.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrRateLimited indicates the client exhausted its upgrade allowance.
	ErrRateLimited = errors.New("upgrade rate limited")
	// ErrServerRunning indicates Start was called on a running server.
	ErrServerRunning = errors.New("server already running")
	// ErrServerNotRunning indicates Stop was called before Start.
	ErrServerNotRunning = errors.New("server not running")
)
