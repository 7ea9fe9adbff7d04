package websocket

import "fmt"

// State is the protocol state of a Connection.
type State int32

const (
	// StateRaw is an accepted socket whose HTTP request is still being
	// framed and aggregated.
	StateRaw State = iota
	// StateUpgrading is a complete request on the upgrade path whose
	// handshake response is being written.
	StateUpgrading
	// StateUpgraded is a registered WebSocket session.
	StateUpgraded
	// StateClosing is a connection being torn down.
	StateClosing
	// StateClosed is terminal.
	StateClosed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateRaw:
		return "raw"
	case StateUpgrading:
		return "upgrading"
	case StateUpgraded:
		return "upgraded"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CanTransition reports whether the state machine allows s -> to.
// Every non-terminal state may move to Closing; otherwise states only
// move forward one step.
func (s State) CanTransition(to State) bool {
	switch s {
	case StateRaw:
		return to == StateUpgrading || to == StateClosing
	case StateUpgrading:
		return to == StateUpgraded || to == StateClosing
	case StateUpgraded:
		return to == StateClosing
	case StateClosing:
		return to == StateClosed
	default:
		return false
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateClosed
}

func transitionError(from, to State) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
