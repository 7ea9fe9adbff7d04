package websocket

import (
	"sync"
	"time"
)

// IdleState identifies which idle threshold was crossed.
type IdleState int

const (
	// ReaderIdle means no inbound bytes for IdleConfig.Reader.
	ReaderIdle IdleState = iota + 1
	// WriterIdle means no outbound bytes for IdleConfig.Writer.
	WriterIdle
	// AllIdle means no traffic in either direction for IdleConfig.All.
	AllIdle
)

// String returns the idle state name.
func (s IdleState) String() string {
	switch s {
	case ReaderIdle:
		return "reader_idle"
	case WriterIdle:
		return "writer_idle"
	case AllIdle:
		return "all_idle"
	default:
		return "unknown"
	}
}

// IdleConfig holds the idle thresholds. A zero duration disables a check.
type IdleConfig struct {
	Reader time.Duration
	Writer time.Duration
	All    time.Duration
}

// Enabled reports whether any threshold is set.
func (c IdleConfig) Enabled() bool {
	return c.Reader > 0 || c.Writer > 0 || c.All > 0
}

// IdleEvent is delivered when a threshold is crossed. First is true for the
// first event since the last observed activity.
type IdleEvent struct {
	State IdleState
	First bool
}

// ActivitySource reports the last time bytes moved in each direction.
// *transport.Conn implements it.
type ActivitySource interface {
	LastRead() time.Time
	LastWrite() time.Time
}

// IdleSupervisor fires IdleEvents for one connection.
//
// Each enabled threshold runs a one-shot timer. When it fires, the time
// elapsed since the last activity is measured: if activity happened in the
// meantime the timer is rescheduled for the remainder, otherwise the event
// is delivered and the timer is rescheduled for a full period.
type IdleSupervisor struct {
	cfg    IdleConfig
	src    ActivitySource
	onIdle func(IdleEvent)
	now    func() time.Time

	mu      sync.Mutex
	started bool
	stopped bool
	timers  map[IdleState]*time.Timer
	first   map[IdleState]bool
}

// NewIdleSupervisor creates a stopped supervisor. onIdle runs on a timer
// goroutine and may call back into the connection, including closing it.
func NewIdleSupervisor(cfg IdleConfig, src ActivitySource, onIdle func(IdleEvent)) *IdleSupervisor {
	return &IdleSupervisor{
		cfg:    cfg,
		src:    src,
		onIdle: onIdle,
		now:    time.Now,
		timers: make(map[IdleState]*time.Timer, 3),
		first:  make(map[IdleState]bool, 3),
	}
}

// Start arms the enabled timers. Calling Start twice, or after Stop, does
// nothing.
func (s *IdleSupervisor) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true

	for state, timeout := range s.thresholds() {
		s.first[state] = true
		s.schedule(state, timeout, timeout-s.now().Sub(s.lastActivity(state)))
	}
}

// Stop cancels all timers. No event is delivered after Stop returns, except
// one whose callback was already running.
func (s *IdleSupervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for state, t := range s.timers {
		t.Stop()
		delete(s.timers, state)
	}
}

// Config returns the thresholds the supervisor was created with.
func (s *IdleSupervisor) Config() IdleConfig {
	return s.cfg
}

func (s *IdleSupervisor) thresholds() map[IdleState]time.Duration {
	out := make(map[IdleState]time.Duration, 3)
	if s.cfg.Reader > 0 {
		out[ReaderIdle] = s.cfg.Reader
	}
	if s.cfg.Writer > 0 {
		out[WriterIdle] = s.cfg.Writer
	}
	if s.cfg.All > 0 {
		out[AllIdle] = s.cfg.All
	}
	return out
}

func (s *IdleSupervisor) lastActivity(state IdleState) time.Time {
	switch state {
	case ReaderIdle:
		return s.src.LastRead()
	case WriterIdle:
		return s.src.LastWrite()
	default:
		r, w := s.src.LastRead(), s.src.LastWrite()
		if w.After(r) {
			return w
		}
		return r
	}
}

// schedule must be called with s.mu held.
func (s *IdleSupervisor) schedule(state IdleState, timeout, delay time.Duration) {
	if delay <= 0 {
		delay = time.Millisecond
	}
	s.timers[state] = time.AfterFunc(delay, func() { s.check(state, timeout) })
}

func (s *IdleSupervisor) check(state IdleState, timeout time.Duration) {
	remaining := timeout - s.now().Sub(s.lastActivity(state))

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if remaining > 0 {
		s.first[state] = true
		s.schedule(state, timeout, remaining)
		s.mu.Unlock()
		return
	}
	first := s.first[state]
	s.first[state] = false
	s.schedule(state, timeout, timeout)
	s.mu.Unlock()

	s.onIdle(IdleEvent{State: state, First: first})
}
