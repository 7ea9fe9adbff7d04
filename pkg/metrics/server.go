package metrics

import "time"

// Label values for ServerMetrics.
const (
	UpgradeOK           = "ok"
	UpgradeNotFound     = "not_found"
	UpgradeBadRequest   = "bad_request"
	UpgradeTooLarge     = "too_large"
	UpgradeFailed       = "failed"
	UpgradeRateLimited  = "rate_limited"
	DirectionInbound    = "inbound"
	DirectionOutbound   = "outbound"
	CloseReasonPeer     = "peer"
	CloseReasonIdle     = "idle"
	CloseReasonInvalid  = "invalid_payload"
	CloseReasonTooLarge = "too_large"
	CloseReasonError    = "error"
	CloseReasonServer   = "shutdown"
	CloseReasonLocal    = "local"
)

// ServerMetrics are the metrics a wsecho server records. A nil
// *ServerMetrics is valid and records nothing.
type ServerMetrics struct {
	Registry *Registry

	ConnectionsAccepted *Counter
	Upgrades            *Counter
	Messages            *Counter
	Closes              *Counter
	DispatchDuration    *Histogram
}

// NewServerMetrics registers the server metrics on reg.
func NewServerMetrics(reg *Registry) *ServerMetrics {
	return &ServerMetrics{
		Registry: reg,
		ConnectionsAccepted: reg.NewCounter(
			"wsecho_connections_accepted_total",
			"TCP connections accepted by the listener",
		),
		Upgrades: reg.NewCounter(
			"wsecho_upgrades_total",
			"Upgrade attempts by result",
			"result",
		),
		Messages: reg.NewCounter(
			"wsecho_messages_total",
			"WebSocket text messages by direction",
			"direction",
		),
		Closes: reg.NewCounter(
			"wsecho_closes_total",
			"Closed upgraded sessions by reason",
			"reason",
		),
		DispatchDuration: reg.NewHistogram(
			"wsecho_dispatch_duration_seconds",
			"Time spent producing replies for one inbound message",
			DefaultBuckets,
		),
	}
}

// TrackSessions exposes wsecho_sessions_active, read from fn at scrape time.
func (m *ServerMetrics) TrackSessions(fn func() int) {
	if m == nil {
		return
	}
	m.Registry.NewGaugeFunc(
		"wsecho_sessions_active",
		"Upgraded sessions currently in the registry",
		func() float64 { return float64(fn()) },
	)
}

// ConnectionAccepted counts an accepted TCP connection.
func (m *ServerMetrics) ConnectionAccepted() {
	if m == nil {
		return
	}
	_ = m.ConnectionsAccepted.Inc()
}

// Upgrade counts an upgrade attempt with the given result label.
func (m *ServerMetrics) Upgrade(result string) {
	if m == nil {
		return
	}
	if vec, err := m.Upgrades.WithLabels(result); err == nil {
		_ = vec.Inc()
	}
}

// Message counts a text message in the given direction.
func (m *ServerMetrics) Message(direction string) {
	if m == nil {
		return
	}
	if vec, err := m.Messages.WithLabels(direction); err == nil {
		_ = vec.Inc()
	}
}

// Closed counts a closed session with the given reason label.
func (m *ServerMetrics) Closed(reason string) {
	if m == nil {
		return
	}
	if vec, err := m.Closes.WithLabels(reason); err == nil {
		_ = vec.Inc()
	}
}

// ObserveDispatch records one dispatch duration.
func (m *ServerMetrics) ObserveDispatch(d time.Duration) {
	if m == nil {
		return
	}
	_ = m.DispatchDuration.Observe(d.Seconds())
}
