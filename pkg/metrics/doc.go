// Package metrics provides Prometheus-compatible metrics for the wsecho server.
//
// The package implements the Prometheus text exposition format
// (text/plain; version=0.0.4) directly. Supported metric types:
//   - Counter: monotonically increasing value
//   - Gauge: value that can go up or down
//   - GaugeFunc: gauge computed at scrape time
//   - Histogram: distribution of values with fixed buckets
//
// All metrics are safe for concurrent use.
//
// # Server Metrics
//
// NewServerMetrics registers the metrics recorded by the WebSocket server:
//
//   - wsecho_connections_accepted_total
//   - wsecho_sessions_active
//   - wsecho_upgrades_total{result}
//   - wsecho_messages_total{direction}
//   - wsecho_closes_total{reason}
//   - wsecho_dispatch_duration_seconds
//
// # Usage
//
//	reg := metrics.NewRegistry()
//	m := metrics.NewServerMetrics(reg)
//	m.TrackSessions(sessions.Len)
//	metrics.NewRuntimeCollector(reg)
//
//	http.Handle("/metrics", reg.Handler())
package metrics
