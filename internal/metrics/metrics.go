// Package metrics provides Prometheus metrics for the remixd coordinator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "remixd_events_total",
		Help: "Total number of inbound session events accepted, by event type",
	}, []string{"event"})

	EventsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "remixd_events_rejected_total",
		Help: "Total number of inbound session events rejected, by event type and reason",
	}, []string{"event", "reason"})

	BroadcastDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "remixd_broadcast_dropped_total",
		Help: "Total number of outbound events dropped due to a full peer send buffer",
	}, []string{"event"})

	StoreFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "remixd_store_failures_total",
		Help: "Total number of session store failures, by operation",
	}, []string{"op"})

	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "remixd_active_connections",
		Help: "Number of live WebSocket connections",
	})

	TrackedSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "remixd_tracked_sessions",
		Help: "Number of session codes with at least one live connection",
	})
)

// IncRejected records a rejected event with a concrete reason.
func IncRejected(event, reason string) {
	if reason == "" {
		reason = "unknown"
	}
	EventsRejectedTotal.WithLabelValues(event, reason).Inc()
}
