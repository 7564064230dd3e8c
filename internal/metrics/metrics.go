// Package metrics provides Prometheus instrumentation for the livechat
// server. It exposes gauges for connection and presence counts, counters for
// routed events and dropped deliveries, and a histogram for persistence
// latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "livechat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the number of entries in the presence registry.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "livechat_online_users",
		Help: "Current number of users with a registered connection",
	})

	// EventsTotal counts inbound events by type and outcome: "delivered",
	// "dropped", "invalid", "rate_limited", "persist_failed", "self_addressed".
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "livechat_events_total",
		Help: "Total number of inbound events processed",
	}, []string{"event", "outcome"})

	// DeliveriesDropped counts outbound frames refused by a full or closed
	// connection queue.
	DeliveriesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "livechat_deliveries_dropped_total",
		Help: "Outbound frames dropped because the recipient queue was full or closed",
	})

	// PersistLatency records message store append latency in seconds.
	PersistLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "livechat_persist_latency_seconds",
		Help:    "Message persistence latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// AuthFailures counts rejected WebSocket upgrades by reason.
	AuthFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "livechat_auth_failures_total",
		Help: "WebSocket upgrades rejected before registration",
	}, []string{"reason"})

	// ModerationFlags counts messages flagged by the moderation worker.
	ModerationFlags = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "livechat_moderation_flags_total",
		Help: "Messages flagged by moderation",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		EventsTotal,
		DeliveriesDropped,
		PersistLatency,
		AuthFailures,
		ModerationFlags,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
