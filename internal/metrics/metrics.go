// Package metrics provides Prometheus instrumentation for the realtime chat
// server. It exposes gauges for connection and room counts, counters for
// event throughput and delivery failures, and a histogram for broadcast
// fan-out latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsActive tracks the current number of active socket connections.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connections_active",
		Help: "Current number of active socket connections",
	})

	// RoomsActive tracks the current number of rooms with at least one
	// connected member.
	RoomsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_rooms_active",
		Help: "Current number of rooms with at least one connected member",
	})

	// EventsTotal counts inbound client events, labeled by event type.
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_events_total",
		Help: "Total number of inbound client events processed",
	}, []string{"type"})

	// MessagesDelivered counts message-received fan-outs, one per recipient
	// connection reached.
	MessagesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_delivered_total",
		Help: "Total number of message-received deliveries to connections",
	})

	// DeliveryFailures counts broadcast writes that failed for a single
	// recipient. Failures never abort delivery to the remaining recipients.
	DeliveryFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_delivery_failures_total",
		Help: "Total number of failed per-recipient broadcast writes",
	})

	// HandshakeFailures counts rejected connection attempts, labeled by
	// reason: "missing_token", "invalid_token", "unknown_user".
	HandshakeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_handshake_failures_total",
		Help: "Total number of rejected socket handshakes",
	}, []string{"reason"})

	// BroadcastLatency records the time to fan one persisted message out to
	// a room's connected members.
	BroadcastLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_broadcast_latency_seconds",
		Help:    "Time to fan a persisted message out to a room",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		RoomsActive,
		EventsTotal,
		MessagesDelivered,
		DeliveryFailures,
		HandshakeFailures,
		BroadcastLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
