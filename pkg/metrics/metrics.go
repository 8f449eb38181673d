// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// WSConnectionsActive tracks live WebSocket connections per role.
	WSConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ws_connections_active",
			Help: "Number of live WebSocket connections",
		},
		[]string{"role"},
	)

	// WSFramesTotal tracks inbound frames by type and handling outcome.
	WSFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ws_frames_total",
			Help: "Total inbound WebSocket frames",
		},
		[]string{"type", "status"},
	)

	// MessagesRoutedTotal tracks chat messages routed per sender role.
	MessagesRoutedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_routed_total",
			Help: "Total chat messages routed",
		},
		[]string{"sender_role"},
	)

	// DeliveriesTotal tracks realtime delivery attempts by outcome.
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "message_deliveries_total",
			Help: "Realtime message delivery attempts",
		},
		[]string{"outcome"},
	)

	// PresenceBroadcastsTotal tracks agent presence pushes to customers.
	PresenceBroadcastsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "presence_broadcasts_total",
			Help: "Total agent presence broadcasts",
		},
	)

	// SweepClosedTotal tracks connections reaped by the liveness sweep.
	SweepClosedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sweep_closed_connections_total",
			Help: "Connections closed for missing liveness pongs",
		},
	)

	// AutoRepliesTotal tracks generated auto-replies by outcome.
	AutoRepliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auto_replies_total",
			Help: "Auto-reply generation attempts",
		},
		[]string{"outcome"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordFrame records an inbound frame and its handling outcome.
func RecordFrame(frameType, status string) {
	WSFramesTotal.WithLabelValues(frameType, status).Inc()
}

// ConnectionOpened increments the live connection gauge for a role.
func ConnectionOpened(role string) {
	WSConnectionsActive.WithLabelValues(role).Inc()
}

// ConnectionClosed decrements the live connection gauge for a role.
func ConnectionClosed(role string) {
	WSConnectionsActive.WithLabelValues(role).Dec()
}
