package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	ConnectedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatgate_connected_clients",
			Help: "Currently connected WebSocket clients",
		},
	)

	AuthFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatgate_auth_failures_total",
			Help: "Total rejected connection handshakes",
		},
	)

	// Delivery metrics
	EventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgate_events_delivered_total",
			Help: "Total outbound events delivered to clients",
		},
		[]string{"type"},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatgate_events_dropped_total",
			Help: "Total outbound events dropped (closed or saturated connections)",
		},
	)

	// Queue metrics
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatgate_queue_depth",
			Help: "Pending chat requests across all user queues",
		},
	)

	QueueRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatgate_queue_rejections_total",
			Help: "Chat requests rejected because the user queue was full",
		},
	)

	// Backend metrics
	BackendInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgate_backend_invocations_total",
			Help: "Total backend invocations by outcome",
		},
		[]string{"outcome"},
	)

	BackendInvocationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatgate_backend_invocation_duration_seconds",
			Help:    "Backend invocation duration",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)
)
