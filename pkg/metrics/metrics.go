package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Subscriptions tracks subscribed connections across all documents.
	Subscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collabd_subscriptions",
			Help: "Number of connections subscribed to a document session",
		},
	)

	// Documents tracks open document sessions.
	Documents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collabd_documents",
			Help: "Number of open document sessions",
		},
	)

	// IdleDocuments tracks open document sessions that are currently idle.
	IdleDocuments = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collabd_idle_documents",
			Help: "Number of open document sessions without subscriptions, local users or synchronizations",
		},
	)

	// UserJoins counts join requests by kind (join|rejoin|local) and result (success|error code).
	UserJoins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collabd_user_joins_total",
			Help: "Total number of user join requests",
		},
		[]string{"kind", "result"},
	)

	// RoutedMessages counts inbound messages by route (session|join|unsubscribe|failed).
	RoutedMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collabd_routed_messages_total",
			Help: "Total number of inbound messages by routing decision",
		},
		[]string{"route"},
	)

	// Synchronizations counts finished synchronizations by result (complete|failed).
	Synchronizations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collabd_synchronizations_total",
			Help: "Total number of finished document synchronizations",
		},
		[]string{"result"},
	)

	// WebsocketConnections tracks open websocket connections.
	WebsocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collabd_websocket_connections",
			Help: "Number of open websocket connections",
		},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "collabd_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
