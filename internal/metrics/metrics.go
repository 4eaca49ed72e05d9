package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayd_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relayd_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Relay metrics
	MessagesStored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayd_messages_stored_total",
			Help: "Messages added to the history",
		},
		[]string{"origin"}, // "local" or "remote"
	)

	StreamUpdates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relayd_stream_updates_total",
			Help: "Streaming deltas merged into an existing message",
		},
	)

	UpstreamEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayd_upstream_events_total",
			Help: "Normalized upstream events by outcome",
		},
		[]string{"kind"}, // message, delta, control, drop, anomaly
	)

	DeliveryResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayd_delivery_total",
			Help: "Outbound delivery attempts by path and result",
		},
		[]string{"path", "result"}, // path: link, command
	)

	Broadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayd_broadcasts_total",
			Help: "Events broadcast to subscribers",
		},
		[]string{"type"},
	)

	SubscribersRemoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayd_subscribers_removed_total",
			Help: "Subscribers removed from the registry",
		},
		[]string{"reason"},
	)

	PersistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relayd_persist_failures_total",
			Help: "Failed history writes",
		},
	)

	// Gauges
	Subscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relayd_subscribers",
			Help: "Currently connected subscribers",
		},
	)

	GatewayConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relayd_gateway_connected",
			Help: "1 while the upstream link is ready",
		},
	)

	HistorySize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relayd_history_messages",
			Help: "Messages currently held in the history",
		},
	)
)
