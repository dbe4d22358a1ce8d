package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roomchat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Gateway metrics
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roomchat_active_connections",
			Help: "Authenticated websocket connections on this instance",
		},
	)

	SocketEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_socket_events_total",
			Help: "Inbound websocket events",
		},
		[]string{"event"},
	)

	MessagesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_messages_ingested_total",
			Help: "Messages accepted by the store",
		},
		[]string{"result"}, // "new" or "duplicate"
	)

	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_rate_limited_total",
			Help: "Events rejected by the rate limiter",
		},
		[]string{"bucket"},
	)

	DroppedClients = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomchat_dropped_clients_total",
			Help: "Connections closed because their send buffer was full",
		},
	)
)
