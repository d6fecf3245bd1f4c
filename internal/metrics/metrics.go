package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pigeon_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pigeon_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Realtime metrics
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pigeon_ws_connections_active",
			Help: "Currently open websocket connections",
		},
	)

	UsersOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pigeon_users_online",
			Help: "Users with at least one open connection",
		},
	)

	MessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pigeon_messages_sent_total",
			Help: "Total messages persisted and fanned out",
		},
	)

	TypingSignals = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pigeon_typing_signals_total",
			Help: "Total typing signals fanned out (after throttling)",
		},
	)

	FanoutDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pigeon_fanout_drops_total",
			Help: "Deliveries dropped because a connection was closed or slow",
		},
	)

	// Business metrics
	UsersRegistered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pigeon_users_registered_total",
			Help: "Total accounts registered",
		},
	)

	ConversationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pigeon_conversations_created_total",
			Help: "Total conversations created",
		},
		[]string{"kind"}, // "dm" or "group"
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pigeon_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)
)
