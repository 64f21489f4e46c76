package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomhub_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roomhub_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	// Registry
	RoomsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomhub_rooms_created_total",
			Help: "Total rooms created",
		},
	)

	RoomsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomhub_rooms_closed_total",
			Help: "Total rooms closed",
		},
		[]string{"reason"}, // "request", "empty" or "abandoned"
	)

	Joins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomhub_joins_total",
			Help: "Join attempts by result code",
		},
		[]string{"result"},
	)

	// Hub
	LiveRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roomhub_live_rooms",
			Help: "Rooms with at least one connected channel",
		},
	)

	LiveChannels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roomhub_live_channels",
			Help: "Channels registered in the hub",
		},
	)

	ActionsBroadcast = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomhub_actions_broadcast_total",
			Help: "Total room actions accepted and fanned out",
		},
	)

	DeliveryDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomhub_delivery_drops_total",
			Help: "Outbound events dropped because a channel could not accept them",
		},
		[]string{"event"},
	)

	// Action log
	ActionLogWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomhub_action_log_writes_total",
			Help: "Action log writes by outcome",
		},
		[]string{"outcome"}, // "ok", "error", "dropped"
	)

	ActionLogLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "roomhub_action_log_latency_seconds",
			Help:    "Action log write latency",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .5},
		},
	)

	// WebSocket
	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roomhub_ws_connections",
			Help: "Open WebSocket connections",
		},
	)

	WSRateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomhub_ws_rate_limited_total",
			Help: "Inbound frames rejected by the per-connection rate limit",
		},
	)
)
