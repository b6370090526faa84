package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counter: SSDP discovery events by kind (appeared, refreshed, byebye)
	DiscoveryEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "castkeeper_discovery_events_total",
			Help: "The total number of SSDP discovery events",
		},
		[]string{"event"},
	)

	// Counter: SOAP actions sent to renderers, by action and result
	SOAPActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "castkeeper_soap_actions_total",
			Help: "The total number of AVTransport SOAP actions issued",
		},
		[]string{"action", "result"},
	)

	// Counter: playback restarts by reason (loop, stall, no_media, uri_drift)
	PlaybackRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "castkeeper_playback_restarts_total",
			Help: "The total number of supervisor-issued playback restarts",
		},
		[]string{"reason"},
	)

	// Counter: control-plane lifecycle events by kind
	ControlEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "castkeeper_control_events_total",
			Help: "The total number of control-plane lifecycle events",
		},
		[]string{"kind"},
	)

	// Counter: assignment state transitions
	AssignmentTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "castkeeper_assignment_transitions_total",
			Help: "The total number of assignment state transitions",
		},
		[]string{"state"},
	)

	// Gauge: streaming sessions currently open (goes up and down)
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "castkeeper_active_sessions_current",
			Help: "The current number of open media streaming sessions",
		},
	)

	// Counter: media payload bytes written to renderers
	BytesServed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "castkeeper_media_bytes_served_total",
			Help: "The total number of media payload bytes served",
		},
	)

	// Counter: admin HTTP requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "castkeeper_http_requests_total",
			Help: "The total number of processed admin HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// Histogram: admin HTTP response time
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "castkeeper_http_request_duration_seconds",
			Help:    "The latency of admin HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)
