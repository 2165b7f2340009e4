package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session metrics
var (
	SessionsAccepted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_sessions_accepted_total",
			Help: "Total number of client connections accepted",
		},
		[]string{"kind"},
	)

	SessionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_sessions_rejected_total",
			Help: "Client connections closed at accept time",
		},
		[]string{"reason"},
	)

	SessionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tollgate_sessions_current",
			Help: "Current number of live sessions",
		},
		[]string{"kind"},
	)

	SessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tollgate_session_duration_seconds",
			Help:    "Lifetime of sessions in seconds",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 30, 60, 300, 1800},
		},
		[]string{"kind"},
	)

	SessionTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_session_timeouts_total",
			Help: "Sessions that hit a deadline",
		},
		[]string{"phase"},
	)
)

// Buffer pool metrics
var (
	BuffersInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tollgate_buffers_in_use",
			Help: "Buffers currently checked out of the pool",
		},
	)

	BufferExhaustions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tollgate_buffer_exhaustions_total",
			Help: "Checkouts refused because the pool was exhausted",
		},
	)
)

// Backend metrics
var (
	BackendSelections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_backend_selections_total",
			Help: "Backends chosen by the load balancer",
		},
		[]string{"pool", "backend"},
	)

	BackendConnectFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_backend_connect_failures_total",
			Help: "Failed connection attempts to backends",
		},
		[]string{"pool", "backend"},
	)

	BackendHealthTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_backend_health_transitions_total",
			Help: "Backend health state changes",
		},
		[]string{"pool", "to"},
	)

	NoBackendAvailable = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_no_backend_available_total",
			Help: "Selections that found no eligible backend",
		},
		[]string{"pool"},
	)
)

// HTTP metrics
var (
	HTTPResponses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_http_responses_total",
			Help: "HTTP responses relayed to clients by status class",
		},
		[]string{"class"},
	)

	HTTPAnswers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_http_answers_total",
			Help: "Responses synthesized by the proxy",
		},
		[]string{"status"},
	)
)

// Control plane metrics
var (
	OrdersApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_orders_total",
			Help: "Configuration orders processed",
		},
		[]string{"type", "result"},
	)

	ListenersActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tollgate_listeners",
			Help: "Listeners by lifecycle state",
		},
		[]string{"state"},
	)

	ReactorTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tollgate_reactor_tick_seconds",
			Help:    "Time spent handling one batch of readiness events",
			Buckets: []float64{0.00001, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
	)
)

// StatusClass maps an HTTP status code to its "2xx" style label.
func StatusClass(code int) string {
	switch {
	case code >= 100 && code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	case code < 600:
		return "5xx"
	default:
		return "other"
	}
}
