package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counter: Total requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_requests_total",
			Help: "Total number of proxy requests",
		},
		[]string{"method", "status"},
	)

	//Counter: Blocked requests
	BlockedRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "proxy_blocked_requests_total",
			Help: "Total blocked requests",
		},
	)

	// Counter: requests the filter let through to the origin
	AllowedRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "proxy_allowed_requests_total",
			Help: "Total requests relayed to the origin",
		},
	)

	// Histogram: Request duration
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "proxy_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Gauge: Active connections
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "proxy_active_connections",
			Help: "Number of active proxy connections",
		},
	)

	// Counter: accepted client sockets, including ones rejected by the allow list
	ConnectionsAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "proxy_connections_accepted_total",
			Help: "Total client connections accepted",
		},
	)

	// Counter: connection-level failures by kind (protocol, timeout, peer_closed, internal)
	ConnectionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_connection_errors_total",
			Help: "Client connection errors by kind",
		},
		[]string{"kind"},
	)

	// aggregate broken down status codes
	StatusCodeCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_requests_by_status_class_total",
			Help: "Total requests by status class",
		},
		[]string{"status_class"},
	)

	// --- Outbound pool metrics ---

	// Gauge: idle pooled connections
	PoolIdle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "proxy_pool_idle_connections",
			Help: "Idle outbound connections held by the pool",
		},
	)

	// Counter: checkouts by result (hit, miss)
	PoolCheckouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_pool_checkouts_total",
			Help: "Outbound connection checkouts by result",
		},
		[]string{"result"},
	)

	// Counter: pooled connections closed by reason (expired, evicted, discarded)
	PoolEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_pool_evictions_total",
			Help: "Pooled connections closed by reason",
		},
		[]string{"reason"},
	)

	// Counter: background drains by result (pooled, failed, timeout)
	PoolDrains = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_pool_drains_total",
			Help: "Background body drains by result",
		},
		[]string{"result"},
	)

	// Counter: sends retried on a fresh connection
	OutboundRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "proxy_outbound_retries_total",
			Help: "Outbound requests retried on a freshly dialed connection",
		},
	)

	// Counter: Rate limited requests
	RateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limited_requests_total",
			Help: "Total requests rejected due to rate limiting",
		},
		[]string{"endpoint"},
	)
)

// StatusClass converts a status code to its "2xx" style label.
func StatusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}
