// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts proxied HTTP requests by service, method, and
	// response status.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aussie",
		Name:      "requests_total",
		Help:      "Proxied HTTP requests.",
	}, []string{"service", "method", "status"})

	// RequestDuration observes end-to-end request latency per service.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "aussie",
		Name:      "request_duration_seconds",
		Help:      "End-to-end request latency.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"service"})

	// RateLimitDecisions counts limiter outcomes ("allowed", "denied").
	RateLimitDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aussie",
		Name:      "rate_limit_decisions_total",
		Help:      "Rate limiter outcomes.",
	}, []string{"type", "outcome"})

	// RateLimitFailOpen counts generic-limiter store errors that were
	// resolved by allowing the request through.
	RateLimitFailOpen = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aussie",
		Name:      "rate_limit_fail_open_total",
		Help:      "Store errors resolved fail-open by the generic limiter.",
	})

	// AuthLimitFailClosed counts auth-limiter store errors that were
	// resolved by rejecting the attempt.
	AuthLimitFailClosed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aussie",
		Name:      "auth_limit_fail_closed_total",
		Help:      "Store errors resolved fail-closed by the auth limiter.",
	})

	// AuthLockouts counts brute-force lockouts by tracking dimension
	// ("ip", "identifier").
	AuthLockouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aussie",
		Name:      "auth_lockouts_total",
		Help:      "Brute-force lockouts applied.",
	}, []string{"dimension"})

	// AuthResults counts authentication outcomes per mechanism.
	AuthResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aussie",
		Name:      "auth_results_total",
		Help:      "Authentication outcomes per mechanism.",
	}, []string{"mechanism", "outcome"})

	// WSConnectionsActive gauges open WebSocket bridge sessions.
	WSConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "aussie",
		Name:      "ws_connections_active",
		Help:      "Open WebSocket bridge sessions.",
	})

	// WSMessagesTotal counts relayed WebSocket messages by direction
	// ("inbound", "outbound").
	WSMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aussie",
		Name:      "ws_messages_total",
		Help:      "Relayed WebSocket messages.",
	}, []string{"direction"})

	// SessionsActive gauges live sessions in the store.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "aussie",
		Name:      "sessions_active",
		Help:      "Live sessions in the store.",
	})

	// RegistryServices gauges registered backend services.
	RegistryServices = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "aussie",
		Name:      "registry_services",
		Help:      "Registered backend services.",
	})

	// UpstreamErrors counts dispatch failures by kind ("timeout", "refused",
	// "other").
	UpstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aussie",
		Name:      "upstream_errors_total",
		Help:      "Upstream dispatch failures.",
	}, []string{"service", "kind"})
)

// ObserveRequest records the counter and latency samples for one completed
// request.
func ObserveRequest(service, method string, status int, elapsed time.Duration) {
	RequestsTotal.WithLabelValues(service, method, strconv.Itoa(status)).Inc()
	RequestDuration.WithLabelValues(service).Observe(elapsed.Seconds())
}

// Handler returns the Prometheus scrape endpoint for the admin mux.
func Handler() http.Handler {
	return promhttp.Handler()
}
