// Package metrics exposes Prometheus collectors for relay queries, payment
// attempts and caches.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Relay metrics
var (
	relayQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buzz_relay_queries_total",
		Help: "Aggregated relay queries by operation and result.",
	}, []string{"op", "result"})

	relayQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "buzz_relay_query_duration_seconds",
		Help:    "Wall time of aggregated relay queries.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10},
	}, []string{"op"})

	relayConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "buzz_relay_open_connections",
		Help: "Open websocket connections held by the relay pool.",
	})

	droppedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "buzz_relay_dropped_events_total",
		Help: "Events dropped because a subscription buffer was full.",
	})
)

// Payment metrics
var (
	paymentTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buzz_payment_transitions_total",
		Help: "Payment attempt state transitions by method and target state.",
	}, []string{"method", "state"})

	activePollers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "buzz_payment_active_pollers",
		Help: "Settlement polling loops currently running.",
	})

	httpRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buzz_http_retries_total",
		Help: "Retried outbound HTTP requests by operation.",
	}, []string{"op"})
)

// Gateway metrics
var httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "buzz_gateway_requests_total",
	Help: "Gateway HTTP requests by route and status code.",
}, []string{"route", "status"})

// Cache metrics
var cacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "buzz_cache_requests_total",
	Help: "Cache lookups by cache name and result.",
}, []string{"cache", "result"})

// ObserveRelayQuery records one aggregated query. result is "ok", "empty" or "timeout".
func ObserveRelayQuery(op, result string, started time.Time) {
	relayQueries.With(prometheus.Labels{"op": op, "result": result}).Inc()
	relayQueryDuration.With(prometheus.Labels{"op": op}).Observe(time.Since(started).Seconds())
}

func RelayConnectionOpened() {
	relayConnections.Inc()
}

func RelayConnectionClosed() {
	relayConnections.Dec()
}

func DroppedEvent() {
	droppedEvents.Inc()
}

// PaymentTransition counts an attempt entering state.
func PaymentTransition(method, state string) {
	paymentTransitions.With(prometheus.Labels{"method": method, "state": state}).Inc()
}

func PollerStarted() {
	activePollers.Inc()
}

func PollerStopped() {
	activePollers.Dec()
}

func HTTPRetry(op string) {
	httpRetries.With(prometheus.Labels{"op": op}).Inc()
}

// HTTPRequest counts one served gateway request.
func HTTPRequest(route string, status int) {
	httpRequests.With(prometheus.Labels{"route": route, "status": strconv.Itoa(status)}).Inc()
}

func CacheHit(name string) {
	cacheRequests.With(prometheus.Labels{"cache": name, "result": "hit"}).Inc()
}

func CacheMiss(name string) {
	cacheRequests.With(prometheus.Labels{"cache": name, "result": "miss"}).Inc()
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
