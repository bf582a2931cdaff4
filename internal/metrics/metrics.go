// Package metrics provides Prometheus instrumentation for the matching
// engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersPlaced counts accepted orders, partitioned by side and type.
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agora_orders_placed_total",
		Help: "Total number of orders accepted",
	}, []string{"side", "type"})

	// OrdersCancelled counts successful cancellations.
	OrdersCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agora_orders_cancelled_total",
		Help: "Total number of orders cancelled",
	})

	// TradesMatched counts executed trades, partitioned by taker side.
	TradesMatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agora_trades_matched_total",
		Help: "Total number of trades matched",
	}, []string{"taker_side"})

	// MatchedVolume tracks cumulative matched quantity per outcome.
	MatchedVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agora_matched_volume_total",
		Help: "Cumulative matched quantity in shares",
	}, []string{"outcome_id"})

	// MatchLatency observes the duration of a full match pass.
	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agora_match_latency_seconds",
		Help:    "Match pass latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// MatchConflictRetries counts pairings retried after a storage
	// conflict.
	MatchConflictRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agora_match_conflict_retries_total",
		Help: "Match pairings retried after a storage conflict",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agora_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agora_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agora_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the chi route pattern for the path label to avoid high
		// cardinality from IDs in paths.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
