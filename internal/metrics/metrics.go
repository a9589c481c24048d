// Package metrics provides Prometheus instrumentation for the lot exchange.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BidsTotal counts bid attempts by track (buyer, admin) and outcome.
	BidsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lotx_bids_total",
		Help: "Total number of bid attempts",
	}, []string{"side", "outcome"})

	// AcceptsTotal counts acceptance attempts by accepting role and outcome.
	AcceptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lotx_accepts_total",
		Help: "Total number of acceptance attempts",
	}, []string{"role", "outcome"})

	// BatchLatency tracks how long one protocol action takes end to end.
	BatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lotx_batch_latency_seconds",
		Help:    "Protocol action latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"action"})

	// OrdersMaterialized counts orders created from accepted lots.
	OrdersMaterialized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lotx_orders_materialized_total",
		Help: "Orders created from accepted lots",
	})

	// SaleOrdersIssued counts sale-order numbers minted.
	SaleOrdersIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lotx_sale_orders_issued_total",
		Help: "Sale-order numbers minted",
	})

	// WatchlistPruneFailures counts acceptances whose saved-lot cleanup gave up.
	WatchlistPruneFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lotx_watchlist_prune_failures_total",
		Help: "Saved-lot prunes that failed after retries",
	})

	// WebSocketClients tracks connected WebSocket sessions.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lotx_websocket_clients",
		Help: "Number of connected WebSocket sessions",
	})

	// DroppedMessages counts outbound events dropped for slow sessions.
	DroppedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lotx_dropped_messages_total",
		Help: "Outbound events dropped because a session queue was full",
	})

	// NotificationsTotal counts notifications handed to the sink by type.
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lotx_notifications_total",
		Help: "Notifications emitted",
	}, []string{"type"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lotx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lotx_http_request_duration_seconds",
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

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				path = p
			}
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

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
