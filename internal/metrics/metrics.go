// Package metrics provides Prometheus instrumentation for the portfolio service.
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
	// OrdersAccepted counts accepted orders, partitioned by side and origin.
	OrdersAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_orders_accepted_total",
		Help: "Total number of orders accepted",
	}, []string{"side", "origin"})

	// OrdersRejected counts rejected orders, partitioned by side.
	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_orders_rejected_total",
		Help: "Total number of orders rejected",
	}, []string{"side"})

	// OrderLatency tracks command handling latency for placeOrder.
	OrderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portfolio_order_latency_seconds",
		Help:    "Order command handling latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// ActiveLiquidations tracks portfolios currently winding down.
	ActiveLiquidations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portfolio_liquidations_active",
		Help: "Number of portfolios currently liquidating",
	})

	// LiquidationsCompleted counts portfolios that reached CLOSED.
	LiquidationsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portfolio_liquidations_completed_total",
		Help: "Portfolios closed after liquidation",
	})

	// TransfersRequested counts funds transfer-out requests issued.
	TransfersRequested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portfolio_transfers_requested_total",
		Help: "Funds transfer-out requests issued by liquidation",
	})

	// EventsPublished counts OrderPlaced facts appended to the event log.
	EventsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portfolio_events_published_total",
		Help: "OrderPlaced events appended to the event log",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portfolio_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portfolio_http_request_duration_seconds",
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
