// Package metrics provides Prometheus instrumentation for the tranche engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

var (
	// RebasesTotal counts completed rebases, partitioned by APY tier.
	RebasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tranche_rebases_total",
		Help: "Total number of completed rebases",
	}, []string{"tier"})

	// OperationLatency tracks how long each host operation takes.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tranche_operation_latency_seconds",
		Help:    "Host operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// OperationErrors counts rejected operations by error class.
	OperationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tranche_operation_errors_total",
		Help: "Operations rejected, by error class",
	}, []string{"operation", "class"})

	// TrancheValue tracks each ledger's backing value in whole units.
	TrancheValue = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tranche_value_units",
		Help: "Ledger value in whole units",
	}, []string{"tranche"})

	// SeniorSupply tracks Senior's outstanding supply in whole units.
	SeniorSupply = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tranche_senior_supply_units",
		Help: "Senior supply in whole units",
	})

	// BackingRatio tracks Senior value / supply (1.0 = 100%).
	BackingRatio = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tranche_senior_backing_ratio",
		Help: "Senior backing ratio, 1.0 = 100%",
	})

	// RebaseIndex tracks Senior's rebase index (starts at 1.0).
	RebaseIndex = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tranche_senior_rebase_index",
		Help: "Senior rebase index",
	})

	// SpilloverTotal is cumulative spillover received, per tranche.
	SpilloverTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tranche_spillover_units_total",
		Help: "Cumulative spillover received in whole units",
	}, []string{"tranche"})

	// BackstopTotal is cumulative backstop provided, per tranche.
	BackstopTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tranche_backstop_units_total",
		Help: "Cumulative backstop provided in whole units",
	}, []string{"tranche"})

	// PartialBackstops counts rebases that could not restore Senior fully.
	PartialBackstops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tranche_partial_backstops_total",
		Help: "Rebases whose backstop left Senior below the restore ratio",
	})

	// ReserveDepleted is 1 while the Reserve is below 1% of last month.
	ReserveDepleted = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tranche_reserve_depleted",
		Help: "1 when the reserve has fallen below its depletion threshold",
	})

	// DepositsTotal counts pending-deposit transitions by resulting status.
	DepositsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tranche_deposits_total",
		Help: "Pending deposit transitions by resulting status",
	}, []string{"tranche", "status"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tranche_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// RateLimited counts requests refused by the rate limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tranche_rate_limited_total",
		Help: "Requests refused by the per-principal rate limiter",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tranche_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tranche_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

var precision = decimal.New(1, 18)

// Units converts an 18-decimal base-unit amount to a float for gauges.
func Units(v decimal.Decimal) float64 {
	return v.DivRound(precision, 18).InexactFloat64()
}

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
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
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

// Unwrap exposes the underlying writer to http.ResponseController, which
// the WebSocket upgrade uses to hijack the connection.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
