// Package metrics provides Prometheus instrumentation for the ledger service.
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
	// ActionsTotal counts executed actions by kind and outcome. Outcome is
	// "ok" or the rejection code.
	ActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_ledger_actions_total",
		Help: "Total number of ledger actions executed",
	}, []string{"kind", "outcome"})

	// ActionLatency tracks time spent applying and journalling an action.
	ActionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_ledger_action_latency_seconds",
		Help:    "Action execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// JournalHeight is the sequence number of the last journalled action.
	JournalHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_ledger_journal_height",
		Help: "Sequence number of the last journalled action",
	})

	// OpenMarkets tracks the number of markets accepting bets.
	OpenMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_ledger_open_markets",
		Help: "Number of currently open markets",
	})

	// StakedVolume tracks cumulative staked units by side. Float precision
	// is enough for a dashboard; the ledger itself is exact.
	StakedVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_ledger_staked_volume_total",
		Help: "Cumulative units staked",
	}, []string{"side"})

	// SnapshotsTotal counts snapshot attempts by result.
	SnapshotsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_ledger_snapshots_total",
		Help: "Snapshots taken",
	}, []string{"result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_http_request_duration_seconds",
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

		// Route pattern keeps the path label low cardinality.
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

// Unwrap lets http.ResponseController reach the underlying writer, which
// the WebSocket upgrade needs for hijacking.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
