// Package metrics provides Prometheus instrumentation for the hedge engine.
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
	// QuotesTotal counts quote decisions, partitioned by outcome status.
	QuotesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_quotes_total",
		Help: "Total number of quote decisions by outcome",
	}, []string{"status"})

	// QuoteCacheTotal counts quote cache lookups (hit, miss, stale, shared).
	QuoteCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_quote_cache_total",
		Help: "Quote cache lookups by result",
	}, []string{"result"})

	// QuoteLatency tracks end-to-end quote computation time.
	QuoteLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hedge_quote_latency_seconds",
		Help:    "Quote computation latency in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})

	// SearchDuration tracks the option ladder search, by result.
	SearchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hedge_search_duration_seconds",
		Help:    "Option ladder search duration in seconds",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"result"})

	// VenueRequestsTotal counts venue calls by venue, operation, and result.
	VenueRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_venue_requests_total",
		Help: "Venue connector calls",
	}, []string{"venue", "op", "result"})

	// VenueLatency tracks venue call duration.
	VenueLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hedge_venue_latency_seconds",
		Help:    "Venue connector call latency in seconds",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"venue", "op"})

	// FastPathSavings records how much cheaper (positive) or dearer
	// (negative) the slower venue would have been, in USD per unit.
	FastPathSavings = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hedge_fast_path_savings_usd",
		Help:    "Price difference of the slower venue vs the fast-path venue",
		Buckets: []float64{-100, -10, -1, 0, 1, 10, 100},
	})

	// HedgeOrdersTotal counts hedge orders placed, by side and status.
	HedgeOrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_orders_total",
		Help: "Hedge orders placed",
	}, []string{"side", "status"})

	// HedgeActionsTotal counts controller actions (increase, decrease, renew, skip).
	HedgeActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_actions_total",
		Help: "Rolling controller actions",
	}, []string{"action"})

	// ActiveCoverages tracks the number of active coverages.
	ActiveCoverages = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hedge_active_coverages",
		Help: "Number of currently active coverages",
	})

	// RealizedPnL tracks the hedge ledger's cumulative realized P&L (USD).
	RealizedPnL = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hedge_realized_pnl_usd",
		Help: "Cumulative realized P&L of the hedge ledger",
	})

	// SubsidyGranted counts USD of hedge cost absorbed, by tier.
	SubsidyGranted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_subsidy_granted_usd_total",
		Help: "Hedge cost absorbed by the house",
	}, []string{"tier"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hedge_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hedge_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveVenue records one venue call.
func ObserveVenue(venue, op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	VenueRequestsTotal.WithLabelValues(venue, op, result).Inc()
	VenueLatency.WithLabelValues(venue, op).Observe(time.Since(start).Seconds())
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
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
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

// Hijack lets WebSocket upgrades through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
