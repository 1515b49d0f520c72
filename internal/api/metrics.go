package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keyrelay_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "keyrelay_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	actionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keyrelay_actions_total",
		Help: "Transfer and relay attempts by outcome.",
	}, []string{"kind", "outcome"})

	feesCollected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keyrelay_fees_collected_total",
		Help: "Fees settled to the fee collector, in asset units.",
	}, []string{"asset"})

	activeMappings = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "keyrelay_active_mappings",
		Help: "Number of non-revoked key mappings.",
	})

	targetPaused = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "keyrelay_target_paused",
		Help: "Embedded target pause state: 0=running, 1=paused.",
	})
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration, actionsTotal, feesCollected, activeMappings, targetPaused)
}

// MetricsHandler returns the Prometheus metrics HTTP handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// metricsMiddleware records request metrics under the matched route pattern.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rr := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rr, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		dur := time.Since(start).Seconds()
		status := strconv.Itoa(rr.statusCode)
		requestsTotal.WithLabelValues(r.Method, path, status).Inc()
		requestDuration.WithLabelValues(r.Method, path).Observe(dur)
	})
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
