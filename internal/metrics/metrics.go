// Package metrics holds the Prometheus collectors for tile generation and
// the preview server.
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
	// Generation metrics
	UnitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "heatmaps",
		Subsystem: "pipeline",
		Name:      "units_total",
		Help:      "Total (category, zoom) units by terminal status",
	}, []string{"mode", "status"})

	UnitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "heatmaps",
		Subsystem: "pipeline",
		Name:      "unit_duration_seconds",
		Help:      "Duration of a (category, zoom) unit",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"mode"})

	PointsFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "heatmaps",
		Subsystem: "pipeline",
		Name:      "points_fetched_total",
		Help:      "Total points fetched, before density filtering",
	}, []string{"category"})

	RadiusRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "heatmaps",
		Subsystem: "pipeline",
		Name:      "radius_retries_total",
		Help:      "City-mode units retried with a reduced search radius",
	})

	TilesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "heatmaps",
		Subsystem: "storage",
		Name:      "tiles_published_total",
		Help:      "Total tiles handed to the publisher successfully",
	}, []string{"category"})

	PublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "heatmaps",
		Subsystem: "storage",
		Name:      "publish_failures_total",
		Help:      "Total tiles whose publish failed after retries",
	}, []string{"category"})

	// Preview server metrics
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "heatmaps",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP requests processed",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "heatmaps",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency in seconds",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "route"})

	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "heatmaps",
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Total tile cache hits",
	})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "heatmaps",
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Total tile cache misses",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RouteFunc resolves the route pattern of a request after routing.
type RouteFunc func(r *http.Request) string

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Middleware records request counts and latency. route is evaluated after
// the handler runs so that router patterns are available.
func Middleware(route RouteFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			name := route(r)
			if name == "" {
				name = "unmatched"
			}
			httpRequestsTotal.WithLabelValues(r.Method, name, strconv.Itoa(rec.status)).Inc()
			httpRequestDuration.WithLabelValues(r.Method, name).Observe(time.Since(start).Seconds())
		})
	}
}
