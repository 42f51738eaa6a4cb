package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gridscout_refresher_build_info",
			Help: "Build information of the GridScout refresher",
		},
		[]string{"version", "commit", "date"},
	)

	CycleTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridscout_refresher_cycle_total",
			Help: "Total number of refresh cycles by terminal status",
		},
		[]string{"status"},
	)

	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gridscout_refresher_cycle_duration_seconds",
			Help:    "Duration of complete refresh cycles",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~2048s (~34 minutes)
		},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gridscout_refresher_stage_duration_seconds",
			Help:    "Duration of individual cycle stages",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~410s
		},
		[]string{"stage"},
	)

	StagePanicsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridscout_refresher_stage_panics_total",
			Help: "Total number of recovered panics by stage",
		},
		[]string{"stage"},
	)

	StationsIngested = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gridscout_refresher_stations_ingested",
			Help: "Stations accepted into staging by the most recent ingest",
		},
	)

	RecordsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gridscout_refresher_records_rejected_total",
			Help: "Total number of registry records rejected during normalization",
		},
	)

	ChangeEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridscout_refresher_change_events_total",
			Help: "Total number of detected station changes by kind",
		},
		[]string{"kind"},
	)

	ZipQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gridscout_refresher_zip_queue_depth",
			Help: "ZIP aggregation entries still pending in the current cycle",
		},
	)

	ZipChunksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridscout_refresher_zip_chunks_total",
			Help: "Total number of processed ZIP aggregation chunks by outcome",
		},
		[]string{"status"},
	)

	CensusRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridscout_refresher_census_requests_total",
			Help: "Total number of population service requests by outcome",
		},
		[]string{"status"},
	)

	PopulationLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridscout_refresher_population_lookups_total",
			Help: "Total number of resolved population lookups by source",
		},
		[]string{"source"},
	)

	PromotionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridscout_refresher_promotions_total",
			Help: "Total number of staging promotions by status",
		},
		[]string{"status"},
	)

	InvariantFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gridscout_refresher_invariant_failures_total",
			Help: "Total number of pre-promotion invariant check failures",
		},
	)

	DatabaseQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridscout_refresher_database_queries_total",
			Help: "Total number of database queries",
		},
		[]string{"status"},
	)

	DatabaseQueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gridscout_refresher_database_query_duration_seconds",
			Help:    "Duration of database queries",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 0.001s to ~4.1s
		},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridscout_refresher_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gridscout_refresher_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gridscout_refresher_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Use the route pattern if available, otherwise use the path
		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}

		status := strconv.Itoa(ww.Status())
		duration := time.Since(start).Seconds()

		HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}
