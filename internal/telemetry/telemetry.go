// Package telemetry holds the Prometheus collectors and OpenTelemetry setup
// shared by the orchestrator, the worker agent and the trigger listener.
package telemetry

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
	artistsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_artists_processed_total",
			Help: "Artist tasks finished by this worker, labeled by final status.",
		},
		[]string{"status"},
	)

	imagesIngestedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_images_ingested_total",
			Help: "Media items stored by this worker.",
		},
	)

	rateLimitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_rate_limits_total",
			Help: "Rate-limit signals observed, labeled by kind.",
		},
		[]string{"kind"},
	)

	citiesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_cities_total",
			Help: "Cities finished by this worker, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	heartbeatsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_heartbeats_total",
			Help: "Heartbeats sent, labeled by result.",
		},
		[]string{"result"},
	)

	orchestratorTickSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orchestrator_tick_duration_seconds",
			Help:    "Duration of one orchestrator control-loop tick.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
	)

	orchestratorRotationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_rotations_total",
			Help: "Worker rotations, labeled by reason.",
		},
		[]string{"reason"},
	)

	orchestratorSpawnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_spawns_total",
			Help: "Worker spawn attempts, labeled by result.",
		},
		[]string{"result"},
	)

	orchestratorStaleReleasedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_stale_claims_released_total",
			Help: "Claims returned to pending by the stale sweep, labeled by kind.",
		},
		[]string{"kind"},
	)

	orchestratorFleetSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_fleet_workers",
			Help: "Workers seen on the last tick, labeled by status.",
		},
		[]string{"status"},
	)

	triggerJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trigger_jobs_total",
			Help: "Listener jobs, labeled by final status.",
		},
		[]string{"status"},
	)

	limiterWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleet_limiter_wait_seconds",
			Help:    "Time spent waiting on a local rate limiter.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"limiter"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveArtist records a finished artist task and its ingested media.
func ObserveArtist(status string, images int) {
	artistsProcessedTotal.WithLabelValues(status).Inc()
	if images > 0 {
		imagesIngestedTotal.Add(float64(images))
	}
}

// ObserveRateLimit records a rate-limit signal.
func ObserveRateLimit(kind string) {
	rateLimitsTotal.WithLabelValues(kind).Inc()
}

// ObserveCity records a city leaving this worker.
func ObserveCity(outcome string) {
	citiesTotal.WithLabelValues(outcome).Inc()
}

// ObserveHeartbeat records a heartbeat attempt.
func ObserveHeartbeat(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	heartbeatsTotal.WithLabelValues(result).Inc()
}

// ObserveTick records the duration of one orchestrator tick.
func ObserveTick(d time.Duration) {
	orchestratorTickSeconds.Observe(d.Seconds())
}

// ObserveRotation records a worker rotation.
func ObserveRotation(reason string) {
	orchestratorRotationsTotal.WithLabelValues(reason).Inc()
}

// ObserveSpawn records a spawn attempt.
func ObserveSpawn(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	orchestratorSpawnsTotal.WithLabelValues(result).Inc()
}

// ObserveStaleReleased records claims released by the stale sweep.
func ObserveStaleReleased(tasks, cities int) {
	orchestratorStaleReleasedTotal.WithLabelValues("artist").Add(float64(tasks))
	orchestratorStaleReleasedTotal.WithLabelValues("city").Add(float64(cities))
}

// SetFleetSize publishes the per-status worker counts seen on a tick.
func SetFleetSize(counts map[string]int) {
	orchestratorFleetSize.Reset()
	for status, n := range counts {
		orchestratorFleetSize.WithLabelValues(status).Set(float64(n))
	}
}

// ObserveTriggerJob records a finished listener job.
func ObserveTriggerJob(status string) {
	triggerJobsTotal.WithLabelValues(status).Inc()
}

// ObserveLimiterWait records time spent blocked on a named limiter.
func ObserveLimiterWait(limiter string, d time.Duration) {
	limiterWaitSeconds.WithLabelValues(limiter).Observe(d.Seconds())
}
