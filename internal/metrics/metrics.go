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
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "despacho_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "despacho_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	notificationsQueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "despacho_notifications_queued_total",
			Help: "Notifications created and enqueued, by channel",
		},
		[]string{"channel"},
	)

	notificationsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "despacho_notifications_processed_total",
			Help: "Dispatch outcomes by final state and channel",
		},
		[]string{"state", "channel"},
	)

	dispatchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "despacho_dispatch_latency_seconds",
			Help:    "Time from enqueue to terminal state",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"channel"},
	)

	dispatchRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "despacho_dispatch_retries_total",
			Help: "Delayed re-enqueues after transient channel failures",
		},
		[]string{"channel"},
	)

	campaignFanout = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "despacho_campaign_fanout_total",
			Help: "Per-recipient fan-out results by outcome",
		},
		[]string{"outcome"},
	)

	sweepRequeues = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "despacho_sweep_requeues_total",
			Help: "Stale QUEUED notifications re-enqueued by the sweeper",
		},
	)

	jobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "despacho_jobs_in_flight",
			Help: "Dispatch jobs currently being processed",
		},
	)

	chatSessionReady = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "despacho_chat_session_ready",
			Help: "1 when the chat gateway session is authenticated",
		},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "despacho_idempotency_hits_total",
			Help: "Requests served from the idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "despacho_rate_limit_rejections_total",
			Help: "Requests rejected by the rate limiter",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordNotificationQueued records a notification entering the queue
func RecordNotificationQueued(channel string) {
	notificationsQueued.WithLabelValues(channel).Inc()
}

// RecordNotificationProcessed records a terminal dispatch outcome
func RecordNotificationProcessed(state, channel string) {
	notificationsProcessed.WithLabelValues(state, channel).Inc()
}

// RecordDispatchLatency records enqueue-to-terminal time
func RecordDispatchLatency(channel string, latency time.Duration) {
	dispatchLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// RecordDispatchRetry records a delayed re-enqueue
func RecordDispatchRetry(channel string) {
	dispatchRetries.WithLabelValues(channel).Inc()
}

// RecordFanoutResult records one per-recipient fan-out outcome
func RecordFanoutResult(outcome string) {
	campaignFanout.WithLabelValues(outcome).Inc()
}

// RecordSweepRequeue records one sweeper rescue
func RecordSweepRequeue() {
	sweepRequeues.Inc()
}

// SetJobsInFlight sets the current in-flight job count
func SetJobsInFlight(count int) {
	jobsInFlight.Set(float64(count))
}

// SetChatSessionReady flips the chat readiness gauge
func SetChatSessionReady(ready bool) {
	if ready {
		chatSessionReady.Set(1)
	} else {
		chatSessionReady.Set(0)
	}
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection() {
	rateLimitRejections.Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
