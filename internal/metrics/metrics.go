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
			Name: "healthsync_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "healthsync_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	webhooksReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "healthsync_webhooks_received_total",
			Help: "Webhook deliveries received by provider",
		},
		[]string{"provider"},
	)

	webhookVerificationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "healthsync_webhook_verification_failures_total",
			Help: "Webhook deliveries that failed signature verification (still acked)",
		},
		[]string{"provider"},
	)

	webhookUnknownAccount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "healthsync_webhook_unknown_account_total",
			Help: "Webhook deliveries referencing an unmapped provider account",
		},
		[]string{"provider"},
	)

	webhookDuplicates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "healthsync_webhook_duplicates_total",
			Help: "Webhook deliveries short-circuited by the dedupe key",
		},
		[]string{"provider"},
	)

	syncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "healthsync_sync_runs_total",
			Help: "Per-provider sync attempts by outcome",
		},
		[]string{"provider", "status"},
	)

	syncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "healthsync_sync_duration_seconds",
			Help:    "Per-provider sync duration",
			Buckets: []float64{.1, .25, .5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)

	breakerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "healthsync_breaker_rejections_total",
			Help: "Calls rejected fast by an open circuit breaker",
		},
		[]string{"provider"},
	)

	notificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "healthsync_notifications_sent_total",
			Help: "Notifications pushed to users by category",
		},
		[]string{"category"},
	)

	notificationsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "healthsync_notifications_suppressed_total",
			Help: "Notifications suppressed by the dedupe record",
		},
		[]string{"category"},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "healthsync_queue_depth",
			Help: "Sync jobs waiting in the internal work queue",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "healthsync_rate_limit_rejections_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"key"},
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

// RecordWebhookReceived counts an inbound webhook delivery.
func RecordWebhookReceived(provider string) {
	webhooksReceived.WithLabelValues(provider).Inc()
}

// RecordWebhookVerificationFailure counts a signature failure. The delivery
// is still acknowledged on the wire; alerting hangs off this counter.
func RecordWebhookVerificationFailure(provider string) {
	webhookVerificationFailures.WithLabelValues(provider).Inc()
}

// RecordWebhookUnknownAccount counts a delivery for an unmapped account.
func RecordWebhookUnknownAccount(provider string) {
	webhookUnknownAccount.WithLabelValues(provider).Inc()
}

// RecordWebhookDuplicate counts a delivery deduplicated by its key.
func RecordWebhookDuplicate(provider string) {
	webhookDuplicates.WithLabelValues(provider).Inc()
}

// RecordSyncRun records a per-provider sync outcome (success/failed/skipped).
func RecordSyncRun(provider, status string, duration time.Duration) {
	syncRuns.WithLabelValues(provider, status).Inc()
	syncDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordBreakerRejection counts a fail-fast rejection for a provider.
func RecordBreakerRejection(provider string) {
	breakerRejections.WithLabelValues(provider).Inc()
}

// RecordNotificationSent counts a delivered notification.
func RecordNotificationSent(category string) {
	notificationsSent.WithLabelValues(category).Inc()
}

// RecordNotificationSuppressed counts a dedupe-suppressed notification.
func RecordNotificationSuppressed(category string) {
	notificationsSuppressed.WithLabelValues(category).Inc()
}

// SetQueueDepth sets the current internal queue depth.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(key string) {
	rateLimitRejections.WithLabelValues(key).Inc()
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
