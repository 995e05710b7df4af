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
			Name: "courier_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	dispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_dispatches_total",
			Help: "Notification dispatches by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	providerAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_provider_attempts_total",
			Help: "Provider send attempts by result (ok, transient, permanent)",
		},
		[]string{"result"},
	)

	providerSendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "courier_provider_send_duration_seconds",
			Help:    "End-to-end send duration including retries and backoff",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 20, 40},
		},
	)

	webhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_webhook_events_total",
			Help: "Provider webhook events by type and result (applied, unmatched, ignored, rejected)",
		},
		[]string{"event_type", "result"},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_rate_limit_rejections_total",
			Help: "Rejections by limiter (dispatch = per-user send limiter, edge = HTTP)",
		},
		[]string{"limiter"},
	)

	attachmentsRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_attachments_routed_total",
			Help: "Attachment routing decisions (inline, storage)",
		},
		[]string{"route"},
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

// RecordDispatch records the outcome of one dispatcher invocation.
// Outcome is one of: sent, denied, rate_limited, failed.
func RecordDispatch(notificationType, outcome string) {
	dispatchesTotal.WithLabelValues(notificationType, outcome).Inc()
}

// RecordProviderAttempt records a single provider call result.
func RecordProviderAttempt(result string) {
	providerAttempts.WithLabelValues(result).Inc()
}

// RecordProviderSendDuration records total time spent in the delivery client.
func RecordProviderSendDuration(d time.Duration) {
	providerSendDuration.Observe(d.Seconds())
}

// RecordWebhookEvent records an inbound provider event and how it was handled.
func RecordWebhookEvent(eventType, result string) {
	webhookEvents.WithLabelValues(eventType, result).Inc()
}

// RecordRateLimitRejection records a rejection from the named limiter.
func RecordRateLimitRejection(limiter string) {
	rateLimitRejections.WithLabelValues(limiter).Inc()
}

// RecordAttachmentRoute records an attachment routing decision.
func RecordAttachmentRoute(route string) {
	attachmentsRouted.WithLabelValues(route).Inc()
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
