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
			Name: "mesa_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mesa_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	eventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesa_events_emitted_total",
			Help: "Events handed to the dispatcher by priority and target kind",
		},
		[]string{"priority", "target_kind"},
	)

	eventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesa_events_dropped_total",
			Help: "Events removed from the dispatch queue without delivery",
		},
		[]string{"reason"},
	)

	eventsAcked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mesa_events_acked_total",
			Help: "Fully acknowledged events",
		},
	)

	notificationsQueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesa_notifications_queued_total",
			Help: "Notifications accepted into the durable queue by type",
		},
		[]string{"type"},
	)

	notificationsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesa_notifications_processed_total",
			Help: "Notification processing outcomes by status and type",
		},
		[]string{"status", "type"},
	)

	notificationsBuffered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mesa_notifications_buffered",
			Help: "Notifications currently held for unreachable targets",
		},
	)

	deliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mesa_delivery_latency_seconds",
			Help:    "Time from enqueue to acknowledged delivery",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
		},
		[]string{"type"},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesa_rate_limit_rejections_total",
			Help: "Notifications rejected by the rate limiter",
		},
		[]string{"type"},
	)

	connectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mesa_connections_active",
			Help: "Live registered connections",
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

// RecordEventEmitted records an event entering the dispatch queue
func RecordEventEmitted(priority, targetKind string) {
	eventsEmitted.WithLabelValues(priority, targetKind).Inc()
}

// RecordEventDropped records an event leaving the queue undelivered
func RecordEventDropped(reason string) {
	eventsDropped.WithLabelValues(reason).Inc()
}

// RecordEventAcked records a fully acknowledged event
func RecordEventAcked() {
	eventsAcked.Inc()
}

// RecordNotificationQueued records a durable enqueue
func RecordNotificationQueued(notifType string) {
	notificationsQueued.WithLabelValues(notifType).Inc()
}

// RecordNotificationProcessed records a processing outcome
func RecordNotificationProcessed(status, notifType string) {
	notificationsProcessed.WithLabelValues(status, notifType).Inc()
}

// SetNotificationsBuffered sets the current buffer depth
func SetNotificationsBuffered(count int) {
	notificationsBuffered.Set(float64(count))
}

// RecordDeliveryLatency records end-to-end delivery time
func RecordDeliveryLatency(notifType string, latency time.Duration) {
	deliveryLatency.WithLabelValues(notifType).Observe(latency.Seconds())
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(notifType string) {
	rateLimitRejections.WithLabelValues(notifType).Inc()
}

// SetConnectionsActive sets the live connection count
func SetConnectionsActive(count int) {
	connectionsActive.Set(float64(count))
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
