package app

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"tempo/cmd/internal/notify"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tempo_http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tempo_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tempo_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	securityEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tempo_security_events_total",
			Help: "Security notifications by event (session reuse, revoke-all, password change, new device).",
		},
		[]string{"event"},
	)
)

var metricsOnce sync.Once

// InitMetrics registers the metrics in the default registry.
// Safe to call more than once.
func InitMetrics() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(httpInFlight, httpRequestsTotal, httpRequestDuration, securityEventsTotal)
	})
}

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// InstrumentHTTP measures RPS, latency, and in-flight requests.
func InstrumentHTTP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// countingNotifier counts security events before forwarding them, so
// reuse detections and revocations show up on the scrape endpoint even
// when delivery is a no-op.
type countingNotifier struct {
	next notify.Notifier
}

// WithEventMetrics wraps a notifier with the security-event counter.
func WithEventMetrics(next notify.Notifier) notify.Notifier {
	if next == nil {
		next = notify.Noop{}
	}
	return countingNotifier{next: next}
}

func (n countingNotifier) Notify(ctx context.Context, identityID string, event notify.Event) {
	securityEventsTotal.WithLabelValues(string(event)).Inc()
	n.next.Notify(ctx, identityID, event)
}
