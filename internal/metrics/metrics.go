package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chatmesh/gateway/internal/middleware"
	"github.com/chatmesh/gateway/internal/reqctx"
)

// Metrics holds the gateway's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	requests  *prometheus.CounterVec
	responses *prometheus.CounterVec
	errors    *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// New creates the collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Requests received, by method, path and resolved service.",
		}, []string{"method", "path", "service"}),
		responses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_responses_total",
			Help: "Responses sent, by method, path, service and status.",
		}, []string{"method", "path", "service", "status"}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_errors_total",
			Help: "Responses with status >= 400.",
		}, []string{"method", "path", "service", "status"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "End-to-end request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "service"}),
	}
}

// Handler serves the Prometheus exposition endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Observe records one completed request.
func (m *Metrics) Observe(method, path, service string, status int, elapsed time.Duration) {
	code := strconv.Itoa(status)
	m.requests.WithLabelValues(method, path, service).Inc()
	m.responses.WithLabelValues(method, path, service, code).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(method, path, service, code).Inc()
	}
	m.duration.WithLabelValues(method, path, service).Observe(elapsed.Seconds())
}

// statusWriter captures the response status for recording.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// Middleware records counters and latency for every request. The service
// label is read after the inner handlers run, when route matching has
// filled it in.
func Middleware(m *Metrics) middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w}
			start := time.Now()
			next.ServeHTTP(sw, r)

			status := sw.status
			if status == 0 {
				status = http.StatusOK
			}
			service := "unknown"
			if ctx := reqctx.Get(r); ctx != nil && ctx.Route != nil {
				service = ctx.Route.ServiceID
			}
			m.Observe(r.Method, r.URL.Path, service, status, time.Since(start))
		})
	}
}
