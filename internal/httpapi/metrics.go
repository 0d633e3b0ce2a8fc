package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsSubsystem = "http"

var (
	factory = promauto.With(prometheus.DefaultRegisterer)

	requestLabels = []string{"path", "method", "status"}

	httpRequestsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engined", Subsystem: metricsSubsystem,
		Name: "requests_total",
		Help: "HTTP requests by route pattern, method and status.",
	}, requestLabels)

	httpRequestDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "engined", Subsystem: metricsSubsystem,
		Name:    "request_duration_seconds",
		Help:    "HTTP request latency by route pattern, method and status.",
		Buckets: prometheus.DefBuckets,
	}, requestLabels)

	httpInflight = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "engined", Subsystem: metricsSubsystem,
		Name: "inflight_requests",
		Help: "Requests currently being served.",
	})

	backpressureTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engined", Subsystem: metricsSubsystem,
		Name: "backpressure_total",
		Help: "Requests rejected with 429 because the engine stayed busy.",
	}, []string{"reason"})

	inferInputElements = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: "engined", Subsystem: metricsSubsystem,
		Name:    "infer_input_elements",
		Help:    "Input tensor sizes received by /infer.",
		Buckets: prometheus.ExponentialBuckets(16, 4, 10),
	})
)

// MetricsMiddleware counts and times requests. Labels use the chi route
// pattern, which is only known once the router has matched the request.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		httpInflight.Inc()
		defer httpInflight.Dec()

		next.ServeHTTP(ww, r)

		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		labels := prometheus.Labels{
			"path":   routePatternOrPath(r),
			"method": r.Method,
			"status": strconv.Itoa(code),
		}
		httpRequestsTotal.With(labels).Inc()
		httpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	})
}

func routePatternOrPath(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// IncrementBackpressure counts a 429. An empty reason is recorded as "unspecified".
func IncrementBackpressure(reason string) {
	if reason == "" {
		reason = "unspecified"
	}
	backpressureTotal.WithLabelValues(reason).Inc()
}
