package httpapi

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func scrape(t *testing.T) []byte {
	t.Helper()
	rr := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status=%d", rr.Code)
	}
	return rr.Body.Bytes()
}

// The request counter is labeled by chi route pattern, not the raw path.
func TestMetricsMiddlewareUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(MetricsMiddleware)
	r.Get("/bindings/{name}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/bindings/input", nil))
	if rr.Code != http.StatusTeapot {
		t.Fatalf("status=%d", rr.Code)
	}
	got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("/bindings/{name}", http.MethodGet, "418"))
	if got < 1 {
		t.Fatalf("route pattern counter = %v", got)
	}
	body := scrape(t)
	if !bytes.Contains(body, []byte("engined_http_requests_total")) {
		t.Fatalf("engined_http_requests_total missing from scrape")
	}
}

func TestMetricsMiddlewareFallsBackToPath(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("/plain", http.MethodGet, "200"))
	MetricsMiddleware(next).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/plain", nil))
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("/plain", http.MethodGet, "200"))
	if after != before+1 {
		t.Fatalf("counter %v -> %v", before, after)
	}
}

func TestIncrementBackpressure(t *testing.T) {
	before := testutil.ToFloat64(backpressureTotal.WithLabelValues("engine"))
	IncrementBackpressure("engine")
	IncrementBackpressure("engine")
	if got := testutil.ToFloat64(backpressureTotal.WithLabelValues("engine")); got != before+2 {
		t.Fatalf("engine backpressure %v -> %v", before, got)
	}
	before = testutil.ToFloat64(backpressureTotal.WithLabelValues("unspecified"))
	IncrementBackpressure("")
	if got := testutil.ToFloat64(backpressureTotal.WithLabelValues("unspecified")); got != before+1 {
		t.Fatalf("empty reason must count as unspecified")
	}
}
