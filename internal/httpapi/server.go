package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"engined/internal/engine"
	"engined/pkg/types"
)

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: orDefault(corsAllowedMethods, []string{http.MethodGet, http.MethodPost, http.MethodOptions}),
			AllowedHeaders: orDefault(corsAllowedHeaders, []string{"Content-Type", "X-Request-Id", "X-Log-Level"}),
			MaxAge:         300,
		}))
	}
	r.Use(MetricsMiddleware)
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/engine", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Info())
	})

	r.Post("/infer", func(w http.ResponseWriter, r *http.Request) {
		ct := r.Header.Get("Content-Type")
		if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
			writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var req types.InferRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if len(req.Input) == 0 {
			writeJSONError(w, http.StatusBadRequest, "input is required")
			return
		}
		if req.OutputCount < 0 {
			writeJSONError(w, http.StatusBadRequest, "output_count must not be negative")
			return
		}
		inferInputElements.Observe(float64(len(req.Input)))

		log := requestLogger(r)
		log.Debug().Str("input", req.InputName).Int("elements", len(req.Input)).Msg("infer start")

		ctx, cancel := inferContext(r)
		defer cancel()

		start := time.Now()
		resp, err := svc.Infer(ctx, req)
		if err != nil {
			if r.Context().Err() != nil {
				return
			}
			status := statusFor(err)
			if status == http.StatusTooManyRequests {
				IncrementBackpressure("engine")
			}
			kind := ""
			if k := engine.KindOf(err); k != engine.KindUnknown {
				kind = k.String()
			}
			log.Error().Int("status", status).Dur("dur", time.Since(start)).Err(err).Msg("infer end")
			writeError(w, status, err.Error(), kind)
			return
		}
		log.Info().Int("status", http.StatusOK).Dur("dur", time.Since(start)).Msg("infer end")
		writeJSON(w, http.StatusOK, resp)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("released"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zlog.Warn().Err(err).Msg("encode response")
	}
}

func orDefault(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}
