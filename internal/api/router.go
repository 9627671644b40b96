// Package api exposes the job runner over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/spherical/scan-ocr/internal/ledger"
	"github.com/spherical/scan-ocr/internal/observability"
)

// NewRouter creates the API router. Jobs are submitted under base so they keep
// running after the submitting request returns.
func NewRouter(base context.Context, runner JobRunner, l *ledger.Ledger, logger *observability.Logger) http.Handler {
	if logger == nil {
		logger = observability.NewNop()
	}
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(30 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy","service":"scan-ocr"}`))
	})

	jobs := NewJobHandler(base, runner, l, logger.WithOperation("api"))

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", jobs.Submit)
			r.Get("/", jobs.List)
			r.Get("/{id}", jobs.Get)
			r.Delete("/{id}", jobs.Cancel)
		})
	})

	return r
}

// requestLogger logs one line per request through the structured logger.
func requestLogger(logger *observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Str("request_id", chimiddleware.GetReqID(r.Context())).
				Dur("elapsed", time.Since(start)).
				Msg("request")
		})
	}
}
