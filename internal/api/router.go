// Package api exposes the HTTP surface: liveness, Prometheus metrics, and
// a small read-only JSON API over cycles, health, and circuit state.
package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/verityops/verity/internal/storage"
)

// NewRouter builds the HTTP router.
func NewRouter(src StatusSource, cycles storage.CycleStore, gatherer prometheus.Gatherer, logger zerolog.Logger) chi.Router {
	h := newHandlers(src, cycles, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", h.handleHealth)
	r.Method("GET", "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", h.handleStatus)
		r.Get("/circuits", h.handleCircuits)
		r.Route("/cycles", func(r chi.Router) {
			r.Get("/", h.handleListCycles)
			r.Get("/{id}", h.handleGetCycle)
		})
	})

	return r
}
