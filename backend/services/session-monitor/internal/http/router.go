package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter registers the session control endpoints.
func NewRouter(h *Handlers, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", h.Health)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	r.Route("/session", func(r chi.Router) {
		r.Get("/", h.Snapshot)
		r.Post("/initiate", h.Initiate)
		r.Post("/conflict", h.ResolveConflict)
		r.Post("/start", h.Start)
		r.Post("/stop", h.Stop)
		r.Get("/summary", h.Summary)
	})
	return r
}
