package proxy

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// Routes mounts the gateway. metrics may be nil.
func (h *Handler) Routes(metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", h.HandleHealth)
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(Session)
		r.Post("/v1/chat/completions", h.HandleComplete)
	})

	r.Route("/v1/usage", func(r chi.Router) {
		r.Get("/", h.HandleUsage)
		r.Get("/records", h.HandleRecords)
		r.Get("/functions", h.HandleFunctions)
		r.Get("/models", h.HandleModels)
	})
	return r
}
