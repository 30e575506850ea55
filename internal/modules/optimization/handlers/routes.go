package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers the optimizer routes under /optimizer
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/optimizer", func(r chi.Router) {
		r.Post("/optimize", h.HandleOptimize)
		r.Post("/frontier", h.HandleFrontier)
		r.Get("/ws", h.HandleWebSocket)

		r.Get("/runs", h.HandleListRuns)
		r.Get("/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, "id")
			h.HandleGetRun(w, r, id)
		})
	})
}

// RegisterLegacyRoutes registers the original top-level upload endpoint
func (h *Handler) RegisterLegacyRoutes(r chi.Router) {
	r.Post("/optimize-portfolio", h.HandleOptimize)
}
