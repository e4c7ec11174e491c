package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers pool routes. protect guards the mutating ones.
func (h *Handler) RegisterRoutes(r chi.Router, protect func(http.Handler) http.Handler) {
	r.Route("/pools", func(r chi.Router) {
		r.Get("/", h.HandleListPools)
		r.Get("/{id}", h.HandleGetPool)
		r.Get("/{id}/variants", h.HandleListVariants)
		r.Get("/{id}/status", h.HandleGetStatus) // dashboard read contract
		r.Get("/{id}/stream", h.HandleStream)    // websocket

		r.Group(func(r chi.Router) {
			r.Use(protect)
			r.Post("/", h.HandleCreatePool)
			r.Delete("/{id}", h.HandleDeletePool)
			r.Put("/{id}/budget", h.HandleUpdateBudget)
			r.Post("/{id}/variants", h.HandleAddVariant)
			r.Post("/{id}/pause", h.HandlePauseTicks)
			r.Post("/{id}/resume", h.HandleResumeTicks)
			r.Post("/{id}/tick", h.HandleTickNow)
		})
	})
}
