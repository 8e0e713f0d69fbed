package billing

import "github.com/go-chi/chi/v5"

// MountRoutes attaches the consolidation endpoints under the given router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/details", func(r chi.Router) {
		r.Get("/", h.listDetails)
		r.Post("/", h.submit)
		r.Get("/{id}", h.getDetail)
		r.Post("/{id}/reattach", h.reattach)
		r.Post("/{id}/detach", h.detach)
	})
	r.Route("/summaries", func(r chi.Router) {
		r.Get("/", h.findSummary)
		r.Get("/{id}", h.getSummary)
		r.Post("/{id}/recompute", h.recompute)
		r.Get("/{id}/audit", h.auditSummary)
	})
}
