package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes (no auth required)
		r.Get("/health", h.Health)

		// Protected routes (auth required)
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))

			r.Route("/templates/{templateID}", func(r chi.Router) {
				r.Put("/", h.SaveTemplate)
				r.Get("/", h.GetTemplate)
				r.Get("/versions/{version}", h.GetTemplateVersion)
			})

			r.Route("/submissions", func(r chi.Router) {
				r.Post("/", h.CreateSubmission)
				r.Get("/{id}", h.GetSubmission)
				r.Patch("/{id}", h.EditSubmission)
				r.Post("/{id}/submit", h.SubmitSubmission)
				r.Get("/{id}/template", h.ResolveSubmissionTemplate)
			})

			r.Route("/partners/{partnerID}", func(r chi.Router) {
				r.Get("/", h.GetPartner)
				r.Post("/gates/{gateID}/start", h.StartGate)
				r.Post("/gates/{gateID}/block", h.BlockGate)
			})
		})
	})

	return r
}
