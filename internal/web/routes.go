package web

import (
	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/face-attendance/internal/web/handlers"
)

func (s *Server) setupRoutes() {
	enrollHandler := handlers.NewEnrollHandler(s.services.Enroller)
	recognizeHandler := handlers.NewRecognizeHandler(s.services.Recognizer)
	sitesHandler := handlers.NewSitesHandler(s.services.Registry, s.services.Identities)
	health := handlers.HealthCheck(s.config.Embedding.Model)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", health)
		r.Post("/register_multiple", enrollHandler.Register)
		r.Post("/recognize", recognizeHandler.Recognize)

		r.Get("/sites/{site}/stats", sitesHandler.Stats)
		r.Get("/sites/{site}/identities", sitesHandler.Identities)
	})

	// Unversioned routes used by the deployed mobile app.
	s.router.Get("/health", health)
	s.router.Post("/register_multiple", enrollHandler.Register)
	s.router.Post("/recognize", recognizeHandler.RecognizeLegacy)
}
