package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	// Live feed, outside the request timeout
	r.Get("/ws", s.HandleWebSocket)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Get("/health", s.HandleHealth)
		r.Get("/status", s.HandleStatus)
		r.Get("/stats", s.HandleStats)
		r.Get("/stats/history", s.HandleStatsHistory)
		r.Get("/packets", s.HandleListPackets)
		r.Get("/events", s.HandleListEvents)

		r.Post("/auth/login", s.HandleLogin)

		// Management
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Post("/stats/reset", s.HandleResetStats)
			r.Route("/radio", func(r chi.Router) {
				r.Put("/sf", s.HandleSetSpreadingFactor)
				r.Put("/frequency", s.HandleSetFrequency)
				r.Delete("/tx/{token}", s.HandleCancelTx)
			})
		})
	})
}
