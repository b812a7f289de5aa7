package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// Auth endpoints (no auth required)
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/auth/user", s.handleCurrentUser)
			r.Get("/audit", s.handleAuditLog)

			r.Route("/devices", func(r chi.Router) {
				r.Get("/", s.handleListDevices)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetDevice)
					r.Patch("/", s.handleRenameDevice)
					r.Post("/control", s.handleControl)
					r.Get("/audit", s.handleMeterAudit)
				})
			})

			// Readings and aggregates
			r.Get("/sensor-data/{id}", s.handleSensorData)
			r.Get("/daily-energy/{id}", s.handleDailyEnergy)
			r.Get("/today-energy/{id}", s.handleTodayEnergy)
			r.Get("/today-power/{id}", s.handleTodayPower)
			r.Get("/monthly-energy/{id}", s.handleMonthlyEnergy)
		})
	})

	return r
}
