package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// healthCheckTimeout bounds each component check in GET /api/v1/health.
const healthCheckTimeout = 2 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.withRequestID, s.observe, s.recoverPanics, s.cors, limitBody)

	// Prometheus scrape endpoint (no auth, like health)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	// Viewer websocket (token checked during the handshake)
	if s.realtime != nil {
		r.Method(http.MethodGet, s.realtimePath, s.realtime)
	}

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.requireIdentity)

			r.Route("/devices", func(r chi.Router) {
				r.Get("/", s.handleListDevices)

				r.Route("/{serial}", func(r chi.Router) {
					r.Get("/", s.handleGetDevice)
					r.Get("/logs", s.handleListDeviceLogs)
					r.Post("/commands", s.handleSendCommand)
					r.Post("/cmd", s.handleSendCommand)
				})
			})

			r.Post("/groups/{id}/commands", s.handleSendGroupCommand)
			r.Get("/commands/{id}", s.handleGetCommand)
		})
	})

	return r
}

// handleHealth reports per-component health. Any failing component turns
// the response into a 503 with status "degraded".
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := make(map[string]string, len(s.checks)+1)
	healthy := true

	check := func(name string, c HealthChecker) {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		if err := c.HealthCheck(ctx); err != nil {
			components[name] = err.Error()
			healthy = false
			return
		}
		components[name] = "ok"
	}

	if s.broker != nil {
		check("mqtt", s.broker)
	}
	for name, c := range s.checks {
		check(name, c)
	}

	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":     status,
		"version":    s.version,
		"components": components,
	})
}
