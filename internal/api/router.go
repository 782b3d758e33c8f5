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
	r.Use(s.metricsMiddleware)
	r.Use(s.corsMiddleware)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(w, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllow, "method not allowed")
	})

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	// The WebSocket authenticates in-band, so it sits outside the bearer
	// middleware and the body limit.
	r.Get(s.wsCfg.Path, s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.bodySizeLimitMiddleware)

		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			if s.secCfg.RequireAuthREST {
				r.Use(s.authMiddleware)
			}

			r.Get("/", s.handleAPIRoot)
			r.Get("/config", s.handleConfig)

			r.Route("/states", func(r chi.Router) {
				r.Get("/", s.handleListStates)
				r.Get("/{entity_id}", s.handleGetState)
				r.Post("/{entity_id}", s.handleSetState)
			})

			r.Route("/services", func(r chi.Router) {
				r.Get("/", s.handleListServices)
				r.Post("/{domain}/{service}", s.handleCallService)
			})

			r.Post("/events/{event_type}", s.handleFireEvent)
			r.Get("/history/{entity_id}", s.handleHistory)
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  s.version,
		"entities": s.store.Count(),
		"sessions": s.hub.SessionCount(),
	})
}
