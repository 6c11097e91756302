// Package api provides the HTTP server for xpengine.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/habitflow/xpengine/internal/app/engine"
	"github.com/habitflow/xpengine/internal/app/events"
	"github.com/habitflow/xpengine/internal/domain"
)

// Version is reported by /api/version. Overridden at build time.
var Version = "dev"

// Server is the xpengine HTTP API server.
type Server struct {
	engine  *engine.Engine
	hub     *events.Hub
	metrics http.Handler
	limiter *RateLimiter
	logger  zerolog.Logger
}

// NewServer creates a new API server.
func NewServer(eng *engine.Engine, logger zerolog.Logger) *Server {
	return &Server{engine: eng, logger: logger.With().Str("component", "api").Logger()}
}

// SetEventHub enables the live event feeds.
func (s *Server) SetEventHub(h *events.Hub) { s.hub = h }

// SetMetricsHandler enables the /metrics Prometheus endpoint.
func (s *Server) SetMetricsHandler(h http.Handler) { s.metrics = h }

// SetRateLimiter limits mutating routes per client.
func (s *Server) SetRateLimiter(rl *RateLimiter) { s.limiter = rl }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": Version})
	})

	r.Route("/api", func(r chi.Router) {
		// Reads bypass the mutation queue.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Get("/xp", s.handleTotal)
			r.Get("/xp/transactions", s.handleTransactions)
			r.Get("/level", s.handleLevel)
			r.Get("/stats", s.handleStats)
			r.Get("/achievements", s.handleAchievements)
			r.Get("/diagnostics", s.handleDiagnostics)
		})

		r.Group(func(r chi.Router) {
			if s.limiter != nil {
				r.Use(s.limiter.Handler)
			}
			r.Use(middleware.Timeout(30 * time.Second))
			r.Post("/xp/add", s.handleAdd)
			r.Post("/xp/subtract", s.handleSubtract)
			r.Post("/achievements/{id}/unlock", s.handleUnlock)
			r.Post("/reset", s.handleReset)
			r.Post("/reconcile", s.handleReconcile)
		})

		// Live feeds stay open; no timeout.
		if s.hub != nil {
			r.Get("/events/live", s.hub.HandleSSE)
			r.Get("/events/ws", s.hub.HandleWS)
		}
	})

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	return r
}

// accessLog writes one structured line per request.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
			"type":    kind,
		},
	})
}

// writeDomainError maps an engine error onto an HTTP status.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrStorage):
		writeError(w, http.StatusServiceUnavailable, "storage_error", err.Error())
	case errors.Is(err, domain.ErrQueueClosed):
		writeError(w, http.StatusServiceUnavailable, "shutting_down", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

// corsMiddleware adds CORS headers for local development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
