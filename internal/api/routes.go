// Package api provides HTTP handlers and routing for the taskflow service.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flexinfer/mentatlab/services/taskflow/internal/auth"
)

// Server holds the HTTP handlers and dependencies.
type Server struct {
	router   *mux.Router
	handlers *Handlers
	limiter  *RateLimiter
}

// NewServer creates a new API server with the given handlers.
func NewServer(h *Handlers) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
	}
	if h.config.RateLimitRPS > 0 {
		s.limiter = NewRateLimiter(h.config.RateLimitRPS, h.config.RateLimitBurst, 0)
	}
	s.setupRoutes()
	return s
}

// Router returns the configured handler for use with http.Server.
func (s *Server) Router() http.Handler {
	if s.handlers.config.TracingEnabled {
		return TracingMiddleware(s.router)
	}
	return s.router
}

// Close stops background work owned by the server.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Stop()
	}
}

// RequireAuth puts every route behind m. Health, readiness and metrics stay
// public.
func (s *Server) RequireAuth(m *auth.Middleware) {
	s.router.Use(m.Handler)
}

func (s *Server) setupRoutes() {
	// Health endpoints
	s.router.HandleFunc("/health", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/healthz", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/ready", s.handlers.Ready).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// API routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Workflows
	api.HandleFunc("/workflows", s.handlers.ExecuteWorkflow).Methods("POST")
	api.HandleFunc("/workflows", s.handlers.ListWorkflows).Methods("GET")
	api.HandleFunc("/workflows/{id}", s.handlers.GetWorkflow).Methods("GET")
	api.HandleFunc("/workflows/{id}/resume", s.handlers.ResumeWorkflow).Methods("POST")
	api.HandleFunc("/workflows/{id}/cancel", s.handlers.CancelWorkflow).Methods("POST")
	api.HandleFunc("/workflows/{id}/events", s.handlers.ListEvents).Methods("GET")
	api.HandleFunc("/workflows/{id}/stream", s.handlers.StreamEvents).Methods("GET")

	// Debugging
	api.HandleFunc("/workflows/{id}/replay", s.handlers.Replay).Methods("GET")
	api.HandleFunc("/workflows/{id}/timeline", s.handlers.Timeline).Methods("GET")
	api.HandleFunc("/workflows/{id}/check", s.handlers.Check).Methods("GET")

	// Agents and policy
	api.HandleFunc("/agents", s.handlers.ListAgents).Methods("GET")
	api.HandleFunc("/audit", s.handlers.ListAudit).Methods("GET")

	// Saved definitions
	api.HandleFunc("/definitions", s.handlers.CreateDefinition).Methods("POST")
	api.HandleFunc("/definitions", s.handlers.ListDefinitions).Methods("GET")
	api.HandleFunc("/definitions/{id}", s.handlers.GetDefinition).Methods("GET")
	api.HandleFunc("/definitions/{id}", s.handlers.UpdateDefinition).Methods("PUT")
	api.HandleFunc("/definitions/{id}", s.handlers.DeleteDefinition).Methods("DELETE")
	api.HandleFunc("/definitions/{id}/execute", s.handlers.ExecuteDefinition).Methods("POST")

	// Apply middleware
	s.router.Use(s.handlers.RequestIDMiddleware)
	s.router.Use(s.handlers.CORSMiddleware)
	s.router.Use(s.handlers.LoggingMiddleware)
	s.router.Use(s.handlers.RecoveryMiddleware)
	if s.limiter != nil {
		s.router.Use(s.limiter.Middleware)
	}
}
