// Package server provides the fleetd admin HTTP server.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/homt/fleetd/internal/config"
	"github.com/homt/fleetd/internal/handler"
	"github.com/homt/fleetd/internal/middleware"
	"go.uber.org/zap"
)

// Server represents the admin HTTP server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	handlers   *handler.Handlers
	logger     *zap.Logger
	cfg        *config.Config
}

// NewServer creates a new admin HTTP server.
func NewServer(cfg *config.Config, handlers *handler.Handlers, logger *zap.Logger) *Server {
	router := mux.NewRouter()

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return &Server{
		router:     router,
		httpServer: httpServer,
		handlers:   handlers,
		logger:     logger,
		cfg:        cfg,
	}
}

// SetupRoutes configures all HTTP routes.
func (s *Server) SetupRoutes() {
	middlewareChain := []func(http.Handler) http.Handler{
		middleware.RequestID,
		middleware.Recovery(s.logger),
		middleware.Logging(s.logger),
	}

	if s.cfg.RateLimiter.Enabled {
		rateLimiter := middleware.NewRateLimiter(
			s.cfg.RateLimiter.RequestsPerSecond,
			s.cfg.RateLimiter.Burst,
			s.logger,
		)
		middlewareChain = append(middlewareChain, rateLimiter.Limit)
	}

	chain := middleware.Chain(middlewareChain...)
	s.router.Use(func(next http.Handler) http.Handler {
		return chain(next)
	})

	admin := s.router.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/jobs", s.handlers.ListJobs).Methods(http.MethodGet)
	admin.HandleFunc("/jobs/{job}/run", s.handlers.RunJob).Methods(http.MethodPost)
	admin.HandleFunc("/nodes/{name}/reconcile", s.handlers.ReconcileNode).Methods(http.MethodPost)
	admin.HandleFunc("/nodes/{name}/cleanup", s.handlers.CleanupNode).Methods(http.MethodPost)
	admin.HandleFunc("/nodes/{name}/health", s.handlers.CheckNode).Methods(http.MethodPost)
	admin.HandleFunc("/subscriptions/{id}/node", s.handlers.AssignNode).Methods(http.MethodPost)

	// Node agents call these directly
	nodes := s.router.PathPrefix("/nodes").Subrouter()
	nodes.HandleFunc("/register", s.handlers.RegisterNode).Methods(http.MethodPost)
	nodes.HandleFunc("/heartbeat", s.handlers.Heartbeat).Methods(http.MethodPost)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.WriteErrorResponse(w, http.StatusNotFound, handler.ErrorResponse{
			Status:    "error",
			ErrorCode: "NOT_FOUND",
			Message:   "endpoint not found",
			RequestID: r.Header.Get("X-Request-ID"),
		})
	})

	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.WriteErrorResponse(w, http.StatusMethodNotAllowed, handler.ErrorResponse{
			Status:    "error",
			ErrorCode: "INVALID_ARGUMENT",
			Message:   "method not allowed",
			RequestID: r.Header.Get("X-Request-ID"),
		})
	})
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.logger.Info("starting admin HTTP server", zap.String("address", s.httpServer.Addr))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down admin HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// GetHandler returns the http.Handler for the server.
func (s *Server) GetHandler() http.Handler {
	return s.router
}
