// Package api serves the prediction pipeline over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/merlin/internal/domain"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// Option customizes the server.
type Option func(*options)

type options struct {
	metricsPath    string
	metricsHandler http.Handler
	observer       HTTPObserver
}

// WithMetrics mounts handler at path and records per-route request metrics.
func WithMetrics(path string, handler http.Handler, obs HTTPObserver) Option {
	return func(o *options) {
		o.metricsPath = path
		o.metricsHandler = handler
		o.observer = obs
	}
}

// NewServer creates a new API server. deps.Predictor and deps.History must
// be set.
func NewServer(cfg domain.ServerConfig, deps Deps, version string, opts ...Option) (*Server, error) {
	if deps.Predictor == nil || deps.History == nil {
		return nil, fmt.Errorf("%w: api requires a predictor and a history store", domain.ErrConfiguration)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	handler := NewHandler(deps, cfg.RequestTimeout, version)
	router := chi.NewRouter()

	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	if o.observer != nil {
		router.Use(MetricsMiddleware(o.observer))
	}
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	if o.metricsHandler != nil && o.metricsPath != "" {
		router.Method(http.MethodGet, o.metricsPath, o.metricsHandler)
	}

	router.Route("/v1", func(r chi.Router) {
		r.Post("/predict", handler.Predict)
		r.Post("/transactions", handler.Enqueue)

		r.Route("/entities/{id}", func(r chi.Router) {
			r.Get("/stats", handler.EntityStats)
			r.Delete("/history", handler.ClearHistory)
			r.Get("/decisions", handler.ListEntityDecisions)
		})

		r.Get("/decisions/{id}", handler.GetDecision)
		r.Get("/rules", handler.ListRules)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}, nil
}

// Start starts the HTTP server. It returns nil after Shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr is the configured listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
