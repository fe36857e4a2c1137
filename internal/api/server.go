package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/perdiem/internal/domain"
	"github.com/opensource-finance/perdiem/internal/scoring"
	"github.com/opensource-finance/perdiem/internal/telemetry"
)

// Deps are the collaborators behind the API. Only Scoring is required.
type Deps struct {
	Scoring    *scoring.Service
	Repository domain.Repository
	Cache      domain.Cache
	Bus        domain.EventBus
	Metrics    *telemetry.Metrics

	// Tracing gates span creation. TracerProvider defaults to the global
	// provider when tracing is enabled.
	Tracing        domain.TracingConfig
	TracerProvider trace.TracerProvider

	// PolicyPath is reloaded by POST /policies/reload without a version.
	PolicyPath string

	Version string
}

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Deps) *Server {
	handler := NewHandler(deps)
	router := chi.NewRouter()

	router.Use(CORSMiddleware)
	router.Use(RequestIDMiddleware)
	router.Use(RecoverMiddleware)
	if deps.Tracing.Enabled {
		router.Use(TracingMiddleware(handler.tracer))
	}
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	// Operational endpoints (no tenant required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())

	// Policy and model management is global
	router.Get("/policy", handler.GetPolicy)
	router.Get("/policies", handler.ListPolicies)
	router.Post("/policies", handler.StorePolicy)
	router.Post("/policies/reload", handler.ReloadPolicy)
	router.Get("/models", handler.ListModels)

	// Scoring routes (tenant required)
	router.Group(func(r chi.Router) {
		r.Use(TenantMiddleware)

		r.Post("/estimate", handler.Estimate)
		r.Post("/estimate/batch", handler.EstimateBatch)
		r.Get("/estimates", handler.ListEstimates)
		r.Get("/estimates/{id}", handler.GetEstimate)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
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
