// Package server provides the HTTP servers of the segment server daemon.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/devrev/bsr/internal/config"
	"github.com/devrev/bsr/internal/handler"
	"github.com/devrev/bsr/internal/middleware"
	"github.com/devrev/bsr/internal/service"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// APIServer serves the kernel and lookup API
type APIServer struct {
	router        *mux.Router
	httpServer    *http.Server
	kernelHandler *handler.KernelHandler
	logger        *zap.Logger
	cfg           *config.Config
}

// NewAPIServer creates the API server and its routes
func NewAPIServer(cfg *config.Config, kernelSvc *service.KernelService, logger *zap.Logger) *APIServer {
	router := mux.NewRouter()

	s := &APIServer{
		router:        router,
		kernelHandler: handler.NewKernelHandler(kernelSvc, logger),
		logger:        logger,
		cfg:           cfg,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		},
	}
	s.setupRoutes()
	return s
}

func (s *APIServer) setupRoutes() {
	chain := []func(http.Handler) http.Handler{
		middleware.Recovery(s.logger),
		middleware.RequestID,
		middleware.Logging(s.logger),
	}
	if s.cfg.RateLimiter.Enabled {
		limiter := middleware.NewRateLimiter(
			s.cfg.RateLimiter.RequestsPerSecond,
			s.cfg.RateLimiter.Burst,
			s.logger,
		)
		chain = append(chain, limiter.Limit)
	}
	s.router.Use(mux.MiddlewareFunc(middleware.Chain(chain...)))

	s.kernelHandler.Register(s.router)

	// Router-level middleware does not run for unmatched routes.
	wrap := middleware.Chain(middleware.RequestID, middleware.Logging(s.logger))
	s.router.NotFoundHandler = wrap(http.HandlerFunc(s.kernelHandler.NotFound))
	s.router.MethodNotAllowedHandler = wrap(http.HandlerFunc(s.kernelHandler.MethodNotAllowed))
}

// Start serves until Shutdown is called
func (s *APIServer) Start() error {
	s.logger.Info("Starting API server", zap.String("addr", s.httpServer.Addr))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start API server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the API server
func (s *APIServer) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the http.Handler of the server
func (s *APIServer) Handler() http.Handler {
	return s.router
}
