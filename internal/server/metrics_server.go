package server

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/devrev/bsr/internal/health"
	"github.com/devrev/bsr/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsServer serves Prometheus metrics and the health probes
type MetricsServer struct {
	httpServer      *http.Server
	mux             *http.ServeMux
	metrics         *metrics.Metrics
	logger          *zap.Logger
	collectInterval time.Duration
	stopChan        chan struct{}
	stopOnce        sync.Once
}

// MetricsServerConfig holds configuration for the metrics server
type MetricsServerConfig struct {
	Host            string
	Port            int
	Path            string
	CollectInterval time.Duration
}

// NewMetricsServer creates a new metrics server
func NewMetricsServer(cfg *MetricsServerConfig, gatherer prometheus.Gatherer, m *metrics.Metrics, checker *health.HealthChecker, logger *zap.Logger) *MetricsServer {
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	interval := cfg.CollectInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}

	mux := http.NewServeMux()
	ms := &MetricsServer{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		mux:             mux,
		metrics:         m,
		logger:          logger,
		collectInterval: interval,
		stopChan:        make(chan struct{}),
	}

	mux.Handle(path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", checker.LivenessHandler)
	mux.HandleFunc("/ready", checker.ReadinessHandler)

	return ms
}

// Start collects system metrics and serves until Shutdown is called
func (s *MetricsServer) Start() error {
	s.logger.Info("Starting metrics server", zap.String("addr", s.httpServer.Addr))

	go s.collectSystemMetrics()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the metrics server
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	s.logger.Info("Stopping metrics server")
	s.stopOnce.Do(func() { close(s.stopChan) })

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}
	return nil
}

// Handler returns the http.Handler of the server
func (s *MetricsServer) Handler() http.Handler {
	return s.mux
}

func (s *MetricsServer) collectSystemMetrics() {
	ticker := time.NewTicker(s.collectInterval)
	defer ticker.Stop()

	s.updateSystemMetrics()
	for {
		select {
		case <-ticker.C:
			s.updateSystemMetrics()
		case <-s.stopChan:
			return
		}
	}
}

func (s *MetricsServer) updateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	s.metrics.UpdateSystemStats(int64(memStats.Alloc), runtime.NumGoroutine())
}
