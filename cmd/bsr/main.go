package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/devrev/bsr/internal/bsr"
	"github.com/devrev/bsr/internal/config"
	"github.com/devrev/bsr/internal/family"
	"github.com/devrev/bsr/internal/health"
	"github.com/devrev/bsr/internal/metrics"
	"github.com/devrev/bsr/internal/server"
	"github.com/devrev/bsr/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("config_path", configPath),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.Int("kernels", len(cfg.Kernels)))

	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)

	kernelSvc, err := service.NewKernelService(serviceConfig(cfg), m, logger)
	if err != nil {
		logger.Fatal("Failed to initialize kernel service", zap.Error(err))
	}
	defer func() {
		if err := kernelSvc.Close(); err != nil {
			logger.Error("Failed to close kernel service", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Kernels that fail to load are logged and skipped.
	if len(cfg.Kernels) > 0 {
		if _, err := kernelSvc.Furnish(ctx, cfg.Kernels); err != nil {
			logger.Error("Some kernels failed to load", zap.Error(err))
		}
	}

	checker := health.NewHealthChecker(kernelSvc, cfg.Health.CheckInterval, logger)
	apiServer := server.NewAPIServer(cfg, kernelSvc, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		checker.Start(gctx)
		return nil
	})
	g.Go(apiServer.Start)

	var metricsServer *server.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = server.NewMetricsServer(&server.MetricsServerConfig{
			Host:            cfg.Server.Host,
			Port:            cfg.Metrics.Port,
			Path:            cfg.Metrics.Path,
			CollectInterval: cfg.Metrics.CollectInterval,
		}, registry, m, checker, logger)
		g.Go(metricsServer.Start)
	}

	// Handle graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully...")
		checker.SetReadiness(false)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("API server shutdown failed", zap.Error(err))
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("Metrics server shutdown failed", zap.Error(err))
			}
		}
		return nil
	})

	logger.Info("Segment server started",
		zap.Int("api_port", cfg.Server.Port),
		zap.Bool("metrics_enabled", cfg.Metrics.Enabled))

	if err := g.Wait(); err != nil {
		logger.Error("Server stopped with error", zap.Error(err))
		return
	}
	logger.Info("Segment server stopped")
}

// serviceConfig maps the per-family engine budgets onto canonical family names
func serviceConfig(cfg *config.Config) *service.Config {
	engines := make(map[string]bsr.Config)
	for _, fam := range family.Families() {
		e := cfg.Engine(fam.Name())
		engines[fam.Name()] = bsr.Config{
			MaxFiles:    e.MaxFiles,
			MaxObjects:  e.MaxObjects,
			MaxSegments: e.MaxSegments,
		}
	}
	return &service.Config{
		Engines:   engines,
		Workers:   cfg.Loader.Workers,
		QueueSize: cfg.Loader.QueueSize,
	}
}

// initLogger builds the zap logger described by the logging section
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
