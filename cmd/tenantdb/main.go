// Package main is the entrypoint for the tenant connection manager.
// It loads configuration, starts the metrics, health, and admin HTTP
// servers, wires the registry to the Redis coordinator, and handles
// graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/taskhive/tenantdb/internal/admin"
	"github.com/taskhive/tenantdb/internal/config"
	"github.com/taskhive/tenantdb/internal/coordinator"
	"github.com/taskhive/tenantdb/internal/health"
	"github.com/taskhive/tenantdb/internal/registry"
	"github.com/taskhive/tenantdb/pkg/schema"
)

var configPath = flag.String("config", "configs/tenantdb.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting tenant connection manager")

	path := *configPath
	if env := os.Getenv("CONFIG_PATH"); env != "" {
		path = env
	}

	cfg, err := config.Load(path)
	if err != nil {
		logger.Fatal("Loading configuration", zap.Error(err))
	}
	logger.Info("Configuration loaded",
		zap.String("instance_id", cfg.Manager.InstanceID),
		zap.String("db_prefix", cfg.Database.DBPrefix),
		zap.Duration("idle_eviction", cfg.Database.IdleEviction))

	// The precompiled model descriptors are part of the binary; a malformed
	// one is a programming error and must stop the process here.
	if err := schema.Validate(); err != nil {
		logger.Fatal("Model descriptor validation", zap.Error(err))
	}

	// Metrics scrape endpoint.
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Manager.MetricsPort),
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Metrics server listening", zap.Int("port", cfg.Manager.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	checker := health.NewChecker(cfg, logger)
	healthServer := checker.Serve()

	report := checker.Check(context.Background())
	for _, comp := range report.Components {
		logger.Info("Initial health check",
			zap.String("component", comp.Name),
			zap.String("status", string(comp.Status)),
			zap.String("message", comp.Message),
			zap.String("latency", comp.Latency))
	}

	factory := registry.NewMongoFactory(cfg, logger)
	reg := registry.New(cfg, factory, logger)

	coord, err := coordinator.New(context.Background(), cfg, reg.InvalidateLocal, logger)
	if err != nil {
		logger.Fatal("Initializing coordinator", zap.Error(err))
	}
	reg.SetInvalidationBroadcast(coord.PublishInvalidation)
	if coord.IsFallback() {
		logger.Warn("Coordinator started in fallback mode, invalidations stay local")
	}

	adminServer := admin.NewServer(cfg, reg, coord, logger).Serve()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Tenant connection manager ready")
	sig := <-sigCh
	logger.Info("Shutdown signal received", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Stop taking admin traffic first, then drain connections, then release
	// the coordinator so peers see this instance leave last.
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Admin server shutdown error", zap.Error(err))
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Health server shutdown error", zap.Error(err))
	}

	if err := reg.Shutdown(); err != nil {
		logger.Warn("Registry drain incomplete", zap.Error(err))
	}

	if err := coord.Close(shutdownCtx); err != nil {
		logger.Warn("Coordinator close error", zap.Error(err))
	}
	if err := checker.Close(); err != nil {
		logger.Warn("Health checker close error", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics server shutdown error", zap.Error(err))
	}

	logger.Info("Shutdown complete")
}
