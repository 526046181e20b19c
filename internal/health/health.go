// Package health probes the infrastructure this instance depends on: the
// shared document store deployment and Redis. Reports are served over HTTP
// for orchestrator readiness and liveness checks.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/taskhive/tenantdb/internal/config"
)

// Status is the health state of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// ComponentHealth is the probe result for a single component.
type ComponentHealth struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency"`
}

// HealthReport aggregates all component probes.
type HealthReport struct {
	Status     Status            `json:"status"`
	Timestamp  string            `json:"timestamp"`
	InstanceID string            `json:"instance_id"`
	Components []ComponentHealth `json:"components"`
}

// Checker probes the document store and Redis. It holds its own clients so a
// wedged registry or coordinator cannot mask an infrastructure failure.
type Checker struct {
	cfg         *config.Config
	logger      *zap.Logger
	redisClient *redis.Client
}

// NewChecker creates a health checker from the loaded configuration.
func NewChecker(cfg *config.Config, logger *zap.Logger) *Checker {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})

	return &Checker{
		cfg:         cfg,
		logger:      logger,
		redisClient: rdb,
	}
}

// Close releases the checker's clients.
func (c *Checker) Close() error {
	return c.redisClient.Close()
}

// Check probes every component concurrently and aggregates the results. The
// report is unhealthy if any component is.
func (c *Checker) Check(ctx context.Context) *HealthReport {
	report := &HealthReport{
		Status:     StatusHealthy,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		InstanceID: c.cfg.Manager.InstanceID,
	}

	var (
		mu         sync.Mutex
		wg         sync.WaitGroup
		components []ComponentHealth
	)

	probe := func(fn func(context.Context) ComponentHealth) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch := fn(ctx)
			mu.Lock()
			components = append(components, ch)
			mu.Unlock()
		}()
	}

	probe(c.checkDocumentStore)
	probe(c.checkRedis)
	wg.Wait()

	report.Components = components
	for _, comp := range components {
		if comp.Status == StatusUnhealthy {
			report.Status = StatusUnhealthy
			break
		}
	}

	return report
}

// checkDocumentStore verifies the base deployment is reachable. The check
// opens its own short-lived client so it cannot consume a tenant pool slot.
func (c *Checker) checkDocumentStore(ctx context.Context) ComponentHealth {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Database.ConnectTimeout)
	defer cancel()

	opts := options.Client().
		ApplyURI(c.cfg.Database.BaseURL).
		SetConnectTimeout(c.cfg.Database.ConnectTimeout).
		SetServerSelectionTimeout(c.cfg.Database.ConnectTimeout).
		SetAppName("tenantdb-health-" + c.cfg.Manager.InstanceID)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return ComponentHealth{
			Name:    "document_store",
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("connect failed: %v", err),
			Latency: time.Since(start).String(),
		}
	}
	defer func() { _ = client.Disconnect(context.Background()) }()

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return ComponentHealth{
			Name:    "document_store",
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("ping failed: %v", err),
			Latency: time.Since(start).String(),
		}
	}

	return ComponentHealth{
		Name:    "document_store",
		Status:  StatusHealthy,
		Message: "ping ok",
		Latency: time.Since(start).String(),
	}
}

// checkRedis verifies Redis connectivity. Redis being down is still reported
// unhealthy even when fallback mode keeps the manager serving.
func (c *Checker) checkRedis(ctx context.Context) ComponentHealth {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Redis.DialTimeout)
	defer cancel()

	if err := c.redisClient.Ping(ctx).Err(); err != nil {
		return ComponentHealth{
			Name:    "redis",
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("PING failed: %v", err),
			Latency: time.Since(start).String(),
		}
	}

	return ComponentHealth{
		Name:    "redis",
		Status:  StatusHealthy,
		Message: "PONG",
		Latency: time.Since(start).String(),
	}
}

// Handler returns the health check HTTP handler.
func (c *Checker) Handler() http.Handler {
	mux := http.NewServeMux()

	full := func(w http.ResponseWriter, r *http.Request) {
		report := c.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if report.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(report)
	}

	mux.HandleFunc("/health", full)
	mux.HandleFunc("/health/ready", full)

	mux.HandleFunc("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	})

	return mux
}

// Serve starts the health HTTP server on the configured port.
func (c *Checker) Serve() *http.Server {
	addr := fmt.Sprintf(":%d", c.cfg.Manager.HealthCheckPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      c.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		c.logger.Info("Health server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("Health server error", zap.Error(err))
		}
	}()

	return server
}
