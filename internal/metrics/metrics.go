// Package metrics defines Prometheus metrics for the tenant connection
// manager. All collectors are registered upfront so other packages can use
// them without further wiring.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TenantsActive tracks the number of live tenant connection entries.
	TenantsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tenantdb_tenants_active",
		Help: "Number of active tenant connection entries",
	})

	// ConnectionsCreated counts connection entries created since start.
	ConnectionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tenantdb_connections_created_total",
		Help: "Total tenant connections established",
	})

	// ConnectionErrors counts connection failures by type.
	ConnectionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tenantdb_connection_errors_total",
		Help: "Total connection errors",
	}, []string{"error_type"})

	// AcquireDuration tracks how long Acquire takes, including single-flight
	// waits behind an in-progress connection attempt.
	AcquireDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tenantdb_acquire_duration_seconds",
		Help:    "Duration of registry Acquire calls",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
	}, []string{"outcome"})

	// EvictionsTotal counts entries retired, by reason.
	EvictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tenantdb_evictions_total",
		Help: "Total tenant entries evicted",
	}, []string{"reason"})

	// ModelsBound counts model bindings, by model name.
	ModelsBound = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tenantdb_models_bound_total",
		Help: "Total model objects bound to tenant handles",
	}, []string{"model"})

	// RedisOperations counts coordinator Redis operations.
	RedisOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tenantdb_redis_operations_total",
		Help: "Total Redis operations by the coordinator",
	}, []string{"operation", "status"})

	// InstanceHeartbeat tracks instance heartbeat status.
	InstanceHeartbeat = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tenantdb_instance_heartbeat",
		Help: "Instance heartbeat (1 = alive, 0 = dead)",
	}, []string{"instance_id"})
)
