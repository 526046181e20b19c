// Package config handles loading and validating the tenant connection manager
// configuration from a YAML file, with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ManagerConfig holds the service-level configuration.
type ManagerConfig struct {
	InstanceID      string        `yaml:"instance_id"`
	AdminPort       int           `yaml:"admin_port"`
	HealthCheckPort int           `yaml:"health_check_port"`
	MetricsPort     int           `yaml:"metrics_port"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
}

// DatabaseConfig holds the per-tenant document store configuration.
type DatabaseConfig struct {
	BaseURL              string        `yaml:"base_url"`
	DBPrefix             string        `yaml:"db_prefix"`
	MaxPoolSizePerTenant int           `yaml:"max_pool_size_per_tenant"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	IdleEviction         time.Duration `yaml:"idle_eviction"`
	ShutdownDeadline     time.Duration `yaml:"shutdown_deadline"`
}

// RedisConfig holds the Redis connection configuration for the
// cross-instance coordinator.
type RedisConfig struct {
	Addr              string        `yaml:"addr"`
	Password          string        `yaml:"password"`
	DB                int           `yaml:"db"`
	PoolSize          int           `yaml:"pool_size"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTTL      time.Duration `yaml:"heartbeat_ttl"`
}

// FallbackConfig controls behavior when Redis is unavailable.
type FallbackConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Config is the root configuration structure.
type Config struct {
	Manager  ManagerConfig  `yaml:"manager"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Fallback FallbackConfig `yaml:"fallback"`
}

// Load reads and parses the configuration file, applies environment
// overrides, validates mandatory fields, and fills in defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyEnvOverrides lets environment variables win over file values. The
// original deployment sourced these options from the environment, so both
// forms stay supported.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("TENANTDB_BASE_URL"); v != "" {
		c.Database.BaseURL = v
	}
	if v := os.Getenv("TENANTDB_DB_PREFIX"); v != "" {
		c.Database.DBPrefix = v
	}
	if v := os.Getenv("TENANTDB_MAX_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Database.MaxPoolSizePerTenant = n
		}
	}
	if v := os.Getenv("TENANTDB_CONNECT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Database.ConnectTimeout = d
		}
	}
	if v := os.Getenv("TENANTDB_IDLE_EVICTION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Database.IdleEviction = d
		}
	}
	if v := os.Getenv("TENANTDB_SHUTDOWN_DEADLINE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Database.ShutdownDeadline = d
		}
	}
	if v := os.Getenv("TENANTDB_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("TENANTDB_INSTANCE_ID"); v != "" {
		c.Manager.InstanceID = v
	}
}

// validate checks mandatory fields. A failure here is fatal at startup.
func (c *Config) validate() error {
	if c.Database.BaseURL == "" {
		return fmt.Errorf("database.base_url is required")
	}
	if c.Database.MaxPoolSizePerTenant < 0 {
		return fmt.Errorf("database.max_pool_size_per_tenant must not be negative")
	}
	return nil
}

// applyDefaults fills in reasonable defaults for unset optional fields.
func (c *Config) applyDefaults() {
	if c.Database.DBPrefix == "" {
		c.Database.DBPrefix = "tenant_"
	}
	if c.Database.MaxPoolSizePerTenant == 0 {
		c.Database.MaxPoolSizePerTenant = 10
	}
	if c.Database.ConnectTimeout == 0 {
		c.Database.ConnectTimeout = 5 * time.Second
	}
	if c.Database.IdleEviction == 0 {
		c.Database.IdleEviction = 30 * time.Minute
	}
	if c.Database.ShutdownDeadline == 0 {
		c.Database.ShutdownDeadline = 3 * c.Database.ConnectTimeout
	}
	if c.Manager.SweepInterval == 0 {
		c.Manager.SweepInterval = 10 * time.Minute
	}
	if c.Manager.AdminPort == 0 {
		c.Manager.AdminPort = 8081
	}
	if c.Manager.HealthCheckPort == 0 {
		c.Manager.HealthCheckPort = 8080
	}
	if c.Manager.MetricsPort == 0 {
		c.Manager.MetricsPort = 9090
	}
	if c.Manager.InstanceID == "" {
		hostname, _ := os.Hostname()
		c.Manager.InstanceID = hostname
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "redis:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 20
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}
	if c.Redis.HeartbeatInterval == 0 {
		c.Redis.HeartbeatInterval = 10 * time.Second
	}
	if c.Redis.HeartbeatTTL == 0 {
		c.Redis.HeartbeatTTL = 30 * time.Second
	}
}

// TenantDBName derives the physical database name for a tenant.
func (c *Config) TenantDBName(tenantID string) string {
	return c.Database.DBPrefix + tenantID
}
