package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tenantdb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
database:
  base_url: mongodb://localhost:27017
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "tenant_", cfg.Database.DBPrefix)
	assert.Equal(t, 10, cfg.Database.MaxPoolSizePerTenant)
	assert.Equal(t, 5*time.Second, cfg.Database.ConnectTimeout)
	assert.Equal(t, 30*time.Minute, cfg.Database.IdleEviction)
	assert.Equal(t, 15*time.Second, cfg.Database.ShutdownDeadline)
	assert.Equal(t, 10*time.Minute, cfg.Manager.SweepInterval)
	assert.NotEmpty(t, cfg.Manager.InstanceID)
}

func TestLoad_MissingBaseURL(t *testing.T) {
	path := writeConfig(t, `
database:
  db_prefix: acme_
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base_url is required")
}

func TestLoad_ExplicitValues(t *testing.T) {
	path := writeConfig(t, `
manager:
  instance_id: mgr-1
  sweep_interval: 2m
database:
  base_url: mongodb://db:27017
  db_prefix: acct_
  max_pool_size_per_tenant: 4
  connect_timeout: 2s
  idle_eviction: 1m
  shutdown_deadline: 8s
redis:
  addr: localhost:6379
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "mgr-1", cfg.Manager.InstanceID)
	assert.Equal(t, 2*time.Minute, cfg.Manager.SweepInterval)
	assert.Equal(t, "acct_", cfg.Database.DBPrefix)
	assert.Equal(t, 4, cfg.Database.MaxPoolSizePerTenant)
	assert.Equal(t, 2*time.Second, cfg.Database.ConnectTimeout)
	assert.Equal(t, time.Minute, cfg.Database.IdleEviction)
	assert.Equal(t, 8*time.Second, cfg.Database.ShutdownDeadline)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TENANTDB_BASE_URL", "mongodb://env-host:27017")
	t.Setenv("TENANTDB_DB_PREFIX", "env_")
	t.Setenv("TENANTDB_MAX_POOL_SIZE", "7")
	t.Setenv("TENANTDB_IDLE_EVICTION", "90s")

	path := writeConfig(t, `
database:
  base_url: mongodb://file-host:27017
  db_prefix: file_
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "mongodb://env-host:27017", cfg.Database.BaseURL)
	assert.Equal(t, "env_", cfg.Database.DBPrefix)
	assert.Equal(t, 7, cfg.Database.MaxPoolSizePerTenant)
	assert.Equal(t, 90*time.Second, cfg.Database.IdleEviction)
}

func TestTenantDBName(t *testing.T) {
	cfg := &Config{}
	cfg.Database.DBPrefix = "tenant_"
	assert.Equal(t, "tenant_acme", cfg.TenantDBName("acme"))
}
