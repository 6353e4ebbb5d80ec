package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "xatm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, cfg.Coordinator.Timeout)
	assert.Equal(t, filepath.Join("data", "epoch.db"), cfg.Coordinator.EpochPath)
	assert.Equal(t, filepath.Join("data", "txlog"), cfg.TxLog.Dir)
	assert.Empty(t, cfg.Resources)
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
coordinator:
  data_dir: /var/lib/xatm
  timeout: 2m
  recovery_interval: 5s
txlog:
  max_batch: 64
admin:
  addr: ":9000"
logging:
  level: debug
  format: json
  filename: /var/log/xatm.log
  max_size_mb: 100
resources:
  - name: orders
    path: /srv/orders.db
  - name: stock
    kind: Memory
    factory_id: stock-1
`)
	t.Setenv("LOG_LEVEL", "")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Minute, cfg.Coordinator.Timeout)
	assert.Equal(t, 5*time.Second, cfg.Coordinator.RecoveryInterval)
	assert.Equal(t, 30*time.Second, cfg.Coordinator.PrepareTimeout, "unset keys keep their default")
	assert.Equal(t, "/var/lib/xatm/epoch.db", cfg.Coordinator.EpochPath)
	assert.Equal(t, 64, cfg.TxLog.MaxBatch)
	assert.Equal(t, 1024, cfg.TxLog.QueueSize)
	assert.Equal(t, ":9000", cfg.Admin.Addr)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 100, cfg.Logging.MaxSizeMB)

	require.Len(t, cfg.Resources, 2)
	assert.Equal(t, ResourceConfig{Name: "orders", Kind: KindBolt, Path: "/srv/orders.db", FactoryID: "orders"}, cfg.Resources[0])
	assert.Equal(t, ResourceConfig{Name: "stock", Kind: KindMemory, FactoryID: "stock-1"}, cfg.Resources[1])
}

func TestLogLevelFromEnvironment(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	cfg, err := Load(writeConfig(t, "logging:\n  level: debug\n"))
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		edit func(*Config)
	}{
		{"no data dir", func(c *Config) { c.Coordinator.DataDir = "" }},
		{"negative timeout", func(c *Config) { c.Coordinator.Timeout = -time.Second }},
		{"unnamed resource", func(c *Config) { c.Resources = []ResourceConfig{{Kind: KindMemory}} }},
		{"unknown kind", func(c *Config) { c.Resources = []ResourceConfig{{Name: "a", Kind: "redis"}} }},
		{"duplicate name", func(c *Config) {
			c.Resources = []ResourceConfig{{Name: "a"}, {Name: "a", FactoryID: "b"}}
		}},
		{"duplicate factory id", func(c *Config) {
			c.Resources = []ResourceConfig{{Name: "a"}, {Name: "b", FactoryID: "a"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.edit(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "coordinator: [1, 2"))
	assert.Error(t, err)
}
