package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := NewConfig()

	assert.Equal(t, "keyvalue", cfg.Store.Engine)
	assert.Equal(t, int64(64<<20), cfg.Store.CacheSize)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 30*time.Second, cfg.Node.Timeout)
	assert.Equal(t, 3*time.Second, cfg.Sync.PollInterval)
	assert.Equal(t, 9615, cfg.Status.Port)
	assert.Equal(t, uint64(2048), cfg.Backend.MaxBlockRange)
	assert.Equal(t, 10000, cfg.Backend.MaxLogs)
}

func TestLoadFromFile(t *testing.T) {
	content := `
node:
  endpoint: ws://localhost:9944
store:
  engine: sql
  dsn: /tmp/index.db
log:
  level: debug
  format: console
status:
  enabled: true
  port: 8080
backend:
  max_block_range: 512
  max_logs: 500
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ws://localhost:9944", cfg.Node.Endpoint)
	assert.Equal(t, "sql", cfg.Store.Engine)
	assert.Equal(t, "/tmp/index.db", cfg.Store.DSN)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.True(t, cfg.Status.Enabled)
	assert.Equal(t, 8080, cfg.Status.Port)
	assert.Equal(t, uint64(512), cfg.Backend.MaxBlockRange)
	assert.Equal(t, 500, cfg.Backend.MaxLogs)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	content := `
store:
  engine: keyvalue
  path: /tmp/from-file
log:
  level: info
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	t.Setenv("ETHAUX_STORE_PATH", "/tmp/from-env")
	t.Setenv("ETHAUX_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/from-env", cfg.Store.Path)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestEnvRejectsBadValues(t *testing.T) {
	cfg := NewConfig()

	t.Setenv("ETHAUX_STATUS_PORT", "not-a-number")
	assert.Error(t, cfg.LoadFromEnv())
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := NewConfig()
		cfg.Store.Path = "/tmp/aux"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid keyvalue", func(c *Config) {}, false},
		{"valid sql", func(c *Config) {
			c.Store.Engine = "sql"
			c.Store.DSN = "/tmp/index.db"
		}, false},
		{"keyvalue without path", func(c *Config) { c.Store.Path = "" }, true},
		{"sql without dsn", func(c *Config) { c.Store.Engine = "sql" }, true},
		{"unknown engine", func(c *Config) { c.Store.Engine = "redis" }, true},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }, true},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, true},
		{"negative rate", func(c *Config) { c.Sync.BlocksPerSecond = -1 }, true},
		{"bad status port", func(c *Config) {
			c.Status.Enabled = true
			c.Status.Port = 70000
		}, true},
		{"zero max logs", func(c *Config) { c.Backend.MaxLogs = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
