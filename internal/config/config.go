package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the mapping sync service.
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Store   StoreConfig   `yaml:"store"`
	Log     LogConfig     `yaml:"log"`
	Sync    SyncConfig    `yaml:"sync"`
	Status  StatusConfig  `yaml:"status"`
	Backend BackendConfig `yaml:"backend"`
}

// NodeConfig holds host node connection configuration.
type NodeConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

// StoreConfig selects and configures the auxiliary storage engine.
type StoreConfig struct {
	// Engine is the storage engine: "keyvalue" or "sql".
	Engine string `yaml:"engine"`

	// Path is the key-value database directory (keyvalue engine).
	Path string `yaml:"path"`

	// CacheSize is the key-value block cache size in bytes.
	CacheSize int64 `yaml:"cache_size"`

	// ReadOnly opens the key-value database read-only.
	ReadOnly bool `yaml:"readonly"`

	// DSN is the SQL data source name (sql engine).
	DSN string `yaml:"dsn"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SyncConfig holds mapping sync task configuration.
type SyncConfig struct {
	// BlocksPerSecond throttles the SQL catch-up indexer; 0 disables it.
	BlocksPerSecond float64 `yaml:"blocks_per_second"`

	// PollInterval is the SQL catch-up indexer poll interval.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// StatusConfig holds the status HTTP server configuration.
type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// BackendConfig holds query backend limits.
type BackendConfig struct {
	// MaxBlockRange caps the span of a single log filter query.
	MaxBlockRange uint64 `yaml:"max_block_range"`

	// MaxLogs caps the number of logs one filter query may return.
	MaxLogs int `yaml:"max_logs"`
}

// NewConfig creates a new Config with default values.
func NewConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults sets default values for the configuration.
func (c *Config) SetDefaults() {
	if c.Node.Timeout == 0 {
		c.Node.Timeout = 30 * time.Second
	}

	if c.Store.Engine == "" {
		c.Store.Engine = "keyvalue"
	}
	if c.Store.CacheSize == 0 {
		c.Store.CacheSize = 64 << 20
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	if c.Sync.PollInterval == 0 {
		c.Sync.PollInterval = 3 * time.Second
	}

	if c.Status.Host == "" {
		c.Status.Host = "0.0.0.0"
	}
	if c.Status.Port == 0 {
		c.Status.Port = 9615
	}

	if c.Backend.MaxBlockRange == 0 {
		c.Backend.MaxBlockRange = 2048
	}
	if c.Backend.MaxLogs == 0 {
		c.Backend.MaxLogs = 10000
	}
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables take precedence over file configuration.
func (c *Config) LoadFromEnv() error {
	if endpoint := os.Getenv("ETHAUX_NODE_ENDPOINT"); endpoint != "" {
		c.Node.Endpoint = endpoint
	}
	if timeout := os.Getenv("ETHAUX_NODE_TIMEOUT"); timeout != "" {
		duration, err := time.ParseDuration(timeout)
		if err != nil {
			return fmt.Errorf("invalid ETHAUX_NODE_TIMEOUT: %w", err)
		}
		c.Node.Timeout = duration
	}

	if engine := os.Getenv("ETHAUX_STORE_ENGINE"); engine != "" {
		c.Store.Engine = engine
	}
	if path := os.Getenv("ETHAUX_STORE_PATH"); path != "" {
		c.Store.Path = path
	}
	if dsn := os.Getenv("ETHAUX_STORE_DSN"); dsn != "" {
		c.Store.DSN = dsn
	}
	if readonly := os.Getenv("ETHAUX_STORE_READONLY"); readonly != "" {
		val, err := strconv.ParseBool(readonly)
		if err != nil {
			return fmt.Errorf("invalid ETHAUX_STORE_READONLY: %w", err)
		}
		c.Store.ReadOnly = val
	}

	if level := os.Getenv("ETHAUX_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if format := os.Getenv("ETHAUX_LOG_FORMAT"); format != "" {
		c.Log.Format = format
	}

	if enabled := os.Getenv("ETHAUX_STATUS_ENABLED"); enabled != "" {
		val, err := strconv.ParseBool(enabled)
		if err != nil {
			return fmt.Errorf("invalid ETHAUX_STATUS_ENABLED: %w", err)
		}
		c.Status.Enabled = val
	}
	if host := os.Getenv("ETHAUX_STATUS_HOST"); host != "" {
		c.Status.Host = host
	}
	if port := os.Getenv("ETHAUX_STATUS_PORT"); port != "" {
		val, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid ETHAUX_STATUS_PORT: %w", err)
		}
		c.Status.Port = val
	}

	if maxRange := os.Getenv("ETHAUX_BACKEND_MAX_BLOCK_RANGE"); maxRange != "" {
		val, err := strconv.ParseUint(maxRange, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid ETHAUX_BACKEND_MAX_BLOCK_RANGE: %w", err)
		}
		c.Backend.MaxBlockRange = val
	}
	if maxLogs := os.Getenv("ETHAUX_BACKEND_MAX_LOGS"); maxLogs != "" {
		val, err := strconv.Atoi(maxLogs)
		if err != nil {
			return fmt.Errorf("invalid ETHAUX_BACKEND_MAX_LOGS: %w", err)
		}
		c.Backend.MaxLogs = val
	}

	return nil
}

// LoadFromFile loads configuration from a YAML file.
func (c *Config) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Store.Engine {
	case "keyvalue":
		if c.Store.Path == "" {
			return fmt.Errorf("store path is required for the keyvalue engine")
		}
	case "sql":
		if c.Store.DSN == "" {
			return fmt.Errorf("store dsn is required for the sql engine")
		}
	default:
		return fmt.Errorf("invalid store engine %q, must be one of: keyvalue, sql", c.Store.Engine)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", c.Log.Level)
	}

	validLogFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validLogFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format %q, must be one of: json, console", c.Log.Format)
	}

	if c.Sync.BlocksPerSecond < 0 {
		return fmt.Errorf("blocks per second cannot be negative")
	}

	if c.Status.Enabled {
		if c.Status.Port <= 0 || c.Status.Port > 65535 {
			return fmt.Errorf("invalid status port %d", c.Status.Port)
		}
	}

	if c.Backend.MaxBlockRange == 0 {
		return fmt.Errorf("max block range must be positive")
	}
	if c.Backend.MaxLogs <= 0 {
		return fmt.Errorf("max logs must be positive")
	}

	return nil
}

// Load is a convenience method that loads configuration in the following order:
// 1. Set defaults
// 2. Load from file (if provided)
// 3. Load from environment variables (override file)
// 4. Validate
func Load(configFile string) (*Config, error) {
	cfg := NewConfig()

	if configFile != "" {
		if err := cfg.LoadFromFile(configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
