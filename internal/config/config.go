// Package config holds all configuration types and loading logic for spillq.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// MaxElemSizeLimit is the hard cap on queue.max_elem_size.
const MaxElemSizeLimit = 64 * 1024

// Config is the root configuration for a spillq server instance.
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Storage StorageConfig `yaml:"storage"`
	Queue   QueueConfig   `yaml:"queue"`
	HTTP    HTTPConfig    `yaml:"http"`
	Auth    AuthConfig    `yaml:"auth"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// NodeConfig holds network settings and the data directory.
type NodeConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

// Backend selects the Backing Store implementation.
type Backend string

const (
	BackendFile   Backend = "file"   // one file per spilled message
	BackendBolt   Backend = "bolt"   // single bbolt database
	BackendMemory Backend = "memory" // in-process map, nothing survives a restart
)

// FsyncPolicy controls when spilled data is flushed to physical disk.
type FsyncPolicy string

const (
	FsyncAlways FsyncPolicy = "always" // fsync every spilled entry
	FsyncNever  FsyncPolicy = "never"  // leave flushing to the OS (dev/test only)
)

// StorageConfig controls where spilled payloads go.
type StorageConfig struct {
	Backend Backend     `yaml:"backend"`
	Dir     string      `yaml:"dir"` // empty = <node.data_dir>/spill
	Fsync   FsyncPolicy `yaml:"fsync"`
	// SweepOnStart deletes entries left behind by a process that did not
	// shut down cleanly.
	SweepOnStart bool `yaml:"sweep_on_start"`
}

// QueueConfig sets the queue's limits.
type QueueConfig struct {
	MaxQueueSize int `yaml:"max_queue_size"`
	MaxElemSize  int `yaml:"max_elem_size"`
}

// HTTPConfig sets per-client rate limiting on the HTTP transport.
type HTTPConfig struct {
	// RateLimitRPS is requests per second per client IP. 0 disables limiting.
	RateLimitRPS float64 `yaml:"rate_limit_rps"`
	// RateLimitBurst allows temporary spikes above RateLimitRPS.
	RateLimitBurst int `yaml:"rate_limit_burst"`
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			Host:    "0.0.0.0",
			Port:    8080,
			DataDir: "./data",
		},
		Storage: StorageConfig{
			Backend:      BackendFile,
			Fsync:        FsyncAlways,
			SweepOnStart: true,
		},
		Queue: QueueConfig{
			MaxQueueSize: 1024,
			MaxElemSize:  MaxElemSizeLimit,
		},
		HTTP: HTTPConfig{
			RateLimitRPS:   100,
			RateLimitBurst: 200,
		},
		Auth: AuthConfig{
			Enabled: false,
			APIKey:  "",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error,
// making it easy to run spillq with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	SPILLQ_AUTH_API_KEY   — sets auth.api_key and enables auth (auth.enabled = true)
//	SPILLQ_DATA_DIR       — sets node.data_dir
//	SPILLQ_PORT           — sets node.port
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("SPILLQ_AUTH_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("SPILLQ_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("SPILLQ_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Node.Port = p
		}
	}
}

// StorageDir returns the directory spilled entries are written to.
func (c *Config) StorageDir() string {
	if c.Storage.Dir != "" {
		return c.Storage.Dir
	}
	return filepath.Join(c.Node.DataDir, "spill")
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Node.Port < 1 || c.Node.Port > 65535 {
		return errors.New("node.port must be between 1 and 65535")
	}
	if c.Node.DataDir == "" {
		return errors.New("node.data_dir must not be empty")
	}
	switch c.Storage.Backend {
	case BackendFile, BackendBolt, BackendMemory:
		// valid
	default:
		return errors.New(`storage.backend must be one of "file", "bolt", "memory"`)
	}
	switch c.Storage.Fsync {
	case FsyncAlways, FsyncNever:
		// valid
	default:
		return errors.New(`storage.fsync must be one of "always", "never"`)
	}
	if c.Queue.MaxQueueSize < 1 {
		return errors.New("queue.max_queue_size must be at least 1")
	}
	if c.Queue.MaxElemSize < 1 || c.Queue.MaxElemSize > MaxElemSizeLimit {
		return fmt.Errorf("queue.max_elem_size must be between 1 and %d", MaxElemSizeLimit)
	}
	if c.HTTP.RateLimitRPS < 0 {
		return errors.New("http.rate_limit_rps must be >= 0")
	}
	if c.HTTP.RateLimitRPS > 0 && c.HTTP.RateLimitBurst < 1 {
		return errors.New("http.rate_limit_burst must be at least 1 when rate limiting is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return errors.New("metrics.port must be between 1 and 65535")
	}
	if c.Metrics.Enabled && c.Metrics.Port == c.Node.Port {
		return errors.New("metrics.port must differ from node.port")
	}
	return nil
}
