// Package config loads and validates the engine configuration.
//
// DESIGN: All configuration comes from YAML files with ${VAR:-default}
// environment expansion; validation is strict so a bad deployment fails
// at startup, not mid-request.
//
// FILES:
//   - config.go: Root Config struct, Load(), Validate()
//   - engine.go: engine tuning and per-session defaults
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the KATO service.
type Config struct {
	Server     ServerConfig     `yaml:"server"`     // HTTP server settings
	Storage    StorageConfig    `yaml:"storage"`    // pattern store backend
	Vector     VectorConfig     `yaml:"vector"`     // vector backend and binding
	Sessions   SessionsConfig   `yaml:"sessions"`   // session lifecycle
	Engine     EngineConfig     `yaml:"engine"`     // engine tuning + session defaults
	Monitoring MonitoringConfig `yaml:"monitoring"` // logging
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port          int           `yaml:"port"`           // port to listen on
	ReadTimeout   time.Duration `yaml:"read_timeout"`   // max time to read a request
	WriteTimeout  time.Duration `yaml:"write_timeout"`  // max time to write a response
	RatePerSecond int           `yaml:"rate_per_second"` // per-IP rate limit, 0 disables
}

// StorageConfig selects and tunes the pattern store.
type StorageConfig struct {
	Driver      string        `yaml:"driver"`       // "memory" or "sqlite"
	Path        string        `yaml:"path"`         // sqlite database path
	RetryBudget time.Duration `yaml:"retry_budget"` // backoff budget for transient failures
}

// VectorConfig tunes symbol binding.
type VectorConfig struct {
	Dimension        int     `yaml:"dimension"`         // required vector dimension, 0 disables the check
	SimilarityRadius float64 `yaml:"similarity_radius"` // cosine similarity to reuse a neighbor symbol
	CacheSize        int     `yaml:"cache_size"`        // nearest-neighbor LRU entries
}

// SessionsConfig controls session lifecycle.
type SessionsConfig struct {
	TTL           time.Duration `yaml:"ttl"`            // sliding session TTL
	SweepInterval time.Duration `yaml:"sweep_interval"` // expiry sweep period
}

// MonitoringConfig contains logging settings.
type MonitoringConfig struct {
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // json, console, auto
	LogOutput string `yaml:"log_output"` // stdout, stderr, or file path
}

// expandEnvWithDefaults expands environment variables with support for
// default values. Supports both ${VAR} and ${VAR:-default} syntax.
func expandEnvWithDefaults(s string) string {
	re := regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		varName := parts[1]
		defaultValue := ""
		if len(parts) > 2 {
			defaultValue = parts[2]
		}
		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config file path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes, expanding
// environment variables and validating the result.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvWithDefaults(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Default returns a runnable configuration: in-memory storage, port 8000,
// dimension checking disabled.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:          8000,
			ReadTimeout:   30 * time.Second,
			WriteTimeout:  60 * time.Second,
			RatePerSecond: 0,
		},
		Storage: StorageConfig{
			Driver:      "memory",
			RetryBudget: 5 * time.Second,
		},
		Vector: VectorConfig{
			Dimension:        0,
			SimilarityRadius: 0.999,
			CacheSize:        4096,
		},
		Sessions: SessionsConfig{
			TTL:           time.Hour,
			SweepInterval: time.Minute,
		},
		Engine:     DefaultEngineConfig(),
		Monitoring: MonitoringConfig{LogLevel: "info", LogFormat: "auto", LogOutput: "stdout"},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout is required")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout is required")
	}

	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("invalid storage.driver: %q (must be memory or sqlite)", c.Storage.Driver)
	}

	if c.Vector.SimilarityRadius < 0 || c.Vector.SimilarityRadius > 1 {
		return fmt.Errorf("invalid vector.similarity_radius: %v (must be in [0,1])", c.Vector.SimilarityRadius)
	}
	if c.Vector.Dimension < 0 {
		return fmt.Errorf("invalid vector.dimension: %d", c.Vector.Dimension)
	}

	if c.Sessions.TTL <= 0 {
		return fmt.Errorf("sessions.ttl is required")
	}
	if c.Sessions.SweepInterval <= 0 {
		return fmt.Errorf("sessions.sweep_interval is required")
	}

	return c.Engine.Validate()
}
