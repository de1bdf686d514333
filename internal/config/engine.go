// Engine tuning and per-session defaults.
//
// The session defaults here seed every new session's config; clients
// override them per session through the config endpoint.
package config

import (
	"fmt"

	"github.com/katoengine/kato/internal/session"
)

// EngineConfig tunes the engine and carries session defaults.
type EngineConfig struct {
	PredictionCacheSize  int            `yaml:"prediction_cache_size"`
	IdempotencyCacheSize int            `yaml:"idempotency_cache_size"`
	SessionDefaults      session.Config `yaml:"session_defaults"`
}

// DefaultEngineConfig returns the documented engine defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		PredictionCacheSize:  1024,
		IdempotencyCacheSize: 4096,
		SessionDefaults:      session.DefaultConfig(),
	}
}

// Validate checks cache sizes and the session defaults.
func (c *EngineConfig) Validate() error {
	if c.PredictionCacheSize < 1 {
		return fmt.Errorf("engine.prediction_cache_size must be >= 1, got %d", c.PredictionCacheSize)
	}
	if c.IdempotencyCacheSize < 1 {
		return fmt.Errorf("engine.idempotency_cache_size must be >= 1, got %d", c.IdempotencyCacheSize)
	}
	if err := c.SessionDefaults.Validate(); err != nil {
		return fmt.Errorf("engine.session_defaults: %w", err)
	}
	return nil
}
