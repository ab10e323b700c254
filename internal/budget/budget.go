package budget

import (
	"fmt"
	"time"
)

// Config defines the spend guardrails for a single story.
type Config struct {
	MaxCost        *float64 `json:"max_cost,omitempty"`
	MaxTokens      *int64   `json:"max_tokens,omitempty"`
	MaxTimeSeconds *int64   `json:"max_time_seconds,omitempty"`
}

// FromLimits builds a config where zero means unlimited.
func FromLimits(maxTokens int64, maxCost float64, maxTime time.Duration) Config {
	var cfg Config
	if maxTokens > 0 {
		cfg.MaxTokens = &maxTokens
	}
	if maxCost > 0 {
		cfg.MaxCost = &maxCost
	}
	if secs := int64(maxTime / time.Second); secs > 0 {
		cfg.MaxTimeSeconds = &secs
	}
	return cfg
}

// Validate ensures the budget values are sane before use.
func (c Config) Validate() error {
	if c.MaxCost != nil && *c.MaxCost < 0 {
		return fmt.Errorf("max_cost cannot be negative")
	}
	if c.MaxTokens != nil && *c.MaxTokens < 0 {
		return fmt.Errorf("max_tokens cannot be negative")
	}
	if c.MaxTimeSeconds != nil && *c.MaxTimeSeconds < 0 {
		return fmt.Errorf("max_time_seconds cannot be negative")
	}
	return nil
}

// Clone produces a deep copy of the config.
func (c Config) Clone() Config {
	var clone Config
	if c.MaxCost != nil {
		v := *c.MaxCost
		clone.MaxCost = &v
	}
	if c.MaxTokens != nil {
		v := *c.MaxTokens
		clone.MaxTokens = &v
	}
	if c.MaxTimeSeconds != nil {
		v := *c.MaxTimeSeconds
		clone.MaxTimeSeconds = &v
	}
	return clone
}

// IsZero reports whether the config defines no explicit limits.
func (c Config) IsZero() bool {
	if c.MaxCost != nil && *c.MaxCost != 0 {
		return false
	}
	if c.MaxTokens != nil && *c.MaxTokens != 0 {
		return false
	}
	if c.MaxTimeSeconds != nil && *c.MaxTimeSeconds != 0 {
		return false
	}
	return true
}
