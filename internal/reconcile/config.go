package reconcile

import (
	"fmt"
	"time"
)

// Config holds orchestrator settings
type Config struct {
	// MaxConcurrentDeals bounds how many deals RunDeals reconciles at once
	// Default: 4, Range: 1-64
	MaxConcurrentDeals int

	// SummarizeTimeout bounds each summarization call made during a pass.
	// On timeout the group falls back to its ungrouped children.
	// Default: 45s
	SummarizeTimeout time.Duration

	// Actor is recorded on audit events written by passes
	// Default: "reconciler"
	Actor string
}

// DefaultConfig returns the default orchestrator configuration
func DefaultConfig() Config {
	return Config{
		MaxConcurrentDeals: 4,
		SummarizeTimeout:   45 * time.Second,
		Actor:              "reconciler",
	}
}

// Validate checks if the configuration has valid values
func (c Config) Validate() error {
	if c.MaxConcurrentDeals < 1 || c.MaxConcurrentDeals > 64 {
		return fmt.Errorf("max_concurrent_deals must be between 1 and 64 (got %d)", c.MaxConcurrentDeals)
	}
	if c.SummarizeTimeout <= 0 {
		return fmt.Errorf("summarize_timeout must be positive (got %v)", c.SummarizeTimeout)
	}
	if c.Actor == "" {
		return fmt.Errorf("actor is required")
	}
	return nil
}

// String returns a human-readable representation of the config
func (c Config) String() string {
	return fmt.Sprintf("ReconcileConfig{MaxConcurrentDeals: %d, SummarizeTimeout: %v, Actor: %s}",
		c.MaxConcurrentDeals, c.SummarizeTimeout, c.Actor)
}
