package review

import (
	"fmt"
	"time"
)

// Config holds the review queue's time horizons
type Config struct {
	// RetentionDays is how long a change may stay pending before the expiry
	// sweep rejects it with the note "expired"
	// Default: 30, Range: 1-365
	RetentionDays int

	// DeferHorizonDays is how long a deferred change stays parked when the
	// reviewer gives no explicit date; after it passes, Reopen returns the
	// change to pending
	// Default: 7, Range: 1-90
	DeferHorizonDays int
}

// DefaultConfig returns the default review configuration
func DefaultConfig() Config {
	return Config{
		RetentionDays:    30,
		DeferHorizonDays: 7,
	}
}

// Validate checks if the configuration has valid values
func (c Config) Validate() error {
	if c.RetentionDays < 1 || c.RetentionDays > 365 {
		return fmt.Errorf("retention_days must be between 1 and 365 (got %d)", c.RetentionDays)
	}
	if c.DeferHorizonDays < 1 || c.DeferHorizonDays > 90 {
		return fmt.Errorf("defer_horizon_days must be between 1 and 90 (got %d)", c.DeferHorizonDays)
	}
	if c.DeferHorizonDays > c.RetentionDays {
		return fmt.Errorf("defer_horizon_days (%d) must be <= retention_days (%d)",
			c.DeferHorizonDays, c.RetentionDays)
	}
	return nil
}

// RetentionWindow returns RetentionDays as a duration
func (c Config) RetentionWindow() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// DeferHorizon returns DeferHorizonDays as a duration
func (c Config) DeferHorizon() time.Duration {
	return time.Duration(c.DeferHorizonDays) * 24 * time.Hour
}

// String returns a human-readable representation of the config
func (c Config) String() string {
	return fmt.Sprintf("ReviewConfig{RetentionDays: %d, DeferHorizonDays: %d}",
		c.RetentionDays, c.DeferHorizonDays)
}
