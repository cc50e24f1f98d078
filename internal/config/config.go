// Package config assembles the settings of every component from a config
// file, RECON_* environment variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/steveyegge/recon/internal/inbox"
	"github.com/steveyegge/recon/internal/matching"
	"github.com/steveyegge/recon/internal/reconcile"
	"github.com/steveyegge/recon/internal/review"
	"github.com/steveyegge/recon/internal/storage"
	"github.com/steveyegge/recon/internal/summarize"
	"github.com/steveyegge/recon/internal/tiering"
)

// EnvPrefix prefixes every environment override, e.g. RECON_TIERING_REVIEW_FLOOR
const EnvPrefix = "RECON"

// Config is the full runtime configuration
type Config struct {
	Store      storage.Config
	Tiering    tiering.Thresholds
	Matching   matching.Config
	Review     review.Config
	Summarizer summarize.Config
	Reconcile  reconcile.Config
	Inbox      inbox.Config

	// LexiconPath optionally points at a YAML file merged over the embedded
	// lexicon
	LexiconPath string

	// MetricsTextfile, when set, receives Prometheus metrics after each run
	MetricsTextfile string
}

// DefaultConfig returns the configuration used when nothing is overridden
func DefaultConfig() Config {
	return Config{
		Store:      *storage.DefaultConfig(),
		Tiering:    tiering.DefaultThresholds(),
		Matching:   matching.DefaultConfig(),
		Review:     review.DefaultConfig(),
		Summarizer: summarize.DefaultConfig(),
		Reconcile:  reconcile.DefaultConfig(),
		Inbox:      inbox.DefaultConfig(),
	}
}

// Validate checks every section
func (c Config) Validate() error {
	if strings.TrimSpace(c.Store.Path) == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Store.BusyTimeout < 0 {
		return fmt.Errorf("store.busy_timeout cannot be negative (got %v)", c.Store.BusyTimeout)
	}
	sections := []struct {
		name     string
		validate func() error
	}{
		{"tiering", c.Tiering.Validate},
		{"matching", c.Matching.Validate},
		{"review", c.Review.Validate},
		{"summarizer", c.Summarizer.Validate},
		{"reconcile", c.Reconcile.Validate},
		{"inbox", c.Inbox.Validate},
	}
	for _, s := range sections {
		if err := s.validate(); err != nil {
			return fmt.Errorf("invalid %s config: %w", s.name, err)
		}
	}
	if c.LexiconPath != "" {
		if _, err := os.Stat(c.LexiconPath); err != nil {
			return fmt.Errorf("lexicon.path: %w", err)
		}
	}
	if c.MetricsTextfile != "" {
		if _, err := os.Stat(filepath.Dir(c.MetricsTextfile)); err != nil {
			return fmt.Errorf("metrics.textfile directory: %w", err)
		}
	}
	return nil
}

// String returns a human-readable representation of the config
func (c Config) String() string {
	return strings.Join([]string{
		fmt.Sprintf("Store{Path: %s, BusyTimeout: %v}", c.Store.Path, c.Store.BusyTimeout),
		c.Tiering.String(),
		c.Matching.String(),
		c.Review.String(),
		c.Summarizer.String(),
		c.Reconcile.String(),
		c.Inbox.String(),
		fmt.Sprintf("Lexicon{Path: %q}", c.LexiconPath),
		fmt.Sprintf("Metrics{Textfile: %q}", c.MetricsTextfile),
	}, "\n")
}

// DefaultSettings returns every config key with its default value, keyed
// the way it appears in the config file. Durations are rendered as strings.
func DefaultSettings() map[string]any {
	d := DefaultConfig()
	return map[string]any{
		"store.path":         d.Store.Path,
		"store.busy_timeout": d.Store.BusyTimeout.String(),

		"tiering.auto_apply_confidence":  d.Tiering.AutoApplyConfidence,
		"tiering.review_floor":           d.Tiering.ReviewFloor,
		"tiering.small_confidence_delta": d.Tiering.SmallConfidenceDelta,

		"matching.min_keyword_overlap":   d.Matching.MinKeywordOverlap,
		"matching.max_edit_distance":     d.Matching.MaxEditDistance,
		"matching.min_fuzzy_name_length": d.Matching.MinFuzzyNameLength,

		"review.retention_days":     d.Review.RetentionDays,
		"review.defer_horizon_days": d.Review.DeferHorizonDays,

		"summarizer.provider":          d.Summarizer.Provider,
		"summarizer.model":             d.Summarizer.Model,
		"summarizer.api_key":           d.Summarizer.APIKey,
		"summarizer.base_url":          d.Summarizer.BaseURL,
		"summarizer.max_tokens":        d.Summarizer.MaxTokens,
		"summarizer.timeout":           d.Summarizer.Timeout.String(),
		"summarizer.attempt_timeout":   d.Summarizer.AttemptTimeout.String(),
		"summarizer.max_retries":       d.Summarizer.MaxRetries,
		"summarizer.initial_backoff":   d.Summarizer.InitialBackoff.String(),
		"summarizer.max_backoff":       d.Summarizer.MaxBackoff.String(),
		"summarizer.rate_per_second":   d.Summarizer.RatePerSecond,
		"summarizer.max_concurrent":    d.Summarizer.MaxConcurrent,
		"summarizer.cache_ttl":         d.Summarizer.CacheTTL.String(),
		"summarizer.failure_threshold": d.Summarizer.FailureThreshold,
		"summarizer.success_threshold": d.Summarizer.SuccessThreshold,
		"summarizer.open_timeout":      d.Summarizer.OpenTimeout.String(),

		"reconcile.max_concurrent_deals": d.Reconcile.MaxConcurrentDeals,
		"reconcile.summarize_timeout":    d.Reconcile.SummarizeTimeout.String(),
		"reconcile.actor":                d.Reconcile.Actor,

		"inbox.pattern":  d.Inbox.Pattern,
		"inbox.debounce": d.Inbox.Debounce.String(),

		"lexicon.path":     "",
		"metrics.textfile": "",
	}
}

// SetDefaults registers every key with its default so environment variables
// are honoured for keys absent from the config file
func SetDefaults(v *viper.Viper) {
	for key, value := range DefaultSettings() {
		v.SetDefault(key, value)
	}
}

// WriteDefaultFile writes a config file holding every default to path. An
// existing file is never overwritten.
func WriteDefaultFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	for key, value := range DefaultSettings() {
		v.Set(key, value)
	}
	v.SetConfigType("yaml")
	if err := v.SafeWriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}

// DefaultFilePath is $HOME/.recon/config.yaml
func DefaultFilePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to find home directory: %w", err)
	}
	return filepath.Join(home, ".recon", "config.yaml"), nil
}

// Load builds and validates a Config from v. Keys are read explicitly so
// the config file stays snake_case without struct tags on every component.
func Load(v *viper.Viper) (Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	var c Config
	c.Store = storage.Config{
		Path:        v.GetString("store.path"),
		BusyTimeout: v.GetDuration("store.busy_timeout"),
	}
	c.Tiering = tiering.Thresholds{
		AutoApplyConfidence:  v.GetFloat64("tiering.auto_apply_confidence"),
		ReviewFloor:          v.GetFloat64("tiering.review_floor"),
		SmallConfidenceDelta: v.GetFloat64("tiering.small_confidence_delta"),
	}
	c.Matching = matching.Config{
		MinKeywordOverlap:  v.GetInt("matching.min_keyword_overlap"),
		MaxEditDistance:    v.GetInt("matching.max_edit_distance"),
		MinFuzzyNameLength: v.GetInt("matching.min_fuzzy_name_length"),
	}
	c.Review = review.Config{
		RetentionDays:    v.GetInt("review.retention_days"),
		DeferHorizonDays: v.GetInt("review.defer_horizon_days"),
	}
	c.Summarizer = summarize.Config{
		Provider:         v.GetString("summarizer.provider"),
		Model:            v.GetString("summarizer.model"),
		APIKey:           v.GetString("summarizer.api_key"),
		BaseURL:          v.GetString("summarizer.base_url"),
		MaxTokens:        v.GetInt("summarizer.max_tokens"),
		Timeout:          v.GetDuration("summarizer.timeout"),
		AttemptTimeout:   v.GetDuration("summarizer.attempt_timeout"),
		MaxRetries:       v.GetInt("summarizer.max_retries"),
		InitialBackoff:   v.GetDuration("summarizer.initial_backoff"),
		MaxBackoff:       v.GetDuration("summarizer.max_backoff"),
		RatePerSecond:    v.GetFloat64("summarizer.rate_per_second"),
		MaxConcurrent:    v.GetInt("summarizer.max_concurrent"),
		CacheTTL:         v.GetDuration("summarizer.cache_ttl"),
		FailureThreshold: v.GetInt("summarizer.failure_threshold"),
		SuccessThreshold: v.GetInt("summarizer.success_threshold"),
		OpenTimeout:      v.GetDuration("summarizer.open_timeout"),
	}
	c.Reconcile = reconcile.Config{
		MaxConcurrentDeals: v.GetInt("reconcile.max_concurrent_deals"),
		SummarizeTimeout:   v.GetDuration("reconcile.summarize_timeout"),
		Actor:              v.GetString("reconcile.actor"),
	}
	c.Inbox = inbox.Config{
		Pattern:  v.GetString("inbox.pattern"),
		Debounce: v.GetDuration("inbox.debounce"),
	}
	c.LexiconPath = v.GetString("lexicon.path")
	c.MetricsTextfile = v.GetString("metrics.textfile")

	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// ReadFile points v at path, or at $HOME/.recon/config.yaml when path is
// empty, and reads it. A missing default file is not an error.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config %s: %w", path, err)
		}
		return nil
	}

	path, err := DefaultFilePath()
	if err != nil {
		return nil
	}
	v.AddConfigPath(filepath.Dir(path))
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}
	return nil
}
