// Package summarize proposes consolidated summaries for groups of related risks.
//
// The summarization service is advisory: every Response is passed through the
// evidence validator before it is trusted, and a failure here never blocks a
// pass. Backends are rate limited, bounded by a hard timeout, retried with
// backoff behind a circuit breaker, and their answers are cached by the
// content of the child set so a restarted pass does not call out again.
package summarize

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/steveyegge/recon/internal/types"
)

// Summarizer proposes a consolidated summary for an ordered child set
type Summarizer interface {
	Summarize(ctx context.Context, req Request) (*Response, error)
}

// Child is the view of one risk finding sent to the summarizer
type Child struct {
	ID             string         `json:"id"`
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	Severity       types.Severity `json:"severity"`
	EvidenceQuotes []string       `json:"evidence_quotes,omitempty"`
	Systems        []string       `json:"systems,omitempty"`
}

// ChildFromFinding builds a child from a finding and its canonical systems
func ChildFromFinding(f types.Finding, systems []string) Child {
	return Child{
		ID:             f.ID,
		Title:          f.Title,
		Description:    f.Description,
		Severity:       f.Severity,
		EvidenceQuotes: f.EvidenceQuotes,
		Systems:        systems,
	}
}

// Request is an ordered list of children of one deal, domain and entity
type Request struct {
	DealID   string
	Domain   types.Domain
	Entity   types.Entity
	Children []Child
}

// Validate checks the request can be summarized
func (r Request) Validate() error {
	if len(r.Children) == 0 {
		return fmt.Errorf("request has no children")
	}
	for _, c := range r.Children {
		if strings.TrimSpace(c.Title) == "" {
			return fmt.Errorf("child %s has no title", c.ID)
		}
	}
	return nil
}

// CacheKey hashes the deal scope and the ordered child content. Requests of
// different deals never share a key.
func (r Request) CacheKey(model string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s\n", model, r.DealID, r.Domain, r.Entity)
	for _, c := range r.Children {
		fmt.Fprintf(h, "%s\x1f%s\x1f%s\x1f%s\x1f%s\x1e",
			c.Title, c.Description, c.Severity,
			strings.Join(c.EvidenceQuotes, "\x1d"),
			strings.Join(c.Systems, "\x1d"))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Response is a proposed consolidated summary
type Response struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Severity    types.Severity `json:"severity"`
	KeySystems  []string       `json:"key_systems"`

	// Model that produced the proposal; Cached is set on cache hits
	Model  string `json:"-"`
	Cached bool   `json:"-"`
}

// Validate checks that the response is structurally usable. Whether its
// claims are supported is the evidence validator's job.
func (r *Response) Validate() error {
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("summary title is empty")
	}
	if !r.Severity.IsValid() {
		return fmt.Errorf("summary severity %q is invalid", r.Severity)
	}
	return nil
}

// Config holds summarizer configuration
type Config struct {
	// Provider: "anthropic", "openai", or "" for the built-in extractive summarizer
	Provider string

	// Model name (provider-specific)
	Model string

	// APIKey for the provider; BaseURL overrides its endpoint
	APIKey  string
	BaseURL string

	// MaxTokens limits the response length
	// Default: 1024
	MaxTokens int

	// Timeout is the hard deadline for one Summarize call, retries included
	// Default: 30s
	Timeout time.Duration

	// AttemptTimeout bounds a single backend request
	// Default: 15s
	AttemptTimeout time.Duration

	// MaxRetries is the number of retries after the first attempt
	// Default: 2
	MaxRetries int

	InitialBackoff time.Duration // Default: 500ms
	MaxBackoff     time.Duration // Default: 5s

	// RatePerSecond limits backend calls; 0 disables limiting
	// Default: 2
	RatePerSecond float64

	// MaxConcurrent bounds in-flight backend calls across deals
	// Default: 3
	MaxConcurrent int

	// CacheTTL is how long proposals are reused; 0 disables caching
	// Default: 24h
	CacheTTL time.Duration

	// Circuit breaker settings
	FailureThreshold int           // Default: 5
	SuccessThreshold int           // Default: 2
	OpenTimeout      time.Duration // Default: 30s
}

// DefaultConfig returns the default summarizer configuration
func DefaultConfig() Config {
	return Config{
		Provider:         "", // extractive
		MaxTokens:        1024,
		Timeout:          30 * time.Second,
		AttemptTimeout:   15 * time.Second,
		MaxRetries:       2,
		InitialBackoff:   500 * time.Millisecond,
		MaxBackoff:       5 * time.Second,
		RatePerSecond:    2,
		MaxConcurrent:    3,
		CacheTTL:         24 * time.Hour,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
	}
}

// Validate checks if the configuration has valid values
func (c Config) Validate() error {
	switch strings.ToLower(c.Provider) {
	case "", "none", "extractive", "anthropic", "claude", "openai":
	default:
		return fmt.Errorf("unknown summarizer provider: %s (supported: anthropic, openai)", c.Provider)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive (got %v)", c.Timeout)
	}
	if c.AttemptTimeout <= 0 || c.AttemptTimeout > c.Timeout {
		return fmt.Errorf("attempt_timeout must be between 0 and timeout (got %v, timeout %v)", c.AttemptTimeout, c.Timeout)
	}
	if c.MaxRetries < 0 || c.MaxRetries > 10 {
		return fmt.Errorf("max_retries must be between 0 and 10 (got %d)", c.MaxRetries)
	}
	if c.MaxTokens < 1 {
		return fmt.Errorf("max_tokens must be positive (got %d)", c.MaxTokens)
	}
	if c.RatePerSecond < 0 {
		return fmt.Errorf("rate_per_second cannot be negative (got %.2f)", c.RatePerSecond)
	}
	if c.MaxConcurrent < 0 {
		return fmt.Errorf("max_concurrent cannot be negative (got %d)", c.MaxConcurrent)
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("cache_ttl cannot be negative (got %v)", c.CacheTTL)
	}
	if c.FailureThreshold < 1 || c.SuccessThreshold < 1 {
		return fmt.Errorf("circuit breaker thresholds must be positive (got %d/%d)", c.FailureThreshold, c.SuccessThreshold)
	}
	return nil
}

// String returns a human-readable representation of the config. The API key is never printed.
func (c Config) String() string {
	provider := c.Provider
	if provider == "" {
		provider = "extractive"
	}
	return fmt.Sprintf("SummarizerConfig{Provider: %s, Model: %s, Timeout: %v, MaxRetries: %d, Rate: %.1f/s, CacheTTL: %v}",
		provider, c.Model, c.Timeout, c.MaxRetries, c.RatePerSecond, c.CacheTTL)
}
