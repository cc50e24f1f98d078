package summarize

import (
	"fmt"
	"log/slog"
	"strings"
)

// NewFromConfig creates the summarizer named by cfg.Provider. An empty
// provider (or "none") selects the built-in extractive summarizer, so
// consolidation keeps working without network access.
func NewFromConfig(cfg Config, logger *slog.Logger) (Summarizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch strings.ToLower(cfg.Provider) {
	case "", "none", "extractive":
		return NewExtractive(), nil

	case "anthropic", "claude":
		b, err := newAnthropicBackend(cfg)
		if err != nil {
			return nil, err
		}
		return newService(b, cfg, logger), nil

	case "openai":
		b, err := newOpenAIBackend(cfg)
		if err != nil {
			return nil, err
		}
		return newService(b, cfg, logger), nil
	}
	return nil, fmt.Errorf("unknown summarizer provider: %s (supported: anthropic, openai)", cfg.Provider)
}
