package summarize

import (
	"context"
	"sort"
	"strings"

	"github.com/steveyegge/recon/internal/types"
)

// Extractive builds a summary from the children's own wording without any
// external call. It is deterministic and can only restate what the children
// say, so it always satisfies the evidence validator.
type Extractive struct{}

// NewExtractive returns the built-in summarizer
func NewExtractive() *Extractive {
	return &Extractive{}
}

// Summarize uses the most severe child's title (first one wins ties), lists
// the other titles as the description, and unions the children's systems.
func (Extractive) Summarize(_ context.Context, req Request) (*Response, error) {
	if err := req.Validate(); err != nil {
		return nil, &types.ExternalServiceError{Service: "extractive", Op: "summarize", Err: err}
	}

	lead := 0
	severities := make([]types.Severity, 0, len(req.Children))
	for i, c := range req.Children {
		severities = append(severities, c.Severity)
		if c.Severity.Rank() > req.Children[lead].Severity.Rank() {
			lead = i
		}
	}

	var others []string
	seen := make(map[string]bool)
	var systems []string
	for i, c := range req.Children {
		if i != lead {
			others = append(others, strings.TrimRight(strings.TrimSpace(c.Title), "."))
		}
		for _, s := range c.Systems {
			if !seen[s] {
				seen[s] = true
				systems = append(systems, s)
			}
		}
	}
	sort.Strings(systems)

	description := strings.TrimSpace(req.Children[lead].Description)
	if len(others) > 0 {
		related := "Related findings: " + strings.Join(others, "; ") + "."
		if description == "" {
			description = related
		} else {
			description += " " + related
		}
	}

	return &Response{
		Title:       req.Children[lead].Title,
		Description: description,
		Severity:    types.MaxSeverity(severities...),
		KeySystems:  systems,
		Model:       "extractive",
	}, nil
}
