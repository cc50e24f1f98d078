package summarize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
		title string
	}{
		{
			name:  "direct",
			input: `{"title": "ERP risk", "severity": "high"}`,
			title: "ERP risk",
		},
		{
			name:  "fenced with language",
			input: "```json\n{\"title\": \"ERP risk\", \"severity\": \"high\"}\n```",
			title: "ERP risk",
		},
		{
			name:  "fenced without newlines",
			input: "```{\"title\": \"ERP risk\"}```",
			title: "ERP risk",
		},
		{
			name:  "trailing commas",
			input: `{"title": "ERP risk", "key_systems": ["SAP", "Oracle",],}`,
			title: "ERP risk",
		},
		{
			name:  "unquoted keys",
			input: `{title: "ERP risk", severity: "high"}`,
			title: "ERP risk",
		},
		{
			name:  "prose around object",
			input: "Here is the consolidated summary:\n{\"title\": \"ERP risk\"}\nLet me know if you need more.",
			title: "ERP risk",
		},
		{
			name: "comment lines",
			input: `{
  // model commentary
  "title": "ERP risk"
}`,
			title: "ERP risk",
		},
		{
			name:  "apostrophes survive",
			input: `{"title": "Seller's ERP risk"}`,
			title: "Seller's ERP risk",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseJSON[Response](tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.title, got.Title)
		})
	}
}

func TestParseJSONFailures(t *testing.T) {
	for _, input := range []string{"", "   ", "no json here", strings.Repeat("x", maxResponseSize+1)} {
		_, err := parseJSON[Response](input)
		assert.Error(t, err)
	}
}

func TestParseJSONKeepsURLsInValues(t *testing.T) {
	got, err := parseJSON[Response](`{"title": "See https://example.com/x", "severity": "low"}`)
	require.NoError(t, err)
	assert.Equal(t, "See https://example.com/x", got.Title)
}
