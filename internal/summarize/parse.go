package summarize

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	// Models wrap JSON in ```json fences with or without newlines
	codeFenceRegex = regexp.MustCompile("(?s)`{3}(?:json|javascript|js)?\\s*\\n?([\\s\\S]*?)\\n?`{3}")

	trailingCommaRegex     = regexp.MustCompile(`,(\s*[}\]])`)
	unquotedKeyRegex       = regexp.MustCompile(`([{,]\s*)([a-zA-Z_$][a-zA-Z0-9_$]*)\s*:`)
	singleLineCommentRegex = regexp.MustCompile(`(?m)^\s*//.*$`)
	multiLineCommentRegex  = regexp.MustCompile(`(?s)/\*.*?\*/`)

	// Greedy, so nested objects survive extraction
	objectRegex = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
)

const maxResponseSize = 1 << 20

// parseJSON decodes a model's JSON answer, tolerating the usual formatting
// quirks. Strategies, in order: direct parse, strip code fences, fix trailing
// commas/unquoted keys/comments, extract the outermost object from prose.
func parseJSON[T any](text string) (T, error) {
	var zero T
	if len(text) > maxResponseSize {
		return zero, fmt.Errorf("response exceeds size limit (%d > %d bytes)", len(text), maxResponseSize)
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return zero, fmt.Errorf("empty response")
	}

	if v, err := decode[T](trimmed); err == nil {
		return v, nil
	}

	unfenced := trimmed
	if m := codeFenceRegex.FindStringSubmatch(trimmed); m != nil {
		unfenced = strings.TrimSpace(m[1])
		if v, err := decode[T](unfenced); err == nil {
			return v, nil
		}
	}

	cleaned := cleanupJSON(unfenced)
	if v, err := decode[T](cleaned); err == nil {
		return v, nil
	}

	if extracted := objectRegex.FindString(cleaned); extracted != "" {
		if v, err := decode[T](extracted); err == nil {
			return v, nil
		}
	}
	return zero, fmt.Errorf("all JSON parsing strategies failed on %q", truncate(trimmed, 120))
}

func decode[T any](text string) (T, error) {
	var v T
	err := json.Unmarshal([]byte(text), &v)
	return v, err
}

// cleanupJSON fixes common model JSON mistakes. Single quotes are left alone:
// converting them would break values containing apostrophes.
func cleanupJSON(text string) string {
	cleaned := trailingCommaRegex.ReplaceAllString(text, "$1")
	cleaned = unquotedKeyRegex.ReplaceAllString(cleaned, `$1"$2":`)
	cleaned = singleLineCommentRegex.ReplaceAllString(cleaned, "")
	cleaned = multiLineCommentRegex.ReplaceAllString(cleaned, "")
	return strings.TrimSpace(cleaned)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
