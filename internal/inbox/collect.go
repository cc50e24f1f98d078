// Package inbox finds batch files and watches a drop directory for new ones.
package inbox

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Config holds watcher settings
type Config struct {
	// Pattern selects batch files inside the watched directory
	// Default: "*.json"
	Pattern string

	// Debounce is how long a file must go without writes before it is
	// handed off; extraction jobs often write a batch in several chunks
	// Default: 500ms, Range: 10ms-1m
	Debounce time.Duration
}

// DefaultConfig returns the default watcher configuration
func DefaultConfig() Config {
	return Config{
		Pattern:  "*.json",
		Debounce: 500 * time.Millisecond,
	}
}

// Validate checks if the configuration has valid values
func (c Config) Validate() error {
	if c.Pattern == "" || !doublestar.ValidatePattern(c.Pattern) {
		return fmt.Errorf("pattern is not a valid glob (got %q)", c.Pattern)
	}
	if c.Debounce < 10*time.Millisecond || c.Debounce > time.Minute {
		return fmt.Errorf("debounce must be between 10ms and 1m (got %v)", c.Debounce)
	}
	return nil
}

// String returns a human-readable representation of the config
func (c Config) String() string {
	return fmt.Sprintf("InboxConfig{Pattern: %s, Debounce: %v}", c.Pattern, c.Debounce)
}

// Collect expands each pattern into the files it names and returns them
// sorted and without duplicates. Patterns support ** for recursive matches.
// A pattern without glob characters must name an existing file.
func Collect(patterns []string) ([]string, error) {
	seen := make(map[string]bool)
	var files []string
	add := func(path string) error {
		abs, err := filepath.Abs(path)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", path, err)
		}
		if !seen[abs] {
			seen[abs] = true
			files = append(files, abs)
		}
		return nil
	}

	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		if !containsGlob(pattern) {
			info, err := os.Stat(pattern)
			if err != nil {
				return nil, fmt.Errorf("failed to stat %s: %w", pattern, err)
			}
			if info.IsDir() {
				return nil, fmt.Errorf("%s is a directory; use a pattern such as %s",
					pattern, filepath.Join(pattern, "*.json"))
			}
			if err := add(pattern); err != nil {
				return nil, err
			}
			continue
		}

		matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		for _, m := range matches {
			if err := add(m); err != nil {
				return nil, err
			}
		}
	}

	sort.Strings(files)
	return files, nil
}

func containsGlob(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}
