package matching

import "fmt"

// Config holds configuration for the candidate matcher
type Config struct {
	// MinKeywordOverlap is the number of significant keywords two records of
	// the same category must share before the category rule links them
	// Default: 2
	MinKeywordOverlap int

	// MaxEditDistance bounds the fuzzy item-name comparison for merge candidates
	// Names further apart than this are never fuzzy matched
	// Default: 2
	MaxEditDistance int

	// MinFuzzyNameLength is the shortest normalized item name eligible for
	// edit-distance matching. Short labels ("AD", "ERP") differ by one edit
	// from too many unrelated labels.
	// Default: 6
	MinFuzzyNameLength int
}

// DefaultConfig returns the default matcher configuration
func DefaultConfig() Config {
	return Config{
		MinKeywordOverlap:  2,
		MaxEditDistance:    2,
		MinFuzzyNameLength: 6,
	}
}

// Validate checks if the configuration has valid values
func (c Config) Validate() error {
	if c.MinKeywordOverlap < 1 {
		return fmt.Errorf("min_keyword_overlap must be positive (got %d)", c.MinKeywordOverlap)
	}
	if c.MinKeywordOverlap > 10 {
		return fmt.Errorf("min_keyword_overlap too large (got %d, max 10)", c.MinKeywordOverlap)
	}
	if c.MaxEditDistance < 0 {
		return fmt.Errorf("max_edit_distance cannot be negative (got %d)", c.MaxEditDistance)
	}
	if c.MaxEditDistance > 5 {
		return fmt.Errorf("max_edit_distance too large (got %d, max 5)", c.MaxEditDistance)
	}
	if c.MinFuzzyNameLength < 1 {
		return fmt.Errorf("min_fuzzy_name_length must be positive (got %d)", c.MinFuzzyNameLength)
	}
	return nil
}

// String returns a human-readable representation of the config
func (c Config) String() string {
	return fmt.Sprintf("Config{MinKeywordOverlap: %d, MaxEditDistance: %d, MinFuzzyNameLength: %d}",
		c.MinKeywordOverlap, c.MaxEditDistance, c.MinFuzzyNameLength)
}
