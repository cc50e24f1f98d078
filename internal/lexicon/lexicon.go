// Package lexicon provides the lightweight text normalization shared by the
// candidate matcher and the evidence validator: case folding, punctuation
// stripping, significant-keyword extraction and named-system recognition.
//
// Both sides of every comparison go through the same functions, so a system
// recognized in a child finding is recognized identically in a summary.
package lexicon

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"unicode"

	"gopkg.in/yaml.v3"
)

//go:embed default_lexicon.yaml
var defaultLexiconYAML []byte

// maxAliasTokens bounds the n-gram length used for alias lookup
const maxAliasTokens = 4

// SystemEntry is a named system or vendor and the aliases it is known by
type SystemEntry struct {
	Name    string   `yaml:"name"`
	Aliases []string `yaml:"aliases"`
}

// File is the on-disk YAML representation of a lexicon
type File struct {
	Systems      []SystemEntry `yaml:"systems"`
	Stopwords    []string      `yaml:"stopwords"`
	GenericTerms []string      `yaml:"generic_terms"`

	// Categories lists the recognized fact/finding categories per domain
	Categories map[string][]string `yaml:"categories"`
}

// Lexicon is an immutable, compiled lexicon. It is safe for concurrent use.
type Lexicon struct {
	aliases    map[string]string // normalized alias → canonical name
	stopwords  map[string]bool
	generic    map[string]bool
	categories map[string]map[string]bool // domain → normalized category
}

var (
	defaultOnce sync.Once
	defaultLex  *Lexicon
	defaultErr  error
)

// Default returns the lexicon compiled from the embedded default file
func Default() *Lexicon {
	defaultOnce.Do(func() {
		var f File
		if err := yaml.Unmarshal(defaultLexiconYAML, &f); err != nil {
			defaultErr = fmt.Errorf("failed to parse embedded lexicon: %w", err)
			return
		}
		defaultLex, defaultErr = Compile(f)
	})
	if defaultErr != nil {
		// The embedded file is part of the build; a parse failure is a programming error.
		panic(defaultErr)
	}
	return defaultLex
}

// Load reads a lexicon file and merges it over the embedded default.
// An empty path returns the default lexicon.
func Load(path string) (*Lexicon, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read lexicon %s: %w", path, err)
	}
	var override File
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("failed to parse lexicon %s: %w", path, err)
	}

	var base File
	if err := yaml.Unmarshal(defaultLexiconYAML, &base); err != nil {
		return nil, fmt.Errorf("failed to parse embedded lexicon: %w", err)
	}
	base.Systems = append(base.Systems, override.Systems...)
	base.Stopwords = append(base.Stopwords, override.Stopwords...)
	base.GenericTerms = append(base.GenericTerms, override.GenericTerms...)
	for domain, cats := range override.Categories {
		if base.Categories == nil {
			base.Categories = make(map[string][]string)
		}
		base.Categories[domain] = append(base.Categories[domain], cats...)
	}
	return Compile(base)
}

// Compile builds a Lexicon from its file representation
func Compile(f File) (*Lexicon, error) {
	lex := &Lexicon{
		aliases:    make(map[string]string),
		stopwords:  make(map[string]bool),
		generic:    make(map[string]bool),
		categories: make(map[string]map[string]bool),
	}
	for _, sys := range f.Systems {
		name := strings.TrimSpace(sys.Name)
		if name == "" {
			return nil, fmt.Errorf("system entry with empty name")
		}
		for _, alias := range append([]string{name}, sys.Aliases...) {
			norm := Normalize(alias)
			if norm == "" {
				continue
			}
			if n := len(strings.Fields(norm)); n > maxAliasTokens {
				return nil, fmt.Errorf("alias %q for %s has %d tokens (max %d)", alias, name, n, maxAliasTokens)
			}
			// Later entries (overrides) win
			lex.aliases[norm] = name
		}
	}
	for _, w := range f.Stopwords {
		if norm := Normalize(w); norm != "" {
			lex.stopwords[norm] = true
		}
	}
	for _, w := range f.GenericTerms {
		if norm := Normalize(w); norm != "" {
			lex.generic[norm] = true
		}
	}
	for domain, cats := range f.Categories {
		set := make(map[string]bool, len(cats))
		for _, c := range cats {
			if norm := Normalize(c); norm != "" {
				set[norm] = true
			}
		}
		lex.categories[Normalize(domain)] = set
	}
	return lex, nil
}

// KnownCategory reports whether category is recognized for the domain.
// Domains without a category list accept every category.
func (l *Lexicon) KnownCategory(domain, category string) bool {
	set, ok := l.categories[Normalize(domain)]
	if !ok {
		return true
	}
	return set[Normalize(category)]
}

// Normalize case-folds s, replaces punctuation with spaces and collapses whitespace
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

// Tokens returns the normalized tokens of s
func Tokens(s string) []string {
	return strings.Fields(Normalize(s))
}

// Keywords returns the sorted set of significant keywords in text.
// A keyword is a normalized token of at least three characters that is not a
// stopword. Upper-case acronyms ("IT", "HR") are always kept.
func (l *Lexicon) Keywords(text string) []string {
	set := make(map[string]bool)
	for _, raw := range strings.Fields(text) {
		acronym := isAcronym(raw)
		for _, tok := range Tokens(raw) {
			if acronym {
				set[tok] = true
				continue
			}
			if l.stopwords[tok] || len(tok) < 3 {
				continue
			}
			set[Stem(tok)] = true
		}
	}
	return sortedKeys(set)
}

// Systems returns the sorted canonical names of the named systems mentioned in text.
// Longest alias wins, so "Oracle NetSuite" yields NetSuite rather than Oracle.
func (l *Lexicon) Systems(text string) []string {
	tokens := Tokens(text)
	set := make(map[string]bool)
	for i := 0; i < len(tokens); {
		matched := 0
		for n := maxAliasTokens; n >= 1; n-- {
			if i+n > len(tokens) {
				continue
			}
			if name, ok := l.aliases[strings.Join(tokens[i:i+n], " ")]; ok {
				set[name] = true
				matched = n
				break
			}
		}
		if matched == 0 {
			matched = 1
		}
		i += matched
	}
	return sortedKeys(set)
}

// CanonicalSystem maps a free-form system name to its canonical lexicon name.
// Unknown names are returned trimmed, so structured key_systems fields that
// mention systems outside the lexicon still take part in subset checks.
func (l *Lexicon) CanonicalSystem(name string) string {
	norm := Normalize(name)
	if canonical, ok := l.aliases[norm]; ok {
		return canonical
	}
	if found := l.Systems(name); len(found) == 1 {
		return found[0]
	}
	return strings.TrimSpace(name)
}

// ProperTerms returns the normalized capitalized tokens of text that are
// neither stopwords nor generic terms. Sentence-initial words and headline
// words are included: a vendor opening a sentence or a title is still a
// vendor, so callers compare the result against a corpus instead of trusting
// capitalization.
func (l *Lexicon) ProperTerms(text string) []string {
	set := make(map[string]bool)
	for _, sentence := range splitSentences(text) {
		for _, raw := range strings.Fields(sentence) {
			trimmed := strings.TrimFunc(raw, func(r rune) bool {
				return !unicode.IsLetter(r) && !unicode.IsDigit(r)
			})
			if trimmed == "" || !unicode.IsUpper([]rune(trimmed)[0]) {
				continue
			}
			for _, tok := range Tokens(trimmed) {
				if l.stopwords[tok] || l.generic[tok] || l.generic[Stem(tok)] || len(tok) < 2 {
					continue
				}
				set[tok] = true
			}
		}
	}
	return sortedKeys(set)
}

// splitSentences splits text on sentence-ending punctuation and newlines
func splitSentences(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n' || r == ';' || r == ':'
	})
}

// isAcronym reports whether s is written entirely in upper-case letters/digits
func isAcronym(s string) bool {
	letters := 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			if !unicode.IsUpper(r) {
				return false
			}
			letters++
		}
	}
	return letters >= 2
}

// Stem strips a trailing plural "s" so "systems" and "system" overlap
func Stem(tok string) string {
	if len(tok) > 4 && strings.HasSuffix(tok, "s") && !strings.HasSuffix(tok, "ss") {
		return tok[:len(tok)-1]
	}
	return tok
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Overlap returns the sorted intersection of two string sets
func Overlap(a, b []string) []string {
	in := make(map[string]bool, len(a))
	for _, s := range a {
		in[s] = true
	}
	set := make(map[string]bool)
	for _, s := range b {
		if in[s] {
			set[s] = true
		}
	}
	return sortedKeys(set)
}

// Difference returns the sorted members of a that are not in b
func Difference(a, b []string) []string {
	in := make(map[string]bool, len(b))
	for _, s := range b {
		in[s] = true
	}
	set := make(map[string]bool)
	for _, s := range a {
		if !in[s] {
			set[s] = true
		}
	}
	return sortedKeys(set)
}

// Union returns the sorted, de-duplicated union of the given sets
func Union(sets ...[]string) []string {
	set := make(map[string]bool)
	for _, s := range sets {
		for _, v := range s {
			set[v] = true
		}
	}
	return sortedKeys(set)
}
