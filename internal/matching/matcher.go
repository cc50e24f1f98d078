// Package matching finds "should link" pairs among homogeneous records and
// merge candidates for incoming facts.
//
// Every rule is a cheap structural comparison over normalized text. There is
// no semantic or embedding step: a pair links only when a rule can name the
// shared evidence, system or keywords that justify it.
package matching

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/steveyegge/recon/internal/lexicon"
	"github.com/steveyegge/recon/internal/types"
)

// Rule names recorded on each pair
const (
	RuleSharedEvidence   = "shared_evidence"
	RuleSharedSystems    = "shared_systems"
	RuleCategoryKeywords = "category_keywords"
	RuleNormalizedName   = "normalized_name"
)

// Record is the homogeneous view of a Fact or a Risk used for pairing
type Record struct {
	ID           string
	Category     string // normalized
	Name         string // normalized title or item label
	FactIDs      []string
	SourceDocIDs []string
	Systems      []string
	Keywords     []string
}

// FromFact builds a record from a fact
func FromFact(lex *lexicon.Lexicon, f types.Fact) Record {
	text := f.Text()
	return Record{
		ID:           f.ID,
		Category:     lexicon.Normalize(f.Category),
		Name:         f.NormalizedItem(),
		FactIDs:      []string{f.ID},
		SourceDocIDs: nonEmpty([]string{f.SourceDocID}),
		Systems:      lex.Systems(text),
		Keywords:     lex.Keywords(f.Item + " " + f.Evidence),
	}
}

// FromFinding builds a record from a finding. Structured key systems are
// canonicalized so "sap ecc" in key_systems matches "SAP" in prose.
func FromFinding(lex *lexicon.Lexicon, f types.Finding) Record {
	systems := lex.Systems(f.Text())
	for _, ks := range f.KeySystems {
		systems = append(systems, lex.CanonicalSystem(ks))
	}
	return Record{
		ID:           f.ID,
		Category:     lexicon.Normalize(f.Category),
		Name:         lexicon.Normalize(f.Title),
		FactIDs:      lexicon.Union(f.EvidenceFacts),
		SourceDocIDs: lexicon.Union(nonEmpty(f.SourceDocIDs)),
		Systems:      lexicon.Union(systems),
		Keywords:     lex.Keywords(f.Title + " " + f.Description),
	}
}

func nonEmpty(values []string) []string {
	out := values[:0:0]
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}

// Pair is an unordered "should link" relation, A < B by id
type Pair struct {
	A     string
	B     string
	Rules []string
}

// Matcher evaluates the linking rules. It holds no per-pass state and is safe
// for concurrent use.
type Matcher struct {
	config Config
	lex    *lexicon.Lexicon
	logger *slog.Logger
}

// New creates a matcher. A nil lexicon selects the embedded default; a nil
// logger selects slog.Default().
func New(config Config, lex *lexicon.Lexicon, logger *slog.Logger) (*Matcher, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if lex == nil {
		lex = lexicon.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{config: config, lex: lex, logger: logger}, nil
}

// Lexicon returns the lexicon records should be built with
func (m *Matcher) Lexicon() *lexicon.Lexicon {
	return m.lex
}

// Pairs returns every linked pair among records, ordered by (A, B).
// Rules are evaluated independently and OR-combined; each pair carries the
// names of all rules that fired.
func (m *Matcher) Pairs(records []Record) []Pair {
	sorted := make([]Record, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var pairs []Pair
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			a, b := sorted[i], sorted[j]
			if a.ID == b.ID {
				continue
			}
			if rules := m.linkRules(a, b); len(rules) > 0 {
				pairs = append(pairs, Pair{A: a.ID, B: b.ID, Rules: rules})
			}
		}
	}
	return pairs
}

func (m *Matcher) linkRules(a, b Record) []string {
	var rules []string
	if len(lexicon.Overlap(a.FactIDs, b.FactIDs)) > 0 ||
		len(lexicon.Overlap(a.SourceDocIDs, b.SourceDocIDs)) > 0 {
		rules = append(rules, RuleSharedEvidence)
	}
	if len(lexicon.Overlap(a.Systems, b.Systems)) > 0 {
		rules = append(rules, RuleSharedSystems)
	}
	if a.Category != "" && a.Category == b.Category &&
		len(lexicon.Overlap(a.Keywords, b.Keywords)) >= m.config.MinKeywordOverlap {
		rules = append(rules, RuleCategoryKeywords)
	}
	if a.Name != "" && a.Name == b.Name {
		rules = append(rules, RuleNormalizedName)
	}
	return rules
}
