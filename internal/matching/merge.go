package matching

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/steveyegge/recon/internal/lexicon"
	"github.com/steveyegge/recon/internal/types"
)

// MatchKind describes how an incoming fact relates to the existing fact base
type MatchKind string

const (
	// MatchNone means no existing fact structurally matches; the fact is new
	MatchNone MatchKind = "none"
	// MatchDuplicate means an existing fact has the identical content checksum
	MatchDuplicate MatchKind = "duplicate"
	// MatchExact means exactly one existing fact has the same normalized name
	MatchExact MatchKind = "exact"
	// MatchFuzzy means exactly one existing fact has a near-identical name
	MatchFuzzy MatchKind = "fuzzy"
)

// MatchResult is the outcome of a merge-candidate lookup
type MatchResult struct {
	Kind     MatchKind
	Existing *types.Fact
}

// MatchExisting finds the existing fact an incoming fact would merge into.
//
// Only active facts of the same deal, domain and entity are considered.
// Lookup order: identical checksum, then exact normalized name within the
// same category, then a bounded fuzzy name match. Name matches act only when
// exactly one candidate qualifies; several candidates yield an
// *types.AmbiguousMatchError and the caller treats the fact as new.
func (m *Matcher) MatchExisting(incoming types.Fact, existing []types.Fact) (MatchResult, error) {
	scope := make([]types.Fact, 0, len(existing))
	for _, f := range existing {
		if !f.Active || f.ID == incoming.ID {
			continue
		}
		if f.DealID != incoming.DealID || f.Domain != incoming.Domain || f.Entity != incoming.Entity {
			continue
		}
		scope = append(scope, f)
	}
	sort.Slice(scope, func(i, j int) bool { return scope[i].ID < scope[j].ID })

	checksum := incoming.Checksum
	if checksum == "" {
		checksum = incoming.ComputeChecksum()
	}
	for i := range scope {
		sum := scope[i].Checksum
		if sum == "" {
			sum = scope[i].ComputeChecksum()
		}
		if sum == checksum {
			return MatchResult{Kind: MatchDuplicate, Existing: &scope[i]}, nil
		}
	}

	category := lexicon.Normalize(incoming.Category)
	name := incoming.NormalizedItem()

	var exact []int
	for i := range scope {
		if lexicon.Normalize(scope[i].Category) == category && scope[i].NormalizedItem() == name {
			exact = append(exact, i)
		}
	}
	switch len(exact) {
	case 0:
	case 1:
		return MatchResult{Kind: MatchExact, Existing: &scope[exact[0]]}, nil
	default:
		return MatchResult{Kind: MatchNone}, m.ambiguous(incoming, name, scope, exact)
	}

	var fuzzy []int
	for i := range scope {
		if lexicon.Normalize(scope[i].Category) != category {
			continue
		}
		if m.similarNames(name, scope[i].NormalizedItem()) {
			fuzzy = append(fuzzy, i)
		}
	}
	switch len(fuzzy) {
	case 0:
		return MatchResult{Kind: MatchNone}, nil
	case 1:
		return MatchResult{Kind: MatchFuzzy, Existing: &scope[fuzzy[0]]}, nil
	default:
		return MatchResult{Kind: MatchNone}, m.ambiguous(incoming, name, scope, fuzzy)
	}
}

func (m *Matcher) ambiguous(incoming types.Fact, name string, scope []types.Fact, idx []int) error {
	ids := make([]string, 0, len(idx))
	for _, i := range idx {
		ids = append(ids, scope[i].ID)
	}
	m.logger.Debug("ambiguous merge candidates",
		slog.String("fact", incoming.ID),
		slog.String("name", name),
		slog.Any("candidates", ids))
	return &types.AmbiguousMatchError{CandidateID: incoming.ID, MatchedIDs: ids, NormalizedAs: name}
}

// similarNames reports whether two distinct normalized names are near-identical:
// one's token set contains the other's, or they are within the edit bound.
func (m *Matcher) similarNames(a, b string) bool {
	if a == "" || b == "" || a == b {
		return false
	}
	if tokenContainment(strings.Fields(a), strings.Fields(b)) {
		return true
	}
	if len([]rune(a)) < m.config.MinFuzzyNameLength || len([]rune(b)) < m.config.MinFuzzyNameLength {
		return false
	}
	return Distance(a, b) <= m.config.MaxEditDistance
}

func tokenContainment(a, b []string) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	if len(a) == 0 {
		return false
	}
	in := make(map[string]bool, len(b))
	for _, t := range b {
		in[t] = true
	}
	for _, t := range a {
		if !in[t] {
			return false
		}
	}
	return true
}

// Distance calculates the Levenshtein distance between two strings, by rune
func Distance(s1, s2 string) int {
	a, b := []rune(s1), []rune(s2)
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
