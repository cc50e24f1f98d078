package reconcile

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/steveyegge/recon/internal/types"
)

// Stats collects the counters of one pass. A fresh Stats is created for every
// pass and returned with its result; nothing is shared between passes.
type Stats struct {
	DealID string `json:"deal_id"`

	FactsIn      int `json:"facts_in"`
	FindingsIn   int `json:"findings_in"`
	InvalidFacts int `json:"invalid_facts"`
	Duplicates   int `json:"duplicates"`

	// ChangesByTier counts detected fact changes, tier 1 included
	ChangesByTier map[types.Tier]int       `json:"changes_by_tier"`
	ChangesByKind map[types.ChangeKind]int `json:"changes_by_kind"`
	// Requeued counts changes already open from an earlier pass and not queued again
	Requeued  int `json:"requeued"`
	Ambiguous int `json:"ambiguous_matches"`
	Conflicts int `json:"conflicts"`

	// UnrecognizedCategories counts records per category the lexicon doesn't know
	UnrecognizedCategories map[string]int `json:"unrecognized_categories,omitempty"`

	Demotions        map[string]int `json:"demotions,omitempty"` // by rule
	RejectedFindings int            `json:"rejected_findings"`

	Clusters          int `json:"clusters"`
	Consolidated      int `json:"consolidated"`
	Fallbacks         int `json:"fallbacks"`
	Retired           int `json:"retired_risks"`
	CrossScopeDropped int `json:"cross_scope_edges_dropped"`
	CacheHits         int `json:"summary_cache_hits"`

	// ConflictRetries is 1 when the commit was retried after a concurrent write
	ConflictRetries int `json:"conflict_retries"`

	Duration time.Duration `json:"duration"`
}

// NewStats creates an empty collector for one deal
func NewStats(dealID string) *Stats {
	return &Stats{
		DealID:                 dealID,
		ChangesByTier:          make(map[types.Tier]int),
		ChangesByKind:          make(map[types.ChangeKind]int),
		UnrecognizedCategories: make(map[string]int),
		Demotions:              make(map[string]int),
	}
}

func (s *Stats) recordChange(kind types.ChangeKind, tier types.Tier) {
	s.ChangesByTier[tier]++
	s.ChangesByKind[kind]++
}

func (s *Stats) recordCategory(known bool, domain types.Domain, category string) {
	if known || category == "" {
		return
	}
	s.UnrecognizedCategories[string(domain)+"/"+category]++
}

// TotalDemotions sums demotions over all rules
func (s *Stats) TotalDemotions() int {
	total := 0
	for _, n := range s.Demotions {
		total += n
	}
	return total
}

// String returns a one-line summary
func (s *Stats) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "deal %s: %d facts, %d findings in; tier1=%d tier2=%d tier3=%d; dup=%d ambiguous=%d conflicts=%d; ",
		s.DealID, s.FactsIn, s.FindingsIn,
		s.ChangesByTier[types.TierAuto], s.ChangesByTier[types.TierBatch], s.ChangesByTier[types.TierManual],
		s.Duplicates, s.Ambiguous, s.Conflicts)
	fmt.Fprintf(&b, "demoted=%d rejected=%d; clusters=%d consolidated=%d fallbacks=%d retired=%d",
		s.TotalDemotions(), s.RejectedFindings, s.Clusters, s.Consolidated, s.Fallbacks, s.Retired)
	if len(s.UnrecognizedCategories) > 0 {
		cats := make([]string, 0, len(s.UnrecognizedCategories))
		for c := range s.UnrecognizedCategories {
			cats = append(cats, c)
		}
		sort.Strings(cats)
		fmt.Fprintf(&b, "; unrecognized categories: %s", strings.Join(cats, ", "))
	}
	return b.String()
}
