package tiering

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/recon/internal/matching"
	"github.com/steveyegge/recon/internal/types"
)

func newTestClassifier(t *testing.T) *Classifier {
	t.Helper()
	c, err := NewClassifier(DefaultThresholds())
	require.NoError(t, err)
	return c
}

func TestClassify(t *testing.T) {
	c := newTestClassifier(t)

	tests := []struct {
		name     string
		in       Input
		wantTier types.Tier
		wantRule string
		footnote bool
	}{
		// New facts
		{"new high confidence", Input{Kind: types.ChangeNew, Confidence: 0.95}, types.TierAuto, RuleNewHighConfidence, false},
		{"new at boundary", Input{Kind: types.ChangeNew, Confidence: 0.9}, types.TierAuto, RuleNewHighConfidence, false},
		{"new ambiguous", Input{Kind: types.ChangeNew, Confidence: 0.99, Ambiguous: true}, types.TierBatch, RuleNewReview, false},
		{"new review band", Input{Kind: types.ChangeNew, Confidence: 0.75}, types.TierBatch, RuleNewReview, false},
		{"new review floor", Input{Kind: types.ChangeNew, Confidence: 0.7}, types.TierBatch, RuleNewReview, false},
		{"new low confidence", Input{Kind: types.ChangeNew, Confidence: 0.5}, types.TierManual, RuleNewLowConfidence, false},
		{"new ambiguous low confidence", Input{Kind: types.ChangeNew, Confidence: 0.4, Ambiguous: true}, types.TierManual, RuleNewLowConfidence, false},

		// Conflicts and removals
		{"conflict kind", Input{Kind: types.ChangeConflict, Confidence: 0.99}, types.TierManual, RuleConflict, false},
		{"conflict flag wins over update", Input{Kind: types.ChangeUpdate, Conflict: true, NewAuthority: 3, PriorAuthority: 1, AuthorityComparable: true}, types.TierManual, RuleConflict, false},
		{"removal", Input{Kind: types.ChangeRemoval}, types.TierBatch, RuleRemoval, false},

		// Updates
		{"update unranked authority", Input{Kind: types.ChangeUpdate, Confidence: 0.99, NewAuthority: 3}, types.TierManual, RuleAuthorityUnranked, false},
		{"update higher authority", Input{Kind: types.ChangeUpdate, Confidence: 0.95, NewAuthority: 3, PriorAuthority: 1, AuthorityComparable: true}, types.TierAuto, RuleAuthorityHigher, true},
		{"update higher authority review band", Input{Kind: types.ChangeUpdate, Confidence: 0.8, NewAuthority: 3, PriorAuthority: 1, AuthorityComparable: true}, types.TierBatch, RuleHigherReview, true},
		{"update higher authority low confidence", Input{Kind: types.ChangeUpdate, Confidence: 0.2, NewAuthority: 3, PriorAuthority: 1, AuthorityComparable: true}, types.TierManual, RuleHigherLow, true},
		{"update same authority small delta", Input{Kind: types.ChangeUpdate, Confidence: 0.8, PriorConfidence: 0.75, NewAuthority: 2, PriorAuthority: 2, AuthorityComparable: true}, types.TierBatch, RuleSameAuthoritySmall, false},
		{"update same authority delta at bound", Input{Kind: types.ChangeUpdate, Confidence: 0.8, PriorConfidence: 0.7, NewAuthority: 2, PriorAuthority: 2, AuthorityComparable: true}, types.TierBatch, RuleSameAuthoritySmall, false},
		{"update same authority small delta low confidence", Input{Kind: types.ChangeUpdate, Confidence: 0.3, PriorConfidence: 0.35, NewAuthority: 2, PriorAuthority: 2, AuthorityComparable: true}, types.TierManual, RuleFallback, false},
		{"update lower authority", Input{Kind: types.ChangeUpdate, Confidence: 0.99, NewAuthority: 1, PriorAuthority: 3, AuthorityComparable: true}, types.TierManual, RuleAuthorityLower, false},
		{"update same authority large delta", Input{Kind: types.ChangeUpdate, Confidence: 0.95, PriorConfidence: 0.5, NewAuthority: 2, PriorAuthority: 2, AuthorityComparable: true}, types.TierBatch, RuleSameAuthorityReview, false},
		{"update same authority large delta low confidence", Input{Kind: types.ChangeUpdate, Confidence: 0.3, PriorConfidence: 0.9, NewAuthority: 2, PriorAuthority: 2, AuthorityComparable: true}, types.TierManual, RuleFallback, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := c.Classify(tt.in)
			assert.Equal(t, tt.wantTier, d.Tier)
			assert.Equal(t, tt.wantRule, d.Rule)
			assert.Equal(t, tt.footnote, d.RetainFootnote)
			assert.Equal(t, tt.in.Kind, d.Kind)
		})
	}
}

// TestClassifyDeterministic verifies the same input always yields the same tier
func TestClassifyDeterministic(t *testing.T) {
	c := newTestClassifier(t)
	for _, conf := range []float64{0.0, 0.3, 0.69, 0.7, 0.85, 0.9, 1.0} {
		for _, delta := range []int{-2, 0, 2} {
			for _, conflict := range []bool{false, true} {
				in := Input{
					Kind: types.ChangeUpdate, Confidence: conf, PriorConfidence: 0.8,
					NewAuthority: 2 + delta, PriorAuthority: 2, AuthorityComparable: true,
					Conflict: conflict,
				}
				first := c.Classify(in)
				for i := 0; i < 5; i++ {
					require.Equal(t, first, c.Classify(in))
				}
			}
		}
	}
}

func TestThresholdsValidate(t *testing.T) {
	assert.NoError(t, DefaultThresholds().Validate())

	th := DefaultThresholds()
	th.ReviewFloor = 0.95
	assert.Error(t, th.Validate(), "floor above auto-apply")

	th = DefaultThresholds()
	th.AutoApplyConfidence = 1.5
	assert.Error(t, th.Validate())

	_, err := NewClassifier(th)
	assert.Error(t, err)
}

func TestCustomThresholds(t *testing.T) {
	c, err := NewClassifier(Thresholds{AutoApplyConfidence: 0.8, ReviewFloor: 0.5, SmallConfidenceDelta: 0.2})
	require.NoError(t, err)
	assert.Equal(t, types.TierAuto, c.Classify(Input{Kind: types.ChangeNew, Confidence: 0.85}).Tier)
	assert.Equal(t, types.TierBatch, c.Classify(Input{Kind: types.ChangeNew, Confidence: 0.55}).Tier)
}

func interviewAndManifest() (incoming, prior types.Fact) {
	prior = types.Fact{
		ID: "f-manifest", DealID: "deal-1", Domain: types.DomainInfrastructure, Entity: types.EntityTarget,
		Category: "Hosting", Item: "Primary data center", Details: map[string]any{"location": "Dallas"},
		Confidence: 0.7, SourceDocID: "manifest.xlsx", AuthorityLevel: 1, Version: 1, Active: true,
	}
	incoming = types.Fact{
		ID: "f-interview", DealID: "deal-1", Domain: types.DomainInfrastructure, Entity: types.EntityTarget,
		Category: "Hosting", Item: "primary data center", Details: map[string]any{"location": "Austin"},
		Confidence: 0.95, SourceDocID: "cio-interview.pdf", AuthorityLevel: 3,
	}
	return incoming, prior
}

// TestClassifyFactHigherAuthority covers the audited-interview versus
// manifest case: the higher authority value auto-applies and the manifest
// value is retained as a footnote
func TestClassifyFactHigherAuthority(t *testing.T) {
	c := newTestClassifier(t)
	incoming, prior := interviewAndManifest()

	d, ok := c.ClassifyFact(incoming, matching.MatchResult{Kind: matching.MatchExact, Existing: &prior}, false)
	require.True(t, ok)
	assert.Equal(t, types.ChangeUpdate, d.Kind)
	assert.Equal(t, types.TierAuto, d.Tier)
	assert.True(t, d.RetainFootnote)
	assert.Equal(t, RuleAuthorityHigher, d.Rule)

	// A less certain reading of the interview still outranks the manifest but
	// goes to review instead of applying
	incoming.Confidence = 0.75
	d, ok = c.ClassifyFact(incoming, matching.MatchResult{Kind: matching.MatchExact, Existing: &prior}, false)
	require.True(t, ok)
	assert.Equal(t, types.TierBatch, d.Tier)
	assert.True(t, d.RetainFootnote)
	assert.Equal(t, RuleHigherReview, d.Rule)
}

func TestClassifyFactSameAuthorityConflict(t *testing.T) {
	c := newTestClassifier(t)
	incoming, prior := interviewAndManifest()
	incoming.AuthorityLevel = 1

	d, ok := c.ClassifyFact(incoming, matching.MatchResult{Kind: matching.MatchExact, Existing: &prior}, false)
	require.True(t, ok)
	assert.Equal(t, types.ChangeConflict, d.Kind)
	assert.Equal(t, types.TierManual, d.Tier)

	// Adding detail at the same authority is a refinement, not a contradiction
	incoming.Details = map[string]any{"location": "Dallas", "tier": "III"}
	d, _ = c.ClassifyFact(incoming, matching.MatchResult{Kind: matching.MatchFuzzy, Existing: &prior}, false)
	assert.Equal(t, types.ChangeUpdate, d.Kind)
	assert.Equal(t, types.TierBatch, d.Tier)
	assert.Equal(t, RuleSameAuthorityReview, d.Rule)
}

func TestClassifyFactNewAndDuplicate(t *testing.T) {
	c := newTestClassifier(t)
	incoming, prior := interviewAndManifest()

	_, ok := c.ClassifyFact(incoming, matching.MatchResult{Kind: matching.MatchDuplicate, Existing: &prior}, false)
	assert.False(t, ok, "duplicates produce no change")

	incoming.Confidence = 0.95
	d, ok := c.ClassifyFact(incoming, matching.MatchResult{Kind: matching.MatchNone}, false)
	require.True(t, ok)
	assert.Equal(t, types.ChangeNew, d.Kind)
	assert.Equal(t, types.TierAuto, d.Tier)

	d, _ = c.ClassifyFact(incoming, matching.MatchResult{Kind: matching.MatchNone}, true)
	assert.Equal(t, types.TierBatch, d.Tier, "ambiguous matches never auto-apply")
}

func TestContradicts(t *testing.T) {
	a := types.Fact{Details: map[string]any{"users": 250, "hosting": "On-Prem"}}
	b := types.Fact{Details: map[string]any{"hosting": "on-prem", "users": 250}}
	assert.False(t, Contradicts(a, b), "normalized equal values")

	b.Details["users"] = 300
	assert.True(t, Contradicts(a, b))

	b.Details["region"] = "emea"
	assert.False(t, Contradicts(a, b), "different specificity")

	assert.False(t, Contradicts(types.Fact{}, types.Fact{}))
}
