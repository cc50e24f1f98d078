// Package tiering classifies a detected change to the fact base and routes it
// to a review tier.
//
// Routing is an explicit, ordered table of named rules evaluated top to
// bottom; the first rule whose predicate holds decides the tier. The
// classifier is a pure function of its input and thresholds.
//
// Tier routing (first match wins):
//
//	conflict                                      → tier 3
//	removal                                       → tier 2
//	new, confidence ≥ auto-apply, unambiguous     → tier 1
//	new, confidence ≥ review floor                → tier 2
//	new                                           → tier 3
//	update, authorities not comparable            → tier 3
//	update, higher authority, confidence ≥ auto   → tier 1 (prior kept as footnote)
//	update, higher authority, confidence ≥ floor  → tier 2 (prior kept as footnote)
//	update, higher authority                      → tier 3 (prior kept as footnote)
//	update, same authority, small delta, ≥ floor  → tier 2
//	update, lower authority                       → tier 3
//	update, same authority, confidence ≥ floor    → tier 2
//	otherwise                                     → tier 3
package tiering

import (
	"fmt"
	"math"

	"github.com/steveyegge/recon/internal/types"
)

// Rule names recorded on pending changes and audit events
const (
	RuleConflict            = "conflict_manual"
	RuleRemoval             = "removal_batch"
	RuleNewHighConfidence   = "new_high_confidence"
	RuleNewReview           = "new_review_band"
	RuleNewLowConfidence    = "new_low_confidence"
	RuleAuthorityUnranked   = "update_authority_unranked"
	RuleAuthorityHigher     = "update_higher_authority"
	RuleHigherReview        = "update_higher_authority_review_band"
	RuleHigherLow           = "update_higher_authority_low_confidence"
	RuleSameAuthoritySmall  = "update_same_authority_small_delta"
	RuleAuthorityLower      = "update_lower_authority"
	RuleSameAuthorityReview = "update_same_authority_review_band"
	RuleFallback            = "fallback_manual"
)

// Input is the classification triple plus the context the rules need
type Input struct {
	Kind types.ChangeKind

	Confidence      float64
	PriorConfidence float64

	NewAuthority   int
	PriorAuthority int

	// AuthorityComparable is false when either source has no ranked authority
	AuthorityComparable bool

	// Conflict marks contradictory values from sources of equal authority
	Conflict bool

	// Ambiguous marks a new fact whose merge lookup found several candidates
	Ambiguous bool
}

// ConfidenceDelta returns the absolute confidence difference against the prior value
func (in Input) ConfidenceDelta() float64 {
	return math.Abs(in.Confidence - in.PriorConfidence)
}

// Decision is the outcome of classification
type Decision struct {
	Kind types.ChangeKind
	Tier types.Tier
	Rule string

	// RetainFootnote means the superseded lower-authority value must be kept
	// as a footnote on the new version
	RetainFootnote bool
}

// Rule is one row of the routing table
type Rule struct {
	Name     string
	Tier     types.Tier
	Footnote bool
	Applies  func(in Input, th Thresholds) bool
}

// Thresholds are the deterministic tier boundaries
type Thresholds struct {
	// AutoApplyConfidence is the minimum confidence eligible for tier 1
	// Default: 0.9
	AutoApplyConfidence float64

	// ReviewFloor is the lower bound of the tier 2 band; below it changes go to tier 3
	// Default: 0.7
	ReviewFloor float64

	// SmallConfidenceDelta is the largest same-authority confidence change
	// still considered a routine batch update
	// Default: 0.1
	SmallConfidenceDelta float64
}

// DefaultThresholds returns the default tier boundaries
func DefaultThresholds() Thresholds {
	return Thresholds{
		AutoApplyConfidence:  0.9,
		ReviewFloor:          0.7,
		SmallConfidenceDelta: 0.1,
	}
}

// Validate checks if the thresholds have valid values
func (t Thresholds) Validate() error {
	if t.AutoApplyConfidence < 0.0 || t.AutoApplyConfidence > 1.0 {
		return fmt.Errorf("auto_apply_confidence must be between 0.0 and 1.0 (got %.2f)", t.AutoApplyConfidence)
	}
	if t.ReviewFloor < 0.0 || t.ReviewFloor > 1.0 {
		return fmt.Errorf("review_floor must be between 0.0 and 1.0 (got %.2f)", t.ReviewFloor)
	}
	if t.ReviewFloor > t.AutoApplyConfidence {
		return fmt.Errorf("review_floor (%.2f) cannot exceed auto_apply_confidence (%.2f)",
			t.ReviewFloor, t.AutoApplyConfidence)
	}
	if t.SmallConfidenceDelta < 0.0 || t.SmallConfidenceDelta > 1.0 {
		return fmt.Errorf("small_confidence_delta must be between 0.0 and 1.0 (got %.2f)", t.SmallConfidenceDelta)
	}
	return nil
}

// String returns a human-readable representation of the thresholds
func (t Thresholds) String() string {
	return fmt.Sprintf("Thresholds{AutoApply: %.2f, ReviewFloor: %.2f, SmallDelta: %.2f}",
		t.AutoApplyConfidence, t.ReviewFloor, t.SmallConfidenceDelta)
}

func isUpdate(in Input) bool { return in.Kind == types.ChangeUpdate }
func isNew(in Input) bool    { return in.Kind == types.ChangeNew }
func isHigher(in Input) bool { return isUpdate(in) && in.NewAuthority > in.PriorAuthority }

// DefaultRules is the routing table, in evaluation order
var DefaultRules = []Rule{
	{
		Name: RuleConflict, Tier: types.TierManual,
		Applies: func(in Input, _ Thresholds) bool {
			return in.Kind == types.ChangeConflict || in.Conflict
		},
	},
	{
		Name: RuleRemoval, Tier: types.TierBatch,
		Applies: func(in Input, _ Thresholds) bool { return in.Kind == types.ChangeRemoval },
	},
	{
		Name: RuleNewHighConfidence, Tier: types.TierAuto,
		Applies: func(in Input, th Thresholds) bool {
			return isNew(in) && !in.Ambiguous && in.Confidence >= th.AutoApplyConfidence
		},
	},
	{
		Name: RuleNewReview, Tier: types.TierBatch,
		Applies: func(in Input, th Thresholds) bool {
			return isNew(in) && in.Confidence >= th.ReviewFloor
		},
	},
	{
		Name: RuleNewLowConfidence, Tier: types.TierManual,
		Applies: func(in Input, _ Thresholds) bool { return isNew(in) },
	},
	{
		Name: RuleAuthorityUnranked, Tier: types.TierManual,
		Applies: func(in Input, _ Thresholds) bool { return isUpdate(in) && !in.AuthorityComparable },
	},
	{
		Name: RuleAuthorityHigher, Tier: types.TierAuto, Footnote: true,
		Applies: func(in Input, th Thresholds) bool {
			return isHigher(in) && in.Confidence >= th.AutoApplyConfidence
		},
	},
	{
		Name: RuleHigherReview, Tier: types.TierBatch, Footnote: true,
		Applies: func(in Input, th Thresholds) bool {
			return isHigher(in) && in.Confidence >= th.ReviewFloor
		},
	},
	{
		Name: RuleHigherLow, Tier: types.TierManual, Footnote: true,
		Applies: func(in Input, _ Thresholds) bool { return isHigher(in) },
	},
	{
		Name: RuleSameAuthoritySmall, Tier: types.TierBatch,
		Applies: func(in Input, th Thresholds) bool {
			return isUpdate(in) && in.NewAuthority == in.PriorAuthority &&
				in.Confidence >= th.ReviewFloor &&
				in.ConfidenceDelta() <= th.SmallConfidenceDelta+1e-9
		},
	},
	{
		Name: RuleAuthorityLower, Tier: types.TierManual,
		Applies: func(in Input, _ Thresholds) bool {
			return isUpdate(in) && in.NewAuthority < in.PriorAuthority
		},
	},
	{
		Name: RuleSameAuthorityReview, Tier: types.TierBatch,
		Applies: func(in Input, th Thresholds) bool {
			return isUpdate(in) && in.Confidence >= th.ReviewFloor
		},
	},
}

// Classifier evaluates a routing table against fixed thresholds
type Classifier struct {
	thresholds Thresholds
	rules      []Rule
}

// NewClassifier creates a classifier using DefaultRules
func NewClassifier(th Thresholds) (*Classifier, error) {
	if err := th.Validate(); err != nil {
		return nil, err
	}
	return &Classifier{thresholds: th, rules: DefaultRules}, nil
}

// Thresholds returns the classifier's tier boundaries
func (c *Classifier) Thresholds() Thresholds {
	return c.thresholds
}

// Classify routes a change. The first matching rule wins; when none match the
// change goes to manual review.
func (c *Classifier) Classify(in Input) Decision {
	for _, r := range c.rules {
		if r.Applies(in, c.thresholds) {
			return Decision{Kind: in.Kind, Tier: r.Tier, Rule: r.Name, RetainFootnote: r.Footnote}
		}
	}
	return Decision{Kind: in.Kind, Tier: types.TierManual, Rule: RuleFallback}
}
