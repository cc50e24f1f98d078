package evidence

import (
	"errors"

	"github.com/steveyegge/recon/internal/types"
)

// FindingOutcome is the result of validating an incoming finding
type FindingOutcome struct {
	Finding types.Finding

	// Demoted is set when the finding was reclassified; Rule names the check
	// that triggered it and From the original kind
	Demoted bool
	Rule    string
	From    types.FindingKind
}

// ValidateFinding enforces the risk evidence invariant on one finding.
//
// known, when non-nil, reports whether a supporting fact id exists in the
// deal; references to unknown facts are dropped before the check. A Risk
// left without supporting facts or a verbatim quote is demoted to an
// Observation. Errors that cannot be repaired by demotion (a gap without a
// question, malformed fields) are returned and the finding must be rejected.
func (v *Validator) ValidateFinding(f types.Finding, known func(factID string) bool) (FindingOutcome, error) {
	if known != nil && len(f.EvidenceFacts) > 0 {
		kept := make([]string, 0, len(f.EvidenceFacts))
		for _, id := range f.EvidenceFacts {
			if known(id) {
				kept = append(kept, id)
			}
		}
		f.EvidenceFacts = kept
	}

	err := f.Validate()
	if err == nil {
		return FindingOutcome{Finding: f}, nil
	}

	var ve *types.ValidationError
	if !errors.As(err, &ve) {
		return FindingOutcome{Finding: f}, err
	}
	switch ve.Rule {
	case types.RuleRiskMissingFacts, types.RuleRiskMissingQuote:
		from := f.Kind
		if derr := f.Demote(types.KindObservation, ve.Rule); derr != nil {
			return FindingOutcome{Finding: f}, derr
		}
		return FindingOutcome{Finding: f, Demoted: true, Rule: ve.Rule, From: from}, nil
	}
	return FindingOutcome{Finding: f}, err
}
