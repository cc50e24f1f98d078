// Package evidence enforces the provenance invariants of findings and
// consolidated risks.
//
// A consolidated summary may only name systems and proper terms that appear
// somewhere in its children, and its severity is always the maximum child
// severity. This package is the only place that severity is computed. On any
// failure the caller must discard the consolidation and present the children
// individually; the validator never corrects a summary.
package evidence

import (
	"fmt"
	"strings"

	"github.com/steveyegge/recon/internal/lexicon"
	"github.com/steveyegge/recon/internal/types"
)

// Proposal is a candidate consolidated summary, typically produced by the
// summarization service
type Proposal struct {
	Title       string
	Description string
	Severity    types.Severity
	KeySystems  []string
}

// Result is the outcome of validating a consolidation
type Result struct {
	Pass bool

	// Rule and Reason name the first failed check
	Rule   string
	Reason string

	UnsupportedSystems []string
	UnsupportedTerms   []string

	// ExpectedSeverity is max(child severities)
	ExpectedSeverity types.Severity

	// Populated on success
	KeySystems        []string
	SupportingFactIDs []string
	Provenance        []types.FieldProvenance
}

// Validator checks findings and consolidations against a lexicon
type Validator struct {
	lex *lexicon.Lexicon
}

// NewValidator creates a validator; a nil lexicon selects the embedded default
func NewValidator(lex *lexicon.Lexicon) *Validator {
	if lex == nil {
		lex = lexicon.Default()
	}
	return &Validator{lex: lex}
}

// ComputeSeverity returns the consolidated severity for a child set: the
// maximum child severity
func ComputeSeverity(children []types.Finding) types.Severity {
	severities := make([]types.Severity, 0, len(children))
	for _, c := range children {
		severities = append(severities, c.Severity)
	}
	return types.MaxSeverity(severities...)
}

// childEvidence is the searchable surface of one child
type childEvidence struct {
	id      string
	systems []string
	tokens  map[string]bool
}

// ValidateConsolidation checks a proposed summary against its full child set.
// facts supplies the supporting facts referenced by the children; facts not
// referenced by any child are ignored.
func (v *Validator) ValidateConsolidation(p Proposal, children []types.Finding, facts []types.Fact) Result {
	res := Result{ExpectedSeverity: ComputeSeverity(children)}

	if len(children) == 0 {
		return res.fail(types.RuleInvalidChild, "consolidation has no children")
	}
	first := children[0]
	for _, c := range children {
		if c.Kind != types.KindRisk {
			return res.fail(types.RuleInvalidChild, fmt.Sprintf("child %s is a %s, not a risk", c.ID, c.Kind))
		}
		if err := c.Validate(); err != nil {
			return res.fail(types.RuleInvalidChild, fmt.Sprintf("child %s is invalid: %v", c.ID, err))
		}
		if c.DealID != first.DealID || c.Domain != first.Domain || c.Entity != first.Entity {
			return res.fail(types.RuleScopeMismatch,
				fmt.Sprintf("child %s is outside %s/%s/%s", c.ID, first.DealID, first.Domain, first.Entity))
		}
	}

	evidence := v.collectEvidence(children, facts)
	var childSystems []string
	corpus := make(map[string]bool)
	for _, e := range evidence {
		childSystems = append(childSystems, e.systems...)
		for tok := range e.tokens {
			corpus[tok] = true
		}
	}
	childSystems = lexicon.Union(childSystems)

	summaryText := p.Title + "\n" + p.Description
	summarySystems := v.lex.Systems(summaryText)
	for _, ks := range p.KeySystems {
		summarySystems = append(summarySystems, v.lex.CanonicalSystem(ks))
	}
	summarySystems = lexicon.Union(summarySystems)

	if unsupported := lexicon.Difference(summarySystems, childSystems); len(unsupported) > 0 {
		res.UnsupportedSystems = unsupported
		return res.fail(types.RuleUnsupportedSystems,
			fmt.Sprintf("summary names systems no child mentions: %s", strings.Join(unsupported, ", ")))
	}

	var unsupportedTerms []string
	for _, term := range v.lex.ProperTerms(summaryText) {
		if corpus[term] || corpus[lexicon.Stem(term)] {
			continue
		}
		if sys := v.lex.Systems(term); len(sys) > 0 && len(lexicon.Difference(sys, childSystems)) == 0 {
			continue
		}
		unsupportedTerms = append(unsupportedTerms, term)
	}
	if len(unsupportedTerms) > 0 {
		res.UnsupportedTerms = unsupportedTerms
		return res.fail(types.RuleUnsupportedTerms,
			fmt.Sprintf("summary introduces terms absent from every child: %s", strings.Join(unsupportedTerms, ", ")))
	}

	if p.Severity != res.ExpectedSeverity {
		return res.fail(types.RuleSeverityMismatch,
			fmt.Sprintf("severity %q does not equal max child severity %q", p.Severity, res.ExpectedSeverity))
	}

	res.Pass = true
	res.KeySystems = summarySystems
	res.SupportingFactIDs = supportingFacts(children)
	res.Provenance = v.provenance(summarySystems, res.ExpectedSeverity, children, evidence)
	return res
}

func (r Result) fail(rule, reason string) Result {
	r.Pass = false
	r.Rule = rule
	r.Reason = reason
	return r
}

// Error converts a failed result into a *types.ValidationError
func (r Result) Error(targetID string) error {
	if r.Pass {
		return nil
	}
	details := append(append([]string(nil), r.UnsupportedSystems...), r.UnsupportedTerms...)
	return &types.ValidationError{Rule: r.Rule, TargetID: targetID, Message: r.Reason, Details: details}
}

func (v *Validator) collectEvidence(children []types.Finding, facts []types.Fact) []childEvidence {
	byID := make(map[string]*types.Fact, len(facts))
	for i := range facts {
		byID[facts[i].ID] = &facts[i]
	}

	out := make([]childEvidence, 0, len(children))
	for _, c := range children {
		parts := []string{c.Text()}
		parts = append(parts, c.KeySystems...)
		for _, id := range c.EvidenceFacts {
			if f, ok := byID[id]; ok {
				parts = append(parts, f.Text())
			}
		}
		text := strings.Join(parts, "\n")

		systems := v.lex.Systems(text)
		for _, ks := range c.KeySystems {
			systems = append(systems, v.lex.CanonicalSystem(ks))
		}

		tokens := make(map[string]bool)
		for _, tok := range lexicon.Tokens(text) {
			tokens[tok] = true
			tokens[lexicon.Stem(tok)] = true
		}
		out = append(out, childEvidence{id: c.ID, systems: lexicon.Union(systems), tokens: tokens})
	}
	return out
}

func supportingFacts(children []types.Finding) []string {
	sets := make([][]string, 0, len(children))
	for _, c := range children {
		sets = append(sets, c.EvidenceFacts)
	}
	return lexicon.Union(sets...)
}

// provenance records which children support each system and the severity claim
func (v *Validator) provenance(systems []string, severity types.Severity, children []types.Finding, evidence []childEvidence) []types.FieldProvenance {
	var out []types.FieldProvenance
	for _, sys := range systems {
		var ids []string
		for _, e := range evidence {
			for _, s := range e.systems {
				if s == sys {
					ids = append(ids, e.id)
					break
				}
			}
		}
		out = append(out, types.FieldProvenance{Field: "key_systems", Claim: sys, ChildIDs: lexicon.Union(ids)})
	}

	var sevIDs []string
	for _, c := range children {
		if c.Severity == severity {
			sevIDs = append(sevIDs, c.ID)
		}
	}
	out = append(out, types.FieldProvenance{Field: "severity", Claim: string(severity), ChildIDs: lexicon.Union(sevIDs)})
	return out
}
