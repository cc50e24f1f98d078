package tiering

import (
	"encoding/json"
	"sort"

	"github.com/steveyegge/recon/internal/lexicon"
	"github.com/steveyegge/recon/internal/matching"
	"github.com/steveyegge/recon/internal/types"
)

// ClassifyFact builds the classifier input for an incoming fact and its merge
// lookup result, then classifies it. ok is false when the incoming fact is a
// content duplicate and no change should be recorded.
//
// Authority level 0 means the source's reliability is unranked; an update is
// only authority-comparable when both sides carry a positive level.
func (c *Classifier) ClassifyFact(incoming types.Fact, match matching.MatchResult, ambiguous bool) (d Decision, ok bool) {
	switch match.Kind {
	case matching.MatchDuplicate:
		return Decision{}, false
	case matching.MatchNone:
		return c.Classify(Input{
			Kind:       types.ChangeNew,
			Confidence: incoming.Confidence,
			Ambiguous:  ambiguous,
		}), true
	}

	prior := match.Existing
	in := Input{
		Kind:                types.ChangeUpdate,
		Confidence:          incoming.Confidence,
		PriorConfidence:     prior.Confidence,
		NewAuthority:        incoming.AuthorityLevel,
		PriorAuthority:      prior.AuthorityLevel,
		AuthorityComparable: incoming.AuthorityLevel > 0 && prior.AuthorityLevel > 0,
	}
	if in.AuthorityComparable && in.NewAuthority == in.PriorAuthority && Contradicts(incoming, *prior) {
		in.Kind = types.ChangeConflict
		in.Conflict = true
	}
	return c.Classify(in), true
}

// Contradicts reports whether two facts state different values at the same
// specificity: both carry the same set of detail keys and at least one value
// differs. A fact that adds detail keys refines the other rather than
// contradicting it.
func Contradicts(a, b types.Fact) bool {
	ka, kb := detailKeys(a.Details), detailKeys(b.Details)
	if len(ka) == 0 || len(ka) != len(kb) {
		return false
	}
	for i := range ka {
		if ka[i] != kb[i] {
			return false
		}
	}
	for _, k := range ka {
		if normalizedValue(a.Details[k]) != normalizedValue(b.Details[k]) {
			return true
		}
	}
	return false
}

func detailKeys(details map[string]any) []string {
	keys := make([]string, 0, len(details))
	for k, v := range details {
		if v == nil {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func normalizedValue(v any) string {
	raw, _ := json.Marshal(v)
	return lexicon.Normalize(string(raw))
}
