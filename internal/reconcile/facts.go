package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/steveyegge/recon/internal/tiering"
	"github.com/steveyegge/recon/internal/types"
)

// pass is the in-memory state of one reconciliation pass
type pass struct {
	engine *Engine
	batch  *Batch
	stats  *Stats
	write  *types.PassWrite
	logger *slog.Logger
	now    time.Time

	// active is the working fact base: the snapshot's active heads with this
	// pass's tier 1 changes applied
	active []types.Fact
	// facts holds every known fact version plus the batch's facts, for
	// evidence lookups
	facts map[string]types.Fact
	// evidenced marks active facts an incoming fact matched
	evidenced map[string]bool
	// appliedHere marks facts written by this pass
	appliedHere map[string]bool
	// openChanges keys changes already awaiting review
	openChanges map[string]bool

	findings     map[string]*types.Finding
	priorRisk    map[string]string // finding id → consolidated risk id at snapshot time
	activeRisks  map[string]*types.ConsolidatedRisk
	riskChildren map[string][]string
}

func (p *pass) loadSnapshot(ctx context.Context) error {
	store := p.engine.store
	deal := p.batch.DealID

	facts, err := store.ListFacts(ctx, types.FactFilter{DealID: deal})
	if err != nil {
		return fmt.Errorf("failed to load facts: %w", err)
	}
	p.facts = make(map[string]types.Fact, len(facts)+len(p.batch.Facts))
	for _, f := range facts {
		p.facts[f.ID] = *f
		if f.Active {
			p.active = append(p.active, *f)
		}
	}
	p.evidenced = make(map[string]bool)
	p.appliedHere = make(map[string]bool)

	p.openChanges = make(map[string]bool)
	for _, status := range []types.ChangeStatus{types.StatusPending, types.StatusDeferred} {
		changes, err := store.ListPendingChanges(ctx, types.ChangeFilter{DealID: deal, Status: &status})
		if err != nil {
			return fmt.Errorf("failed to load open changes: %w", err)
		}
		for _, c := range changes {
			p.openChanges[changeKey(c.Kind, c.TargetID, c.NewValue)] = true
		}
	}

	findings, err := store.ListFindings(ctx, types.FindingFilter{DealID: deal})
	if err != nil {
		return fmt.Errorf("failed to load findings: %w", err)
	}
	p.findings = make(map[string]*types.Finding, len(findings))
	p.priorRisk = make(map[string]string)
	p.riskChildren = make(map[string][]string)
	for _, f := range findings {
		p.findings[f.ID] = f
		if f.ConsolidatedRiskID != "" {
			p.priorRisk[f.ID] = f.ConsolidatedRiskID
			p.riskChildren[f.ConsolidatedRiskID] = append(p.riskChildren[f.ConsolidatedRiskID], f.ID)
		}
	}

	risks, err := store.ListConsolidatedRisks(ctx, deal, nil, nil)
	if err != nil {
		return fmt.Errorf("failed to load consolidated risks: %w", err)
	}
	p.activeRisks = make(map[string]*types.ConsolidatedRisk, len(risks))
	for _, r := range risks {
		p.activeRisks[r.ID] = r
	}
	return nil
}

// changeKey identifies an open change by what it would do, so re-running a
// batch does not queue the same proposal twice
func changeKey(kind types.ChangeKind, targetID string, newValue json.RawMessage) string {
	sum := ""
	if len(newValue) > 0 {
		var f types.Fact
		if err := json.Unmarshal(newValue, &f); err == nil {
			sum = f.ComputeChecksum()
		}
	}
	return string(kind) + "|" + targetID + "|" + sum
}

// reconcileFacts runs the facts phase, domain by domain and entity by entity
func (p *pass) reconcileFacts() {
	incoming := p.prepareFacts()
	for _, domain := range types.AllDomains {
		for _, entity := range types.AllEntities {
			for i := range incoming {
				if incoming[i].Domain == domain && incoming[i].Entity == entity {
					p.reconcileFact(incoming[i])
				}
			}
		}
	}
	p.proposeRemovals()
}

// prepareFacts fills in ids and checksums and drops facts that cannot be
// reconciled at all
func (p *pass) prepareFacts() []types.Fact {
	p.stats.FactsIn = len(p.batch.Facts)
	out := make([]types.Fact, 0, len(p.batch.Facts))
	for _, f := range p.batch.Facts {
		if f.ID == "" {
			f.ID = p.engine.newID()
		}
		f.DealID = p.batch.DealID
		f.PreviousVersionID = ""
		f.Version = 0
		f.Footnotes = nil
		f.Checksum = f.ComputeChecksum()
		if err := f.Validate(); err != nil {
			p.stats.InvalidFacts++
			p.logger.Warn("skipping invalid fact", slog.String("fact", f.ID), slog.Any("error", err))
			continue
		}
		if _, exists := p.facts[f.ID]; exists {
			// Incoming ids are extraction ids; a collision with a stored
			// version would break the chain
			f.ID = p.engine.newID()
		}
		p.stats.recordCategory(p.engine.matcher.Lexicon().KnownCategory(string(f.Domain), f.Category), f.Domain, f.Category)
		p.facts[f.ID] = f
		out = append(out, f)
	}
	return out
}

func (p *pass) reconcileFact(f types.Fact) {
	match, err := p.engine.matcher.MatchExisting(f, p.active)
	ambiguous := false
	if err != nil {
		// An ambiguous lookup never guesses; the fact is treated as new
		var ame *types.AmbiguousMatchError
		if errors.As(err, &ame) {
			p.stats.Ambiguous++
		} else {
			p.logger.Warn("merge lookup failed; treating fact as new", slog.String("fact", f.ID), slog.Any("error", err))
		}
		ambiguous = true
	}
	if match.Existing != nil {
		p.evidenced[match.Existing.ID] = true
	}

	decision, changed := p.engine.classifier.ClassifyFact(f, match, ambiguous)
	if !changed {
		p.stats.Duplicates++
		return
	}

	var prior *types.Fact
	if decision.Kind != types.ChangeNew {
		prior = match.Existing
	}
	if decision.Kind == types.ChangeConflict {
		p.stats.Conflicts++
		conflict := &types.ConflictError{ExistingID: prior.ID, IncomingID: f.ID, Reason: "same authority, same specificity, different values"}
		p.logger.Info("conflicting fact routed to manual review", slog.String("conflict", conflict.Error()))
	}

	if decision.Tier == types.TierAuto {
		p.stats.recordChange(decision.Kind, decision.Tier)
		p.applyFact(f, prior, decision)
		return
	}
	p.queueFact(f, prior, decision)
}

// applyFact applies a tier 1 change in-pass and audits it
func (p *pass) applyFact(f types.Fact, prior *types.Fact, d tiering.Decision) {
	f.Active = true
	f.CreatedAt = p.now

	event := types.AuditEvent{
		DealID:     p.batch.DealID,
		TargetType: types.TargetFact,
		TargetID:   f.ID,
		Action:     types.AuditAutoApplied,
		Tier:       types.TierAuto,
		Actor:      p.engine.config.Actor,
		Comment:    types.StringPtr(d.Rule),
	}

	if prior == nil {
		f.Version = 1
		p.write.NewFacts = append(p.write.NewFacts, f)
		p.active = append(p.active, f)
	} else {
		f.Footnotes = footnotesFor(prior, d)
		f.PreviousVersionID = prior.ID
		f.Version = prior.Version + 1
		p.write.Supersessions = append(p.write.Supersessions, types.Supersession{
			PriorID:         prior.ID,
			ExpectedVersion: prior.Version,
			Next:            f,
		})
		event.OldValue = snapshot(prior)
		priorID := prior.ID
		for i := range p.active {
			if p.active[i].ID == priorID {
				p.active[i] = f
				break
			}
		}
		p.evidenced[f.ID] = true
	}

	event.NewValue = snapshot(&f)
	p.facts[f.ID] = f
	p.appliedHere[f.ID] = true
	p.write.Audit = append(p.write.Audit, event)
}

// footnotesFor carries the prior version's footnotes forward and, when the
// decision says so, retains the prior value itself
func footnotesFor(prior *types.Fact, d tiering.Decision) []types.Footnote {
	notes := append([]types.Footnote(nil), prior.Footnotes...)
	if d.RetainFootnote {
		notes = append(notes, types.Footnote{
			FactID:         prior.ID,
			Item:           prior.Item,
			Details:        prior.Details,
			Evidence:       prior.Evidence,
			SourceDocID:    prior.SourceDocID,
			AuthorityLevel: prior.AuthorityLevel,
		})
	}
	return notes
}

// queueFact records a tier 2 or 3 change for review
func (p *pass) queueFact(f types.Fact, prior *types.Fact, d tiering.Decision) {
	f.Active = true
	if prior != nil {
		f.Footnotes = footnotesFor(prior, d)
	}
	newValue, _ := json.Marshal(f)
	change := types.PendingChange{
		ID:         p.engine.newID(),
		DealID:     p.batch.DealID,
		Kind:       d.Kind,
		TargetType: types.TargetFact,
		NewValue:   newValue,
		Tier:       d.Tier,
		Status:     types.StatusPending,
		Rule:       d.Rule,
		CreatedAt:  p.now,
	}
	if prior != nil {
		change.TargetID = prior.ID
		change.BaseVersion = prior.Version
		change.OldValue, _ = json.Marshal(prior)
	}
	p.queue(change)
}

func (p *pass) queue(change types.PendingChange) {
	key := changeKey(change.Kind, change.TargetID, change.NewValue)
	if p.openChanges[key] {
		p.stats.Requeued++
		return
	}
	p.openChanges[key] = true
	p.stats.recordChange(change.Kind, change.Tier)
	p.write.PendingChanges = append(p.write.PendingChanges, change)
}

// proposeRemovals queues removal of active facts whose source document was
// superseded and that no incoming fact evidences again
func (p *pass) proposeRemovals() {
	if len(p.batch.SupersededDocs) == 0 {
		return
	}
	docs := make(map[string]bool, len(p.batch.SupersededDocs))
	for _, d := range p.batch.SupersededDocs {
		docs[strings.TrimSpace(d)] = true
	}

	candidates := make([]types.Fact, 0)
	for _, f := range p.active {
		if docs[f.SourceDocID] && !p.evidenced[f.ID] && !p.appliedHere[f.ID] {
			candidates = append(candidates, f)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	for i := range candidates {
		f := &candidates[i]
		d := p.engine.classifier.Classify(tiering.Input{Kind: types.ChangeRemoval, Confidence: f.Confidence})
		old, _ := json.Marshal(f)
		p.queue(types.PendingChange{
			ID:          p.engine.newID(),
			DealID:      p.batch.DealID,
			Kind:        types.ChangeRemoval,
			TargetType:  types.TargetFact,
			TargetID:    f.ID,
			BaseVersion: f.Version,
			OldValue:    old,
			Tier:        d.Tier,
			Status:      types.StatusPending,
			Rule:        d.Rule,
			CreatedAt:   p.now,
		})
	}
}

// isKnownFact reports whether a finding may cite the fact id
func (p *pass) isKnownFact(id string) bool {
	_, ok := p.facts[id]
	return ok
}

func snapshot(v any) *string {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	s := string(raw)
	return &s
}
