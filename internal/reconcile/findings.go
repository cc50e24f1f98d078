package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"

	"github.com/steveyegge/recon/internal/cluster"
	"github.com/steveyegge/recon/internal/evidence"
	"github.com/steveyegge/recon/internal/matching"
	"github.com/steveyegge/recon/internal/summarize"
	"github.com/steveyegge/recon/internal/types"
)

// reconcileFindings validates incoming findings, clusters the deal's risks
// and consolidates every multi-member cluster whose summary validates
func (p *pass) reconcileFindings(ctx context.Context) error {
	changed := make(map[string]bool)
	p.validateFindings(changed)

	risks := make([]types.Finding, 0, len(p.findings))
	for _, f := range p.findings {
		if f.Kind == types.KindRisk {
			risks = append(risks, *f)
		}
	}
	sort.Slice(risks, func(i, j int) bool { return risks[i].ID < risks[j].ID })

	lex := p.engine.matcher.Lexicon()
	records := make([]matching.Record, 0, len(risks))
	nodes := make([]cluster.ScopedNode, 0, len(risks))
	byID := make(map[string]types.Finding, len(risks))
	systems := make(map[string][]string, len(risks))
	for _, r := range risks {
		rec := matching.FromFinding(lex, r)
		records = append(records, rec)
		systems[r.ID] = rec.Systems
		byID[r.ID] = r
		nodes = append(nodes, cluster.ScopedNode{
			ID:    r.ID,
			Scope: cluster.Scope{DealID: r.DealID, Domain: r.Domain, Entity: r.Entity},
		})
	}

	pairs := p.engine.matcher.Pairs(records)
	edges := make([]cluster.Edge, 0, len(pairs))
	linked := make(map[cluster.Edge]bool, len(pairs))
	for _, pr := range pairs {
		e := cluster.Edge{A: pr.A, B: pr.B}.Normalized()
		edges = append(edges, e)
		linked[e] = true
	}
	parts, crossScope := cluster.GroupByScope(nodes, edges)
	p.stats.CrossScopeDropped = crossScope

	assigned := make(map[string]string) // finding id → consolidated risk id
	claimed := make(map[string]bool)
	for _, part := range parts {
		for _, group := range part.Partition.Multi() {
			p.stats.Clusters++
			children := make([]types.Finding, 0, group.Size())
			for _, id := range group.Members {
				children = append(children, byID[id])
			}
			risk, ok := p.consolidate(ctx, part.Scope, children, systems, linked, claimed)
			if !ok {
				continue
			}
			claimed[risk.ID] = true
			for _, id := range group.Members {
				assigned[id] = risk.ID
			}
			if p.unchangedRisk(risk) {
				continue
			}
			p.write.ConsolidatedRisks = append(p.write.ConsolidatedRisks, *risk)
			p.write.Audit = append(p.write.Audit, types.AuditEvent{
				DealID:     risk.DealID,
				TargetType: types.TargetFinding,
				TargetID:   risk.ID,
				Action:     types.AuditConsolidated,
				Actor:      p.engine.config.Actor,
				NewValue:   snapshot(risk),
				Comment:    types.StringPtr("children: " + strings.Join(risk.ChildFindingIDs, ", ")),
			})
		}
	}

	retired := make([]string, 0)
	for id := range p.activeRisks {
		if !claimed[id] {
			retired = append(retired, id)
		}
	}
	sort.Strings(retired)
	p.write.RetiredRiskIDs = retired
	p.stats.Retired = len(retired)

	for id, f := range p.findings {
		if f.ConsolidatedRiskID != assigned[id] {
			f.ConsolidatedRiskID = assigned[id]
			changed[id] = true
		}
	}
	ids := make([]string, 0, len(changed))
	for id := range changed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		p.write.Findings = append(p.write.Findings, *p.findings[id])
	}
	return nil
}

// validateFindings enforces the risk evidence invariant on the batch's
// findings. Demotions and rejections are audited with the rule that fired.
func (p *pass) validateFindings(changed map[string]bool) {
	p.stats.FindingsIn = len(p.batch.Findings)
	lex := p.engine.matcher.Lexicon()

	for _, f := range p.batch.Findings {
		if f.ID == "" {
			f.ID = p.engine.newID()
		}
		f.DealID = p.batch.DealID
		f.ConsolidatedRiskID = ""
		if prior, ok := p.findings[f.ID]; ok {
			f.CreatedAt = prior.CreatedAt
			f.ConsolidatedRiskID = prior.ConsolidatedRiskID
		}
		if f.CreatedAt.IsZero() {
			f.CreatedAt = p.now
		}
		p.stats.recordCategory(lex.KnownCategory(string(f.Domain), f.Category), f.Domain, f.Category)

		out, err := p.engine.validator.ValidateFinding(f, p.isKnownFact)
		if err != nil {
			p.stats.RejectedFindings++
			p.logger.Warn("rejecting invalid finding", slog.String("finding", f.ID), slog.Any("error", err))
			p.write.Audit = append(p.write.Audit, types.AuditEvent{
				DealID:     p.batch.DealID,
				TargetType: types.TargetFinding,
				TargetID:   f.ID,
				Action:     types.AuditRejected,
				Actor:      p.engine.config.Actor,
				NewValue:   snapshot(&f),
				Comment:    types.StringPtr(err.Error()),
			})
			continue
		}

		validated := out.Finding
		if prior, ok := p.findings[validated.ID]; ok && sameFinding(prior, &validated) {
			continue
		}

		if out.Demoted {
			p.stats.Demotions[out.Rule]++
			p.logger.Info("finding downgraded",
				slog.String("finding", f.ID),
				slog.String("from", string(out.From)),
				slog.String("to", string(out.Finding.Kind)),
				slog.String("rule", out.Rule))
			p.write.Audit = append(p.write.Audit, types.AuditEvent{
				DealID:     p.batch.DealID,
				TargetType: types.TargetFinding,
				TargetID:   f.ID,
				Action:     types.AuditDowngraded,
				Actor:      p.engine.config.Actor,
				OldValue:   types.StringPtr(string(out.From)),
				NewValue:   types.StringPtr(string(out.Finding.Kind)),
				Comment:    types.StringPtr(out.Rule),
			})
		}

		p.findings[validated.ID] = &validated
		changed[validated.ID] = true
	}
}

func sameFinding(a, b *types.Finding) bool {
	return a.Kind == b.Kind &&
		a.Domain == b.Domain &&
		a.Entity == b.Entity &&
		a.Title == b.Title &&
		a.Description == b.Description &&
		a.Severity == b.Severity &&
		a.Category == b.Category &&
		a.Question == b.Question &&
		a.Important == b.Important &&
		a.DowngradeReason == b.DowngradeReason &&
		slices.Equal(a.EvidenceFacts, b.EvidenceFacts) &&
		slices.Equal(a.EvidenceQuotes, b.EvidenceQuotes) &&
		slices.Equal(a.KeySystems, b.KeySystems) &&
		slices.Equal(a.SourceDocIDs, b.SourceDocIDs)
}

// consolidate summarizes one cluster and validates the proposal. It returns
// false when the cluster must stay ungrouped; the fallback is audited.
func (p *pass) consolidate(ctx context.Context, scope cluster.Scope, children []types.Finding,
	systems map[string][]string, linked map[cluster.Edge]bool, claimed map[string]bool) (*types.ConsolidatedRisk, bool) {

	req := summarize.Request{DealID: scope.DealID, Domain: scope.Domain, Entity: scope.Entity}
	for _, c := range children {
		req.Children = append(req.Children, summarize.ChildFromFinding(c, systems[c.ID]))
	}

	sctx, cancel := context.WithTimeout(ctx, p.engine.config.SummarizeTimeout)
	resp, err := p.engine.summarizer.Summarize(sctx, req)
	cancel()
	if err != nil {
		p.fallback(children, "summarizer_unavailable", err.Error())
		return nil, false
	}
	if resp.Cached {
		p.stats.CacheHits++
	}

	proposal := evidence.Proposal{
		Title:       resp.Title,
		Description: resp.Description,
		Severity:    resp.Severity,
		KeySystems:  resp.KeySystems,
	}
	res := p.engine.validator.ValidateConsolidation(proposal, children, p.supportingFacts(children))
	if !res.Pass {
		p.fallback(children, res.Rule, res.Reason)
		return nil, false
	}

	ids := make([]string, 0, len(children))
	for _, c := range children {
		ids = append(ids, c.ID)
	}
	risk := &types.ConsolidatedRisk{
		ID:                 p.riskID(ids, scope, claimed),
		DealID:             scope.DealID,
		Domain:             scope.Domain,
		Entity:             scope.Entity,
		Title:              resp.Title,
		Description:        resp.Description,
		Severity:           res.ExpectedSeverity,
		ChildFindingIDs:    ids,
		SupportingFactIDs:  res.SupportingFactIDs,
		KeySystems:         res.KeySystems,
		Provenance:         res.Provenance,
		GroupingConfidence: groupingConfidence(ids, linked),
	}
	p.stats.Consolidated++
	return risk, true
}

// unchangedRisk reports whether the stored risk already says the same thing
// about the same children
func (p *pass) unchangedRisk(r *types.ConsolidatedRisk) bool {
	prev, ok := p.activeRisks[r.ID]
	if !ok {
		return false
	}
	return types.SameChildren(prev.ChildFindingIDs, r.ChildFindingIDs) &&
		prev.Title == r.Title &&
		prev.Description == r.Description &&
		prev.Severity == r.Severity
}

// fallback records that a cluster is presented as its ungrouped children
func (p *pass) fallback(children []types.Finding, rule, reason string) {
	p.stats.Fallbacks++
	ids := make([]string, 0, len(children))
	for _, c := range children {
		ids = append(ids, c.ID)
	}
	p.logger.Warn("consolidation rejected; children stay ungrouped",
		slog.String("rule", rule),
		slog.String("reason", reason),
		slog.Any("children", ids))
	p.write.Audit = append(p.write.Audit, types.AuditEvent{
		DealID:     p.batch.DealID,
		TargetType: types.TargetFinding,
		TargetID:   ids[0],
		Action:     types.AuditConsolidationRejected,
		Actor:      p.engine.config.Actor,
		Comment:    types.StringPtr(fmt.Sprintf("%s: %s (children: %s)", rule, reason, strings.Join(ids, ", "))),
	})
}

// supportingFacts returns the known facts the children cite
func (p *pass) supportingFacts(children []types.Finding) []types.Fact {
	seen := make(map[string]bool)
	var out []types.Fact
	for _, c := range children {
		for _, id := range c.EvidenceFacts {
			if seen[id] {
				continue
			}
			seen[id] = true
			if f, ok := p.facts[id]; ok {
				out = append(out, f)
			}
		}
	}
	return out
}

// riskID keeps the identity of an existing consolidated risk the cluster
// overlaps most (ties to the smallest id), so review context survives
// re-clustering. Each existing id is claimed by at most one cluster.
func (p *pass) riskID(members []string, scope cluster.Scope, claimed map[string]bool) string {
	overlap := make(map[string]int)
	for _, id := range members {
		if rid, ok := p.priorRisk[id]; ok {
			overlap[rid]++
		}
	}

	best, bestN := "", 0
	for rid, n := range overlap {
		r, active := p.activeRisks[rid]
		if !active || claimed[rid] || r.Domain != scope.Domain || r.Entity != scope.Entity {
			continue
		}
		if n > bestN || (n == bestN && rid < best) {
			best, bestN = rid, n
		}
	}
	if best != "" {
		return best
	}
	return p.engine.newID()
}

// groupingConfidence is the share of member pairs linked directly rather
// than only through other members
func groupingConfidence(members []string, linked map[cluster.Edge]bool) float64 {
	n := len(members)
	if n < 2 {
		return 1.0
	}
	direct := 0
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if linked[cluster.Edge{A: members[i], B: members[j]}.Normalized()] {
				direct++
			}
		}
	}
	return float64(direct) / float64(n*(n-1)/2)
}
