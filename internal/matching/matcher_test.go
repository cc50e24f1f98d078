package matching

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/recon/internal/lexicon"
	"github.com/steveyegge/recon/internal/types"
)

func newTestMatcher(t *testing.T) *Matcher {
	t.Helper()
	m, err := New(DefaultConfig(), nil, nil)
	require.NoError(t, err)
	return m
}

func erpRisks() []types.Finding {
	base := types.Finding{
		DealID:   "deal-1",
		Domain:   types.DomainApplications,
		Entity:   types.EntityTarget,
		Kind:     types.KindRisk,
		Category: "ERP",
	}
	r1, r2, r3 := base, base, base

	r1.ID = "r-1"
	r1.Title = "Multiple ERP systems create complexity"
	r1.Description = "The target operates SAP and Oracle ERP instances in different regions"
	r1.EvidenceFacts = []string{"f-1"}
	r1.Severity = types.SeverityMedium

	r2.ID = "r-2"
	r2.Title = "SAP and Oracle running in parallel"
	r2.Description = "Finance runs SAP while the US entity still uses Oracle EBS"
	r2.EvidenceFacts = []string{"f-2"}
	r2.Severity = types.SeverityHigh

	r3.ID = "r-3"
	r3.Title = "ERP consolidation needed"
	r3.Description = "Maintaining two ERP platforms adds complexity and licensing cost"
	r3.EvidenceFacts = []string{"f-3"}
	r3.Severity = types.SeverityLow

	return []types.Finding{r1, r2, r3}
}

func TestFromFinding(t *testing.T) {
	lex := lexicon.Default()
	f := erpRisks()[1]
	f.KeySystems = []string{"sap ecc", "Acme Billing"}

	rec := FromFinding(lex, f)
	assert.Equal(t, "r-2", rec.ID)
	assert.Equal(t, "erp", rec.Category)
	assert.Equal(t, "sap and oracle running in parallel", rec.Name)
	assert.Equal(t, []string{"Acme Billing", "Oracle", "SAP"}, rec.Systems)
	assert.Equal(t, []string{"f-2"}, rec.FactIDs)
	assert.Empty(t, rec.SourceDocIDs)
}

func TestFromFact(t *testing.T) {
	rec := FromFact(lexicon.Default(), types.Fact{
		ID: "f-1", Category: "Identity", Item: "Okta SSO",
		Evidence: "All staff authenticate through Okta", SourceDocID: "doc-9",
	})
	assert.Equal(t, []string{"f-1"}, rec.FactIDs)
	assert.Equal(t, []string{"doc-9"}, rec.SourceDocIDs)
	assert.Equal(t, []string{"Okta"}, rec.Systems)
	assert.Equal(t, "okta sso", rec.Name)
}

// TestPairsScenarioERP checks the three ERP risks link into a connected chain
func TestPairsScenarioERP(t *testing.T) {
	m := newTestMatcher(t)
	var records []Record
	for _, f := range erpRisks() {
		records = append(records, FromFinding(m.Lexicon(), f))
	}

	pairs := m.Pairs(records)
	require.Len(t, pairs, 2)

	assert.Equal(t, "r-1", pairs[0].A)
	assert.Equal(t, "r-2", pairs[0].B)
	assert.Contains(t, pairs[0].Rules, RuleSharedSystems)

	assert.Equal(t, "r-1", pairs[1].A)
	assert.Equal(t, "r-3", pairs[1].B)
	assert.Equal(t, []string{RuleCategoryKeywords}, pairs[1].Rules)
}

func TestPairsRules(t *testing.T) {
	m := newTestMatcher(t)

	tests := []struct {
		name string
		a, b Record
		want []string
	}{
		{
			name: "shared fact",
			a:    Record{ID: "a", FactIDs: []string{"f-1", "f-2"}},
			b:    Record{ID: "b", FactIDs: []string{"f-2"}},
			want: []string{RuleSharedEvidence},
		},
		{
			name: "shared source document",
			a:    Record{ID: "a", SourceDocIDs: []string{"doc-1"}},
			b:    Record{ID: "b", SourceDocIDs: []string{"doc-1"}},
			want: []string{RuleSharedEvidence},
		},
		{
			name: "one keyword is not enough",
			a:    Record{ID: "a", Category: "erp", Keywords: []string{"erp", "cost"}},
			b:    Record{ID: "b", Category: "erp", Keywords: []string{"erp", "license"}},
			want: nil,
		},
		{
			name: "keywords without shared category",
			a:    Record{ID: "a", Category: "erp", Keywords: []string{"erp", "cost"}},
			b:    Record{ID: "b", Category: "crm", Keywords: []string{"erp", "cost"}},
			want: nil,
		},
		{
			name: "same normalized name",
			a:    Record{ID: "a", Name: "legacy vpn"},
			b:    Record{ID: "b", Name: "legacy vpn"},
			want: []string{RuleNormalizedName},
		},
		{
			name: "several rules",
			a:    Record{ID: "a", FactIDs: []string{"f-1"}, Systems: []string{"SAP"}},
			b:    Record{ID: "b", FactIDs: []string{"f-1"}, Systems: []string{"Oracle", "SAP"}},
			want: []string{RuleSharedEvidence, RuleSharedSystems},
		},
		{
			name: "nothing shared",
			a:    Record{ID: "a", Systems: []string{"SAP"}},
			b:    Record{ID: "b", Systems: []string{"Oracle"}},
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pairs := m.Pairs([]Record{tt.b, tt.a})
			if tt.want == nil {
				assert.Empty(t, pairs)
				return
			}
			require.Len(t, pairs, 1)
			assert.Equal(t, "a", pairs[0].A, "pairs are ordered by id")
			assert.Equal(t, tt.want, pairs[0].Rules)
		})
	}
}

func existingFacts() []types.Fact {
	mk := func(id, category, item string, details map[string]any) types.Fact {
		f := types.Fact{
			ID: id, DealID: "deal-1", Domain: types.DomainApplications, Entity: types.EntityTarget,
			Category: category, Item: item, Details: details, Confidence: 0.8,
			AuthorityLevel: 1, Version: 1, Active: true,
		}
		f.Checksum = f.ComputeChecksum()
		return f
	}
	return []types.Fact{
		mk("f-erp", "ERP", "SAP S/4HANA", map[string]any{"users": 250}),
		mk("f-okta-1", "Identity", "Okta SSO tenant", nil),
		mk("f-win", "Hosting", "Windows Server", map[string]any{"count": 40}),
		mk("f-crm-1", "CRM", "Salesforce", map[string]any{"org": "emea"}),
		mk("f-crm-2", "CRM", "Salesforce", map[string]any{"org": "us"}),
	}
}

func TestMatchExisting(t *testing.T) {
	m := newTestMatcher(t)
	existing := existingFacts()

	incoming := func(category, item string, details map[string]any) types.Fact {
		return types.Fact{
			ID: "incoming", DealID: "deal-1", Domain: types.DomainApplications, Entity: types.EntityTarget,
			Category: category, Item: item, Details: details, Confidence: 0.95,
			SourceDocID: "doc-new", AuthorityLevel: 3,
		}
	}

	tests := []struct {
		name     string
		fact     types.Fact
		wantKind MatchKind
		wantID   string
	}{
		{"identical content from another source", incoming("ERP", "sap s/4hana", map[string]any{"users": 250}), MatchDuplicate, "f-erp"},
		{"same name different details", incoming("ERP", "SAP S/4HANA", map[string]any{"users": 300}), MatchExact, "f-erp"},
		{"token containment", incoming("Identity", "Okta SSO", nil), MatchFuzzy, "f-okta-1"},
		{"single edit", incoming("Hosting", "Windows Servers", map[string]any{"count": 41}), MatchFuzzy, "f-win"},
		{"category must match", incoming("Hosting", "SAP S/4HANA", nil), MatchNone, ""},
		{"unrelated", incoming("ERP", "NetSuite", nil), MatchNone, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := m.MatchExisting(tt.fact, existing)
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, res.Kind)
			if tt.wantID == "" {
				assert.Nil(t, res.Existing)
				return
			}
			require.NotNil(t, res.Existing)
			assert.Equal(t, tt.wantID, res.Existing.ID)
		})
	}
}

// TestMatchExistingAmbiguous verifies several equally good candidates are
// surfaced rather than resolved by picking one
func TestMatchExistingAmbiguous(t *testing.T) {
	m := newTestMatcher(t)
	existing := existingFacts()

	fact := types.Fact{
		ID: "incoming", DealID: "deal-1", Domain: types.DomainApplications, Entity: types.EntityTarget,
		Category: "CRM", Item: "Salesforce", Details: map[string]any{"org": "apac"},
	}
	res, err := m.MatchExisting(fact, existing)
	var amb *types.AmbiguousMatchError
	require.True(t, errors.As(err, &amb), "expected AmbiguousMatchError, got %v", err)
	assert.Equal(t, []string{"f-crm-1", "f-crm-2"}, amb.MatchedIDs)
	assert.Equal(t, MatchNone, res.Kind)

	// Two fuzzy candidates are just as ambiguous
	extra := existing[1]
	extra.ID = "f-okta-2"
	extra.Item = "Okta SSO portal"
	extra.Checksum = extra.ComputeChecksum()
	fact.Category = "Identity"
	fact.Item = "Okta SSO"
	fact.Details = nil
	_, err = m.MatchExisting(fact, append(existing, extra))
	require.True(t, errors.As(err, &amb))
	assert.Equal(t, []string{"f-okta-1", "f-okta-2"}, amb.MatchedIDs)
}

func TestMatchExistingScope(t *testing.T) {
	m := newTestMatcher(t)
	existing := existingFacts()
	existing[0].Active = false

	fact := existing[0]
	fact.ID = "incoming"
	fact.Active = true
	res, err := m.MatchExisting(fact, existing)
	require.NoError(t, err)
	assert.Equal(t, MatchNone, res.Kind, "inactive facts are not merge targets")

	fact = existingFacts()[0]
	fact.ID = "incoming"
	fact.Entity = types.EntityBuyer
	res, err = m.MatchExisting(fact, existingFacts())
	require.NoError(t, err)
	assert.Equal(t, MatchNone, res.Kind, "entity is a hard boundary")
}

func TestDistance(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"kitten", "sitting", 3},
		{"", "abc", 3},
		{"abc", "", 3},
		{"same", "same", 0},
		{"größe", "grösse", 2},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Distance(tt.a, tt.b), "Distance(%q, %q)", tt.a, tt.b)
	}
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.MinKeywordOverlap = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.MaxEditDistance = -1
	assert.Error(t, cfg.Validate())

	_, err := New(cfg, nil, nil)
	assert.Error(t, err)
}
