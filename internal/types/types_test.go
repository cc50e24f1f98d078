package types

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func validRisk() Finding {
	return Finding{
		ID:             "r-1",
		DealID:         "deal-1",
		Domain:         DomainApplications,
		Entity:         EntityTarget,
		Kind:           KindRisk,
		Title:          "SAP and Oracle running in parallel",
		Severity:       SeverityHigh,
		EvidenceFacts:  []string{"f-1"},
		EvidenceQuotes: []string{"Finance runs on SAP while the US entity still uses Oracle EBS"},
	}
}

// TestRiskEvidenceInvariant verifies a Risk must carry supporting facts and a quote
func TestRiskEvidenceInvariant(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(f *Finding)
		wantRule string
	}{
		{"valid risk", func(f *Finding) {}, ""},
		{"no supporting facts", func(f *Finding) { f.EvidenceFacts = nil }, RuleRiskMissingFacts},
		{"empty supporting facts", func(f *Finding) { f.EvidenceFacts = []string{} }, RuleRiskMissingFacts},
		{"no quotes", func(f *Finding) { f.EvidenceQuotes = nil }, RuleRiskMissingQuote},
		{"blank quotes only", func(f *Finding) { f.EvidenceQuotes = []string{"  ", "\n"} }, RuleRiskMissingQuote},
		{"observation without evidence is fine", func(f *Finding) {
			f.Kind = KindObservation
			f.EvidenceFacts = nil
			f.EvidenceQuotes = nil
		}, ""},
		{"gap without question", func(f *Finding) { f.Kind = KindGap }, RuleGapMissingQuestion},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := validRisk()
			tt.mutate(&f)
			err := f.Validate()
			if tt.wantRule == "" {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected *ValidationError, got %T (%v)", err, err)
			}
			if ve.Rule != tt.wantRule {
				t.Errorf("rule = %q, want %q", ve.Rule, tt.wantRule)
			}
		})
	}
}

// TestDemoteNeverPromotes verifies classification only moves down
func TestDemoteNeverPromotes(t *testing.T) {
	tests := []struct {
		from, to FindingKind
		allowed  bool
	}{
		{KindRisk, KindObservation, true},
		{KindRisk, KindGap, true},
		{KindObservation, KindGap, true},
		{KindObservation, KindRisk, false},
		{KindGap, KindRisk, false},
		{KindGap, KindObservation, false},
		{KindRisk, KindRisk, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			f := validRisk()
			f.Kind = tt.from
			err := f.Demote(tt.to, "test_rule")
			if tt.allowed && err != nil {
				t.Fatalf("expected demotion to be allowed: %v", err)
			}
			if !tt.allowed && err == nil {
				t.Fatalf("expected demotion %s -> %s to be refused", tt.from, tt.to)
			}
			if tt.allowed {
				if f.Kind != tt.to {
					t.Errorf("kind = %s, want %s", f.Kind, tt.to)
				}
				if f.DowngradeReason != "test_rule" {
					t.Errorf("downgrade reason not recorded: %q", f.DowngradeReason)
				}
			}
		})
	}
}

func TestDemoteToGapSetsQuestion(t *testing.T) {
	f := validRisk()
	if err := f.Demote(KindGap, RuleRiskMissingFacts); err != nil {
		t.Fatal(err)
	}
	if err := f.Validate(); err != nil {
		t.Errorf("demoted gap should validate: %v", err)
	}
	if !strings.Contains(f.Question, f.Title) {
		t.Errorf("question should reference the title, got %q", f.Question)
	}
}

func TestMaxSeverity(t *testing.T) {
	tests := []struct {
		in   []Severity
		want Severity
	}{
		{[]Severity{SeverityLow, SeverityHigh, SeverityMedium}, SeverityHigh},
		{[]Severity{SeverityCritical, SeverityLow}, SeverityCritical},
		{[]Severity{"bogus", SeverityLow}, SeverityLow},
		{nil, ""},
	}
	for _, tt := range tests {
		if got := MaxSeverity(tt.in...); got != tt.want {
			t.Errorf("MaxSeverity(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// TestChecksumIgnoresProvenance verifies the checksum covers content, not source
func TestChecksumIgnoresProvenance(t *testing.T) {
	a := Fact{
		Domain: DomainApplications, Entity: EntityTarget,
		Category: "ERP", Item: "SAP S/4HANA",
		Details:    map[string]any{"users": 250, "hosting": "on-prem"},
		Confidence: 0.8, SourceDocID: "doc-1", AuthorityLevel: 1,
	}
	b := a
	b.Item = "  sap s/4hana "
	b.Details = map[string]any{"hosting": "On-Prem", "users": 250}
	b.Confidence = 0.95
	b.SourceDocID = "doc-2"
	b.AuthorityLevel = 3

	if a.ComputeChecksum() != b.ComputeChecksum() {
		t.Error("checksums should match for identical normalized content")
	}

	b.Details["users"] = 300
	if a.ComputeChecksum() == b.ComputeChecksum() {
		t.Error("checksums should differ when details differ")
	}
}

func TestFactValidate(t *testing.T) {
	base := Fact{ID: "f-1", DealID: "d", Domain: DomainSecurity, Entity: EntityBuyer, Item: "MFA", Confidence: 0.5}
	if err := base.Validate(); err != nil {
		t.Fatalf("valid fact rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(f *Fact)
		msg    string
	}{
		{"missing entity", func(f *Fact) { f.Entity = "" }, "invalid entity"},
		{"cross domain", func(f *Fact) { f.Domain = DomainCrossDomain }, "invalid domain"},
		{"confidence too high", func(f *Fact) { f.Confidence = 1.2 }, "confidence must be between"},
		{"negative authority", func(f *Fact) { f.AuthorityLevel = -1 }, "authority_level cannot be negative"},
		{"self reference", func(f *Fact) { f.PreviousVersionID = f.ID }, "cannot reference the fact itself"},
		{"blank item", func(f *Fact) { f.Item = "  " }, "item is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := base
			tt.mutate(&f)
			err := f.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.msg) {
				t.Errorf("expected error containing %q, got %v", tt.msg, err)
			}
		})
	}
}

// TestChangeStatusTransitions covers the review state machine
func TestChangeStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to ChangeStatus
		ok       bool
	}{
		{StatusPending, StatusAccepted, true},
		{StatusPending, StatusRejected, true},
		{StatusPending, StatusDeferred, true},
		{StatusDeferred, StatusAccepted, true},
		{StatusDeferred, StatusRejected, true},
		{StatusDeferred, StatusPending, true},
		{StatusAccepted, StatusRejected, false},
		{StatusAccepted, StatusPending, false},
		{StatusRejected, StatusAccepted, false},
		{StatusPending, StatusPending, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.ok {
			t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
	if !StatusAccepted.IsTerminal() || !StatusRejected.IsTerminal() || StatusDeferred.IsTerminal() {
		t.Error("terminal status classification is wrong")
	}
}

func TestPendingChangeValidate(t *testing.T) {
	now := time.Now()
	fact, _ := json.Marshal(Fact{ID: "f-2", Item: "x"})
	base := PendingChange{
		ID: "c-1", DealID: "d", Kind: ChangeUpdate, TargetType: TargetFact, TargetID: "f-1",
		NewValue: fact, Tier: TierBatch, Status: StatusPending, CreatedAt: now, UpdatedAt: now,
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("valid change rejected: %v", err)
	}

	c := base
	c.TargetID = ""
	if err := c.Validate(); err == nil {
		t.Error("update without target should fail")
	}

	c = base
	c.Kind = ChangeNew
	c.TargetID = ""
	if err := c.Validate(); err != nil {
		t.Errorf("new change without target should pass: %v", err)
	}

	c = base
	c.Kind = ChangeRemoval
	c.NewValue = nil
	if err := c.Validate(); err != nil {
		t.Errorf("removal without new value should pass: %v", err)
	}

	c = base
	c.Status = StatusDeferred
	if err := c.Validate(); err == nil {
		t.Error("deferred change without horizon should fail")
	}

	c = base
	c.Tier = 4
	if err := c.Validate(); err == nil {
		t.Error("tier 4 should be rejected")
	}

	proposed, err := base.ProposedFact()
	if err != nil || proposed == nil || proposed.ID != "f-2" {
		t.Errorf("ProposedFact() = %v, %v", proposed, err)
	}
}

func TestSameChildren(t *testing.T) {
	if !SameChildren([]string{"a", "b", "c"}, []string{"c", "a", "b"}) {
		t.Error("same sets in different order should match")
	}
	if SameChildren([]string{"a", "b"}, []string{"a", "b", "c"}) {
		t.Error("different sizes should not match")
	}
	if SameChildren([]string{"a", "a"}, []string{"a", "b"}) {
		t.Error("multisets with different members should not match")
	}
}

func TestPersistenceConflictDetection(t *testing.T) {
	err := &PersistenceConflictError{Table: "facts", ID: "f-1", ExpectedVersion: 1, ActualVersion: 2}
	wrapped := errors.Join(errors.New("write failed"), err)
	if !IsPersistenceConflict(wrapped) {
		t.Error("wrapped conflict should be detected")
	}
	if IsPersistenceConflict(errors.New("other")) {
		t.Error("unrelated error misdetected")
	}
}
