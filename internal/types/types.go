package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/steveyegge/recon/internal/lexicon"
)

// Domain is the closed set of diligence domains a record belongs to
type Domain string

const (
	DomainApplications   Domain = "applications"
	DomainInfrastructure Domain = "infrastructure"
	DomainOrganization   Domain = "organization"
	DomainSecurity       Domain = "security"

	// DomainCrossDomain is reserved for an explicit cross-domain construct.
	// Clustering never produces it by merging groups from different domains.
	DomainCrossDomain Domain = "cross_domain"
)

// AllDomains lists the domains a pass iterates, in processing order
var AllDomains = []Domain{
	DomainApplications,
	DomainInfrastructure,
	DomainOrganization,
	DomainSecurity,
}

// IsValid checks if the domain value is valid
func (d Domain) IsValid() bool {
	switch d {
	case DomainApplications, DomainInfrastructure, DomainOrganization, DomainSecurity, DomainCrossDomain:
		return true
	}
	return false
}

// Entity is the counterparty a record pertains to
type Entity string

const (
	EntityTarget Entity = "target"
	EntityBuyer  Entity = "buyer"
)

// AllEntities lists the entities a pass iterates, in processing order
var AllEntities = []Entity{EntityTarget, EntityBuyer}

// IsValid checks if the entity value is valid. The empty entity is never valid.
func (e Entity) IsValid() bool {
	switch e {
	case EntityTarget, EntityBuyer:
		return true
	}
	return false
}

// FindingKind tags the Finding variant
type FindingKind string

const (
	KindRisk        FindingKind = "risk"
	KindGap         FindingKind = "gap"
	KindObservation FindingKind = "observation"
)

// IsValid checks if the finding kind value is valid
func (k FindingKind) IsValid() bool {
	switch k {
	case KindRisk, KindGap, KindObservation:
		return true
	}
	return false
}

// CanDemoteTo reports whether a validator may reclassify k as target.
// Classification only ever moves down: risk → observation, risk/observation → gap.
func (k FindingKind) CanDemoteTo(target FindingKind) bool {
	switch k {
	case KindRisk:
		return target == KindObservation || target == KindGap
	case KindObservation:
		return target == KindGap
	case KindGap:
		return false
	}
	return false
}

// Severity ranks how bad a finding is
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the ordinal of the severity (low=1 … critical=4), 0 if invalid
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// IsValid checks if the severity value is valid
func (s Severity) IsValid() bool {
	return s.Rank() > 0
}

// MaxSeverity returns the highest severity in the list (empty if none are valid)
func MaxSeverity(severities ...Severity) Severity {
	var max Severity
	for _, s := range severities {
		if s.Rank() > max.Rank() {
			max = s
		}
	}
	return max
}

// Fact is an atomic extracted statement about the target or the buyer.
//
// Facts are never overwritten: a content change produces a new version that
// points back at its predecessor through PreviousVersionID, and removal only
// clears Active.
type Fact struct {
	ID                string         `json:"id"`
	DealID            string         `json:"deal_id"`
	Domain            Domain         `json:"domain"`
	Entity            Entity         `json:"entity"`
	Category          string         `json:"category"`
	Item              string         `json:"item"`
	Details           map[string]any `json:"details,omitempty"`
	Evidence          string         `json:"evidence"`
	Confidence        float64        `json:"confidence"`
	SourceDocID       string         `json:"source_doc_id"`
	AuthorityLevel    int            `json:"authority_level"`
	Checksum          string         `json:"checksum"`
	PreviousVersionID string         `json:"previous_version_id,omitempty"`
	Version           int            `json:"version"`
	Active            bool           `json:"active"`
	Footnotes         []Footnote     `json:"footnotes,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// Footnote retains a superseded lower-authority value alongside the fact that replaced it
type Footnote struct {
	FactID         string         `json:"fact_id"`
	Item           string         `json:"item"`
	Details        map[string]any `json:"details,omitempty"`
	Evidence       string         `json:"evidence,omitempty"`
	SourceDocID    string         `json:"source_doc_id"`
	AuthorityLevel int            `json:"authority_level"`
}

// Validate checks if the fact has valid field values
func (f *Fact) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("id is required")
	}
	if f.DealID == "" {
		return fmt.Errorf("deal_id is required")
	}
	if !f.Domain.IsValid() || f.Domain == DomainCrossDomain {
		return fmt.Errorf("invalid domain: %q", f.Domain)
	}
	if !f.Entity.IsValid() {
		return fmt.Errorf("invalid entity: %q", f.Entity)
	}
	if strings.TrimSpace(f.Item) == "" {
		return fmt.Errorf("item is required")
	}
	if f.Confidence < 0.0 || f.Confidence > 1.0 {
		return fmt.Errorf("confidence must be between 0.0 and 1.0 (got %.2f)", f.Confidence)
	}
	if f.AuthorityLevel < 0 {
		return fmt.Errorf("authority_level cannot be negative (got %d)", f.AuthorityLevel)
	}
	if f.PreviousVersionID == f.ID {
		return fmt.Errorf("previous_version_id cannot reference the fact itself")
	}
	return nil
}

// NormalizedItem returns the item label used for name matching
func (f *Fact) NormalizedItem() string {
	return lexicon.Normalize(f.Item)
}

// ComputeChecksum hashes the normalized content of the fact.
// Provenance fields (source, confidence, authority) are excluded so the same
// statement extracted from two documents hashes identically.
func (f *Fact) ComputeChecksum() string {
	var b strings.Builder
	b.WriteString(string(f.Domain))
	b.WriteByte('|')
	b.WriteString(string(f.Entity))
	b.WriteByte('|')
	b.WriteString(lexicon.Normalize(f.Category))
	b.WriteByte('|')
	b.WriteString(lexicon.Normalize(f.Item))
	b.WriteByte('|')

	keys := make([]string, 0, len(f.Details))
	for k := range f.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, _ := json.Marshal(f.Details[k])
		b.WriteString(lexicon.Normalize(k))
		b.WriteByte('=')
		b.WriteString(lexicon.Normalize(string(v)))
		b.WriteByte(';')
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Text returns the searchable text of the fact (item, details and evidence)
func (f *Fact) Text() string {
	parts := []string{f.Item, f.Evidence}
	keys := make([]string, 0, len(f.Details))
	for k := range f.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprint(f.Details[k]))
	}
	return strings.Join(parts, " ")
}

// Finding is a Risk, Gap, or Observation derived from facts
type Finding struct {
	ID                 string      `json:"id"`
	DealID             string      `json:"deal_id"`
	Domain             Domain      `json:"domain"`
	Entity             Entity      `json:"entity"`
	Kind               FindingKind `json:"kind"`
	Title              string      `json:"title"`
	Description        string      `json:"description"`
	Severity           Severity    `json:"severity,omitempty"`
	Category           string      `json:"category,omitempty"`
	EvidenceFacts      []string    `json:"evidence_facts"`
	EvidenceQuotes     []string    `json:"evidence_quotes,omitempty"`
	KeySystems         []string    `json:"key_systems,omitempty"`
	SourceDocIDs       []string    `json:"source_doc_ids,omitempty"`
	Question           string      `json:"question,omitempty"`  // gap only
	Important          bool        `json:"important,omitempty"` // gap only
	DowngradeReason    string      `json:"downgrade_reason,omitempty"`
	ConsolidatedRiskID string      `json:"consolidated_risk_id,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
}

// Validate checks if the finding has valid field values.
// A Risk without supporting facts or a verbatim quote fails with a *ValidationError.
func (f *Finding) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("id is required")
	}
	if f.DealID == "" {
		return fmt.Errorf("deal_id is required")
	}
	if !f.Domain.IsValid() || f.Domain == DomainCrossDomain {
		return fmt.Errorf("invalid domain: %q", f.Domain)
	}
	if !f.Entity.IsValid() {
		return fmt.Errorf("invalid entity: %q", f.Entity)
	}
	if !f.Kind.IsValid() {
		return fmt.Errorf("invalid finding kind: %q", f.Kind)
	}
	if strings.TrimSpace(f.Title) == "" {
		return fmt.Errorf("title is required")
	}
	if f.Severity != "" && !f.Severity.IsValid() {
		return fmt.Errorf("invalid severity: %q", f.Severity)
	}

	switch f.Kind {
	case KindRisk:
		if len(f.EvidenceFacts) == 0 {
			return &ValidationError{
				Rule:     RuleRiskMissingFacts,
				TargetID: f.ID,
				Message:  "risk must reference at least one supporting fact",
			}
		}
		if !hasNonBlank(f.EvidenceQuotes) {
			return &ValidationError{
				Rule:     RuleRiskMissingQuote,
				TargetID: f.ID,
				Message:  "risk must carry at least one verbatim evidence quote",
			}
		}
	case KindGap:
		if strings.TrimSpace(f.Question) == "" {
			return &ValidationError{
				Rule:     RuleGapMissingQuestion,
				TargetID: f.ID,
				Message:  "gap must carry a question for the seller",
			}
		}
	case KindObservation:
	}
	return nil
}

// Demote reclassifies the finding, recording the rule that triggered it.
// Promotion is refused.
func (f *Finding) Demote(to FindingKind, rule string) error {
	if !f.Kind.CanDemoteTo(to) {
		return fmt.Errorf("cannot reclassify %s %s as %s", f.Kind, f.ID, to)
	}
	f.Kind = to
	f.DowngradeReason = rule
	if to == KindGap && strings.TrimSpace(f.Question) == "" {
		f.Question = fmt.Sprintf("Please provide documentation supporting: %s", f.Title)
	}
	return nil
}

// Text returns the searchable text of the finding
func (f *Finding) Text() string {
	parts := []string{f.Title, f.Description}
	parts = append(parts, f.EvidenceQuotes...)
	return strings.Join(parts, " ")
}

func hasNonBlank(values []string) bool {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return true
		}
	}
	return false
}

// FieldProvenance records which children contributed a claim of a consolidated summary
type FieldProvenance struct {
	Field    string   `json:"field"`
	Claim    string   `json:"claim"`
	ChildIDs []string `json:"child_ids"`
}

// ConsolidatedRisk groups related Risk findings of one domain and one entity
type ConsolidatedRisk struct {
	ID                 string            `json:"id"`
	DealID             string            `json:"deal_id"`
	Domain             Domain            `json:"domain"`
	Entity             Entity            `json:"entity"`
	Title              string            `json:"title"`
	Description        string            `json:"description"`
	Severity           Severity          `json:"severity"`
	ChildFindingIDs    []string          `json:"child_finding_ids"`
	SupportingFactIDs  []string          `json:"supporting_fact_ids"`
	KeySystems         []string          `json:"key_systems"`
	Provenance         []FieldProvenance `json:"provenance"`
	GroupingConfidence float64           `json:"grouping_confidence"`
	Version            int               `json:"version"`
	Active             bool              `json:"active"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// Validate checks if the consolidated risk has valid field values
func (c *ConsolidatedRisk) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("id is required")
	}
	if c.DealID == "" {
		return fmt.Errorf("deal_id is required")
	}
	if !c.Domain.IsValid() {
		return fmt.Errorf("invalid domain: %q", c.Domain)
	}
	if !c.Entity.IsValid() {
		return fmt.Errorf("invalid entity: %q", c.Entity)
	}
	if len(c.ChildFindingIDs) == 0 {
		return fmt.Errorf("consolidated risk must have at least one child")
	}
	if !c.Severity.IsValid() {
		return fmt.Errorf("invalid severity: %q", c.Severity)
	}
	if c.GroupingConfidence < 0.0 || c.GroupingConfidence > 1.0 {
		return fmt.Errorf("grouping_confidence must be between 0.0 and 1.0 (got %.2f)", c.GroupingConfidence)
	}
	if c.Version < 1 {
		return fmt.Errorf("version must be positive (got %d)", c.Version)
	}
	return nil
}

// SameChildren reports whether both child id sets are equal, ignoring order
func SameChildren(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, id := range a {
		seen[id]++
	}
	for _, id := range b {
		if seen[id] == 0 {
			return false
		}
		seen[id]--
	}
	return true
}

// Statistics provides aggregate review metrics for a deal
type Statistics struct {
	DealID        string                        `json:"deal_id"`
	ActiveFacts   int                           `json:"active_facts"`
	Findings      map[FindingKind]int           `json:"findings"`
	Consolidated  int                           `json:"consolidated_risks"`
	PendingByTier map[Tier]map[ChangeStatus]int `json:"pending_by_tier"`
}
