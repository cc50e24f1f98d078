package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ChangeKind classifies a detected mutation of the fact base
type ChangeKind string

const (
	ChangeNew      ChangeKind = "new"
	ChangeUpdate   ChangeKind = "update"
	ChangeConflict ChangeKind = "conflict"
	ChangeRemoval  ChangeKind = "removal"
)

// IsValid checks if the change kind value is valid
func (k ChangeKind) IsValid() bool {
	switch k {
	case ChangeNew, ChangeUpdate, ChangeConflict, ChangeRemoval:
		return true
	}
	return false
}

// Tier routes a change to automatic or reviewed application
type Tier int

const (
	// TierAuto changes apply immediately and are only audited
	TierAuto Tier = 1
	// TierBatch changes are reviewed in bulk
	TierBatch Tier = 2
	// TierManual changes need an individual decision with a note
	TierManual Tier = 3
)

// IsValid checks if the tier value is valid
func (t Tier) IsValid() bool {
	switch t {
	case TierAuto, TierBatch, TierManual:
		return true
	}
	return false
}

func (t Tier) String() string {
	switch t {
	case TierAuto:
		return "tier1"
	case TierBatch:
		return "tier2"
	case TierManual:
		return "tier3"
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// TargetType names the kind of record a pending change mutates
type TargetType string

const (
	TargetFact    TargetType = "fact"
	TargetFinding TargetType = "finding"
)

// IsValid checks if the target type value is valid
func (t TargetType) IsValid() bool {
	return t == TargetFact || t == TargetFinding
}

// ChangeStatus is the review state of a pending change
type ChangeStatus string

const (
	StatusPending  ChangeStatus = "pending"
	StatusAccepted ChangeStatus = "accepted"
	StatusRejected ChangeStatus = "rejected"
	StatusDeferred ChangeStatus = "deferred"
)

// IsValid checks if the change status value is valid
func (s ChangeStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusRejected, StatusDeferred:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible
func (s ChangeStatus) IsTerminal() bool {
	return s == StatusAccepted || s == StatusRejected
}

// ValidTransitions defines the review state machine.
//
//	pending → accepted | rejected | deferred
//	deferred → accepted | rejected | pending (after the defer horizon)
//	accepted, rejected: terminal
func (s ChangeStatus) ValidTransitions() []ChangeStatus {
	switch s {
	case StatusPending:
		return []ChangeStatus{StatusAccepted, StatusRejected, StatusDeferred}
	case StatusDeferred:
		return []ChangeStatus{StatusAccepted, StatusRejected, StatusPending}
	case StatusAccepted, StatusRejected:
		return []ChangeStatus{}
	}
	return []ChangeStatus{}
}

// CanTransitionTo checks if a transition from this status to the target is valid
func (s ChangeStatus) CanTransitionTo(target ChangeStatus) bool {
	for _, valid := range s.ValidTransitions() {
		if valid == target {
			return true
		}
	}
	return false
}

// PendingChange is a mutation that has been detected but not applied
type PendingChange struct {
	ID             string          `json:"id"`
	DealID         string          `json:"deal_id"`
	Kind           ChangeKind      `json:"kind"`
	TargetType     TargetType      `json:"target_type"`
	TargetID       string          `json:"target_id,omitempty"` // empty for new facts
	BaseVersion    int             `json:"base_version"`        // target version observed when queued
	OldValue       json.RawMessage `json:"old_value,omitempty"`
	NewValue       json.RawMessage `json:"new_value,omitempty"`
	Tier           Tier            `json:"tier"`
	Status         ChangeStatus    `json:"status"`
	Rule           string          `json:"rule"`
	ResolutionNote string          `json:"resolution_note,omitempty"`
	ResolvedBy     string          `json:"resolved_by,omitempty"`
	DeferredUntil  *time.Time      `json:"deferred_until,omitempty"`
	Version        int             `json:"version"` // bumped on every status write
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
}

// Validate checks if the pending change has valid field values
func (c *PendingChange) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("id is required")
	}
	if c.DealID == "" {
		return fmt.Errorf("deal_id is required")
	}
	if !c.Kind.IsValid() {
		return fmt.Errorf("invalid change kind: %q", c.Kind)
	}
	if !c.TargetType.IsValid() {
		return fmt.Errorf("invalid target type: %q", c.TargetType)
	}
	if c.Kind != ChangeNew && c.TargetID == "" {
		return fmt.Errorf("target_id is required for %s changes", c.Kind)
	}
	if !c.Tier.IsValid() {
		return fmt.Errorf("invalid tier: %d", c.Tier)
	}
	if !c.Status.IsValid() {
		return fmt.Errorf("invalid status: %q", c.Status)
	}
	if c.Kind != ChangeRemoval && len(c.NewValue) == 0 {
		return fmt.Errorf("new_value is required for %s changes", c.Kind)
	}
	for _, raw := range []json.RawMessage{c.OldValue, c.NewValue} {
		if len(raw) > 0 && !json.Valid(raw) {
			return fmt.Errorf("snapshot values must be valid JSON")
		}
	}
	if c.Status == StatusDeferred && c.DeferredUntil == nil {
		return fmt.Errorf("deferred_until is required for deferred changes")
	}
	return nil
}

// ProposedFact decodes the proposed new fact snapshot
func (c *PendingChange) ProposedFact() (*Fact, error) {
	if len(c.NewValue) == 0 {
		return nil, nil
	}
	var f Fact
	if err := json.Unmarshal(c.NewValue, &f); err != nil {
		return nil, fmt.Errorf("failed to decode proposed fact for change %s: %w", c.ID, err)
	}
	return &f, nil
}

// ChangeFilter is used to filter pending change queries
type ChangeFilter struct {
	DealID string
	Tier   *Tier
	Status *ChangeStatus
	Limit  int
}

// AuditAction names the event recorded in the audit trail
type AuditAction string

const (
	AuditAutoApplied           AuditAction = "auto_applied"
	AuditAccepted              AuditAction = "accepted"
	AuditRejected              AuditAction = "rejected"
	AuditDeferred              AuditAction = "deferred"
	AuditReopened              AuditAction = "reopened"
	AuditExpired               AuditAction = "expired"
	AuditDowngraded            AuditAction = "downgraded"
	AuditConsolidated          AuditAction = "consolidated"
	AuditConsolidationRejected AuditAction = "consolidation_rejected"
)

// IsValid checks if the audit action value is valid
func (a AuditAction) IsValid() bool {
	switch a {
	case AuditAutoApplied, AuditAccepted, AuditRejected, AuditDeferred, AuditReopened,
		AuditExpired, AuditDowngraded, AuditConsolidated, AuditConsolidationRejected:
		return true
	}
	return false
}

// AuditEvent is an immutable audit trail entry (who/what/when/old→new)
type AuditEvent struct {
	ID         int64       `json:"id"`
	DealID     string      `json:"deal_id"`
	TargetType TargetType  `json:"target_type"`
	TargetID   string      `json:"target_id"`
	ChangeID   string      `json:"change_id,omitempty"`
	Action     AuditAction `json:"action"`
	Tier       Tier        `json:"tier,omitempty"`
	Actor      string      `json:"actor"`
	OldValue   *string     `json:"old_value,omitempty"`
	NewValue   *string     `json:"new_value,omitempty"`
	Comment    *string     `json:"comment,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Validate checks if the audit event has valid field values
func (e *AuditEvent) Validate() error {
	if e.DealID == "" {
		return fmt.Errorf("deal_id is required")
	}
	if !e.Action.IsValid() {
		return fmt.Errorf("invalid audit action: %q", e.Action)
	}
	if strings.TrimSpace(e.Actor) == "" {
		return fmt.Errorf("actor is required")
	}
	if e.Tier != 0 && !e.Tier.IsValid() {
		return fmt.Errorf("invalid tier: %d", e.Tier)
	}
	return nil
}

// AuditFilter is used to filter audit trail queries
type AuditFilter struct {
	DealID   string
	TargetID string
	Action   *AuditAction
	Limit    int
}

// StringPtr returns a pointer to s, or nil for the empty string
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
