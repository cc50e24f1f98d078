package types

import "time"

// FactFilter is used to filter fact queries
type FactFilter struct {
	DealID     string
	Domain     *Domain
	Entity     *Entity
	ActiveOnly bool
	SourceDoc  string
}

// FindingFilter is used to filter finding queries
type FindingFilter struct {
	DealID             string
	Domain             *Domain
	Entity             *Entity
	Kind               *FindingKind
	ConsolidatedRiskID string
	Limit              int
}

// Supersession replaces the current head of a fact chain with a new version.
// The write fails with *PersistenceConflictError when PriorID is no longer
// the active head at ExpectedVersion.
type Supersession struct {
	PriorID         string
	ExpectedVersion int
	Next            Fact
}

// FactRef names a specific version of a fact
type FactRef struct {
	ID              string
	ExpectedVersion int
}

// PassWrite is everything one reconciliation pass persists. It is written in
// a single transaction; nothing is visible until all of it commits.
type PassWrite struct {
	DealID string

	// Tier 1 fact changes applied in-pass
	NewFacts      []Fact
	Supersessions []Supersession

	// Findings after validation (demoted findings included) and the
	// consolidated risks built from them
	Findings          []Finding
	ConsolidatedRisks []ConsolidatedRisk
	RetiredRiskIDs    []string

	PendingChanges []PendingChange
	Audit          []AuditEvent

	CompletedAt time.Time
}

// Resolution is a reviewer decision on one pending change, applied
// atomically together with the fact mutation it implies
type Resolution struct {
	ChangeID        string
	ExpectedVersion int

	Status        ChangeStatus
	Note          string
	Actor         string
	DeferredUntil *time.Time
	At            time.Time

	// At most one fact mutation, only for accepted changes
	InsertFact *Fact
	Supersede  *Supersession
	Deactivate *FactRef

	Audit AuditEvent
}
