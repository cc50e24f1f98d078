package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("record not found")

// ErrChangedSinceLoaded is surfaced to reviewers when a record was modified
// concurrently twice in a row and the action could not be applied safely
var ErrChangedSinceLoaded = errors.New("changed since you loaded this")

// Validation rule names. These are recorded on downgrades and rejected
// consolidations so no reclassification is ever silent.
const (
	RuleRiskMissingFacts   = "risk_missing_evidence_facts"
	RuleRiskMissingQuote   = "risk_missing_evidence_quote"
	RuleGapMissingQuestion = "gap_missing_question"
	RuleUnsupportedSystems = "summary_unsupported_systems"
	RuleUnsupportedTerms   = "summary_unsupported_terms"
	RuleSeverityMismatch   = "summary_severity_mismatch"
	RuleInvalidChild       = "consolidation_invalid_child"
	RuleScopeMismatch      = "consolidation_scope_mismatch"
	RuleNoteRequired       = "manual_review_note_required"
)

// ValidationError reports a record that violates a hard invariant
type ValidationError struct {
	Rule     string
	TargetID string
	Message  string
	Details  []string
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("validation failed (%s)", e.Rule)
	if e.TargetID != "" {
		msg += " for " + e.TargetID
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if len(e.Details) > 0 {
		msg += " [" + strings.Join(e.Details, ", ") + "]"
	}
	return msg
}

// AmbiguousMatchError is returned when more than one existing record is an
// equally good fuzzy match. The incoming record must be treated as new.
type AmbiguousMatchError struct {
	CandidateID  string
	MatchedIDs   []string
	NormalizedAs string
}

func (e *AmbiguousMatchError) Error() string {
	return fmt.Sprintf("ambiguous match for %s (%q): %d candidates [%s]",
		e.CandidateID, e.NormalizedAs, len(e.MatchedIDs), strings.Join(e.MatchedIDs, ", "))
}

// ConflictError reports contradictory values from sources of equal authority
type ConflictError struct {
	ExistingID string
	IncomingID string
	Reason     string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicting values for %s (incoming %s): %s", e.ExistingID, e.IncomingID, e.Reason)
}

// ExternalServiceError wraps a failure of an external collaborator
type ExternalServiceError struct {
	Service string
	Op      string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Service, e.Op, e.Err)
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}

// PersistenceConflictError is returned by version-checked writes when the
// stored record no longer matches the version the caller read
type PersistenceConflictError struct {
	Table           string
	ID              string
	ExpectedVersion int
	ActualVersion   int
}

func (e *PersistenceConflictError) Error() string {
	return fmt.Sprintf("concurrent modification of %s %s: expected version %d, found %d",
		e.Table, e.ID, e.ExpectedVersion, e.ActualVersion)
}

// IsPersistenceConflict reports whether err is (or wraps) a PersistenceConflictError
func IsPersistenceConflict(err error) bool {
	var pce *PersistenceConflictError
	return errors.As(err, &pce)
}
