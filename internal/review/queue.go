// Package review drives pending changes through their review state machine.
//
//	pending → accepted | rejected | deferred
//	deferred → accepted | rejected | pending (Reopen, once the horizon passes)
//
// Accepting a fact change writes a new fact version in the same transaction
// as the status change; rejecting leaves the fact base untouched. Tier 3
// decisions need a note. Bulk decisions are limited to Tier 2.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/steveyegge/recon/internal/storage"
	"github.com/steveyegge/recon/internal/types"
)

// SystemActor is recorded on audit events written by the expiry and reopen sweeps
const SystemActor = "recon"

// Decision is what a reviewer supplies with an accept, reject or defer
type Decision struct {
	Actor string
	Note  string
	// Until overrides the default defer horizon
	Until *time.Time
}

// BulkResult reports the outcome of a bulk decision per change
type BulkResult struct {
	Applied []string
	Failed  map[string]error
}

// Queue is the reviewer-facing view of the pending change store
type Queue struct {
	store  storage.Storage
	config Config
	logger *slog.Logger
	now    func() time.Time
}

// NewQueue creates a review queue over store. A nil logger uses slog.Default().
func NewQueue(store storage.Storage, cfg Config, logger *slog.Logger) (*Queue, error) {
	if store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid review config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:  store,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}, nil
}

// List returns pending changes matching the filter, oldest first
func (q *Queue) List(ctx context.Context, filter types.ChangeFilter) ([]*types.PendingChange, error) {
	return q.store.ListPendingChanges(ctx, filter)
}

// Counts returns the number of changes per tier and status for a deal
func (q *Queue) Counts(ctx context.Context, dealID string) (map[types.Tier]map[types.ChangeStatus]int, error) {
	return q.store.CountPendingChanges(ctx, dealID)
}

// Accept applies a change. Fact changes produce a new fact version.
func (q *Queue) Accept(ctx context.Context, id string, d Decision) (*types.PendingChange, error) {
	return q.decide(ctx, id, types.StatusAccepted, d)
}

// Reject closes a change without touching its target
func (q *Queue) Reject(ctx context.Context, id string, d Decision) (*types.PendingChange, error) {
	return q.decide(ctx, id, types.StatusRejected, d)
}

// Defer parks a change until d.Until, or for the configured horizon
func (q *Queue) Defer(ctx context.Context, id string, d Decision) (*types.PendingChange, error) {
	return q.decide(ctx, id, types.StatusDeferred, d)
}

// BulkAccept accepts Tier 2 changes of a deal. An empty ids list means every
// pending Tier 2 change of the deal.
func (q *Queue) BulkAccept(ctx context.Context, dealID string, ids []string, actor, note string) (*BulkResult, error) {
	return q.bulk(ctx, dealID, ids, types.StatusAccepted, Decision{Actor: actor, Note: note})
}

// BulkReject rejects Tier 2 changes of a deal, with the same id semantics as BulkAccept
func (q *Queue) BulkReject(ctx context.Context, dealID string, ids []string, actor, note string) (*BulkResult, error) {
	return q.bulk(ctx, dealID, ids, types.StatusRejected, Decision{Actor: actor, Note: note})
}

// Reopen returns deferred changes whose horizon has passed to pending
func (q *Queue) Reopen(ctx context.Context, now time.Time) ([]*types.PendingChange, error) {
	reopened, err := q.store.ReopenDeferredChanges(ctx, now, SystemActor)
	if err != nil {
		return nil, fmt.Errorf("failed to reopen deferred changes: %w", err)
	}
	if len(reopened) > 0 {
		q.logger.Info("reopened deferred changes", slog.Int("count", len(reopened)))
	}
	return reopened, nil
}

// ExpireStale rejects changes that have been pending longer than the
// retention window
func (q *Queue) ExpireStale(ctx context.Context, now time.Time) ([]*types.PendingChange, error) {
	cutoff := now.Add(-q.config.RetentionWindow())
	expired, err := q.store.ExpirePendingChanges(ctx, cutoff, SystemActor)
	if err != nil {
		return nil, fmt.Errorf("failed to expire stale changes: %w", err)
	}
	if len(expired) > 0 {
		q.logger.Info("expired stale changes",
			slog.Int("count", len(expired)),
			slog.Time("cutoff", cutoff))
	}
	return expired, nil
}

func (q *Queue) bulk(ctx context.Context, dealID string, ids []string, status types.ChangeStatus, d Decision) (*BulkResult, error) {
	if dealID == "" {
		return nil, fmt.Errorf("deal_id is required for bulk review")
	}
	if len(ids) == 0 {
		tier := types.TierBatch
		pending := types.StatusPending
		changes, err := q.store.ListPendingChanges(ctx, types.ChangeFilter{DealID: dealID, Tier: &tier, Status: &pending})
		if err != nil {
			return nil, err
		}
		for _, c := range changes {
			ids = append(ids, c.ID)
		}
	}

	result := &BulkResult{Failed: make(map[string]error)}
	for _, id := range ids {
		change, err := q.store.GetPendingChange(ctx, id)
		if err != nil {
			result.Failed[id] = err
			continue
		}
		if change.DealID != dealID {
			result.Failed[id] = fmt.Errorf("change %s belongs to deal %q", id, change.DealID)
			continue
		}
		if change.Tier != types.TierBatch {
			result.Failed[id] = fmt.Errorf("bulk review is limited to %s changes; %s is %s", types.TierBatch, id, change.Tier)
			continue
		}
		if _, err := q.decide(ctx, id, status, d); err != nil {
			result.Failed[id] = err
			continue
		}
		result.Applied = append(result.Applied, id)
	}

	q.logger.Info("bulk review finished",
		slog.String("deal", dealID),
		slog.String("status", string(status)),
		slog.Int("applied", len(result.Applied)),
		slog.Int("failed", len(result.Failed)))
	return result, nil
}

// decide loads the change, builds the resolution and writes it. A concurrent
// modification is retried once against the latest state; a second one is
// reported as ErrChangedSinceLoaded.
func (q *Queue) decide(ctx context.Context, id string, status types.ChangeStatus, d Decision) (*types.PendingChange, error) {
	if strings.TrimSpace(d.Actor) == "" {
		return nil, fmt.Errorf("actor is required")
	}

	for attempt := 0; attempt < 2; attempt++ {
		change, err := q.store.GetPendingChange(ctx, id)
		if err != nil {
			return nil, err
		}
		if attempt > 0 && !change.Status.CanTransitionTo(status) {
			return nil, fmt.Errorf("change %s is now %s: %w", id, change.Status, types.ErrChangedSinceLoaded)
		}

		res, err := q.resolution(ctx, change, status, d, attempt > 0)
		if err != nil {
			return nil, err
		}

		err = q.store.ResolveChange(ctx, *res)
		if err == nil {
			q.logger.Info("change resolved",
				slog.String("change", id),
				slog.String("deal", change.DealID),
				slog.String("status", string(status)),
				slog.String("tier", change.Tier.String()),
				slog.String("actor", d.Actor))
			return q.store.GetPendingChange(ctx, id)
		}
		if !types.IsPersistenceConflict(err) {
			return nil, err
		}
		q.logger.Warn("concurrent modification while resolving change",
			slog.String("change", id),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))
	}
	return nil, fmt.Errorf("change %s: %w", id, types.ErrChangedSinceLoaded)
}

// resolution turns a decision into the atomic write the store applies.
// With latest set, fact mutations target the current head of the chain
// instead of the version observed when the change was queued.
func (q *Queue) resolution(ctx context.Context, c *types.PendingChange, status types.ChangeStatus, d Decision, latest bool) (*types.Resolution, error) {
	if !c.Status.CanTransitionTo(status) {
		return nil, fmt.Errorf("cannot move change %s from %s to %s", c.ID, c.Status, status)
	}
	if c.Tier == types.TierManual && strings.TrimSpace(d.Note) == "" {
		return nil, &types.ValidationError{
			Rule:     types.RuleNoteRequired,
			TargetID: c.ID,
			Message:  "tier 3 decisions require a note",
		}
	}

	now := q.now()
	res := &types.Resolution{
		ChangeID:        c.ID,
		ExpectedVersion: c.Version,
		Status:          status,
		Note:            d.Note,
		Actor:           d.Actor,
		At:              now,
	}

	if status == types.StatusDeferred {
		until := now.Add(q.config.DeferHorizon())
		if d.Until != nil {
			until = *d.Until
		}
		if !until.After(now) {
			return nil, fmt.Errorf("defer date %s is not in the future", until.Format(time.RFC3339))
		}
		res.DeferredUntil = &until
	}

	targetID := c.TargetID
	if status == types.StatusAccepted && c.TargetType == types.TargetFact {
		id, err := q.factMutation(ctx, c, res, latest)
		if err != nil {
			return nil, err
		}
		targetID = id
	} else if targetID == "" {
		if f, err := c.ProposedFact(); err == nil && f != nil {
			targetID = f.ID
		}
	}

	res.Audit = types.AuditEvent{
		DealID:     c.DealID,
		TargetType: c.TargetType,
		TargetID:   targetID,
		ChangeID:   c.ID,
		Action:     auditAction(status),
		Tier:       c.Tier,
		Actor:      d.Actor,
		OldValue:   rawPtr(c.OldValue),
		NewValue:   rawPtr(c.NewValue),
		Comment:    types.StringPtr(d.Note),
		CreatedAt:  now,
	}
	return res, nil
}

// factMutation fills the fact write of an accepted change and returns the id
// of the fact it produces or retires
func (q *Queue) factMutation(ctx context.Context, c *types.PendingChange, res *types.Resolution, latest bool) (string, error) {
	switch c.Kind {
	case types.ChangeNew:
		f, err := proposedFact(c)
		if err != nil {
			return "", err
		}
		f.Active = true
		f.Version = 0
		f.PreviousVersionID = ""
		f.Checksum = ""
		f.CreatedAt = res.At
		res.InsertFact = f
		return f.ID, nil

	case types.ChangeUpdate, types.ChangeConflict:
		f, err := proposedFact(c)
		if err != nil {
			return "", err
		}
		priorID, expected := c.TargetID, c.BaseVersion
		if latest {
			head, err := q.activeHead(ctx, c)
			if err != nil {
				return "", err
			}
			if head.Checksum == f.ComputeChecksum() {
				return "", fmt.Errorf("change %s is already reflected in %s: %w", c.ID, head.ID, types.ErrChangedSinceLoaded)
			}
			priorID, expected = head.ID, head.Version
		}
		f.Checksum = ""
		f.CreatedAt = res.At
		res.Supersede = &types.Supersession{PriorID: priorID, ExpectedVersion: expected, Next: *f}
		return f.ID, nil

	case types.ChangeRemoval:
		ref := types.FactRef{ID: c.TargetID, ExpectedVersion: c.BaseVersion}
		if latest {
			head, err := q.activeHead(ctx, c)
			if err != nil {
				return "", err
			}
			ref = types.FactRef{ID: head.ID, ExpectedVersion: head.Version}
		}
		res.Deactivate = &ref
		return ref.ID, nil
	}
	return "", fmt.Errorf("unsupported change kind %q", c.Kind)
}

// activeHead returns the newest version of the change's target, failing if
// the chain was retired since the change was queued
func (q *Queue) activeHead(ctx context.Context, c *types.PendingChange) (*types.Fact, error) {
	head, err := q.store.GetFactHead(ctx, c.TargetID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, fmt.Errorf("target %s of change %s: %w", c.TargetID, c.ID, types.ErrChangedSinceLoaded)
		}
		return nil, err
	}
	if !head.Active {
		return nil, fmt.Errorf("target %s of change %s was removed: %w", c.TargetID, c.ID, types.ErrChangedSinceLoaded)
	}
	return head, nil
}

func proposedFact(c *types.PendingChange) (*types.Fact, error) {
	f, err := c.ProposedFact()
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, fmt.Errorf("change %s carries no proposed fact", c.ID)
	}
	// Version bookkeeping belongs to the store
	f.Active = true
	f.Version = 0
	f.PreviousVersionID = ""
	return f, nil
}

func auditAction(status types.ChangeStatus) types.AuditAction {
	switch status {
	case types.StatusAccepted:
		return types.AuditAccepted
	case types.StatusRejected:
		return types.AuditRejected
	case types.StatusDeferred:
		return types.AuditDeferred
	case types.StatusPending:
		return types.AuditReopened
	}
	return ""
}

func rawPtr(raw []byte) *string {
	if len(raw) == 0 {
		return nil
	}
	s := string(raw)
	return &s
}
