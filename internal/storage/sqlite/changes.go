package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/steveyegge/recon/internal/types"
)

const changeColumns = `id, deal_id, kind, target_type, target_id, base_version, old_value, new_value,
	tier, status, rule, resolution_note, resolved_by, deferred_until, version, created_at,
	updated_at, resolved_at`

// expiredNote is the resolution note written by the retention sweep
const expiredNote = "expired"

// CreatePendingChange queues a change for review
func (s *SQLiteStorage) CreatePendingChange(ctx context.Context, change *types.PendingChange) error {
	return s.withTx(ctx, func(q querier) error {
		return createPendingChange(ctx, q, change, time.Now())
	})
}

func createPendingChange(ctx context.Context, q querier, c *types.PendingChange, now time.Time) error {
	if c.Status == "" {
		c.Status = types.StatusPending
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = c.CreatedAt
	c.Version = 1
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO pending_changes (`+changeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.ID, c.DealID, c.Kind, c.TargetType, c.TargetID, c.BaseVersion,
		rawOrNull(c.OldValue), rawOrNull(c.NewValue), c.Tier, c.Status, c.Rule,
		c.ResolutionNote, c.ResolvedBy, formatTimePtr(c.DeferredUntil), c.Version,
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt), formatTimePtr(c.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create pending change %s: %w", c.ID, err)
	}
	return nil
}

// GetPendingChange retrieves a pending change by ID
func (s *SQLiteStorage) GetPendingChange(ctx context.Context, id string) (*types.PendingChange, error) {
	return getPendingChange(ctx, s.db, id)
}

func getPendingChange(ctx context.Context, q querier, id string) (*types.PendingChange, error) {
	row := q.QueryRowContext(ctx, `SELECT `+changeColumns+` FROM pending_changes WHERE id = ?`, id)
	c, err := scanChange(row)
	if err == sql.ErrNoRows {
		return nil, notFound("pending change", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending change %s: %w", id, err)
	}
	return c, nil
}

// ListPendingChanges returns changes matching the filter, oldest first
func (s *SQLiteStorage) ListPendingChanges(ctx context.Context, filter types.ChangeFilter) ([]*types.PendingChange, error) {
	var where []string
	var args []any
	if filter.DealID != "" {
		where = append(where, "deal_id = ?")
		args = append(args, filter.DealID)
	}
	if filter.Tier != nil {
		where = append(where, "tier = ?")
		args = append(args, *filter.Tier)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, *filter.Status)
	}

	query := `SELECT ` + changeColumns + ` FROM pending_changes`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	return queryChanges(ctx, s.db, query, args...)
}

func queryChanges(ctx context.Context, q querier, query string, args ...any) ([]*types.PendingChange, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending changes: %w", err)
	}
	defer rows.Close()

	var changes []*types.PendingChange
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending change: %w", err)
		}
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// CountPendingChanges returns change counts per tier and status for a deal
func (s *SQLiteStorage) CountPendingChanges(ctx context.Context, dealID string) (map[types.Tier]map[types.ChangeStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tier, status, COUNT(*) FROM pending_changes
		WHERE deal_id = ?
		GROUP BY tier, status
	`, dealID)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending changes: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.Tier]map[types.ChangeStatus]int)
	for rows.Next() {
		var tier types.Tier
		var status types.ChangeStatus
		var n int
		if err := rows.Scan(&tier, &status, &n); err != nil {
			return nil, err
		}
		if counts[tier] == nil {
			counts[tier] = make(map[types.ChangeStatus]int)
		}
		counts[tier][status] = n
	}
	return counts, rows.Err()
}

// ResolveChange records a reviewer decision and applies the fact mutation it
// implies, all in one transaction. The change must still be at
// res.ExpectedVersion and allow the requested transition.
func (s *SQLiteStorage) ResolveChange(ctx context.Context, res types.Resolution) error {
	if res.At.IsZero() {
		res.At = time.Now()
	}
	mutations := 0
	for _, set := range []bool{res.InsertFact != nil, res.Supersede != nil, res.Deactivate != nil} {
		if set {
			mutations++
		}
	}
	if mutations > 1 {
		return fmt.Errorf("resolution of %s carries %d fact mutations; at most one is allowed", res.ChangeID, mutations)
	}
	if mutations == 1 && res.Status != types.StatusAccepted {
		return fmt.Errorf("only accepted changes may mutate facts (got %s)", res.Status)
	}

	return s.withTx(ctx, func(q querier) error {
		current, err := getPendingChange(ctx, q, res.ChangeID)
		if err != nil {
			return err
		}
		if current.Version != res.ExpectedVersion {
			return &types.PersistenceConflictError{
				Table: "pending_changes", ID: res.ChangeID,
				ExpectedVersion: res.ExpectedVersion, ActualVersion: current.Version,
			}
		}
		if !current.Status.CanTransitionTo(res.Status) {
			return fmt.Errorf("invalid status transition for change %s: %s → %s", res.ChangeID, current.Status, res.Status)
		}

		switch {
		case res.InsertFact != nil:
			if err := insertFact(ctx, q, res.InsertFact); err != nil {
				return err
			}
		case res.Supersede != nil:
			if err := supersedeFact(ctx, q, *res.Supersede); err != nil {
				return err
			}
		case res.Deactivate != nil:
			if err := retireFact(ctx, q, *res.Deactivate); err != nil {
				return err
			}
		}

		if err := updateChangeStatus(ctx, q, current, res.Status, res.Note, res.Actor, res.DeferredUntil, res.At); err != nil {
			return err
		}

		event := res.Audit
		if event.ChangeID == "" {
			event.ChangeID = res.ChangeID
		}
		if event.DealID == "" {
			event.DealID = current.DealID
		}
		if event.CreatedAt.IsZero() {
			event.CreatedAt = res.At
		}
		return appendAudit(ctx, q, &event)
	})
}

// updateChangeStatus writes a new status guarded by the version the caller read
func updateChangeStatus(ctx context.Context, q querier, c *types.PendingChange, status types.ChangeStatus,
	note, actor string, deferredUntil *time.Time, now time.Time) error {
	if status == types.StatusDeferred && deferredUntil == nil {
		return fmt.Errorf("deferred_until is required to defer change %s", c.ID)
	}
	if status != types.StatusDeferred {
		deferredUntil = nil
	}
	var resolvedAt *time.Time
	if status.IsTerminal() {
		resolvedAt = &now
	}

	result, err := q.ExecContext(ctx, `
		UPDATE pending_changes
		SET status = ?, resolution_note = ?, resolved_by = ?, deferred_until = ?,
			resolved_at = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, status, note, actor, formatTimePtr(deferredUntil), formatTimePtr(resolvedAt), formatTime(now),
		c.ID, c.Version)
	if err != nil {
		return fmt.Errorf("failed to update pending change %s: %w", c.ID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return &types.PersistenceConflictError{
			Table: "pending_changes", ID: c.ID, ExpectedVersion: c.Version, ActualVersion: c.Version + 1,
		}
	}

	c.Status = status
	c.ResolutionNote = note
	c.ResolvedBy = actor
	c.DeferredUntil = deferredUntil
	c.ResolvedAt = resolvedAt
	c.UpdatedAt = now
	c.Version++
	return nil
}

// ExpirePendingChanges rejects every change that has been pending since
// before cutoff, auditing each one as expired. A reopened deferral counts
// from the moment it returned to pending.
func (s *SQLiteStorage) ExpirePendingChanges(ctx context.Context, cutoff time.Time, actor string) ([]*types.PendingChange, error) {
	var expired []*types.PendingChange
	err := s.withTx(ctx, func(q querier) error {
		stale, err := queryChanges(ctx, q, `
			SELECT `+changeColumns+` FROM pending_changes
			WHERE status = ? AND updated_at < ?
			ORDER BY created_at, id
		`, types.StatusPending, formatTime(cutoff))
		if err != nil {
			return err
		}

		now := time.Now()
		for _, c := range stale {
			if err := updateChangeStatus(ctx, q, c, types.StatusRejected, expiredNote, actor, nil, now); err != nil {
				return err
			}
			if err := appendAudit(ctx, q, &types.AuditEvent{
				DealID:     c.DealID,
				TargetType: c.TargetType,
				TargetID:   c.TargetID,
				ChangeID:   c.ID,
				Action:     types.AuditExpired,
				Tier:       c.Tier,
				Actor:      actor,
				Comment:    types.StringPtr(expiredNote),
				CreatedAt:  now,
			}); err != nil {
				return err
			}
		}
		expired = stale
		return nil
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

// ReopenDeferredChanges moves deferred changes whose horizon has passed back
// to pending, auditing each one as reopened
func (s *SQLiteStorage) ReopenDeferredChanges(ctx context.Context, now time.Time, actor string) ([]*types.PendingChange, error) {
	var reopened []*types.PendingChange
	err := s.withTx(ctx, func(q querier) error {
		due, err := queryChanges(ctx, q, `
			SELECT `+changeColumns+` FROM pending_changes
			WHERE status = ? AND deferred_until <= ?
			ORDER BY deferred_until, id
		`, types.StatusDeferred, formatTime(now))
		if err != nil {
			return err
		}

		for _, c := range due {
			note := c.ResolutionNote
			if err := updateChangeStatus(ctx, q, c, types.StatusPending, note, "", nil, now); err != nil {
				return err
			}
			if err := appendAudit(ctx, q, &types.AuditEvent{
				DealID:     c.DealID,
				TargetType: c.TargetType,
				TargetID:   c.TargetID,
				ChangeID:   c.ID,
				Action:     types.AuditReopened,
				Tier:       c.Tier,
				Actor:      actor,
				CreatedAt:  now,
			}); err != nil {
				return err
			}
		}
		reopened = due
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reopened, nil
}

func scanChange(row scanner) (*types.PendingChange, error) {
	var c types.PendingChange
	var oldValue, newValue, deferredUntil, resolvedAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&c.ID, &c.DealID, &c.Kind, &c.TargetType, &c.TargetID, &c.BaseVersion, &oldValue, &newValue,
		&c.Tier, &c.Status, &c.Rule, &c.ResolutionNote, &c.ResolvedBy, &deferredUntil, &c.Version,
		&createdAt, &updatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	if oldValue.Valid {
		c.OldValue = []byte(oldValue.String)
	}
	if newValue.Valid {
		c.NewValue = []byte(newValue.String)
	}
	if c.DeferredUntil, err = parseTimePtr(deferredUntil); err != nil {
		return nil, err
	}
	if c.ResolvedAt, err = parseTimePtr(resolvedAt); err != nil {
		return nil, err
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}
