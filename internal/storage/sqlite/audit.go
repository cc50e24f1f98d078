package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/steveyegge/recon/internal/types"
)

// AppendAudit adds an event to the append-only audit trail
func (s *SQLiteStorage) AppendAudit(ctx context.Context, event *types.AuditEvent) error {
	return appendAudit(ctx, s.db, event)
}

func appendAudit(ctx context.Context, q querier, event *types.AuditEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid audit event: %w", err)
	}

	result, err := q.ExecContext(ctx, `
		INSERT INTO audit_events (deal_id, target_type, target_id, change_id, action, tier, actor,
			old_value, new_value, comment, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.DealID, event.TargetType, event.TargetID, event.ChangeID, event.Action, event.Tier,
		event.Actor, event.OldValue, event.NewValue, event.Comment, formatTime(event.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil {
		event.ID = id
	}
	return nil
}

// ListAudit returns audit events matching the filter in the order they were recorded
func (s *SQLiteStorage) ListAudit(ctx context.Context, filter types.AuditFilter) ([]*types.AuditEvent, error) {
	var where []string
	var args []any
	if filter.DealID != "" {
		where = append(where, "deal_id = ?")
		args = append(args, filter.DealID)
	}
	if filter.TargetID != "" {
		where = append(where, "target_id = ?")
		args = append(args, filter.TargetID)
	}
	if filter.Action != nil {
		where = append(where, "action = ?")
		args = append(args, *filter.Action)
	}

	query := `
		SELECT id, deal_id, target_type, target_id, change_id, action, tier, actor,
			old_value, new_value, comment, created_at
		FROM audit_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	var events []*types.AuditEvent
	for rows.Next() {
		var e types.AuditEvent
		var oldValue, newValue, comment sql.NullString
		var createdAt string
		if err := rows.Scan(
			&e.ID, &e.DealID, &e.TargetType, &e.TargetID, &e.ChangeID, &e.Action, &e.Tier, &e.Actor,
			&oldValue, &newValue, &comment, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		if oldValue.Valid {
			e.OldValue = &oldValue.String
		}
		if newValue.Valid {
			e.NewValue = &newValue.String
		}
		if comment.Valid {
			e.Comment = &comment.String
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}
