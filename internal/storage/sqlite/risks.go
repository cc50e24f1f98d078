package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/steveyegge/recon/internal/types"
)

const riskColumns = `id, deal_id, domain, entity, title, description, severity, child_finding_ids,
	supporting_fact_ids, key_systems, provenance, grouping_confidence, version, active,
	created_at, updated_at`

// SaveConsolidatedRisk inserts a consolidated risk or updates an existing one.
// The version is bumped and a history snapshot written only when the child
// set changed; a summary rewrite over the same children keeps its version.
func (s *SQLiteStorage) SaveConsolidatedRisk(ctx context.Context, risk *types.ConsolidatedRisk) error {
	return s.withTx(ctx, func(q querier) error {
		return saveConsolidatedRisk(ctx, q, risk, time.Now())
	})
}

func saveConsolidatedRisk(ctx context.Context, q querier, risk *types.ConsolidatedRisk, now time.Time) error {
	existing, err := getConsolidatedRisk(ctx, q, risk.ID)
	if err != nil && !isNotFound(err) {
		return err
	}

	risk.UpdatedAt = now
	risk.Active = true
	snapshot := false
	if existing == nil {
		risk.Version = 1
		risk.CreatedAt = now
		snapshot = true
	} else {
		risk.CreatedAt = existing.CreatedAt
		risk.Version = existing.Version
		if !types.SameChildren(existing.ChildFindingIDs, risk.ChildFindingIDs) {
			risk.Version = existing.Version + 1
			snapshot = true
		}
	}
	if err := risk.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	provenance, err := marshalJSON(orEmptyProvenance(risk.Provenance))
	if err != nil {
		return err
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO consolidated_risks (`+riskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			severity = excluded.severity,
			child_finding_ids = excluded.child_finding_ids,
			supporting_fact_ids = excluded.supporting_fact_ids,
			key_systems = excluded.key_systems,
			provenance = excluded.provenance,
			grouping_confidence = excluded.grouping_confidence,
			version = excluded.version,
			active = 1,
			updated_at = excluded.updated_at
	`,
		risk.ID, risk.DealID, risk.Domain, risk.Entity, risk.Title, risk.Description, risk.Severity,
		stringSlice(risk.ChildFindingIDs), stringSlice(risk.SupportingFactIDs), stringSlice(risk.KeySystems),
		provenance, risk.GroupingConfidence, risk.Version, 1, formatTime(risk.CreatedAt), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("failed to save consolidated risk %s: %w", risk.ID, err)
	}

	if snapshot {
		data, err := marshalJSON(risk)
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, `
			INSERT INTO consolidated_risk_history (risk_id, version, snapshot, created_at)
			VALUES (?, ?, ?, ?)
		`, risk.ID, risk.Version, data, formatTime(now)); err != nil {
			return fmt.Errorf("failed to snapshot consolidated risk %s: %w", risk.ID, err)
		}
	}
	return nil
}

// retireConsolidatedRisk marks a risk inactive and detaches its children
func retireConsolidatedRisk(ctx context.Context, q querier, id string, now time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE consolidated_risks SET active = 0, updated_at = ? WHERE id = ?
	`, formatTime(now), id)
	if err != nil {
		return fmt.Errorf("failed to retire consolidated risk %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("consolidated risk", id)
	}
	if _, err := q.ExecContext(ctx, `
		UPDATE findings SET consolidated_risk_id = NULL WHERE consolidated_risk_id = ?
	`, id); err != nil {
		return fmt.Errorf("failed to detach children of %s: %w", id, err)
	}
	return nil
}

// GetConsolidatedRisk returns a consolidated risk together with its child findings
func (s *SQLiteStorage) GetConsolidatedRisk(ctx context.Context, id string) (*types.ConsolidatedRisk, []*types.Finding, error) {
	risk, err := getConsolidatedRisk(ctx, s.db, id)
	if err != nil {
		return nil, nil, err
	}
	children := make([]*types.Finding, 0, len(risk.ChildFindingIDs))
	for _, childID := range risk.ChildFindingIDs {
		child, err := s.GetFinding(ctx, childID)
		if err != nil {
			return nil, nil, fmt.Errorf("child %s of consolidated risk %s: %w", childID, id, err)
		}
		children = append(children, child)
	}
	return risk, children, nil
}

func getConsolidatedRisk(ctx context.Context, q querier, id string) (*types.ConsolidatedRisk, error) {
	row := q.QueryRowContext(ctx, `SELECT `+riskColumns+` FROM consolidated_risks WHERE id = ?`, id)
	risk, err := scanRisk(row)
	if err == sql.ErrNoRows {
		return nil, notFound("consolidated risk", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get consolidated risk %s: %w", id, err)
	}
	return risk, nil
}

// ListConsolidatedRisks returns the active consolidated risks of a deal,
// optionally narrowed to one domain and entity
func (s *SQLiteStorage) ListConsolidatedRisks(ctx context.Context, dealID string, domain *types.Domain, entity *types.Entity) ([]*types.ConsolidatedRisk, error) {
	query := `SELECT ` + riskColumns + ` FROM consolidated_risks WHERE deal_id = ? AND active = 1`
	args := []any{dealID}
	if domain != nil {
		query += " AND domain = ?"
		args = append(args, *domain)
	}
	if entity != nil {
		query += " AND entity = ?"
		args = append(args, *entity)
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list consolidated risks: %w", err)
	}
	defer rows.Close()

	var risks []*types.ConsolidatedRisk
	for rows.Next() {
		risk, err := scanRisk(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan consolidated risk: %w", err)
		}
		risks = append(risks, risk)
	}
	return risks, rows.Err()
}

// GetConsolidatedRiskHistory returns every recorded version of a consolidated
// risk, oldest first
func (s *SQLiteStorage) GetConsolidatedRiskHistory(ctx context.Context, id string) ([]*types.ConsolidatedRisk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT snapshot FROM consolidated_risk_history WHERE risk_id = ? ORDER BY version
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get history of consolidated risk %s: %w", id, err)
	}
	defer rows.Close()

	var history []*types.ConsolidatedRisk
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var risk types.ConsolidatedRisk
		if err := json.Unmarshal([]byte(data), &risk); err != nil {
			return nil, fmt.Errorf("invalid snapshot of consolidated risk %s: %w", id, err)
		}
		history = append(history, &risk)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, notFound("consolidated risk", id)
	}
	return history, nil
}

func scanRisk(row scanner) (*types.ConsolidatedRisk, error) {
	var r types.ConsolidatedRisk
	var children, facts, systems, provenance, createdAt, updatedAt string
	var active int

	err := row.Scan(
		&r.ID, &r.DealID, &r.Domain, &r.Entity, &r.Title, &r.Description, &r.Severity,
		&children, &facts, &systems, &provenance, &r.GroupingConfidence, &r.Version, &active,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Active = active == 1
	if r.ChildFindingIDs, err = unmarshalStrings(children); err != nil {
		return nil, err
	}
	if r.SupportingFactIDs, err = unmarshalStrings(facts); err != nil {
		return nil, err
	}
	if r.KeySystems, err = unmarshalStrings(systems); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(provenance), &r.Provenance); err != nil {
		return nil, fmt.Errorf("invalid provenance for consolidated risk %s: %w", r.ID, err)
	}
	if len(r.Provenance) == 0 {
		r.Provenance = nil
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func orEmptyProvenance(p []types.FieldProvenance) []types.FieldProvenance {
	if p == nil {
		return []types.FieldProvenance{}
	}
	return p
}
