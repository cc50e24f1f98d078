package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/steveyegge/recon/internal/types"
)

const findingColumns = `id, deal_id, domain, entity, kind, title, description, severity, category,
	evidence_quotes, key_systems, source_doc_ids, question, important, downgrade_reason,
	consolidated_risk_id, created_at`

// UpsertFinding inserts or replaces a finding and its fact links
func (s *SQLiteStorage) UpsertFinding(ctx context.Context, finding *types.Finding) error {
	return s.withTx(ctx, func(q querier) error {
		return upsertFinding(ctx, q, finding, time.Now())
	})
}

func upsertFinding(ctx context.Context, q querier, f *types.Finding, now time.Time) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO findings (`+findingColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			kind = excluded.kind,
			title = excluded.title,
			description = excluded.description,
			severity = excluded.severity,
			category = excluded.category,
			evidence_quotes = excluded.evidence_quotes,
			key_systems = excluded.key_systems,
			source_doc_ids = excluded.source_doc_ids,
			question = excluded.question,
			important = excluded.important,
			downgrade_reason = excluded.downgrade_reason,
			consolidated_risk_id = excluded.consolidated_risk_id,
			updated_at = excluded.updated_at
	`,
		f.ID, f.DealID, f.Domain, f.Entity, f.Kind, f.Title, f.Description, f.Severity, f.Category,
		stringSlice(f.EvidenceQuotes), stringSlice(f.KeySystems), stringSlice(f.SourceDocIDs),
		f.Question, boolInt(f.Important), f.DowngradeReason, nullString(f.ConsolidatedRiskID),
		formatTime(f.CreatedAt), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert finding %s: %w", f.ID, err)
	}

	if _, err := q.ExecContext(ctx, `DELETE FROM fact_finding_links WHERE finding_id = ?`, f.ID); err != nil {
		return fmt.Errorf("failed to clear links of finding %s: %w", f.ID, err)
	}
	seen := make(map[string]bool, len(f.EvidenceFacts))
	for i, factID := range f.EvidenceFacts {
		if seen[factID] {
			continue
		}
		seen[factID] = true
		if _, err := q.ExecContext(ctx, `
			INSERT INTO fact_finding_links (finding_id, fact_id, position) VALUES (?, ?, ?)
		`, f.ID, factID, i); err != nil {
			return fmt.Errorf("failed to link fact %s to finding %s: %w", factID, f.ID, err)
		}
	}
	return nil
}

// GetFinding retrieves a finding by ID, including its linked fact ids
func (s *SQLiteStorage) GetFinding(ctx context.Context, id string) (*types.Finding, error) {
	return getFinding(ctx, s.db, id)
}

func getFinding(ctx context.Context, q querier, id string) (*types.Finding, error) {
	row := q.QueryRowContext(ctx, `SELECT `+findingColumns+` FROM findings WHERE id = ?`, id)
	f, err := scanFinding(row)
	if err == sql.ErrNoRows {
		return nil, notFound("finding", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get finding %s: %w", id, err)
	}
	if f.EvidenceFacts, err = linkedFacts(ctx, q, id); err != nil {
		return nil, err
	}
	return f, nil
}

// ListFindings returns findings matching the filter, ordered by id
func (s *SQLiteStorage) ListFindings(ctx context.Context, filter types.FindingFilter) ([]*types.Finding, error) {
	var where []string
	var args []any
	if filter.DealID != "" {
		where = append(where, "deal_id = ?")
		args = append(args, filter.DealID)
	}
	if filter.Domain != nil {
		where = append(where, "domain = ?")
		args = append(args, *filter.Domain)
	}
	if filter.Entity != nil {
		where = append(where, "entity = ?")
		args = append(args, *filter.Entity)
	}
	if filter.Kind != nil {
		where = append(where, "kind = ?")
		args = append(args, *filter.Kind)
	}
	if filter.ConsolidatedRiskID != "" {
		where = append(where, "consolidated_risk_id = ?")
		args = append(args, filter.ConsolidatedRiskID)
	}

	query := `SELECT ` + findingColumns + ` FROM findings`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	return listFindings(ctx, s.db, query, args...)
}

func listFindings(ctx context.Context, q querier, query string, args ...any) ([]*types.Finding, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list findings: %w", err)
	}
	var findings []*types.Finding
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan finding: %w", err)
		}
		findings = append(findings, f)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	// Close before issuing the link queries; a transaction holds one connection
	rows.Close()

	for _, f := range findings {
		if f.EvidenceFacts, err = linkedFacts(ctx, q, f.ID); err != nil {
			return nil, err
		}
	}
	return findings, nil
}

// GetLinkedFacts returns the fact ids linked to a finding, in evidence order
func (s *SQLiteStorage) GetLinkedFacts(ctx context.Context, findingID string) ([]string, error) {
	return linkedFacts(ctx, s.db, findingID)
}

func linkedFacts(ctx context.Context, q querier, findingID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT fact_id FROM fact_finding_links WHERE finding_id = ? ORDER BY position
	`, findingID)
	if err != nil {
		return nil, fmt.Errorf("failed to get linked facts of %s: %w", findingID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanFinding(row scanner) (*types.Finding, error) {
	var f types.Finding
	var quotes, systems, sources, createdAt string
	var riskID sql.NullString
	var important int

	err := row.Scan(
		&f.ID, &f.DealID, &f.Domain, &f.Entity, &f.Kind, &f.Title, &f.Description, &f.Severity,
		&f.Category, &quotes, &systems, &sources, &f.Question, &important, &f.DowngradeReason,
		&riskID, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	f.Important = important == 1
	f.ConsolidatedRiskID = riskID.String
	if f.EvidenceQuotes, err = unmarshalStrings(quotes); err != nil {
		return nil, err
	}
	if f.KeySystems, err = unmarshalStrings(systems); err != nil {
		return nil, err
	}
	if f.SourceDocIDs, err = unmarshalStrings(sources); err != nil {
		return nil, err
	}
	if f.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &f, nil
}
