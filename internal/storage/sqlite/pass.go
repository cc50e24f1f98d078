package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/steveyegge/recon/internal/types"
)

// lastPassKey is the config key recording when a deal was last reconciled
func lastPassKey(dealID string) string {
	return "last_pass:" + dealID
}

// ApplyPass writes every output of a reconciliation pass in one transaction.
// Any failure rolls the whole pass back; readers never see a partial pass.
func (s *SQLiteStorage) ApplyPass(ctx context.Context, pass *types.PassWrite) error {
	if pass.DealID == "" {
		return fmt.Errorf("deal_id is required")
	}
	now := pass.CompletedAt
	if now.IsZero() {
		now = time.Now()
	}

	return s.withTx(ctx, func(q querier) error {
		for i := range pass.NewFacts {
			f := &pass.NewFacts[i]
			if f.DealID != pass.DealID {
				return fmt.Errorf("fact %s belongs to deal %q, not %q", f.ID, f.DealID, pass.DealID)
			}
			if f.PreviousVersionID != "" {
				return fmt.Errorf("new fact %s has a previous version; use a supersession", f.ID)
			}
			if err := insertFact(ctx, q, f); err != nil {
				return err
			}
		}
		for _, sup := range pass.Supersessions {
			if err := supersedeFact(ctx, q, sup); err != nil {
				return err
			}
		}

		// Retire first so a surviving risk may adopt the retired one's children
		for _, id := range pass.RetiredRiskIDs {
			if err := retireConsolidatedRisk(ctx, q, id, now); err != nil {
				return err
			}
		}
		for i := range pass.ConsolidatedRisks {
			if err := saveConsolidatedRisk(ctx, q, &pass.ConsolidatedRisks[i], now); err != nil {
				return err
			}
		}
		for i := range pass.Findings {
			if err := upsertFinding(ctx, q, &pass.Findings[i], now); err != nil {
				return err
			}
		}

		for i := range pass.PendingChanges {
			if err := createPendingChange(ctx, q, &pass.PendingChanges[i], now); err != nil {
				return err
			}
		}
		for i := range pass.Audit {
			if pass.Audit[i].CreatedAt.IsZero() {
				pass.Audit[i].CreatedAt = now
			}
			if err := appendAudit(ctx, q, &pass.Audit[i]); err != nil {
				return err
			}
		}

		if _, err := q.ExecContext(ctx, `
			INSERT INTO config (key, value) VALUES (?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value
		`, lastPassKey(pass.DealID), formatTime(now)); err != nil {
			return fmt.Errorf("failed to record pass completion: %w", err)
		}
		return nil
	})
}

// GetStatistics returns aggregate counts for a deal
func (s *SQLiteStorage) GetStatistics(ctx context.Context, dealID string) (*types.Statistics, error) {
	stats := &types.Statistics{
		DealID:   dealID,
		Findings: make(map[types.FindingKind]int),
	}

	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM facts WHERE deal_id = ? AND active = 1
	`, dealID).Scan(&stats.ActiveFacts); err != nil {
		return nil, fmt.Errorf("failed to count active facts: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, COUNT(*) FROM findings WHERE deal_id = ? GROUP BY kind
	`, dealID)
	if err != nil {
		return nil, fmt.Errorf("failed to count findings: %w", err)
	}
	for rows.Next() {
		var kind types.FindingKind
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			rows.Close()
			return nil, err
		}
		stats.Findings[kind] = n
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM consolidated_risks WHERE deal_id = ? AND active = 1
	`, dealID).Scan(&stats.Consolidated); err != nil {
		return nil, fmt.Errorf("failed to count consolidated risks: %w", err)
	}

	if stats.PendingByTier, err = s.CountPendingChanges(ctx, dealID); err != nil {
		return nil, err
	}
	return stats, nil
}
