package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/steveyegge/recon/internal/types"
)

const factColumns = `id, deal_id, domain, entity, category, item, details, evidence, confidence,
	source_doc_id, authority_level, checksum, previous_version_id, version, active,
	footnotes, created_at`

// maxChainLength bounds version-chain walks; a longer chain means corrupt data
const maxChainLength = 10000

// InsertFact inserts a fact version. A fact with a PreviousVersionID must go
// through SupersedeFact so the predecessor is retired atomically.
func (s *SQLiteStorage) InsertFact(ctx context.Context, fact *types.Fact) error {
	if fact.PreviousVersionID != "" {
		return fmt.Errorf("fact %s has a previous version; use SupersedeFact", fact.ID)
	}
	return s.withTx(ctx, func(q querier) error {
		return insertFact(ctx, q, fact)
	})
}

// insertFact validates and writes one fact row, rejecting a previous-version
// pointer that would close a cycle in the version chain
func insertFact(ctx context.Context, q querier, fact *types.Fact) error {
	if fact.Version == 0 {
		fact.Version = 1
	}
	if fact.CreatedAt.IsZero() {
		fact.CreatedAt = time.Now()
	}
	if fact.Checksum == "" {
		fact.Checksum = fact.ComputeChecksum()
	}
	if err := fact.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	if fact.PreviousVersionID != "" {
		if err := checkAcyclic(ctx, q, fact.ID, fact.PreviousVersionID); err != nil {
			return err
		}
	}

	details, err := marshalJSON(orEmptyMap(fact.Details))
	if err != nil {
		return err
	}
	footnotes, err := marshalJSON(orEmptyFootnotes(fact.Footnotes))
	if err != nil {
		return err
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO facts (`+factColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		fact.ID, fact.DealID, fact.Domain, fact.Entity, fact.Category, fact.Item, details,
		fact.Evidence, fact.Confidence, fact.SourceDocID, fact.AuthorityLevel, fact.Checksum,
		nullString(fact.PreviousVersionID), fact.Version, boolInt(fact.Active), footnotes,
		formatTime(fact.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert fact %s: %w", fact.ID, err)
	}
	return nil
}

// checkAcyclic walks the chain from prevID back to its root and fails if id
// is already on it
func checkAcyclic(ctx context.Context, q querier, id, prevID string) error {
	current := prevID
	for steps := 0; current != ""; steps++ {
		if current == id {
			return fmt.Errorf("previous_version_id %s of fact %s would create a version cycle", prevID, id)
		}
		if steps > maxChainLength {
			return fmt.Errorf("version chain of %s exceeds %d entries", prevID, maxChainLength)
		}
		var prev sql.NullString
		err := q.QueryRowContext(ctx, `SELECT previous_version_id FROM facts WHERE id = ?`, current).Scan(&prev)
		if err == sql.ErrNoRows {
			if current == prevID {
				return notFound("previous fact version", prevID)
			}
			return fmt.Errorf("version chain of %s references missing fact %s", prevID, current)
		}
		if err != nil {
			return fmt.Errorf("failed to walk version chain: %w", err)
		}
		current = prev.String
	}
	return nil
}

// SupersedeFact retires the prior version and inserts its successor in one
// transaction. The prior must still be the active head at ExpectedVersion.
func (s *SQLiteStorage) SupersedeFact(ctx context.Context, sup types.Supersession) error {
	return s.withTx(ctx, func(q querier) error {
		return supersedeFact(ctx, q, sup)
	})
}

func supersedeFact(ctx context.Context, q querier, sup types.Supersession) error {
	if err := retireFact(ctx, q, types.FactRef{ID: sup.PriorID, ExpectedVersion: sup.ExpectedVersion}); err != nil {
		return err
	}
	next := sup.Next
	next.PreviousVersionID = sup.PriorID
	next.Version = sup.ExpectedVersion + 1
	next.Active = true
	if err := insertFact(ctx, q, &next); err != nil {
		return err
	}
	return nil
}

// DeactivateFact soft-removes the active head of a chain
func (s *SQLiteStorage) DeactivateFact(ctx context.Context, ref types.FactRef) error {
	return s.withTx(ctx, func(q querier) error {
		return retireFact(ctx, q, ref)
	})
}

// retireFact clears active on a fact if and only if it is still the active
// head at the expected version
func retireFact(ctx context.Context, q querier, ref types.FactRef) error {
	res, err := q.ExecContext(ctx, `
		UPDATE facts SET active = 0
		WHERE id = ? AND version = ? AND active = 1
	`, ref.ID, ref.ExpectedVersion)
	if err != nil {
		return fmt.Errorf("failed to retire fact %s: %w", ref.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	// Work out why: missing, or moved on since the caller read it
	var version, active int
	err = q.QueryRowContext(ctx, `SELECT version, active FROM facts WHERE id = ?`, ref.ID).Scan(&version, &active)
	if err == sql.ErrNoRows {
		return notFound("fact", ref.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to read fact %s: %w", ref.ID, err)
	}
	actual := version
	var headVersion int
	if err := q.QueryRowContext(ctx, `
		WITH RECURSIVE chain(id, version) AS (
			SELECT id, version FROM facts WHERE id = ?
			UNION ALL
			SELECT f.id, f.version FROM facts f JOIN chain c ON f.previous_version_id = c.id
		)
		SELECT MAX(version) FROM chain
	`, ref.ID).Scan(&headVersion); err == nil {
		actual = headVersion
	}
	return &types.PersistenceConflictError{
		Table: "facts", ID: ref.ID, ExpectedVersion: ref.ExpectedVersion, ActualVersion: actual,
	}
}

// GetFact retrieves a fact version by ID
func (s *SQLiteStorage) GetFact(ctx context.Context, id string) (*types.Fact, error) {
	return getFact(ctx, s.db, id)
}

func getFact(ctx context.Context, q querier, id string) (*types.Fact, error) {
	row := q.QueryRowContext(ctx, `SELECT `+factColumns+` FROM facts WHERE id = ?`, id)
	f, err := scanFact(row)
	if err == sql.ErrNoRows {
		return nil, notFound("fact", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fact %s: %w", id, err)
	}
	return f, nil
}

// GetFactHistory returns the full version chain containing id, oldest first
func (s *SQLiteStorage) GetFactHistory(ctx context.Context, id string) ([]*types.Fact, error) {
	head, err := s.GetFactHead(ctx, id)
	if err != nil {
		return nil, err
	}

	var chain []*types.Fact
	current := head
	for steps := 0; ; steps++ {
		if steps > maxChainLength {
			return nil, fmt.Errorf("version chain of %s exceeds %d entries", id, maxChainLength)
		}
		chain = append(chain, current)
		if current.PreviousVersionID == "" {
			break
		}
		current, err = s.GetFact(ctx, current.PreviousVersionID)
		if err != nil {
			return nil, fmt.Errorf("broken version chain at %s: %w", chain[len(chain)-1].ID, err)
		}
	}

	// Reverse to oldest first
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// GetFactHead follows successors from id to the newest version of its chain
func (s *SQLiteStorage) GetFactHead(ctx context.Context, id string) (*types.Fact, error) {
	return getFactHead(ctx, s.db, id)
}

func getFactHead(ctx context.Context, q querier, id string) (*types.Fact, error) {
	current, err := getFact(ctx, q, id)
	if err != nil {
		return nil, err
	}
	for steps := 0; ; steps++ {
		if steps > maxChainLength {
			return nil, fmt.Errorf("version chain of %s exceeds %d entries", id, maxChainLength)
		}
		row := q.QueryRowContext(ctx, `SELECT `+factColumns+` FROM facts WHERE previous_version_id = ?`, current.ID)
		next, err := scanFact(row)
		if err == sql.ErrNoRows {
			return current, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to follow version chain of %s: %w", id, err)
		}
		current = next
	}
}

// ListFacts returns facts matching the filter, ordered by id
func (s *SQLiteStorage) ListFacts(ctx context.Context, filter types.FactFilter) ([]*types.Fact, error) {
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
	if filter.ActiveOnly {
		where = append(where, "active = 1")
	}
	if filter.SourceDoc != "" {
		where = append(where, "source_doc_id = ?")
		args = append(args, filter.SourceDoc)
	}

	query := `SELECT ` + factColumns + ` FROM facts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list facts: %w", err)
	}
	defer rows.Close()

	var facts []*types.Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan fact: %w", err)
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFact(row scanner) (*types.Fact, error) {
	var f types.Fact
	var details, footnotes, createdAt string
	var prev sql.NullString
	var active int

	err := row.Scan(
		&f.ID, &f.DealID, &f.Domain, &f.Entity, &f.Category, &f.Item, &details, &f.Evidence,
		&f.Confidence, &f.SourceDocID, &f.AuthorityLevel, &f.Checksum, &prev, &f.Version,
		&active, &footnotes, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	f.PreviousVersionID = prev.String
	f.Active = active == 1
	if err := json.Unmarshal([]byte(details), &f.Details); err != nil {
		return nil, fmt.Errorf("invalid details for fact %s: %w", f.ID, err)
	}
	if len(f.Details) == 0 {
		f.Details = nil
	}
	if err := json.Unmarshal([]byte(footnotes), &f.Footnotes); err != nil {
		return nil, fmt.Errorf("invalid footnotes for fact %s: %w", f.ID, err)
	}
	if len(f.Footnotes) == 0 {
		f.Footnotes = nil
	}
	if f.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &f, nil
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptyFootnotes(f []types.Footnote) []types.Footnote {
	if f == nil {
		return []types.Footnote{}
	}
	return f
}
