package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/recon/internal/types"
)

func newTestStore(t *testing.T) *SQLiteStorage {
	t.Helper()
	store, err := New(context.Background(), ":memory:", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testFact(id string) *types.Fact {
	return &types.Fact{
		ID:             id,
		DealID:         "deal-1",
		Domain:         types.DomainApplications,
		Entity:         types.EntityTarget,
		Category:       "erp",
		Item:           "SAP ECC",
		Details:        map[string]any{"version": "6.0"},
		Evidence:       "The target runs SAP ECC 6.0 for finance.",
		Confidence:     0.95,
		SourceDocID:    "doc-1",
		AuthorityLevel: 1,
		Active:         true,
	}
}

func TestConfigMethods(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	// Missing keys read as empty
	value, err := store.GetConfig(ctx, "nonexistent")
	if err != nil {
		t.Errorf("GetConfig on non-existent key should not error: %v", err)
	}
	if value != "" {
		t.Errorf("expected empty string for non-existent key, got %q", value)
	}

	if err := store.SetConfig(ctx, "test_key", "test_value"); err != nil {
		t.Fatalf("SetConfig failed: %v", err)
	}
	value, err = store.GetConfig(ctx, "test_key")
	require.NoError(t, err)
	assert.Equal(t, "test_value", value)

	if err := store.SetConfig(ctx, "test_key", "new_value"); err != nil {
		t.Fatalf("SetConfig update failed: %v", err)
	}
	value, err = store.GetConfig(ctx, "test_key")
	require.NoError(t, err)
	assert.Equal(t, "new_value", value)
}

func TestForeignKeysEnabled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "recon.db")
	store, err := New(context.Background(), path, 0)
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	defer store.Close()

	var fkEnabled int
	if err := store.db.QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled); err != nil {
		t.Fatalf("Failed to check foreign keys: %v", err)
	}
	if fkEnabled != 1 {
		t.Errorf("Expected foreign keys to be enabled (1), got %d", fkEnabled)
	}

	var mode string
	require.NoError(t, store.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "recon.db")

	store, err := New(ctx, path, 0)
	require.NoError(t, err)
	require.NoError(t, store.InsertFact(ctx, testFact("f-1")))
	require.NoError(t, store.Close())

	// Reopening re-runs migrations as a no-op
	store, err = New(ctx, path, 0)
	require.NoError(t, err)
	defer store.Close()

	f, err := store.GetFact(ctx, "f-1")
	require.NoError(t, err)
	assert.Equal(t, "SAP ECC", f.Item)
}

func TestAuditTrailIsAppendOnly(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	event := &types.AuditEvent{
		DealID:     "deal-1",
		TargetType: types.TargetFact,
		TargetID:   "f-1",
		Action:     types.AuditAutoApplied,
		Tier:       types.TierAuto,
		Actor:      "reconciler",
		NewValue:   types.StringPtr(`{"item":"SAP ECC"}`),
	}
	require.NoError(t, store.AppendAudit(ctx, event))
	assert.NotZero(t, event.ID)

	_, err := store.db.Exec("UPDATE audit_events SET actor = 'mallory'")
	assert.Error(t, err, "audit rows must not be updatable")
	_, err = store.db.Exec("DELETE FROM audit_events")
	assert.Error(t, err, "audit rows must not be deletable")

	events, err := store.ListAudit(ctx, types.AuditFilter{DealID: "deal-1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "reconciler", events[0].Actor)
	require.NotNil(t, events[0].NewValue)
	assert.Equal(t, `{"item":"SAP ECC"}`, *events[0].NewValue)
	assert.Nil(t, events[0].Comment)
}

func TestAppendAuditValidation(t *testing.T) {
	store := newTestStore(t)
	err := store.AppendAudit(context.Background(), &types.AuditEvent{DealID: "deal-1", Action: types.AuditAccepted})
	assert.Error(t, err, "actor is required")
}

func TestListAuditFilters(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for _, e := range []types.AuditEvent{
		{DealID: "deal-1", TargetID: "f-1", Action: types.AuditAutoApplied, Actor: "reconciler"},
		{DealID: "deal-1", TargetID: "f-2", Action: types.AuditAccepted, Actor: "alice"},
		{DealID: "deal-2", TargetID: "f-3", Action: types.AuditAccepted, Actor: "bob"},
	} {
		e := e
		require.NoError(t, store.AppendAudit(ctx, &e))
	}

	accepted := types.AuditAccepted
	tests := []struct {
		name   string
		filter types.AuditFilter
		want   int
	}{
		{"all", types.AuditFilter{}, 3},
		{"by deal", types.AuditFilter{DealID: "deal-1"}, 2},
		{"by target", types.AuditFilter{TargetID: "f-2"}, 1},
		{"by action", types.AuditFilter{Action: &accepted}, 2},
		{"limit", types.AuditFilter{Limit: 1}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := store.ListAudit(ctx, tt.filter)
			require.NoError(t, err)
			assert.Len(t, events, tt.want)
		})
	}
}

func TestGetStatisticsWithEmptyDatabase(t *testing.T) {
	store := newTestStore(t)

	stats, err := store.GetStatistics(context.Background(), "deal-1")
	if err != nil {
		t.Fatalf("GetStatistics failed on empty database: %v", err)
	}
	assert.Equal(t, 0, stats.ActiveFacts)
	assert.Equal(t, 0, stats.Consolidated)
	assert.Empty(t, stats.Findings)
	assert.Empty(t, stats.PendingByTier)
}
