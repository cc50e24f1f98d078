package review

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/recon/internal/storage"
	"github.com/steveyegge/recon/internal/types"
)

var testNow = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func newTestQueue(t *testing.T) (*Queue, storage.Storage) {
	t.Helper()
	store, err := storage.NewStorage(context.Background(), &storage.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	q, err := NewQueue(store, DefaultConfig(), nil)
	require.NoError(t, err)
	q.now = func() time.Time { return testNow }
	return q, store
}

func fact(id, item string, version string) *types.Fact {
	return &types.Fact{
		ID:             id,
		DealID:         "deal-1",
		Domain:         types.DomainInfrastructure,
		Entity:         types.EntityTarget,
		Category:       "hosting",
		Item:           item,
		Details:        map[string]any{"version": version},
		Evidence:       "Production runs in " + item,
		Confidence:     0.8,
		SourceDocID:    "doc-1",
		AuthorityLevel: 2,
		Active:         true,
	}
}

func queueChange(t *testing.T, store storage.Storage, id string, kind types.ChangeKind, tier types.Tier, target *types.Fact, proposed *types.Fact) *types.PendingChange {
	t.Helper()
	c := &types.PendingChange{
		ID:         id,
		DealID:     "deal-1",
		Kind:       kind,
		TargetType: types.TargetFact,
		Tier:       tier,
		Rule:       "test",
		CreatedAt:  testNow.Add(-time.Hour),
	}
	if target != nil {
		c.TargetID = target.ID
		c.BaseVersion = target.Version
		raw, err := json.Marshal(target)
		require.NoError(t, err)
		c.OldValue = raw
	}
	if proposed != nil {
		raw, err := json.Marshal(proposed)
		require.NoError(t, err)
		c.NewValue = raw
	}
	require.NoError(t, store.CreatePendingChange(context.Background(), c))
	return c
}

func TestAcceptNewFact(t *testing.T) {
	ctx := context.Background()
	q, store := newTestQueue(t)
	queueChange(t, store, "c-1", types.ChangeNew, types.TierBatch, nil, fact("f-1", "AWS us-east-1", "n/a"))

	got, err := q.Accept(ctx, "c-1", Decision{Actor: "alice"})
	require.NoError(t, err)
	assert.Equal(t, types.StatusAccepted, got.Status)

	f, err := store.GetFact(ctx, "f-1")
	require.NoError(t, err)
	assert.True(t, f.Active)
	assert.Equal(t, 1, f.Version)

	events, err := store.ListAudit(ctx, types.AuditFilter{TargetID: "f-1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.AuditAccepted, events[0].Action)
	assert.Equal(t, types.TierBatch, events[0].Tier)
}

func TestRejectLeavesFactsUntouched(t *testing.T) {
	ctx := context.Background()
	q, store := newTestQueue(t)
	existing := fact("f-1", "AWS", "1")
	require.NoError(t, store.InsertFact(ctx, existing))
	queueChange(t, store, "c-1", types.ChangeUpdate, types.TierBatch, existing, fact("f-2", "AWS", "2"))

	_, err := q.Reject(ctx, "c-1", Decision{Actor: "alice", Note: "stale deck"})
	require.NoError(t, err)

	head, err := store.GetFactHead(ctx, "f-1")
	require.NoError(t, err)
	assert.Equal(t, "f-1", head.ID)
	_, err = store.GetFact(ctx, "f-2")
	assert.True(t, errors.Is(err, types.ErrNotFound))

	// Terminal
	_, err = q.Accept(ctx, "c-1", Decision{Actor: "bob"})
	assert.Error(t, err)
}

func TestManualTierRequiresNote(t *testing.T) {
	ctx := context.Background()
	q, store := newTestQueue(t)
	existing := fact("f-1", "AWS", "1")
	require.NoError(t, store.InsertFact(ctx, existing))
	queueChange(t, store, "c-1", types.ChangeConflict, types.TierManual, existing, fact("f-2", "AWS", "2"))

	_, err := q.Accept(ctx, "c-1", Decision{Actor: "alice"})
	var ve *types.ValidationError
	require.True(t, errors.As(err, &ve), "got %v", err)
	assert.Equal(t, types.RuleNoteRequired, ve.Rule)

	got, err := q.Accept(ctx, "c-1", Decision{Actor: "alice", Note: "CIO interview is authoritative"})
	require.NoError(t, err)
	assert.Equal(t, "CIO interview is authoritative", got.ResolutionNote)

	head, err := store.GetFactHead(ctx, "f-1")
	require.NoError(t, err)
	assert.Equal(t, "f-2", head.ID)
	assert.Equal(t, 2, head.Version)
	assert.Equal(t, "f-1", head.PreviousVersionID)
}

func TestAcceptRetriesAgainstLatestVersion(t *testing.T) {
	ctx := context.Background()
	q, store := newTestQueue(t)
	existing := fact("f-1", "AWS", "1")
	require.NoError(t, store.InsertFact(ctx, existing))
	queueChange(t, store, "c-1", types.ChangeUpdate, types.TierBatch, existing, fact("f-3", "AWS", "3"))

	// Someone else moved the chain on after the change was queued
	require.NoError(t, store.SupersedeFact(ctx, types.Supersession{PriorID: "f-1", ExpectedVersion: 1, Next: *fact("f-2", "AWS", "2")}))

	_, err := q.Accept(ctx, "c-1", Decision{Actor: "alice"})
	require.NoError(t, err)

	history, err := store.GetFactHistory(ctx, "f-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "f-3", history[2].ID)
	assert.Equal(t, "f-2", history[2].PreviousVersionID)
}

func TestAcceptRemovedTargetSurfacesChangedSinceLoaded(t *testing.T) {
	ctx := context.Background()
	q, store := newTestQueue(t)
	existing := fact("f-1", "AWS", "1")
	require.NoError(t, store.InsertFact(ctx, existing))
	queueChange(t, store, "c-1", types.ChangeUpdate, types.TierBatch, existing, fact("f-2", "AWS", "2"))
	require.NoError(t, store.DeactivateFact(ctx, types.FactRef{ID: "f-1", ExpectedVersion: 1}))

	_, err := q.Accept(ctx, "c-1", Decision{Actor: "alice"})
	assert.True(t, errors.Is(err, types.ErrChangedSinceLoaded), "got %v", err)

	c, err := store.GetPendingChange(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, c.Status)
}

// conflictingStore fails every resolution with a persistence conflict
type conflictingStore struct {
	storage.Storage
	calls int
}

func (s *conflictingStore) ResolveChange(ctx context.Context, res types.Resolution) error {
	s.calls++
	return &types.PersistenceConflictError{Table: "pending_changes", ID: res.ChangeID, ExpectedVersion: res.ExpectedVersion, ActualVersion: res.ExpectedVersion + 1}
}

func TestSecondConflictSurfacesChangedSinceLoaded(t *testing.T) {
	ctx := context.Background()
	_, store := newTestQueue(t)
	queueChange(t, store, "c-1", types.ChangeNew, types.TierBatch, nil, fact("f-1", "AWS", "1"))

	wrapped := &conflictingStore{Storage: store}
	q, err := NewQueue(wrapped, DefaultConfig(), nil)
	require.NoError(t, err)

	_, err = q.Accept(ctx, "c-1", Decision{Actor: "alice"})
	assert.True(t, errors.Is(err, types.ErrChangedSinceLoaded), "got %v", err)
	assert.Equal(t, 2, wrapped.calls, "exactly one retry")
}

func TestDeferAndReopen(t *testing.T) {
	ctx := context.Background()
	q, store := newTestQueue(t)
	queueChange(t, store, "c-1", types.ChangeNew, types.TierBatch, nil, fact("f-1", "AWS", "1"))

	got, err := q.Defer(ctx, "c-1", Decision{Actor: "alice", Note: "waiting for the data room refresh"})
	require.NoError(t, err)
	require.NotNil(t, got.DeferredUntil)
	assert.True(t, got.DeferredUntil.Equal(testNow.Add(7*24*time.Hour)))

	reopened, err := q.Reopen(ctx, testNow.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, reopened, "horizon not reached")

	reopened, err = q.Reopen(ctx, testNow.Add(8*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, reopened, 1)

	got, err = store.GetPendingChange(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, got.Status)

	past := testNow.Add(-time.Hour)
	_, err = q.Defer(ctx, "c-1", Decision{Actor: "alice", Until: &past})
	assert.Error(t, err, "defer date must be in the future")
}

func TestBulkAcceptTierBatchOnly(t *testing.T) {
	ctx := context.Background()
	q, store := newTestQueue(t)
	queueChange(t, store, "c-1", types.ChangeNew, types.TierBatch, nil, fact("f-1", "AWS", "1"))
	queueChange(t, store, "c-2", types.ChangeNew, types.TierBatch, nil, fact("f-2", "Azure", "1"))
	queueChange(t, store, "c-3", types.ChangeNew, types.TierManual, nil, fact("f-3", "GCP", "1"))

	result, err := q.BulkAccept(ctx, "deal-1", []string{"c-1", "c-2", "c-3"}, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"c-1", "c-2"}, result.Applied)
	require.Contains(t, result.Failed, "c-3")

	c3, err := store.GetPendingChange(ctx, "c-3")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, c3.Status)
}

func TestBulkRejectDefaultsToAllPendingBatch(t *testing.T) {
	ctx := context.Background()
	q, store := newTestQueue(t)
	queueChange(t, store, "c-1", types.ChangeNew, types.TierBatch, nil, fact("f-1", "AWS", "1"))
	queueChange(t, store, "c-2", types.ChangeNew, types.TierManual, nil, fact("f-2", "GCP", "1"))

	result, err := q.BulkReject(ctx, "deal-1", nil, "alice", "superseded deck")
	require.NoError(t, err)
	assert.Equal(t, []string{"c-1"}, result.Applied)
	assert.Empty(t, result.Failed)

	counts, err := q.Counts(ctx, "deal-1")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[types.TierBatch][types.StatusRejected])
	assert.Equal(t, 1, counts[types.TierManual][types.StatusPending])

	_, err = q.BulkReject(ctx, "", nil, "alice", "")
	assert.Error(t, err)
}

func TestExpireStale(t *testing.T) {
	ctx := context.Background()
	q, store := newTestQueue(t)
	old := queueChange(t, store, "c-old", types.ChangeNew, types.TierBatch, nil, fact("f-1", "AWS", "1"))
	_ = old

	expired, err := q.ExpireStale(ctx, testNow)
	require.NoError(t, err)
	assert.Empty(t, expired, "an hour-old change is within retention")

	expired, err = q.ExpireStale(ctx, testNow.Add(31*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, expired, 1)

	got, err := store.GetPendingChange(ctx, "c-old")
	require.NoError(t, err)
	assert.Equal(t, types.StatusRejected, got.Status)
	assert.Equal(t, "expired", got.ResolutionNote)
}

func TestDecisionRequiresActor(t *testing.T) {
	q, store := newTestQueue(t)
	queueChange(t, store, "c-1", types.ChangeNew, types.TierBatch, nil, fact("f-1", "AWS", "1"))
	_, err := q.Accept(context.Background(), "c-1", Decision{})
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"defaults", DefaultConfig(), false},
		{"zero retention", Config{RetentionDays: 0, DeferHorizonDays: 1}, true},
		{"horizon beyond retention", Config{RetentionDays: 5, DeferHorizonDays: 7}, true},
		{"horizon too long", Config{RetentionDays: 365, DeferHorizonDays: 120}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
	assert.Equal(t, 30*24*time.Hour, DefaultConfig().RetentionWindow())
}
