package storage

import (
	"context"
	"time"

	"github.com/steveyegge/recon/internal/storage/sqlite"
	"github.com/steveyegge/recon/internal/types"
)

// Storage defines the interface for the durable reconciliation store.
//
// Facts are versioned and never overwritten. Every write that depends on a
// previously read version is version-checked and fails with
// *types.PersistenceConflictError instead of overwriting.
type Storage interface {
	// Facts
	InsertFact(ctx context.Context, fact *types.Fact) error
	GetFact(ctx context.Context, id string) (*types.Fact, error)
	GetFactHistory(ctx context.Context, id string) ([]*types.Fact, error)
	GetFactHead(ctx context.Context, id string) (*types.Fact, error)
	ListFacts(ctx context.Context, filter types.FactFilter) ([]*types.Fact, error)
	SupersedeFact(ctx context.Context, s types.Supersession) error
	DeactivateFact(ctx context.Context, ref types.FactRef) error

	// Findings
	UpsertFinding(ctx context.Context, finding *types.Finding) error
	GetFinding(ctx context.Context, id string) (*types.Finding, error)
	ListFindings(ctx context.Context, filter types.FindingFilter) ([]*types.Finding, error)
	GetLinkedFacts(ctx context.Context, findingID string) ([]string, error)

	// Consolidated risks
	SaveConsolidatedRisk(ctx context.Context, risk *types.ConsolidatedRisk) error
	GetConsolidatedRisk(ctx context.Context, id string) (*types.ConsolidatedRisk, []*types.Finding, error)
	ListConsolidatedRisks(ctx context.Context, dealID string, domain *types.Domain, entity *types.Entity) ([]*types.ConsolidatedRisk, error)
	GetConsolidatedRiskHistory(ctx context.Context, id string) ([]*types.ConsolidatedRisk, error)

	// Pending changes
	CreatePendingChange(ctx context.Context, change *types.PendingChange) error
	GetPendingChange(ctx context.Context, id string) (*types.PendingChange, error)
	ListPendingChanges(ctx context.Context, filter types.ChangeFilter) ([]*types.PendingChange, error)
	CountPendingChanges(ctx context.Context, dealID string) (map[types.Tier]map[types.ChangeStatus]int, error)
	ResolveChange(ctx context.Context, res types.Resolution) error
	ExpirePendingChanges(ctx context.Context, cutoff time.Time, actor string) ([]*types.PendingChange, error)
	ReopenDeferredChanges(ctx context.Context, now time.Time, actor string) ([]*types.PendingChange, error)

	// Audit trail
	AppendAudit(ctx context.Context, event *types.AuditEvent) error
	ListAudit(ctx context.Context, filter types.AuditFilter) ([]*types.AuditEvent, error)

	// Passes
	ApplyPass(ctx context.Context, pass *types.PassWrite) error
	GetStatistics(ctx context.Context, dealID string) (*types.Statistics, error)

	// Config
	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error

	// Lifecycle
	Close() error
}

// Config holds database configuration
type Config struct {
	// Path is the SQLite database file path
	// Default: ".recon/recon.db"
	// Special value ":memory:" creates an in-memory database (useful for tests)
	Path string

	// BusyTimeout is how long a writer waits on a locked database
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Path:        ".recon/recon.db",
		BusyTimeout: 5 * time.Second,
	}
}

// NewStorage creates a new SQLite storage backend
func NewStorage(ctx context.Context, cfg *Config) (Storage, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Path == "" {
		cfg.Path = DefaultConfig().Path
	}
	return sqlite.New(ctx, cfg.Path, cfg.BusyTimeout)
}
