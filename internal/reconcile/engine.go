// Package reconcile drives one reconciliation pass per deal.
//
// A pass reads a snapshot of the deal's facts and findings, reconciles the
// batch against it in memory, and writes every outcome (tier 1 fact versions,
// pending changes, validated findings, consolidated risks and audit events)
// in a single transaction. A pass that fails before the final write leaves
// the store untouched and can simply be run again.
//
// Facts are reconciled first, domain by domain and entity by entity: each
// incoming fact is matched against the active fact base, classified into a
// tier, and either applied (tier 1) or queued for review. Findings follow:
// risks without evidence are demoted, the remaining risks are paired and
// clustered within their domain and entity, and each multi-member cluster is
// summarized and validated before it becomes a consolidated risk. A cluster
// whose summary fails or cannot be produced stays ungrouped.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/recon/internal/evidence"
	"github.com/steveyegge/recon/internal/matching"
	"github.com/steveyegge/recon/internal/storage"
	"github.com/steveyegge/recon/internal/summarize"
	"github.com/steveyegge/recon/internal/tiering"
	"github.com/steveyegge/recon/internal/types"
)

// Observer receives the stats of every finished pass
type Observer interface {
	ObservePass(stats *Stats, err error)
}

// Deps are the collaborators of an Engine. Only Store is required.
type Deps struct {
	Store      storage.Storage
	Matcher    *matching.Matcher    // default matcher over the embedded lexicon
	Classifier *tiering.Classifier  // default thresholds
	Validator  *evidence.Validator  // built over the matcher's lexicon
	Summarizer summarize.Summarizer // extractive
	Observer   Observer
	Logger     *slog.Logger
}

// Engine runs reconciliation passes. It holds no per-pass state and is safe
// for concurrent use across deals.
type Engine struct {
	store      storage.Storage
	matcher    *matching.Matcher
	classifier *tiering.Classifier
	validator  *evidence.Validator
	summarizer summarize.Summarizer
	observer   Observer
	config     Config
	logger     *slog.Logger

	now   func() time.Time
	newID func() string
}

// NewEngine creates an engine
func NewEngine(deps Deps, cfg Config) (*Engine, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid reconcile config: %w", err)
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:      deps.Store,
		matcher:    deps.Matcher,
		classifier: deps.Classifier,
		validator:  deps.Validator,
		summarizer: deps.Summarizer,
		observer:   deps.Observer,
		config:     cfg,
		logger:     logger,
		now:        time.Now,
		newID:      uuid.NewString,
	}

	var err error
	if e.matcher == nil {
		if e.matcher, err = matching.New(matching.DefaultConfig(), nil, logger); err != nil {
			return nil, err
		}
	}
	if e.classifier == nil {
		if e.classifier, err = tiering.NewClassifier(tiering.DefaultThresholds()); err != nil {
			return nil, err
		}
	}
	if e.validator == nil {
		e.validator = evidence.NewValidator(e.matcher.Lexicon())
	}
	if e.summarizer == nil {
		e.summarizer = summarize.NewExtractive()
	}
	return e, nil
}

// PassResult is the outcome of one pass
type PassResult struct {
	DealID string
	Stats  *Stats

	// Write is exactly what was committed
	Write *types.PassWrite
}

// Run reconciles one batch and commits the result atomically. When the commit
// loses a race with a concurrent write (a review decision superseding a fact
// the pass read), the pass is rebuilt from a fresh snapshot and committed
// once more; a second conflict is returned.
func (e *Engine) Run(ctx context.Context, batch *Batch) (*PassResult, error) {
	if err := batch.Validate(); err != nil {
		return nil, fmt.Errorf("invalid batch: %w", err)
	}

	start := e.now()
	p := e.newPass(batch, start)
	err := p.run(ctx)
	if types.IsPersistenceConflict(err) {
		p.logger.Warn("pass conflicted with a concurrent write; retrying against the latest snapshot",
			slog.Any("error", err))
		p = e.newPass(batch, e.now())
		p.stats.ConflictRetries = 1
		err = p.run(ctx)
	}

	stats := p.stats
	stats.Duration = e.now().Sub(start)
	if e.observer != nil {
		e.observer.ObservePass(stats, err)
	}
	if err != nil {
		p.logger.Error("reconciliation pass failed", slog.Any("error", err))
		return nil, err
	}

	p.logger.Info("reconciliation pass complete",
		slog.Int("tier1", stats.ChangesByTier[types.TierAuto]),
		slog.Int("tier2", stats.ChangesByTier[types.TierBatch]),
		slog.Int("tier3", stats.ChangesByTier[types.TierManual]),
		slog.Int("consolidated", stats.Consolidated),
		slog.Int("fallbacks", stats.Fallbacks),
		slog.Int("demoted", stats.TotalDemotions()),
		slog.Duration("duration", stats.Duration))
	return &PassResult{DealID: batch.DealID, Stats: stats, Write: p.write}, nil
}

func (e *Engine) newPass(batch *Batch, now time.Time) *pass {
	return &pass{
		engine: e,
		batch:  batch,
		stats:  NewStats(batch.DealID),
		write:  &types.PassWrite{DealID: batch.DealID},
		logger: e.logger.With(slog.String("deal", batch.DealID)),
		now:    now,
	}
}

func (p *pass) run(ctx context.Context) error {
	if err := p.loadSnapshot(ctx); err != nil {
		return err
	}
	p.reconcileFacts()
	if err := p.reconcileFindings(ctx); err != nil {
		return err
	}

	p.write.CompletedAt = p.engine.now()
	if err := p.engine.store.ApplyPass(ctx, p.write); err != nil {
		return fmt.Errorf("failed to apply pass for deal %s: %w", p.batch.DealID, err)
	}
	return nil
}

// RunDeals reconciles batches of independent deals concurrently, at most
// MaxConcurrentDeals at a time. Batches of the same deal run one after
// another in input order. A failing deal does not stop the others; the
// returned slice holds nil for every failed batch and the error joins all
// failures.
func (e *Engine) RunDeals(ctx context.Context, batches []*Batch) ([]*PassResult, error) {
	results := make([]*PassResult, len(batches))
	errs := make([]error, len(batches))

	var order []string
	byDeal := make(map[string][]int)
	for i, b := range batches {
		if _, ok := byDeal[b.DealID]; !ok {
			order = append(order, b.DealID)
		}
		byDeal[b.DealID] = append(byDeal[b.DealID], i)
	}

	var g errgroup.Group
	g.SetLimit(e.config.MaxConcurrentDeals)
	for _, deal := range order {
		indexes := byDeal[deal]
		g.Go(func() error {
			for _, i := range indexes {
				if ctx.Err() != nil {
					errs[i] = fmt.Errorf("deal %s: %w", deal, ctx.Err())
					continue
				}
				r, err := e.Run(ctx, batches[i])
				if err != nil {
					errs[i] = fmt.Errorf("deal %s: %w", deal, err)
					continue
				}
				results[i] = r
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}
