// Package metrics exports reconciliation pass statistics as Prometheus
// metrics.
//
// The CLI is short-lived, so metrics go to a node-exporter textfile after
// each run instead of a scrape endpoint. Long-running callers (recon watch)
// rewrite the file after every pass.
package metrics

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/steveyegge/recon/internal/reconcile"
)

const namespace = "recon"

// Recorder implements reconcile.Observer over a private registry
type Recorder struct {
	registry *prometheus.Registry
	logger   *slog.Logger

	passes        *prometheus.CounterVec
	passDuration  prometheus.Histogram
	lastPass      *prometheus.GaugeVec
	factsIn       prometheus.Counter
	findingsIn    prometheus.Counter
	invalidFacts  prometheus.Counter
	duplicates    prometheus.Counter
	changesByTier *prometheus.CounterVec
	changesByKind *prometheus.CounterVec
	requeued      prometheus.Counter
	ambiguous     prometheus.Counter
	conflicts     prometheus.Counter
	unrecognized  prometheus.Counter
	demotions     *prometheus.CounterVec
	rejected      prometheus.Counter
	clusters      prometheus.Counter
	consolidated  prometheus.Counter
	fallbacks     prometheus.Counter
	retired       prometheus.Counter
	crossScope    prometheus.Counter
	summaryHits   prometheus.Counter
	retries       prometheus.Counter
}

var _ reconcile.Observer = (*Recorder)(nil)

// NewRecorder creates a recorder with every metric registered
func NewRecorder(logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	}

	r := &Recorder{
		registry: prometheus.NewRegistry(),
		logger:   logger,
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "passes_total", Help: "Reconciliation passes by result.",
		}, []string{"result"}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "pass_duration_seconds", Help: "Wall time of a reconciliation pass.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		lastPass: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_pass_success", Help: "1 if the deal's last pass committed, 0 if it failed.",
		}, []string{"deal"}),
		factsIn:      counter("facts_received_total", "Facts received in batches."),
		findingsIn:   counter("findings_received_total", "Findings received in batches."),
		invalidFacts: counter("facts_invalid_total", "Facts skipped as invalid."),
		duplicates:   counter("facts_duplicate_total", "Facts identical to an active fact."),
		changesByTier: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "fact_changes_by_tier_total", Help: "Detected fact changes by tier.",
		}, []string{"tier"}),
		changesByKind: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "fact_changes_by_kind_total", Help: "Detected fact changes by kind.",
		}, []string{"kind"}),
		requeued:     counter("changes_requeued_total", "Changes already awaiting review and not queued again."),
		ambiguous:    counter("matches_ambiguous_total", "Incoming facts with more than one merge candidate."),
		conflicts:    counter("conflicts_total", "Same-authority contradictions routed to manual review."),
		unrecognized: counter("categories_unrecognized_total", "Records whose category the lexicon does not know."),
		demotions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "findings_demoted_total", Help: "Risks demoted for missing evidence, by rule.",
		}, []string{"rule"}),
		rejected:     counter("findings_rejected_total", "Findings rejected as invalid."),
		clusters:     counter("clusters_total", "Multi-member risk clusters found."),
		consolidated: counter("risks_consolidated_total", "Clusters turned into consolidated risks."),
		fallbacks:    counter("consolidation_fallbacks_total", "Clusters left ungrouped after summarization failed or was rejected."),
		retired:      counter("risks_retired_total", "Consolidated risks retired because their cluster dissolved."),
		crossScope:   counter("cross_scope_edges_dropped_total", "Candidate links dropped for crossing domain or entity."),
		summaryHits:  counter("summary_cache_hits_total", "Summaries served from the response cache."),
		retries:      counter("pass_conflict_retries_total", "Pass commits retried after a concurrent write."),
	}

	r.registry.MustRegister(
		r.passes, r.passDuration, r.lastPass,
		r.factsIn, r.findingsIn, r.invalidFacts, r.duplicates, r.changesByTier, r.changesByKind,
		r.requeued, r.ambiguous, r.conflicts, r.unrecognized,
		r.demotions, r.rejected,
		r.clusters, r.consolidated, r.fallbacks, r.retired, r.crossScope, r.summaryHits,
		r.retries,
	)
	return r
}

// Registry returns the registry the recorder writes to
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObservePass folds one pass's stats into the metrics
func (r *Recorder) ObservePass(stats *reconcile.Stats, err error) {
	if stats == nil {
		return
	}
	r.passDuration.Observe(stats.Duration.Seconds())
	r.retries.Add(float64(stats.ConflictRetries))
	if err != nil {
		r.passes.WithLabelValues("error").Inc()
		r.lastPass.WithLabelValues(stats.DealID).Set(0)
		return
	}
	r.passes.WithLabelValues("ok").Inc()
	r.lastPass.WithLabelValues(stats.DealID).Set(1)

	r.factsIn.Add(float64(stats.FactsIn))
	r.findingsIn.Add(float64(stats.FindingsIn))
	r.invalidFacts.Add(float64(stats.InvalidFacts))
	r.duplicates.Add(float64(stats.Duplicates))
	for tier, n := range stats.ChangesByTier {
		r.changesByTier.WithLabelValues(strconv.Itoa(int(tier))).Add(float64(n))
	}
	for kind, n := range stats.ChangesByKind {
		r.changesByKind.WithLabelValues(string(kind)).Add(float64(n))
	}
	r.requeued.Add(float64(stats.Requeued))
	r.ambiguous.Add(float64(stats.Ambiguous))
	r.conflicts.Add(float64(stats.Conflicts))
	for _, n := range stats.UnrecognizedCategories {
		r.unrecognized.Add(float64(n))
	}
	for rule, n := range stats.Demotions {
		r.demotions.WithLabelValues(rule).Add(float64(n))
	}
	r.rejected.Add(float64(stats.RejectedFindings))
	r.clusters.Add(float64(stats.Clusters))
	r.consolidated.Add(float64(stats.Consolidated))
	r.fallbacks.Add(float64(stats.Fallbacks))
	r.retired.Add(float64(stats.Retired))
	r.crossScope.Add(float64(stats.CrossScopeDropped))
	r.summaryHits.Add(float64(stats.CacheHits))
}

// WriteTextfile writes the current metrics in the text exposition format.
// The file is replaced atomically so node-exporter never reads a partial
// write.
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile %s: %w", path, err)
	}
	r.logger.Debug("metrics written", slog.String("path", path))
	return nil
}
