package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/recon/internal/inbox"
	"github.com/steveyegge/recon/internal/lexicon"
	"github.com/steveyegge/recon/internal/matching"
	"github.com/steveyegge/recon/internal/reconcile"
	"github.com/steveyegge/recon/internal/summarize"
	"github.com/steveyegge/recon/internal/tiering"
	"github.com/steveyegge/recon/internal/types"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reconcile extraction batches against the fact base",
	Long: `Reconcile one or more JSON batch files.

Each batch holds the facts and findings of one extraction run for one deal.
Batches of different deals run concurrently; batches of the same deal run
in the order given. A failing deal does not stop the others.

Patterns support ** for recursive matching.

Examples:
  recon reconcile --input batch.json
  recon reconcile --input 'inbox/**/*.json'
  recon reconcile --input a.json --input b.json`,
	Run: func(cmd *cobra.Command, args []string) {
		inputs, _ := cmd.Flags().GetStringSlice("input")
		inputs = append(inputs, args...)
		if len(inputs) == 0 {
			fmt.Fprintf(os.Stderr, "Error: at least one --input is required\n")
			os.Exit(1)
		}

		batches, err := loadBatches(inputs)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		engine, err := newEngine()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		err = runBatches(cmd.Context(), engine, batches, os.Stdout)
		writeMetrics()
		if err != nil {
			os.Exit(1)
		}
	},
}

func init() {
	reconcileCmd.Flags().StringSliceP("input", "i", nil, "Batch file or glob pattern (repeatable)")
	rootCmd.AddCommand(reconcileCmd)
}

// newEngine builds an engine from the loaded configuration
func newEngine() (*reconcile.Engine, error) {
	lex, err := lexicon.Load(cfg.LexiconPath)
	if err != nil {
		return nil, err
	}
	matcher, err := matching.New(cfg.Matching, lex, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create matcher: %w", err)
	}
	classifier, err := tiering.NewClassifier(cfg.Tiering)
	if err != nil {
		return nil, fmt.Errorf("failed to create classifier: %w", err)
	}
	summarizer, err := summarize.NewFromConfig(cfg.Summarizer, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create summarizer: %w", err)
	}

	return reconcile.NewEngine(reconcile.Deps{
		Store:      store,
		Matcher:    matcher,
		Classifier: classifier,
		Summarizer: summarizer,
		Observer:   recorder,
		Logger:     logger,
	}, cfg.Reconcile)
}

// loadBatches expands the patterns and decodes every batch file
func loadBatches(patterns []string) ([]*reconcile.Batch, error) {
	paths, err := inbox.Collect(patterns)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no batch files match %v", patterns)
	}

	batches := make([]*reconcile.Batch, 0, len(paths))
	for _, path := range paths {
		b, err := reconcile.LoadBatch(path)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, nil
}

// runBatches reconciles the batches and prints one summary per pass. The
// returned error joins every failed deal.
func runBatches(ctx context.Context, engine *reconcile.Engine, batches []*reconcile.Batch, w io.Writer) error {
	results, err := engine.RunDeals(ctx, batches)

	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	failed := 0
	for i, r := range results {
		if r == nil {
			failed++
			fmt.Fprintf(w, "%s deal %s failed\n", red("✗"), batches[i].DealID)
			continue
		}
		fmt.Fprintf(w, "%s %s\n", green("✓"), r.Stats)
		printPassDetails(w, r)
	}
	if err != nil {
		fmt.Fprintf(w, "\n%s %d of %d batch(es) failed: %v\n", red("✗"), failed, len(batches), err)
	}
	return err
}

func printPassDetails(w io.Writer, r *reconcile.PassResult) {
	gray := color.New(color.FgHiBlack).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	if n := len(r.Write.PendingChanges); n > 0 {
		fmt.Fprintf(w, "  %s %d change(s) queued for review\n", yellow("→"), n)
	}
	if n := len(r.Write.ConsolidatedRisks); n > 0 {
		fmt.Fprintf(w, "  %s %d consolidated risk(s) written\n", gray("→"), n)
	}
	for _, risk := range r.Write.ConsolidatedRisks {
		fmt.Fprintf(w, "    %s [%s] %s (%d children)\n",
			gray(shortID(risk.ID)), severityLabel(risk.Severity), risk.Title, len(risk.ChildFindingIDs))
	}
}

func severityLabel(s types.Severity) string {
	switch s {
	case types.SeverityCritical:
		return color.New(color.FgRed, color.Bold).Sprint(string(s))
	case types.SeverityHigh:
		return color.RedString(string(s))
	case types.SeverityMedium:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
