package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/recon/internal/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show fact base and review queue totals for a deal",
	Run: func(cmd *cobra.Command, args []string) {
		dealID, _ := cmd.Flags().GetString("deal")
		if dealID == "" {
			fmt.Fprintf(os.Stderr, "Error: --deal is required\n")
			os.Exit(1)
		}
		if err := showStatus(cmd.Context(), dealID, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	statusCmd.Flags().String("deal", "", "Deal to summarize")
	rootCmd.AddCommand(statusCmd)
}

func showStatus(ctx context.Context, dealID string, w io.Writer) error {
	stats, err := store.GetStatistics(ctx, dealID)
	if err != nil {
		return fmt.Errorf("failed to get statistics: %w", err)
	}

	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	fmt.Fprintf(w, "\n%s\n\n", cyan("=== Deal "+dealID+" ==="))

	lastPass, err := store.GetConfig(ctx, "last_pass:"+dealID)
	if err != nil {
		return fmt.Errorf("failed to get last pass time: %w", err)
	}
	if lastPass == "" {
		lastPass = gray("never")
	}
	fmt.Fprintf(w, "  Last pass:    %s\n", lastPass)
	fmt.Fprintf(w, "  Active facts: %d\n", stats.ActiveFacts)
	fmt.Fprintf(w, "  Risks:        %d (%d consolidated)\n", stats.Findings[types.KindRisk], stats.Consolidated)
	fmt.Fprintf(w, "  Gaps:         %d\n", stats.Findings[types.KindGap])
	fmt.Fprintf(w, "  Observations: %d\n\n", stats.Findings[types.KindObservation])

	printCounts(w, stats.PendingByTier)
	fmt.Fprintln(w)
	return nil
}
