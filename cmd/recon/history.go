package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/recon/internal/types"
)

var historyCmd = &cobra.Command{
	Use:   "history <id>",
	Short: "Show the version chain of a fact or consolidated risk",
	Long: `Show every version of a fact, oldest first, with its footnotes and
the audit events recorded against each version.

Any version id of the chain may be given.

Examples:
  recon history 7d2e...
  recon history --risk 91ab...`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		isRisk, _ := cmd.Flags().GetBool("risk")

		var err error
		if isRisk {
			err = riskHistory(cmd.Context(), args[0], os.Stdout)
		} else {
			err = factHistory(cmd.Context(), args[0], os.Stdout)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	historyCmd.Flags().Bool("risk", false, "Treat the id as a consolidated risk")
	rootCmd.AddCommand(historyCmd)
}

func factHistory(ctx context.Context, id string, w io.Writer) error {
	chain, err := store.GetFactHistory(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load history of %s: %w", id, err)
	}

	cyan := color.New(color.FgCyan).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	for _, f := range chain {
		state := gray("inactive")
		if f.Active {
			state = green("active")
		}
		fmt.Fprintf(w, "%s  v%d  %s\n", cyan(f.ID), f.Version, state)
		fmt.Fprintf(w, "  %s/%s %s: %s\n", f.Domain, f.Entity, f.Category, f.Item)
		if len(f.Details) > 0 {
			details, _ := json.Marshal(f.Details)
			fmt.Fprintf(w, "  Details: %s\n", details)
		}
		fmt.Fprintf(w, "  Source: %s (authority %d, confidence %.2f)\n", orDash(f.SourceDocID), f.AuthorityLevel, f.Confidence)
		if f.Evidence != "" {
			fmt.Fprintf(w, "  Evidence: %q\n", f.Evidence)
		}
		for _, fn := range f.Footnotes {
			fmt.Fprintf(w, "  %s %s from %s (authority %d)\n", gray("footnote:"), fn.Item, fn.SourceDocID, fn.AuthorityLevel)
		}

		events, err := store.ListAudit(ctx, types.AuditFilter{DealID: f.DealID, TargetID: f.ID})
		if err != nil {
			return fmt.Errorf("failed to load audit of %s: %w", f.ID, err)
		}
		for _, e := range events {
			fmt.Fprintf(w, "  %s %s\n", gray(e.CreatedAt.Format("2006-01-02 15:04:05")), auditLine(e))
		}
		fmt.Fprintln(w)
	}
	return nil
}

func riskHistory(ctx context.Context, id string, w io.Writer) error {
	versions, err := store.GetConsolidatedRiskHistory(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load history of %s: %w", id, err)
	}
	if len(versions) == 0 {
		return fmt.Errorf("consolidated risk %s: %w", id, types.ErrNotFound)
	}

	cyan := color.New(color.FgCyan).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()
	for _, r := range versions {
		state := "active"
		if !r.Active {
			state = "retired"
		}
		fmt.Fprintf(w, "%s  v%d  %s  %s\n", cyan(r.ID), r.Version, state, gray(r.UpdatedAt.Format("2006-01-02 15:04:05")))
		fmt.Fprintf(w, "  [%s] %s\n", severityLabel(r.Severity), r.Title)
		fmt.Fprintf(w, "  Children: %v\n\n", r.ChildFindingIDs)
	}
	return nil
}
