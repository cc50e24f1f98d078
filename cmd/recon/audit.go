package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/recon/internal/types"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the audit trail",
	Long: `Show audit events in the order they were recorded.

Examples:
  recon audit --deal atlas
  recon audit --deal atlas --action downgraded
  recon audit --target 7d2e... --json`,
	Run: func(cmd *cobra.Command, args []string) {
		dealID, _ := cmd.Flags().GetString("deal")
		target, _ := cmd.Flags().GetString("target")
		actionStr, _ := cmd.Flags().GetString("action")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		filter := types.AuditFilter{DealID: dealID, TargetID: target, Limit: limit}
		if actionStr != "" {
			action := types.AuditAction(strings.ToLower(actionStr))
			if !action.IsValid() {
				fmt.Fprintf(os.Stderr, "Error: invalid action %q\n", actionStr)
				os.Exit(1)
			}
			filter.Action = &action
		}
		if err := showAudit(cmd.Context(), filter, asJSON, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	auditCmd.Flags().String("deal", "", "Only events of this deal")
	auditCmd.Flags().String("target", "", "Only events about this record")
	auditCmd.Flags().String("action", "", "Only this action (e.g. auto_applied, downgraded, consolidated)")
	auditCmd.Flags().Int("limit", 0, "Maximum number of events (0 = no limit)")
	auditCmd.Flags().Bool("json", false, "Output JSON")
	rootCmd.AddCommand(auditCmd)
}

func showAudit(ctx context.Context, filter types.AuditFilter, asJSON bool, w io.Writer) error {
	events, err := store.ListAudit(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to list audit events: %w", err)
	}

	if asJSON {
		if events == nil {
			events = []*types.AuditEvent{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(events)
	}

	gray := color.New(color.FgHiBlack).SprintFunc()
	if len(events) == 0 {
		fmt.Fprintf(w, "%s\n", gray("No audit events"))
		return nil
	}
	for _, e := range events {
		fmt.Fprintf(w, "%s  %s  %s\n", gray(e.CreatedAt.Format("2006-01-02 15:04:05")), e.DealID, auditLine(e))
	}
	return nil
}

// auditLine renders one event without its timestamp
func auditLine(e *types.AuditEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s by %s", actionLabel(e.Action), e.TargetType, shortID(e.TargetID), e.Actor)
	if e.Tier != 0 {
		fmt.Fprintf(&b, " (%s)", e.Tier)
	}
	if e.ChangeID != "" {
		fmt.Fprintf(&b, " change %s", shortID(e.ChangeID))
	}
	if e.Comment != nil {
		fmt.Fprintf(&b, ": %s", *e.Comment)
	}
	return b.String()
}

func actionLabel(a types.AuditAction) string {
	switch a {
	case types.AuditAutoApplied, types.AuditAccepted, types.AuditConsolidated:
		return color.GreenString(string(a))
	case types.AuditRejected, types.AuditExpired, types.AuditConsolidationRejected:
		return color.RedString(string(a))
	case types.AuditDowngraded, types.AuditDeferred, types.AuditReopened:
		return color.YellowString(string(a))
	}
	return string(a)
}
