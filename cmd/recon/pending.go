package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/recon/internal/review"
	"github.com/steveyegge/recon/internal/types"
)

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Inspect the review queue",
}

var pendingListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued changes",
	Long: `List changes waiting in the review queue, oldest first.

Examples:
  recon pending list                      # Every pending change
  recon pending list --tier 3             # Changes that need an individual decision
  recon pending list --status deferred --deal atlas
  recon pending list --json               # Machine-readable output`,
	Run: func(cmd *cobra.Command, args []string) {
		dealID, _ := cmd.Flags().GetString("deal")
		tierStr, _ := cmd.Flags().GetString("tier")
		statusStr, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		filter, err := changeFilter(dealID, tierStr, statusStr, limit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		q, err := newQueue()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := listChanges(cmd.Context(), q, filter, asJSON, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

var pendingCountsCmd = &cobra.Command{
	Use:   "counts",
	Short: "Show queue size per tier and status",
	Run: func(cmd *cobra.Command, args []string) {
		dealID, _ := cmd.Flags().GetString("deal")

		q, err := newQueue()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		counts, err := q.Counts(cmd.Context(), dealID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to count changes: %v\n", err)
			os.Exit(1)
		}
		printCounts(os.Stdout, counts)
	},
}

func init() {
	pendingListCmd.Flags().String("deal", "", "Only changes of this deal")
	pendingListCmd.Flags().String("tier", "", "Only this tier (1, 2 or 3)")
	pendingListCmd.Flags().String("status", string(types.StatusPending), "Status: pending, deferred, accepted, rejected or all")
	pendingListCmd.Flags().Int("limit", 0, "Maximum number of changes (0 = no limit)")
	pendingListCmd.Flags().Bool("json", false, "Output JSON")
	pendingCountsCmd.Flags().String("deal", "", "Only changes of this deal")

	pendingCmd.AddCommand(pendingListCmd)
	pendingCmd.AddCommand(pendingCountsCmd)
	rootCmd.AddCommand(pendingCmd)
}

func newQueue() (*review.Queue, error) {
	return review.NewQueue(store, cfg.Review, logger)
}

// changeFilter builds a filter from the command line values. An empty tier
// and the status "all" mean no restriction.
func changeFilter(dealID, tierStr, statusStr string, limit int) (types.ChangeFilter, error) {
	filter := types.ChangeFilter{DealID: dealID, Limit: limit}
	if tierStr != "" {
		tier, err := parseTier(tierStr)
		if err != nil {
			return filter, err
		}
		filter.Tier = &tier
	}
	if statusStr != "" && statusStr != "all" {
		status := types.ChangeStatus(strings.ToLower(statusStr))
		if !status.IsValid() {
			return filter, fmt.Errorf("invalid status %q (want pending, deferred, accepted, rejected or all)", statusStr)
		}
		filter.Status = &status
	}
	if limit < 0 {
		return filter, fmt.Errorf("limit cannot be negative (got %d)", limit)
	}
	return filter, nil
}

func parseTier(s string) (types.Tier, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(strings.ToLower(s), "tier"))
	if err != nil || !types.Tier(n).IsValid() {
		return 0, fmt.Errorf("invalid tier %q (want 1, 2 or 3)", s)
	}
	return types.Tier(n), nil
}

func listChanges(ctx context.Context, q *review.Queue, filter types.ChangeFilter, asJSON bool, w io.Writer) error {
	changes, err := q.List(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to list changes: %w", err)
	}

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if changes == nil {
			changes = []*types.PendingChange{}
		}
		return enc.Encode(changes)
	}

	if len(changes) == 0 {
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Fprintf(w, "%s No changes in the queue\n", green("✓"))
		return nil
	}
	for _, c := range changes {
		printChange(w, c)
	}
	fmt.Fprintf(w, "%d change(s)\n", len(changes))
	return nil
}

func printChange(w io.Writer, c *types.PendingChange) {
	cyan := color.New(color.FgCyan).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	fmt.Fprintf(w, "%s  %s %s %s  %s\n", cyan(c.ID), tierLabel(c.Tier), c.Kind, c.Status, gray(c.Rule))
	fmt.Fprintf(w, "  Deal: %s  Target: %s %s (v%d)\n", c.DealID, c.TargetType, orDash(c.TargetID), c.BaseVersion)
	if item := snapshotItem(c.OldValue); item != "" {
		fmt.Fprintf(w, "  Old: %s\n", item)
	}
	if item := snapshotItem(c.NewValue); item != "" {
		fmt.Fprintf(w, "  New: %s\n", item)
	}
	if c.DeferredUntil != nil {
		fmt.Fprintf(w, "  Deferred until: %s\n", c.DeferredUntil.Format("2006-01-02 15:04"))
	}
	if c.ResolutionNote != "" {
		fmt.Fprintf(w, "  Note: %s (%s)\n", c.ResolutionNote, c.ResolvedBy)
	}
	fmt.Fprintf(w, "  Queued: %s\n\n", c.CreatedAt.Format("2006-01-02 15:04:05"))
}

// snapshotItem renders the item and source of a fact snapshot
func snapshotItem(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var f types.Fact
	if err := json.Unmarshal(raw, &f); err != nil || f.Item == "" {
		return string(raw)
	}
	s := f.Item
	if len(f.Details) > 0 {
		details, _ := json.Marshal(f.Details)
		s += " " + string(details)
	}
	if f.SourceDocID != "" {
		s += fmt.Sprintf(" [%s, authority %d, confidence %.2f]", f.SourceDocID, f.AuthorityLevel, f.Confidence)
	}
	return s
}

func printCounts(w io.Writer, counts map[types.Tier]map[types.ChangeStatus]int) {
	yellow := color.New(color.FgYellow).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	if len(counts) == 0 {
		fmt.Fprintf(w, "%s\n", gray("No changes recorded"))
		return
	}

	tiers := make([]types.Tier, 0, len(counts))
	for t := range counts {
		tiers = append(tiers, t)
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i] < tiers[j] })

	statuses := []types.ChangeStatus{types.StatusPending, types.StatusDeferred, types.StatusAccepted, types.StatusRejected}
	fmt.Fprintf(w, "%s\n", yellow("Review queue:"))
	for _, t := range tiers {
		var parts []string
		for _, s := range statuses {
			parts = append(parts, fmt.Sprintf("%s=%d", s, counts[t][s]))
		}
		fmt.Fprintf(w, "  %s  %s\n", tierLabel(t), strings.Join(parts, " "))
	}
}

func tierLabel(t types.Tier) string {
	switch t {
	case types.TierManual:
		return color.RedString(t.String())
	case types.TierBatch:
		return color.YellowString(t.String())
	default:
		return color.GreenString(t.String())
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
