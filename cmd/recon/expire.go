package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/recon/internal/review"
)

var expireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Reopen due deferrals and expire stale changes",
	Long: `Run the review queue maintenance sweep.

Deferred changes whose horizon has passed go back to pending. Changes left
pending longer than review.retention_days are rejected as expired.

Intended to run from cron:
  0 6 * * * cd /srv/deals && recon expire`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		q, err := newQueue()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := runExpiry(cmd.Context(), q, time.Now(), os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(expireCmd)
}

// runExpiry reopens due deferrals first so a change deferred past the
// retention window gets a fresh pending period instead of expiring at once
func runExpiry(ctx context.Context, q *review.Queue, now time.Time, w io.Writer) error {
	reopened, err := q.Reopen(ctx, now)
	if err != nil {
		return err
	}
	expired, err := q.ExpireStale(ctx, now)
	if err != nil {
		return err
	}

	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	fmt.Fprintf(w, "%s %d deferred change(s) reopened\n", yellow("↺"), len(reopened))
	fmt.Fprintf(w, "%s %d stale change(s) expired\n", red("✗"), len(expired))
	for _, c := range expired {
		fmt.Fprintf(w, "  %s %s %s (queued %s)\n", c.ID, tierLabel(c.Tier), c.Kind, c.CreatedAt.Format("2006-01-02"))
	}
	return nil
}
