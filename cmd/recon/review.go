package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/recon/internal/review"
	"github.com/steveyegge/recon/internal/types"
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Decide on queued changes",
	Long: `Accept, reject or defer changes in the review queue.

Accepting a fact change writes a new fact version; rejecting leaves the fact
base untouched. Tier 3 changes need a note. Bulk decisions only apply to
Tier 2 changes.

Examples:
  recon review accept 4f1c... --note "confirmed with seller"
  recon review defer 4f1c... --until 2026-11-01
  recon review bulk-accept --deal atlas
  recon review --interactive --deal atlas`,
	Run: func(cmd *cobra.Command, args []string) {
		interactive, _ := cmd.Flags().GetBool("interactive")
		if !interactive {
			_ = cmd.Help()
			return
		}
		dealID, _ := cmd.Flags().GetString("deal")
		tierStr, _ := cmd.Flags().GetString("tier")

		filter, err := changeFilter(dealID, tierStr, string(types.StatusPending), 0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		q, err := newQueue()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		cyan := color.New(color.FgCyan).SprintFunc()
		rl, err := readline.NewEx(&readline.Config{
			Prompt:            cyan("review> "),
			InterruptPrompt:   "^C",
			EOFPrompt:         "quit",
			HistorySearchFold: true,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to create readline: %v\n", err)
			os.Exit(1)
		}
		defer rl.Close()

		if err := reviewInteractive(cmd.Context(), q, filter, rl, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func decisionCommand(use, short string, decide func(*review.Queue, context.Context, string, review.Decision) (*types.PendingChange, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <change-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			note, _ := cmd.Flags().GetString("note")
			d := review.Decision{Actor: actor, Note: note}
			if untilStr, _ := cmd.Flags().GetString("until"); untilStr != "" {
				until, err := parseUntil(untilStr, time.Now())
				if err != nil {
					fmt.Fprintf(os.Stderr, "Error: %v\n", err)
					os.Exit(1)
				}
				d.Until = &until
			}

			q, err := newQueue()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			change, err := decide(q, cmd.Context(), args[0], d)
			if err != nil {
				printDecisionError(os.Stderr, args[0], err)
				os.Exit(1)
			}
			green := color.New(color.FgGreen).SprintFunc()
			fmt.Printf("%s %s %s\n", green("✓"), change.ID, change.Status)
		},
	}
	cmd.Flags().String("note", "", "Reason for the decision (required for tier 3)")
	if use == "defer" {
		cmd.Flags().String("until", "", "Defer until a date (2006-01-02) or for a duration (72h)")
	}
	return cmd
}

func bulkCommand(use, short string, decide func(*review.Queue, context.Context, string, []string, string, string) (*review.BulkResult, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " [change-id...]",
		Short: short,
		Long: short + `.

Without ids every pending Tier 2 change of the deal is decided.`,
		Run: func(cmd *cobra.Command, args []string) {
			dealID, _ := cmd.Flags().GetString("deal")
			note, _ := cmd.Flags().GetString("note")
			if dealID == "" {
				fmt.Fprintf(os.Stderr, "Error: --deal is required\n")
				os.Exit(1)
			}

			q, err := newQueue()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			result, err := decide(q, cmd.Context(), dealID, args, actor, note)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			printBulkResult(os.Stdout, result)
			if len(result.Failed) > 0 {
				os.Exit(1)
			}
		},
	}
	cmd.Flags().String("deal", "", "Deal whose Tier 2 changes are decided")
	cmd.Flags().String("note", "", "Note recorded on every decision")
	return cmd
}

func init() {
	reviewCmd.Flags().Bool("interactive", false, "Walk through pending changes one at a time")
	reviewCmd.Flags().String("deal", "", "Only changes of this deal")
	reviewCmd.Flags().String("tier", "", "Only this tier (1, 2 or 3)")

	reviewCmd.AddCommand(decisionCommand("accept", "Accept a change", (*review.Queue).Accept))
	reviewCmd.AddCommand(decisionCommand("reject", "Reject a change", (*review.Queue).Reject))
	reviewCmd.AddCommand(decisionCommand("defer", "Defer a change", (*review.Queue).Defer))
	reviewCmd.AddCommand(bulkCommand("bulk-accept", "Accept Tier 2 changes of a deal", (*review.Queue).BulkAccept))
	reviewCmd.AddCommand(bulkCommand("bulk-reject", "Reject Tier 2 changes of a deal", (*review.Queue).BulkReject))
	rootCmd.AddCommand(reviewCmd)
}

// parseUntil accepts a calendar date or a duration from now
func parseUntil(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return time.Time{}, fmt.Errorf("defer duration must be positive (got %s)", s)
		}
		return now.Add(d), nil
	}
	t, err := time.ParseInLocation("2006-01-02", s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --until %q: want a date (2006-01-02) or a duration (72h)", s)
	}
	if !t.After(now) {
		return time.Time{}, fmt.Errorf("--until %s is not in the future", s)
	}
	return t, nil
}

func printDecisionError(w io.Writer, id string, err error) {
	red := color.New(color.FgRed).SprintFunc()
	switch {
	case errors.Is(err, types.ErrChangedSinceLoaded):
		fmt.Fprintf(w, "%s %s: the fact changed since this change was queued; reload and decide again\n", red("✗"), id)
	case errors.Is(err, types.ErrNotFound):
		fmt.Fprintf(w, "%s %s: no such change\n", red("✗"), id)
	default:
		fmt.Fprintf(w, "%s %s: %v\n", red("✗"), id, err)
	}
}

func printBulkResult(w io.Writer, r *review.BulkResult) {
	green := color.New(color.FgGreen).SprintFunc()
	fmt.Fprintf(w, "%s %d change(s) decided\n", green("✓"), len(r.Applied))

	failed := make([]string, 0, len(r.Failed))
	for id := range r.Failed {
		failed = append(failed, id)
	}
	sort.Strings(failed)
	for _, id := range failed {
		printDecisionError(w, id, r.Failed[id])
	}
}

// lineReader is the part of readline used by the interactive review
type lineReader interface {
	Readline() (string, error)
	SetPrompt(prompt string)
}

// reviewInteractive shows each matching change and asks for a decision.
// Tier 3 decisions prompt for a note.
func reviewInteractive(ctx context.Context, q *review.Queue, filter types.ChangeFilter, rl lineReader, w io.Writer) error {
	changes, err := q.List(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to list changes: %w", err)
	}
	if len(changes) == 0 {
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Fprintf(w, "%s Nothing to review\n", green("✓"))
		return nil
	}

	gray := color.New(color.FgHiBlack).SprintFunc()
	decided := 0
	for i, c := range changes {
		fmt.Fprintf(w, "\n(%d/%d)\n", i+1, len(changes))
		printChange(w, c)

		rl.SetPrompt("[a]ccept [r]eject [d]efer [s]kip [q]uit > ")
		answer, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				break
			}
			return err
		}

		var decide func(context.Context, string, review.Decision) (*types.PendingChange, error)
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "a", "accept":
			decide = q.Accept
		case "r", "reject":
			decide = q.Reject
		case "d", "defer":
			decide = q.Defer
		case "q", "quit":
			fmt.Fprintf(w, "%d change(s) decided\n", decided)
			return nil
		default:
			fmt.Fprintf(w, "%s\n", gray("skipped"))
			continue
		}

		d := review.Decision{Actor: actor}
		if c.Tier == types.TierManual {
			rl.SetPrompt("note > ")
			note, err := rl.Readline()
			if err != nil {
				break
			}
			d.Note = strings.TrimSpace(note)
		}

		updated, err := decide(ctx, c.ID, d)
		if err != nil {
			printDecisionError(w, c.ID, err)
			continue
		}
		decided++
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Fprintf(w, "%s %s\n", green("✓"), updated.Status)
	}
	fmt.Fprintf(w, "%d change(s) decided\n", decided)
	return nil
}
