package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/recon/internal/inbox"
	"github.com/steveyegge/recon/internal/reconcile"
)

var watchCmd = &cobra.Command{
	Use:   "watch <dir>",
	Short: "Reconcile every batch that lands in an inbox directory",
	Long: `Watch a directory and reconcile each batch file written to it.

Files already waiting are handled first. New files are picked up once they
have been quiet for the debounce interval (inbox.debounce). Handled batches
move to <dir>/done, failed ones to <dir>/failed.

Only one watcher may own a directory; a lock file left by a dead watcher
is taken over.

Examples:
  recon watch ./inbox
  RECON_INBOX_DEBOUNCE=2s recon watch ./inbox`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dir := args[0]
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			fmt.Fprintf(os.Stderr, "Error: %s is not a directory\n", dir)
			os.Exit(1)
		}

		lock, err := inbox.AcquireLock(dir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer func() {
			if err := lock.Release(); err != nil {
				logger.Warn("failed to release inbox lock", slog.Any("error", err))
			}
		}()

		engine, err := newEngine()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return
		}

		w, err := inbox.NewWatcher(dir, cfg.Inbox, batchHandler(engine), logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return
		}

		cyan := color.New(color.FgCyan).SprintFunc()
		fmt.Printf("Watching %s for batches. Press Ctrl+C to stop.\n", cyan(dir))
		if err := w.Run(cmd.Context()); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

// batchHandler reconciles one inbox file and refreshes the metrics textfile
func batchHandler(engine *reconcile.Engine) inbox.Handler {
	return func(ctx context.Context, path string) error {
		batch, err := reconcile.LoadBatch(path)
		if err != nil {
			return err
		}
		result, err := engine.Run(ctx, batch)
		writeMetrics()
		if err != nil {
			return err
		}
		logger.Info("batch reconciled",
			slog.String("path", path),
			slog.String("deal", result.DealID),
			slog.Int("queued", len(result.Write.PendingChanges)),
			slog.Int("consolidated", len(result.Write.ConsolidatedRisks)))
		return nil
	}
}
