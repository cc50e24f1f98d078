package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/steveyegge/recon/internal/config"
	"github.com/steveyegge/recon/internal/metrics"
	"github.com/steveyegge/recon/internal/storage"
)

var (
	cfgFile string
	dbPath  string
	actor   string
	verbose bool

	cfg      config.Config
	store    storage.Storage
	logger   *slog.Logger
	recorder *metrics.Recorder
)

// Commands that must work without an existing store
var noStoreCommands = map[string]bool{
	"init":       true,
	"show":       true,
	"help":       true,
	"completion": true,
}

var rootCmd = &cobra.Command{
	Use:   "recon",
	Short: "Reconcile extracted deal facts and risk findings",
	Long: `recon keeps a versioned, auditable fact base per deal.

Each extraction batch is reconciled against the active facts: safe changes
are applied automatically, the rest are queued for review by tier. Risk
findings are validated against their evidence and related risks are
consolidated per domain and entity.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger = newLogger(verbose)
		slog.SetDefault(logger)

		v := viper.New()
		if err := config.ReadFile(v, cfgFile); err != nil {
			return err
		}
		loaded, err := config.Load(v)
		if err != nil {
			return err
		}
		cfg = loaded
		recorder = metrics.NewRecorder(logger)

		if noStoreCommands[cmd.Name()] {
			return nil
		}
		return openStore(cmd.Context())
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if store != nil {
			if err := store.Close(); err != nil {
				logger.Warn("failed to close store", slog.Any("error", err))
			}
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default $HOME/.recon/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database path (default: .recon/recon.db in the current directory)")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", defaultActor(), "Name recorded on review decisions")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// resolveDBPath picks the store location: --db first, then a store.path
// that differs from the default, then RECON_DB_PATH or the current
// directory's .recon/recon.db
func resolveDBPath() (string, error) {
	if dbPath != "" {
		return dbPath, nil
	}
	if cfg.Store.Path != "" && cfg.Store.Path != storage.DefaultConfig().Path {
		return cfg.Store.Path, nil
	}
	return storage.DiscoverDatabase()
}

func openStore(ctx context.Context) error {
	path, err := resolveDBPath()
	if err != nil {
		return err
	}
	dbPath = path

	storeCfg := cfg.Store
	storeCfg.Path = path
	s, err := storage.NewStorage(ctx, &storeCfg)
	if err != nil {
		return fmt.Errorf("failed to open database %s: %w", path, err)
	}
	store = s
	logger.Debug("opened store", slog.String("path", path))
	return nil
}

func defaultActor() string {
	if u := os.Getenv("RECON_ACTOR"); u != "" {
		return u
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "reviewer"
}

// writeMetrics exports the pass metrics when a textfile is configured
func writeMetrics() {
	if cfg.MetricsTextfile == "" || recorder == nil {
		return
	}
	if err := recorder.WriteTextfile(cfg.MetricsTextfile); err != nil {
		logger.Warn("failed to write metrics textfile",
			slog.String("path", cfg.MetricsTextfile),
			slog.Any("error", err))
	}
}
