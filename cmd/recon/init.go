package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/recon/internal/storage"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a reconciliation store in the current directory",
	Long: `Create a .recon/ directory holding the SQLite store.

This creates:
  - .recon/ directory
  - .recon/recon.db (SQLite database with the current schema)

Example:
  cd ~/deals/project-atlas
  recon init`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cwd, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to get current directory: %v\n", err)
			os.Exit(1)
		}

		path, err := storage.InitProject(cwd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		// Opening the store creates the schema
		storeCfg := cfg.Store
		storeCfg.Path = path
		db, err := storage.NewStorage(cmd.Context(), &storeCfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to initialize database: %v\n", err)
			os.Exit(1)
		}
		_ = db.Close()

		green := color.New(color.FgGreen).SprintFunc()
		cyan := color.New(color.FgCyan).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()

		fmt.Printf("\n%s Initialized reconciliation store\n\n", green("✓"))
		fmt.Printf("  Database: %s\n", cyan(path))
		fmt.Println()
		fmt.Printf("%s Next steps:\n", gray("→"))
		fmt.Printf("  %s\n", gray("recon reconcile --input 'batches/*.json'"))
		fmt.Printf("  %s\n", gray("recon pending list"))
		fmt.Println()
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
