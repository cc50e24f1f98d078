package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/recon/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage recon configuration",
	Long: `Manage recon configuration files and settings.

Configuration hierarchy (highest to lowest priority):
1. CLI flags (--db, --config)
2. Environment variables (RECON_*, e.g. RECON_TIERING_REVIEW_FLOOR)
3. Config file (~/.recon/config.yaml)
4. Defaults`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Run: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			fmt.Fprintf(os.Stderr, "Configuration file: %s\n\n", cfgFile)
		}
		fmt.Println(cfg.String())
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a config file holding every default",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		path := ""
		if len(args) > 0 {
			path = args[0]
		} else {
			var err error
			if path, err = config.DefaultFilePath(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}
		if err := config.WriteDefaultFile(path); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			fmt.Fprintf(os.Stderr, "Use 'recon config show' to view the current settings\n")
			os.Exit(1)
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Wrote %s\n", green("✓"), path)
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}
