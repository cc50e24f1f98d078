package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/recon/internal/types"
)

var risksCmd = &cobra.Command{
	Use:   "risks",
	Short: "List consolidated risks of a deal",
	Long: `List the active consolidated risks of a deal, most severe first.

With --expand every risk is followed by the findings it groups.

Examples:
  recon risks --deal atlas
  recon risks --deal atlas --domain applications --entity target --expand`,
	Run: func(cmd *cobra.Command, args []string) {
		dealID, _ := cmd.Flags().GetString("deal")
		domainStr, _ := cmd.Flags().GetString("domain")
		entityStr, _ := cmd.Flags().GetString("entity")
		expand, _ := cmd.Flags().GetBool("expand")

		if dealID == "" {
			fmt.Fprintf(os.Stderr, "Error: --deal is required\n")
			os.Exit(1)
		}
		domain, entity, err := parseScope(domainStr, entityStr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := listRisks(cmd.Context(), dealID, domain, entity, expand, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	risksCmd.Flags().String("deal", "", "Deal to list")
	risksCmd.Flags().String("domain", "", "Only this domain")
	risksCmd.Flags().String("entity", "", "Only this entity (target or buyer)")
	risksCmd.Flags().Bool("expand", false, "Show the findings grouped by each risk")
	rootCmd.AddCommand(risksCmd)
}

func parseScope(domainStr, entityStr string) (*types.Domain, *types.Entity, error) {
	var domain *types.Domain
	var entity *types.Entity
	if domainStr != "" {
		d := types.Domain(strings.ToLower(domainStr))
		if !d.IsValid() {
			return nil, nil, fmt.Errorf("invalid domain %q", domainStr)
		}
		domain = &d
	}
	if entityStr != "" {
		e := types.Entity(strings.ToLower(entityStr))
		if !e.IsValid() {
			return nil, nil, fmt.Errorf("invalid entity %q (want target or buyer)", entityStr)
		}
		entity = &e
	}
	return domain, entity, nil
}

func listRisks(ctx context.Context, dealID string, domain *types.Domain, entity *types.Entity, expand bool, w io.Writer) error {
	risks, err := store.ListConsolidatedRisks(ctx, dealID, domain, entity)
	if err != nil {
		return fmt.Errorf("failed to list consolidated risks: %w", err)
	}

	sort.SliceStable(risks, func(i, j int) bool {
		return risks[i].Severity.Rank() > risks[j].Severity.Rank()
	})

	gray := color.New(color.FgHiBlack).SprintFunc()
	if len(risks) == 0 {
		fmt.Fprintf(w, "%s\n", gray("No consolidated risks"))
		return nil
	}

	cyan := color.New(color.FgCyan).SprintFunc()
	for _, r := range risks {
		fmt.Fprintf(w, "%s  [%s] %s\n", cyan(r.ID), severityLabel(r.Severity), r.Title)
		fmt.Fprintf(w, "  %s/%s  v%d  %d finding(s)  grouping confidence %.2f\n",
			r.Domain, r.Entity, r.Version, len(r.ChildFindingIDs), r.GroupingConfidence)
		if len(r.KeySystems) > 0 {
			fmt.Fprintf(w, "  Systems: %s\n", strings.Join(r.KeySystems, ", "))
		}
		if r.Description != "" {
			fmt.Fprintf(w, "  %s\n", r.Description)
		}

		if expand {
			_, children, err := store.GetConsolidatedRisk(ctx, r.ID)
			if err != nil {
				return fmt.Errorf("failed to load findings of %s: %w", r.ID, err)
			}
			for _, c := range children {
				fmt.Fprintf(w, "    %s %s [%s] %s\n", gray("-"), gray(shortID(c.ID)), c.Severity, c.Title)
				for _, q := range c.EvidenceQuotes {
					fmt.Fprintf(w, "        %s\n", gray(fmt.Sprintf("%q", q)))
				}
			}
		}
		fmt.Fprintln(w)
	}
	return nil
}
