package main

import (
	"context"
	"fmt"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jkaninda/keyvault/internal/domain"
)

var healthCmd = &cobra.Command{
	Use:   "health [provider...]",
	Short: "Probe provider availability",
	RunE: withVault(false, func(ctx context.Context, cmd *cobra.Command, sc *SharedComponents, args []string) error {
		var results []*domain.HealthResult
		if len(args) == 0 {
			results = sc.Vault.CheckAllHealth(ctx)
		} else {
			for _, a := range args {
				results = append(results, sc.Vault.CheckHealth(ctx, domain.ParseProvider(a)))
			}
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), results)
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PROVIDER\tSTATUS\tLATENCY\tMESSAGE")
		for _, r := range results {
			fmt.Fprintf(tw, "%s\t%s\t%dms\t%s\n", r.Provider, r.Status, r.LatencyMS, r.Message)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		if slices.ContainsFunc(results, func(r *domain.HealthResult) bool { return r.Status == domain.HealthUnhealthy }) {
			return fmt.Errorf("one or more providers are unhealthy")
		}
		return nil
	}),
}

func init() {
	healthCmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")
}
