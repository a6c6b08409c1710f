package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/media-harvester/internal/harvest"
)

// newLedgerCmd groups ledger inspection commands.
func newLedgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the download ledger",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print ledger entry counts by state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			stats := appInstance.LedgerStats()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			total := 0
			for _, state := range []harvest.State{harvest.StateDone, harvest.StateSkipped} {
				fmt.Fprintf(tw, "%s\t%d\n", state, stats[state])
				total += stats[state]
			}
			fmt.Fprintf(tw, "total\t%d\n", total)
			return tw.Flush()
		},
	})
	return cmd
}
