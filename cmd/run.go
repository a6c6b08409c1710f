package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newRunCmd creates the 'run' subcommand, one full pipeline pass.
func newRunCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "run [locators...]",
		Short: "Download everything new behind the given locators",
		Long: `Expands each locator (a channel, playlist, page or single item), skips
items already in the ledger or matching a skip keyword, downloads the rest and
normalizes the output directory. Without arguments the configured
sources.locators are used.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateFormat(format); err != nil {
				return err
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}

			report, runErr := appInstance.Harvest(cmd.Context(), args)
			if report.RunID != "" {
				if err := renderReport(cmd.OutOrStdout(), format, report); err != nil {
					appInstance.Logger().Warn("render report failed", zap.Error(err))
				}
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&format, "report", formatText, "report format: text, json or yaml")
	return cmd
}
