package cmd

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/media-harvester/internal/normalize"
)

// newNormalizeCmd creates the 'normalize' subcommand.
func newNormalizeCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "normalize [dir]",
		Short: "Rename files to canonical names and delete excluded ones",
		Long: `Runs the filename normalizer over dir (default paths.output_dir). Files
whose names contain a skip keyword are deleted; the rest are renamed to their
canonical form. With --watch the directory is normalized again whenever files
settle, until interrupted.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			var dir string
			if len(args) == 1 {
				dir = args[0]
			}
			out := cmd.OutOrStdout()

			if watch {
				return appInstance.Watch(cmd.Context(), dir, func(res normalize.Result) {
					printNormalizeResult(out, res)
				})
			}
			res, err := appInstance.Normalize(cmd.Context(), dir)
			printNormalizeResult(out, res)
			if err != nil {
				return err
			}
			if len(res.Errors) > 0 {
				return fmt.Errorf("%d files could not be normalized", len(res.Errors))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep normalizing as files appear")
	return cmd
}

func printNormalizeResult(w io.Writer, res normalize.Result) {
	for _, rn := range res.Renames {
		fmt.Fprintf(w, "renamed: %s -> %s\n", filepath.Base(rn.Old), filepath.Base(rn.New))
	}
	for _, d := range res.Deletions {
		fmt.Fprintf(w, "deleted: %s (keyword %q)\n", filepath.Base(d.Path), d.Keyword)
	}
	for _, e := range res.Errors {
		fmt.Fprintf(w, "error:   %s: %s\n", filepath.Base(e.Path), e.Reason)
	}
}
