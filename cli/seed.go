package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewSeedCommand creates the seed command.
func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load sample locations and drugs",
		Long: `Load the default stock locations and three sample drugs, each with an
initial "in" ledger entry. Batches that already exist are skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, rootOpts, cmd.ErrOrStderr(), true)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.service.Seed(ctx)
			if err != nil {
				return WrapExitError(ExitFailure, "seed failed", err)
			}

			out := cmd.OutOrStdout()
			if rootOpts.Format == "json" {
				return writeJSON(out, map[string]int{
					"locations":     res.Locations,
					"drugs_created": res.DrugsCreated,
					"drugs_skipped": res.DrugsSkipped,
				})
			}
			fmt.Fprintf(out, "Seeded %d locations, %d drugs (%d already present)\n",
				res.Locations, res.DrugsCreated, res.DrugsSkipped)
			return nil
		},
	}
	return cmd
}
