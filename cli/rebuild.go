package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/warp/pharma-ledger/ledger"
)

// RebuildResult is the JSON output of the rebuild command.
type RebuildResult struct {
	Rebuilt []RebuiltItem `json:"rebuilt"`
}

type RebuiltItem struct {
	DrugID   string `json:"drug_id"`
	Quantity int64  `json:"quantity"`
}

// NewRebuildCommand creates the rebuild command.
func NewRebuildCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rebuild [drug-id...]",
		Short: "Recompute cached quantities from the ledger",
		Long: `Recompute quantity on hand from ledger entries. With drug ids, rebuild
those drugs; without, rebuild every drug flagged stale.

Examples:
  pharmaledger rebuild
  pharmaledger rebuild drug-paracetamol-500`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRebuild(cmd, rootOpts, args)
		},
	}
	return cmd
}

func runRebuild(cmd *cobra.Command, opts *RootOptions, ids []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, opts, cmd.ErrOrStderr(), false)
	if err != nil {
		return err
	}
	defer a.Close()

	result := RebuildResult{Rebuilt: []RebuiltItem{}}
	var failure error
	if len(ids) == 0 {
		refs, err := a.service.RebuildStale(ctx)
		failure = err
		for _, ref := range refs {
			p, err := a.service.Projector().Quantity(ctx, ref)
			if err != nil {
				failure = err
				continue
			}
			result.Rebuilt = append(result.Rebuilt, RebuiltItem{DrugID: string(ref), Quantity: p.Quantity})
		}
	} else {
		for _, id := range ids {
			p, err := a.service.RebuildDrug(ctx, id)
			if err != nil {
				if ledger.IsNotFound(err) {
					return WrapExitError(ExitCommandError, "unknown drug", err)
				}
				failure = err
				continue
			}
			result.Rebuilt = append(result.Rebuilt, RebuiltItem{DrugID: id, Quantity: p.Quantity})
		}
	}

	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		if err := writeJSON(out, result); err != nil {
			return err
		}
	} else {
		if len(result.Rebuilt) == 0 {
			fmt.Fprintln(out, "Nothing to rebuild.")
		}
		for _, r := range result.Rebuilt {
			fmt.Fprintf(out, "%s: %d\n", r.DrugID, r.Quantity)
		}
	}

	if failure != nil {
		return WrapExitError(ExitFailure, "rebuild incomplete", failure)
	}
	return nil
}
