package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/warp/pharma-ledger/ledger"
	"github.com/warp/pharma-ledger/pharma"
)

// AppendOptions holds flags for the append command.
type AppendOptions struct {
	*RootOptions
	DrugID   string
	Batch    string
	Kind     string
	Quantity string
	From     string
	To       string
	By       string
	Notes    string
}

// AppendResult is the JSON output of the append command.
type AppendResult struct {
	TransactionID int64  `json:"transactionId"`
	BatchNumber   string `json:"batch_number"`
	PreviousHash  string `json:"previousHash"`
	CurrentHash   string `json:"currentHash"`
	Timestamp     string `json:"timestamp"`
}

// NewAppendCommand creates the append command.
func NewAppendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AppendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "append",
		Short: "Record one stock movement",
		Long: `Append a stock movement to the drug's batch chain and update its
quantity on hand.

Kinds:
  in        stock received at --to
  out       stock leaving --from
  transfer  stock moved from --from to --to

Examples:
  pharmaledger append --drug drug-paracetamol-500 --kind out --quantity 20 \
    --from "Main Warehouse" --to "Emergency Ward" --by nurse-1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAppend(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.DrugID, "drug", "", "drug id (required)")
	cmd.Flags().StringVar(&opts.Batch, "batch", "", "batch number, checked against the drug")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "movement kind: in|out|transfer (required)")
	cmd.Flags().StringVar(&opts.Quantity, "quantity", "", "positive whole number of units (required)")
	cmd.Flags().StringVar(&opts.From, "from", "", "source location")
	cmd.Flags().StringVar(&opts.To, "to", "", "destination location")
	cmd.Flags().StringVar(&opts.By, "by", "", "who performed the movement (required)")
	cmd.Flags().StringVar(&opts.Notes, "notes", "", "free text")
	_ = cmd.MarkFlagRequired("drug")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("quantity")
	_ = cmd.MarkFlagRequired("by")

	return cmd
}

func runAppend(cmd *cobra.Command, opts *AppendOptions) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, opts.RootOptions, cmd.ErrOrStderr(), true)
	if err != nil {
		return err
	}
	defer a.Close()

	qty, err := json.Marshal(opts.Quantity)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid quantity", err)
	}
	e, err := a.service.RecordMovement(ctx, pharma.MovementRequest{
		DrugID:          opts.DrugID,
		BatchNumber:     opts.Batch,
		TransactionType: opts.Kind,
		Quantity:        qty,
		FromLocation:    opts.From,
		ToLocation:      opts.To,
		PerformedBy:     opts.By,
		Notes:           opts.Notes,
	})
	if err != nil {
		code := ExitFailure
		if ledger.IsClientError(err) {
			code = ExitCommandError
		}
		return WrapExitError(code, "failed to record movement", err)
	}

	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		return writeJSON(out, AppendResult{
			TransactionID: int64(e.ID),
			BatchNumber:   string(e.PartitionKey),
			PreviousHash:  e.PreviousHash,
			CurrentHash:   e.CurrentHash,
			Timestamp:     e.TimestampString(),
		})
	}
	fmt.Fprintf(out, "Recorded entry %d in %s\n  previous: %s\n  current:  %s\n  at:       %s\n",
		e.ID, e.PartitionKey, e.PreviousHash, e.CurrentHash, e.TimestampString())
	return nil
}
