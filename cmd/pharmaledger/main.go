/*
main.go - Application entry point

PURPOSE:
  Runs the pharmaledger CLI. "pharmaledger serve" starts the HTTP API;
  verify, rebuild, append and seed operate on the same database directly.

CONFIGURATION:
  --config pharma.yaml, then PHARMA_* environment variables, then flags.
  See config/config.go for every key.

EXAMPLES:
  # Run with file database
  pharmaledger serve --db ./data/pharma.db

  # Run with in-memory database
  pharmaledger serve --db-driver memory

  # Check every batch chain
  pharmaledger verify

SEE ALSO:
  - cli/root.go: Commands and global flags
  - api/server.go: Router configuration
*/
package main

import (
	"fmt"
	"os"

	"github.com/warp/pharma-ledger/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
