/*
ledgerctl - Operator command line for the reconciliation ledger

PURPOSE:
  Runs the same engine operations as the HTTP API directly against the
  SQLite database. Meant for cron jobs, import scripts and one-off fixes.

EXAMPLES:
  ledgerctl reconcile-all
  ledgerctl summary INV-25-00042
  ledgerctl approve-cancellation 6f1c... --refund-type partial --percent 30
  ledgerctl import-processed ./imports/2025-03.csv && echo skip

SEE ALSO:
  - commands.go: Subcommands
  - config/config.go: Environment variables (DB_PATH, refund policy)
*/
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
