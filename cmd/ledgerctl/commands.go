package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/warp/reconcile-engine/config"
	"github.com/warp/reconcile-engine/ledger"
	"github.com/warp/reconcile-engine/logger"
	"github.com/warp/reconcile-engine/store/sqlite"
)

var version = "1.0.0"

// app is opened by the root command before any subcommand runs.
type app struct {
	dbPath string

	store   *sqlite.Store
	engine  *ledger.Engine
	closers []io.Closer
}

func (a *app) open(cmd *cobra.Command, _ []string) error {
	envErr := config.LoadDotEnv()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("db") {
		cfg.DBPath = a.dbPath
	}

	logCfg := cfg.LoggerConfig()
	if logCfg.Output == "" || logCfg.Output == "stdout" {
		// stdout carries command output
		logCfg.Output = "stderr"
	}
	logFile, err := logger.Setup(logCfg)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, logFile)
	if envErr != nil {
		log := logger.WithComponent("ledgerctl")
		log.Warn().Err(envErr).Msg("ignoring .env file")
	}

	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	a.closers = append(a.closers, store)
	a.store = store
	a.engine = ledger.NewEngine(store, cfg.EngineConfig(), logger.WithComponent("ledger"))
	return nil
}

func (a *app) close(*cobra.Command, []string) error {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i].Close()
	}
	return nil
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "ledgerctl",
		Short: "Operate the invoice reconciliation ledger",
		Long: `ledgerctl runs reconciliation, cancellation and provision operations
against the ledger database. Every command is one unit of work: it either
commits completely or leaves the database untouched.`,
		Version:            version,
		SilenceUsage:       true,
		PersistentPreRunE:  a.open,
		PersistentPostRunE: a.close,
	}
	root.PersistentFlags().StringVar(&a.dbPath, "db", "reconcile.db", "SQLite database path (overrides DB_PATH)")

	root.AddCommand(
		reconcileCmd(a),
		reconcileAllCmd(a),
		disassociateCmd(a),
		approveCancellationCmd(a),
		rejectCancellationCmd(a),
		summaryCmd(a),
		applyProvisionsCmd(a),
		importProcessedCmd(a),
	)
	return root
}

// =============================================================================
// INVOICES
// =============================================================================

func reconcileCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <invoice-number>",
		Short: "Recompute one invoice from its transactions, credits and provisions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := a.engine.Reconcile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s paid=%s of %s\n",
				inv.InvoiceNumber, inv.Status, inv.TotalPayments.StringFixed(2), inv.Amount.StringFixed(2))
			return nil
		},
	}
}

func reconcileAllCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile-all",
		Short: "Reconcile every pending invoice",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := a.engine.ReconcileAllPending(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "checked=%d paid=%d failed=%d\n", report.Checked, report.Paid, len(report.Failed))
			for number, ferr := range report.Failed {
				fmt.Fprintf(out, "  %s: %v\n", number, ferr)
			}
			if len(report.Failed) > 0 {
				return fmt.Errorf("%d invoices failed to reconcile", len(report.Failed))
			}
			return nil
		},
	}
}

func summaryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "summary <invoice-number>",
		Short: "Print the payment summary of an invoice as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.engine.GetInvoicePaymentSummary(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(s)
		},
	}
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func disassociateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "disassociate <transaction-id>",
		Short: "Unlink a bank transaction from its invoice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tx, err := a.engine.DisassociateTransaction(cmd.Context(), ledger.TransactionID(args[0]))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", tx.ID, tx.Status)
			return nil
		},
	}
}

func importProcessedCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import-processed <path>",
		Short: "Exit 0 when a bank file was already imported, 1 otherwise",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			done, err := a.engine.HasFileBeenProcessed(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), done)
			if !done {
				a.close(cmd, args)
				os.Exit(1)
			}
			return nil
		},
	}
}

// =============================================================================
// CANCELLATIONS
// =============================================================================

func approveCancellationCmd(a *app) *cobra.Command {
	var (
		refundType string
		notes      string
		percent    string
	)
	cmd := &cobra.Command{
		Use:   "approve-cancellation <request-id>",
		Short: "Approve a pending cancellation request",
		Example: `  ledgerctl approve-cancellation 6f1c... --refund-type full
  ledgerctl approve-cancellation 6f1c... --refund-type partial --percent 30 --notes "late notice"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			approval := ledger.Approval{
				RequestID:  ledger.CancellationRequestID(args[0]),
				RefundType: ledger.RefundType(refundType),
				AdminNotes: notes,
			}
			if percent != "" {
				p, err := decimal.NewFromString(percent)
				if err != nil {
					return fmt.Errorf("invalid --percent %q: %w", percent, err)
				}
				approval.PartialPercent = &p
			}

			res, err := a.engine.ApproveCancellation(cmd.Context(), approval)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "request %s approved, refund %s\n", res.Request.ID, res.RefundAmount.StringFixed(2))
			if res.CreditNote != nil {
				fmt.Fprintf(out, "credit note %s\n", res.CreditNote.CreditNoteNumber)
			}
			for _, r := range res.Registrations {
				fmt.Fprintf(out, "registration %s %s\n", r.ID, r.CancellationStatus)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&refundType, "refund-type", string(ledger.RefundFull), "full, partial or none")
	cmd.Flags().StringVar(&notes, "notes", "", "Admin notes stored on the request")
	cmd.Flags().StringVar(&percent, "percent", "", "Partial refund percentage (default PARTIAL_REFUND_PERCENT)")
	return cmd
}

func rejectCancellationCmd(a *app) *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "reject-cancellation <request-id>",
		Short: "Reject a pending cancellation request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := a.engine.RejectCancellation(cmd.Context(), ledger.CancellationRequestID(args[0]), notes)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "request %s %s\n", req.ID, req.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "Admin notes stored on the request")
	return cmd
}

// =============================================================================
// PROVISIONS
// =============================================================================

func applyProvisionsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "apply-provisions <user-id>",
		Short: "Spend a user's available credit on their open invoices",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.engine.ApplyProvisions(cmd.Context(), ledger.UserID(args[0]))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %s to %d invoices\n", res.TotalApplied.StringFixed(2), len(res.InvoicesTouched))
			return nil
		},
	}
}
