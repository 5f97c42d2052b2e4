/*
engine.go - Public operations of the reconciliation engine

PURPOSE:
  The Engine is the only entry point callers use. Each public method runs
  exactly one unit of work: one database transaction, one reentrancy fence
  and one clock reading. Any error rolls the whole unit back.

    caller ─▶ Engine.X ─▶ TxStore.WithTx ─▶ unit{store, fence, now}
                                              │
                     Matcher / Reconciler / Applier / CancellationProcessor

OPERATIONS:
  Invoices:      CreateInvoice, Reconcile, ReconcileAllPending, GetInvoicePaymentSummary
  Transactions:  ImportTransaction, LinkTransaction, DisassociateTransaction,
                 IgnoreTransaction, HasFileBeenProcessed
  Credit notes:  IssueCreditNote, MarkCreditNoteSent
  Provisions:    ApplyProvisions, GrantProvision, RequestProvisionRefund,
                 MarkProvisionRefunded, ListUserProvisions
  Cancellations: SubmitCancellation, ApproveCancellation, RejectCancellation
  Collaborator:  SaveSession, AddRegistration (seeding the registration view)

SEE ALSO:
  - reconciler.go: What every mutation ends in
  - summary.go: Read-only diagnostic dump
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Config holds engine policy.
type Config struct {
	// PartialRefundPercent is the share of the refund base returned for a
	// partial cancellation when the approval does not override it.
	PartialRefundPercent decimal.Decimal

	// AutoApplyProvisions spends standing credit on every new invoice.
	AutoApplyProvisions bool

	// OverpaymentCreditNotes issues an overpayment credit note alongside each
	// overpayment provision.
	OverpaymentCreditNotes bool
}

func DefaultConfig() Config {
	return Config{
		PartialRefundPercent: decimal.NewFromInt(50),
		AutoApplyProvisions:  true,
	}
}

// unit is one unit of work. It is never shared between transactions.
type unit struct {
	store Store
	fence *Fence
	now   time.Time
}

type Engine struct {
	store TxStore
	cfg   Config
	log   zerolog.Logger

	// Clock is read once per unit of work. Tests replace it.
	Clock func() time.Time

	matcher       Matcher
	reconciler    *Reconciler
	notes         *creditNotes
	applier       *ProvisionApplier
	cancellations *CancellationProcessor
}

func NewEngine(store TxStore, cfg Config, log zerolog.Logger) *Engine {
	r := &Reconciler{
		log:              log.With().Str("component", "reconciler").Logger(),
		overpaymentNotes: cfg.OverpaymentCreditNotes,
	}
	notes := &creditNotes{
		log:        log.With().Str("component", "credit_notes").Logger(),
		reconciler: r,
	}
	r.notes = notes

	applier := &ProvisionApplier{
		log:        log.With().Str("component", "provision_applier").Logger(),
		reconciler: r,
	}

	return &Engine{
		store:      store,
		cfg:        cfg,
		log:        log,
		Clock:      time.Now,
		reconciler: r,
		notes:      notes,
		applier:    applier,
		cancellations: &CancellationProcessor{
			log:            log.With().Str("component", "cancellations").Logger(),
			reconciler:     r,
			notes:          notes,
			applier:        applier,
			partialPercent: cfg.PartialRefundPercent,
		},
	}
}

func (e *Engine) run(ctx context.Context, fn func(u *unit) error) error {
	return e.store.WithTx(ctx, func(s Store) error {
		return fn(&unit{store: s, fence: NewFence(), now: e.Clock().UTC()})
	})
}

// =============================================================================
// INVOICES
// =============================================================================

type NewInvoice struct {
	UserID          UserID
	InvoiceNumber   string // generated as INV-YY-NNNNN when empty
	Communication   string
	Amount          decimal.Decimal
	DueDate         *time.Time
	RegistrationIDs []RegistrationID
}

// CreateInvoice inserts a pending invoice, attaches its registrations and,
// when configured, spends the user's standing credit on it.
func (e *Engine) CreateInvoice(ctx context.Context, in NewInvoice) (*Invoice, error) {
	if in.UserID == "" {
		return nil, invalidInput("invoice needs a user")
	}
	if !in.Amount.IsPositive() {
		return nil, invalidInput("invoice amount must be positive, got %s", in.Amount)
	}

	var out *Invoice
	err := e.run(ctx, func(u *unit) error {
		number := strings.TrimSpace(in.InvoiceNumber)
		if number == "" {
			var err error
			if number, err = nextInvoiceNumber(ctx, u.store, u.now); err != nil {
				return err
			}
		}

		inv := Invoice{
			ID:            InvoiceID(newID()),
			UserID:        in.UserID,
			InvoiceNumber: number,
			Communication: strings.TrimSpace(in.Communication),
			Amount:        in.Amount,
			TotalPayments: decimal.Zero,
			Status:        InvoicePending,
			DueDate:       in.DueDate,
			CreatedAt:     u.now,
			UpdatedAt:     u.now,
		}
		if err := u.store.InsertInvoice(ctx, inv); err != nil {
			if errors.Is(err, ErrStoreConflict) {
				return &InvalidStateError{Kind: "invoice", ID: number, State: "exists", Op: "create"}
			}
			return fmt.Errorf("insert invoice: %w", err)
		}

		for _, id := range in.RegistrationIDs {
			reg, err := loadRegistration(ctx, u.store, id)
			if err != nil {
				return err
			}
			if reg.UserID != inv.UserID {
				return invalidInput("registration %s belongs to another user", id)
			}
			if reg.InvoiceID != "" {
				return &InvalidStateError{Kind: "registration", ID: string(id), State: "invoiced", Op: "invoice"}
			}
			reg.InvoiceID = inv.ID
			if err := u.store.SaveRegistration(ctx, *reg); err != nil {
				return fmt.Errorf("attach registration: %w", err)
			}
		}

		e.log.Info().
			Str("invoice", inv.InvoiceNumber).
			Str("user", string(inv.UserID)).
			Str("amount", inv.Amount.String()).
			Msg("invoice created")

		if e.cfg.AutoApplyProvisions {
			if _, err := e.applier.apply(ctx, u, inv.UserID); err != nil {
				return err
			}
		}

		var err error
		out, err = e.loadInvoice(ctx, u, inv.ID)
		return err
	})
	return out, err
}

// Reconcile recomputes one invoice by its human number.
func (e *Engine) Reconcile(ctx context.Context, invoiceNumber string) (*Invoice, error) {
	var out *Invoice
	err := e.run(ctx, func(u *unit) error {
		inv, err := invoiceByNumber(ctx, u.store, invoiceNumber)
		if err != nil {
			return err
		}
		if err := e.reconciler.reconcile(ctx, u, inv.ID, ""); err != nil {
			return err
		}
		out, err = e.loadInvoice(ctx, u, inv.ID)
		return err
	})
	return out, err
}

// ReconcileReport summarizes a ReconcileAllPending sweep.
type ReconcileReport struct {
	Checked int
	Paid    int
	Failed  map[string]error // invoice number -> error
}

// ReconcileAllPending reconciles every pending invoice, each in its own unit
// of work so one broken invoice does not hold back the rest.
func (e *Engine) ReconcileAllPending(ctx context.Context) (ReconcileReport, error) {
	report := ReconcileReport{Failed: make(map[string]error)}

	var pending []Invoice
	err := e.run(ctx, func(u *unit) error {
		var err error
		pending, err = u.store.ListPendingInvoices(ctx)
		return err
	})
	if err != nil {
		return report, fmt.Errorf("list pending invoices: %w", err)
	}

	for _, inv := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++
		var after *Invoice
		err := e.run(ctx, func(u *unit) error {
			if err := e.reconciler.reconcile(ctx, u, inv.ID, ""); err != nil {
				return err
			}
			var err error
			after, err = u.store.GetInvoice(ctx, inv.ID)
			return err
		})
		if err != nil {
			report.Failed[inv.InvoiceNumber] = err
			e.log.Error().Err(err).Str("invoice", inv.InvoiceNumber).Msg("reconcile failed")
			continue
		}
		if after != nil && after.Status == InvoicePaid {
			report.Paid++
		}
	}

	e.log.Info().
		Int("checked", report.Checked).
		Int("paid", report.Paid).
		Int("failed", len(report.Failed)).
		Msg("pending invoices reconciled")
	return report, nil
}

// =============================================================================
// BANK TRANSACTIONS
// =============================================================================

// NewTransaction is one normalized line from the file importer.
type NewTransaction struct {
	TransactionDate        time.Time
	Amount                 decimal.Decimal
	Communication          string
	ExtractedInvoiceNumber string
	ImportBatchID          string
	RawFilePath            string
}

// ImportTransaction stores a bank line, matches it and reconciles the
// matched invoice. Re-importing the same line fails with ErrDuplicateTransaction.
func (e *Engine) ImportTransaction(ctx context.Context, in NewTransaction) (*BankTransaction, error) {
	if in.TransactionDate.IsZero() {
		return nil, invalidInput("transaction date is required")
	}

	var out *BankTransaction
	err := e.run(ctx, func(u *unit) error {
		tx := BankTransaction{
			ID:                     TransactionID(newID()),
			TransactionDate:        in.TransactionDate.UTC(),
			Amount:                 in.Amount,
			Communication:          strings.TrimSpace(in.Communication),
			ExtractedInvoiceNumber: strings.TrimSpace(in.ExtractedInvoiceNumber),
			Status:                 TxUnmatched,
			ImportBatchID:          in.ImportBatchID,
			RawFilePath:            in.RawFilePath,
			CreatedAt:              u.now,
			UpdatedAt:              u.now,
		}

		inv, err := e.matcher.Match(ctx, u.store, &tx)
		if err != nil {
			return err
		}
		if err := u.store.InsertTransaction(ctx, tx); err != nil {
			if errors.Is(err, ErrDuplicateTransaction) {
				return err
			}
			return fmt.Errorf("insert transaction: %w", err)
		}

		ev := e.log.Info().
			Str("transaction", string(tx.ID)).
			Str("amount", tx.Amount.String()).
			Str("status", string(tx.Status))
		if inv != nil {
			ev = ev.Str("invoice", inv.InvoiceNumber)
		}
		ev.Msg("transaction imported")

		if inv != nil {
			if err := e.reconciler.reconcile(ctx, u, inv.ID, tx.ID); err != nil {
				return err
			}
		}
		out, err = loadTransaction(ctx, u.store, tx.ID)
		return err
	})
	return out, err
}

// LinkTransaction manually links a transaction to an invoice, moving it off
// any invoice it was linked to before.
func (e *Engine) LinkTransaction(ctx context.Context, id TransactionID, invoiceNumber string) (*BankTransaction, error) {
	var out *BankTransaction
	err := e.run(ctx, func(u *unit) error {
		tx, err := loadTransaction(ctx, u.store, id)
		if err != nil {
			return err
		}
		if !tx.Amount.IsPositive() {
			return invalidInput("transaction %s has non-positive amount %s", id, tx.Amount)
		}
		inv, err := invoiceByNumber(ctx, u.store, invoiceNumber)
		if err != nil {
			return err
		}
		if inv.Status == InvoiceCancelled {
			return &InvalidStateError{Kind: "invoice", ID: inv.InvoiceNumber, State: string(inv.Status), Op: "link payment to"}
		}

		if tx.InvoiceID != "" && tx.InvoiceID != inv.ID {
			if err := e.dissociate(ctx, u, tx); err != nil {
				return err
			}
		}

		tx.InvoiceID = inv.ID
		tx.Status = classify(tx.Amount, inv.Amount)
		tx.UpdatedAt = u.now
		if err := u.store.UpdateTransaction(ctx, *tx); err != nil {
			return fmt.Errorf("update transaction: %w", err)
		}
		if err := e.reconciler.reconcile(ctx, u, inv.ID, tx.ID); err != nil {
			return err
		}
		out, err = loadTransaction(ctx, u.store, id)
		return err
	})
	return out, err
}

// DisassociateTransaction unlinks a transaction from its invoice, reverses
// the credit it spawned and reconciles the invoice it left.
func (e *Engine) DisassociateTransaction(ctx context.Context, id TransactionID) (*BankTransaction, error) {
	var out *BankTransaction
	err := e.run(ctx, func(u *unit) error {
		tx, err := loadTransaction(ctx, u.store, id)
		if err != nil {
			return err
		}
		if tx.InvoiceID == "" {
			return &InvalidStateError{Kind: "transaction", ID: string(id), State: string(tx.Status), Op: "disassociate"}
		}
		if err := e.dissociate(ctx, u, tx); err != nil {
			return err
		}
		out = tx
		return nil
	})
	return out, err
}

// IgnoreTransaction marks a line as not a payment (bank fees, transfers).
func (e *Engine) IgnoreTransaction(ctx context.Context, id TransactionID) (*BankTransaction, error) {
	var out *BankTransaction
	err := e.run(ctx, func(u *unit) error {
		tx, err := loadTransaction(ctx, u.store, id)
		if err != nil {
			return err
		}
		if tx.InvoiceID != "" {
			if err := e.dissociate(ctx, u, tx); err != nil {
				return err
			}
		}
		tx.Status = TxIgnored
		tx.UpdatedAt = u.now
		if err := u.store.UpdateTransaction(ctx, *tx); err != nil {
			return fmt.Errorf("update transaction: %w", err)
		}
		out = tx
		return nil
	})
	return out, err
}

// dissociate leaves tx unmatched and persisted. Provisions are reversed
// before the old invoice is reconciled.
func (e *Engine) dissociate(ctx context.Context, u *unit, tx *BankTransaction) error {
	old := tx.InvoiceID
	if err := e.reconciler.reverseProvisions(ctx, u, *tx); err != nil {
		return err
	}
	tx.InvoiceID = ""
	tx.Status = TxUnmatched
	tx.UpdatedAt = u.now
	if err := u.store.UpdateTransaction(ctx, *tx); err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	e.log.Info().
		Str("transaction", string(tx.ID)).
		Str("invoice_id", string(old)).
		Msg("transaction dissociated")
	return e.reconciler.reconcile(ctx, u, old, "")
}

func (e *Engine) HasFileBeenProcessed(ctx context.Context, path string) (bool, error) {
	if strings.TrimSpace(path) == "" {
		return false, invalidInput("file path is required")
	}
	var done bool
	err := e.run(ctx, func(u *unit) error {
		var err error
		done, err = u.store.HasFileBeenProcessed(ctx, path)
		return err
	})
	return done, err
}

// =============================================================================
// CREDIT NOTES
// =============================================================================

// NewCreditNote is an administrative credit against an invoice.
type NewCreditNote struct {
	InvoiceNumber  string
	RegistrationID RegistrationID
	Amount         decimal.Decimal
	Reason         string
}

func (e *Engine) IssueCreditNote(ctx context.Context, in NewCreditNote) (*CreditNote, error) {
	var out *CreditNote
	err := e.run(ctx, func(u *unit) error {
		inv, err := invoiceByNumber(ctx, u.store, in.InvoiceNumber)
		if err != nil {
			return err
		}
		note, err := e.notes.issue(ctx, u, CreditNote{
			UserID:         inv.UserID,
			Amount:         in.Amount,
			Type:           CreditAdminManualCredit,
			InvoiceID:      inv.ID,
			RegistrationID: in.RegistrationID,
			Reason:         in.Reason,
		})
		if err != nil {
			return err
		}
		out = &note
		return nil
	})
	return out, err
}

// MarkCreditNoteSent records delivery. A sent note still counts as issued.
func (e *Engine) MarkCreditNoteSent(ctx context.Context, id CreditNoteID) (*CreditNote, error) {
	var out *CreditNote
	err := e.run(ctx, func(u *unit) error {
		note, err := e.notes.markSent(ctx, u, id)
		if err != nil {
			return err
		}
		out = &note
		return nil
	})
	return out, err
}

// =============================================================================
// PROVISIONS
// =============================================================================

func (e *Engine) ApplyProvisions(ctx context.Context, userID UserID) (ApplyResult, error) {
	var out ApplyResult
	err := e.run(ctx, func(u *unit) error {
		var err error
		out, err = e.applier.apply(ctx, u, userID)
		return err
	})
	return out, err
}

// GrantProvision gives a user credit by hand. It is spent by the next
// ApplyProvisions run or invoice creation.
func (e *Engine) GrantProvision(ctx context.Context, userID UserID, amount decimal.Decimal, reason string) (*UserProvision, error) {
	if userID == "" {
		return nil, invalidInput("provision needs a user")
	}
	if !amount.IsPositive() {
		return nil, invalidInput("provision amount must be positive, got %s", amount)
	}
	var out *UserProvision
	err := e.run(ctx, func(u *unit) error {
		p := UserProvision{
			ID:              ProvisionID(newID()),
			UserID:          userID,
			AmountInitial:   amount,
			AmountRemaining: amount,
			AmountReversed:  decimal.Zero,
			AmountRefunded:  decimal.Zero,
			Type:            ProvisionAdminManualCredit,
			Status:          ProvisionAvailable,
			Reason:          reason,
			CreatedAt:       u.now,
			UpdatedAt:       u.now,
		}
		if err := u.store.InsertProvision(ctx, p); err != nil {
			return fmt.Errorf("insert provision: %w", err)
		}
		out = &p
		return nil
	})
	return out, err
}

func (e *Engine) RequestProvisionRefund(ctx context.Context, id ProvisionID) (*UserProvision, error) {
	var out *UserProvision
	err := e.run(ctx, func(u *unit) error {
		var err error
		out, err = requestRefund(ctx, u, id)
		return err
	})
	return out, err
}

func (e *Engine) MarkProvisionRefunded(ctx context.Context, id ProvisionID) (*UserProvision, error) {
	var out *UserProvision
	err := e.run(ctx, func(u *unit) error {
		var err error
		out, err = markRefunded(ctx, u, id)
		return err
	})
	return out, err
}

func (e *Engine) ListUserProvisions(ctx context.Context, userID UserID) ([]UserProvision, error) {
	var out []UserProvision
	err := e.run(ctx, func(u *unit) error {
		var err error
		out, err = u.store.ListProvisionsByUser(ctx, userID)
		return err
	})
	return out, err
}

// =============================================================================
// CANCELLATIONS
// =============================================================================

func (e *Engine) SubmitCancellation(ctx context.Context, regID RegistrationID, reason string) (*CancellationRequest, error) {
	var out *CancellationRequest
	err := e.run(ctx, func(u *unit) error {
		req, err := e.cancellations.submit(ctx, u, regID, reason)
		if err != nil {
			if errors.Is(err, ErrStoreConflict) {
				return &InvalidStateError{Kind: "registration", ID: string(regID), State: "cancellation requested", Op: "request cancellation of"}
			}
			return err
		}
		out = &req
		return nil
	})
	return out, err
}

func (e *Engine) ApproveCancellation(ctx context.Context, a Approval) (*ApprovalResult, error) {
	var out *ApprovalResult
	err := e.run(ctx, func(u *unit) error {
		res, err := e.cancellations.approve(ctx, u, a)
		if err != nil {
			return err
		}
		out = &res
		return nil
	})
	return out, err
}

func (e *Engine) RejectCancellation(ctx context.Context, id CancellationRequestID, notes string) (*CancellationRequest, error) {
	var out *CancellationRequest
	err := e.run(ctx, func(u *unit) error {
		req, err := e.cancellations.reject(ctx, u, id, notes)
		if err != nil {
			return err
		}
		out = &req
		return nil
	})
	return out, err
}

// =============================================================================
// REGISTRATION COLLABORATOR
// =============================================================================

// SaveSession creates or updates a session row.
func (e *Engine) SaveSession(ctx context.Context, s Session) error {
	if s.ID == "" {
		return invalidInput("session needs an id")
	}
	return e.run(ctx, func(u *unit) error {
		return u.store.SaveSession(ctx, s)
	})
}

type NewRegistration struct {
	UserID     UserID
	KidID      string
	SessionID  SessionID
	ActivityID string
	Price      decimal.Decimal
}

// AddRegistration records a pending registration and refreshes its session count.
func (e *Engine) AddRegistration(ctx context.Context, in NewRegistration) (*Registration, error) {
	if in.UserID == "" {
		return nil, invalidInput("registration needs a user")
	}
	if in.Price.IsNegative() {
		return nil, invalidInput("registration price must not be negative")
	}
	var out *Registration
	err := e.run(ctx, func(u *unit) error {
		reg := Registration{
			ID:            RegistrationID(newID()),
			UserID:        in.UserID,
			KidID:         in.KidID,
			SessionID:     in.SessionID,
			ActivityID:    in.ActivityID,
			Price:         in.Price,
			AmountPaid:    decimal.Zero,
			PaymentStatus: PaymentPending,
			CreatedAt:     u.now,
		}
		if err := u.store.SaveRegistration(ctx, reg); err != nil {
			return fmt.Errorf("insert registration: %w", err)
		}
		if reg.SessionID != "" {
			if err := u.store.RecountSession(ctx, reg.SessionID); err != nil {
				return fmt.Errorf("recount session: %w", err)
			}
		}
		out = &reg
		return nil
	})
	return out, err
}

// =============================================================================
// HELPERS
// =============================================================================

func invoiceByNumber(ctx context.Context, s InvoiceStore, number string) (*Invoice, error) {
	inv, err := s.GetInvoiceByNumber(ctx, number)
	if err != nil {
		return nil, fmt.Errorf("load invoice: %w", err)
	}
	if inv == nil {
		return nil, notFound("invoice", number)
	}
	return inv, nil
}

func loadTransaction(ctx context.Context, s TransactionStore, id TransactionID) (*BankTransaction, error) {
	tx, err := s.GetTransaction(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load transaction: %w", err)
	}
	if tx == nil {
		return nil, notFound("transaction", string(id))
	}
	return tx, nil
}

// loadInvoice reads an invoice back with its registration IDs filled in.
func (e *Engine) loadInvoice(ctx context.Context, u *unit, id InvoiceID) (*Invoice, error) {
	inv, err := u.store.GetInvoice(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load invoice: %w", err)
	}
	if inv == nil {
		return nil, notFound("invoice", string(id))
	}
	regs, err := u.store.ListRegistrationsByInvoice(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list registrations: %w", err)
	}
	inv.RegistrationIDs = inv.RegistrationIDs[:0]
	for _, r := range regs {
		inv.RegistrationIDs = append(inv.RegistrationIDs, r.ID)
	}
	return inv, nil
}
