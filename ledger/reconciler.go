/*
reconciler.go - The single reconciliation entry point

PURPOSE:
  Given an invoice, recompute its cached payment total and status from the
  rows that actually explain it: linked bank transactions, provision
  applications and credit notes. The Reconciler is the ONLY component that
  writes Invoice.Status, Invoice.PaidAt and Invoice.TotalPayments. Every
  other component asks for a reconciliation instead.

ALGORITHM:
  1. total_payments = Σ contributing transactions + Σ provision applications
  2. total_credits  = Σ issued/sent billing credit notes
  3. net_due        = max(amount - total_credits, 0)
  4. Cancelled invoices: write the total, provision any excess, stop.
     Cancelled is sticky.
  5. total_payments >= net_due: paid (paid_at set once), registrations
     pending -> paid, excess -> overpayment provision
  6. otherwise: pending, registrations paid -> pending, contributing
     transactions -> partially_matched (back to matched once paid)

OVERPAYMENT PROVISIONS:
  Excess is compared against what this invoice already provisioned, so a
  second reconcile with no intervening writes is a no-op. New excess lands
  on the triggering transaction's single active provision (topped up if it
  exists). For a cancelled invoice the excess is the refund itself and is
  keyed to the cancellation credit note instead.

DISSOCIATION:
  reverseProvisions runs BEFORE the invoice is re-reconciled so the credit
  spawned by a transaction disappears with it. Credit keyed to the invoice
  rather than a transaction (cancellation refunds) is cut back by
  reconcile itself: an invoice never keeps more unspent credit outstanding
  than its excess.

SEE ALSO:
  - fence.go: Reentrancy guard
  - creditnote.go: Companion trigger that calls back into the Reconciler
*/
package ledger

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type Reconciler struct {
	log   zerolog.Logger
	notes *creditNotes

	// overpaymentNotes issues an overpayment credit note alongside each new
	// overpayment provision.
	overpaymentNotes bool
}

// =============================================================================
// BALANCE - Derived totals for one invoice
// =============================================================================

// invoiceBalance holds the rows that explain an invoice and their sums.
type invoiceBalance struct {
	Transactions []BankTransaction // contributing only, oldest first
	Applications []ProvisionApplication
	CreditNotes  []CreditNote

	TransactionTotal decimal.Decimal
	AppliedTotal     decimal.Decimal
	CreditTotal      decimal.Decimal
}

func loadBalance(ctx context.Context, s Store, id InvoiceID) (invoiceBalance, error) {
	bal := invoiceBalance{
		TransactionTotal: decimal.Zero,
		AppliedTotal:     decimal.Zero,
		CreditTotal:      decimal.Zero,
	}

	txs, err := s.ListTransactionsByInvoice(ctx, id)
	if err != nil {
		return bal, fmt.Errorf("list transactions: %w", err)
	}
	for _, tx := range txs {
		if !tx.Status.Contributes() {
			continue
		}
		bal.Transactions = append(bal.Transactions, tx)
		bal.TransactionTotal = bal.TransactionTotal.Add(tx.Amount)
	}

	apps, err := s.ListApplicationsByInvoice(ctx, id)
	if err != nil {
		return bal, fmt.Errorf("list provision applications: %w", err)
	}
	bal.Applications = apps
	for _, a := range apps {
		bal.AppliedTotal = bal.AppliedTotal.Add(a.Amount)
	}

	notes, err := s.ListCreditNotesByInvoice(ctx, id)
	if err != nil {
		return bal, fmt.Errorf("list credit notes: %w", err)
	}
	bal.CreditNotes = notes
	for _, n := range notes {
		if n.CountsTowardBilling() {
			bal.CreditTotal = bal.CreditTotal.Add(n.Amount)
		}
	}
	return bal, nil
}

func (b invoiceBalance) TotalPayments() decimal.Decimal {
	return b.TransactionTotal.Add(b.AppliedTotal)
}

func (b invoiceBalance) NetDue(amount decimal.Decimal) decimal.Decimal {
	return decimal.Max(amount.Sub(b.CreditTotal), decimal.Zero)
}

// =============================================================================
// RECONCILE
// =============================================================================

// reconcile recomputes one invoice. trigger names the transaction whose
// change caused the call; it may be empty.
func (r *Reconciler) reconcile(ctx context.Context, u *unit, id InvoiceID, trigger TransactionID) error {
	release, ok := u.fence.Enter(OpReconcile)
	if !ok {
		return nil
	}
	defer release()

	inv, err := u.store.GetInvoice(ctx, id)
	if err != nil {
		return fmt.Errorf("load invoice: %w", err)
	}
	if inv == nil {
		return notFound("invoice", string(id))
	}

	bal, err := loadBalance(ctx, u.store, inv.ID)
	if err != nil {
		return err
	}

	before := *inv
	inv.TotalPayments = bal.TotalPayments()
	netDue := bal.NetDue(inv.Amount)

	if inv.Status != InvoiceCancelled {
		if inv.TotalPayments.GreaterThanOrEqual(netDue) {
			if inv.Status != InvoicePaid {
				inv.Status = InvoicePaid
				paidAt := u.now
				inv.PaidAt = &paidAt
			}
			if err := r.propagate(ctx, u, inv.ID, PaymentPaid); err != nil {
				return err
			}
			if err := r.markSettled(ctx, u, bal.Transactions); err != nil {
				return err
			}
		} else {
			inv.Status = InvoicePending
			inv.PaidAt = nil
			if err := r.propagate(ctx, u, inv.ID, PaymentPending); err != nil {
				return err
			}
			if err := r.markPartial(ctx, u, bal.Transactions); err != nil {
				return err
			}
		}
	}

	if invoiceChanged(before, *inv) {
		inv.UpdatedAt = u.now
		if err := u.store.UpdateInvoice(ctx, *inv); err != nil {
			return fmt.Errorf("update invoice: %w", err)
		}
		if before.Status != inv.Status {
			r.log.Info().
				Str("invoice", inv.InvoiceNumber).
				Str("from", string(before.Status)).
				Str("to", string(inv.Status)).
				Str("total_payments", inv.TotalPayments.String()).
				Msg("invoice status changed")
		}
	}

	excess := decimal.Max(inv.TotalPayments.Sub(netDue), decimal.Zero)
	return r.provisionExcess(ctx, u, inv, bal, excess, trigger)
}

func invoiceChanged(a, b Invoice) bool {
	if a.Status != b.Status || !a.TotalPayments.Equal(b.TotalPayments) {
		return true
	}
	if (a.PaidAt == nil) != (b.PaidAt == nil) {
		return true
	}
	return a.PaidAt != nil && !a.PaidAt.Equal(*b.PaidAt)
}

// propagate moves the invoice's registrations to status. Only the pending/paid
// pair is ever swapped; cancelled registrations are left alone.
func (r *Reconciler) propagate(ctx context.Context, u *unit, id InvoiceID, status PaymentStatus) error {
	regs, err := u.store.ListRegistrationsByInvoice(ctx, id)
	if err != nil {
		return fmt.Errorf("list registrations: %w", err)
	}
	for _, reg := range regs {
		switch {
		case status == PaymentPaid && reg.PaymentStatus == PaymentPending:
			reg.PaymentStatus = PaymentPaid
			reg.AmountPaid = reg.Price
		case status == PaymentPending && reg.PaymentStatus == PaymentPaid:
			reg.PaymentStatus = PaymentPending
			reg.AmountPaid = decimal.Zero
		default:
			continue
		}
		if err := u.store.SaveRegistration(ctx, reg); err != nil {
			return fmt.Errorf("update registration %s: %w", reg.ID, err)
		}
	}
	return nil
}

func (r *Reconciler) markPartial(ctx context.Context, u *unit, txs []BankTransaction) error {
	for i := range txs {
		if txs[i].Status == TxPartiallyMatched {
			continue
		}
		if err := r.setStatus(ctx, u, &txs[i], TxPartiallyMatched); err != nil {
			return err
		}
	}
	return nil
}

// markSettled promotes installments demoted while the invoice was short.
// Overpaid transactions keep their status.
func (r *Reconciler) markSettled(ctx context.Context, u *unit, txs []BankTransaction) error {
	for i := range txs {
		if txs[i].Status != TxPartiallyMatched {
			continue
		}
		if err := r.setStatus(ctx, u, &txs[i], TxMatched); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) setStatus(ctx context.Context, u *unit, tx *BankTransaction, status TransactionStatus) error {
	tx.Status = status
	tx.UpdatedAt = u.now
	if err := u.store.UpdateTransaction(ctx, *tx); err != nil {
		return fmt.Errorf("update transaction %s: %w", tx.ID, err)
	}
	return nil
}

// =============================================================================
// OVERPAYMENT
// =============================================================================

func (r *Reconciler) provisionExcess(ctx context.Context, u *unit, inv *Invoice, bal invoiceBalance, excess decimal.Decimal, trigger TransactionID) error {
	existing, err := u.store.ListProvisionsBySourceInvoice(ctx, inv.ID)
	if err != nil {
		return fmt.Errorf("list provisions: %w", err)
	}
	provisioned := decimal.Zero
	for _, p := range existing {
		if p.Type == ProvisionOverpayment || p.Type == ProvisionCreditNoteRefund {
			provisioned = provisioned.Add(p.Effective())
		}
	}

	outstanding := excess.Sub(provisioned)
	if outstanding.IsNegative() {
		// Credit already handed out exceeds what the invoice now explains,
		// e.g. the payment behind a cancellation refund was dissociated.
		return r.clawBack(ctx, u, inv, existing, outstanding.Neg())
	}
	if outstanding.IsZero() {
		return nil
	}

	p := UserProvision{
		UserID:          inv.UserID,
		SourceInvoiceID: inv.ID,
		Type:            ProvisionOverpayment,
	}
	var source *BankTransaction
	if inv.Status == InvoiceCancelled {
		p.Type = ProvisionCreditNoteRefund
		p.SourceCreditNoteID = latestCancellationNote(bal.CreditNotes)
		p.Reason = "refund of cancelled invoice " + inv.InvoiceNumber
	} else {
		source = pickTrigger(bal.Transactions, trigger)
		if source != nil {
			p.SourceBankTransactionID = source.ID
		}
		p.Reason = "overpayment of invoice " + inv.InvoiceNumber
	}

	created, err := r.topUpOrCreate(ctx, u, existing, p, outstanding)
	if err != nil {
		return err
	}

	if source != nil && source.Status != TxOverpaid {
		source.Status = TxOverpaid
		source.UpdatedAt = u.now
		if err := u.store.UpdateTransaction(ctx, *source); err != nil {
			return fmt.Errorf("mark transaction overpaid: %w", err)
		}
	}

	r.log.Info().
		Str("invoice", inv.InvoiceNumber).
		Str("provision", string(created.ID)).
		Str("type", string(created.Type)).
		Str("amount", outstanding.String()).
		Msg("excess provisioned")

	if r.overpaymentNotes && created.Type == ProvisionOverpayment {
		note := CreditNote{
			UserID:              inv.UserID,
			Amount:              outstanding,
			Type:                CreditOverpayment,
			InvoiceID:           inv.ID,
			InvoiceNumber:       inv.InvoiceNumber,
			SourceTransactionID: created.SourceBankTransactionID,
			Reason:              p.Reason,
		}
		if _, err := r.notes.issue(ctx, u, note); err != nil {
			return err
		}
	}
	return nil
}

// clawBack reverses up to amount of the unspent credit this invoice handed
// out, newest provision first. Credit already spent cannot be recovered.
func (r *Reconciler) clawBack(ctx context.Context, u *unit, inv *Invoice, existing []UserProvision, amount decimal.Decimal) error {
	left := amount
	for i := len(existing) - 1; i >= 0 && left.IsPositive(); i-- {
		p := existing[i]
		if p.Type != ProvisionOverpayment && p.Type != ProvisionCreditNoteRefund {
			continue
		}
		if p.Status == ProvisionRefunded || !p.AmountRemaining.IsPositive() {
			continue
		}
		cut := decimal.Min(p.AmountRemaining, left)
		p.AmountRemaining = p.AmountRemaining.Sub(cut)
		p.AmountReversed = p.AmountReversed.Add(cut)
		if p.AmountRemaining.IsZero() {
			p.Status = ProvisionFullyApplied
		} else {
			p.settle()
		}
		p.UpdatedAt = u.now
		if err := u.store.UpdateProvision(ctx, p); err != nil {
			return fmt.Errorf("claw back provision: %w", err)
		}
		left = left.Sub(cut)
		r.log.Info().
			Str("invoice", inv.InvoiceNumber).
			Str("provision", string(p.ID)).
			Str("type", string(p.Type)).
			Str("reversed", cut.String()).
			Msg("unbacked credit reversed")
	}
	if left.IsPositive() {
		r.log.Warn().
			Str("invoice", inv.InvoiceNumber).
			Str("unrecovered", left.String()).
			Msg("invoice provisions exceed excess and were already spent")
	}
	return nil
}

// topUpOrCreate keeps at most one active provision per source.
func (r *Reconciler) topUpOrCreate(ctx context.Context, u *unit, existing []UserProvision, p UserProvision, amount decimal.Decimal) (UserProvision, error) {
	for _, e := range existing {
		if !e.Status.Active() || !sameSource(e, p) {
			continue
		}
		e.AmountInitial = e.AmountInitial.Add(amount)
		e.AmountRemaining = e.AmountRemaining.Add(amount)
		e.settle()
		e.UpdatedAt = u.now
		if err := u.store.UpdateProvision(ctx, e); err != nil {
			return e, fmt.Errorf("top up provision: %w", err)
		}
		return e, nil
	}

	p.ID = ProvisionID(newID())
	p.AmountInitial = amount
	p.AmountRemaining = amount
	p.AmountReversed = decimal.Zero
	p.AmountRefunded = decimal.Zero
	p.Status = ProvisionAvailable
	p.CreatedAt = u.now
	p.UpdatedAt = u.now
	if err := u.store.InsertProvision(ctx, p); err != nil {
		return p, fmt.Errorf("insert provision: %w", err)
	}
	return p, nil
}

func sameSource(a, b UserProvision) bool {
	if a.Type != b.Type {
		return false
	}
	if b.SourceBankTransactionID != "" {
		return a.SourceBankTransactionID == b.SourceBankTransactionID
	}
	if b.SourceCreditNoteID != "" {
		return a.SourceCreditNoteID == b.SourceCreditNoteID
	}
	return a.SourceBankTransactionID == "" && a.SourceCreditNoteID == ""
}

// pickTrigger returns the named contributing transaction, else the most recent one.
func pickTrigger(txs []BankTransaction, trigger TransactionID) *BankTransaction {
	if len(txs) == 0 {
		return nil
	}
	for i := range txs {
		if txs[i].ID == trigger {
			return &txs[i]
		}
	}
	return &txs[len(txs)-1]
}

func latestCancellationNote(notes []CreditNote) CreditNoteID {
	var id CreditNoteID
	for _, n := range notes {
		if n.Type == CreditCancellation {
			id = n.ID
		}
	}
	return id
}

// =============================================================================
// CANCELLATION & DISSOCIATION
// =============================================================================

// cancel freezes the invoice. It is an administrative override, not a
// payment event, and it is never undone by ordinary reconciliation.
func (r *Reconciler) cancel(ctx context.Context, u *unit, id InvoiceID, reason string) error {
	inv, err := u.store.GetInvoice(ctx, id)
	if err != nil {
		return fmt.Errorf("load invoice: %w", err)
	}
	if inv == nil {
		return notFound("invoice", string(id))
	}
	if inv.Status == InvoiceCancelled {
		return nil
	}

	from := inv.Status
	inv.Status = InvoiceCancelled
	inv.UpdatedAt = u.now
	if err := u.store.UpdateInvoice(ctx, *inv); err != nil {
		return fmt.Errorf("cancel invoice: %w", err)
	}
	r.log.Info().
		Str("invoice", inv.InvoiceNumber).
		Str("from", string(from)).
		Str("reason", reason).
		Msg("invoice cancelled")
	return nil
}

// reverseProvisions removes the credit a transaction spawned. It must run
// before the transaction's old invoice is reconciled.
func (r *Reconciler) reverseProvisions(ctx context.Context, u *unit, tx BankTransaction) error {
	provs, err := u.store.ListProvisionsBySourceTransaction(ctx, tx.ID)
	if err != nil {
		return fmt.Errorf("list provisions for transaction: %w", err)
	}
	for _, p := range provs {
		if p.Status == ProvisionRefunded || !p.AmountRemaining.IsPositive() {
			continue
		}
		cut := decimal.Min(p.AmountRemaining, tx.Amount)
		if p.AmountRemaining.LessThan(p.Effective()) {
			r.log.Warn().
				Str("provision", string(p.ID)).
				Str("transaction", string(tx.ID)).
				Str("already_used", p.Effective().Sub(p.AmountRemaining).String()).
				Msg("dissociated transaction's provision was partly consumed")
		}
		p.AmountRemaining = p.AmountRemaining.Sub(cut)
		p.AmountReversed = p.AmountReversed.Add(cut)
		if p.AmountRemaining.IsZero() {
			p.Status = ProvisionFullyApplied
		}
		p.UpdatedAt = u.now
		if err := u.store.UpdateProvision(ctx, p); err != nil {
			return fmt.Errorf("reverse provision: %w", err)
		}
		r.log.Info().
			Str("provision", string(p.ID)).
			Str("transaction", string(tx.ID)).
			Str("reversed", cut.String()).
			Msg("provision reversed")
	}
	return nil
}
