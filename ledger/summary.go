package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// PaymentSummary is a read-only diagnostic dump of one invoice: every row
// that explains its balance plus the derived totals. The cached
// TotalPayments is reported next to the recomputed one so drift is visible.
type PaymentSummary struct {
	Invoice         Invoice
	EffectiveStatus InvoiceStatus

	Transactions []BankTransaction // all linked, including non-contributing
	CreditNotes  []CreditNote
	Applications []ProvisionApplication
	Provisions   []UserProvision // spawned by this invoice

	TransactionTotal decimal.Decimal
	AppliedTotal     decimal.Decimal
	TotalPayments    decimal.Decimal // recomputed
	TotalCredits     decimal.Decimal
	NetDue           decimal.Decimal
	Balance          decimal.Decimal // net due minus payments; negative when overpaid
	CacheInSync      bool
}

// GetInvoicePaymentSummary never writes.
func (e *Engine) GetInvoicePaymentSummary(ctx context.Context, invoiceNumber string) (*PaymentSummary, error) {
	var out *PaymentSummary
	err := e.run(ctx, func(u *unit) error {
		inv, err := invoiceByNumber(ctx, u.store, invoiceNumber)
		if err != nil {
			return err
		}
		if inv, err = e.loadInvoice(ctx, u, inv.ID); err != nil {
			return err
		}

		txs, err := u.store.ListTransactionsByInvoice(ctx, inv.ID)
		if err != nil {
			return fmt.Errorf("list transactions: %w", err)
		}
		bal, err := loadBalance(ctx, u.store, inv.ID)
		if err != nil {
			return err
		}
		provs, err := u.store.ListProvisionsBySourceInvoice(ctx, inv.ID)
		if err != nil {
			return fmt.Errorf("list provisions: %w", err)
		}

		total := bal.TotalPayments()
		netDue := bal.NetDue(inv.Amount)
		out = &PaymentSummary{
			Invoice:          *inv,
			EffectiveStatus:  inv.EffectiveStatus(u.now),
			Transactions:     txs,
			CreditNotes:      bal.CreditNotes,
			Applications:     bal.Applications,
			Provisions:       provs,
			TransactionTotal: bal.TransactionTotal,
			AppliedTotal:     bal.AppliedTotal,
			TotalPayments:    total,
			TotalCredits:     bal.CreditTotal,
			NetDue:           netDue,
			Balance:          netDue.Sub(total),
			CacheInSync:      total.Equal(inv.TotalPayments),
		}
		return nil
	})
	return out, err
}
