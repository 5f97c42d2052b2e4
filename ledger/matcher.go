package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// Matcher links an unmatched bank transaction to a pending invoice.
//
// Lookup order:
//  1. ExtractedInvoiceNumber against InvoiceNumber
//  2. the raw communication against an invoice's communication or number
//
// Only pending invoices are candidates. The Matcher never touches invoice
// fields; it fills in tx.InvoiceID and tx.Status and the caller persists
// the transaction and reconciles.
type Matcher struct{}

// Match returns the invoice tx was linked to, or nil when nothing matched.
func (Matcher) Match(ctx context.Context, s InvoiceStore, tx *BankTransaction) (*Invoice, error) {
	if !tx.Amount.IsPositive() {
		return nil, nil
	}

	inv, err := findCandidate(ctx, s, tx)
	if err != nil || inv == nil {
		return nil, err
	}

	tx.InvoiceID = inv.ID
	tx.Status = classify(tx.Amount, inv.Amount)
	return inv, nil
}

func findCandidate(ctx context.Context, s InvoiceStore, tx *BankTransaction) (*Invoice, error) {
	if tx.ExtractedInvoiceNumber != "" {
		inv, err := s.GetInvoiceByNumber(ctx, tx.ExtractedInvoiceNumber)
		if err != nil {
			return nil, fmt.Errorf("match by invoice number: %w", err)
		}
		if inv != nil && inv.Status == InvoicePending {
			return inv, nil
		}
	}
	if tx.Communication == "" {
		return nil, nil
	}
	inv, err := s.FindPendingInvoiceByReference(ctx, tx.Communication)
	if err != nil {
		return nil, fmt.Errorf("match by communication: %w", err)
	}
	return inv, nil
}

// classify compares a single transaction with the invoice amount. The
// Reconciler revisits partially_matched once sibling payments are counted.
func classify(paid, amount decimal.Decimal) TransactionStatus {
	switch paid.Cmp(amount) {
	case 0:
		return TxMatched
	case 1:
		return TxOverpaid
	default:
		return TxPartiallyMatched
	}
}
