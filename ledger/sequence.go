package ledger

import (
	"context"
	"fmt"
	"time"
)

// SequenceKind scopes a counter. Together with the calendar year it forms
// the counter key, so numbering restarts every January.
type SequenceKind string

const (
	SeqCreditNote SequenceKind = "credit_note"
	SeqInvoice    SequenceKind = "invoice"
)

// FormatCreditNoteNumber renders NC-<YY>-<00000>.
func FormatCreditNoteNumber(year int, seq int64) string {
	return fmt.Sprintf("NC-%02d-%05d", year%100, seq)
}

// FormatInvoiceNumber renders INV-<YY>-<00000>. Invoicing usually supplies
// its own number; this is only used when it does not.
func FormatInvoiceNumber(year int, seq int64) string {
	return fmt.Sprintf("INV-%02d-%05d", year%100, seq)
}

func nextCreditNoteNumber(ctx context.Context, s SequenceStore, now time.Time) (string, error) {
	year := now.Year()
	seq, err := s.NextSequence(ctx, SeqCreditNote, year)
	if err != nil {
		return "", fmt.Errorf("allocate credit note number: %w", err)
	}
	return FormatCreditNoteNumber(year, seq), nil
}

func nextInvoiceNumber(ctx context.Context, s SequenceStore, now time.Time) (string, error) {
	year := now.Year()
	seq, err := s.NextSequence(ctx, SeqInvoice, year)
	if err != nil {
		return "", fmt.Errorf("allocate invoice number: %w", err)
	}
	return FormatInvoiceNumber(year, seq), nil
}
