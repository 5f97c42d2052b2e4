package ledger

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// creditNotes issues credit notes and runs the companion trigger that keeps
// an invoice consistent with the notes issued against it.
type creditNotes struct {
	log        zerolog.Logger
	reconciler *Reconciler
}

// issue numbers, inserts and triggers a new note. The no-double-credit check
// happens before anything is written or a number is consumed.
func (c *creditNotes) issue(ctx context.Context, u *unit, note CreditNote) (CreditNote, error) {
	if !note.Amount.IsPositive() {
		return note, invalidInput("credit note amount must be positive, got %s", note.Amount)
	}

	if note.InvoiceID != "" && note.Type.ReducesBilling() {
		inv, err := u.store.GetInvoice(ctx, note.InvoiceID)
		if err != nil {
			return note, fmt.Errorf("load invoice: %w", err)
		}
		if inv == nil {
			return note, notFound("invoice", string(note.InvoiceID))
		}
		credits, err := billingCredits(ctx, u.store, inv.ID)
		if err != nil {
			return note, err
		}
		if credits.Add(note.Amount).GreaterThan(inv.Amount) {
			return note, &InvariantError{
				Invariant: "no-double-credit",
				Detail: fmt.Sprintf("invoice %s amount %s, credited %s, new note %s",
					inv.InvoiceNumber, inv.Amount, credits, note.Amount),
			}
		}
		note.InvoiceNumber = inv.InvoiceNumber
	}

	number, err := nextCreditNoteNumber(ctx, u.store, u.now)
	if err != nil {
		return note, err
	}
	note.ID = CreditNoteID(newID())
	note.CreditNoteNumber = number
	if note.Status == "" {
		note.Status = CreditIssued
	}
	note.CreatedAt = u.now
	note.UpdatedAt = u.now
	if err := u.store.InsertCreditNote(ctx, note); err != nil {
		return note, fmt.Errorf("insert credit note: %w", err)
	}

	c.log.Info().
		Str("credit_note", note.CreditNoteNumber).
		Str("type", string(note.Type)).
		Str("invoice", note.InvoiceNumber).
		Str("amount", note.Amount.String()).
		Msg("credit note issued")

	if err := c.onChange(ctx, u, note); err != nil {
		return note, err
	}
	return note, nil
}

// onChange is the credit note trigger. It does nothing while a reconcile is
// already running in this unit; the running reconcile sees the note anyway.
func (c *creditNotes) onChange(ctx context.Context, u *unit, note CreditNote) error {
	if note.InvoiceID == "" {
		return nil
	}
	release, ok := u.fence.Enter(OpCreditNoteChange, OpReconcile)
	if !ok {
		return nil
	}
	defer release()

	inv, err := u.store.GetInvoice(ctx, note.InvoiceID)
	if err != nil {
		return fmt.Errorf("load invoice: %w", err)
	}
	if inv == nil {
		return notFound("invoice", string(note.InvoiceID))
	}

	credits, err := billingCredits(ctx, u.store, inv.ID)
	if err != nil {
		return err
	}
	if credits.GreaterThan(inv.Amount) {
		return &InvariantError{
			Invariant: "no-double-credit",
			Detail:    fmt.Sprintf("invoice %s credited %s above amount %s", inv.InvoiceNumber, credits, inv.Amount),
		}
	}
	if credits.Equal(inv.Amount) && inv.Status != InvoiceCancelled {
		if err := c.reconciler.cancel(ctx, u, inv.ID, "fully credited by "+note.CreditNoteNumber); err != nil {
			return err
		}
	}
	return c.reconciler.reconcile(ctx, u, inv.ID, "")
}

func (c *creditNotes) markSent(ctx context.Context, u *unit, id CreditNoteID) (CreditNote, error) {
	note, err := u.store.GetCreditNote(ctx, id)
	if err != nil {
		return CreditNote{}, fmt.Errorf("load credit note: %w", err)
	}
	if note == nil {
		return CreditNote{}, notFound("credit note", string(id))
	}
	if note.Status == CreditSent {
		return *note, nil
	}
	note.Status = CreditSent
	note.UpdatedAt = u.now
	if err := u.store.UpdateCreditNote(ctx, *note); err != nil {
		return *note, fmt.Errorf("update credit note: %w", err)
	}
	return *note, c.onChange(ctx, u, *note)
}

func billingCredits(ctx context.Context, s CreditNoteStore, id InvoiceID) (decimal.Decimal, error) {
	notes, err := s.ListCreditNotesByInvoice(ctx, id)
	if err != nil {
		return decimal.Zero, fmt.Errorf("list credit notes: %w", err)
	}
	total := decimal.Zero
	for _, n := range notes {
		if n.CountsTowardBilling() {
			total = total.Add(n.Amount)
		}
	}
	return total, nil
}
