/*
cancellation.go - Cancellation request state machine

PURPOSE:
  Turns an approved cancellation request into registration, invoice,
  credit-note and session-count changes in one unit of work.

STATE MACHINE:
  pending ──approve──▶ approved   (terminal)
     │
     └────reject────▶ rejected    (terminal)

  Approving anything but a pending request is an InvalidState error, so a
  retried approval can never issue a second refund.

REFUND BASE:
  A single cancellation cancels the whole billing unit. When registrations
  share an invoice the base is Σ amount_paid across all of them:

    Invoice INV-25-00007 (100, paid)
      ├── reg A  amount_paid 50 ┐
      └── reg B  amount_paid 50 ┴─ base 100 ─▶ full: one note of 100

  One consolidated credit note per cancelled invoice, never one per
  registration.

ORDER OF WRITES:
  1. invariant check (credits + refund <= amount)
  2. invoice cancelled via the Reconciler
  3. credit applied to the invoice released back to its provisions
     (up to the refund on a paid invoice, the refund share otherwise)
  4. credit note issued; its trigger reconciles the now-cancelled invoice and
     turns money already received into a credit_note_refund provision
  5. registrations, sessions, request
*/
package ledger

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

type CancellationProcessor struct {
	log        zerolog.Logger
	reconciler *Reconciler
	notes      *creditNotes
	applier    *ProvisionApplier

	// partialPercent is used for RefundPartial unless the approval overrides it.
	partialPercent decimal.Decimal
}

// Approval is the operator's decision on a pending request.
type Approval struct {
	RequestID  CancellationRequestID
	RefundType RefundType
	AdminNotes string

	// PartialPercent overrides the configured percentage for RefundPartial.
	PartialPercent *decimal.Decimal
}

// ApprovalResult reports what an approval changed.
type ApprovalResult struct {
	Request       CancellationRequest
	RefundAmount  decimal.Decimal
	CreditNote    *CreditNote
	Registrations []Registration
}

// =============================================================================
// SUBMIT / REJECT
// =============================================================================

func (c *CancellationProcessor) submit(ctx context.Context, u *unit, regID RegistrationID, reason string) (CancellationRequest, error) {
	reg, err := loadRegistration(ctx, u.store, regID)
	if err != nil {
		return CancellationRequest{}, err
	}
	if reg.PaymentStatus == PaymentCancelled {
		return CancellationRequest{}, &InvalidStateError{Kind: "registration", ID: string(reg.ID), State: string(reg.PaymentStatus), Op: "request cancellation of"}
	}
	existing, err := u.store.GetCancellationRequestByRegistration(ctx, regID)
	if err != nil {
		return CancellationRequest{}, fmt.Errorf("load cancellation request: %w", err)
	}
	if existing != nil {
		return CancellationRequest{}, &InvalidStateError{Kind: "registration", ID: string(regID), State: "cancellation " + string(existing.Status), Op: "request cancellation of"}
	}

	req := CancellationRequest{
		ID:             CancellationRequestID(newID()),
		UserID:         reg.UserID,
		RegistrationID: reg.ID,
		KidID:          reg.KidID,
		ActivityID:     reg.ActivityID,
		Status:         RequestPending,
		RefundAmount:   decimal.Zero,
		Reason:         reason,
		CreatedAt:      u.now,
	}
	if err := u.store.InsertCancellationRequest(ctx, req); err != nil {
		return req, fmt.Errorf("insert cancellation request: %w", err)
	}
	return req, nil
}

func (c *CancellationProcessor) reject(ctx context.Context, u *unit, id CancellationRequestID, notes string) (CancellationRequest, error) {
	req, err := loadPendingRequest(ctx, u.store, id, "reject")
	if err != nil {
		return CancellationRequest{}, err
	}
	processed := u.now
	req.Status = RequestRejected
	req.AdminNotes = notes
	req.ProcessedAt = &processed
	if err := u.store.UpdateCancellationRequest(ctx, *req); err != nil {
		return *req, fmt.Errorf("update cancellation request: %w", err)
	}
	c.log.Info().Str("request", string(id)).Msg("cancellation rejected")
	return *req, nil
}

// =============================================================================
// APPROVE
// =============================================================================

func (c *CancellationProcessor) approve(ctx context.Context, u *unit, a Approval) (ApprovalResult, error) {
	var result ApprovalResult

	if !a.RefundType.Valid() {
		return result, invalidInput("unknown refund type %q", a.RefundType)
	}
	percent, err := c.percent(a)
	if err != nil {
		return result, err
	}

	release, ok := u.fence.Enter(OpCancellation)
	if !ok {
		return result, &InvalidStateError{Kind: "cancellation request", ID: string(a.RequestID), State: "in progress", Op: "approve"}
	}
	defer release()

	req, err := loadPendingRequest(ctx, u.store, a.RequestID, "approve")
	if err != nil {
		return result, err
	}
	reg, err := loadRegistration(ctx, u.store, req.RegistrationID)
	if err != nil {
		return result, err
	}
	if reg.PaymentStatus == PaymentCancelled {
		return result, &InvalidStateError{Kind: "registration", ID: string(reg.ID), State: string(reg.PaymentStatus), Op: "cancel"}
	}

	affected := []Registration{*reg}
	var inv *Invoice
	if reg.InvoiceID != "" {
		if inv, err = u.store.GetInvoice(ctx, reg.InvoiceID); err != nil {
			return result, fmt.Errorf("load invoice: %w", err)
		}
		if inv == nil {
			return result, notFound("invoice", string(reg.InvoiceID))
		}
		if affected, err = u.store.ListRegistrationsByInvoice(ctx, inv.ID); err != nil {
			return result, fmt.Errorf("list registrations: %w", err)
		}
	}

	base := decimal.Zero
	for _, r := range affected {
		base = base.Add(r.AmountPaid)
	}
	refund := base.Mul(percent).Div(hundred)
	result.RefundAmount = refund

	if inv != nil {
		note, err := c.cancelInvoice(ctx, u, inv, req, affected, refund, percent)
		if err != nil {
			return result, err
		}
		result.CreditNote = note
	} else if refund.IsPositive() {
		note, err := c.refundStandalone(ctx, u, reg, req, refund)
		if err != nil {
			return result, err
		}
		result.CreditNote = note
	}

	status := a.RefundType.CancellationStatus()
	sessions := make(map[SessionID]bool)
	for i := range affected {
		r := &affected[i]
		if r.PaymentStatus == PaymentCancelled {
			continue
		}
		r.PaymentStatus = PaymentCancelled
		r.CancellationStatus = status
		if err := u.store.SaveRegistration(ctx, *r); err != nil {
			return result, fmt.Errorf("cancel registration %s: %w", r.ID, err)
		}
		result.Registrations = append(result.Registrations, *r)
		if r.SessionID != "" {
			sessions[r.SessionID] = true
		}
	}
	for id := range sessions {
		if err := u.store.RecountSession(ctx, id); err != nil {
			return result, fmt.Errorf("recount session %s: %w", id, err)
		}
	}

	processed := u.now
	req.Status = RequestApproved
	req.RefundType = a.RefundType
	req.RefundAmount = refund
	req.AdminNotes = a.AdminNotes
	req.ProcessedAt = &processed
	if result.CreditNote != nil {
		req.CreditNoteID = result.CreditNote.CreditNoteNumber
	}
	if err := u.store.UpdateCancellationRequest(ctx, *req); err != nil {
		return result, fmt.Errorf("update cancellation request: %w", err)
	}
	result.Request = *req

	c.log.Info().
		Str("request", string(req.ID)).
		Str("refund_type", string(a.RefundType)).
		Str("refund", refund.String()).
		Int("registrations", len(result.Registrations)).
		Str("credit_note", req.CreditNoteID).
		Msg("cancellation approved")
	return result, nil
}

func (c *CancellationProcessor) percent(a Approval) (decimal.Decimal, error) {
	switch a.RefundType {
	case RefundFull:
		return hundred, nil
	case RefundNone:
		return decimal.Zero, nil
	}
	p := c.partialPercent
	if a.PartialPercent != nil {
		p = *a.PartialPercent
	}
	if p.IsNegative() || p.GreaterThan(hundred) {
		return decimal.Zero, invalidInput("partial refund percent %s outside 0..100", p)
	}
	return p, nil
}

func (c *CancellationProcessor) cancelInvoice(ctx context.Context, u *unit, inv *Invoice, req *CancellationRequest, affected []Registration, refund, percent decimal.Decimal) (*CreditNote, error) {
	if refund.IsPositive() {
		credits, err := billingCredits(ctx, u.store, inv.ID)
		if err != nil {
			return nil, err
		}
		if credits.Add(refund).GreaterThan(inv.Amount) {
			return nil, &InvariantError{
				Invariant: "no-double-credit",
				Detail: fmt.Sprintf("refund %s on invoice %s (amount %s) already credited %s",
					refund, inv.InvoiceNumber, inv.Amount, credits),
			}
		}
	}

	wasPaid := inv.Status == InvoicePaid
	if err := c.reconciler.cancel(ctx, u, inv.ID, "cancellation request "+string(req.ID)); err != nil {
		return nil, err
	}
	if err := c.releaseCredit(ctx, u, inv, wasPaid, refund, percent); err != nil {
		return nil, err
	}

	if !refund.IsPositive() {
		return nil, c.reconciler.reconcile(ctx, u, inv.ID, "")
	}

	note := CreditNote{
		UserID:                inv.UserID,
		Amount:                refund,
		Type:                  CreditCancellation,
		InvoiceID:             inv.ID,
		CancellationRequestID: req.ID,
		Reason:                req.Reason,
	}
	if len(affected) == 1 {
		note.RegistrationID = affected[0].ID
	}
	issued, err := c.notes.issue(ctx, u, note)
	if err != nil {
		return nil, err
	}
	return &issued, nil
}

// releaseCredit hands credit applied to a cancelled invoice back to its
// provisions. On a paid invoice the released credit is part of the refund,
// so the credit_note_refund provision shrinks by the same amount. On an
// unpaid invoice nothing was refunded through registrations, so the
// refund percentage of the applied credit is given back directly.
func (c *CancellationProcessor) releaseCredit(ctx context.Context, u *unit, inv *Invoice, wasPaid bool, refund, percent decimal.Decimal) error {
	apps, err := u.store.ListApplicationsByInvoice(ctx, inv.ID)
	if err != nil {
		return fmt.Errorf("list provision applications: %w", err)
	}
	applied := decimal.Zero
	for _, a := range apps {
		applied = applied.Add(a.Amount)
	}
	if !applied.IsPositive() {
		return nil
	}

	give := applied.Mul(percent).Div(hundred)
	if wasPaid {
		give = decimal.Min(applied, refund)
	}
	_, err = c.applier.release(ctx, u, inv, give)
	return err
}

// refundStandalone handles a registration billed without an invoice. The
// refund becomes credit the user can spend on later invoices.
func (c *CancellationProcessor) refundStandalone(ctx context.Context, u *unit, reg *Registration, req *CancellationRequest, refund decimal.Decimal) (*CreditNote, error) {
	note, err := c.notes.issue(ctx, u, CreditNote{
		UserID:                reg.UserID,
		Amount:                refund,
		Type:                  CreditCancellation,
		RegistrationID:        reg.ID,
		CancellationRequestID: req.ID,
		Reason:                req.Reason,
	})
	if err != nil {
		return nil, err
	}

	p := UserProvision{
		ID:                 ProvisionID(newID()),
		UserID:             reg.UserID,
		AmountInitial:      refund,
		AmountRemaining:    refund,
		AmountReversed:     decimal.Zero,
		AmountRefunded:     decimal.Zero,
		Type:               ProvisionCreditNoteRefund,
		Status:             ProvisionAvailable,
		SourceCreditNoteID: note.ID,
		Reason:             "refund of registration " + string(reg.ID),
		CreatedAt:          u.now,
		UpdatedAt:          u.now,
	}
	if err := u.store.InsertProvision(ctx, p); err != nil {
		return nil, fmt.Errorf("insert refund provision: %w", err)
	}
	return &note, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func loadRegistration(ctx context.Context, s RegistrationStore, id RegistrationID) (*Registration, error) {
	reg, err := s.GetRegistration(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load registration: %w", err)
	}
	if reg == nil {
		return nil, notFound("registration", string(id))
	}
	return reg, nil
}

func loadPendingRequest(ctx context.Context, s CancellationStore, id CancellationRequestID, op string) (*CancellationRequest, error) {
	req, err := s.GetCancellationRequest(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load cancellation request: %w", err)
	}
	if req == nil {
		return nil, notFound("cancellation request", string(id))
	}
	if req.Status != RequestPending {
		return nil, &InvalidStateError{Kind: "cancellation request", ID: string(id), State: string(req.Status), Op: op}
	}
	return req, nil
}
