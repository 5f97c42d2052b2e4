package ledger_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/reconcile-engine/ledger"
)

// paidRegistration sets up one registration billed and paid through its own invoice.
func paidRegistration(f *fixture, number, price string) *ledger.Registration {
	f.t.Helper()
	reg := f.registration("user-1", price, "sess-1")
	f.invoice("user-1", number, price, reg.ID)
	f.payInvoice(number, price)
	return f.reg(reg.ID)
}

func submit(f *fixture, regID ledger.RegistrationID) *ledger.CancellationRequest {
	f.t.Helper()
	req, err := f.engine.SubmitCancellation(f.ctx, regID, "schedule conflict")
	require.NoError(f.t, err)
	return req
}

// =============================================================================
// REFUND TYPES
// =============================================================================

func TestApproveCancellation_PartialUsesConfiguredPercent(t *testing.T) {
	// GIVEN: A paid registration of 80 and the default partial policy (50%)
	f := newFixture(t)
	f.session("sess-1")
	reg := paidRegistration(f, "INV-25-00001", "80")
	req := submit(f, reg.ID)

	// WHEN: Approved with a partial refund
	res, err := f.engine.ApproveCancellation(f.ctx, ledger.Approval{
		RequestID:  req.ID,
		RefundType: ledger.RefundPartial,
	})
	require.NoError(t, err)

	// THEN: 40 is credited and held for the user; the rest is kept
	assertMoney(t, "refund", "40", res.RefundAmount)
	require.NotNil(t, res.CreditNote)
	assertMoney(t, "credit note", "40", res.CreditNote.Amount)
	assert.Equal(t, reg.ID, res.CreditNote.RegistrationID, "single registration note names it")

	s := f.summary("INV-25-00001")
	assert.Equal(t, ledger.InvoiceCancelled, s.Invoice.Status)
	require.Len(t, s.Provisions, 1)
	assert.Equal(t, ledger.ProvisionCreditNoteRefund, s.Provisions[0].Type)
	assertMoney(t, "refund credit", "40", s.Provisions[0].AmountRemaining)

	r := f.reg(reg.ID)
	assert.Equal(t, ledger.CancelledPartialRefund, r.CancellationStatus)
	assert.Equal(t, ledger.PaymentCancelled, r.PaymentStatus)
	f.checkInvariants()
}

func TestApproveCancellation_PartialPercentOverride(t *testing.T) {
	f := newFixture(t)
	f.session("sess-1")
	reg := paidRegistration(f, "INV-25-00001", "80")
	req := submit(f, reg.ID)
	quarter := decimal.NewFromInt(25)

	res, err := f.engine.ApproveCancellation(f.ctx, ledger.Approval{
		RequestID:      req.ID,
		RefundType:     ledger.RefundPartial,
		PartialPercent: &quarter,
	})

	require.NoError(t, err)
	assertMoney(t, "refund", "20", res.RefundAmount)
	assertMoney(t, "stored refund", "20", res.Request.RefundAmount)
	f.checkInvariants()
}

func TestApproveCancellation_PercentOutOfRange(t *testing.T) {
	f := newFixture(t)
	f.session("sess-1")
	reg := paidRegistration(f, "INV-25-00001", "80")
	req := submit(f, reg.ID)
	tooMuch := decimal.NewFromInt(150)

	_, err := f.engine.ApproveCancellation(f.ctx, ledger.Approval{
		RequestID:      req.ID,
		RefundType:     ledger.RefundPartial,
		PartialPercent: &tooMuch,
	})

	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
}

func TestApproveCancellation_NoRefund(t *testing.T) {
	// GIVEN: A paid registration
	f := newFixture(t)
	f.session("sess-1")
	reg := paidRegistration(f, "INV-25-00001", "80")
	req := submit(f, reg.ID)

	// WHEN: Approved without refund
	res, err := f.engine.ApproveCancellation(f.ctx, ledger.Approval{
		RequestID:  req.ID,
		RefundType: ledger.RefundNone,
		AdminNotes: "past deadline",
	})
	require.NoError(t, err)

	// THEN: No note, no credit; the registration is cancelled regardless
	assert.Nil(t, res.CreditNote)
	assert.True(t, res.RefundAmount.IsZero())
	assert.Empty(t, res.Request.CreditNoteID)
	assert.Equal(t, "past deadline", res.Request.AdminNotes)
	assert.NotNil(t, res.Request.ProcessedAt)

	s := f.summary("INV-25-00001")
	assert.Equal(t, ledger.InvoiceCancelled, s.Invoice.Status)
	assert.Empty(t, s.CreditNotes)
	assert.Empty(t, s.Provisions)
	assert.Equal(t, ledger.CancelledNoRefund, f.reg(reg.ID).CancellationStatus)
	f.checkInvariants()
}

func TestApproveCancellation_UnpaidInvoiceRefundsNothing(t *testing.T) {
	// GIVEN: An invoiced registration nobody paid for
	f := newFixture(t)
	f.session("sess-1")
	reg := f.registration("user-1", "80", "sess-1")
	f.invoice("user-1", "INV-25-00001", "80", reg.ID)
	req := submit(f, reg.ID)

	// WHEN: Approved with a full refund
	res, err := f.engine.ApproveCancellation(f.ctx, ledger.Approval{RequestID: req.ID, RefundType: ledger.RefundFull})
	require.NoError(t, err)

	// THEN: The refund base is what was paid, i.e. zero
	assert.True(t, res.RefundAmount.IsZero())
	assert.Nil(t, res.CreditNote)
	assert.Equal(t, ledger.InvoiceCancelled, f.summary("INV-25-00001").Invoice.Status)
}

func TestApproveCancellation_StandaloneRegistration(t *testing.T) {
	// GIVEN: A registration paid outside any invoice
	f := newFixture(t)
	f.session("sess-1")
	reg := f.registration("user-1", "60", "sess-1")
	stored := f.reg(reg.ID)
	stored.PaymentStatus = ledger.PaymentPaid
	stored.AmountPaid = dec("60")
	require.NoError(t, f.store.SaveRegistration(f.ctx, *stored))
	req := submit(f, reg.ID)

	// WHEN: Approved with a full refund
	res, err := f.engine.ApproveCancellation(f.ctx, ledger.Approval{RequestID: req.ID, RefundType: ledger.RefundFull})
	require.NoError(t, err)

	// THEN: A note tied to the registration and a matching refund credit
	require.NotNil(t, res.CreditNote)
	assert.Equal(t, reg.ID, res.CreditNote.RegistrationID)
	assert.Empty(t, res.CreditNote.InvoiceID)

	ps := f.provisions("user-1")
	require.Len(t, ps, 1)
	assert.Equal(t, ledger.ProvisionCreditNoteRefund, ps[0].Type)
	assert.Equal(t, res.CreditNote.ID, ps[0].SourceCreditNoteID)
	assertMoney(t, "refund credit", "60", ps[0].AmountRemaining)
	f.checkInvariants()
}

// =============================================================================
// STATE MACHINE
// =============================================================================

func TestApproveCancellation_TwiceIsRejected(t *testing.T) {
	// GIVEN: An approved request
	f := newFixture(t)
	f.session("sess-1")
	reg := paidRegistration(f, "INV-25-00001", "80")
	req := submit(f, reg.ID)
	_, err := f.engine.ApproveCancellation(f.ctx, ledger.Approval{RequestID: req.ID, RefundType: ledger.RefundFull})
	require.NoError(t, err)

	// WHEN: Approved again
	_, err = f.engine.ApproveCancellation(f.ctx, ledger.Approval{RequestID: req.ID, RefundType: ledger.RefundFull})

	// THEN: Status guard rejects it and no second note exists
	var stateErr *ledger.InvalidStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, string(ledger.RequestApproved), stateErr.State)
	assert.Len(t, f.summary("INV-25-00001").CreditNotes, 1)
	f.checkInvariants()
}

func TestRejectCancellation_HasNoSideEffects(t *testing.T) {
	// GIVEN: A pending request on a paid registration
	f := newFixture(t)
	f.session("sess-1")
	reg := paidRegistration(f, "INV-25-00001", "80")
	req := submit(f, reg.ID)

	// WHEN: Rejected
	got, err := f.engine.RejectCancellation(f.ctx, req.ID, "no reason given")
	require.NoError(t, err)

	// THEN: Only the request changed
	assert.Equal(t, ledger.RequestRejected, got.Status)
	assert.Equal(t, ledger.PaymentPaid, f.reg(reg.ID).PaymentStatus)
	assert.Equal(t, ledger.InvoicePaid, f.summary("INV-25-00001").Invoice.Status)

	// AND: A rejected request cannot be approved afterwards
	_, err = f.engine.ApproveCancellation(f.ctx, ledger.Approval{RequestID: req.ID, RefundType: ledger.RefundFull})
	assert.ErrorIs(t, err, ledger.ErrInvalidState)
}

func TestSubmitCancellation_OnePerRegistration(t *testing.T) {
	f := newFixture(t)
	f.session("sess-1")
	reg := paidRegistration(f, "INV-25-00001", "80")
	req := submit(f, reg.ID)
	assert.Equal(t, reg.KidID, req.KidID)
	assert.Equal(t, reg.ActivityID, req.ActivityID)

	_, err := f.engine.SubmitCancellation(f.ctx, reg.ID, "again")

	assert.ErrorIs(t, err, ledger.ErrInvalidState)
}

func TestApproveCancellation_SiblingAlreadyCancelled(t *testing.T) {
	// GIVEN: Two registrations on one invoice, each with a request
	f := newFixture(t)
	f.session("sess-1")
	a := f.registration("user-1", "50", "sess-1")
	b := f.registration("user-1", "50", "sess-1")
	f.invoice("user-1", "INV-25-00001", "100", a.ID, b.ID)
	f.payInvoice("INV-25-00001", "100")
	reqA := submit(f, a.ID)
	reqB := submit(f, b.ID)

	// WHEN: The first approval cancels the whole billing unit
	_, err := f.engine.ApproveCancellation(f.ctx, ledger.Approval{RequestID: reqA.ID, RefundType: ledger.RefundFull})
	require.NoError(t, err)

	// THEN: The sibling's request can no longer be approved
	_, err = f.engine.ApproveCancellation(f.ctx, ledger.Approval{RequestID: reqB.ID, RefundType: ledger.RefundFull})
	assert.ErrorIs(t, err, ledger.ErrInvalidState)
	assert.Len(t, f.summary("INV-25-00001").CreditNotes, 1)
	f.checkInvariants()
}

func TestApproveCancellation_CreditOverflowRollsBack(t *testing.T) {
	// GIVEN: A paid invoice of 100 already credited 70 by an admin
	f := newFixture(t)
	f.session("sess-1")
	reg := paidRegistration(f, "INV-25-00001", "100")
	_, err := f.engine.IssueCreditNote(f.ctx, ledger.NewCreditNote{
		InvoiceNumber: "INV-25-00001",
		Amount:        dec("70"),
		Reason:        "discount",
	})
	require.NoError(t, err)
	req := submit(f, reg.ID)

	// WHEN: A full refund of the 100 paid is approved
	_, err = f.engine.ApproveCancellation(f.ctx, ledger.Approval{RequestID: req.ID, RefundType: ledger.RefundFull})

	// THEN: The invariant stops it and nothing was written
	var invErr *ledger.InvariantError
	require.ErrorAs(t, err, &invErr)
	assert.Equal(t, "no-double-credit", invErr.Invariant)

	got, err := f.store.GetCancellationRequest(f.ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.RequestPending, got.Status)
	assert.Equal(t, ledger.InvoicePaid, f.summary("INV-25-00001").Invoice.Status)
	assert.Equal(t, ledger.PaymentPaid, f.reg(reg.ID).PaymentStatus)
	f.checkInvariants()
}

func TestApproveCancellation_UnknownRequest(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.ApproveCancellation(f.ctx, ledger.Approval{RequestID: "missing", RefundType: ledger.RefundFull})

	assert.True(t, ledger.IsNotFound(err))
}

func TestApproveCancellation_UnknownRefundType(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.ApproveCancellation(f.ctx, ledger.Approval{RequestID: "any", RefundType: "half"})

	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
}

// =============================================================================
// REFUND CREDIT AND DISSOCIATION
// =============================================================================

// activeCredit sums what a user can still spend.
func activeCredit(f *fixture, user ledger.UserID) decimal.Decimal {
	f.t.Helper()
	total := decimal.Zero
	for _, p := range f.provisions(user) {
		if p.Status.Active() {
			total = total.Add(p.AmountRemaining)
		}
	}
	return total
}

func approveFull(f *fixture, regID ledger.RegistrationID) *ledger.ApprovalResult {
	f.t.Helper()
	req := submit(f, regID)
	res, err := f.engine.ApproveCancellation(f.ctx, ledger.Approval{RequestID: req.ID, RefundType: ledger.RefundFull})
	require.NoError(f.t, err)
	return res
}

func TestDissociateAfterRefund_ReversesRefundCredit(t *testing.T) {
	// GIVEN: A paid invoice of 100 cancelled with a full refund
	f := newFixture(t)
	f.session("sess-1")
	reg := paidRegistration(f, "INV-25-00001", "100")
	tx := f.summary("INV-25-00001").Transactions[0]
	approveFull(f, reg.ID)
	assertMoney(t, "refund credit", "100", activeCredit(f, "user-1"))

	// WHEN: The payment behind the refund is dissociated
	_, err := f.engine.DisassociateTransaction(f.ctx, tx.ID)
	require.NoError(t, err)

	// THEN: The refund credit is reversed; the invoice stays cancelled
	s := f.summary("INV-25-00001")
	assert.Equal(t, ledger.InvoiceCancelled, s.Invoice.Status)
	assertMoney(t, "total_payments", "0", s.Invoice.TotalPayments)
	require.Len(t, s.Provisions, 1)
	p := s.Provisions[0]
	assert.Equal(t, ledger.ProvisionCreditNoteRefund, p.Type)
	assertMoney(t, "remaining", "0", p.AmountRemaining)
	assertMoney(t, "reversed", "100", p.AmountReversed)
	assert.False(t, p.Status.Active())
	f.checkInvariants()

	// WHEN: The same money pays another invoice
	f.invoice("user-1", "INV-25-00002", "100")
	_, err = f.engine.LinkTransaction(f.ctx, tx.ID, "INV-25-00002")
	require.NoError(t, err)

	// THEN: It counts once: that invoice is paid and no credit remains
	assert.Equal(t, ledger.InvoicePaid, f.summary("INV-25-00002").Invoice.Status)
	assertMoney(t, "live credit", "0", activeCredit(f, "user-1"))

	_, err = f.engine.Reconcile(f.ctx, "INV-25-00001")
	require.NoError(t, err)
	assertMoney(t, "reversed after re-reconcile", "100", f.summary("INV-25-00001").Provisions[0].AmountReversed)
	f.checkInvariants()
}

func TestDissociateAfterRefund_SpentCreditIsNotRecovered(t *testing.T) {
	// GIVEN: A refund credit of 100, 30 of which paid a later invoice
	f := newFixture(t)
	f.session("sess-1")
	reg := paidRegistration(f, "INV-25-00001", "100")
	tx := f.summary("INV-25-00001").Transactions[0]
	approveFull(f, reg.ID)
	f.invoice("user-1", "INV-25-00002", "30")
	require.Equal(t, ledger.InvoicePaid, f.summary("INV-25-00002").Invoice.Status)

	// WHEN: The original payment is dissociated
	_, err := f.engine.DisassociateTransaction(f.ctx, tx.ID)
	require.NoError(t, err)

	// THEN: Only the unspent 70 is reversed
	p := f.summary("INV-25-00001").Provisions[0]
	assertMoney(t, "remaining", "0", p.AmountRemaining)
	assertMoney(t, "reversed", "70", p.AmountReversed)
	assert.Equal(t, ledger.InvoicePaid, f.summary("INV-25-00002").Invoice.Status)
	f.checkInvariants()
}

func TestApproveCancellation_UnpaidInvoiceReleasesAppliedCredit(t *testing.T) {
	// GIVEN: Standing credit of 40 auto-applied to a new invoice of 100
	f := newFixture(t)
	f.session("sess-1")
	reg := f.registration("user-1", "100", "sess-1")
	grant := f.grant("user-1", "40")
	f.invoice("user-1", "INV-25-00001", "100", reg.ID)
	assertMoney(t, "applied", "40", f.summary("INV-25-00001").Invoice.TotalPayments)

	// WHEN: The registration is cancelled with a full refund
	res := approveFull(f, reg.ID)

	// THEN: Nothing was paid so nothing is refunded, but the credit comes back
	assertMoney(t, "refund", "0", res.RefundAmount)
	s := f.summary("INV-25-00001")
	assert.Equal(t, ledger.InvoiceCancelled, s.Invoice.Status)
	assertMoney(t, "total_payments", "0", s.Invoice.TotalPayments)

	p, err := f.store.GetProvision(f.ctx, grant.ID)
	require.NoError(t, err)
	assertMoney(t, "remaining", "40", p.AmountRemaining)
	assert.Equal(t, ledger.ProvisionAvailable, p.Status)
	f.checkInvariants()
}

func TestApproveCancellation_PaidWithCreditRefundsOnce(t *testing.T) {
	// GIVEN: An invoice of 100 paid by 40 of credit and 60 of cash
	f := newFixture(t)
	f.session("sess-1")
	reg := f.registration("user-1", "100", "sess-1")
	grant := f.grant("user-1", "40")
	f.invoice("user-1", "INV-25-00001", "100", reg.ID)
	f.payInvoice("INV-25-00001", "60")
	require.Equal(t, ledger.InvoicePaid, f.summary("INV-25-00001").Invoice.Status)

	// WHEN: Cancelled with a full refund
	res := approveFull(f, reg.ID)

	// THEN: The user holds exactly the refund: 40 back on the grant, 60 as refund credit
	assertMoney(t, "refund", "100", res.RefundAmount)
	p, err := f.store.GetProvision(f.ctx, grant.ID)
	require.NoError(t, err)
	assertMoney(t, "grant restored", "40", p.AmountRemaining)
	assertMoney(t, "user credit", "100", activeCredit(f, "user-1"))
	assertMoney(t, "total_payments", "60", f.summary("INV-25-00001").Invoice.TotalPayments)
	f.checkInvariants()
}

func TestApproveCancellation_NoRefundKeepsAppliedCredit(t *testing.T) {
	// GIVEN: Credit of 40 applied to an unpaid invoice
	f := newFixture(t)
	f.session("sess-1")
	reg := f.registration("user-1", "100", "sess-1")
	f.grant("user-1", "40")
	f.invoice("user-1", "INV-25-00001", "100", reg.ID)
	req := submit(f, reg.ID)

	// WHEN: Cancelled without refund
	_, err := f.engine.ApproveCancellation(f.ctx, ledger.Approval{RequestID: req.ID, RefundType: ledger.RefundNone})
	require.NoError(t, err)

	// THEN: The credit stays on the cancelled invoice
	assertMoney(t, "total_payments", "40", f.summary("INV-25-00001").Invoice.TotalPayments)
	assertMoney(t, "user credit", "0", activeCredit(f, "user-1"))
	f.checkInvariants()
}
