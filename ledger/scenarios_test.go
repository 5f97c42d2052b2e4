/*
scenarios_test.go - Executable reconciliation scenarios

PURPOSE:
  Each test walks one end-to-end money story through the public Engine and
  then checks the ledger-wide invariants:
  1. Balance: cached total_payments equals the rows that explain it
  2. No double credit: billing credits never exceed the invoice amount
  3. Conservation: initial - remaining == applied + reversed + refunded

READING THESE TESTS:
  GIVEN/WHEN/THEN comments explain the scenario. Amounts are strings so the
  decimal values read exactly as a bookkeeper would write them.
*/
package ledger_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/reconcile-engine/ledger"
)

// =============================================================================
// SCENARIOS A-D
// =============================================================================

func TestScenarioA_ExactPayment(t *testing.T) {
	// GIVEN: An invoice of 100
	f := newFixture(t)
	f.invoice("user-1", "INV-25-00001", "100")

	// WHEN: A transaction of 100 arrives with the matching communication
	tx := f.payInvoice("INV-25-00001", "100")

	// THEN: The invoice is paid, total_payments=100, no credit note
	s := f.summary("INV-25-00001")
	assert.Equal(t, ledger.InvoicePaid, s.Invoice.Status)
	assertMoney(t, "total_payments", "100", s.Invoice.TotalPayments)
	assert.NotNil(t, s.Invoice.PaidAt)
	assert.Empty(t, s.CreditNotes)
	assert.Empty(t, s.Provisions)
	assert.Equal(t, ledger.TxMatched, tx.Status)
	f.checkInvariants()
}

func TestScenarioB_OverpaymentThenDissociation(t *testing.T) {
	// GIVEN: An invoice of 100
	f := newFixture(t)
	f.invoice("user-1", "INV-25-00001", "100")

	// WHEN: A transaction of 130 matches it
	tx := f.payInvoice("INV-25-00001", "130")

	// THEN: The invoice is paid and a provision of 30 references the transaction
	s := f.summary("INV-25-00001")
	assert.Equal(t, ledger.InvoicePaid, s.Invoice.Status)
	assert.Equal(t, ledger.TxOverpaid, tx.Status)
	require.Len(t, s.Provisions, 1)
	p := s.Provisions[0]
	assert.Equal(t, ledger.ProvisionOverpayment, p.Type)
	assert.Equal(t, tx.ID, p.SourceBankTransactionID)
	assertMoney(t, "provision", "30", p.AmountRemaining)
	f.checkInvariants()

	// WHEN: The transaction is dissociated
	_, err := f.engine.DisassociateTransaction(f.ctx, tx.ID)
	require.NoError(t, err)

	// THEN: The provision drops to 0 and the invoice is back to pending with nothing paid
	s = f.summary("INV-25-00001")
	assert.Equal(t, ledger.InvoicePending, s.Invoice.Status)
	assertMoney(t, "total_payments", "0", s.Invoice.TotalPayments)
	assert.Nil(t, s.Invoice.PaidAt)
	require.Len(t, s.Provisions, 1)
	assertMoney(t, "provision remaining", "0", s.Provisions[0].AmountRemaining)
	assert.Equal(t, ledger.ProvisionFullyApplied, s.Provisions[0].Status)
	f.checkInvariants()
}

func TestScenarioC_SharedInvoiceFullCancellation(t *testing.T) {
	// GIVEN: Two registrations of 50 sharing one paid invoice of 100
	f := newFixture(t)
	f.session("sess-1")
	a := f.registration("user-1", "50", "sess-1")
	b := f.registration("user-1", "50", "sess-1")
	f.invoice("user-1", "INV-25-00001", "100", a.ID, b.ID)
	f.payInvoice("INV-25-00001", "100")
	require.Equal(t, ledger.PaymentPaid, f.reg(a.ID).PaymentStatus)

	// WHEN: One registration is cancelled with a full refund
	req, err := f.engine.SubmitCancellation(f.ctx, a.ID, "moving away")
	require.NoError(t, err)
	res, err := f.engine.ApproveCancellation(f.ctx, ledger.Approval{
		RequestID:  req.ID,
		RefundType: ledger.RefundFull,
		AdminNotes: "ok",
	})
	require.NoError(t, err)

	// THEN: The invoice is cancelled with exactly one credit note of 100
	s := f.summary("INV-25-00001")
	assert.Equal(t, ledger.InvoiceCancelled, s.Invoice.Status)
	require.Len(t, s.CreditNotes, 1)
	note := s.CreditNotes[0]
	assertMoney(t, "credit note", "100", note.Amount)
	assert.Equal(t, ledger.CreditCancellation, note.Type)
	assert.Empty(t, note.RegistrationID, "consolidated note is not tied to one registration")
	assert.Equal(t, "NC-25-00001", note.CreditNoteNumber)

	// AND: Both registrations flip to cancelled_full_refund
	for _, id := range []ledger.RegistrationID{a.ID, b.ID} {
		r := f.reg(id)
		assert.Equal(t, ledger.PaymentCancelled, r.PaymentStatus)
		assert.Equal(t, ledger.CancelledFullRefund, r.CancellationStatus)
	}
	assert.Len(t, res.Registrations, 2)

	// AND: The money already received is held as refundable credit
	require.Len(t, s.Provisions, 1)
	assert.Equal(t, ledger.ProvisionCreditNoteRefund, s.Provisions[0].Type)
	assert.Equal(t, note.ID, s.Provisions[0].SourceCreditNoteID)
	assertMoney(t, "refund provision", "100", s.Provisions[0].AmountRemaining)

	// AND: The request is approved and traceable to the note; the session is empty
	assert.Equal(t, ledger.RequestApproved, res.Request.Status)
	assert.Equal(t, "NC-25-00001", res.Request.CreditNoteID)
	sess, err := f.store.GetSession(f.ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 0, sess.ActiveRegistrations)
	f.checkInvariants()
}

func TestScenarioD_StandingCreditAppliedOnNewInvoice(t *testing.T) {
	// GIVEN: A user with an available provision of 40
	f := newFixture(t)
	p := f.grant("user-1", "40")

	// WHEN: A new invoice of 100 is created for them
	inv := f.invoice("user-1", "INV-25-00001", "100")

	// THEN: The provision covers 40 and the invoice stays pending
	assert.Equal(t, ledger.InvoicePending, inv.Status)
	assertMoney(t, "total_payments", "40", inv.TotalPayments)

	s := f.summary("INV-25-00001")
	require.Len(t, s.Applications, 1)
	assert.Equal(t, p.ID, s.Applications[0].ProvisionID)
	assertMoney(t, "balance", "60", s.Balance)

	ps := f.provisions("user-1")
	require.Len(t, ps, 1)
	assert.Equal(t, ledger.ProvisionFullyApplied, ps[0].Status)
	assertMoney(t, "remaining", "0", ps[0].AmountRemaining)
	f.checkInvariants()
}

// =============================================================================
// PROPERTIES
// =============================================================================

func TestReconcile_IsIdempotent(t *testing.T) {
	// GIVEN: An overpaid invoice with a provision
	f := newFixture(t)
	f.invoice("user-1", "INV-25-00001", "100")
	f.payInvoice("INV-25-00001", "130")
	before := f.summary("INV-25-00001")

	// WHEN: Reconciling twice with no intervening writes
	_, err := f.engine.Reconcile(f.ctx, "INV-25-00001")
	require.NoError(t, err)
	_, err = f.engine.Reconcile(f.ctx, "INV-25-00001")
	require.NoError(t, err)

	// THEN: Nothing changed: no new provision, no status flap, no timestamp bump
	after := f.summary("INV-25-00001")
	assert.Equal(t, before.Invoice, after.Invoice)
	assert.Equal(t, before.Provisions, after.Provisions)
	assert.Equal(t, before.CreditNotes, after.CreditNotes)
	assert.Equal(t, before.Transactions, after.Transactions)
	f.checkInvariants()
}

func TestMatchThenDissociate_RestoresPriorState(t *testing.T) {
	// GIVEN: A pending invoice with nothing paid
	f := newFixture(t, noAutoApply)
	f.invoice("user-1", "INV-25-00001", "100")
	f.invoice("user-1", "INV-25-00002", "80")
	before := f.summary("INV-25-00001")

	// WHEN: An overpayment is matched and then dissociated
	tx := f.payInvoice("INV-25-00001", "150")
	_, err := f.engine.DisassociateTransaction(f.ctx, tx.ID)
	require.NoError(t, err)

	// THEN: total_payments, status and the spawned credit are back where they were
	after := f.summary("INV-25-00001")
	assert.Equal(t, before.Invoice.Status, after.Invoice.Status)
	assert.True(t, before.Invoice.TotalPayments.Equal(after.Invoice.TotalPayments))
	for _, p := range f.provisions("user-1") {
		assert.True(t, p.Effective().IsZero(), "provision %s still backed by %s", p.ID, p.Effective())
		assert.False(t, p.Status.Active())
	}

	// AND: No spawned credit leaked onto the user's other invoice
	_, err = f.engine.ApplyProvisions(f.ctx, "user-1")
	require.NoError(t, err)
	assertMoney(t, "other invoice", "0", f.summary("INV-25-00002").Invoice.TotalPayments)
	f.checkInvariants()
}

func TestRelinkAfterDissociation_ProvisionsAgain(t *testing.T) {
	// GIVEN: An overpayment that was dissociated
	f := newFixture(t)
	f.invoice("user-1", "INV-25-00001", "100")
	tx := f.payInvoice("INV-25-00001", "130")
	_, err := f.engine.DisassociateTransaction(f.ctx, tx.ID)
	require.NoError(t, err)

	// WHEN: The operator links it back
	linked, err := f.engine.LinkTransaction(f.ctx, tx.ID, "INV-25-00001")
	require.NoError(t, err)

	// THEN: The invoice is paid again and exactly 30 of live credit exists
	assert.Equal(t, ledger.TxOverpaid, linked.Status)
	assert.Equal(t, ledger.InvoicePaid, f.summary("INV-25-00001").Invoice.Status)
	active := 0
	for _, p := range f.provisions("user-1") {
		if p.Status.Active() {
			active++
			assertMoney(t, "live credit", "30", p.AmountRemaining)
		}
	}
	assert.Equal(t, 1, active)
	f.checkInvariants()
}

func TestPaidAt_SetOnceAndClearedOnDemotion(t *testing.T) {
	// GIVEN: An invoice paid in two installments
	f := newFixture(t)
	f.invoice("user-1", "INV-25-00001", "100")
	f.payInvoice("INV-25-00001", "60")
	second := f.payInvoice("INV-25-00001", "60")
	paid := f.summary("INV-25-00001").Invoice
	require.NotNil(t, paid.PaidAt)

	// WHEN: Reconciled again later
	_, err := f.engine.Reconcile(f.ctx, "INV-25-00001")
	require.NoError(t, err)

	// THEN: paid_at keeps its original value
	assert.True(t, paid.PaidAt.Equal(*f.summary("INV-25-00001").Invoice.PaidAt))

	// WHEN: The second installment is dissociated
	_, err = f.engine.DisassociateTransaction(f.ctx, second.ID)
	require.NoError(t, err)

	// THEN: The invoice is pending, paid_at cleared, the remaining payment partial
	s := f.summary("INV-25-00001")
	assert.Equal(t, ledger.InvoicePending, s.Invoice.Status)
	assert.Nil(t, s.Invoice.PaidAt)
	require.Len(t, s.Transactions, 1)
	assert.Equal(t, ledger.TxPartiallyMatched, s.Transactions[0].Status)
	f.checkInvariants()
}

func TestCancelledInvoice_IsFrozen(t *testing.T) {
	// GIVEN: An invoice fully credited by an admin note, hence cancelled
	f := newFixture(t)
	f.invoice("user-1", "INV-25-00001", "100")
	_, err := f.engine.IssueCreditNote(f.ctx, ledger.NewCreditNote{
		InvoiceNumber: "INV-25-00001",
		Amount:        dec("100"),
		Reason:        "billing error",
	})
	require.NoError(t, err)
	require.Equal(t, ledger.InvoiceCancelled, f.summary("INV-25-00001").Invoice.Status)

	// WHEN: Reconciliation runs again
	inv, err := f.engine.Reconcile(f.ctx, "INV-25-00001")
	require.NoError(t, err)

	// THEN: It stays cancelled
	assert.Equal(t, ledger.InvoiceCancelled, inv.Status)

	// AND: New payments cannot be linked to it
	tx := f.pay("unrelated", "100")
	_, err = f.engine.LinkTransaction(f.ctx, tx.ID, "INV-25-00001")
	assert.ErrorIs(t, err, ledger.ErrInvalidState)
	f.checkInvariants()
}
