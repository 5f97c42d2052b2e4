package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/reconcile-engine/ledger"
)

func loadScenario(t *testing.T, s *testServer, id string) {
	t.Helper()
	var dto ScenarioDTO
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": id}, &dto))
	require.Equal(t, id, dto.ID)
}

func summary(t *testing.T, s *testServer, number string) *ledger.PaymentSummary {
	t.Helper()
	sum, err := s.handler.Engine.GetInvoicePaymentSummary(context.Background(), number)
	require.NoError(t, err)
	return sum
}

func TestScenario_ExactPayment(t *testing.T) {
	s := newTestServer(t)
	loadScenario(t, s, "exact-payment")

	sum := summary(t, s, "INV-DEMO-A")
	assert.Equal(t, ledger.InvoicePaid, sum.Invoice.Status)
	assert.Empty(t, sum.CreditNotes)
	assert.Empty(t, sum.Provisions)
}

func TestScenario_Overpayment(t *testing.T) {
	s := newTestServer(t)
	loadScenario(t, s, "overpayment")

	sum := summary(t, s, "INV-DEMO-B")
	assert.Equal(t, ledger.InvoicePaid, sum.Invoice.Status)
	require.Len(t, sum.Provisions, 1)
	assert.Equal(t, "30", sum.Provisions[0].AmountRemaining.String())
}

func TestScenario_SharedInvoice(t *testing.T) {
	s := newTestServer(t)
	loadScenario(t, s, "shared-invoice")

	sum := summary(t, s, "INV-DEMO-C")
	assert.Equal(t, ledger.InvoiceCancelled, sum.Invoice.Status)
	require.Len(t, sum.CreditNotes, 1)
	assert.Equal(t, "100", sum.CreditNotes[0].Amount.String())
	for _, id := range sum.Invoice.RegistrationIDs {
		reg, err := s.handler.Store.GetRegistration(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, ledger.CancelledFullRefund, reg.CancellationStatus)
	}
}

func TestScenario_StandingCredit(t *testing.T) {
	s := newTestServer(t)
	loadScenario(t, s, "standing-credit")

	sum := summary(t, s, "INV-DEMO-D")
	assert.Equal(t, ledger.InvoicePending, sum.Invoice.Status)
	assert.Equal(t, "40", sum.Invoice.TotalPayments.String())
}

func TestScenario_LoadReplacesPrevious(t *testing.T) {
	// GIVEN: One scenario loaded
	s := newTestServer(t)
	loadScenario(t, s, "exact-payment")

	// WHEN: Another is loaded
	loadScenario(t, s, "installments")

	// THEN: Only the second one's ledger exists
	_, err := s.handler.Engine.GetInvoicePaymentSummary(context.Background(), "INV-DEMO-A")
	assert.True(t, ledger.IsNotFound(err))
	assert.Equal(t, ledger.InvoicePaid, summary(t, s, "INV-DEMO-E").Invoice.Status)

	var current ScenarioDTO
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/scenarios/current", nil, &current))
	assert.Equal(t, "installments", current.ID)
}

func TestScenario_Unknown(t *testing.T) {
	s := newTestServer(t)

	code := s.do(http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "nope"}, nil)

	assert.Equal(t, http.StatusNotFound, code)
}

func TestScenario_List(t *testing.T) {
	s := newTestServer(t)

	var list []ScenarioDTO
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/scenarios", nil, &list))

	assert.Len(t, list, len(scenarios))
}
