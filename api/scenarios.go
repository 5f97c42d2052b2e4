/*
scenarios.go - Demo scenario loaders

PURPOSE:
  Populates the database with small, known ledgers that show the engine's
  main flows. Every scenario goes through the public engine operations, so
  what it leaves behind is exactly what real traffic would produce.

AVAILABLE SCENARIOS:
  exact-payment:    Invoice 100, payment 100 -> paid
  overpayment:      Invoice 100, payment 130 -> paid + credit of 30
                    (dissociate the payment to watch the credit reverse)
  shared-invoice:   Two registrations on one invoice, one full-refund
                    cancellation -> invoice cancelled, one credit note of 100
  standing-credit:  Credit of 40, then a new invoice of 100 -> 40 applied
  installments:     Invoice 100 paid 60 + 60 -> paid, credit of 20

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "overpayment"}

NOTE:
  Loading a scenario resets the ledger tables. Development and demo only.

SEE ALSO:
  - handlers.go: Route table
  - store/sqlite/sqlite.go: Reset
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/reconcile-engine/ledger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenario struct {
	ScenarioDTO
	load func(ctx context.Context, e *ledger.Engine) error
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{ID: "exact-payment", Name: "Exact Payment", Description: "Invoice of 100 paid by one transaction of 100"},
		load:        loadExactPayment,
	},
	{
		ScenarioDTO: ScenarioDTO{ID: "overpayment", Name: "Overpayment", Description: "Invoice of 100 paid 130; the excess becomes user credit"},
		load:        loadOverpayment,
	},
	{
		ScenarioDTO: ScenarioDTO{ID: "shared-invoice", Name: "Shared Invoice Cancellation", Description: "Two registrations on one invoice; one full-refund cancellation cancels both"},
		load:        loadSharedInvoice,
	},
	{
		ScenarioDTO: ScenarioDTO{ID: "standing-credit", Name: "Standing Credit", Description: "Credit of 40 is applied to a new invoice of 100"},
		load:        loadStandingCredit,
	},
	{
		ScenarioDTO: ScenarioDTO{ID: "installments", Name: "Installments", Description: "Invoice of 100 paid 60 then 60"},
		load:        loadInstallments,
	},
}

func findScenario(id string) (scenario, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return scenario{}, false
}

// =============================================================================
// HANDLERS
// =============================================================================

func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		dtos[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	s, ok := findScenario(current)
	if !ok {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, s.ScenarioDTO)
}

func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	s, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	if err := s.load(ctx, h.Engine); err != nil {
		h.log.Error().Err(err).Str("scenario", s.ID).Msg("scenario load failed")
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}
	h.currentScenario = s.ID
	h.log.Info().Str("scenario", s.ID).Msg("scenario loaded")
	writeJSON(w, http.StatusOK, s.ScenarioDTO)
}

func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// LOADERS
// =============================================================================

func money(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func createInvoice(ctx context.Context, e *ledger.Engine, user ledger.UserID, number string, amount int64, regs ...ledger.RegistrationID) error {
	_, err := e.CreateInvoice(ctx, ledger.NewInvoice{
		UserID:          user,
		InvoiceNumber:   number,
		Communication:   "+++" + number + "+++",
		Amount:          money(amount),
		RegistrationIDs: regs,
	})
	return err
}

func payInvoice(ctx context.Context, e *ledger.Engine, number string, amount int64) error {
	_, err := e.ImportTransaction(ctx, ledger.NewTransaction{
		TransactionDate: time.Now().UTC(),
		Amount:          money(amount),
		Communication:   "+++" + number + "+++",
		ImportBatchID:   "demo",
	})
	return err
}

func loadExactPayment(ctx context.Context, e *ledger.Engine) error {
	if err := createInvoice(ctx, e, "parent-a", "INV-DEMO-A", 100); err != nil {
		return err
	}
	return payInvoice(ctx, e, "INV-DEMO-A", 100)
}

func loadOverpayment(ctx context.Context, e *ledger.Engine) error {
	if err := createInvoice(ctx, e, "parent-b", "INV-DEMO-B", 100); err != nil {
		return err
	}
	return payInvoice(ctx, e, "INV-DEMO-B", 130)
}

func loadSharedInvoice(ctx context.Context, e *ledger.Engine) error {
	if err := e.SaveSession(ctx, ledger.Session{ID: "swim-spring", Name: "Swimming, spring", Capacity: 12}); err != nil {
		return err
	}
	var regs []ledger.RegistrationID
	for _, kid := range []string{"kid-1", "kid-2"} {
		reg, err := e.AddRegistration(ctx, ledger.NewRegistration{
			UserID:     "parent-c",
			KidID:      kid,
			SessionID:  "swim-spring",
			ActivityID: "swimming",
			Price:      money(50),
		})
		if err != nil {
			return err
		}
		regs = append(regs, reg.ID)
	}
	if err := createInvoice(ctx, e, "parent-c", "INV-DEMO-C", 100, regs...); err != nil {
		return err
	}
	if err := payInvoice(ctx, e, "INV-DEMO-C", 100); err != nil {
		return err
	}
	req, err := e.SubmitCancellation(ctx, regs[0], "moving away")
	if err != nil {
		return err
	}
	_, err = e.ApproveCancellation(ctx, ledger.Approval{
		RequestID:  req.ID,
		RefundType: ledger.RefundFull,
		AdminNotes: "demo",
	})
	return err
}

func loadStandingCredit(ctx context.Context, e *ledger.Engine) error {
	if _, err := e.GrantProvision(ctx, "parent-d", money(40), "goodwill"); err != nil {
		return err
	}
	if err := createInvoice(ctx, e, "parent-d", "INV-DEMO-D", 100); err != nil {
		return err
	}
	// No-op when invoice creation already applied the credit.
	_, err := e.ApplyProvisions(ctx, "parent-d")
	return err
}

func loadInstallments(ctx context.Context, e *ledger.Engine) error {
	if err := createInvoice(ctx, e, "parent-e", "INV-DEMO-E", 100); err != nil {
		return err
	}
	if err := payInvoice(ctx, e, "INV-DEMO-E", 60); err != nil {
		return err
	}
	return payInvoice(ctx, e, "INV-DEMO-E", 60)
}
