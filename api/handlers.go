/*
handlers.go - HTTP API handlers for the reconciliation engine

PURPOSE:
  Exposes the ledger engine to operators via a REST API. Handles HTTP
  request/response, JSON serialization and validation, and delegates every
  mutation to a single ledger.Engine call (one unit of work per request).

ENDPOINTS:
  Invoices:
    POST   /api/invoices                          Create invoice
    GET    /api/invoices/{number}/summary         Payment summary
    POST   /api/invoices/{number}/reconcile       Recompute one invoice
    POST   /api/reconcile/pending                 Sweep all pending invoices
    GET    /api/reconcile/runs                    Recent sweeps

  Transactions:
    POST   /api/transactions                      Import one bank line
    POST   /api/transactions/{id}/link            Manual match
    POST   /api/transactions/{id}/disassociate    Unlink
    POST   /api/transactions/{id}/ignore          Not a payment
    GET    /api/imports/processed?path=           Import dedup check

  Credit notes / provisions:
    POST   /api/credit-notes                      Admin manual credit
    POST   /api/credit-notes/{id}/sent            Record delivery
    GET    /api/users/{id}/provisions             List credit
    POST   /api/users/{id}/provisions/apply       Spend credit on open invoices
    POST   /api/provisions                        Grant credit
    POST   /api/provisions/{id}/refund-request
    POST   /api/provisions/{id}/refunded

  Cancellations:
    POST   /api/cancellations                     Submit request
    POST   /api/cancellations/{id}/approve
    POST   /api/cancellations/{id}/reject

ERROR HANDLING:
  Ledger errors map to HTTP status by category:
  - 400: Malformed body, validation, ErrInvalidInput
  - 404: ErrNotFound
  - 409: ErrInvalidState (includes duplicate imports)
  - 422: ErrInvariantViolation
  - 500: Anything else (logged)

SECURITY NOTE:
  No authentication middleware. The API is meant for an internal operator
  network only.

SEE ALSO:
  - dto.go: Request/response data structures
  - newsletter.go, scenarios.go: Non-ledger endpoints
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/warp/reconcile-engine/ledger"
	"github.com/warp/reconcile-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine      *ledger.Engine
	Store       *sqlite.Store
	Subscribers Subscribers
	Runs        *RunLog

	log      zerolog.Logger
	validate *validator.Validate

	mu              sync.Mutex
	currentScenario string
}

func NewHandler(engine *ledger.Engine, store *sqlite.Store, log zerolog.Logger) *Handler {
	return &Handler{
		Engine:      engine,
		Store:       store,
		Subscribers: store,
		Runs:        NewRunLog(20),
		log:         log,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

// =============================================================================
// INVOICES
// =============================================================================

func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req CreateInvoiceRequest
	if !h.decode(w, r, &req) {
		return
	}

	in := ledger.NewInvoice{
		UserID:        ledger.UserID(req.UserID),
		InvoiceNumber: req.InvoiceNumber,
		Communication: req.Communication,
		Amount:        req.Amount,
	}
	if req.DueDate != "" {
		due, _ := time.Parse(dateLayout, req.DueDate) // format checked by validator
		in.DueDate = &due
	}
	for _, id := range req.RegistrationIDs {
		in.RegistrationIDs = append(in.RegistrationIDs, ledger.RegistrationID(id))
	}

	inv, err := h.Engine.CreateInvoice(r.Context(), in)
	if err != nil {
		h.writeLedgerError(w, "Failed to create invoice", err)
		return
	}
	writeJSON(w, http.StatusCreated, toInvoiceDTO(*inv))
}

func (h *Handler) GetPaymentSummary(w http.ResponseWriter, r *http.Request) {
	s, err := h.Engine.GetInvoicePaymentSummary(r.Context(), chi.URLParam(r, "number"))
	if err != nil {
		h.writeLedgerError(w, "Failed to load payment summary", err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTO(*s))
}

func (h *Handler) ReconcileInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Engine.Reconcile(r.Context(), chi.URLParam(r, "number"))
	if err != nil {
		h.writeLedgerError(w, "Failed to reconcile invoice", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(*inv))
}

// ReconcilePending runs a sweep on demand and records it next to the
// scheduler's runs.
func (h *Handler) ReconcilePending(w http.ResponseWriter, r *http.Request) {
	run := Sweep(r.Context(), h.Engine, "manual")
	h.Runs.Add(run)
	if run.Error != "" {
		writeError(w, http.StatusInternalServerError, "Failed to reconcile pending invoices", errors.New(run.Error))
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handler) ListReconciliationRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Runs.List())
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (h *Handler) ImportTransaction(w http.ResponseWriter, r *http.Request) {
	var req ImportTransactionRequest
	if !h.decode(w, r, &req) {
		return
	}
	date, _ := time.Parse(dateLayout, req.TransactionDate)

	tx, err := h.Engine.ImportTransaction(r.Context(), ledger.NewTransaction{
		TransactionDate:        date,
		Amount:                 req.Amount,
		Communication:          req.Communication,
		ExtractedInvoiceNumber: req.ExtractedInvoiceNumber,
		ImportBatchID:          req.ImportBatchID,
		RawFilePath:            req.RawFilePath,
	})
	if err != nil {
		h.writeLedgerError(w, "Failed to import transaction", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(*tx))
}

func (h *Handler) LinkTransaction(w http.ResponseWriter, r *http.Request) {
	var req LinkTransactionRequest
	if !h.decode(w, r, &req) {
		return
	}
	tx, err := h.Engine.LinkTransaction(r.Context(), transactionID(r), req.InvoiceNumber)
	if err != nil {
		h.writeLedgerError(w, "Failed to link transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(*tx))
}

func (h *Handler) DisassociateTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.Engine.DisassociateTransaction(r.Context(), transactionID(r))
	if err != nil {
		h.writeLedgerError(w, "Failed to disassociate transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(*tx))
}

func (h *Handler) IgnoreTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.Engine.IgnoreTransaction(r.Context(), transactionID(r))
	if err != nil {
		h.writeLedgerError(w, "Failed to ignore transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(*tx))
}

func (h *Handler) FileProcessed(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	done, err := h.Engine.HasFileBeenProcessed(r.Context(), path)
	if err != nil {
		h.writeLedgerError(w, "Failed to check import", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": path, "processed": done})
}

// =============================================================================
// CREDIT NOTES
// =============================================================================

func (h *Handler) IssueCreditNote(w http.ResponseWriter, r *http.Request) {
	var req IssueCreditNoteRequest
	if !h.decode(w, r, &req) {
		return
	}
	note, err := h.Engine.IssueCreditNote(r.Context(), ledger.NewCreditNote{
		InvoiceNumber:  req.InvoiceNumber,
		RegistrationID: ledger.RegistrationID(req.RegistrationID),
		Amount:         req.Amount,
		Reason:         req.Reason,
	})
	if err != nil {
		h.writeLedgerError(w, "Failed to issue credit note", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCreditNoteDTO(*note))
}

func (h *Handler) MarkCreditNoteSent(w http.ResponseWriter, r *http.Request) {
	note, err := h.Engine.MarkCreditNoteSent(r.Context(), ledger.CreditNoteID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeLedgerError(w, "Failed to mark credit note sent", err)
		return
	}
	writeJSON(w, http.StatusOK, toCreditNoteDTO(*note))
}

// =============================================================================
// PROVISIONS
// =============================================================================

func (h *Handler) ListUserProvisions(w http.ResponseWriter, r *http.Request) {
	ps, err := h.Engine.ListUserProvisions(r.Context(), ledger.UserID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeLedgerError(w, "Failed to list provisions", err)
		return
	}
	writeJSON(w, http.StatusOK, toProvisionDTOs(ps))
}

func (h *Handler) ApplyProvisions(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.ApplyProvisions(r.Context(), ledger.UserID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeLedgerError(w, "Failed to apply provisions", err)
		return
	}
	dto := ApplyResultDTO{TotalApplied: res.TotalApplied, InvoicesTouched: make([]string, len(res.InvoicesTouched))}
	for i, id := range res.InvoicesTouched {
		dto.InvoicesTouched[i] = string(id)
	}
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) GrantProvision(w http.ResponseWriter, r *http.Request) {
	var req GrantProvisionRequest
	if !h.decode(w, r, &req) {
		return
	}
	p, err := h.Engine.GrantProvision(r.Context(), ledger.UserID(req.UserID), req.Amount, req.Reason)
	if err != nil {
		h.writeLedgerError(w, "Failed to grant provision", err)
		return
	}
	writeJSON(w, http.StatusCreated, toProvisionDTO(*p))
}

func (h *Handler) RequestProvisionRefund(w http.ResponseWriter, r *http.Request) {
	p, err := h.Engine.RequestProvisionRefund(r.Context(), ledger.ProvisionID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeLedgerError(w, "Failed to request refund", err)
		return
	}
	writeJSON(w, http.StatusOK, toProvisionDTO(*p))
}

func (h *Handler) MarkProvisionRefunded(w http.ResponseWriter, r *http.Request) {
	p, err := h.Engine.MarkProvisionRefunded(r.Context(), ledger.ProvisionID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeLedgerError(w, "Failed to mark refunded", err)
		return
	}
	writeJSON(w, http.StatusOK, toProvisionDTO(*p))
}

// =============================================================================
// CANCELLATIONS
// =============================================================================

func (h *Handler) SubmitCancellation(w http.ResponseWriter, r *http.Request) {
	var req SubmitCancellationRequest
	if !h.decode(w, r, &req) {
		return
	}
	cr, err := h.Engine.SubmitCancellation(r.Context(), ledger.RegistrationID(req.RegistrationID), req.Reason)
	if err != nil {
		h.writeLedgerError(w, "Failed to submit cancellation", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCancellationRequestDTO(*cr))
}

func (h *Handler) ApproveCancellation(w http.ResponseWriter, r *http.Request) {
	var req ApproveCancellationRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Engine.ApproveCancellation(r.Context(), ledger.Approval{
		RequestID:      ledger.CancellationRequestID(chi.URLParam(r, "id")),
		RefundType:     ledger.RefundType(req.RefundType),
		AdminNotes:     req.AdminNotes,
		PartialPercent: req.PartialPercent,
	})
	if err != nil {
		h.writeLedgerError(w, "Failed to approve cancellation", err)
		return
	}
	writeJSON(w, http.StatusOK, toApprovalResultDTO(*res))
}

func (h *Handler) RejectCancellation(w http.ResponseWriter, r *http.Request) {
	var req RejectCancellationRequest
	if !h.decode(w, r, &req) {
		return
	}
	cr, err := h.Engine.RejectCancellation(r.Context(), ledger.CancellationRequestID(chi.URLParam(r, "id")), req.AdminNotes)
	if err != nil {
		h.writeLedgerError(w, "Failed to reject cancellation", err)
		return
	}
	writeJSON(w, http.StatusOK, toCancellationRequestDTO(*cr))
}

// =============================================================================
// REGISTRATION COLLABORATOR
// =============================================================================

func (h *Handler) SaveSession(w http.ResponseWriter, r *http.Request) {
	var req SaveSessionRequest
	if !h.decode(w, r, &req) {
		return
	}
	s := ledger.Session{ID: ledger.SessionID(req.ID), Name: req.Name, Capacity: req.Capacity}
	if err := h.Engine.SaveSession(r.Context(), s); err != nil {
		h.writeLedgerError(w, "Failed to save session", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) AddRegistration(w http.ResponseWriter, r *http.Request) {
	var req AddRegistrationRequest
	if !h.decode(w, r, &req) {
		return
	}
	reg, err := h.Engine.AddRegistration(r.Context(), ledger.NewRegistration{
		UserID:     ledger.UserID(req.UserID),
		KidID:      req.KidID,
		SessionID:  ledger.SessionID(req.SessionID),
		ActivityID: req.ActivityID,
		Price:      req.Price,
	})
	if err != nil {
		h.writeLedgerError(w, "Failed to add registration", err)
		return
	}
	writeJSON(w, http.StatusCreated, toRegistrationDTO(*reg))
}

// Health pings the database.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Database unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func transactionID(r *http.Request) ledger.TransactionID {
	return ledger.TransactionID(chi.URLParam(r, "id"))
}

// decode reads and validates a JSON body. An empty body decodes as {}.
// On failure it has already written a 400 and returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", validationDetails(err))
		return false
	}
	return true
}

func validationDetails(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, len(verrs))
	for i, fe := range verrs {
		parts[i] = fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag())
	}
	return errors.New(strings.Join(parts, "; "))
}

// statusFor maps ledger error categories to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInvariantViolation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeLedgerError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Msg(message)
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
