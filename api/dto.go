/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts are decimal.Decimal, which encodes as a JSON string ("100.50")
  and decodes from either a string or a number. Never float64.

VALIDATION:
  Request types carry go-playground/validator tags. Handlers run
  validate.Struct after decoding; amount semantics (positive, in range)
  are enforced by the engine and surface as 400.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/reconcile-engine/ledger"
)

const dateLayout = "2006-01-02"

// =============================================================================
// REQUESTS
// =============================================================================

type CreateInvoiceRequest struct {
	UserID          string          `json:"user_id" validate:"required"`
	InvoiceNumber   string          `json:"invoice_number" validate:"omitempty,max=64"`
	Communication   string          `json:"communication" validate:"max=256"`
	Amount          decimal.Decimal `json:"amount"`
	DueDate         string          `json:"due_date" validate:"omitempty,datetime=2006-01-02"`
	RegistrationIDs []string        `json:"registration_ids" validate:"dive,required"`
}

type ImportTransactionRequest struct {
	TransactionDate        string          `json:"transaction_date" validate:"required,datetime=2006-01-02"`
	Amount                 decimal.Decimal `json:"amount"`
	Communication          string          `json:"communication" validate:"max=256"`
	ExtractedInvoiceNumber string          `json:"extracted_invoice_number" validate:"max=64"`
	ImportBatchID          string          `json:"import_batch_id"`
	RawFilePath            string          `json:"raw_file_path"`
}

type LinkTransactionRequest struct {
	InvoiceNumber string `json:"invoice_number" validate:"required"`
}

type IssueCreditNoteRequest struct {
	InvoiceNumber  string          `json:"invoice_number" validate:"required"`
	RegistrationID string          `json:"registration_id"`
	Amount         decimal.Decimal `json:"amount"`
	Reason         string          `json:"reason" validate:"required,max=512"`
}

type GrantProvisionRequest struct {
	UserID string          `json:"user_id" validate:"required"`
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason" validate:"required,max=512"`
}

type SubmitCancellationRequest struct {
	RegistrationID string `json:"registration_id" validate:"required"`
	Reason         string `json:"reason" validate:"max=1024"`
}

type ApproveCancellationRequest struct {
	RefundType     string           `json:"refund_type" validate:"required,oneof=full partial none"`
	AdminNotes     string           `json:"admin_notes" validate:"max=1024"`
	PartialPercent *decimal.Decimal `json:"partial_percent,omitempty"`
}

type RejectCancellationRequest struct {
	AdminNotes string `json:"admin_notes" validate:"max=1024"`
}

type SaveSessionRequest struct {
	ID       string `json:"id" validate:"required"`
	Name     string `json:"name" validate:"required"`
	Capacity int    `json:"capacity" validate:"gte=0"`
}

type AddRegistrationRequest struct {
	UserID     string          `json:"user_id" validate:"required"`
	KidID      string          `json:"kid_id" validate:"required"`
	SessionID  string          `json:"session_id"`
	ActivityID string          `json:"activity_id"`
	Price      decimal.Decimal `json:"price"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type InvoiceDTO struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	InvoiceNumber   string          `json:"invoice_number"`
	Communication   string          `json:"communication,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	TotalPayments   decimal.Decimal `json:"total_payments"`
	Status          string          `json:"status"`
	DueDate         *string         `json:"due_date,omitempty"`
	PaidAt          *string         `json:"paid_at,omitempty"`
	RegistrationIDs []string        `json:"registration_ids"`
	CreatedAt       string          `json:"created_at"`
}

type TransactionDTO struct {
	ID                     string          `json:"id"`
	TransactionDate        string          `json:"transaction_date"`
	Amount                 decimal.Decimal `json:"amount"`
	Communication          string          `json:"communication"`
	ExtractedInvoiceNumber string          `json:"extracted_invoice_number,omitempty"`
	InvoiceID              string          `json:"invoice_id,omitempty"`
	Status                 string          `json:"status"`
	ImportBatchID          string          `json:"import_batch_id,omitempty"`
	RawFilePath            string          `json:"raw_file_path,omitempty"`
}

type CreditNoteDTO struct {
	ID               string          `json:"id"`
	CreditNoteNumber string          `json:"credit_note_number"`
	UserID           string          `json:"user_id"`
	Amount           decimal.Decimal `json:"amount"`
	Type             string          `json:"type"`
	Status           string          `json:"status"`
	InvoiceNumber    string          `json:"invoice_number,omitempty"`
	RegistrationID   string          `json:"registration_id,omitempty"`
	Reason           string          `json:"reason,omitempty"`
	CreatedAt        string          `json:"created_at"`
}

type ProvisionDTO struct {
	ID                      string          `json:"id"`
	UserID                  string          `json:"user_id"`
	Type                    string          `json:"type"`
	Status                  string          `json:"status"`
	AmountInitial           decimal.Decimal `json:"amount_initial"`
	AmountRemaining         decimal.Decimal `json:"amount_remaining"`
	AmountReversed          decimal.Decimal `json:"amount_reversed"`
	AmountRefunded          decimal.Decimal `json:"amount_refunded"`
	SourceInvoiceID         string          `json:"source_invoice_id,omitempty"`
	SourceBankTransactionID string          `json:"source_bank_transaction_id,omitempty"`
	SourceCreditNoteID      string          `json:"source_credit_note_id,omitempty"`
	Reason                  string          `json:"reason,omitempty"`
	CreatedAt               string          `json:"created_at"`
}

type ApplicationDTO struct {
	ID          string          `json:"id"`
	ProvisionID string          `json:"provision_id"`
	InvoiceID   string          `json:"invoice_id"`
	Amount      decimal.Decimal `json:"amount"`
	CreatedAt   string          `json:"created_at"`
}

type PaymentSummaryDTO struct {
	Invoice          InvoiceDTO       `json:"invoice"`
	EffectiveStatus  string           `json:"effective_status"`
	Transactions     []TransactionDTO `json:"transactions"`
	CreditNotes      []CreditNoteDTO  `json:"credit_notes"`
	Applications     []ApplicationDTO `json:"applications"`
	Provisions       []ProvisionDTO   `json:"provisions"`
	TransactionTotal decimal.Decimal  `json:"transaction_total"`
	AppliedTotal     decimal.Decimal  `json:"applied_total"`
	TotalPayments    decimal.Decimal  `json:"total_payments"`
	TotalCredits     decimal.Decimal  `json:"total_credits"`
	NetDue           decimal.Decimal  `json:"net_due"`
	Balance          decimal.Decimal  `json:"balance"`
	CacheInSync      bool             `json:"cache_in_sync"`
}

type ApplyResultDTO struct {
	TotalApplied    decimal.Decimal `json:"total_applied"`
	InvoicesTouched []string        `json:"invoices_touched"`
}

type CancellationRequestDTO struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	RegistrationID string          `json:"registration_id"`
	Status         string          `json:"status"`
	RefundType     string          `json:"refund_type,omitempty"`
	RefundAmount   decimal.Decimal `json:"refund_amount"`
	Reason         string          `json:"reason,omitempty"`
	AdminNotes     string          `json:"admin_notes,omitempty"`
	CreditNoteID   string          `json:"credit_note_id,omitempty"`
	ProcessedAt    *string         `json:"processed_at,omitempty"`
	CreatedAt      string          `json:"created_at"`
}

type RegistrationDTO struct {
	ID                 string          `json:"id"`
	UserID             string          `json:"user_id"`
	KidID              string          `json:"kid_id"`
	SessionID          string          `json:"session_id,omitempty"`
	InvoiceID          string          `json:"invoice_id,omitempty"`
	Price              decimal.Decimal `json:"price"`
	AmountPaid         decimal.Decimal `json:"amount_paid"`
	PaymentStatus      string          `json:"payment_status"`
	CancellationStatus string          `json:"cancellation_status,omitempty"`
}

type ApprovalResultDTO struct {
	Request       CancellationRequestDTO `json:"request"`
	RefundAmount  decimal.Decimal        `json:"refund_amount"`
	CreditNote    *CreditNoteDTO         `json:"credit_note,omitempty"`
	Registrations []RegistrationDTO      `json:"registrations"`
}

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func toInvoiceDTO(inv ledger.Invoice) InvoiceDTO {
	dto := InvoiceDTO{
		ID:              string(inv.ID),
		UserID:          string(inv.UserID),
		InvoiceNumber:   inv.InvoiceNumber,
		Communication:   inv.Communication,
		Amount:          inv.Amount,
		TotalPayments:   inv.TotalPayments,
		Status:          string(inv.Status),
		PaidAt:          formatTimePtr(inv.PaidAt),
		RegistrationIDs: make([]string, len(inv.RegistrationIDs)),
		CreatedAt:       formatTime(inv.CreatedAt),
	}
	if inv.DueDate != nil {
		d := inv.DueDate.Format(dateLayout)
		dto.DueDate = &d
	}
	for i, id := range inv.RegistrationIDs {
		dto.RegistrationIDs[i] = string(id)
	}
	return dto
}

func toTransactionDTO(tx ledger.BankTransaction) TransactionDTO {
	return TransactionDTO{
		ID:                     string(tx.ID),
		TransactionDate:        tx.TransactionDate.Format(dateLayout),
		Amount:                 tx.Amount,
		Communication:          tx.Communication,
		ExtractedInvoiceNumber: tx.ExtractedInvoiceNumber,
		InvoiceID:              string(tx.InvoiceID),
		Status:                 string(tx.Status),
		ImportBatchID:          tx.ImportBatchID,
		RawFilePath:            tx.RawFilePath,
	}
}

func toCreditNoteDTO(n ledger.CreditNote) CreditNoteDTO {
	return CreditNoteDTO{
		ID:               string(n.ID),
		CreditNoteNumber: n.CreditNoteNumber,
		UserID:           string(n.UserID),
		Amount:           n.Amount,
		Type:             string(n.Type),
		Status:           string(n.Status),
		InvoiceNumber:    n.InvoiceNumber,
		RegistrationID:   string(n.RegistrationID),
		Reason:           n.Reason,
		CreatedAt:        formatTime(n.CreatedAt),
	}
}

func toProvisionDTO(p ledger.UserProvision) ProvisionDTO {
	return ProvisionDTO{
		ID:                      string(p.ID),
		UserID:                  string(p.UserID),
		Type:                    string(p.Type),
		Status:                  string(p.Status),
		AmountInitial:           p.AmountInitial,
		AmountRemaining:         p.AmountRemaining,
		AmountReversed:          p.AmountReversed,
		AmountRefunded:          p.AmountRefunded,
		SourceInvoiceID:         string(p.SourceInvoiceID),
		SourceBankTransactionID: string(p.SourceBankTransactionID),
		SourceCreditNoteID:      string(p.SourceCreditNoteID),
		Reason:                  p.Reason,
		CreatedAt:               formatTime(p.CreatedAt),
	}
}

func toProvisionDTOs(ps []ledger.UserProvision) []ProvisionDTO {
	out := make([]ProvisionDTO, len(ps))
	for i, p := range ps {
		out[i] = toProvisionDTO(p)
	}
	return out
}

func toSummaryDTO(s ledger.PaymentSummary) PaymentSummaryDTO {
	dto := PaymentSummaryDTO{
		Invoice:          toInvoiceDTO(s.Invoice),
		EffectiveStatus:  string(s.EffectiveStatus),
		Transactions:     make([]TransactionDTO, len(s.Transactions)),
		CreditNotes:      make([]CreditNoteDTO, len(s.CreditNotes)),
		Applications:     make([]ApplicationDTO, len(s.Applications)),
		Provisions:       toProvisionDTOs(s.Provisions),
		TransactionTotal: s.TransactionTotal,
		AppliedTotal:     s.AppliedTotal,
		TotalPayments:    s.TotalPayments,
		TotalCredits:     s.TotalCredits,
		NetDue:           s.NetDue,
		Balance:          s.Balance,
		CacheInSync:      s.CacheInSync,
	}
	for i, tx := range s.Transactions {
		dto.Transactions[i] = toTransactionDTO(tx)
	}
	for i, n := range s.CreditNotes {
		dto.CreditNotes[i] = toCreditNoteDTO(n)
	}
	for i, a := range s.Applications {
		dto.Applications[i] = ApplicationDTO{
			ID:          string(a.ID),
			ProvisionID: string(a.ProvisionID),
			InvoiceID:   string(a.InvoiceID),
			Amount:      a.Amount,
			CreatedAt:   formatTime(a.CreatedAt),
		}
	}
	return dto
}

func toCancellationRequestDTO(r ledger.CancellationRequest) CancellationRequestDTO {
	return CancellationRequestDTO{
		ID:             string(r.ID),
		UserID:         string(r.UserID),
		RegistrationID: string(r.RegistrationID),
		Status:         string(r.Status),
		RefundType:     string(r.RefundType),
		RefundAmount:   r.RefundAmount,
		Reason:         r.Reason,
		AdminNotes:     r.AdminNotes,
		CreditNoteID:   r.CreditNoteID,
		ProcessedAt:    formatTimePtr(r.ProcessedAt),
		CreatedAt:      formatTime(r.CreatedAt),
	}
}

func toRegistrationDTO(r ledger.Registration) RegistrationDTO {
	return RegistrationDTO{
		ID:                 string(r.ID),
		UserID:             string(r.UserID),
		KidID:              r.KidID,
		SessionID:          string(r.SessionID),
		InvoiceID:          string(r.InvoiceID),
		Price:              r.Price,
		AmountPaid:         r.AmountPaid,
		PaymentStatus:      string(r.PaymentStatus),
		CancellationStatus: string(r.CancellationStatus),
	}
}

func toApprovalResultDTO(res ledger.ApprovalResult) ApprovalResultDTO {
	dto := ApprovalResultDTO{
		Request:       toCancellationRequestDTO(res.Request),
		RefundAmount:  res.RefundAmount,
		Registrations: make([]RegistrationDTO, len(res.Registrations)),
	}
	if res.CreditNote != nil {
		n := toCreditNoteDTO(*res.CreditNote)
		dto.CreditNote = &n
	}
	for i, r := range res.Registrations {
		dto.Registrations[i] = toRegistrationDTO(r)
	}
	return dto
}
