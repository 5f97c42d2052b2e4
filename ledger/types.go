/*
Package ledger provides the financial reconciliation engine.

PURPOSE:
  This package keeps four money ledgers mutually consistent:
  invoices (money owed), bank transactions (money received), credit notes
  (money refunded) and user provisions (money held in trust). Every
  mutation path ends in a single reconciliation entry point that recomputes
  an invoice's cached totals and status.

KEY CONCEPTS IN THIS FILE (types.go):
  - Invoice: One bill owed by one user, covering one or more registrations
  - BankTransaction: One imported payment-file line
  - CreditNote: A refund or credit instrument issued against an invoice
  - UserProvision: A credit balance owned by a user
  - ProvisionApplication: One allocation of a provision to an invoice
  - CancellationRequest: A request to cancel one registration
  - Registration/Session: The parts of the registration module the core touches

DESIGN PRINCIPLES:
  1. Precision: All money is decimal.Decimal, never rounded inside the core
  2. Type Safety: Every identifier has its own type; invoice numbers are a
     separate field, never compared against row IDs
  3. Caches are not truth: Invoice.TotalPayments is always recomputable

SEE ALSO:
  - store.go: Persistence interfaces
  - reconciler.go: The only writer of invoice status and totals
  - engine.go: Public operations
*/
package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type InvoiceID string
type TransactionID string
type CreditNoteID string
type ProvisionID string
type ApplicationID string
type RegistrationID string
type SessionID string
type CancellationRequestID string

func newID() string { return uuid.NewString() }

// =============================================================================
// INVOICE
// =============================================================================

type InvoiceStatus string

const (
	InvoicePending   InvoiceStatus = "pending"
	InvoicePaid      InvoiceStatus = "paid"
	InvoiceCancelled InvoiceStatus = "cancelled"

	// InvoiceOverdue is never stored. See Invoice.EffectiveStatus.
	InvoiceOverdue InvoiceStatus = "overdue"
)

type Invoice struct {
	ID            InvoiceID
	UserID        UserID
	InvoiceNumber string
	Communication string // structured payment reference printed on the bill
	Amount        decimal.Decimal

	// TotalPayments caches linked transaction amounts plus provision
	// applications. Only the Reconciler writes it.
	TotalPayments decimal.Decimal

	Status          InvoiceStatus
	DueDate         *time.Time
	PaidAt          *time.Time
	RegistrationIDs []RegistrationID

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EffectiveStatus derives overdue from a pending invoice whose due date has passed.
func (i Invoice) EffectiveStatus(now time.Time) InvoiceStatus {
	if i.Status == InvoicePending && i.DueDate != nil && i.DueDate.Before(now) {
		return InvoiceOverdue
	}
	return i.Status
}

// =============================================================================
// BANK TRANSACTION
// =============================================================================

type TransactionStatus string

const (
	TxUnmatched        TransactionStatus = "unmatched"
	TxMatched          TransactionStatus = "matched"
	TxPartiallyMatched TransactionStatus = "partially_matched"
	TxOverpaid         TransactionStatus = "overpaid"
	TxIgnored          TransactionStatus = "ignored"
)

// Contributes reports whether a transaction in this status counts toward
// an invoice's payments.
func (s TransactionStatus) Contributes() bool {
	return s == TxMatched || s == TxPartiallyMatched || s == TxOverpaid
}

type BankTransaction struct {
	ID                     TransactionID
	TransactionDate        time.Time
	Amount                 decimal.Decimal
	Communication          string
	ExtractedInvoiceNumber string
	InvoiceID              InvoiceID // empty unless Status.Contributes()
	Status                 TransactionStatus
	ImportBatchID          string
	RawFilePath            string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// CREDIT NOTE
// =============================================================================

type CreditNoteType string

const (
	CreditCancellation      CreditNoteType = "cancellation"
	CreditOverpayment       CreditNoteType = "overpayment"
	CreditAdminManualCredit CreditNoteType = "admin_manual_credit"
)

// ReducesBilling reports whether notes of this type lower what an invoice bills.
// Overpayment notes document money owed back and do not.
func (t CreditNoteType) ReducesBilling() bool {
	return t == CreditCancellation || t == CreditAdminManualCredit
}

type CreditNoteStatus string

const (
	CreditIssued CreditNoteStatus = "issued"
	CreditSent   CreditNoteStatus = "sent"
)

type CreditNote struct {
	ID                    CreditNoteID
	UserID                UserID
	CreditNoteNumber      string
	Amount                decimal.Decimal
	Type                  CreditNoteType
	Status                CreditNoteStatus
	InvoiceID             InvoiceID
	InvoiceNumber         string
	RegistrationID        RegistrationID // empty when consolidated
	CancellationRequestID CancellationRequestID
	SourceTransactionID   TransactionID
	Reason                string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CountsTowardBilling reports whether the note is part of an invoice's total credits.
// A sent note is still issued; sending is only a delivery bump.
func (c CreditNote) CountsTowardBilling() bool {
	return c.Type.ReducesBilling() && (c.Status == CreditIssued || c.Status == CreditSent)
}

// =============================================================================
// USER PROVISION
// =============================================================================

type ProvisionType string

const (
	ProvisionOverpayment       ProvisionType = "overpayment"
	ProvisionCreditNoteRefund  ProvisionType = "credit_note_refund"
	ProvisionAdminManualCredit ProvisionType = "admin_manual_credit"
)

type ProvisionStatus string

const (
	ProvisionAvailable        ProvisionStatus = "available"
	ProvisionPartiallyApplied ProvisionStatus = "partially_applied"
	ProvisionFullyApplied     ProvisionStatus = "fully_applied"
	ProvisionRefundRequested  ProvisionStatus = "refund_requested"
	ProvisionRefunded         ProvisionStatus = "refunded"
)

// Active reports whether the provision can still be applied to invoices.
func (s ProvisionStatus) Active() bool {
	return s == ProvisionAvailable || s == ProvisionPartiallyApplied
}

type UserProvision struct {
	ID              ProvisionID
	UserID          UserID
	AmountInitial   decimal.Decimal
	AmountRemaining decimal.Decimal

	// AmountReversed left the provision because its source transaction was
	// dissociated. AmountRefunded was paid back out to the user.
	AmountReversed decimal.Decimal
	AmountRefunded decimal.Decimal

	Type                    ProvisionType
	Status                  ProvisionStatus
	SourceInvoiceID         InvoiceID
	SourceBankTransactionID TransactionID
	SourceCreditNoteID      CreditNoteID
	Reason                  string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Effective is the part of the provision still backed by money received:
// applied, remaining or refunded.
func (p UserProvision) Effective() decimal.Decimal {
	return p.AmountInitial.Sub(p.AmountReversed)
}

// settle recomputes status from amounts. Refund states are left alone.
func (p *UserProvision) settle() {
	if p.Status == ProvisionRefundRequested || p.Status == ProvisionRefunded {
		return
	}
	switch {
	case !p.AmountRemaining.IsPositive():
		p.Status = ProvisionFullyApplied
	case p.AmountRemaining.LessThan(p.AmountInitial):
		p.Status = ProvisionPartiallyApplied
	default:
		p.Status = ProvisionAvailable
	}
}

// ProvisionApplication records one allocation of a provision to an invoice.
type ProvisionApplication struct {
	ID          ApplicationID
	ProvisionID ProvisionID
	InvoiceID   InvoiceID
	Amount      decimal.Decimal
	CreatedAt   time.Time
}

// =============================================================================
// REGISTRATIONS & SESSIONS (collaborator view)
// =============================================================================

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentPaid      PaymentStatus = "paid"
	PaymentCancelled PaymentStatus = "cancelled"
)

type CancellationStatus string

const (
	CancellationNone       CancellationStatus = ""
	CancelledFullRefund    CancellationStatus = "cancelled_full_refund"
	CancelledPartialRefund CancellationStatus = "cancelled_partial_refund"
	CancelledNoRefund      CancellationStatus = "cancelled_no_refund"
)

type Registration struct {
	ID                 RegistrationID
	UserID             UserID
	KidID              string
	SessionID          SessionID
	ActivityID         string
	InvoiceID          InvoiceID
	Price              decimal.Decimal
	AmountPaid         decimal.Decimal
	PaymentStatus      PaymentStatus
	CancellationStatus CancellationStatus
	CreatedAt          time.Time
}

type Session struct {
	ID                  SessionID
	Name                string
	Capacity            int
	ActiveRegistrations int
}

// =============================================================================
// CANCELLATION REQUEST
// =============================================================================

type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestRejected RequestStatus = "rejected"
)

type RefundType string

const (
	RefundFull    RefundType = "full"
	RefundPartial RefundType = "partial"
	RefundNone    RefundType = "none"
)

func (r RefundType) Valid() bool {
	return r == RefundFull || r == RefundPartial || r == RefundNone
}

// CancellationStatus maps a refund type to the registration outcome it produces.
func (r RefundType) CancellationStatus() CancellationStatus {
	switch r {
	case RefundFull:
		return CancelledFullRefund
	case RefundPartial:
		return CancelledPartialRefund
	default:
		return CancelledNoRefund
	}
}

type CancellationRequest struct {
	ID             CancellationRequestID
	UserID         UserID
	RegistrationID RegistrationID
	KidID          string
	ActivityID     string
	Status         RequestStatus
	RefundType     RefundType // set on approval
	RefundAmount   decimal.Decimal
	Reason         string
	AdminNotes     string
	CreditNoteID   string // human number of the issued note
	ProcessedAt    *time.Time
	CreatedAt      time.Time
}

// =============================================================================
// SUBSCRIBERS
// =============================================================================

// Subscriber is a newsletter address. It shares the database, not the engine.
type Subscriber struct {
	Email     string
	CreatedAt time.Time
}
