/*
store.go - Persistence interface for the four ledgers

PURPOSE:
  Defines the interface between reconciliation logic and the database.
  Implementations persist rows; they never derive status or totals. All
  derivation lives in the Reconciler.

KEY INTERFACES:
  Store:   Row-level reads and writes for every ledger entity
  TxStore: Runs a unit of work inside one database transaction

NOT-FOUND CONVENTION:
  Single-row getters return (nil, nil) when the row does not exist. The
  engine turns that into a NotFoundError with the key the caller used.

ORDERING:
  List methods that feed FIFO allocation return rows oldest-created first,
  ties broken by insertion order.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite (also the test store, with ":memory:")

SEE ALSO:
  - engine.go: Wraps every public operation in TxStore.WithTx
*/
package ledger

import (
	"context"
	"errors"
)

// =============================================================================
// STORE - Row persistence
// =============================================================================

type Store interface {
	InvoiceStore
	TransactionStore
	CreditNoteStore
	ProvisionStore
	RegistrationStore
	CancellationStore
	SequenceStore
}

type InvoiceStore interface {
	InsertInvoice(ctx context.Context, inv Invoice) error
	GetInvoice(ctx context.Context, id InvoiceID) (*Invoice, error)
	GetInvoiceByNumber(ctx context.Context, number string) (*Invoice, error)

	// FindPendingInvoiceByReference returns the oldest pending invoice whose
	// communication or invoice number equals ref exactly.
	FindPendingInvoiceByReference(ctx context.Context, ref string) (*Invoice, error)

	UpdateInvoice(ctx context.Context, inv Invoice) error
	ListPendingInvoices(ctx context.Context) ([]Invoice, error)
	ListPendingInvoicesByUser(ctx context.Context, userID UserID) ([]Invoice, error)
}

type TransactionStore interface {
	InsertTransaction(ctx context.Context, tx BankTransaction) error
	GetTransaction(ctx context.Context, id TransactionID) (*BankTransaction, error)
	UpdateTransaction(ctx context.Context, tx BankTransaction) error
	ListTransactionsByInvoice(ctx context.Context, invoiceID InvoiceID) ([]BankTransaction, error)

	// HasFileBeenProcessed reports whether any transaction was imported from path.
	HasFileBeenProcessed(ctx context.Context, path string) (bool, error)
}

type CreditNoteStore interface {
	InsertCreditNote(ctx context.Context, note CreditNote) error
	GetCreditNote(ctx context.Context, id CreditNoteID) (*CreditNote, error)
	UpdateCreditNote(ctx context.Context, note CreditNote) error
	ListCreditNotesByInvoice(ctx context.Context, invoiceID InvoiceID) ([]CreditNote, error)
}

type ProvisionStore interface {
	InsertProvision(ctx context.Context, p UserProvision) error
	GetProvision(ctx context.Context, id ProvisionID) (*UserProvision, error)
	UpdateProvision(ctx context.Context, p UserProvision) error
	ListProvisionsByUser(ctx context.Context, userID UserID) ([]UserProvision, error)
	ListProvisionsBySourceTransaction(ctx context.Context, txID TransactionID) ([]UserProvision, error)
	ListProvisionsBySourceInvoice(ctx context.Context, invoiceID InvoiceID) ([]UserProvision, error)

	InsertApplication(ctx context.Context, a ProvisionApplication) error
	ListApplicationsByInvoice(ctx context.Context, invoiceID InvoiceID) ([]ProvisionApplication, error)
	ListApplicationsByProvision(ctx context.Context, provisionID ProvisionID) ([]ProvisionApplication, error)
}

// RegistrationStore is the slice of the registration module the core reads
// and writes. RecountSession is the collaborator's capacity hook.
type RegistrationStore interface {
	SaveRegistration(ctx context.Context, r Registration) error
	GetRegistration(ctx context.Context, id RegistrationID) (*Registration, error)
	ListRegistrationsByInvoice(ctx context.Context, invoiceID InvoiceID) ([]Registration, error)
	SaveSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id SessionID) (*Session, error)
	RecountSession(ctx context.Context, id SessionID) error
}

type CancellationStore interface {
	InsertCancellationRequest(ctx context.Context, r CancellationRequest) error
	GetCancellationRequest(ctx context.Context, id CancellationRequestID) (*CancellationRequest, error)
	GetCancellationRequestByRegistration(ctx context.Context, id RegistrationID) (*CancellationRequest, error)
	UpdateCancellationRequest(ctx context.Context, r CancellationRequest) error
}

// SequenceStore issues per-(kind, year) counters. NextSequence must be an
// atomic increment: two concurrent callers never receive the same value.
type SequenceStore interface {
	NextSequence(ctx context.Context, kind SequenceKind, year int) (int64, error)
}

// =============================================================================
// TRANSACTIONAL STORE - One unit of work per public operation
// =============================================================================

// TxStore wraps Store with transaction support.
// If fn returns error, the transaction is rolled back; otherwise committed.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}

// ErrStoreConflict is returned by stores when a uniqueness constraint fails.
var ErrStoreConflict = errors.New("store: unique constraint violated")
