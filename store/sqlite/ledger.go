package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/reconcile-engine/ledger"
)

// =============================================================================
// INVOICES (ledger.InvoiceStore interface)
// =============================================================================

const invoiceColumns = `id, user_id, invoice_number, communication, amount, total_payments,
	status, due_date, paid_at, created_at, updated_at`

func (s *queries) InsertInvoice(ctx context.Context, inv ledger.Invoice) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		inv.ID, inv.UserID, inv.InvoiceNumber, inv.Communication,
		inv.Amount, inv.TotalPayments, inv.Status,
		formatTimePtr(inv.DueDate), formatTimePtr(inv.PaidAt),
		formatTime(inv.CreatedAt), formatTime(inv.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrStoreConflict
		}
		return fmt.Errorf("failed to insert invoice: %w", err)
	}
	return nil
}

func (s *queries) GetInvoice(ctx context.Context, id ledger.InvoiceID) (*ledger.Invoice, error) {
	return s.getInvoice(ctx, "id = ?", id)
}

func (s *queries) GetInvoiceByNumber(ctx context.Context, number string) (*ledger.Invoice, error) {
	return s.getInvoice(ctx, "invoice_number = ?", number)
}

func (s *queries) FindPendingInvoiceByReference(ctx context.Context, ref string) (*ledger.Invoice, error) {
	return s.getInvoice(ctx, `status = 'pending' AND (communication = ? OR invoice_number = ?)
		ORDER BY created_at ASC, rowid ASC LIMIT 1`, ref, ref)
}

func (s *queries) getInvoice(ctx context.Context, where string, args ...any) (*ledger.Invoice, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+invoiceColumns+" FROM invoices WHERE "+where, args...)
	inv, err := scanInvoice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (s *queries) UpdateInvoice(ctx context.Context, inv ledger.Invoice) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE invoices
		SET communication = ?, amount = ?, total_payments = ?, status = ?,
		    due_date = ?, paid_at = ?, updated_at = ?
		WHERE id = ?
	`,
		inv.Communication, inv.Amount, inv.TotalPayments, inv.Status,
		formatTimePtr(inv.DueDate), formatTimePtr(inv.PaidAt), formatTime(inv.UpdatedAt),
		inv.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update invoice: %w", err)
	}
	return expectOneRow(res, "invoice", string(inv.ID))
}

func (s *queries) ListPendingInvoices(ctx context.Context) ([]ledger.Invoice, error) {
	return s.queryInvoices(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE status = 'pending'
		ORDER BY created_at ASC, rowid ASC
	`)
}

func (s *queries) ListPendingInvoicesByUser(ctx context.Context, userID ledger.UserID) ([]ledger.Invoice, error) {
	return s.queryInvoices(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE user_id = ? AND status = 'pending'
		ORDER BY created_at ASC, rowid ASC
	`, userID)
}

func (s *queries) queryInvoices(ctx context.Context, query string, args ...any) ([]ledger.Invoice, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query invoices: %w", err)
	}
	defer rows.Close()

	var invoices []ledger.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

func scanInvoice(row rowScanner) (ledger.Invoice, error) {
	var (
		inv                  ledger.Invoice
		dueDate, paidAt      sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(
		&inv.ID, &inv.UserID, &inv.InvoiceNumber, &inv.Communication,
		&inv.Amount, &inv.TotalPayments, &inv.Status,
		&dueDate, &paidAt, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return inv, err
	}
	if err != nil {
		return inv, fmt.Errorf("failed to scan invoice: %w", err)
	}

	if inv.DueDate, err = parseTimePtr(dueDate); err != nil {
		return inv, err
	}
	if inv.PaidAt, err = parseTimePtr(paidAt); err != nil {
		return inv, err
	}
	if inv.CreatedAt, err = parseTime(createdAt); err != nil {
		return inv, err
	}
	inv.UpdatedAt, err = parseTime(updatedAt)
	return inv, err
}

// =============================================================================
// BANK TRANSACTIONS (ledger.TransactionStore interface)
// =============================================================================

const transactionColumns = `id, transaction_date, amount, communication, extracted_invoice_number,
	invoice_id, status, import_batch_id, raw_file_path, created_at, updated_at`

func (s *queries) InsertTransaction(ctx context.Context, tx ledger.BankTransaction) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO bank_transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		tx.ID, formatTime(tx.TransactionDate), tx.Amount, tx.Communication,
		nullString(tx.ExtractedInvoiceNumber), nullString(tx.InvoiceID), tx.Status,
		nullString(tx.ImportBatchID), tx.RawFilePath,
		formatTime(tx.CreatedAt), formatTime(tx.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			if isBankLineUniquenessError(err) {
				return ledger.ErrDuplicateTransaction
			}
			return ledger.ErrStoreConflict
		}
		return fmt.Errorf("failed to insert bank transaction: %w", err)
	}
	return nil
}

func (s *queries) GetTransaction(ctx context.Context, id ledger.TransactionID) (*ledger.BankTransaction, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+transactionColumns+" FROM bank_transactions WHERE id = ?", id)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// UpdateTransaction only touches the link and status; the imported line is immutable.
func (s *queries) UpdateTransaction(ctx context.Context, tx ledger.BankTransaction) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE bank_transactions
		SET invoice_id = ?, status = ?, updated_at = ?
		WHERE id = ?
	`, nullString(tx.InvoiceID), tx.Status, formatTime(tx.UpdatedAt), tx.ID)
	if err != nil {
		return fmt.Errorf("failed to update bank transaction: %w", err)
	}
	return expectOneRow(res, "transaction", string(tx.ID))
}

func (s *queries) ListTransactionsByInvoice(ctx context.Context, invoiceID ledger.InvoiceID) ([]ledger.BankTransaction, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM bank_transactions
		WHERE invoice_id = ?
		ORDER BY transaction_date ASC, created_at ASC, rowid ASC
	`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query bank transactions: %w", err)
	}
	defer rows.Close()

	var txs []ledger.BankTransaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func (s *queries) HasFileBeenProcessed(ctx context.Context, path string) (bool, error) {
	var exists bool
	err := s.q.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM bank_transactions WHERE raw_file_path = ?)", path,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check processed file: %w", err)
	}
	return exists, nil
}

func scanTransaction(row rowScanner) (ledger.BankTransaction, error) {
	var (
		tx                           ledger.BankTransaction
		txDate, createdAt, updatedAt string
		extracted, invoiceID, batch  sql.NullString
	)
	err := row.Scan(
		&tx.ID, &txDate, &tx.Amount, &tx.Communication, &extracted,
		&invoiceID, &tx.Status, &batch, &tx.RawFilePath, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return tx, err
	}
	if err != nil {
		return tx, fmt.Errorf("failed to scan bank transaction: %w", err)
	}

	tx.ExtractedInvoiceNumber = extracted.String
	tx.InvoiceID = ledger.InvoiceID(invoiceID.String)
	tx.ImportBatchID = batch.String
	if tx.TransactionDate, err = parseTime(txDate); err != nil {
		return tx, err
	}
	if tx.CreatedAt, err = parseTime(createdAt); err != nil {
		return tx, err
	}
	tx.UpdatedAt, err = parseTime(updatedAt)
	return tx, err
}

// =============================================================================
// CREDIT NOTES (ledger.CreditNoteStore interface)
// =============================================================================

const creditNoteColumns = `id, user_id, credit_note_number, amount, type, status, invoice_id,
	invoice_number, registration_id, cancellation_request_id, source_transaction_id, reason,
	created_at, updated_at`

func (s *queries) InsertCreditNote(ctx context.Context, n ledger.CreditNote) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO credit_notes (`+creditNoteColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		n.ID, n.UserID, n.CreditNoteNumber, n.Amount, n.Type, n.Status,
		nullString(n.InvoiceID), nullString(n.InvoiceNumber), nullString(n.RegistrationID),
		nullString(n.CancellationRequestID), nullString(n.SourceTransactionID), nullString(n.Reason),
		formatTime(n.CreatedAt), formatTime(n.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrStoreConflict
		}
		return fmt.Errorf("failed to insert credit note: %w", err)
	}
	return nil
}

func (s *queries) GetCreditNote(ctx context.Context, id ledger.CreditNoteID) (*ledger.CreditNote, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+creditNoteColumns+" FROM credit_notes WHERE id = ?", id)
	n, err := scanCreditNote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *queries) UpdateCreditNote(ctx context.Context, n ledger.CreditNote) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE credit_notes SET status = ?, reason = ?, updated_at = ? WHERE id = ?
	`, n.Status, nullString(n.Reason), formatTime(n.UpdatedAt), n.ID)
	if err != nil {
		return fmt.Errorf("failed to update credit note: %w", err)
	}
	return expectOneRow(res, "credit note", string(n.ID))
}

func (s *queries) ListCreditNotesByInvoice(ctx context.Context, invoiceID ledger.InvoiceID) ([]ledger.CreditNote, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+creditNoteColumns+` FROM credit_notes
		WHERE invoice_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query credit notes: %w", err)
	}
	defer rows.Close()

	var notes []ledger.CreditNote
	for rows.Next() {
		n, err := scanCreditNote(rows)
		if err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

func scanCreditNote(row rowScanner) (ledger.CreditNote, error) {
	var (
		n                               ledger.CreditNote
		invoiceID, invoiceNumber, regID sql.NullString
		requestID, sourceTx, reason     sql.NullString
		createdAt, updatedAt            string
	)
	err := row.Scan(
		&n.ID, &n.UserID, &n.CreditNoteNumber, &n.Amount, &n.Type, &n.Status,
		&invoiceID, &invoiceNumber, &regID, &requestID, &sourceTx, &reason,
		&createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return n, err
	}
	if err != nil {
		return n, fmt.Errorf("failed to scan credit note: %w", err)
	}

	n.InvoiceID = ledger.InvoiceID(invoiceID.String)
	n.InvoiceNumber = invoiceNumber.String
	n.RegistrationID = ledger.RegistrationID(regID.String)
	n.CancellationRequestID = ledger.CancellationRequestID(requestID.String)
	n.SourceTransactionID = ledger.TransactionID(sourceTx.String)
	n.Reason = reason.String
	if n.CreatedAt, err = parseTime(createdAt); err != nil {
		return n, err
	}
	n.UpdatedAt, err = parseTime(updatedAt)
	return n, err
}

// =============================================================================
// PROVISIONS (ledger.ProvisionStore interface)
// =============================================================================

const provisionColumns = `id, user_id, amount_initial, amount_remaining, amount_reversed,
	amount_refunded, type, status, source_invoice_id, source_bank_transaction_id,
	source_credit_note_id, reason, created_at, updated_at`

func (s *queries) InsertProvision(ctx context.Context, p ledger.UserProvision) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO user_provisions (`+provisionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.ID, p.UserID, p.AmountInitial, p.AmountRemaining, p.AmountReversed,
		p.AmountRefunded, p.Type, p.Status, nullString(p.SourceInvoiceID),
		nullString(p.SourceBankTransactionID), nullString(p.SourceCreditNoteID),
		nullString(p.Reason), formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrStoreConflict
		}
		return fmt.Errorf("failed to insert provision: %w", err)
	}
	return nil
}

func (s *queries) GetProvision(ctx context.Context, id ledger.ProvisionID) (*ledger.UserProvision, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+provisionColumns+" FROM user_provisions WHERE id = ?", id)
	p, err := scanProvision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *queries) UpdateProvision(ctx context.Context, p ledger.UserProvision) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE user_provisions
		SET amount_initial = ?, amount_remaining = ?, amount_reversed = ?,
		    amount_refunded = ?, status = ?, updated_at = ?
		WHERE id = ?
	`,
		p.AmountInitial, p.AmountRemaining, p.AmountReversed,
		p.AmountRefunded, p.Status, formatTime(p.UpdatedAt), p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update provision: %w", err)
	}
	return expectOneRow(res, "provision", string(p.ID))
}

func (s *queries) ListProvisionsByUser(ctx context.Context, userID ledger.UserID) ([]ledger.UserProvision, error) {
	return s.queryProvisions(ctx, "user_id = ?", userID)
}

func (s *queries) ListProvisionsBySourceTransaction(ctx context.Context, txID ledger.TransactionID) ([]ledger.UserProvision, error) {
	return s.queryProvisions(ctx, "source_bank_transaction_id = ?", txID)
}

func (s *queries) ListProvisionsBySourceInvoice(ctx context.Context, invoiceID ledger.InvoiceID) ([]ledger.UserProvision, error) {
	return s.queryProvisions(ctx, "source_invoice_id = ?", invoiceID)
}

func (s *queries) queryProvisions(ctx context.Context, where string, args ...any) ([]ledger.UserProvision, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT "+provisionColumns+" FROM user_provisions WHERE "+where+" ORDER BY created_at ASC, rowid ASC",
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query provisions: %w", err)
	}
	defer rows.Close()

	var provisions []ledger.UserProvision
	for rows.Next() {
		p, err := scanProvision(rows)
		if err != nil {
			return nil, err
		}
		provisions = append(provisions, p)
	}
	return provisions, rows.Err()
}

func scanProvision(row rowScanner) (ledger.UserProvision, error) {
	var (
		p                                   ledger.UserProvision
		sourceInvoice, sourceTx, sourceNote sql.NullString
		reason                              sql.NullString
		createdAt, updatedAt                string
	)
	err := row.Scan(
		&p.ID, &p.UserID, &p.AmountInitial, &p.AmountRemaining, &p.AmountReversed,
		&p.AmountRefunded, &p.Type, &p.Status, &sourceInvoice, &sourceTx,
		&sourceNote, &reason, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return p, err
	}
	if err != nil {
		return p, fmt.Errorf("failed to scan provision: %w", err)
	}

	p.SourceInvoiceID = ledger.InvoiceID(sourceInvoice.String)
	p.SourceBankTransactionID = ledger.TransactionID(sourceTx.String)
	p.SourceCreditNoteID = ledger.CreditNoteID(sourceNote.String)
	p.Reason = reason.String
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return p, err
	}
	p.UpdatedAt, err = parseTime(updatedAt)
	return p, err
}

func (s *queries) InsertApplication(ctx context.Context, a ledger.ProvisionApplication) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO provision_applications (id, provision_id, invoice_id, amount, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, a.ID, a.ProvisionID, a.InvoiceID, a.Amount, formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert provision application: %w", err)
	}
	return nil
}

func (s *queries) ListApplicationsByInvoice(ctx context.Context, invoiceID ledger.InvoiceID) ([]ledger.ProvisionApplication, error) {
	return s.queryApplications(ctx, "invoice_id = ?", invoiceID)
}

func (s *queries) ListApplicationsByProvision(ctx context.Context, provisionID ledger.ProvisionID) ([]ledger.ProvisionApplication, error) {
	return s.queryApplications(ctx, "provision_id = ?", provisionID)
}

func (s *queries) queryApplications(ctx context.Context, where string, args ...any) ([]ledger.ProvisionApplication, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, provision_id, invoice_id, amount, created_at
		FROM provision_applications WHERE `+where+` ORDER BY created_at ASC, rowid ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query provision applications: %w", err)
	}
	defer rows.Close()

	var apps []ledger.ProvisionApplication
	for rows.Next() {
		var (
			a         ledger.ProvisionApplication
			createdAt string
		)
		if err := rows.Scan(&a.ID, &a.ProvisionID, &a.InvoiceID, &a.Amount, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan provision application: %w", err)
		}
		if a.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		apps = append(apps, a)
	}
	return apps, rows.Err()
}

// =============================================================================
// SEQUENCES (ledger.SequenceStore interface)
// =============================================================================

// NextSequence is a single atomic upsert-increment; there is no read-then-write window.
func (s *queries) NextSequence(ctx context.Context, kind ledger.SequenceKind, year int) (int64, error) {
	var value int64
	err := s.q.QueryRowContext(ctx, `
		INSERT INTO sequences (kind, year, value) VALUES (?, ?, 1)
		ON CONFLICT (kind, year) DO UPDATE SET value = value + 1
		RETURNING value
	`, kind, year).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("failed to advance sequence %s/%d: %w", kind, year, err)
	}
	return value, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func expectOneRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return &ledger.NotFoundError{Kind: kind, Key: id}
	}
	return nil
}
