package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/reconcile-engine/ledger"
)

// =============================================================================
// REGISTRATIONS & SESSIONS (ledger.RegistrationStore interface)
// =============================================================================

const registrationColumns = `id, user_id, kid_id, session_id, activity_id, invoice_id, price,
	amount_paid, payment_status, cancellation_status, created_at`

// SaveRegistration upserts by id.
func (s *queries) SaveRegistration(ctx context.Context, r ledger.Registration) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO registrations (`+registrationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			invoice_id = excluded.invoice_id,
			price = excluded.price,
			amount_paid = excluded.amount_paid,
			payment_status = excluded.payment_status,
			cancellation_status = excluded.cancellation_status
	`,
		r.ID, r.UserID, nullString(r.KidID), nullString(r.SessionID), nullString(r.ActivityID),
		nullString(r.InvoiceID), r.Price, r.AmountPaid, r.PaymentStatus,
		nullString(r.CancellationStatus), formatTime(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save registration: %w", err)
	}
	return nil
}

func (s *queries) GetRegistration(ctx context.Context, id ledger.RegistrationID) (*ledger.Registration, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+registrationColumns+" FROM registrations WHERE id = ?", id)
	r, err := scanRegistration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *queries) ListRegistrationsByInvoice(ctx context.Context, invoiceID ledger.InvoiceID) ([]ledger.Registration, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+registrationColumns+` FROM registrations
		WHERE invoice_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query registrations: %w", err)
	}
	defer rows.Close()

	var regs []ledger.Registration
	for rows.Next() {
		r, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		regs = append(regs, r)
	}
	return regs, rows.Err()
}

func scanRegistration(row rowScanner) (ledger.Registration, error) {
	var (
		r                             ledger.Registration
		kidID, sessionID, activityID  sql.NullString
		invoiceID, cancellationStatus sql.NullString
		createdAt                     string
	)
	err := row.Scan(
		&r.ID, &r.UserID, &kidID, &sessionID, &activityID, &invoiceID,
		&r.Price, &r.AmountPaid, &r.PaymentStatus, &cancellationStatus, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return r, err
	}
	if err != nil {
		return r, fmt.Errorf("failed to scan registration: %w", err)
	}

	r.KidID = kidID.String
	r.SessionID = ledger.SessionID(sessionID.String)
	r.ActivityID = activityID.String
	r.InvoiceID = ledger.InvoiceID(invoiceID.String)
	r.CancellationStatus = ledger.CancellationStatus(cancellationStatus.String)
	r.CreatedAt, err = parseTime(createdAt)
	return r, err
}

func (s *queries) SaveSession(ctx context.Context, sess ledger.Session) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO sessions (id, name, capacity, active_registrations)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			capacity = excluded.capacity
	`, sess.ID, sess.Name, sess.Capacity, sess.ActiveRegistrations)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (s *queries) GetSession(ctx context.Context, id ledger.SessionID) (*ledger.Session, error) {
	var sess ledger.Session
	err := s.q.QueryRowContext(ctx,
		"SELECT id, name, capacity, active_registrations FROM sessions WHERE id = ?", id,
	).Scan(&sess.ID, &sess.Name, &sess.Capacity, &sess.ActiveRegistrations)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &sess, nil
}

// RecountSession recomputes the active-registration count from the
// registrations themselves. Unknown sessions are ignored.
func (s *queries) RecountSession(ctx context.Context, id ledger.SessionID) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE sessions
		SET active_registrations = (
			SELECT COUNT(*) FROM registrations
			WHERE session_id = ? AND payment_status != 'cancelled'
		)
		WHERE id = ?
	`, id, id)
	if err != nil {
		return fmt.Errorf("failed to recount session: %w", err)
	}
	return nil
}

// =============================================================================
// CANCELLATION REQUESTS (ledger.CancellationStore interface)
// =============================================================================

const requestColumns = `id, user_id, registration_id, kid_id, activity_id, status, refund_type,
	refund_amount, reason, admin_notes, credit_note_number, processed_at, created_at`

func (s *queries) InsertCancellationRequest(ctx context.Context, r ledger.CancellationRequest) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO cancellation_requests (`+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID, r.UserID, r.RegistrationID, nullString(r.KidID), nullString(r.ActivityID),
		r.Status, nullString(r.RefundType), r.RefundAmount, nullString(r.Reason),
		nullString(r.AdminNotes), nullString(r.CreditNoteID), formatTimePtr(r.ProcessedAt),
		formatTime(r.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrStoreConflict
		}
		return fmt.Errorf("failed to insert cancellation request: %w", err)
	}
	return nil
}

func (s *queries) GetCancellationRequest(ctx context.Context, id ledger.CancellationRequestID) (*ledger.CancellationRequest, error) {
	return s.getRequest(ctx, "id = ?", id)
}

func (s *queries) GetCancellationRequestByRegistration(ctx context.Context, id ledger.RegistrationID) (*ledger.CancellationRequest, error) {
	return s.getRequest(ctx, "registration_id = ?", id)
}

func (s *queries) getRequest(ctx context.Context, where string, arg any) (*ledger.CancellationRequest, error) {
	var (
		r                             ledger.CancellationRequest
		kidID, activityID, refundType sql.NullString
		reason, notes, creditNote     sql.NullString
		processedAt                   sql.NullString
		createdAt                     string
	)
	err := s.q.QueryRowContext(ctx, "SELECT "+requestColumns+" FROM cancellation_requests WHERE "+where, arg).Scan(
		&r.ID, &r.UserID, &r.RegistrationID, &kidID, &activityID, &r.Status, &refundType,
		&r.RefundAmount, &reason, &notes, &creditNote, &processedAt, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cancellation request: %w", err)
	}

	r.KidID = kidID.String
	r.ActivityID = activityID.String
	r.RefundType = ledger.RefundType(refundType.String)
	r.Reason = reason.String
	r.AdminNotes = notes.String
	r.CreditNoteID = creditNote.String
	if r.ProcessedAt, err = parseTimePtr(processedAt); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *queries) UpdateCancellationRequest(ctx context.Context, r ledger.CancellationRequest) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE cancellation_requests
		SET status = ?, refund_type = ?, refund_amount = ?, admin_notes = ?,
		    credit_note_number = ?, processed_at = ?
		WHERE id = ?
	`,
		r.Status, nullString(r.RefundType), r.RefundAmount, nullString(r.AdminNotes),
		nullString(r.CreditNoteID), formatTimePtr(r.ProcessedAt), r.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update cancellation request: %w", err)
	}
	return expectOneRow(res, "cancellation request", string(r.ID))
}

// =============================================================================
// SUBSCRIBERS (newsletter, outside the ledger)
// =============================================================================

// Subscribe stores email once. created reports whether it was new.
func (s *Store) Subscribe(ctx context.Context, email string) (created bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO subscribers (email, created_at) VALUES (?, ?)
		ON CONFLICT (email) DO NOTHING
	`, email, formatTime(time.Now()))
	if err != nil {
		return false, fmt.Errorf("failed to save subscriber: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

func (s *Store) ListSubscribers(ctx context.Context) ([]ledger.Subscriber, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT email, created_at FROM subscribers ORDER BY created_at ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query subscribers: %w", err)
	}
	defer rows.Close()

	var subs []ledger.Subscriber
	for rows.Next() {
		var (
			sub       ledger.Subscriber
			createdAt string
		)
		if err := rows.Scan(&sub.Email, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan subscriber: %w", err)
		}
		if sub.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}
