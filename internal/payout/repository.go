package payout

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/fleetrent/payments/internal/booking"
)

var (
	// ErrPayoutNotFound is returned when a payout transaction does not exist.
	ErrPayoutNotFound = errors.New("payout not found")

	// ErrPayoutExists is returned by Create when the booking already has a
	// payout row. Callers recover by loading the existing row.
	ErrPayoutExists = errors.New("payout already exists for booking")
)

// uniqueViolation is the Postgres error code for unique constraint violations.
const uniqueViolation = "23505"

// Repository defines payout transaction persistence. The unique constraint on
// booking_id and the status-guarded updates are the concurrency control:
// concurrent initiations race on Create, and webhook replays race on
// Complete, with the database deciding the single winner.
type Repository interface {
	// Create inserts a new payout row in PENDING_DISBURSEMENT. Returns
	// ErrPayoutExists when the booking already has one.
	Create(ctx context.Context, t *Transaction) error

	// GetByBooking retrieves the payout row for a booking.
	GetByBooking(ctx context.Context, bookingID string) (*Transaction, error)

	// GetByReference retrieves a payout row by its provider transfer reference.
	GetByReference(ctx context.Context, reference string) (*Transaction, error)

	// MarkProcessing moves the payout to PROCESSING with its transfer
	// reference and flips the booking's payout flag on, both in one
	// transaction. A PENDING_DISBURSEMENT or FAILED payout can move, as can
	// a PROCESSING payout with no transfer id yet (an earlier attempt died
	// before the provider acknowledged); returns false when a genuinely
	// in-flight or settled payout rejects the claim.
	MarkProcessing(ctx context.Context, payoutID, reference string) (bool, error)

	// SetTransferID records the provider's transfer id after a successful
	// initiation call.
	SetTransferID(ctx context.Context, payoutID string, transferID int64) error

	// MarkInitiationFailed moves the payout to FAILED with a note and flips
	// the booking's payout flag back off, both in one transaction.
	MarkInitiationFailed(ctx context.Context, payoutID, note string) error

	// Complete settles an in-flight payout from a transfer.completed webhook:
	// status, raw event, and completion time, guarded so only a PROCESSING
	// payout is settled. Returns false when the guard rejected the update.
	Complete(ctx context.Context, payoutID, status string, raw json.RawMessage) (bool, error)
}

// PostgresRepository implements Repository on PostgreSQL.
type PostgresRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresRepository creates a PostgresRepository.
func NewPostgresRepository(db *sql.DB, logger *slog.Logger) *PostgresRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresRepository{db: db, logger: logger}
}

const payoutColumns = `id, booking_id, owner_id, amount, currency, status,
	reference, transfer_id, failure_note, raw_event, completed_at, created_at, updated_at`

func scanPayout(row interface{ Scan(...any) error }) (*Transaction, error) {
	var t Transaction
	var raw []byte
	err := row.Scan(
		&t.ID, &t.BookingID, &t.OwnerID, &t.Amount, &t.Currency, &t.Status,
		&t.Reference, &t.TransferID, &t.FailureNote, &raw, &t.CompletedAt,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.RawEvent = raw
	return &t, nil
}

func (r *PostgresRepository) Create(ctx context.Context, t *Transaction) error {
	query := `
		INSERT INTO payout_transactions (id, booking_id, owner_id, amount, currency, status)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.ExecContext(ctx, query,
		t.ID, t.BookingID, t.OwnerID, t.Amount, t.Currency, StatusPendingDisbursement)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrPayoutExists
		}
		return fmt.Errorf("failed to create payout: %w", err)
	}
	t.Status = StatusPendingDisbursement
	return nil
}

func (r *PostgresRepository) GetByBooking(ctx context.Context, bookingID string) (*Transaction, error) {
	query := `SELECT ` + payoutColumns + ` FROM payout_transactions WHERE booking_id = $1`
	t, err := scanPayout(r.db.QueryRowContext(ctx, query, bookingID))
	if err == sql.ErrNoRows {
		return nil, ErrPayoutNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payout by booking: %w", err)
	}
	return t, nil
}

func (r *PostgresRepository) GetByReference(ctx context.Context, reference string) (*Transaction, error) {
	query := `SELECT ` + payoutColumns + ` FROM payout_transactions WHERE reference = $1`
	t, err := scanPayout(r.db.QueryRowContext(ctx, query, reference))
	if err == sql.ErrNoRows {
		return nil, ErrPayoutNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payout by reference: %w", err)
	}
	return t, nil
}

func (r *PostgresRepository) MarkProcessing(ctx context.Context, payoutID, reference string) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE payout_transactions
		SET status = $2, reference = $3, failure_note = NULL, updated_at = NOW()
		WHERE id = $1 AND (status IN ($4, $5) OR (status = $2 AND transfer_id IS NULL))
	`, payoutID, StatusProcessing, reference, StatusPendingDisbursement, StatusFailed)
	if err != nil {
		return false, fmt.Errorf("failed to mark payout processing: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if rows == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE bookings
		SET payout_processed = TRUE, updated_at = NOW()
		WHERE id = (SELECT booking_id FROM payout_transactions WHERE id = $1)
	`, payoutID)
	if err != nil {
		return false, fmt.Errorf("failed to set booking payout flag: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit payout claim: %w", err)
	}
	return true, nil
}

func (r *PostgresRepository) SetTransferID(ctx context.Context, payoutID string, transferID int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE payout_transactions SET transfer_id = $2, updated_at = NOW() WHERE id = $1
	`, payoutID, transferID)
	if err != nil {
		return fmt.Errorf("failed to set transfer id: %w", err)
	}
	return nil
}

func (r *PostgresRepository) MarkInitiationFailed(ctx context.Context, payoutID, note string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE payout_transactions
		SET status = $2, failure_note = $3, updated_at = NOW()
		WHERE id = $1
	`, payoutID, StatusFailed, note)
	if err != nil {
		return fmt.Errorf("failed to mark payout failed: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE bookings
		SET payout_processed = FALSE, updated_at = NOW()
		WHERE id = (SELECT booking_id FROM payout_transactions WHERE id = $1)
	`, payoutID)
	if err != nil {
		return fmt.Errorf("failed to clear booking payout flag: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit payout failure: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Complete(ctx context.Context, payoutID, status string, raw json.RawMessage) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE payout_transactions
		SET status = $2, raw_event = $3, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, payoutID, status, []byte(raw), StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("failed to complete payout: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return rows > 0, nil
}

// InMemoryRepository implements Repository in memory for tests. The booking
// repository dependency mirrors the transactional booking-flag updates the
// Postgres implementation performs.
type InMemoryRepository struct {
	mu        sync.Mutex
	byID      map[string]*Transaction
	byBooking map[string]string
	bookings  booking.Repository
}

// NewInMemoryRepository creates an empty InMemoryRepository backed by the
// given booking repository for payout-flag updates.
func NewInMemoryRepository(bookings booking.Repository) *InMemoryRepository {
	return &InMemoryRepository{
		byID:      make(map[string]*Transaction),
		byBooking: make(map[string]string),
		bookings:  bookings,
	}
}

func (r *InMemoryRepository) Create(ctx context.Context, t *Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byBooking[t.BookingID]; ok {
		return ErrPayoutExists
	}
	now := time.Now()
	stored := *t
	stored.Status = StatusPendingDisbursement
	stored.CreatedAt = now
	stored.UpdatedAt = now
	r.byID[stored.ID] = &stored
	r.byBooking[stored.BookingID] = stored.ID
	t.Status = stored.Status
	return nil
}

func (r *InMemoryRepository) GetByBooking(ctx context.Context, bookingID string) (*Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byBooking[bookingID]
	if !ok {
		return nil, ErrPayoutNotFound
	}
	cp := *r.byID[id]
	return &cp, nil
}

func (r *InMemoryRepository) GetByReference(ctx context.Context, reference string) (*Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.byID {
		if t.Reference != nil && *t.Reference == reference {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrPayoutNotFound
}

func (r *InMemoryRepository) MarkProcessing(ctx context.Context, payoutID, reference string) (bool, error) {
	r.mu.Lock()
	t, ok := r.byID[payoutID]
	if !ok {
		r.mu.Unlock()
		return false, ErrPayoutNotFound
	}
	reclaimable := t.Status == StatusProcessing && t.TransferID == nil
	if t.Status != StatusPendingDisbursement && t.Status != StatusFailed && !reclaimable {
		r.mu.Unlock()
		return false, nil
	}
	t.Status = StatusProcessing
	ref := reference
	t.Reference = &ref
	t.FailureNote = nil
	t.UpdatedAt = time.Now()
	bookingID := t.BookingID
	r.mu.Unlock()

	if err := r.bookings.SetPayoutProcessed(ctx, bookingID, true); err != nil {
		return false, err
	}
	return true, nil
}

func (r *InMemoryRepository) SetTransferID(ctx context.Context, payoutID string, transferID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byID[payoutID]
	if !ok {
		return ErrPayoutNotFound
	}
	id := transferID
	t.TransferID = &id
	t.UpdatedAt = time.Now()
	return nil
}

func (r *InMemoryRepository) MarkInitiationFailed(ctx context.Context, payoutID, note string) error {
	r.mu.Lock()
	t, ok := r.byID[payoutID]
	if !ok {
		r.mu.Unlock()
		return ErrPayoutNotFound
	}
	t.Status = StatusFailed
	n := note
	t.FailureNote = &n
	t.UpdatedAt = time.Now()
	bookingID := t.BookingID
	r.mu.Unlock()

	return r.bookings.SetPayoutProcessed(ctx, bookingID, false)
}

func (r *InMemoryRepository) Complete(ctx context.Context, payoutID, status string, raw json.RawMessage) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byID[payoutID]
	if !ok {
		return false, ErrPayoutNotFound
	}
	if t.Status != StatusProcessing {
		return false, nil
	}
	t.Status = status
	t.RawEvent = append(json.RawMessage(nil), raw...)
	now := time.Now()
	t.CompletedAt = &now
	t.UpdatedAt = now
	return true, nil
}
