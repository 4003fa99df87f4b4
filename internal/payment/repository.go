package payment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ErrPaymentNotFound is returned when a payment record is not found.
var ErrPaymentNotFound = errors.New("payment not found")

// Repository defines Payment persistence. All cross-writer safety lives here:
// the tx_ref unique constraint backs first-writer-wins creation, and the
// conditional updates report whether they applied so callers can branch on the
// compare-and-swap result.
type Repository interface {
	// CreateIfAbsent inserts the payment keyed by its unique TxRef. If a row
	// with that TxRef already exists the call is a no-op and returns false:
	// a duplicate webhook delivery never overwrites a settled outcome.
	CreateIfAbsent(ctx context.Context, p *Payment) (bool, error)

	// GetByTxRef retrieves a payment by provider transaction reference.
	GetByTxRef(ctx context.Context, txRef string) (*Payment, error)

	// GetByProviderTxID retrieves a payment by provider transaction id.
	GetByProviderTxID(ctx context.Context, providerTxID int64) (*Payment, error)

	// ClaimRefund atomically claims the refund attempt: the payment moves to
	// REFUND_PROCESSING only if it is currently SUCCESSFUL or REFUND_ERROR.
	// When claiming from REFUND_ERROR the previously stored idempotency key is
	// kept; otherwise freshKey is stored. Returns whether the claim applied
	// and the key now in effect.
	ClaimRefund(ctx context.Context, paymentID, freshKey string) (bool, string, error)

	// SetRefundOutcome records the provider's answer to a refund request
	// (REFUND_FAILED or REFUND_ERROR), only while the attempt is still held.
	SetRefundOutcome(ctx context.Context, paymentID, status string) error

	// ApplyRefundResult settles a claimed refund from a refund.completed
	// webhook. The update only applies while the payment is REFUND_PROCESSING;
	// returns false when a stale or duplicate webhook finds the guard closed.
	ApplyRefundResult(ctx context.Context, paymentID, status string, amountRefunded float64, raw json.RawMessage) (bool, error)
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

// uniqueViolation is the Postgres error code for unique constraint violations.
const uniqueViolation = "23505"

// CreateIfAbsent inserts the payment, first writer wins on tx_ref.
func (r *PostgresRepository) CreateIfAbsent(ctx context.Context, p *Payment) (bool, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO payments (
			id, tx_ref, provider_tx_id, booking_id, extension_id,
			expected_amount, amount_charged, currency, status,
			raw_event, confirmed_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
		ON CONFLICT (tx_ref) DO NOTHING
	`, p.ID, p.TxRef, p.ProviderTxID, p.BookingID, p.ExtensionID,
		p.ExpectedAmount, p.AmountCharged, p.Currency, p.Status,
		[]byte(p.RawEvent), p.ConfirmedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			// Concurrent insert of the same tx_ref raced past the ON CONFLICT
			// clause's snapshot; same answer either way.
			return false, nil
		}
		return false, fmt.Errorf("failed to insert payment: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

const paymentColumns = `
	id, tx_ref, provider_tx_id, booking_id, extension_id,
	expected_amount, amount_charged, amount_refunded, currency, status,
	refund_key, raw_event, confirmed_at, created_at, updated_at
`

// GetByTxRef retrieves a payment by provider transaction reference.
func (r *PostgresRepository) GetByTxRef(ctx context.Context, txRef string) (*Payment, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE tx_ref = $1`, txRef)
	return scanPayment(row)
}

// GetByProviderTxID retrieves a payment by provider transaction id.
func (r *PostgresRepository) GetByProviderTxID(ctx context.Context, providerTxID int64) (*Payment, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE provider_tx_id = $1`, providerTxID)
	return scanPayment(row)
}

// ClaimRefund performs the conditional claim in a single statement; the
// rows-affected count is the compare-and-swap result.
func (r *PostgresRepository) ClaimRefund(ctx context.Context, paymentID, freshKey string) (bool, string, error) {
	var key string
	err := r.db.QueryRowContext(ctx, `
		UPDATE payments
		SET status = $1,
		    refund_key = CASE
		        WHEN status = $2 AND refund_key IS NOT NULL THEN refund_key
		        ELSE $3
		    END,
		    updated_at = NOW()
		WHERE id = $4 AND status IN ($5, $2)
		RETURNING refund_key
	`, StatusRefundProcessing, StatusRefundError, freshKey, paymentID, StatusSuccessful).Scan(&key)
	if err == sql.ErrNoRows {
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("failed to claim refund: %w", err)
	}
	return true, key, nil
}

// SetRefundOutcome records the provider's answer while the claim is held.
func (r *PostgresRepository) SetRefundOutcome(ctx context.Context, paymentID, status string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE payments SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, status, paymentID, StatusRefundProcessing)
	if err != nil {
		return fmt.Errorf("failed to set refund outcome: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		r.logger.WarnContext(ctx, "refund outcome update found no held claim", "payment_id", paymentID, "status", status)
	}
	return nil
}

// ApplyRefundResult settles the claimed refund; guard on REFUND_PROCESSING.
func (r *PostgresRepository) ApplyRefundResult(ctx context.Context, paymentID, status string, amountRefunded float64, raw json.RawMessage) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE payments
		SET status = $1, amount_refunded = $2, raw_event = $3, updated_at = NOW()
		WHERE id = $4 AND status = $5
	`, status, amountRefunded, []byte(raw), paymentID, StatusRefundProcessing)
	if err != nil {
		return false, fmt.Errorf("failed to apply refund result: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// scanPayment reads one payment row.
func scanPayment(row *sql.Row) (*Payment, error) {
	var p Payment
	var providerTxID sql.NullInt64
	var bookingID, extensionID, refundKey sql.NullString
	var amountCharged, amountRefunded sql.NullFloat64
	var raw []byte
	var confirmedAt sql.NullTime

	err := row.Scan(
		&p.ID, &p.TxRef, &providerTxID, &bookingID, &extensionID,
		&p.ExpectedAmount, &amountCharged, &amountRefunded, &p.Currency, &p.Status,
		&refundKey, &raw, &confirmedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan payment: %w", err)
	}

	if providerTxID.Valid {
		p.ProviderTxID = &providerTxID.Int64
	}
	if bookingID.Valid {
		p.BookingID = &bookingID.String
	}
	if extensionID.Valid {
		p.ExtensionID = &extensionID.String
	}
	if refundKey.Valid {
		p.RefundKey = &refundKey.String
	}
	if amountCharged.Valid {
		p.AmountCharged = &amountCharged.Float64
	}
	if amountRefunded.Valid {
		p.AmountRefunded = &amountRefunded.Float64
	}
	p.RawEvent = raw
	if confirmedAt.Valid {
		t := confirmedAt.Time
		p.ConfirmedAt = &t
	}
	return &p, nil
}

// InMemoryRepository implements Repository with in-memory storage.
// Thread-safe via Mutex; every method takes the lock for its whole body, so
// the conditional updates are atomic exactly like their SQL counterparts.
type InMemoryRepository struct {
	mu      sync.Mutex
	byID    map[string]*Payment
	byTxRef map[string]string // tx_ref -> id
}

// NewInMemoryRepository creates a new in-memory payment repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		byID:    make(map[string]*Payment),
		byTxRef: make(map[string]string),
	}
}

// CreateIfAbsent inserts the payment, first writer wins on tx_ref.
func (r *InMemoryRepository) CreateIfAbsent(ctx context.Context, p *Payment) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byTxRef[p.TxRef]; exists {
		return false, nil
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now()
	copied := *p
	copied.CreatedAt = now
	copied.UpdatedAt = now
	r.byID[copied.ID] = &copied
	r.byTxRef[copied.TxRef] = copied.ID
	return true, nil
}

// GetByTxRef retrieves a payment by provider transaction reference.
func (r *InMemoryRepository) GetByTxRef(ctx context.Context, txRef string) (*Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byTxRef[txRef]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	copied := *r.byID[id]
	return &copied, nil
}

// GetByProviderTxID retrieves a payment by provider transaction id.
func (r *InMemoryRepository) GetByProviderTxID(ctx context.Context, providerTxID int64) (*Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.byID {
		if p.ProviderTxID != nil && *p.ProviderTxID == providerTxID {
			copied := *p
			return &copied, nil
		}
	}
	return nil, ErrPaymentNotFound
}

// ClaimRefund atomically claims the refund attempt.
func (r *InMemoryRepository) ClaimRefund(ctx context.Context, paymentID, freshKey string) (bool, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byID[paymentID]
	if !ok {
		return false, "", nil
	}
	if p.Status != StatusSuccessful && p.Status != StatusRefundError {
		return false, "", nil
	}

	// A retry after an ambiguous failure keeps the stored key so the provider
	// deduplicates the repeated request; any other claim stores the fresh one.
	if p.Status != StatusRefundError || p.RefundKey == nil {
		key := freshKey
		p.RefundKey = &key
	}
	p.Status = StatusRefundProcessing
	p.UpdatedAt = time.Now()
	return true, *p.RefundKey, nil
}

// SetRefundOutcome records the provider's answer while the claim is held.
func (r *InMemoryRepository) SetRefundOutcome(ctx context.Context, paymentID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byID[paymentID]
	if !ok || p.Status != StatusRefundProcessing {
		return nil
	}
	p.Status = status
	p.UpdatedAt = time.Now()
	return nil
}

// ApplyRefundResult settles the claimed refund; guard on REFUND_PROCESSING.
func (r *InMemoryRepository) ApplyRefundResult(ctx context.Context, paymentID, status string, amountRefunded float64, raw json.RawMessage) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byID[paymentID]
	if !ok || p.Status != StatusRefundProcessing {
		return false, nil
	}
	p.Status = status
	p.AmountRefunded = &amountRefunded
	if raw != nil {
		p.RawEvent = append(json.RawMessage(nil), raw...)
	}
	p.UpdatedAt = time.Now()
	return true, nil
}
