package booking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrBookingNotFound is returned when a booking does not exist.
	ErrBookingNotFound = errors.New("booking not found")

	// ErrExtensionNotFound is returned when an extension does not exist.
	ErrExtensionNotFound = errors.New("extension not found")

	// ErrRefNotFound is returned when no booking or extension carries the
	// given provider payment reference.
	ErrRefNotFound = errors.New("payment reference not found")

	// ErrRefAmbiguous is returned when a provider payment reference matches
	// more than one owning row. This should be impossible and indicates data
	// corruption; callers must drop the event and flag it for manual review.
	ErrRefAmbiguous = errors.New("payment reference matches multiple records")

	// ErrNoBankAccount is returned when a fleet owner has no stored bank account.
	ErrNoBankAccount = errors.New("owner has no bank account on file")
)

// Repository defines booking, extension, and bank-account persistence consumed
// by payment and payout flow.
type Repository interface {
	// ResolvePaymentRef finds the single booking or extension whose stored
	// provider reference equals ref. Zero matches return ErrRefNotFound; more
	// than one match returns ErrRefAmbiguous.
	ResolvePaymentRef(ctx context.Context, ref string) (*PaymentTarget, error)

	// GetBooking retrieves a booking by id.
	GetBooking(ctx context.Context, id string) (*Booking, error)

	// GetExtension retrieves an extension by id.
	GetExtension(ctx context.Context, id string) (*Extension, error)

	// SetPaymentRef stores the provider reference on a booking or extension
	// when payment is initiated. Exactly one of bookingID/extensionID is set.
	SetPaymentRef(ctx context.Context, bookingID, extensionID *string, ref string) error

	// ConfirmBooking transitions a booking PENDING_PAYMENT -> CONFIRMED.
	// Returns true only when this call performed the transition, so repeated
	// invocations under webhook replay are safe.
	ConfirmBooking(ctx context.Context, id string) (bool, error)

	// ConfirmExtension transitions an extension PENDING_PAYMENT -> CONFIRMED.
	// Same idempotency contract as ConfirmBooking.
	ConfirmExtension(ctx context.Context, id string) (bool, error)

	// GetBankAccount retrieves a fleet owner's bank account.
	// Returns ErrNoBankAccount when none is stored.
	GetBankAccount(ctx context.Context, ownerID string) (*BankAccount, error)

	// SetPayoutProcessed flips the booking's aggregate payout flag.
	SetPayoutProcessed(ctx context.Context, id string, processed bool) error
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

// ResolvePaymentRef finds the owning booking or extension for a provider reference.
func (r *PostgresRepository) ResolvePaymentRef(ctx context.Context, ref string) (*PaymentTarget, error) {
	var (
		bookingID, extensionID      sql.NullString
		ownerID, renterID, currency string
		amount                      float64
	)

	// One round trip over both tables; extensions resolve their owner and
	// renter through the parent booking.
	query := `
		SELECT b.id, NULL::text, b.owner_id, b.renter_id, b.total_amount, b.currency
		FROM bookings b WHERE b.payment_ref = $1
		UNION ALL
		SELECT NULL::text, e.id, pb.owner_id, pb.renter_id, e.amount, e.currency
		FROM extensions e JOIN bookings pb ON pb.id = e.booking_id
		WHERE e.payment_ref = $1
	`
	rows, err := r.db.QueryContext(ctx, query, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve payment ref: %w", err)
	}
	defer rows.Close()

	var targets []*PaymentTarget
	for rows.Next() {
		if err := rows.Scan(&bookingID, &extensionID, &ownerID, &renterID, &amount, &currency); err != nil {
			return nil, fmt.Errorf("failed to scan payment target: %w", err)
		}
		t := &PaymentTarget{OwnerUserID: ownerID, RenterUserID: renterID, ExpectedAmount: amount, Currency: currency}
		if bookingID.Valid {
			id := bookingID.String
			t.BookingID = &id
		}
		if extensionID.Valid {
			id := extensionID.String
			t.ExtensionID = &id
		}
		targets = append(targets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate payment targets: %w", err)
	}

	switch len(targets) {
	case 0:
		return nil, ErrRefNotFound
	case 1:
		return targets[0], nil
	default:
		return nil, ErrRefAmbiguous
	}
}

// GetBooking retrieves a booking by id.
func (r *PostgresRepository) GetBooking(ctx context.Context, id string) (*Booking, error) {
	var b Booking
	var paymentRef sql.NullString
	var confirmedAt sql.NullTime
	query := `
		SELECT id, renter_id, owner_id, vehicle_id, total_amount, currency,
		       status, payment_ref, payout_amount, payout_processed,
		       created_at, updated_at, confirmed_at
		FROM bookings WHERE id = $1
	`
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&b.ID, &b.RenterID, &b.OwnerID, &b.VehicleID, &b.TotalAmount, &b.Currency,
		&b.Status, &paymentRef, &b.PayoutAmount, &b.PayoutProcessed,
		&b.CreatedAt, &b.UpdatedAt, &confirmedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrBookingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}
	if paymentRef.Valid {
		b.PaymentRef = &paymentRef.String
	}
	if confirmedAt.Valid {
		t := confirmedAt.Time
		b.ConfirmedAt = &t
	}
	return &b, nil
}

// GetExtension retrieves an extension by id.
func (r *PostgresRepository) GetExtension(ctx context.Context, id string) (*Extension, error) {
	var e Extension
	var paymentRef sql.NullString
	var confirmedAt sql.NullTime
	query := `
		SELECT id, booking_id, amount, currency, status, payment_ref,
		       created_at, confirmed_at
		FROM extensions WHERE id = $1
	`
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&e.ID, &e.BookingID, &e.Amount, &e.Currency, &e.Status, &paymentRef,
		&e.CreatedAt, &confirmedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrExtensionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get extension: %w", err)
	}
	if paymentRef.Valid {
		e.PaymentRef = &paymentRef.String
	}
	if confirmedAt.Valid {
		t := confirmedAt.Time
		e.ConfirmedAt = &t
	}
	return &e, nil
}

// SetPaymentRef stores the provider reference on the owning row.
func (r *PostgresRepository) SetPaymentRef(ctx context.Context, bookingID, extensionID *string, ref string) error {
	var result sql.Result
	var err error
	switch {
	case bookingID != nil:
		result, err = r.db.ExecContext(ctx,
			`UPDATE bookings SET payment_ref = $1, updated_at = NOW() WHERE id = $2`, ref, *bookingID)
	case extensionID != nil:
		result, err = r.db.ExecContext(ctx,
			`UPDATE extensions SET payment_ref = $1 WHERE id = $2`, ref, *extensionID)
	default:
		return errors.New("either bookingID or extensionID must be set")
	}
	if err != nil {
		return fmt.Errorf("failed to set payment ref: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrBookingNotFound
	}
	return nil
}

// ConfirmBooking performs the conditional PENDING_PAYMENT -> CONFIRMED update.
func (r *PostgresRepository) ConfirmBooking(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE bookings
		SET status = $1, confirmed_at = NOW(), updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, StatusConfirmed, id, StatusPendingPayment)
	if err != nil {
		return false, fmt.Errorf("failed to confirm booking: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// ConfirmExtension performs the conditional PENDING_PAYMENT -> CONFIRMED update.
func (r *PostgresRepository) ConfirmExtension(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE extensions
		SET status = $1, confirmed_at = NOW()
		WHERE id = $2 AND status = $3
	`, StatusConfirmed, id, StatusPendingPayment)
	if err != nil {
		return false, fmt.Errorf("failed to confirm extension: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// GetBankAccount retrieves a fleet owner's bank account.
func (r *PostgresRepository) GetBankAccount(ctx context.Context, ownerID string) (*BankAccount, error) {
	var acct BankAccount
	err := r.db.QueryRowContext(ctx, `
		SELECT owner_id, bank_code, account_number, verified
		FROM owner_bank_accounts WHERE owner_id = $1
	`, ownerID).Scan(&acct.OwnerID, &acct.BankCode, &acct.AccountNumber, &acct.Verified)
	if err == sql.ErrNoRows {
		return nil, ErrNoBankAccount
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bank account: %w", err)
	}
	return &acct, nil
}

// SetPayoutProcessed flips the booking's aggregate payout flag.
func (r *PostgresRepository) SetPayoutProcessed(ctx context.Context, id string, processed bool) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE bookings SET payout_processed = $1, updated_at = NOW() WHERE id = $2`, processed, id)
	if err != nil {
		return fmt.Errorf("failed to set payout flag: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrBookingNotFound
	}
	return nil
}

// InMemoryRepository implements Repository with in-memory storage.
// Thread-safe via RWMutex.
type InMemoryRepository struct {
	mu         sync.RWMutex
	bookings   map[string]*Booking
	extensions map[string]*Extension
	accounts   map[string]*BankAccount
}

// NewInMemoryRepository creates a new in-memory booking repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		bookings:   make(map[string]*Booking),
		extensions: make(map[string]*Extension),
		accounts:   make(map[string]*BankAccount),
	}
}

// PutBooking stores a booking, for wiring test fixtures.
func (r *InMemoryRepository) PutBooking(b *Booking) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *b
	r.bookings[b.ID] = &copied
}

// PutExtension stores an extension, for wiring test fixtures.
func (r *InMemoryRepository) PutExtension(e *Extension) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *e
	r.extensions[e.ID] = &copied
}

// PutBankAccount stores an owner bank account, for wiring test fixtures.
func (r *InMemoryRepository) PutBankAccount(acct *BankAccount) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *acct
	r.accounts[acct.OwnerID] = &copied
}

// ResolvePaymentRef finds the owning booking or extension for a provider reference.
func (r *InMemoryRepository) ResolvePaymentRef(ctx context.Context, ref string) (*PaymentTarget, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var targets []*PaymentTarget
	for _, b := range r.bookings {
		if b.PaymentRef != nil && *b.PaymentRef == ref {
			id := b.ID
			targets = append(targets, &PaymentTarget{
				BookingID:      &id,
				OwnerUserID:    b.OwnerID,
				RenterUserID:   b.RenterID,
				ExpectedAmount: b.TotalAmount,
				Currency:       b.Currency,
			})
		}
	}
	for _, e := range r.extensions {
		if e.PaymentRef != nil && *e.PaymentRef == ref {
			id := e.ID
			t := &PaymentTarget{
				ExtensionID:    &id,
				ExpectedAmount: e.Amount,
				Currency:       e.Currency,
			}
			if parent, ok := r.bookings[e.BookingID]; ok {
				t.OwnerUserID = parent.OwnerID
				t.RenterUserID = parent.RenterID
			}
			targets = append(targets, t)
		}
	}

	switch len(targets) {
	case 0:
		return nil, ErrRefNotFound
	case 1:
		return targets[0], nil
	default:
		return nil, ErrRefAmbiguous
	}
}

// GetBooking retrieves a booking by id.
func (r *InMemoryRepository) GetBooking(ctx context.Context, id string) (*Booking, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.bookings[id]
	if !ok {
		return nil, ErrBookingNotFound
	}
	copied := *b
	return &copied, nil
}

// GetExtension retrieves an extension by id.
func (r *InMemoryRepository) GetExtension(ctx context.Context, id string) (*Extension, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.extensions[id]
	if !ok {
		return nil, ErrExtensionNotFound
	}
	copied := *e
	return &copied, nil
}

// SetPaymentRef stores the provider reference on the owning row.
func (r *InMemoryRepository) SetPaymentRef(ctx context.Context, bookingID, extensionID *string, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case bookingID != nil:
		b, ok := r.bookings[*bookingID]
		if !ok {
			return ErrBookingNotFound
		}
		b.PaymentRef = &ref
		b.UpdatedAt = time.Now()
	case extensionID != nil:
		e, ok := r.extensions[*extensionID]
		if !ok {
			return ErrBookingNotFound
		}
		e.PaymentRef = &ref
	default:
		return errors.New("either bookingID or extensionID must be set")
	}
	return nil
}

// ConfirmBooking performs the conditional PENDING_PAYMENT -> CONFIRMED update.
func (r *InMemoryRepository) ConfirmBooking(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bookings[id]
	if !ok {
		return false, ErrBookingNotFound
	}
	if b.Status != StatusPendingPayment {
		return false, nil
	}
	now := time.Now()
	b.Status = StatusConfirmed
	b.ConfirmedAt = &now
	b.UpdatedAt = now
	return true, nil
}

// ConfirmExtension performs the conditional PENDING_PAYMENT -> CONFIRMED update.
func (r *InMemoryRepository) ConfirmExtension(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.extensions[id]
	if !ok {
		return false, ErrBookingNotFound
	}
	if e.Status != StatusPendingPayment {
		return false, nil
	}
	now := time.Now()
	e.Status = StatusConfirmed
	e.ConfirmedAt = &now
	return true, nil
}

// SetPayoutProcessed flips the booking's aggregate payout flag.
func (r *InMemoryRepository) SetPayoutProcessed(ctx context.Context, id string, processed bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bookings[id]
	if !ok {
		return ErrBookingNotFound
	}
	b.PayoutProcessed = processed
	b.UpdatedAt = time.Now()
	return nil
}

// GetBankAccount retrieves a fleet owner's bank account.
func (r *InMemoryRepository) GetBankAccount(ctx context.Context, ownerID string) (*BankAccount, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	acct, ok := r.accounts[ownerID]
	if !ok {
		return nil, ErrNoBankAccount
	}
	copied := *acct
	return &copied, nil
}
