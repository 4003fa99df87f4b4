// Package booking provides models and repositories for bookings, extensions,
// and fleet-owner bank accounts, plus the idempotent confirmation services
// invoked after a verified payment.
package booking

import "time"

// Booking status values relevant to payment and payout flow.
const (
	StatusPendingPayment = "PENDING_PAYMENT"
	StatusConfirmed      = "CONFIRMED"
	StatusCompleted      = "COMPLETED"
)

// Booking is one vehicle rental. PaymentRef holds the provider transaction
// reference (tx_ref) assigned when payment was initiated; charge
// reconciliation resolves webhooks back to the booking through it.
type Booking struct {
	ID              string     `json:"id"`
	RenterID        string     `json:"renter_id"`
	OwnerID         string     `json:"owner_id"`
	VehicleID       string     `json:"vehicle_id"`
	TotalAmount     float64    `json:"total_amount"`
	Currency        string     `json:"currency"`
	Status          string     `json:"status"`
	PaymentRef      *string    `json:"payment_ref,omitempty"`
	PayoutAmount    float64    `json:"payout_amount"`
	PayoutProcessed bool       `json:"payout_processed"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	ConfirmedAt     *time.Time `json:"confirmed_at,omitempty"`
}

// Extension is a paid prolongation of an existing booking. It carries its own
// provider payment reference, separate from the parent booking's.
type Extension struct {
	ID          string     `json:"id"`
	BookingID   string     `json:"booking_id"`
	Amount      float64    `json:"amount"`
	Currency    string     `json:"currency"`
	Status      string     `json:"status"`
	PaymentRef  *string    `json:"payment_ref,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
}

// BankAccount holds a fleet owner's verified disbursement destination.
type BankAccount struct {
	OwnerID       string `json:"owner_id"`
	BankCode      string `json:"bank_code"`
	AccountNumber string `json:"account_number"`
	Verified      bool   `json:"verified"`
}

// PaymentTarget is the result of resolving a provider payment reference:
// exactly one of BookingID / ExtensionID is non-nil.
type PaymentTarget struct {
	BookingID      *string
	ExtensionID    *string
	OwnerUserID    string
	RenterUserID   string
	ExpectedAmount float64
	Currency       string
}
