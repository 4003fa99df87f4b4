// Package idempotency provides generation and validation of the keys and
// references that make retried provider calls safe: refund idempotency keys
// and deterministic payout transfer references.
package idempotency

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// MaxKeyLength is the maximum key length the provider accepts.
const MaxKeyLength = 64

var (
	// ErrInvalidKey is returned when the key is empty.
	ErrInvalidKey = errors.New("invalid idempotency key")

	// ErrKeyTooLong is returned when the key exceeds MaxKeyLength.
	ErrKeyTooLong = errors.New("idempotency key exceeds maximum length")
)

// NewTxRef generates the provider transaction reference for a fresh payment
// attempt on a booking or extension. Each attempt gets its own reference;
// uniqueness is what lets webhook reconciliation key Payments by tx_ref.
func NewTxRef(targetID string) string {
	return fmt.Sprintf("fleet-%s-%s", targetID, uuid.New().String()[:8])
}

// NewRefundKey generates a fresh idempotency key for a refund attempt on the
// given payment. Each new claim of the refund attempt gets a new key; a retry
// after an ambiguous failure must reuse the stored one instead.
func NewRefundKey(paymentID string) string {
	return fmt.Sprintf("refund-%s-%s", paymentID, uuid.New().String()[:8])
}

// PayoutReference derives the provider-side transfer reference from the
// PayoutTransaction's own id. The mapping is deterministic: repeated
// initiation attempts for the same logical payout always present the same
// reference, so the provider cannot be made to pay twice.
func PayoutReference(payoutID string) string {
	return "payout_" + payoutID
}

// ValidateKey checks that a key is usable on a provider request.
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	return nil
}
