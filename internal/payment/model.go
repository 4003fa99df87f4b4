// Package payment provides the Payment record, its persistence, and the
// charge/refund reconciliation services driven by provider webhooks.
package payment

import (
	"encoding/json"
	"time"
)

// Payment status values. A Payment is created with its settled charge outcome
// (SUCCESSFUL or FAILED) and only moves through the refund states afterwards.
const (
	StatusSuccessful        = "SUCCESSFUL"
	StatusFailed            = "FAILED"
	StatusRefundProcessing  = "REFUND_PROCESSING"
	StatusRefundFailed      = "REFUND_FAILED"
	StatusRefundError       = "REFUND_ERROR"
	StatusRefunded          = "REFUNDED"
	StatusPartiallyRefunded = "PARTIALLY_REFUNDED"
)

// Payment is one attempt to collect money for exactly one booking or one
// extension; exactly one of BookingID/ExtensionID is non-nil. TxRef is the
// globally unique provider transaction reference the row is keyed by.
type Payment struct {
	ID             string          `json:"id"`
	TxRef          string          `json:"tx_ref"`
	ProviderTxID   *int64          `json:"provider_tx_id,omitempty"`
	BookingID      *string         `json:"booking_id,omitempty"`
	ExtensionID    *string         `json:"extension_id,omitempty"`
	ExpectedAmount float64         `json:"expected_amount"`
	AmountCharged  *float64        `json:"amount_charged,omitempty"`
	AmountRefunded *float64        `json:"amount_refunded,omitempty"`
	Currency       string          `json:"currency"`
	Status         string          `json:"status"`
	RefundKey      *string         `json:"refund_key,omitempty"`
	RawEvent       json.RawMessage `json:"raw_event,omitempty"`
	ConfirmedAt    *time.Time      `json:"confirmed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
