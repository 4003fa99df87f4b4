package payout

import (
	"encoding/json"
	"time"
)

// Payout statuses. PENDING_DISBURSEMENT and FAILED are re-attemptable;
// PROCESSING means a transfer is in flight; PAID_OUT is terminal.
const (
	StatusPendingDisbursement = "PENDING_DISBURSEMENT"
	StatusProcessing          = "PROCESSING"
	StatusPaidOut             = "PAID_OUT"
	StatusFailed              = "FAILED"
)

// Transaction is one payout attempt lifecycle for a completed booking. A
// booking has at most one payout row ever (unique on booking_id); retries
// after failure reuse the same row, and therefore the same provider
// reference, so the provider deduplicates in-flight transfers for us.
type Transaction struct {
	ID          string          `json:"id"`
	BookingID   string          `json:"booking_id"`
	OwnerID     string          `json:"owner_id"`
	Amount      float64         `json:"amount"`
	Currency    string          `json:"currency"`
	Status      string          `json:"status"`
	Reference   *string         `json:"reference,omitempty"`
	TransferID  *int64          `json:"transfer_id,omitempty"`
	FailureNote *string         `json:"failure_note,omitempty"`
	RawEvent    json.RawMessage `json:"-"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Terminal reports whether the payout has reached a state that transfer
// webhooks must not overwrite. A FAILED payout is re-attemptable through
// initiation, which produces a fresh webhook for the same reference.
func (t *Transaction) Terminal() bool {
	return t.Status == StatusPaidOut || t.Status == StatusFailed
}
