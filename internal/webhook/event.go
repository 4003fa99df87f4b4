package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event type discriminants sent by the provider.
const (
	EventChargeCompleted   = "charge.completed"
	EventTransferCompleted = "transfer.completed"
	EventRefundCompleted   = "refund.completed"
)

// ErrUnknownEvent is returned by ParseEvent for event types this service does
// not handle. Callers are expected to log and acknowledge, not fail, so that
// the provider can add event types without breaking delivery.
var ErrUnknownEvent = errors.New("unknown webhook event type")

// envelope is the outer shape of every provider webhook: a discriminant plus
// an event-specific payload.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ChargeEvent is the payload of a charge.completed webhook.
// The status and amounts carried here are the provider's claim only; charge
// reconciliation re-verifies them against the provider API before acting.
type ChargeEvent struct {
	ID            int64    `json:"id"`
	TxRef         string   `json:"tx_ref"`
	FlwRef        string   `json:"flw_ref"`
	Amount        float64  `json:"amount"`
	Currency      string   `json:"currency"`
	ChargedAmount float64  `json:"charged_amount"`
	Status        string   `json:"status"`
	PaymentType   string   `json:"payment_type"`
	Customer      Customer `json:"customer"`

	// Raw is the undecoded data payload, retained for the Payment audit trail.
	Raw json.RawMessage `json:"-"`
}

// Customer identifies the paying customer as reported by the provider.
type Customer struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// TransferEvent is the payload of a transfer.completed webhook.
type TransferEvent struct {
	ID            int64   `json:"id"`
	Reference     string  `json:"reference"`
	Status        string  `json:"status"`
	Amount        float64 `json:"amount"`
	Currency      string  `json:"currency"`
	BankCode      string  `json:"bank_code"`
	AccountNumber string  `json:"account_number"`
	Narration     string  `json:"narration"`

	Raw json.RawMessage `json:"-"`
}

// RefundEvent is the payload of a refund.completed webhook. The provider uses
// PascalCase keys for this event type only.
type RefundEvent struct {
	TransactionID  *int64   `json:"TransactionId"`
	AmountRefunded *float64 `json:"AmountRefunded"`
	Status         string   `json:"status"`
	FlwRef         string   `json:"FlwRef"`

	Raw json.RawMessage `json:"-"`
}

// ParseEvent deserializes a webhook body into one of the known event shapes.
// The returned value is *ChargeEvent, *TransferEvent, or *RefundEvent.
// Unrecognized discriminants return ErrUnknownEvent with the type attached.
func ParseEvent(body []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("malformed webhook body: %w", err)
	}

	switch env.Event {
	case EventChargeCompleted:
		var ev ChargeEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, fmt.Errorf("malformed charge.completed data: %w", err)
		}
		ev.Raw = env.Data
		return &ev, nil
	case EventTransferCompleted:
		var ev TransferEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, fmt.Errorf("malformed transfer.completed data: %w", err)
		}
		ev.Raw = env.Data
		return &ev, nil
	case EventRefundCompleted:
		var ev RefundEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, fmt.Errorf("malformed refund.completed data: %w", err)
		}
		ev.Raw = env.Data
		return &ev, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
}
