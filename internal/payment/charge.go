package payment

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fleetrent/payments/internal/booking"
	"github.com/fleetrent/payments/internal/flutterwave"
	"github.com/fleetrent/payments/internal/metrics"
	"github.com/fleetrent/payments/internal/webhook"
)

// verifiedSuccessful is the provider's settled-charge status, compared
// case-insensitively.
const verifiedSuccessful = "successful"

// Confirmer finalizes a booking or extension once its charge has settled.
// Implementations must be idempotent (a conditional update guarding on the
// not-yet-confirmed state) and report whether this call made the transition.
type Confirmer interface {
	ConfirmBookingFromPayment(ctx context.Context, bookingID, txRef string) (bool, error)
	ConfirmExtensionFromPayment(ctx context.Context, extensionID, txRef string) (bool, error)
}

// ChargeReconciler verifies charge.completed webhooks against the provider's
// transaction-verification API and materializes the Payment record.
//
// Handle returns nil for every expected or idempotent condition (duplicates,
// mismatches, unresolvable references); it returns an error only when the
// verification call itself fails ambiguously, so the provider's redelivery
// mechanism retries the event.
type ChargeReconciler struct {
	payments  Repository
	bookings  booking.Repository
	provider  flutterwave.Client
	confirmer Confirmer
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewChargeReconciler creates a ChargeReconciler.
func NewChargeReconciler(
	payments Repository,
	bookings booking.Repository,
	provider flutterwave.Client,
	confirmer Confirmer,
	m *metrics.Metrics,
	logger *slog.Logger,
) *ChargeReconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChargeReconciler{
		payments:  payments,
		bookings:  bookings,
		provider:  provider,
		confirmer: confirmer,
		metrics:   m,
		logger:    logger,
	}
}

// Handle reconciles one charge.completed event.
func (r *ChargeReconciler) Handle(ctx context.Context, ev *webhook.ChargeEvent) error {
	// A missing correlation field must never reach a store filter: an
	// unconstrained predicate could match and mutate an arbitrary row.
	if ev.TxRef == "" || ev.ID == 0 {
		r.logger.WarnContext(ctx, "charge event missing correlation fields, dropping",
			"tx_ref", ev.TxRef, "provider_tx_id", ev.ID)
		r.metrics.IncWebhookEvent(webhook.EventChargeCompleted, metrics.OutcomeMalformed)
		return nil
	}

	// Never trust the webhook body's own status or amounts; fetch the
	// provider's authoritative record first.
	start := time.Now()
	verified, err := r.provider.VerifyTransaction(ctx, ev.ID)
	r.metrics.ObserveProviderCall("verify_transaction", time.Since(start).Seconds())
	if err != nil {
		if flutterwave.IsRejected(err) {
			// The provider has no matching successful record of this charge.
			r.logger.ErrorContext(ctx, "provider rejected transaction verification",
				"tx_ref", ev.TxRef, "provider_tx_id", ev.ID, "error", err)
			r.metrics.IncWebhookEvent(webhook.EventChargeCompleted, metrics.OutcomeMismatch)
			r.metrics.IncProviderCall("verify_transaction", "rejected")
			return nil
		}
		r.metrics.IncWebhookEvent(webhook.EventChargeCompleted, metrics.OutcomeError)
		r.metrics.IncProviderCall("verify_transaction", "error")
		return fmt.Errorf("transaction verification failed for %s: %w", ev.TxRef, err)
	}
	r.metrics.IncProviderCall("verify_transaction", "ok")

	// Disagreement between the webhook's claim and the verified record is a
	// potential forgery or replay, not a retryable fault.
	if verified.TxRef != ev.TxRef || verified.ID != ev.ID || verified.ChargedAmount != ev.ChargedAmount {
		r.logger.ErrorContext(ctx, "webhook claim disagrees with verified transaction",
			"tx_ref", ev.TxRef, "provider_tx_id", ev.ID,
			"verified_tx_ref", verified.TxRef, "verified_id", verified.ID,
			"claimed_amount", ev.ChargedAmount, "verified_amount", verified.ChargedAmount)
		r.metrics.IncWebhookEvent(webhook.EventChargeCompleted, metrics.OutcomeMismatch)
		return nil
	}

	// The settled outcome comes from the verified record alone.
	status := StatusFailed
	if strings.EqualFold(verified.Status, verifiedSuccessful) {
		status = StatusSuccessful
	}

	target, err := r.bookings.ResolvePaymentRef(ctx, ev.TxRef)
	if err != nil {
		switch err {
		case booking.ErrRefNotFound:
			r.logger.WarnContext(ctx, "no booking or extension carries payment reference, dropping",
				"tx_ref", ev.TxRef)
			r.metrics.IncWebhookEvent(webhook.EventChargeCompleted, metrics.OutcomeNotFound)
			return nil
		case booking.ErrRefAmbiguous:
			r.logger.ErrorContext(ctx, "payment reference matches multiple records, manual review required",
				"tx_ref", ev.TxRef)
			r.metrics.IncWebhookEvent(webhook.EventChargeCompleted, metrics.OutcomeIntegrity)
			return nil
		default:
			r.metrics.IncWebhookEvent(webhook.EventChargeCompleted, metrics.OutcomeError)
			return fmt.Errorf("failed to resolve payment ref %s: %w", ev.TxRef, err)
		}
	}

	p := &Payment{
		TxRef:          ev.TxRef,
		ProviderTxID:   &verified.ID,
		BookingID:      target.BookingID,
		ExtensionID:    target.ExtensionID,
		ExpectedAmount: target.ExpectedAmount,
		AmountCharged:  &verified.ChargedAmount,
		Currency:       verified.Currency,
		Status:         status,
		RawEvent:       ev.Raw,
	}
	if status == StatusSuccessful {
		now := time.Now()
		p.ConfirmedAt = &now
	}

	created, err := r.payments.CreateIfAbsent(ctx, p)
	if err != nil {
		r.metrics.IncWebhookEvent(webhook.EventChargeCompleted, metrics.OutcomeError)
		return fmt.Errorf("failed to create payment for %s: %w", ev.TxRef, err)
	}
	if !created {
		// Duplicate delivery; the first writer's outcome stands.
		r.logger.InfoContext(ctx, "payment already recorded, ignoring redelivery", "tx_ref", ev.TxRef)
		r.metrics.IncWebhookEvent(webhook.EventChargeCompleted, metrics.OutcomeDuplicate)
		return nil
	}

	r.logger.InfoContext(ctx, "payment recorded",
		"tx_ref", ev.TxRef, "payment_id", p.ID, "status", status, "amount_charged", verified.ChargedAmount)
	r.metrics.IncWebhookEvent(webhook.EventChargeCompleted, metrics.OutcomeProcessed)

	if status != StatusSuccessful {
		return nil
	}
	return r.confirm(ctx, p)
}

// confirm invokes the downstream confirmation exactly once per materialized
// payment. The confirmer's own idempotency guard is the second line of
// defense; a failure here is logged, not retried, because the webhook
// redelivery path stops at the existing payment row.
func (r *ChargeReconciler) confirm(ctx context.Context, p *Payment) error {
	var (
		did bool
		err error
	)
	switch {
	case p.BookingID != nil:
		did, err = r.confirmer.ConfirmBookingFromPayment(ctx, *p.BookingID, p.TxRef)
	case p.ExtensionID != nil:
		did, err = r.confirmer.ConfirmExtensionFromPayment(ctx, *p.ExtensionID, p.TxRef)
	}
	if err != nil {
		r.logger.ErrorContext(ctx, "downstream confirmation failed, manual review required",
			"tx_ref", p.TxRef, "payment_id", p.ID, "error", err)
		return nil
	}
	if did {
		r.logger.InfoContext(ctx, "downstream confirmation performed", "tx_ref", p.TxRef)
	}
	return nil
}
