package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/fleetrent/payments/internal/booking"
	"github.com/fleetrent/payments/internal/flutterwave"
	"github.com/fleetrent/payments/internal/idempotency"
	"github.com/fleetrent/payments/internal/metrics"
	"github.com/fleetrent/payments/internal/notify"
	"github.com/fleetrent/payments/internal/webhook"
)

// refundCompleted is the provider's settled-refund status, compared
// case-insensitively.
const refundCompleted = "completed"

// Refund initiation errors surfaced to the API boundary as client errors.
var (
	// ErrNotAuthorized is returned when the caller does not own the booking
	// or extension behind the payment.
	ErrNotAuthorized = errors.New("caller does not own this payment's booking")

	// ErrAmountExceedsCharge is returned when the requested refund exceeds
	// the charged amount, or the charged amount is unknown.
	ErrAmountExceedsCharge = errors.New("refund amount exceeds charged amount")

	// ErrNoProviderRef is returned when the payment has no provider
	// transaction id to refund against.
	ErrNoProviderRef = errors.New("payment has no provider transaction reference")

	// ErrRefundInProgress is returned when the refund attempt is already held
	// by another caller, or the payment is not in a refundable state.
	ErrRefundInProgress = errors.New("refund already in progress or payment not refundable")
)

// RefundResult reports the outcome of a refund initiation.
type RefundResult struct {
	Status         string
	IdempotencyKey string
}

// RefundService claims and initiates refunds on settled payments and later
// reconciles the provider's refund.completed webhooks into a final status.
type RefundService struct {
	payments Repository
	bookings booking.Repository
	provider flutterwave.Client
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewRefundService creates a RefundService.
func NewRefundService(
	payments Repository,
	bookings booking.Repository,
	provider flutterwave.Client,
	notifier notify.Notifier,
	m *metrics.Metrics,
	logger *slog.Logger,
) *RefundService {
	if logger == nil {
		logger = slog.Default()
	}
	return &RefundService{
		payments: payments,
		bookings: bookings,
		provider: provider,
		notifier: notifier,
		metrics:  m,
		logger:   logger,
	}
}

// Initiate claims the refund attempt on a payment and calls the provider.
//
// The claim is a single conditional update: only a SUCCESSFUL or REFUND_ERROR
// payment can move to REFUND_PROCESSING, and a zero-row result means another
// caller holds the attempt. The slow provider call happens after the claim,
// never under it; an ambiguous failure leaves the payment in REFUND_ERROR with
// its idempotency key preserved and re-raises the error so the caller knows
// the outcome is uncertain.
func (s *RefundService) Initiate(ctx context.Context, callerID, txRef string, amount float64, reason string, isAdmin bool) (*RefundResult, error) {
	p, err := s.payments.GetByTxRef(ctx, txRef)
	if err != nil {
		return nil, err
	}

	if !isAdmin {
		target, err := s.bookings.ResolvePaymentRef(ctx, txRef)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve payment ownership: %w", err)
		}
		if target.OwnerUserID != callerID {
			return nil, ErrNotAuthorized
		}
	}

	if p.ProviderTxID == nil {
		return nil, ErrNoProviderRef
	}
	if p.AmountCharged == nil || amount <= 0 || amount > *p.AmountCharged {
		return nil, ErrAmountExceedsCharge
	}

	claimed, key, err := s.payments.ClaimRefund(ctx, p.ID, idempotency.NewRefundKey(p.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to claim refund attempt: %w", err)
	}
	if !claimed {
		return nil, ErrRefundInProgress
	}

	s.logger.InfoContext(ctx, "refund attempt claimed",
		"payment_id", p.ID, "tx_ref", txRef, "amount", amount)

	start := time.Now()
	refund, err := s.provider.CreateRefund(ctx, flutterwave.RefundRequest{
		TransactionID:  *p.ProviderTxID,
		Amount:         amount,
		Reason:         reason,
		IdempotencyKey: key,
	})
	s.metrics.ObserveProviderCall("create_refund", time.Since(start).Seconds())

	if err != nil {
		if flutterwave.IsRejected(err) {
			// Explicit business decline: terminal, no retry will change it.
			s.metrics.IncProviderCall("create_refund", "rejected")
			if serr := s.payments.SetRefundOutcome(ctx, p.ID, StatusRefundFailed); serr != nil {
				return nil, fmt.Errorf("failed to record refund rejection: %w", serr)
			}
			s.logger.WarnContext(ctx, "provider rejected refund",
				"payment_id", p.ID, "tx_ref", txRef, "error", err)
			return &RefundResult{Status: StatusRefundFailed, IdempotencyKey: key}, nil
		}

		// Ambiguous outcome: mark retriable, keep the key, re-raise.
		s.metrics.IncProviderCall("create_refund", "error")
		if serr := s.payments.SetRefundOutcome(ctx, p.ID, StatusRefundError); serr != nil {
			s.logger.ErrorContext(ctx, "failed to record ambiguous refund outcome",
				"payment_id", p.ID, "error", serr)
		}
		return nil, fmt.Errorf("refund call outcome uncertain for %s: %w", txRef, err)
	}

	s.metrics.IncProviderCall("create_refund", "ok")
	s.logger.InfoContext(ctx, "refund initiated with provider",
		"payment_id", p.ID, "tx_ref", txRef, "provider_refund_id", refund.ID)
	return &RefundResult{Status: StatusRefundProcessing, IdempotencyKey: key}, nil
}

// HandleRefundCompleted reconciles one refund.completed event into a final
// refund status. Expected and idempotent conditions (unknown payment, stale or
// duplicate webhook) return nil.
func (s *RefundService) HandleRefundCompleted(ctx context.Context, ev *webhook.RefundEvent) error {
	if ev.TransactionID == nil || ev.AmountRefunded == nil {
		s.logger.WarnContext(ctx, "refund event missing correlation fields, dropping",
			"flw_ref", ev.FlwRef)
		s.metrics.IncWebhookEvent(webhook.EventRefundCompleted, metrics.OutcomeMalformed)
		return nil
	}

	p, err := s.payments.GetByProviderTxID(ctx, *ev.TransactionID)
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			s.logger.WarnContext(ctx, "refund event for unknown payment, dropping",
				"provider_tx_id", *ev.TransactionID)
			s.metrics.IncWebhookEvent(webhook.EventRefundCompleted, metrics.OutcomeNotFound)
			return nil
		}
		s.metrics.IncWebhookEvent(webhook.EventRefundCompleted, metrics.OutcomeError)
		return fmt.Errorf("failed to load payment for refund event: %w", err)
	}

	status := s.classifyRefund(ctx, p, ev)

	applied, err := s.payments.ApplyRefundResult(ctx, p.ID, status, *ev.AmountRefunded, ev.Raw)
	if err != nil {
		s.metrics.IncWebhookEvent(webhook.EventRefundCompleted, metrics.OutcomeError)
		return fmt.Errorf("failed to apply refund result: %w", err)
	}
	if !applied {
		// The payment is not (or no longer) holding a refund claim: a stale,
		// duplicate, or late webhook. Nothing to re-apply.
		s.logger.InfoContext(ctx, "refund event found no held claim, ignoring",
			"payment_id", p.ID, "status", p.Status)
		s.metrics.IncWebhookEvent(webhook.EventRefundCompleted, metrics.OutcomeStale)
		return nil
	}

	s.logger.InfoContext(ctx, "refund settled",
		"payment_id", p.ID, "tx_ref", p.TxRef, "status", status, "amount_refunded", *ev.AmountRefunded)
	s.metrics.IncWebhookEvent(webhook.EventRefundCompleted, metrics.OutcomeProcessed)

	if status == StatusRefunded || status == StatusPartiallyRefunded {
		s.enqueueSettled(ctx, p, status, *ev.AmountRefunded)
	}
	return nil
}

// classifyRefund derives the final status from the provider's reported
// outcome and the refunded-versus-charged amounts.
func (s *RefundService) classifyRefund(ctx context.Context, p *Payment, ev *webhook.RefundEvent) string {
	if !strings.EqualFold(ev.Status, refundCompleted) {
		return StatusRefundFailed
	}
	if p.AmountCharged == nil {
		s.logger.WarnContext(ctx, "charged amount unknown, classifying refund as partial",
			"payment_id", p.ID)
		return StatusPartiallyRefunded
	}
	if *ev.AmountRefunded >= *p.AmountCharged {
		return StatusRefunded
	}
	return StatusPartiallyRefunded
}

func (s *RefundService) enqueueSettled(ctx context.Context, p *Payment, status string, amount float64) {
	if s.notifier == nil {
		return
	}
	job := notify.Job{
		ID:   notify.JobID(notify.KindRefundSettled, p.ID),
		Kind: notify.KindRefundSettled,
		Payload: map[string]string{
			"payment_id": p.ID,
			"tx_ref":     p.TxRef,
			"status":     status,
			"amount":     strconv.FormatFloat(amount, 'f', -1, 64),
		},
	}
	if err := s.notifier.Enqueue(ctx, job); err != nil {
		s.logger.WarnContext(ctx, "failed to enqueue refund notification",
			"job_id", job.ID, "error", err)
	}
}
