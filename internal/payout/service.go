package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fleetrent/payments/internal/booking"
	"github.com/fleetrent/payments/internal/flutterwave"
	"github.com/fleetrent/payments/internal/idempotency"
	"github.com/fleetrent/payments/internal/metrics"
	"github.com/fleetrent/payments/internal/notify"
	"github.com/fleetrent/payments/internal/webhook"
)

// transferSuccessful is the provider's settled-transfer status, compared
// case-insensitively.
const transferSuccessful = "successful"

// Payout initiation errors surfaced to the API boundary.
var (
	// ErrBookingNotCompleted is returned when the rental has not finished yet.
	ErrBookingNotCompleted = errors.New("booking is not completed")

	// ErrNothingToPay is returned when the booking carries no payout amount.
	ErrNothingToPay = errors.New("booking has no payout amount")

	// ErrBankUnverified is returned when the owner's bank account has not
	// been verified.
	ErrBankUnverified = errors.New("owner bank account is not verified")

	// ErrPayoutInFlight is returned when a transfer for this booking is
	// already processing.
	ErrPayoutInFlight = errors.New("payout already in flight")

	// ErrAlreadyPaidOut is returned when the booking's payout has settled.
	ErrAlreadyPaidOut = errors.New("booking already paid out")
)

// Service initiates owner payouts for completed bookings and reconciles the
// provider's transfer.completed webhooks.
//
// Exactly-once initiation rests on two store primitives: the unique payout
// row per booking, and the status-guarded move to PROCESSING. The transfer
// reference is derived from the payout row id, so a re-attempt after an
// ambiguous failure presents the same reference and the provider deduplicates
// the transfer on its side.
type Service struct {
	payouts  Repository
	bookings booking.Repository
	provider flutterwave.Client
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewService creates a payout Service.
func NewService(
	payouts Repository,
	bookings booking.Repository,
	provider flutterwave.Client,
	notifier notify.Notifier,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		payouts:  payouts,
		bookings: bookings,
		provider: provider,
		notifier: notifier,
		metrics:  m,
		logger:   logger,
	}
}

// Initiate starts (or re-attempts) the owner payout for a completed booking.
//
// Concurrent calls converge on one payout row: the loser of the Create race
// recovers the winner's row, and the status guard in MarkProcessing lets only
// one of them reach the provider. A provider rejection is recorded as FAILED
// and returned without error; an ambiguous failure leaves the payout in
// PROCESSING for the webhook (or a retry with the same reference) to settle,
// and returns the error.
func (s *Service) Initiate(ctx context.Context, bookingID string) (*Transaction, error) {
	b, err := s.bookings.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.Status != booking.StatusCompleted {
		return nil, ErrBookingNotCompleted
	}
	if b.PayoutAmount <= 0 {
		return nil, ErrNothingToPay
	}

	account, err := s.bookings.GetBankAccount(ctx, b.OwnerID)
	if err != nil {
		return nil, err
	}
	if !account.Verified {
		return nil, ErrBankUnverified
	}

	t := &Transaction{
		ID:        uuid.NewString(),
		BookingID: b.ID,
		OwnerID:   b.OwnerID,
		Amount:    b.PayoutAmount,
		Currency:  b.Currency,
	}
	if err := s.payouts.Create(ctx, t); err != nil {
		if !errors.Is(err, ErrPayoutExists) {
			return nil, err
		}
		t, err = s.payouts.GetByBooking(ctx, b.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to recover existing payout: %w", err)
		}
	}

	switch t.Status {
	case StatusPaidOut:
		return nil, ErrAlreadyPaidOut
	case StatusProcessing:
		// A recorded transfer id means the provider acknowledged: the
		// payout is genuinely in flight and the webhook will settle it.
		// Without one the earlier attempt died ambiguously and no webhook
		// is coming; fall through so the claim below re-takes the row.
		// The deterministic reference keeps the repeat call safe.
		if t.TransferID != nil {
			return nil, ErrPayoutInFlight
		}
	}

	reference := idempotency.PayoutReference(t.ID)
	claimed, err := s.payouts.MarkProcessing(ctx, t.ID, reference)
	if err != nil {
		return nil, fmt.Errorf("failed to claim payout: %w", err)
	}
	if !claimed {
		return nil, ErrPayoutInFlight
	}
	t.Status = StatusProcessing
	t.Reference = &reference

	s.logger.InfoContext(ctx, "payout claimed",
		"payout_id", t.ID, "booking_id", b.ID, "amount", t.Amount, "reference", reference)

	start := time.Now()
	transfer, err := s.provider.CreateTransfer(ctx, flutterwave.TransferRequest{
		BankCode:      account.BankCode,
		AccountNumber: account.AccountNumber,
		Amount:        t.Amount,
		Currency:      t.Currency,
		Narration:     "Fleet owner payout for booking " + b.ID,
		Reference:     reference,
	})
	s.metrics.ObserveProviderCall("create_transfer", time.Since(start).Seconds())

	if err != nil {
		if flutterwave.IsRejected(err) {
			s.metrics.IncProviderCall("create_transfer", "rejected")
			if ferr := s.payouts.MarkInitiationFailed(ctx, t.ID, err.Error()); ferr != nil {
				return nil, fmt.Errorf("failed to record transfer rejection: %w", ferr)
			}
			s.logger.WarnContext(ctx, "provider rejected transfer",
				"payout_id", t.ID, "booking_id", b.ID, "error", err)
			t.Status = StatusFailed
			return t, nil
		}

		// Ambiguous outcome: the transfer may exist. Leave PROCESSING so the
		// webhook can settle it; a retry reuses the same reference.
		s.metrics.IncProviderCall("create_transfer", "error")
		return nil, fmt.Errorf("transfer call outcome uncertain for booking %s: %w", b.ID, err)
	}

	s.metrics.IncProviderCall("create_transfer", "ok")
	if err := s.payouts.SetTransferID(ctx, t.ID, transfer.ID); err != nil {
		s.logger.ErrorContext(ctx, "failed to record transfer id",
			"payout_id", t.ID, "transfer_id", transfer.ID, "error", err)
	} else {
		t.TransferID = &transfer.ID
	}

	s.logger.InfoContext(ctx, "payout initiated with provider",
		"payout_id", t.ID, "booking_id", b.ID, "transfer_id", transfer.ID)
	return t, nil
}

// HandleTransferCompleted settles one transfer.completed event into PAID_OUT
// or FAILED. Expected and idempotent conditions (unknown reference, settled
// payout, duplicate delivery) return nil.
func (s *Service) HandleTransferCompleted(ctx context.Context, ev *webhook.TransferEvent) error {
	if ev.Reference == "" || ev.Status == "" {
		s.logger.WarnContext(ctx, "transfer event missing reference or status, dropping",
			"transfer_id", ev.ID, "reference", ev.Reference)
		s.metrics.IncWebhookEvent(webhook.EventTransferCompleted, metrics.OutcomeMalformed)
		return nil
	}

	t, err := s.payouts.GetByReference(ctx, ev.Reference)
	if err != nil {
		if errors.Is(err, ErrPayoutNotFound) {
			s.logger.WarnContext(ctx, "transfer event for unknown reference, dropping",
				"reference", ev.Reference)
			s.metrics.IncWebhookEvent(webhook.EventTransferCompleted, metrics.OutcomeNotFound)
			return nil
		}
		s.metrics.IncWebhookEvent(webhook.EventTransferCompleted, metrics.OutcomeError)
		return fmt.Errorf("failed to load payout for transfer event: %w", err)
	}

	if t.Terminal() {
		s.logger.InfoContext(ctx, "transfer event for settled payout, ignoring",
			"payout_id", t.ID, "status", t.Status)
		s.metrics.IncWebhookEvent(webhook.EventTransferCompleted, metrics.OutcomeStale)
		return nil
	}

	status := StatusFailed
	if strings.EqualFold(ev.Status, transferSuccessful) {
		status = StatusPaidOut
	}

	applied, err := s.payouts.Complete(ctx, t.ID, status, ev.Raw)
	if err != nil {
		s.metrics.IncWebhookEvent(webhook.EventTransferCompleted, metrics.OutcomeError)
		return fmt.Errorf("failed to complete payout: %w", err)
	}
	if !applied {
		s.logger.InfoContext(ctx, "transfer event lost settlement race, ignoring",
			"payout_id", t.ID)
		s.metrics.IncWebhookEvent(webhook.EventTransferCompleted, metrics.OutcomeDuplicate)
		return nil
	}

	s.logger.InfoContext(ctx, "payout settled",
		"payout_id", t.ID, "booking_id", t.BookingID, "status", status)
	s.metrics.IncWebhookEvent(webhook.EventTransferCompleted, metrics.OutcomeProcessed)

	if status == StatusFailed {
		// Re-open the booking for another payout attempt.
		if err := s.bookings.SetPayoutProcessed(ctx, t.BookingID, false); err != nil {
			s.logger.ErrorContext(ctx, "failed to clear booking payout flag",
				"booking_id", t.BookingID, "error", err)
		}
		return nil
	}

	s.enqueueSettled(ctx, t)
	return nil
}

func (s *Service) enqueueSettled(ctx context.Context, t *Transaction) {
	if s.notifier == nil {
		return
	}
	job := notify.Job{
		ID:   notify.JobID(notify.KindPayoutSettled, t.ID),
		Kind: notify.KindPayoutSettled,
		Payload: map[string]string{
			"payout_id":  t.ID,
			"booking_id": t.BookingID,
			"owner_id":   t.OwnerID,
			"amount":     strconv.FormatFloat(t.Amount, 'f', -1, 64),
			"currency":   t.Currency,
		},
	}
	if err := s.notifier.Enqueue(ctx, job); err != nil {
		s.logger.WarnContext(ctx, "failed to enqueue payout notification",
			"job_id", job.ID, "error", err)
	}
}
