package booking

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fleetrent/payments/internal/notify"
)

// ConfirmationService finalizes bookings and extensions once their payment has
// been verified. Both confirm methods are idempotent: the underlying update
// only applies while the record is still awaiting payment, and the boolean
// result reports whether this call performed the transition.
type ConfirmationService struct {
	repo     Repository
	notifier notify.Notifier
	logger   *slog.Logger
}

// NewConfirmationService creates a ConfirmationService.
func NewConfirmationService(repo Repository, notifier notify.Notifier, logger *slog.Logger) *ConfirmationService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConfirmationService{repo: repo, notifier: notifier, logger: logger}
}

// ConfirmBookingFromPayment confirms a booking after its charge settled.
func (s *ConfirmationService) ConfirmBookingFromPayment(ctx context.Context, bookingID, txRef string) (bool, error) {
	confirmed, err := s.repo.ConfirmBooking(ctx, bookingID)
	if err != nil {
		return false, fmt.Errorf("failed to confirm booking %s: %w", bookingID, err)
	}
	if !confirmed {
		s.logger.InfoContext(ctx, "booking already confirmed, skipping", "booking_id", bookingID, "tx_ref", txRef)
		return false, nil
	}

	s.logger.InfoContext(ctx, "booking confirmed from payment", "booking_id", bookingID, "tx_ref", txRef)
	s.enqueue(ctx, notify.Job{
		ID:   notify.JobID(notify.KindBookingConfirmed, bookingID, txRef),
		Kind: notify.KindBookingConfirmed,
		Payload: map[string]string{
			"booking_id": bookingID,
			"tx_ref":     txRef,
		},
	})
	return true, nil
}

// ConfirmExtensionFromPayment confirms an extension after its charge settled.
func (s *ConfirmationService) ConfirmExtensionFromPayment(ctx context.Context, extensionID, txRef string) (bool, error) {
	confirmed, err := s.repo.ConfirmExtension(ctx, extensionID)
	if err != nil {
		return false, fmt.Errorf("failed to confirm extension %s: %w", extensionID, err)
	}
	if !confirmed {
		s.logger.InfoContext(ctx, "extension already confirmed, skipping", "extension_id", extensionID, "tx_ref", txRef)
		return false, nil
	}

	s.logger.InfoContext(ctx, "extension confirmed from payment", "extension_id", extensionID, "tx_ref", txRef)
	s.enqueue(ctx, notify.Job{
		ID:   notify.JobID(notify.KindExtensionConfirmed, extensionID, txRef),
		Kind: notify.KindExtensionConfirmed,
		Payload: map[string]string{
			"extension_id": extensionID,
			"tx_ref":       txRef,
		},
	})
	return true, nil
}

// enqueue is fire-and-forget: a notification failure never fails the
// confirmation it decorates.
func (s *ConfirmationService) enqueue(ctx context.Context, job notify.Job) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Enqueue(ctx, job); err != nil {
		s.logger.WarnContext(ctx, "failed to enqueue notification", "job_id", job.ID, "error", err)
	}
}
