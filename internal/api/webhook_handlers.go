package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/fleetrent/payments/internal/metrics"
	"github.com/fleetrent/payments/internal/middleware"
	"github.com/fleetrent/payments/internal/payment"
	"github.com/fleetrent/payments/internal/payout"
	"github.com/fleetrent/payments/internal/webhook"
)

// maxWebhookBody caps the webhook request body. Provider events are small;
// anything larger is not a legitimate delivery.
const maxWebhookBody = 1 << 20

// WebhookHandlers holds dependencies for provider webhook ingress.
type WebhookHandlers struct {
	verifier *webhook.Verifier
	charges  *payment.ChargeReconciler
	refunds  *payment.RefundService
	payouts  *payout.Service
	metrics  *metrics.Metrics
}

// NewWebhookHandlers creates a new WebhookHandlers instance.
func NewWebhookHandlers(
	verifier *webhook.Verifier,
	charges *payment.ChargeReconciler,
	refunds *payment.RefundService,
	payouts *payout.Service,
	m *metrics.Metrics,
) *WebhookHandlers {
	return &WebhookHandlers{
		verifier: verifier,
		charges:  charges,
		refunds:  refunds,
		payouts:  payouts,
		metrics:  m,
	}
}

// HandleFlutterwaveWebhook processes provider webhook events with signature
// verification.
// POST /webhooks/flutterwave
//
// Response codes steer the provider's redelivery: 200 acknowledges the event
// (including drops and unknown event types, which redelivery cannot fix),
// 401 rejects an unauthenticated sender, and 500 is returned only when
// reconciliation hit a transient fault worth replaying.
func (h *WebhookHandlers) HandleFlutterwaveWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodPost {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	// Verify the sender before reading anything else. The header carries the
	// shared webhook hash, not a signature over the body, so no body bytes
	// are needed to check it.
	if !h.verifier.Verify(r.Header.Get(webhook.SignatureHeader)) {
		slog.WarnContext(ctx, "webhook signature verification failed")
		h.metrics.IncWebhookEvent("unknown", metrics.OutcomeBadSig)
		ctx = middleware.SetErrorCode(ctx, ErrCodeUnauthorized)
		WriteError(w, ctx, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid signature")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "failed to read request body")
		return
	}

	ev, err := webhook.ParseEvent(body)
	if err != nil {
		if errors.Is(err, webhook.ErrUnknownEvent) {
			// Acknowledge unknown event types so the provider can add types
			// without breaking delivery.
			slog.InfoContext(ctx, "ignoring unhandled webhook event type", "error", err)
			h.metrics.IncWebhookEvent("unknown", metrics.OutcomeUnknown)
			w.WriteHeader(http.StatusOK)
			return
		}
		// A verified sender delivered an undecodable body; redelivery would
		// carry the same bytes, so acknowledge and drop.
		slog.WarnContext(ctx, "malformed webhook body, dropping", "error", err)
		h.metrics.IncWebhookEvent("unknown", metrics.OutcomeMalformed)
		w.WriteHeader(http.StatusOK)
		return
	}

	switch ev := ev.(type) {
	case *webhook.ChargeEvent:
		slog.InfoContext(ctx, "webhook event received",
			"event_type", webhook.EventChargeCompleted, "tx_ref", ev.TxRef)
		err = h.charges.Handle(ctx, ev)
	case *webhook.TransferEvent:
		slog.InfoContext(ctx, "webhook event received",
			"event_type", webhook.EventTransferCompleted, "reference", ev.Reference)
		err = h.payouts.HandleTransferCompleted(ctx, ev)
	case *webhook.RefundEvent:
		slog.InfoContext(ctx, "webhook event received",
			"event_type", webhook.EventRefundCompleted, "flw_ref", ev.FlwRef)
		err = h.refunds.HandleRefundCompleted(ctx, ev)
	}

	if err != nil {
		// Reconciliation only returns an error for transient faults; a 500
		// asks the provider to redeliver.
		slog.ErrorContext(ctx, "webhook reconciliation failed, requesting redelivery", "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to process webhook")
		return
	}

	w.WriteHeader(http.StatusOK)
}
