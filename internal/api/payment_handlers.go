package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fleetrent/payments/internal/auth"
	"github.com/fleetrent/payments/internal/booking"
	"github.com/fleetrent/payments/internal/flutterwave"
	"github.com/fleetrent/payments/internal/idempotency"
	"github.com/fleetrent/payments/internal/middleware"
	"github.com/fleetrent/payments/internal/payment"
	"github.com/fleetrent/payments/internal/validate"
)

// PaymentHandlers holds dependencies for payment-related HTTP handlers.
type PaymentHandlers struct {
	bookings    booking.Repository
	payments    payment.Repository
	refunds     *payment.RefundService
	provider    flutterwave.Client
	redirectURL string
}

// NewPaymentHandlers creates a new PaymentHandlers instance.
func NewPaymentHandlers(
	bookings booking.Repository,
	payments payment.Repository,
	refunds *payment.RefundService,
	provider flutterwave.Client,
	redirectURL string,
) *PaymentHandlers {
	return &PaymentHandlers{
		bookings:    bookings,
		payments:    payments,
		refunds:     refunds,
		provider:    provider,
		redirectURL: redirectURL,
	}
}

// InitiatePaymentRequest represents the request body for creating a payment link.
// Exactly one of BookingID/ExtensionID must be set.
type InitiatePaymentRequest struct {
	BookingID   string `json:"booking_id,omitempty"`
	ExtensionID string `json:"extension_id,omitempty"`
}

// InitiatePaymentResponse represents the response for a successful payment link creation.
type InitiatePaymentResponse struct {
	TxRef string `json:"tx_ref"`
	Link  string `json:"link"`
}

// InitiatePayment creates a hosted provider payment link for a booking or
// extension and stores the generated transaction reference on the owning row,
// so the later charge.completed webhook can be resolved back to it.
// POST /payments/initiate
func (h *PaymentHandlers) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodPost {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	userID := middleware.GetUserID(ctx)
	if userID == "" {
		ctx = middleware.SetErrorCode(ctx, ErrCodeUnauthorized)
		WriteError(w, ctx, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
		return
	}

	var req InitiatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}
	if (req.BookingID == "") == (req.ExtensionID == "") {
		ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "exactly one of booking_id or extension_id is required")
		return
	}
	if req.BookingID != "" {
		id, err := validate.ResourceID(req.BookingID)
		if err != nil {
			ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "invalid booking_id")
			return
		}
		req.BookingID = id
	} else {
		id, err := validate.ResourceID(req.ExtensionID)
		if err != nil {
			ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "invalid extension_id")
			return
		}
		req.ExtensionID = id
	}

	var (
		targetID    string
		bookingID   *string
		extensionID *string
		amount      float64
		currency    string
		renterID    string
		status      string
	)
	if req.BookingID != "" {
		b, err := h.bookings.GetBooking(ctx, req.BookingID)
		if err != nil {
			if errors.Is(err, booking.ErrBookingNotFound) {
				ctx = middleware.SetErrorCode(ctx, ErrCodeNotFound)
				WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "booking not found")
				return
			}
			slog.ErrorContext(ctx, "failed to get booking", "booking_id", req.BookingID, "error", err)
			ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
			WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to get booking")
			return
		}
		targetID, bookingID = b.ID, &b.ID
		amount, currency, renterID, status = b.TotalAmount, b.Currency, b.RenterID, b.Status
	} else {
		e, err := h.bookings.GetExtension(ctx, req.ExtensionID)
		if err != nil {
			if errors.Is(err, booking.ErrExtensionNotFound) {
				ctx = middleware.SetErrorCode(ctx, ErrCodeNotFound)
				WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "extension not found")
				return
			}
			slog.ErrorContext(ctx, "failed to get extension", "extension_id", req.ExtensionID, "error", err)
			ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
			WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to get extension")
			return
		}
		parent, err := h.bookings.GetBooking(ctx, e.BookingID)
		if err != nil {
			slog.ErrorContext(ctx, "failed to get extension's booking", "booking_id", e.BookingID, "error", err)
			ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
			WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to get booking")
			return
		}
		targetID, extensionID = e.ID, &e.ID
		amount, currency, renterID, status = e.Amount, e.Currency, parent.RenterID, e.Status
	}

	isAdmin := middleware.GetUserRole(ctx) == auth.RoleAdmin
	if renterID != userID && !isAdmin {
		ctx = middleware.SetErrorCode(ctx, ErrCodeForbidden)
		WriteError(w, ctx, http.StatusForbidden, ErrCodeForbidden, "only the renter can pay for this booking")
		return
	}
	if status != booking.StatusPendingPayment {
		ctx = middleware.SetErrorCode(ctx, ErrCodeConflict)
		WriteError(w, ctx, http.StatusConflict, ErrCodeConflict, "booking is not awaiting payment")
		return
	}

	// Store the reference before asking the provider for a link: a link whose
	// reference no booking carries would make the eventual webhook
	// unresolvable. A reference without a link is harmless; the next attempt
	// overwrites it.
	txRef := idempotency.NewTxRef(targetID)
	if err := h.bookings.SetPaymentRef(ctx, bookingID, extensionID, txRef); err != nil {
		slog.ErrorContext(ctx, "failed to store payment ref", "tx_ref", txRef, "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to initiate payment")
		return
	}

	link, err := h.provider.CreatePaymentLink(ctx, flutterwave.PaymentLinkRequest{
		TxRef:       txRef,
		Amount:      amount,
		Currency:    currency,
		RedirectURL: h.redirectURL,
		Title:       "Fleet rental payment",
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to create payment link", "tx_ref", txRef, "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to create payment link")
		return
	}

	slog.InfoContext(ctx, "payment link created", "tx_ref", txRef, "amount", amount, "currency", currency)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(InitiatePaymentResponse{TxRef: txRef, Link: link.Link}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

// PaymentResponse represents a payment's reconciliation state for clients
// polling after an ambiguous outcome.
type PaymentResponse struct {
	TxRef          string   `json:"tx_ref"`
	Status         string   `json:"status"`
	ExpectedAmount float64  `json:"expected_amount"`
	AmountCharged  *float64 `json:"amount_charged,omitempty"`
	AmountRefunded *float64 `json:"amount_refunded,omitempty"`
	Currency       string   `json:"currency"`
	ConfirmedAt    *string  `json:"confirmed_at,omitempty"`
}

// RefundRequest represents the request body for initiating a refund.
type RefundRequest struct {
	Amount float64 `json:"amount"`
	Reason string  `json:"reason"`
}

// RefundResponse represents the response for an accepted refund initiation.
type RefundResponse struct {
	TxRef  string `json:"tx_ref"`
	Status string `json:"status"`
}

// HandlePayment routes requests under /payments/{tx_ref}.
//
//	GET  /payments/{tx_ref}          payment status
//	POST /payments/{tx_ref}/refund   initiate a refund
func (h *PaymentHandlers) HandlePayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	pathParts := strings.Split(strings.TrimPrefix(r.URL.Path, "/payments/"), "/")
	switch {
	case len(pathParts) == 1 && pathParts[0] != "":
		h.getPayment(w, r, pathParts[0])
	case len(pathParts) == 2 && pathParts[0] != "" && pathParts[1] == "refund":
		h.refund(w, r, pathParts[0])
	default:
		ctx = middleware.SetErrorCode(ctx, ErrCodeNotFound)
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "not found")
	}
}

// getPayment handles GET /payments/{tx_ref}.
func (h *PaymentHandlers) getPayment(w http.ResponseWriter, r *http.Request, txRef string) {
	ctx := r.Context()

	if r.Method != http.MethodGet {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	userID := middleware.GetUserID(ctx)
	if userID == "" {
		ctx = middleware.SetErrorCode(ctx, ErrCodeUnauthorized)
		WriteError(w, ctx, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
		return
	}

	p, err := h.payments.GetByTxRef(ctx, txRef)
	if err != nil {
		if errors.Is(err, payment.ErrPaymentNotFound) {
			ctx = middleware.SetErrorCode(ctx, ErrCodeNotFound)
			WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "payment not found")
			return
		}
		slog.ErrorContext(ctx, "failed to get payment", "tx_ref", txRef, "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to get payment")
		return
	}

	// The renter initiated the charge and polls here; the fleet owner is
	// the money's destination. Both may read, anyone else may not.
	if middleware.GetUserRole(ctx) != auth.RoleAdmin {
		target, err := h.bookings.ResolvePaymentRef(ctx, txRef)
		if err != nil || (target.OwnerUserID != userID && target.RenterUserID != userID) {
			ctx = middleware.SetErrorCode(ctx, ErrCodeForbidden)
			WriteError(w, ctx, http.StatusForbidden, ErrCodeForbidden, "not your payment")
			return
		}
	}

	resp := PaymentResponse{
		TxRef:          p.TxRef,
		Status:         p.Status,
		ExpectedAmount: p.ExpectedAmount,
		AmountCharged:  p.AmountCharged,
		AmountRefunded: p.AmountRefunded,
		Currency:       p.Currency,
	}
	if p.ConfirmedAt != nil {
		s := p.ConfirmedAt.UTC().Format(time.RFC3339)
		resp.ConfirmedAt = &s
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

// refund handles POST /payments/{tx_ref}/refund.
func (h *PaymentHandlers) refund(w http.ResponseWriter, r *http.Request, txRef string) {
	ctx := r.Context()

	if r.Method != http.MethodPost {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	userID := middleware.GetUserID(ctx)
	if userID == "" {
		ctx = middleware.SetErrorCode(ctx, ErrCodeUnauthorized)
		WriteError(w, ctx, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
		return
	}

	var req RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}

	reason, err := validate.RefundReason(req.Reason)
	if err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "invalid refund reason")
		return
	}

	isAdmin := middleware.GetUserRole(ctx) == auth.RoleAdmin
	result, err := h.refunds.Initiate(ctx, userID, txRef, req.Amount, reason, isAdmin)
	if err != nil {
		switch {
		case errors.Is(err, payment.ErrPaymentNotFound):
			ctx = middleware.SetErrorCode(ctx, ErrCodeNotFound)
			WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "payment not found")
		case errors.Is(err, payment.ErrNotAuthorized):
			ctx = middleware.SetErrorCode(ctx, ErrCodeForbidden)
			WriteError(w, ctx, http.StatusForbidden, ErrCodeForbidden, "not your payment")
		case errors.Is(err, payment.ErrNoProviderRef):
			ctx = middleware.SetErrorCode(ctx, ErrCodeNotRefundable)
			WriteError(w, ctx, http.StatusUnprocessableEntity, ErrCodeNotRefundable, "payment never settled with the provider")
		case errors.Is(err, payment.ErrAmountExceedsCharge):
			ctx = middleware.SetErrorCode(ctx, ErrCodeAmountExceedsCharge)
			WriteError(w, ctx, http.StatusUnprocessableEntity, ErrCodeAmountExceedsCharge, "refund amount exceeds charged amount")
		case errors.Is(err, payment.ErrRefundInProgress):
			ctx = middleware.SetErrorCode(ctx, ErrCodeRefundInProgress)
			WriteError(w, ctx, http.StatusConflict, ErrCodeRefundInProgress, "refund already in progress")
		default:
			// Ambiguous provider outcome or store failure. The payment is
			// left retriable; the client should poll GET /payments/{tx_ref}.
			slog.ErrorContext(ctx, "refund initiation failed", "tx_ref", txRef, "error", err)
			ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
			WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "refund outcome uncertain, retry later")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(RefundResponse{TxRef: txRef, Status: result.Status}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}
