package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/fleetrent/payments/internal/auth"
	"github.com/fleetrent/payments/internal/booking"
	"github.com/fleetrent/payments/internal/middleware"
	"github.com/fleetrent/payments/internal/payout"
	"github.com/fleetrent/payments/internal/validate"
)

// PayoutHandlers holds dependencies for payout-related HTTP handlers.
type PayoutHandlers struct {
	payouts *payout.Service
}

// NewPayoutHandlers creates a new PayoutHandlers instance.
func NewPayoutHandlers(payouts *payout.Service) *PayoutHandlers {
	return &PayoutHandlers{payouts: payouts}
}

// PayoutResponse represents the state of a payout transaction.
type PayoutResponse struct {
	PayoutID  string  `json:"payout_id"`
	BookingID string  `json:"booking_id"`
	Status    string  `json:"status"`
	Reference *string `json:"reference,omitempty"`
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`
}

// RunPayout initiates (or retries) the disbursement for a completed booking.
// POST /internal/payouts/{booking_id}
//
// This is the payout scheduler's entry point; only admin tokens may call it.
func (h *PayoutHandlers) RunPayout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodPost {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	if middleware.GetUserID(ctx) == "" {
		ctx = middleware.SetErrorCode(ctx, ErrCodeUnauthorized)
		WriteError(w, ctx, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
		return
	}
	if middleware.GetUserRole(ctx) != auth.RoleAdmin {
		ctx = middleware.SetErrorCode(ctx, ErrCodeForbidden)
		WriteError(w, ctx, http.StatusForbidden, ErrCodeForbidden, "admin role required")
		return
	}

	bookingID, err := validate.ResourceID(strings.TrimPrefix(r.URL.Path, "/internal/payouts/"))
	if err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeNotFound)
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "not found")
		return
	}

	t, err := h.payouts.Initiate(ctx, bookingID)
	if err != nil {
		switch {
		case errors.Is(err, booking.ErrBookingNotFound):
			ctx = middleware.SetErrorCode(ctx, ErrCodeNotFound)
			WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "booking not found")
		case errors.Is(err, payout.ErrBookingNotCompleted):
			ctx = middleware.SetErrorCode(ctx, ErrCodeBookingNotCompleted)
			WriteError(w, ctx, http.StatusUnprocessableEntity, ErrCodeBookingNotCompleted, "booking is not completed")
		case errors.Is(err, payout.ErrNothingToPay):
			ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
			WriteError(w, ctx, http.StatusUnprocessableEntity, ErrCodeValidation, "booking has no payout amount")
		case errors.Is(err, booking.ErrNoBankAccount), errors.Is(err, payout.ErrBankUnverified):
			ctx = middleware.SetErrorCode(ctx, ErrCodeBankUnverified)
			WriteError(w, ctx, http.StatusUnprocessableEntity, ErrCodeBankUnverified, "owner has no verified bank account")
		case errors.Is(err, payout.ErrPayoutInFlight):
			ctx = middleware.SetErrorCode(ctx, ErrCodePayoutInFlight)
			WriteError(w, ctx, http.StatusConflict, ErrCodePayoutInFlight, "payout already in flight")
		case errors.Is(err, payout.ErrAlreadyPaidOut):
			ctx = middleware.SetErrorCode(ctx, ErrCodeAlreadyPaidOut)
			WriteError(w, ctx, http.StatusConflict, ErrCodeAlreadyPaidOut, "booking already paid out")
		default:
			// Ambiguous transfer outcome or store failure. The payout row is
			// left PROCESSING; a retry presents the same reference, so the
			// provider cannot be made to pay twice.
			slog.ErrorContext(ctx, "payout initiation failed", "booking_id", bookingID, "error", err)
			ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
			WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "payout outcome uncertain, retry later")
		}
		return
	}

	resp := PayoutResponse{
		PayoutID:  t.ID,
		BookingID: t.BookingID,
		Status:    t.Status,
		Reference: t.Reference,
		Amount:    t.Amount,
		Currency:  t.Currency,
	}

	// A provider rejection settles the payout as FAILED without an error;
	// report it with the same shape so the scheduler can record it.
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}
