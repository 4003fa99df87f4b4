package payout

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/fleetrent/payments/internal/booking"
	"github.com/fleetrent/payments/internal/flutterwave"
	"github.com/fleetrent/payments/internal/notify"
	"github.com/fleetrent/payments/internal/webhook"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeProvider implements flutterwave.Client with canned transfer responses.
type fakeProvider struct {
	transfer    *flutterwave.Transfer
	transferErr error

	transferCalls []flutterwave.TransferRequest
}

func (f *fakeProvider) VerifyTransaction(ctx context.Context, id int64) (*flutterwave.Transaction, error) {
	return nil, &flutterwave.APIError{Kind: flutterwave.KindUnknown, Message: "not implemented"}
}

func (f *fakeProvider) CreateRefund(ctx context.Context, req flutterwave.RefundRequest) (*flutterwave.Refund, error) {
	return nil, &flutterwave.APIError{Kind: flutterwave.KindUnknown, Message: "not implemented"}
}

func (f *fakeProvider) CreateTransfer(ctx context.Context, req flutterwave.TransferRequest) (*flutterwave.Transfer, error) {
	f.transferCalls = append(f.transferCalls, req)
	if f.transferErr != nil {
		return nil, f.transferErr
	}
	return f.transfer, nil
}

func (f *fakeProvider) CreatePaymentLink(ctx context.Context, req flutterwave.PaymentLinkRequest) (*flutterwave.PaymentLink, error) {
	return nil, &flutterwave.APIError{Kind: flutterwave.KindUnknown, Message: "not implemented"}
}

type payoutFixture struct {
	payouts  *InMemoryRepository
	bookings *booking.InMemoryRepository
	provider *fakeProvider
	notifier *notify.InMemoryNotifier
	svc      *Service
}

func newPayoutFixture() *payoutFixture {
	bookings := booking.NewInMemoryRepository()
	payouts := NewInMemoryRepository(bookings)
	provider := &fakeProvider{
		transfer: &flutterwave.Transfer{ID: 4321, Status: "NEW", Amount: 450, Currency: "NGN"},
	}
	notifier := notify.NewInMemoryNotifier()
	return &payoutFixture{
		payouts:  payouts,
		bookings: bookings,
		provider: provider,
		notifier: notifier,
		svc:      NewService(payouts, bookings, provider, notifier, nil, testLogger()),
	}
}

func (f *payoutFixture) seedCompletedBooking() {
	f.bookings.PutBooking(&booking.Booking{
		ID: "bk1", RenterID: "renter-1", OwnerID: "owner-1", VehicleID: "veh-1",
		TotalAmount: 500, PayoutAmount: 450, Currency: "NGN",
		Status: booking.StatusCompleted,
	})
	f.bookings.PutBankAccount(&booking.BankAccount{
		OwnerID: "owner-1", BankCode: "044", AccountNumber: "0690000040", Verified: true,
	})
}

func TestInitiate_HappyPath(t *testing.T) {
	f := newPayoutFixture()
	f.seedCompletedBooking()

	tr, err := f.svc.Initiate(context.Background(), "bk1")
	if err != nil {
		t.Fatalf("Initiate returned error: %v", err)
	}
	if tr.Status != StatusProcessing {
		t.Errorf("Status = %s, want PROCESSING", tr.Status)
	}
	if tr.Reference == nil || *tr.Reference != "payout_"+tr.ID {
		t.Errorf("Reference = %v, want payout_%s", tr.Reference, tr.ID)
	}
	if tr.TransferID == nil || *tr.TransferID != 4321 {
		t.Errorf("TransferID = %v, want 4321", tr.TransferID)
	}

	if len(f.provider.transferCalls) != 1 {
		t.Fatalf("transfer calls = %d, want 1", len(f.provider.transferCalls))
	}
	call := f.provider.transferCalls[0]
	if call.BankCode != "044" || call.AccountNumber != "0690000040" || call.Amount != 450 {
		t.Errorf("unexpected transfer request: %+v", call)
	}
	if call.Reference != *tr.Reference {
		t.Errorf("transfer reference %q != payout reference %q", call.Reference, *tr.Reference)
	}

	b, _ := f.bookings.GetBooking(context.Background(), "bk1")
	if !b.PayoutProcessed {
		t.Error("expected booking payout flag set")
	}
}

func TestInitiate_Preconditions(t *testing.T) {
	tests := []struct {
		name    string
		seed    func(f *payoutFixture)
		wantErr error
	}{
		{
			name:    "booking not found",
			seed:    func(f *payoutFixture) {},
			wantErr: booking.ErrBookingNotFound,
		},
		{
			name: "booking not completed",
			seed: func(f *payoutFixture) {
				f.seedCompletedBooking()
				f.bookings.PutBooking(&booking.Booking{
					ID: "bk1", OwnerID: "owner-1", PayoutAmount: 450, Currency: "NGN",
					Status: booking.StatusConfirmed,
				})
			},
			wantErr: ErrBookingNotCompleted,
		},
		{
			name: "nothing to pay",
			seed: func(f *payoutFixture) {
				f.seedCompletedBooking()
				f.bookings.PutBooking(&booking.Booking{
					ID: "bk1", OwnerID: "owner-1", PayoutAmount: 0, Currency: "NGN",
					Status: booking.StatusCompleted,
				})
			},
			wantErr: ErrNothingToPay,
		},
		{
			name: "bank account unverified",
			seed: func(f *payoutFixture) {
				f.seedCompletedBooking()
				f.bookings.PutBankAccount(&booking.BankAccount{
					OwnerID: "owner-1", BankCode: "044", AccountNumber: "0690000040", Verified: false,
				})
			},
			wantErr: ErrBankUnverified,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPayoutFixture()
			tt.seed(f)
			_, err := f.svc.Initiate(context.Background(), "bk1")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
			if len(f.provider.transferCalls) != 0 {
				t.Errorf("provider must not be called, got %d calls", len(f.provider.transferCalls))
			}
		})
	}
}

func TestInitiate_SecondCallWhileInFlight(t *testing.T) {
	f := newPayoutFixture()
	f.seedCompletedBooking()

	if _, err := f.svc.Initiate(context.Background(), "bk1"); err != nil {
		t.Fatalf("first initiate: %v", err)
	}
	_, err := f.svc.Initiate(context.Background(), "bk1")
	if !errors.Is(err, ErrPayoutInFlight) {
		t.Errorf("expected ErrPayoutInFlight, got %v", err)
	}
	if len(f.provider.transferCalls) != 1 {
		t.Errorf("transfer calls = %d, want 1", len(f.provider.transferCalls))
	}
}

func TestInitiate_ProviderRejection(t *testing.T) {
	f := newPayoutFixture()
	f.seedCompletedBooking()
	f.provider.transferErr = &flutterwave.APIError{Kind: flutterwave.KindRejected, Message: "Insufficient balance"}

	tr, err := f.svc.Initiate(context.Background(), "bk1")
	if err != nil {
		t.Fatalf("rejection should not error: %v", err)
	}
	if tr.Status != StatusFailed {
		t.Errorf("Status = %s, want FAILED", tr.Status)
	}

	// The booking re-opens for another attempt.
	b, _ := f.bookings.GetBooking(context.Background(), "bk1")
	if b.PayoutProcessed {
		t.Error("expected booking payout flag cleared after rejection")
	}
}

// After a rejection the same payout row is re-attempted with the same
// deterministic reference.
func TestInitiate_RetryAfterRejectionReusesReference(t *testing.T) {
	f := newPayoutFixture()
	f.seedCompletedBooking()
	f.provider.transferErr = &flutterwave.APIError{Kind: flutterwave.KindRejected, Message: "Insufficient balance"}

	first, err := f.svc.Initiate(context.Background(), "bk1")
	if err != nil {
		t.Fatalf("first initiate: %v", err)
	}

	f.provider.transferErr = nil
	second, err := f.svc.Initiate(context.Background(), "bk1")
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if second.ID != first.ID {
		t.Error("retry created a second payout row")
	}
	if len(f.provider.transferCalls) != 2 {
		t.Fatalf("transfer calls = %d, want 2", len(f.provider.transferCalls))
	}
	if f.provider.transferCalls[1].Reference != f.provider.transferCalls[0].Reference {
		t.Errorf("retry used reference %q, want the original %q",
			f.provider.transferCalls[1].Reference, f.provider.transferCalls[0].Reference)
	}
}

func TestInitiate_AmbiguousOutcomeLeavesProcessing(t *testing.T) {
	f := newPayoutFixture()
	f.seedCompletedBooking()
	f.provider.transferErr = &flutterwave.APIError{Kind: flutterwave.KindTimeout, Message: "deadline exceeded"}

	if _, err := f.svc.Initiate(context.Background(), "bk1"); err == nil {
		t.Fatal("expected error for ambiguous outcome")
	}

	tr, err := f.payouts.GetByBooking(context.Background(), "bk1")
	if err != nil {
		t.Fatalf("payout row missing: %v", err)
	}
	if tr.Status != StatusProcessing {
		t.Errorf("Status = %s, want PROCESSING (webhook settles it)", tr.Status)
	}
}

func TestInitiate_RetryAfterAmbiguousFailureReclaims(t *testing.T) {
	f := newPayoutFixture()
	f.seedCompletedBooking()
	f.provider.transferErr = &flutterwave.APIError{Kind: flutterwave.KindTimeout, Message: "deadline exceeded"}

	if _, err := f.svc.Initiate(context.Background(), "bk1"); err == nil {
		t.Fatal("expected error for ambiguous outcome")
	}

	// The row sits PROCESSING with no transfer id: no webhook is coming, so
	// the next scheduled run must be able to re-take it.
	f.provider.transferErr = nil
	tr, err := f.svc.Initiate(context.Background(), "bk1")
	if err != nil {
		t.Fatalf("retry after ambiguous failure rejected: %v", err)
	}
	if tr.Status != StatusProcessing {
		t.Errorf("Status = %s, want PROCESSING", tr.Status)
	}
	if tr.TransferID == nil || *tr.TransferID != 4321 {
		t.Errorf("TransferID = %v, want 4321", tr.TransferID)
	}

	if len(f.provider.transferCalls) != 2 {
		t.Fatalf("transfer calls = %d, want 2", len(f.provider.transferCalls))
	}
	if f.provider.transferCalls[1].Reference != f.provider.transferCalls[0].Reference {
		t.Errorf("retry reference %q != original %q",
			f.provider.transferCalls[1].Reference, f.provider.transferCalls[0].Reference)
	}

	// Once the provider has acknowledged, the payout really is in flight.
	if _, err := f.svc.Initiate(context.Background(), "bk1"); !errors.Is(err, ErrPayoutInFlight) {
		t.Errorf("expected ErrPayoutInFlight after acknowledged transfer, got %v", err)
	}
}

func TestInitiate_AlreadyPaidOut(t *testing.T) {
	f := newPayoutFixture()
	f.seedCompletedBooking()

	tr, err := f.svc.Initiate(context.Background(), "bk1")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := f.svc.HandleTransferCompleted(context.Background(), &webhook.TransferEvent{
		ID: 4321, Reference: *tr.Reference, Status: "SUCCESSFUL",
	}); err != nil {
		t.Fatalf("settle: %v", err)
	}

	_, err = f.svc.Initiate(context.Background(), "bk1")
	if !errors.Is(err, ErrAlreadyPaidOut) {
		t.Errorf("expected ErrAlreadyPaidOut, got %v", err)
	}
}

func TestHandleTransferCompleted_Settles(t *testing.T) {
	f := newPayoutFixture()
	f.seedCompletedBooking()
	tr, err := f.svc.Initiate(context.Background(), "bk1")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	ev := &webhook.TransferEvent{ID: 4321, Reference: *tr.Reference, Status: "SUCCESSFUL", Raw: []byte(`{}`)}
	if err := f.svc.HandleTransferCompleted(context.Background(), ev); err != nil {
		t.Fatalf("HandleTransferCompleted: %v", err)
	}

	stored, _ := f.payouts.GetByBooking(context.Background(), "bk1")
	if stored.Status != StatusPaidOut {
		t.Errorf("Status = %s, want PAID_OUT", stored.Status)
	}
	if stored.CompletedAt == nil {
		t.Error("expected CompletedAt set")
	}
	if len(f.notifier.Jobs()) != 1 {
		t.Errorf("notifications = %d, want 1", len(f.notifier.Jobs()))
	}
}

func TestHandleTransferCompleted_FailureReopensBooking(t *testing.T) {
	f := newPayoutFixture()
	f.seedCompletedBooking()
	tr, err := f.svc.Initiate(context.Background(), "bk1")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	ev := &webhook.TransferEvent{ID: 4321, Reference: *tr.Reference, Status: "FAILED"}
	if err := f.svc.HandleTransferCompleted(context.Background(), ev); err != nil {
		t.Fatalf("HandleTransferCompleted: %v", err)
	}

	stored, _ := f.payouts.GetByBooking(context.Background(), "bk1")
	if stored.Status != StatusFailed {
		t.Errorf("Status = %s, want FAILED", stored.Status)
	}
	b, _ := f.bookings.GetBooking(context.Background(), "bk1")
	if b.PayoutProcessed {
		t.Error("expected booking payout flag cleared after failed transfer")
	}
	if len(f.notifier.Jobs()) != 0 {
		t.Errorf("failed transfer must not notify, got %d jobs", len(f.notifier.Jobs()))
	}
}

func TestHandleTransferCompleted_TerminalGuard(t *testing.T) {
	f := newPayoutFixture()
	f.seedCompletedBooking()
	tr, err := f.svc.Initiate(context.Background(), "bk1")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	success := &webhook.TransferEvent{ID: 4321, Reference: *tr.Reference, Status: "SUCCESSFUL"}
	if err := f.svc.HandleTransferCompleted(context.Background(), success); err != nil {
		t.Fatalf("settle: %v", err)
	}

	// A late contradictory delivery must not overwrite the settled state.
	late := &webhook.TransferEvent{ID: 4321, Reference: *tr.Reference, Status: "FAILED"}
	if err := f.svc.HandleTransferCompleted(context.Background(), late); err != nil {
		t.Fatalf("late delivery: %v", err)
	}

	stored, _ := f.payouts.GetByBooking(context.Background(), "bk1")
	if stored.Status != StatusPaidOut {
		t.Errorf("Status = %s, want PAID_OUT preserved", stored.Status)
	}
	if len(f.notifier.Jobs()) != 1 {
		t.Errorf("notifications = %d, want 1", len(f.notifier.Jobs()))
	}
}

func TestHandleTransferCompleted_UnknownReferenceDropped(t *testing.T) {
	f := newPayoutFixture()
	ev := &webhook.TransferEvent{ID: 1, Reference: "payout_nope", Status: "SUCCESSFUL"}
	if err := f.svc.HandleTransferCompleted(context.Background(), ev); err != nil {
		t.Errorf("unknown reference should be acknowledged, got %v", err)
	}
}

func TestHandleTransferCompleted_EmptyReferenceDropped(t *testing.T) {
	f := newPayoutFixture()
	ev := &webhook.TransferEvent{ID: 1, Status: "SUCCESSFUL"}
	if err := f.svc.HandleTransferCompleted(context.Background(), ev); err != nil {
		t.Errorf("empty reference should be acknowledged, got %v", err)
	}
}

func TestHandleTransferCompleted_MissingStatusDropped(t *testing.T) {
	f := newPayoutFixture()
	f.seedCompletedBooking()
	tr, err := f.svc.Initiate(context.Background(), "bk1")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	ev := &webhook.TransferEvent{ID: 4321, Reference: *tr.Reference}
	if err := f.svc.HandleTransferCompleted(context.Background(), ev); err != nil {
		t.Errorf("missing status should be acknowledged, got %v", err)
	}

	stored, _ := f.payouts.GetByBooking(context.Background(), "bk1")
	if stored.Status != StatusProcessing {
		t.Errorf("Status = %s, want PROCESSING untouched", stored.Status)
	}
	if len(f.notifier.Jobs()) != 0 {
		t.Errorf("jobs = %d, want 0", len(f.notifier.Jobs()))
	}
}
