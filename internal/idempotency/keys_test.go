package idempotency

import (
	"strings"
	"testing"
)

func TestNewTxRef(t *testing.T) {
	ref := NewTxRef("bk1")
	if !strings.HasPrefix(ref, "fleet-bk1-") {
		t.Errorf("NewTxRef = %q, want fleet-bk1- prefix", ref)
	}
	if got := len(ref) - len("fleet-bk1-"); got != 8 {
		t.Errorf("suffix length = %d, want 8", got)
	}
	if NewTxRef("bk1") == ref {
		t.Error("expected a fresh reference per attempt")
	}
}

func TestNewRefundKey(t *testing.T) {
	key := NewRefundKey("pay-1")
	if !strings.HasPrefix(key, "refund-pay-1-") {
		t.Errorf("NewRefundKey = %q, want refund-pay-1- prefix", key)
	}
	if err := ValidateKey(key); err != nil {
		t.Errorf("generated key fails validation: %v", err)
	}
	if NewRefundKey("pay-1") == key {
		t.Error("expected a fresh key per claim")
	}
}

func TestPayoutReference_Deterministic(t *testing.T) {
	if got := PayoutReference("po-1"); got != "payout_po-1" {
		t.Errorf("PayoutReference = %q, want payout_po-1", got)
	}
	if PayoutReference("po-1") != PayoutReference("po-1") {
		t.Error("expected the same reference on every call")
	}
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr error
	}{
		{name: "valid", key: "refund-pay-1-abcd1234", wantErr: nil},
		{name: "empty", key: "", wantErr: ErrInvalidKey},
		{name: "too long", key: strings.Repeat("x", MaxKeyLength+1), wantErr: ErrKeyTooLong},
		{name: "at limit", key: strings.Repeat("x", MaxKeyLength), wantErr: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateKey(tt.key); err != tt.wantErr {
				t.Errorf("ValidateKey(%q) = %v, want %v", tt.key, err, tt.wantErr)
			}
		})
	}
}
