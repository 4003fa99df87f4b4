// Package webhook provides signature verification and event parsing for
// inbound payment-provider webhooks.
package webhook

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
)

// ErrEmptySecret is returned when a verifier is constructed without a secret.
var ErrEmptySecret = errors.New("webhook secret cannot be empty")

// SignatureHeader is the HTTP header carrying the provider's webhook token.
const SignatureHeader = "verif-hash"

// Verifier checks the provider's webhook signature header against the
// configured secret. Both sides are run through a keyed hash before the
// comparison, so the check is constant-time and leaks neither the secret's
// length nor a byte-position oracle to the caller.
type Verifier struct {
	secretMAC []byte
	macKey    []byte
}

// NewVerifier creates a Verifier for the given shared webhook secret.
func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}

	// Ephemeral per-process MAC key. It only needs to be unpredictable to the
	// sender; it never leaves this struct.
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}

	v := &Verifier{macKey: key}
	v.secretMAC = v.mac(secret)
	return v, nil
}

// Verify reports whether the header token matches the configured secret.
// An empty token never matches.
func (v *Verifier) Verify(token string) bool {
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare(v.mac(token), v.secretMAC) == 1
}

func (v *Verifier) mac(s string) []byte {
	h := hmac.New(sha256.New, v.macKey)
	h.Write([]byte(s))
	return h.Sum(nil)
}
