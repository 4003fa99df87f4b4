// Package flutterwave provides an HTTP client for the payment provider's API:
// transaction verification, refunds, transfers, and payment links.
package flutterwave

import (
	"errors"
	"fmt"
)

// Kind classifies a provider call failure. Reconciliation and initiation logic
// switch on this closed set rather than inspecting error message text.
type Kind string

const (
	// KindTimeout covers network timeouts and cancelled contexts: the call's
	// outcome is unknown and the operation may be retried.
	KindTimeout Kind = "timeout"

	// KindAuth covers authentication/authorization failures against the
	// provider (bad or expired API key).
	KindAuth Kind = "auth"

	// KindRejected is an explicit business decline from the provider, e.g. a
	// refund exceeding the available balance. Terminal; retrying is pointless.
	KindRejected Kind = "rejected"

	// KindUnknown covers everything else: 5xx responses, connection resets,
	// undecodable bodies. Outcome is ambiguous.
	KindUnknown Kind = "unknown"
)

// APIError is the error type returned by all Client methods.
type APIError struct {
	Kind       Kind
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s error (HTTP %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider %s error: %s", e.Kind, e.Message)
}

// KindOf extracts the failure kind from an error chain.
// Non-APIError values map to KindUnknown.
func KindOf(err error) Kind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindUnknown
}

// IsRejected reports whether err is an explicit provider decline.
func IsRejected(err error) bool { return KindOf(err) == KindRejected }

// IsTimeout reports whether err is a timeout with an unknown outcome.
func IsTimeout(err error) bool { return KindOf(err) == KindTimeout }
