// Package llmerr defines the error taxonomy shared by the provider router,
// the orchestrator, and the worker runtime. Every failure that crosses a
// layer boundary is wrapped in an *Error carrying a machine-readable Kind;
// lower layers decide retry/fallback behavior from the Kind alone.
package llmerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for routing and retry decisions.
type Kind string

const (
	// KindInvalidInput is a user error. Never retried.
	KindInvalidInput Kind = "invalid_input"
	// KindProviderTransient covers timeouts, 5xx, and network failures.
	// Retried with backoff; triggers fallback on exhaustion.
	KindProviderTransient Kind = "provider_transient"
	// KindProviderRateLimit is a 429. Retried on the same provider with
	// backoff before falling back.
	KindProviderRateLimit Kind = "provider_rate_limit"
	// KindProviderAuth is a credential or permission error. Stops the
	// fallback chain immediately.
	KindProviderAuth Kind = "provider_auth"
	// KindProviderSchema means the provider returned structurally invalid
	// data for a schema-constrained call. Falls back, never retried on the
	// same provider.
	KindProviderSchema Kind = "provider_schema_violation"
	// KindProviderUnavailable means every provider in the chain was
	// unusable (open breakers or exhausted attempts).
	KindProviderUnavailable Kind = "provider_unavailable"
	// KindStore is a persistence failure. Fatal for the current stage.
	KindStore Kind = "store_error"
	// KindCancelled is cooperative cancellation. Not a failure for DLQ
	// purposes.
	KindCancelled Kind = "cancelled"
	// KindIntegrity means an invariant check failed (stage regressed,
	// vector dimension mismatch). Fatal and surfaced.
	KindIntegrity Kind = "integrity_violation"
)

// Error is the taxonomy-carrying error type.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a taxonomy error without a cause.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from err, unwrapping as needed. Unclassified
// errors report KindProviderTransient=false via ok.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Retryable reports whether the orchestrator may retry a stage that
// failed with err.
func Retryable(err error) bool {
	k, ok := KindOf(err)
	if !ok {
		// Unclassified errors are treated as transient.
		return true
	}
	switch k {
	case KindProviderTransient, KindProviderRateLimit:
		return true
	default:
		return false
	}
}

// DeadLetter reports whether a terminal failure with err should be
// archived in the dead-letter queue. Every terminal failure is, except
// cooperative cancellation.
func DeadLetter(err error) bool {
	return !Is(err, KindCancelled)
}
