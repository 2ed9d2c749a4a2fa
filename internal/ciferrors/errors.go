// Package ciferrors holds the error taxonomy shared by the store, the token
// handler, the hunters and the gateway.
package ciferrors

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidIndicator reports a raw observable that no classifier accepts.
	ErrInvalidIndicator = errors.New("invalid indicator")
	// ErrInvalidSearch reports a malformed filter set.
	ErrInvalidSearch = errors.New("invalid search")
	// ErrUnauthorized reports a missing, unknown, expired or revoked token.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden reports a valid token without the required scope.
	ErrForbidden = fmt.Errorf("%w: insufficient scope", ErrUnauthorized)
	// ErrBusy reports transient capacity exhaustion; callers should retry.
	ErrBusy = errors.New("cif busy")
	// ErrSubmissionFailed reports a persistence failure not covered above.
	ErrSubmissionFailed = errors.New("store submission failed")
)

// InvalidIndicator wraps ErrInvalidIndicator with the offending value.
func InvalidIndicator(raw string, reason string) error {
	if reason == "" {
		return fmt.Errorf("%w: %q", ErrInvalidIndicator, raw)
	}
	return fmt.Errorf("%w: %q: %s", ErrInvalidIndicator, raw, reason)
}

// InvalidSearch wraps ErrInvalidSearch with a reason.
func InvalidSearch(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidSearch, fmt.Sprintf(format, args...))
}

// Forbidden wraps ErrForbidden with a reason.
func Forbidden(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrForbidden, fmt.Sprintf(format, args...))
}

// IsRetryable reports whether err is a transient busy condition.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBusy)
}
