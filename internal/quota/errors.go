package quota

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned when a session row does not exist,
	// either because it was never created or because it was closed or swept.
	ErrSessionNotFound = errors.New("session not found")

	// ErrTokenExpired is returned by Heartbeat when the session token has
	// lapsed. The session is removed before the error is returned.
	ErrTokenExpired = errors.New("token expired")

	// ErrInvalidToken is returned when a session token fails verification.
	ErrInvalidToken = errors.New("invalid token")

	// ErrNegativeConsumption is returned when a ledger delta is below zero.
	ErrNegativeConsumption = errors.New("consumption must not be negative")

	// ErrInvalidRequest is returned for malformed input such as an empty
	// user id.
	ErrInvalidRequest = errors.New("invalid request")
)

// Denial reasons reported by Start.
const (
	ReasonDisabled         = "disabled"
	ReasonConcurrencyLimit = "concurrency_limit"
	ReasonQuotaExhausted   = "quota_exhausted"
)

// DeniedError is a policy rejection of a session request. It is a normal
// business outcome and is not retryable.
type DeniedError struct {
	Reason string
	UserID string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("session denied for %s: %s", e.UserID, e.Reason)
}

// IsDenied reports whether err is a policy denial and returns its reason.
func IsDenied(err error) (string, bool) {
	var denied *DeniedError
	if errors.As(err, &denied) {
		return denied.Reason, true
	}
	return "", false
}
