package admission

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrNotFound     = errors.New("admission: not found")
	ErrInvalidInput = errors.New("admission: invalid input")
	ErrUnauthorized = errors.New("admission: unauthorized")

	// Plan / gate errors
	ErrUnknownPrincipal = errors.New("admission: unknown principal")
	ErrUnknownTier      = errors.New("admission: unknown plan tier")
	ErrUnknownFeature   = errors.New("admission: feature key not configured")
	ErrUnknownLimit     = errors.New("admission: limit key not configured")
	ErrFeatureForbidden = errors.New("admission: plan does not include feature")
	ErrLimitExceeded    = errors.New("admission: plan limit exceeded")

	// Subscription errors
	ErrSubscriptionNotFound = errors.New("admission: subscription not found")
	ErrSubscriptionInactive = errors.New("admission: subscription inactive")

	// Credit errors
	ErrBalanceNotFound     = errors.New("admission: credit balance not found")
	ErrInsufficientCredits = errors.New("admission: insufficient credits")
	ErrUnknownEventType    = errors.New("admission: event type not priced")
	ErrConsumptionFailed   = errors.New("admission: credit consumption failed")

	// Rate limit errors
	ErrRateLimited = errors.New("admission: rate limit exceeded")

	// Store errors
	ErrStoreNotReady     = errors.New("admission: store not ready")
	ErrStoreClosed       = errors.New("admission: store is closed")
	ErrTransactionFailed = errors.New("admission: transaction failed")
	ErrMigrationFailed   = errors.New("admission: migration failed")
)

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("admission: validation failed for %s: %s", e.Field, e.Message)
}

// unknownKeyError wraps a configuration sentinel with the offending key.
// These surface as internal errors, never as user-facing denials.
func unknownKeyError(sentinel error, key string) error {
	return fmt.Errorf("%w: %q", sentinel, key)
}

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrSubscriptionNotFound) ||
		errors.Is(err, ErrBalanceNotFound)
}

// IsDenial returns true if the error represents an admission denial
// rather than an internal failure.
func IsDenial(err error) bool {
	return errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrUnknownPrincipal) ||
		errors.Is(err, ErrSubscriptionInactive) ||
		errors.Is(err, ErrFeatureForbidden) ||
		errors.Is(err, ErrLimitExceeded) ||
		errors.Is(err, ErrInsufficientCredits) ||
		errors.Is(err, ErrRateLimited)
}

// IsInsufficientCredits returns true if the error is a credit denial.
func IsInsufficientCredits(err error) bool {
	return errors.Is(err, ErrInsufficientCredits)
}

// IsRetryable returns true if the error is temporary and the operation
// can be retried. Retrying a consumption requires re-running the check;
// prior state must never be assumed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreNotReady) ||
		errors.Is(err, ErrTransactionFailed) ||
		errors.Is(err, ErrConsumptionFailed)
}
