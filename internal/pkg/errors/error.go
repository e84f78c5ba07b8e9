package xerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Common reusable application errors
var (
	ErrNotFound       = errors.New("resource not found")
	ErrUnauthorized   = errors.New("unauthorized access")
	ErrForbidden      = errors.New("forbidden")
	ErrInvalidInput   = errors.New("invalid input")
	ErrConflict       = errors.New("conflict: resource already exists")
	ErrInternal       = errors.New("internal server error")
	ErrBadRequest     = errors.New("bad request")
	ErrDuplicateEntry = errors.New("duplicate entry")
)

// Billing orchestration error taxonomy. Every failure mode an adapter or the
// reconciler can surface maps to one of these sentinels so callers can branch
// with errors.Is.
var (
	// ErrTransientProvider covers network errors, timeouts and rate limits.
	// Safe to retry with backoff.
	ErrTransientProvider = errors.New("transient provider error")

	// ErrPermanentProvider covers rejected charges, invalid tax registrations
	// and similar terminal provider answers. Never retried automatically.
	ErrPermanentProvider = errors.New("permanent provider error")

	// ErrInvalidSignature marks an inbound webhook whose signature did not
	// verify. The event never reaches state-mutation code.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrDuplicateEvent is not a real failure: the dedup log already recorded
	// the event as applied. Callers absorb it silently.
	ErrDuplicateEvent = errors.New("duplicate webhook event")

	// ErrInvariantViolation marks an attempted backward transition out of a
	// terminal state, or a second succeeded charge on one invoice. It signals
	// a provider or integration bug.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrInvalidTransition is returned by the subscription state machine when
	// the requested operation is not allowed from the current state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrOutcomeUnknown means an in-flight charge request timed out. The
	// outcome must be learned from the rail's webhook or a requery; it must
	// never be treated as a failure.
	ErrOutcomeUnknown = errors.New("charge outcome unknown")
)

// ReasonCode returns the domain-level reason code surfaced on API responses.
// No error from the orchestration core is presented as a bare 500.
func ReasonCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTransientProvider):
		return "provider_transient"
	case errors.Is(err, ErrPermanentProvider):
		return "provider_permanent"
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrDuplicateEvent):
		return "duplicate_event"
	case errors.Is(err, ErrInvariantViolation):
		return "invariant_violation"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrOutcomeUnknown):
		return "outcome_unknown"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict), errors.Is(err, ErrDuplicateEntry):
		return "conflict"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrBadRequest):
		return "invalid_input"
	default:
		return "internal"
	}
}

// HTTPStatus maps a domain error to the status code the API layer responds
// with. Kept next to ReasonCode so the two stay in sync.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidSignature), errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrConflict),
		errors.Is(err, ErrDuplicateEntry):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrOutcomeUnknown):
		return http.StatusAccepted
	case errors.Is(err, ErrTransientProvider):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Wrap adds context to an error (similar to fmt.Errorf("%w")).
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is allows checking whether an error is a specific sentinel error.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Unwrap extracts the underlying wrapped error.
func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// MessageOrDefault returns err.Error() or a fallback message if err is nil.
func MessageOrDefault(err error, fallback string) string {
	if err != nil {
		return err.Error()
	}
	return fallback
}
