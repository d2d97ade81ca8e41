// Package brokererr defines the error kinds used across the order pipeline,
// matching the teacher's wrap-with-%w idiom (see execution/executor.go) while
// giving callers a way to branch on category with errors.Is/As.
package brokererr

import "errors"

// Sentinel errors identifying a failure category. Wrap these with
// fmt.Errorf("...: %w", Sentinel) at the point of failure so errors.Is still
// matches through added context.
var (
	// ErrUnauthorized means the caller has no grant at all.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden means the caller is known but lacks the required privilege.
	ErrForbidden = errors.New("forbidden")
	// ErrValidation covers vetter rejections, zero quantity, unknown
	// instrument, or a terminal cancel target.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound covers a missing order, account, or instrument lookup.
	ErrNotFound = errors.New("not found")
	// ErrOptimisticLock signals a conditional update affected zero rows.
	ErrOptimisticLock = errors.New("optimistic locking failed")
	// ErrPersistence covers pool exhaustion and begin/commit/exec/query
	// failures.
	ErrPersistence = errors.New("persistence error")
	// ErrExchange covers outbound transport or payload failures talking to
	// the upstream exchange.
	ErrExchange = errors.New("exchange error")
	// ErrProtocol covers a malformed STOMP frame or JSON body within one.
	ErrProtocol = errors.New("protocol error")
)

// ValidationError carries a human-readable reason alongside ErrValidation,
// surfaced to callers as a 412 with a short reason string or VettingResult.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }
func (e *ValidationError) Unwrap() error { return ErrValidation }

func NewValidationError(reason string) error {
	return &ValidationError{Reason: reason}
}

// ExchangeError wraps a transport or payload failure from the upstream
// exchange, per spec §4.2.
type ExchangeError struct {
	Description string
	Cause       error
}

func (e *ExchangeError) Error() string {
	if e.Cause != nil {
		return e.Description + ": " + e.Cause.Error()
	}
	return e.Description
}

func (e *ExchangeError) Unwrap() error { return ErrExchange }

func NewExchangeError(description string, cause error) error {
	return &ExchangeError{Description: description, Cause: cause}
}
