package domain

import (
	"errors"
	"fmt"
)

// ErrExhausted signals that the session balance cannot cover the next
// operation. It is a control-flow condition, not a fault: callers are
// expected to suspend and request additional funding.
var ErrExhausted = errors.New("payment balance exhausted")

// ErrAlreadySpent is returned by the wallet when a token's proofs were
// already redeemed. Callers treating a redeem retry must handle this as
// a benign duplicate.
var ErrAlreadySpent = errors.New("token already spent")

// ErrSessionNotFound is returned when no payment record exists for a session
var ErrSessionNotFound = errors.New("session not found")

// ErrInsufficientBalance is returned by wallet send operations when the
// settled balance cannot cover the requested amount
var ErrInsufficientBalance = errors.New("insufficient wallet balance")

// ValidationError reports a malformed or provably unspendable token.
// It is terminal for the session: the user must start over with a valid
// token. The Reason is safe to show to end users.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("payment validation failed: %s", e.Reason)
}

// RedemptionFault reports a settlement-layer failure after the paid-for
// work already succeeded. It carries the full token text so the operator
// recovery path never loses the bearer instrument.
type RedemptionFault struct {
	SessionID string
	Token     string
	Cause     error
}

func (e *RedemptionFault) Error() string {
	return fmt.Sprintf("redemption failed for session %s: %v", e.SessionID, e.Cause)
}

func (e *RedemptionFault) Unwrap() error {
	return e.Cause
}

// WorkFault reports that the underlying metered operation failed.
// Payer funds are always preserved on this path.
type WorkFault struct {
	SessionID string
	Cause     error
}

func (e *WorkFault) Error() string {
	return fmt.Sprintf("metered operation failed for session %s: %v", e.SessionID, e.Cause)
}

func (e *WorkFault) Unwrap() error {
	return e.Cause
}

// InvalidTransitionError reports an attempted payment status change that
// the state machine does not allow
type InvalidTransitionError struct {
	From PaymentStatus
	To   PaymentStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid payment transition %s -> %s", e.From, e.To)
}

// UnknownDecisionError reports a funding resume payload whose decision
// discriminant is not one of the recognized variants
type UnknownDecisionError struct {
	Decision string
}

func (e *UnknownDecisionError) Error() string {
	return fmt.Sprintf("unknown funding decision %q (want approve, reject or edit)", e.Decision)
}
