package domain

import (
	"time"
)

// PaymentStatus represents the lifecycle state of a session's payment record
type PaymentStatus string

const (
	// PaymentPending means no billable operation has run yet and the token is unvalidated
	PaymentPending PaymentStatus = "pending"
	// PaymentActive means the token was validated (or the session is unmetered) and operations may be charged
	PaymentActive PaymentStatus = "active"
	// PaymentExhausted means the balance cannot cover the next operation and the session is awaiting funding
	PaymentExhausted PaymentStatus = "exhausted"
	// PaymentCompleted means the session finished successfully and settlement ran
	PaymentCompleted PaymentStatus = "completed"
	// PaymentError means validation or the underlying work failed; the original token was never redeemed
	PaymentError PaymentStatus = "error"
	// PaymentRefunded means the client acknowledged receipt of the refund token
	PaymentRefunded PaymentStatus = "refunded"
)

// PaymentRecord tracks the payment lifecycle of a single session.
//
// The record is the durable unit of the metering subsystem: every field
// here is persisted on each mutation so a restarted process can resume a
// suspended session instead of losing track of spent funds. All amounts
// are satoshis (smallest unit), never floating point.
type PaymentRecord struct {
	SessionID string `json:"session_id"`

	// Token is the original bearer token presented by the client.
	// Empty for unmetered (free mode) sessions.
	Token string `json:"payment_token,omitempty"`

	// FaceValue is the validated amount of the original token. Set once.
	FaceValue int64 `json:"face_value_sats"`

	// Balance is the remaining spendable amount for this session
	Balance int64 `json:"balance_sats"`

	// Spent accumulates deductions across the session
	Spent int64 `json:"spent_sats"`

	// TopUps records the validated amount of each funding top-up, in order
	TopUps []int64 `json:"topups_sats,omitempty"`

	Status PaymentStatus `json:"status"`

	// RefundToken holds the token synthesized for the unspent remainder,
	// or the original token verbatim when nothing was ever redeemed
	RefundToken string `json:"refund_token,omitempty"`

	// RefundClaimed distinguishes "client retrieved the refund" from
	// "refund exists but was never picked up"
	RefundClaimed bool `json:"refund_claimed"`

	// Redeemed records whether the original token reached the wallet.
	// Guards the at-most-once redemption rule across retries.
	Redeemed bool `json:"redeemed"`

	// CostPerOp is the per-operation price for this session. Immutable once set.
	CostPerOp int64 `json:"cost_per_operation_sats"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewPaymentRecord creates a pending payment record for a session.
// An empty token requests an unmetered session; whether that is honored
// is decided at activation time by configuration.
func NewPaymentRecord(sessionID, token string, costPerOp int64) *PaymentRecord {
	now := time.Now().UTC()
	return &PaymentRecord{
		SessionID: sessionID,
		Token:     token,
		Status:    PaymentPending,
		CostPerOp: costPerOp,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Metered reports whether this session has a token backing it.
// Unmetered sessions never deduct and never settle.
func (r *PaymentRecord) Metered() bool {
	return r.Token != ""
}

// Funded returns the total validated value put into the session:
// the original face value plus every top-up.
func (r *PaymentRecord) Funded() int64 {
	total := r.FaceValue
	for _, t := range r.TopUps {
		total += t
	}
	return total
}

// ConservationHolds verifies the invariant spent + balance == face value + topups.
// It holds at every observation point for metered sessions.
func (r *PaymentRecord) ConservationHolds() bool {
	if !r.Metered() {
		return true
	}
	return r.Spent+r.Balance == r.Funded() && r.Balance >= 0 && r.Spent >= 0
}

// Terminal reports whether the record reached a final state
func (r *PaymentRecord) Terminal() bool {
	switch r.Status {
	case PaymentCompleted, PaymentError, PaymentRefunded:
		return true
	}
	return false
}

// Touch updates the record's modification timestamp
func (r *PaymentRecord) Touch() {
	r.UpdatedAt = time.Now().UTC()
}
