package domain

// FundingAction is the machine-readable action identifier carried by a
// funding request. Callers approve, edit or reject this action.
const FundingAction = "request_additional_funding"

// FundingRequest is the structured suspend message emitted when a
// session exhausts its balance mid-run. It is serializable so the
// suspension can outlive the process.
type FundingRequest struct {
	ID            string `json:"id"`
	SessionID     string `json:"session_id"`
	Action        string `json:"action"`
	Reason        string `json:"reason"`
	SpentSats     int64  `json:"spent_sats"`
	SuggestedSats int64  `json:"suggested_amount_sats"`
}

// FundingDecision is the discriminant of a FundingResume payload
type FundingDecision string

const (
	// FundingApprove resumes the session with a new token
	FundingApprove FundingDecision = "approve"
	// FundingReject terminates the session without further work
	FundingReject FundingDecision = "reject"
	// FundingEdit is an approval with an adjusted suggested amount;
	// it still requires a token to actually resume
	FundingEdit FundingDecision = "edit"
)

// FundingResume is the single tagged resume payload accepted after a
// funding interrupt. Unrecognized decisions are rejected with a typed
// error instead of being coerced into an ad hoc shape.
type FundingResume struct {
	RequestID string          `json:"request_id"`
	Decision  FundingDecision `json:"decision"`

	// Token is the new bearer token; required for approve and edit
	Token string `json:"payment_token,omitempty"`

	// AmountSats optionally overrides the suggested amount on edit
	AmountSats int64 `json:"amount_sats,omitempty"`
}

// Validate checks the resume payload's shape against its discriminant
func (r FundingResume) Validate() error {
	switch r.Decision {
	case FundingApprove, FundingEdit:
		if r.Token == "" {
			return &ValidationError{Reason: "resume requires a payment token"}
		}
		return nil
	case FundingReject:
		return nil
	default:
		return &UnknownDecisionError{Decision: string(r.Decision)}
	}
}
