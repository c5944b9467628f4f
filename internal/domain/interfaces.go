package domain

import (
	"context"

	sdk "github.com/inference-gateway/sdk"
)

// ValidationResult is the outcome of a non-spending token check
type ValidationResult struct {
	Valid  bool
	Amount int64
	// Reason is a human-readable explanation when Valid is false
	Reason string
}

// TokenValidator checks a bearer token without consuming it.
// Implementations must be side-effect free with respect to the token's
// spendability and must report all failures via the result, never panic.
type TokenValidator interface {
	Validate(token string) ValidationResult
}

// SweepResult is the outcome of sweeping the settled wallet
type SweepResult struct {
	Amount int64
	Token  string
}

// WalletClient is the narrow settlement interface the payment core
// depends on. Receive converts a bearer token into settled balance;
// Send mints a new token debiting the settled balance.
type WalletClient interface {
	Receive(ctx context.Context, token string) (int64, error)
	Balance(ctx context.Context) (int64, error)
	Sweep(ctx context.Context) (SweepResult, error)
	Send(ctx context.Context, amount int64) (string, error)
}

// FundingGateway delivers a funding request to the external caller and
// blocks until a resume decision arrives. The session record is durably
// checkpointed before RequestFunding is invoked, so implementations may
// take arbitrarily long (hours, days) or fail with ctx cancellation.
type FundingGateway interface {
	RequestFunding(ctx context.Context, req FundingRequest) (FundingResume, error)
}

// RecoverySink receives tokens whose settlement is uncertain. Entries
// must be durable and carry the full token text: a truncated bearer
// token is unrecoverable money.
type RecoverySink interface {
	LogUnredeemed(sessionID, token string, amount int64, cause string) error
	LogRefund(sessionID, token string, amount int64) error
}

// SDKClient is our interface wrapper for the inference gateway client
// to make it testable
type SDKClient interface {
	GenerateContent(ctx context.Context, provider sdk.Provider, model string, messages []sdk.Message) (*sdk.CreateChatCompletionResponse, error)
}

// BillableOperation is one metered unit of work: a single LLM iteration
// or tool invocation. The deduction for an operation is committed before
// Execute runs.
type BillableOperation interface {
	Name() string
	Execute(ctx context.Context) (string, error)
}

// BillableFunc adapts a plain function to a BillableOperation
type BillableFunc struct {
	OpName string
	Fn     func(ctx context.Context) (string, error)
}

func (b BillableFunc) Name() string { return b.OpName }

func (b BillableFunc) Execute(ctx context.Context) (string, error) { return b.Fn(ctx) }
