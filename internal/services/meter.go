package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/sveltereader/satmeter/config"
	"github.com/sveltereader/satmeter/internal/domain"
	"github.com/sveltereader/satmeter/internal/infra/storage"
	"github.com/sveltereader/satmeter/internal/logger"
)

// validTransitions is the payment state machine. Every status change
// goes through transition(), so an impossible edge fails loudly instead
// of silently corrupting a record.
var validTransitions = map[domain.PaymentStatus][]domain.PaymentStatus{
	domain.PaymentPending:   {domain.PaymentActive, domain.PaymentError},
	domain.PaymentActive:    {domain.PaymentActive, domain.PaymentExhausted, domain.PaymentCompleted, domain.PaymentError},
	domain.PaymentExhausted: {domain.PaymentActive, domain.PaymentError},
	domain.PaymentCompleted: {domain.PaymentRefunded},
	domain.PaymentError:     {domain.PaymentRefunded},
}

// FinalizeOutcome is the durable result of finalizing a session
type FinalizeOutcome struct {
	Status      domain.PaymentStatus `json:"status"`
	Redeemed    bool                 `json:"redeemed"`
	RefundToken string               `json:"refund_token,omitempty"`
	RefundSats  int64                `json:"refund_sats"`
	// Refund signals the caller that a token (refund or original) is
	// waiting to be claimed
	Refund bool `json:"refund"`
}

// Meter is the metering state machine: the single source of truth for
// balance, spend and status across one session's billable operations.
//
// Every mutation is persisted before control returns, so a crashed or
// restarted process resumes metering from the last committed point
// instead of losing track of spent funds. Amounts are integers in the
// smallest unit throughout; a deduction that would go negative triggers
// exhaustion instead.
type Meter struct {
	store     storage.SessionStore
	validator domain.TokenValidator
	wallet    domain.WalletClient
	recovery  domain.RecoverySink
	cfg       config.PaymentsConfig
}

// NewMeter creates the metering state machine with its collaborators
func NewMeter(
	store storage.SessionStore,
	validator domain.TokenValidator,
	wallet domain.WalletClient,
	recovery domain.RecoverySink,
	cfg config.PaymentsConfig,
) *Meter {
	return &Meter{
		store:     store,
		validator: validator,
		wallet:    wallet,
		recovery:  recovery,
		cfg:       cfg,
	}
}

// Open creates and persists a pending payment record for a session
func (m *Meter) Open(ctx context.Context, sessionID, token string) (*domain.PaymentRecord, error) {
	record := domain.NewPaymentRecord(sessionID, token, m.cfg.CostPerOperation)
	if err := m.store.SaveRecord(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to persist payment record: %w", err)
	}
	return record, nil
}

// Load retrieves a session's payment record
func (m *Meter) Load(ctx context.Context, sessionID string) (*domain.PaymentRecord, error) {
	return m.store.LoadRecord(ctx, sessionID)
}

// List returns payment records ordered by most recent activity
func (m *Meter) List(ctx context.Context, limit, offset int) ([]*domain.PaymentRecord, error) {
	return m.store.ListRecords(ctx, limit, offset)
}

// Activate validates the session's token and moves pending -> active.
// No token means the session requested free mode: that is honored only
// when unmetered sessions are explicitly allowed by configuration.
// Validation failure is terminal: the record moves to error and no fund
// movement ever happens for this session.
func (m *Meter) Activate(ctx context.Context, record *domain.PaymentRecord) error {
	if record.Status == domain.PaymentActive {
		return nil
	}
	if record.Status != domain.PaymentPending {
		return &domain.InvalidTransitionError{From: record.Status, To: domain.PaymentActive}
	}

	if !record.Metered() {
		if !m.cfg.AllowUnmetered {
			if err := m.transition(ctx, record, domain.PaymentError); err != nil {
				return err
			}
			return &domain.ValidationError{Reason: "no payment token provided"}
		}
		logger.Warn("Starting unmetered session (allow_unmetered is set)", "session_id", record.SessionID)
		return m.transition(ctx, record, domain.PaymentActive)
	}

	result := m.validator.Validate(record.Token)
	if !result.Valid {
		logger.Warn("Token validation failed", "session_id", record.SessionID, "reason", result.Reason)
		if err := m.transition(ctx, record, domain.PaymentError); err != nil {
			return err
		}
		return &domain.ValidationError{Reason: result.Reason}
	}

	record.FaceValue = result.Amount
	record.Balance = result.Amount
	logger.Info("Token validated", "session_id", record.SessionID, "amount_sats", result.Amount)
	return m.transition(ctx, record, domain.PaymentActive)
}

// Charge deducts the cost of one billable operation. The deduction is
// committed to storage before the operation is allowed to run; callers
// must not execute the operation if Charge fails.
//
// A balance that cannot cover the operation moves the session to
// exhausted and returns ErrExhausted with no deduction taken.
func (m *Meter) Charge(ctx context.Context, record *domain.PaymentRecord) error {
	if record.Status == domain.PaymentPending {
		if err := m.Activate(ctx, record); err != nil {
			return err
		}
	}
	if record.Status != domain.PaymentActive {
		return &domain.InvalidTransitionError{From: record.Status, To: domain.PaymentActive}
	}

	if !record.Metered() {
		return nil
	}

	if record.Balance < record.CostPerOp {
		if err := m.transition(ctx, record, domain.PaymentExhausted); err != nil {
			return err
		}
		logger.Info("Balance exhausted", "session_id", record.SessionID,
			"balance_sats", record.Balance, "cost_sats", record.CostPerOp)
		return domain.ErrExhausted
	}

	record.Balance -= record.CostPerOp
	record.Spent += record.CostPerOp

	if !record.ConservationHolds() {
		return fmt.Errorf("conservation violated for session %s: spent=%d balance=%d funded=%d",
			record.SessionID, record.Spent, record.Balance, record.Funded())
	}

	if err := m.transition(ctx, record, domain.PaymentActive); err != nil {
		return err
	}

	logger.Debug("Deducted operation cost", "session_id", record.SessionID,
		"cost_sats", record.CostPerOp, "balance_sats", record.Balance, "spent_sats", record.Spent)
	return nil
}

// TopUp validates a new token received after a funding interrupt and
// adds its value to the balance, resuming the session. Re-entrant:
// a long session may exhaust and top up any number of times.
func (m *Meter) TopUp(ctx context.Context, record *domain.PaymentRecord, token string) (int64, error) {
	if record.Status != domain.PaymentExhausted {
		return 0, &domain.InvalidTransitionError{From: record.Status, To: domain.PaymentActive}
	}

	result := m.validator.Validate(token)
	if !result.Valid {
		// The session stays exhausted; the caller may retry with a
		// different token or reject the funding request.
		return 0, &domain.ValidationError{Reason: result.Reason}
	}

	record.Balance += result.Amount
	record.TopUps = append(record.TopUps, result.Amount)

	if err := m.transition(ctx, record, domain.PaymentActive); err != nil {
		return 0, err
	}

	logger.Info("Funding top-up applied", "session_id", record.SessionID,
		"amount_sats", result.Amount, "balance_sats", record.Balance)
	return result.Amount, nil
}

// Fail records that the underlying work failed. The original token was
// never redeemed on this path, so it is surfaced back verbatim as the
// refund: nothing was taken, the token itself is still the money.
func (m *Meter) Fail(ctx context.Context, record *domain.PaymentRecord, cause error) error {
	if record.Terminal() {
		return nil
	}

	if record.Metered() && !record.Redeemed {
		record.RefundToken = record.Token
		record.RefundClaimed = false
		if err := m.recovery.LogRefund(record.SessionID, record.Token, record.FaceValue); err != nil {
			logger.Error("Failed to log refund token", "session_id", record.SessionID, "error", err)
		}
	}

	if err := m.transition(ctx, record, domain.PaymentError); err != nil {
		return err
	}

	logger.Warn("Session failed, payer funds preserved", "session_id", record.SessionID, "cause", fmt.Sprint(cause))
	return nil
}

// Finalize settles a successfully completed session: it redeems the
// original token (exactly once), synthesizes a refund token for any
// unspent balance, and moves the record to completed.
//
// Finalize is idempotent: re-invoking it on a finalized session returns
// the recorded outcome without generating a second refund token.
//
// A redemption failure here is a settlement-layer fault, not a work
// fault: the outcome still reports success to the user while the full
// token text goes to the operator recovery log.
func (m *Meter) Finalize(ctx context.Context, record *domain.PaymentRecord) (*FinalizeOutcome, error) {
	if record.Terminal() {
		return outcomeFromRecord(record), nil
	}

	if record.Status != domain.PaymentActive {
		return nil, &domain.InvalidTransitionError{From: record.Status, To: domain.PaymentCompleted}
	}

	if !record.Metered() {
		if err := m.transition(ctx, record, domain.PaymentCompleted); err != nil {
			return nil, err
		}
		return &FinalizeOutcome{Status: domain.PaymentCompleted}, nil
	}

	m.redeemOriginal(ctx, record)

	outcome := &FinalizeOutcome{Redeemed: record.Redeemed}

	if record.Balance > 0 {
		refund := m.synthesizeRefund(ctx, record)
		if refund != "" {
			record.RefundToken = refund
			record.RefundClaimed = false
			outcome.RefundToken = refund
			outcome.RefundSats = record.Balance
			outcome.Refund = true
			if err := m.recovery.LogRefund(record.SessionID, refund, record.Balance); err != nil {
				logger.Error("Failed to log refund token", "session_id", record.SessionID, "error", err)
			}
		}
	}

	if err := m.transition(ctx, record, domain.PaymentCompleted); err != nil {
		return nil, err
	}
	outcome.Status = record.Status

	logger.Info("Session finalized", "session_id", record.SessionID,
		"spent_sats", record.Spent, "refund_sats", outcome.RefundSats, "redeemed", record.Redeemed)
	return outcome, nil
}

// ClaimRefund hands the session's refund token to the client and marks
// it claimed. A client reconnecting to a session whose refund was
// generated but never picked up re-claims the same token; claiming is
// idempotent and never synthesizes a new token.
func (m *Meter) ClaimRefund(ctx context.Context, record *domain.PaymentRecord) (string, error) {
	if record.Status == domain.PaymentRefunded {
		return record.RefundToken, nil
	}

	if record.RefundToken == "" {
		return "", fmt.Errorf("session %s has no refund to claim", record.SessionID)
	}

	record.RefundClaimed = true
	if err := m.transition(ctx, record, domain.PaymentRefunded); err != nil {
		return "", err
	}
	return record.RefundToken, nil
}

// redeemOriginal attempts the at-most-once redemption of the original
// token. Failures are absorbed: the work already succeeded, so the
// token is preserved in the recovery log instead of failing the session.
func (m *Meter) redeemOriginal(ctx context.Context, record *domain.PaymentRecord) {
	if record.Redeemed {
		return
	}

	amount, err := m.wallet.Receive(ctx, record.Token)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadySpent) {
			// Benign duplicate: a previous attempt landed.
			record.Redeemed = true
			return
		}
		fault := &domain.RedemptionFault{SessionID: record.SessionID, Token: record.Token, Cause: err}
		if logErr := m.recovery.LogUnredeemed(record.SessionID, record.Token, record.Funded(), fault.Error()); logErr != nil {
			logger.Error("CRITICAL: failed to log unredeemed token", "session_id", record.SessionID,
				"error", logErr, "token", record.Token)
		}
		return
	}

	record.Redeemed = true
	logger.Info("Original token redeemed", "session_id", record.SessionID, "amount_sats", amount)
}

// synthesizeRefund mints a token worth exactly the remaining balance.
// In dev mode the token is deterministic so tests and local runs do not
// need a funded wallet.
func (m *Meter) synthesizeRefund(ctx context.Context, record *domain.PaymentRecord) string {
	if m.cfg.DevMode {
		return fmt.Sprintf("cashu_refund_%d", record.Balance)
	}

	if !record.Redeemed {
		// Nothing settled, so there is nothing to mint a refund from;
		// the unredeemed original is already in the recovery log.
		return ""
	}

	token, err := m.wallet.Send(ctx, record.Balance)
	if err != nil {
		if logErr := m.recovery.LogUnredeemed(record.SessionID, record.Token, record.Balance,
			fmt.Sprintf("refund synthesis failed: %v", err)); logErr != nil {
			logger.Error("CRITICAL: failed to log refund failure", "session_id", record.SessionID, "error", logErr)
		}
		return ""
	}
	return token
}

// transition validates and persists a status change. The record is
// saved even for self-transitions (active -> active on a deduction) so
// every balance movement is durably checkpointed.
func (m *Meter) transition(ctx context.Context, record *domain.PaymentRecord, to domain.PaymentStatus) error {
	if record.Status != to {
		allowed := false
		for _, candidate := range validTransitions[record.Status] {
			if candidate == to {
				allowed = true
				break
			}
		}
		if !allowed {
			return &domain.InvalidTransitionError{From: record.Status, To: to}
		}
	}

	record.Status = to
	record.Touch()
	if err := m.store.SaveRecord(ctx, record); err != nil {
		return fmt.Errorf("failed to checkpoint payment record: %w", err)
	}
	return nil
}
