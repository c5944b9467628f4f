package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/sveltereader/satmeter/internal/domain"
	"github.com/sveltereader/satmeter/internal/logger"
	"go.uber.org/zap"
)

// RunResult is the outcome of a metered run
type RunResult struct {
	// Outputs holds one entry per executed billable operation
	Outputs []string
	// Outcome is the finalize result; set whenever the session reached a
	// terminal state, including error paths
	Outcome *FinalizeOutcome
}

// MeteredRunner drives a sequence of billable operations for one
// session: deduct, execute, repeat, then settle.
//
// Ordering guarantees it enforces:
//   - a deduction is committed before the operation it funds executes
//   - redemption happens only after every operation succeeded
//   - any work failure preserves the payer's funds
//
// Operations run strictly one at a time per session; the runner is the
// single writer of the session's payment record during a run.
type MeteredRunner struct {
	meter   *Meter
	funding *FundingCoordinator
	maxOps  int
}

// NewMeteredRunner creates a runner. maxOps caps runaway sessions the
// way agent loops cap tool calls; 0 means no cap.
func NewMeteredRunner(meter *Meter, funding *FundingCoordinator, maxOps int) *MeteredRunner {
	return &MeteredRunner{meter: meter, funding: funding, maxOps: maxOps}
}

// Run executes the operations under metering and settles the session.
//
// On a funding interrupt the runner blocks inside the coordinator until
// the caller resumes or rejects; rejection ends the run with the
// session in error and no funds taken. On a work fault the
// session moves to error with the original token surfaced for refund.
func (r *MeteredRunner) Run(ctx context.Context, record *domain.PaymentRecord, ops []domain.BillableOperation) (*RunResult, error) {
	result := &RunResult{}

	for i, op := range ops {
		if r.maxOps > 0 && i >= r.maxOps {
			logger.L(ctx).Warn("Operation cap reached, ending session early",
				zap.String("session_id", record.SessionID),
				zap.Int("max_operations", r.maxOps))
			break
		}

		if err := r.chargeWithTopUp(ctx, record); err != nil {
			result.Outcome = outcomeFromRecord(record)
			return result, err
		}

		output, err := op.Execute(ctx)
		if err != nil {
			workErr := &domain.WorkFault{SessionID: record.SessionID, Cause: err}
			if failErr := r.meter.Fail(ctx, record, workErr); failErr != nil {
				return result, failErr
			}
			result.Outcome = outcomeFromRecord(record)
			return result, workErr
		}

		result.Outputs = append(result.Outputs, output)
		logger.L(ctx).Debug("Billable operation completed",
			zap.String("session_id", record.SessionID),
			zap.String("operation", op.Name()),
			zap.Int("index", i))
	}

	outcome, err := r.meter.Finalize(ctx, record)
	if err != nil {
		return result, fmt.Errorf("failed to finalize session: %w", err)
	}
	result.Outcome = outcome
	return result, nil
}

// chargeWithTopUp charges one operation, running the funding
// suspend/resume cycle as many times as exhaustion recurs
func (r *MeteredRunner) chargeWithTopUp(ctx context.Context, record *domain.PaymentRecord) error {
	for {
		err := r.meter.Charge(ctx, record)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrExhausted) {
			return err
		}

		if r.funding == nil {
			if failErr := r.meter.Fail(ctx, record, err); failErr != nil {
				return failErr
			}
			return fmt.Errorf("%w: no funding gateway configured", ErrFundingDeclined)
		}

		if err := r.funding.RequestTopUp(ctx, record); err != nil {
			return err
		}
		// Topped up and active again; retry the charge.
	}
}

// outcomeFromRecord reports the settlement outcome recorded on a
// terminal session. When the refund is the unredeemed original token,
// its worth is the full funded amount regardless of internal
// bookkeeping.
func outcomeFromRecord(record *domain.PaymentRecord) *FinalizeOutcome {
	refundSats := record.Balance
	if record.Status == domain.PaymentError && !record.Redeemed && record.RefundToken != "" {
		refundSats = record.Funded()
	}
	return &FinalizeOutcome{
		Status:      record.Status,
		Redeemed:    record.Redeemed,
		RefundToken: record.RefundToken,
		RefundSats:  refundSats,
		Refund:      record.RefundToken != "",
	}
}
