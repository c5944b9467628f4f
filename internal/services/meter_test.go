package services

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	config "github.com/sveltereader/satmeter/config"
	domain "github.com/sveltereader/satmeter/internal/domain"
	storage "github.com/sveltereader/satmeter/internal/infra/storage"
	assert "github.com/stretchr/testify/assert"
	require "github.com/stretchr/testify/require"
)

// fakeWallet is a scriptable settlement backend for meter tests
type fakeWallet struct {
	receiveAmount int64
	receiveErr    error
	receiveCalls  int

	sendToken string
	sendErr   error
	sendCalls int
}

func (f *fakeWallet) Receive(_ context.Context, _ string) (int64, error) {
	f.receiveCalls++
	if f.receiveErr != nil {
		return 0, f.receiveErr
	}
	return f.receiveAmount, nil
}

func (f *fakeWallet) Balance(_ context.Context) (int64, error) { return f.receiveAmount, nil }

func (f *fakeWallet) Sweep(_ context.Context) (domain.SweepResult, error) {
	return domain.SweepResult{}, nil
}

func (f *fakeWallet) Send(_ context.Context, amount int64) (string, error) {
	f.sendCalls++
	if f.sendErr != nil {
		return "", f.sendErr
	}
	if f.sendToken != "" {
		return f.sendToken, nil
	}
	return fmt.Sprintf("cashuAfake%d", amount), nil
}

func setupMeter(t *testing.T, cfg config.PaymentsConfig) (*Meter, *fakeWallet, *RecoveryLog) {
	tempDir, err := os.MkdirTemp("", "meter_test_*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(tempDir) })

	recovery, err := NewRecoveryLog(filepath.Join(tempDir, "recovery.jsonl"))
	require.NoError(t, err)

	wallet := &fakeWallet{receiveAmount: 100}
	meter := NewMeter(storage.NewMemoryStore(), NewCashuValidator(cfg.DevMode), wallet, recovery, cfg)
	return meter, wallet, recovery
}

func devPayments() config.PaymentsConfig {
	return config.PaymentsConfig{
		CostPerOperation: 10,
		DefaultTopUp:     100,
		DevMode:          true,
	}
}

func TestMeter_HappyPathWithRefund(t *testing.T) {
	meter, wallet, _ := setupMeter(t, devPayments())
	ctx := context.Background()

	record, err := meter.Open(ctx, "sess-happy", "cashu_debug_100")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPending, record.Status)

	for i := 0; i < 5; i++ {
		require.NoError(t, meter.Charge(ctx, record))
		assert.True(t, record.ConservationHolds(), "conservation after charge %d", i)
	}

	assert.Equal(t, int64(50), record.Spent)
	assert.Equal(t, int64(50), record.Balance)

	outcome, err := meter.Finalize(ctx, record)
	require.NoError(t, err)

	assert.Equal(t, domain.PaymentCompleted, outcome.Status)
	assert.True(t, outcome.Redeemed)
	assert.True(t, outcome.Refund)
	assert.Equal(t, int64(50), outcome.RefundSats)
	assert.Equal(t, "cashu_refund_50", outcome.RefundToken)
	assert.Equal(t, 1, wallet.receiveCalls)
	assert.True(t, record.ConservationHolds())
}

func TestMeter_ExhaustionLeavesSpendCommitted(t *testing.T) {
	meter, _, _ := setupMeter(t, devPayments())
	ctx := context.Background()

	record, err := meter.Open(ctx, "sess-exhaust", "cashu_debug_15")
	require.NoError(t, err)

	require.NoError(t, meter.Charge(ctx, record))
	assert.Equal(t, int64(10), record.Spent)
	assert.Equal(t, int64(5), record.Balance)

	err = meter.Charge(ctx, record)
	assert.ErrorIs(t, err, domain.ErrExhausted)
	assert.Equal(t, domain.PaymentExhausted, record.Status)

	// Nothing was deducted for the operation that could not run.
	assert.Equal(t, int64(10), record.Spent)
	assert.Equal(t, int64(5), record.Balance)
	assert.True(t, record.ConservationHolds())

	// The exhausted state is durable.
	persisted, err := meter.Load(ctx, "sess-exhaust")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentExhausted, persisted.Status)
	assert.Equal(t, int64(10), persisted.Spent)
}

func TestMeter_MalformedTokenNeverTouchesWallet(t *testing.T) {
	meter, wallet, _ := setupMeter(t, devPayments())
	ctx := context.Background()

	record, err := meter.Open(ctx, "sess-bad-token", "notcashu123")
	require.NoError(t, err)

	err = meter.Activate(ctx, record)
	require.Error(t, err)

	var validationErr *domain.ValidationError
	assert.ErrorAs(t, err, &validationErr)
	assert.Equal(t, domain.PaymentError, record.Status)
	assert.Equal(t, 0, wallet.receiveCalls)
	assert.Zero(t, record.Spent)
	assert.Zero(t, record.Balance)
}

func TestMeter_FailPreservesOriginalToken(t *testing.T) {
	meter, wallet, recovery := setupMeter(t, devPayments())
	ctx := context.Background()

	const token = "cashu_debug_100"
	record, err := meter.Open(ctx, "sess-work-fault", token)
	require.NoError(t, err)

	require.NoError(t, meter.Charge(ctx, record))
	require.NoError(t, meter.Charge(ctx, record))

	cause := errors.New("model backend unreachable")
	require.NoError(t, meter.Fail(ctx, record, cause))

	assert.Equal(t, domain.PaymentError, record.Status)
	assert.False(t, record.Redeemed)
	assert.Equal(t, token, record.RefundToken, "refund must be the original token verbatim")
	assert.Equal(t, 0, wallet.receiveCalls, "failed sessions never redeem")

	entries, err := recovery.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "refund", entries[0].Kind)
	assert.Equal(t, token, entries[0].Token)

	// Fail on an already-terminal record is a no-op.
	require.NoError(t, meter.Fail(ctx, record, cause))
	entries, err = recovery.Entries()
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	// Finalize on the failed record replays the outcome. The refund is
	// the unredeemed original token, so it is worth the full funded
	// amount, not the internal balance after deductions.
	outcome, err := meter.Finalize(ctx, record)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentError, outcome.Status)
	assert.Equal(t, token, outcome.RefundToken)
	assert.Equal(t, record.Funded(), outcome.RefundSats)
	assert.Equal(t, int64(100), outcome.RefundSats)
}

func TestMeter_RedemptionFaultGoesToRecoveryLog(t *testing.T) {
	meter, wallet, recovery := setupMeter(t, devPayments())
	wallet.receiveErr = errors.New("connection refused")
	ctx := context.Background()

	const token = "cashu_debug_100"
	record, err := meter.Open(ctx, "sess-redeem-fault", token)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, meter.Charge(ctx, record))
	}

	outcome, err := meter.Finalize(ctx, record)
	require.NoError(t, err, "a settlement fault must not fail the session")

	assert.Equal(t, domain.PaymentCompleted, outcome.Status)
	assert.False(t, outcome.Redeemed)

	entries, err := recovery.Entries()
	require.NoError(t, err)

	var unredeemed []RecoveryEntry
	for _, e := range entries {
		if e.Kind == "unredeemed" {
			unredeemed = append(unredeemed, e)
		}
	}
	require.Len(t, unredeemed, 1)
	assert.Equal(t, token, unredeemed[0].Token, "full token text must survive")
	assert.Equal(t, RecoveryBanner, unredeemed[0].Banner)
	assert.Equal(t, int64(100), unredeemed[0].AmountSats)
	assert.Contains(t, unredeemed[0].Note, "connection refused")
}

func TestMeter_RedeemAtMostOnce(t *testing.T) {
	meter, wallet, _ := setupMeter(t, devPayments())
	ctx := context.Background()

	record, err := meter.Open(ctx, "sess-once", "cashu_debug_30")
	require.NoError(t, err)
	require.NoError(t, meter.Charge(ctx, record))

	outcome, err := meter.Finalize(ctx, record)
	require.NoError(t, err)
	assert.True(t, outcome.Redeemed)
	assert.Equal(t, 1, wallet.receiveCalls)

	t.Run("finalize is idempotent", func(t *testing.T) {
		again, err := meter.Finalize(ctx, record)
		require.NoError(t, err)
		assert.Equal(t, outcome.Status, again.Status)
		assert.Equal(t, outcome.RefundToken, again.RefundToken)
		assert.Equal(t, 1, wallet.receiveCalls, "no second redemption")
	})

	t.Run("already spent counts as redeemed", func(t *testing.T) {
		meter2, wallet2, _ := setupMeter(t, devPayments())
		wallet2.receiveErr = domain.ErrAlreadySpent

		record2, err := meter2.Open(ctx, "sess-dup", "cashu_debug_30")
		require.NoError(t, err)
		require.NoError(t, meter2.Charge(ctx, record2))

		out, err := meter2.Finalize(ctx, record2)
		require.NoError(t, err)
		assert.True(t, out.Redeemed)
	})
}

func TestMeter_TopUpResumesExhaustedSession(t *testing.T) {
	meter, _, _ := setupMeter(t, devPayments())
	ctx := context.Background()

	record, err := meter.Open(ctx, "sess-topup", "cashu_debug_10")
	require.NoError(t, err)

	require.NoError(t, meter.Charge(ctx, record))
	assert.ErrorIs(t, meter.Charge(ctx, record), domain.ErrExhausted)

	t.Run("topup only from exhausted", func(t *testing.T) {
		fresh, err := meter.Open(ctx, "sess-topup-bad", "cashu_debug_10")
		require.NoError(t, err)
		_, err = meter.TopUp(ctx, fresh, "cashu_debug_50")
		var transitionErr *domain.InvalidTransitionError
		assert.ErrorAs(t, err, &transitionErr)
	})

	t.Run("invalid topup token keeps session exhausted", func(t *testing.T) {
		_, err := meter.TopUp(ctx, record, "garbage")
		var validationErr *domain.ValidationError
		assert.ErrorAs(t, err, &validationErr)
		assert.Equal(t, domain.PaymentExhausted, record.Status)
	})

	amount, err := meter.TopUp(ctx, record, "cashu_debug_50")
	require.NoError(t, err)
	assert.Equal(t, int64(50), amount)
	assert.Equal(t, domain.PaymentActive, record.Status)
	assert.Equal(t, []int64{50}, record.TopUps)
	assert.Equal(t, int64(60), record.Funded())
	assert.True(t, record.ConservationHolds())

	// Conservation keeps holding across post-topup charges.
	for i := 0; i < 5; i++ {
		require.NoError(t, meter.Charge(ctx, record))
		assert.True(t, record.ConservationHolds())
	}
	assert.Equal(t, int64(60), record.Spent)
	assert.Zero(t, record.Balance)
}

func TestMeter_ConservationUnderRandomSequences(t *testing.T) {
	meter, _, _ := setupMeter(t, devPayments())
	ctx := context.Background()
	rng := rand.New(rand.NewSource(1))

	for run := 0; run < 10; run++ {
		face := int64(10 + rng.Intn(20)*5)
		record, err := meter.Open(ctx, fmt.Sprintf("sess-rand-%d", run), fmt.Sprintf("cashu_debug_%d", face))
		require.NoError(t, err)

		for step := 0; step < 30; step++ {
			switch err := meter.Charge(ctx, record); {
			case err == nil:
			case errors.Is(err, domain.ErrExhausted):
				if rng.Intn(2) == 0 {
					topup := int64(10 + rng.Intn(5)*10)
					_, err := meter.TopUp(ctx, record, fmt.Sprintf("cashu_debug_%d", topup))
					require.NoError(t, err)
				} else {
					step = 30
				}
			default:
				t.Fatalf("unexpected charge error: %v", err)
			}
			require.True(t, record.ConservationHolds(),
				"run %d step %d: spent=%d balance=%d funded=%d",
				run, step, record.Spent, record.Balance, record.Funded())
		}
	}
}

func TestMeter_UnmeteredSessions(t *testing.T) {
	ctx := context.Background()

	t.Run("rejected unless explicitly allowed", func(t *testing.T) {
		meter, _, _ := setupMeter(t, devPayments())

		record, err := meter.Open(ctx, "sess-free-denied", "")
		require.NoError(t, err)

		err = meter.Activate(ctx, record)
		var validationErr *domain.ValidationError
		assert.ErrorAs(t, err, &validationErr)
		assert.Equal(t, domain.PaymentError, record.Status)
	})

	t.Run("allowed sessions never deduct or settle", func(t *testing.T) {
		cfg := devPayments()
		cfg.AllowUnmetered = true
		meter, wallet, _ := setupMeter(t, cfg)

		record, err := meter.Open(ctx, "sess-free", "")
		require.NoError(t, err)

		for i := 0; i < 20; i++ {
			require.NoError(t, meter.Charge(ctx, record))
		}
		assert.Zero(t, record.Spent)

		outcome, err := meter.Finalize(ctx, record)
		require.NoError(t, err)
		assert.Equal(t, domain.PaymentCompleted, outcome.Status)
		assert.False(t, outcome.Refund)
		assert.Equal(t, 0, wallet.receiveCalls)
	})
}

func TestMeter_ExactSpendNoRefund(t *testing.T) {
	meter, _, _ := setupMeter(t, devPayments())
	ctx := context.Background()

	record, err := meter.Open(ctx, "sess-exact", "cashu_debug_30")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, meter.Charge(ctx, record))
	}
	assert.Zero(t, record.Balance)

	outcome, err := meter.Finalize(ctx, record)
	require.NoError(t, err)
	assert.False(t, outcome.Refund)
	assert.Empty(t, outcome.RefundToken)
}

func TestMeter_ClaimRefund(t *testing.T) {
	meter, _, _ := setupMeter(t, devPayments())
	ctx := context.Background()

	record, err := meter.Open(ctx, "sess-claim", "cashu_debug_100")
	require.NoError(t, err)
	require.NoError(t, meter.Charge(ctx, record))

	outcome, err := meter.Finalize(ctx, record)
	require.NoError(t, err)
	require.True(t, outcome.Refund)

	token, err := meter.ClaimRefund(ctx, record)
	require.NoError(t, err)
	assert.Equal(t, outcome.RefundToken, token)
	assert.Equal(t, domain.PaymentRefunded, record.Status)
	assert.True(t, record.RefundClaimed)

	t.Run("re-claim returns the same token", func(t *testing.T) {
		again, err := meter.ClaimRefund(ctx, record)
		require.NoError(t, err)
		assert.Equal(t, token, again)
	})

	t.Run("nothing to claim", func(t *testing.T) {
		bare, err := meter.Open(ctx, "sess-no-refund", "cashu_debug_10")
		require.NoError(t, err)
		require.NoError(t, meter.Charge(ctx, bare))
		_, err = meter.Finalize(ctx, bare)
		require.NoError(t, err)

		_, err = meter.ClaimRefund(ctx, bare)
		assert.Error(t, err)
	})
}

func TestMeter_ProductionRefundSynthesis(t *testing.T) {
	ctx := context.Background()
	cfg := config.PaymentsConfig{CostPerOperation: 10, DefaultTopUp: 100}

	t.Run("refund minted from wallet after redemption", func(t *testing.T) {
		meter, wallet, _ := setupMeter(t, cfg)
		wallet.sendToken = "cashuAminted"

		record, err := meter.Open(ctx, "sess-prod", debugV3Token(t, 100))
		require.NoError(t, err)
		require.NoError(t, meter.Charge(ctx, record))

		outcome, err := meter.Finalize(ctx, record)
		require.NoError(t, err)
		assert.True(t, outcome.Redeemed)
		assert.Equal(t, "cashuAminted", outcome.RefundToken)
		assert.Equal(t, 1, wallet.sendCalls)
	})

	t.Run("no refund minted when redemption failed", func(t *testing.T) {
		meter, wallet, recovery := setupMeter(t, cfg)
		wallet.receiveErr = errors.New("mint offline")

		record, err := meter.Open(ctx, "sess-prod-fault", debugV3Token(t, 100))
		require.NoError(t, err)
		require.NoError(t, meter.Charge(ctx, record))

		outcome, err := meter.Finalize(ctx, record)
		require.NoError(t, err)
		assert.False(t, outcome.Redeemed)
		assert.Empty(t, outcome.RefundToken)
		assert.Equal(t, 0, wallet.sendCalls)

		entries, err := recovery.Entries()
		require.NoError(t, err)
		require.NotEmpty(t, entries)
		assert.Equal(t, "unredeemed", entries[0].Kind)
	})
}

func TestMeter_InvalidTransitions(t *testing.T) {
	meter, _, _ := setupMeter(t, devPayments())
	ctx := context.Background()

	record, err := meter.Open(ctx, "sess-transitions", "cashu_debug_100")
	require.NoError(t, err)

	t.Run("finalize from exhausted", func(t *testing.T) {
		fresh, err := meter.Open(ctx, "sess-pending", "cashu_debug_10")
		require.NoError(t, err)
		fresh.Status = domain.PaymentExhausted
		_, err = meter.Finalize(ctx, fresh)
		var transitionErr *domain.InvalidTransitionError
		assert.ErrorAs(t, err, &transitionErr)
	})

	t.Run("charge after terminal", func(t *testing.T) {
		require.NoError(t, meter.Charge(ctx, record))
		_, err := meter.Finalize(ctx, record)
		require.NoError(t, err)

		err = meter.Charge(ctx, record)
		var transitionErr *domain.InvalidTransitionError
		assert.ErrorAs(t, err, &transitionErr)
	})
}

// debugV3Token builds a syntactically real cashuA token worth amount
func debugV3Token(t *testing.T, amount int64) string {
	t.Helper()
	return EncodeTokenV3("https://mint.example.com", []cashuProof{
		{Amount: amount, ID: "009a1f", Secret: fmt.Sprintf("secret-%d", amount), C: "02abc"},
	})
}
