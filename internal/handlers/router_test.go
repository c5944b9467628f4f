package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sdk "github.com/inference-gateway/sdk"
	config "github.com/sveltereader/satmeter/config"
	domain "github.com/sveltereader/satmeter/internal/domain"
	storage "github.com/sveltereader/satmeter/internal/infra/storage"
	services "github.com/sveltereader/satmeter/internal/services"
	assert "github.com/stretchr/testify/assert"
	require "github.com/stretchr/testify/require"
)

type testStack struct {
	server  *httptest.Server
	meter   *services.Meter
	gateway *services.ChannelFundingGateway
	stepper *scriptedStepper
}

// scriptedStepper stands in for the chat step service: it echoes the
// last message back, or fails when err is set.
type scriptedStepper struct {
	err error
}

func (s *scriptedStepper) Step(messages []sdk.Message) domain.BillableOperation {
	return domain.BillableFunc{
		OpName: "llm_iteration",
		Fn: func(_ context.Context) (string, error) {
			if s.err != nil {
				return "", s.err
			}
			text, err := messages[len(messages)-1].Content.AsMessageContent0()
			if err != nil {
				return "", err
			}
			return "echo: " + text, nil
		},
	}
}

func setupTestServer(t *testing.T) *testStack {
	tempDir, err := os.MkdirTemp("", "handlers_test_*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(tempDir) })

	wallet, err := services.NewWalletService(config.WalletConfig{
		DBPath:  filepath.Join(tempDir, "wallet.db"),
		MintURL: "https://mint.example.com",
	}, true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = wallet.Close() })

	recovery, err := services.NewRecoveryLog(filepath.Join(tempDir, "recovery.jsonl"))
	require.NoError(t, err)

	store := storage.NewMemoryStore()
	gateway := services.NewChannelFundingGateway()
	meter := services.NewMeter(store, services.NewCashuValidator(true), wallet, recovery, config.PaymentsConfig{
		CostPerOperation: 10,
		DefaultTopUp:     100,
		DevMode:          true,
	})

	stepper := &scriptedStepper{}
	runner := services.NewMeteredRunner(meter, services.NewFundingCoordinator(meter, gateway), 0)

	router := NewRouter(
		NewWalletHandler(wallet),
		NewSessionHandler(meter, gateway),
		NewRunHandler(meter, runner, stepper),
		NewEventsHandler(gateway),
		store,
	)

	server := httptest.NewServer(router.Handler())
	t.Cleanup(server.Close)

	return &testStack{server: server, meter: meter, gateway: gateway, stepper: stepper}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestRouter_Health(t *testing.T) {
	stack := setupTestServer(t)

	resp, err := http.Get(stack.server.URL + "/health")
	require.NoError(t, err)

	var body map[string]any
	decodeJSON(t, resp, &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
}

func TestRouter_WalletEndpoints(t *testing.T) {
	stack := setupTestServer(t)

	t.Run("receive", func(t *testing.T) {
		resp := postJSON(t, stack.server.URL+"/api/wallet/receive", map[string]string{"token": "cashu_debug_80"})

		var body map[string]any
		decodeJSON(t, resp, &body)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, true, body["success"])
		assert.Equal(t, float64(80), body["amount"])
	})

	t.Run("balance", func(t *testing.T) {
		resp, err := http.Get(stack.server.URL + "/api/wallet/balance")
		require.NoError(t, err)

		var body map[string]any
		decodeJSON(t, resp, &body)
		assert.Equal(t, float64(80), body["balance"])
	})

	t.Run("send", func(t *testing.T) {
		resp := postJSON(t, stack.server.URL+"/api/wallet/send", map[string]int64{"amount": 80})

		var body map[string]any
		decodeJSON(t, resp, &body)
		assert.Equal(t, true, body["success"])
		assert.NotEmpty(t, body["token"])
	})

	t.Run("sweep with empty wallet", func(t *testing.T) {
		resp := postJSON(t, stack.server.URL+"/api/wallet/sweep", struct{}{})

		var body map[string]any
		decodeJSON(t, resp, &body)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, false, body["success"])
		assert.Equal(t, "No funds to sweep", body["error"])
	})

	t.Run("wrong method", func(t *testing.T) {
		resp, err := http.Get(stack.server.URL + "/api/wallet/receive")
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}

func TestRouter_SessionLifecycle(t *testing.T) {
	stack := setupTestServer(t)

	var created struct {
		SessionID string `json:"session_id"`
		Status    string `json:"status"`
	}

	t.Run("create", func(t *testing.T) {
		resp := postJSON(t, stack.server.URL+"/api/sessions", map[string]string{"payment_token": "cashu_debug_100"})

		decodeJSON(t, resp, &created)
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.NotEmpty(t, created.SessionID)
		assert.Equal(t, "pending", created.Status)
	})

	t.Run("get payment state", func(t *testing.T) {
		resp, err := http.Get(stack.server.URL + "/api/sessions/" + created.SessionID + "/payment")
		require.NoError(t, err)

		var body map[string]any
		decodeJSON(t, resp, &body)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, created.SessionID, body["session_id"])
	})

	t.Run("unknown session is 404", func(t *testing.T) {
		resp, err := http.Get(stack.server.URL + "/api/sessions/does-not-exist/payment")
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("list", func(t *testing.T) {
		resp, err := http.Get(stack.server.URL + "/api/sessions")
		require.NoError(t, err)

		var body []map[string]any
		decodeJSON(t, resp, &body)
		require.Len(t, body, 1)
		assert.Equal(t, created.SessionID, body[0]["session_id"])
	})
}

func TestRouter_RefundClaim(t *testing.T) {
	stack := setupTestServer(t)
	ctx := context.Background()

	record, err := stack.meter.Open(ctx, "sess-claim-http", "cashu_debug_100")
	require.NoError(t, err)
	require.NoError(t, stack.meter.Charge(ctx, record))
	_, err = stack.meter.Finalize(ctx, record)
	require.NoError(t, err)

	resp := postJSON(t, stack.server.URL+"/api/sessions/sess-claim-http/refund/claim", struct{}{})

	var body map[string]any
	decodeJSON(t, resp, &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cashu_refund_90", body["refund_token"])
	assert.Equal(t, true, body["claimed"])

	t.Run("nothing to claim is a conflict", func(t *testing.T) {
		other, err := stack.meter.Open(ctx, "sess-no-refund-http", "cashu_debug_10")
		require.NoError(t, err)
		require.NoError(t, stack.meter.Charge(ctx, other))
		_, err = stack.meter.Finalize(ctx, other)
		require.NoError(t, err)

		resp := postJSON(t, stack.server.URL+"/api/sessions/sess-no-refund-http/refund/claim", struct{}{})
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})
}

func TestRouter_Run(t *testing.T) {
	stack := setupTestServer(t)

	t.Run("metered run completes and refunds the remainder", func(t *testing.T) {
		var created struct {
			SessionID string `json:"session_id"`
		}
		resp := postJSON(t, stack.server.URL+"/api/sessions", map[string]string{"payment_token": "cashu_debug_100"})
		decodeJSON(t, resp, &created)
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		runResp := postJSON(t, stack.server.URL+"/api/sessions/"+created.SessionID+"/run", map[string]any{
			"prompts": []string{"one", "two", "three"},
		})

		var body struct {
			Outputs     []string `json:"outputs"`
			Status      string   `json:"status"`
			Redeemed    bool     `json:"redeemed"`
			RefundToken string   `json:"refund_token"`
			RefundSats  int64    `json:"refund_sats"`
		}
		decodeJSON(t, runResp, &body)
		assert.Equal(t, http.StatusOK, runResp.StatusCode)
		assert.Equal(t, []string{"echo: one", "echo: two", "echo: three"}, body.Outputs)
		assert.Equal(t, "completed", body.Status)
		assert.True(t, body.Redeemed)
		assert.Equal(t, "cashu_refund_70", body.RefundToken)
		assert.Equal(t, int64(70), body.RefundSats)
	})

	t.Run("work fault surfaces the original token", func(t *testing.T) {
		_, err := stack.meter.Open(context.Background(), "sess-run-fault", "cashu_debug_100")
		require.NoError(t, err)

		stack.stepper.err = errors.New("model backend down")
		t.Cleanup(func() { stack.stepper.err = nil })

		resp := postJSON(t, stack.server.URL+"/api/sessions/sess-run-fault/run", map[string]any{
			"prompts": []string{"one"},
		})

		var body struct {
			Status      string `json:"status"`
			RefundToken string `json:"refund_token"`
			RefundSats  int64  `json:"refund_sats"`
			Error       string `json:"error"`
		}
		decodeJSON(t, resp, &body)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, "error", body.Status)
		assert.Equal(t, "cashu_debug_100", body.RefundToken, "payer keeps the original token")
		assert.Equal(t, int64(100), body.RefundSats)
		assert.Contains(t, body.Error, "model backend down")
	})

	t.Run("unknown session is 404", func(t *testing.T) {
		resp := postJSON(t, stack.server.URL+"/api/sessions/does-not-exist/run", map[string]any{
			"prompts": []string{"one"},
		})
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("empty prompts is 400", func(t *testing.T) {
		resp := postJSON(t, stack.server.URL+"/api/sessions/sess-any/run", map[string]any{
			"prompts": []string{},
		})
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestRouter_FundingResume(t *testing.T) {
	stack := setupTestServer(t)

	t.Run("unknown decision is 400", func(t *testing.T) {
		resp := postJSON(t, stack.server.URL+"/api/sessions/sess-x/funding", map[string]string{
			"request_id": "req-1",
			"decision":   "maybe",
		})
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("approve without token is 400", func(t *testing.T) {
		resp := postJSON(t, stack.server.URL+"/api/sessions/sess-x/funding", map[string]string{
			"request_id": "req-1",
			"decision":   "approve",
		})
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("no pending request is a conflict", func(t *testing.T) {
		resp := postJSON(t, stack.server.URL+"/api/sessions/sess-x/funding", map[string]string{
			"request_id": "req-ghost",
			"decision":   "reject",
		})
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("resume through another session is rejected", func(t *testing.T) {
		done := make(chan domain.FundingResume, 1)

		go func() {
			resume, err := stack.gateway.RequestFunding(context.Background(), domain.FundingRequest{
				ID:        "req-owned",
				SessionID: "sess-owner",
				Action:    domain.FundingAction,
			})
			if err == nil {
				done <- resume
			}
		}()

		// Wait for the request to register; a resume addressed through a
		// different session's endpoint must conflict without resolving it.
		require.Eventually(t, func() bool {
			resp := postJSON(t, stack.server.URL+"/api/sessions/sess-intruder/funding", map[string]string{
				"request_id": "req-owned",
				"decision":   "reject",
			})
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode != http.StatusConflict {
				return false
			}
			raw, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			return strings.Contains(string(raw), "does not belong")
		}, 2*time.Second, 10*time.Millisecond)

		select {
		case <-done:
			t.Fatal("request resolved through the wrong session")
		default:
		}

		resp := postJSON(t, stack.server.URL+"/api/sessions/sess-owner/funding", map[string]string{
			"request_id":    "req-owned",
			"decision":      "approve",
			"payment_token": "cashu_debug_40",
		})
		defer func() { _ = resp.Body.Close() }()
		require.Equal(t, http.StatusAccepted, resp.StatusCode)

		select {
		case resume := <-done:
			assert.Equal(t, domain.FundingApprove, resume.Decision)
		case <-time.After(2 * time.Second):
			t.Fatal("funding request never resumed for its own session")
		}
	})

	t.Run("resolves a waiting request", func(t *testing.T) {
		type result struct {
			resume domain.FundingResume
			err    error
		}
		done := make(chan result, 1)

		go func() {
			resume, err := stack.gateway.RequestFunding(context.Background(), domain.FundingRequest{
				ID:        "req-live",
				SessionID: "sess-live",
				Action:    domain.FundingAction,
			})
			done <- result{resume, err}
		}()

		// Give the request time to register as pending.
		require.Eventually(t, func() bool {
			resp := postJSON(t, stack.server.URL+"/api/sessions/sess-live/funding", map[string]string{
				"request_id":    "req-live",
				"decision":      "approve",
				"payment_token": "cashu_debug_40",
			})
			defer func() { _ = resp.Body.Close() }()
			return resp.StatusCode == http.StatusAccepted
		}, 2*time.Second, 10*time.Millisecond)

		select {
		case r := <-done:
			require.NoError(t, r.err)
			assert.Equal(t, domain.FundingApprove, r.resume.Decision)
			assert.Equal(t, "cashu_debug_40", r.resume.Token)
		case <-time.After(2 * time.Second):
			t.Fatal("funding request never resumed")
		}
	})
}
