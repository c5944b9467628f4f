package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sveltereader/satmeter/config"
	"github.com/sveltereader/satmeter/internal/domain"
	"github.com/sveltereader/satmeter/internal/logger"
)

// WalletHTTPClient talks to a wallet service over its HTTP contract:
// POST /api/wallet/receive, GET /api/wallet/balance,
// POST /api/wallet/sweep, POST /api/wallet/send.
//
// It is the redemption client of the payment core: the meter calls
// Receive exactly once per original token, and only after the paid-for
// work has completed.
type WalletHTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewWalletHTTPClient creates a wallet client for the given endpoint
func NewWalletHTTPClient(cfg config.WalletConfig) *WalletHTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15
	}
	return &WalletHTTPClient{
		baseURL: strings.TrimSuffix(cfg.URL, "/"),
		client: &http.Client{
			Timeout: time.Duration(timeout) * time.Second,
		},
	}
}

type receiveRequest struct {
	Token string `json:"token"`
}

type receiveResponse struct {
	Success bool   `json:"success"`
	Amount  int64  `json:"amount"`
	Error   string `json:"error,omitempty"`
}

type balanceResponse struct {
	Balance int64 `json:"balance"`
}

type sweepResponse struct {
	Success bool   `json:"success"`
	Amount  int64  `json:"amount"`
	Token   string `json:"token,omitempty"`
	Error   string `json:"error,omitempty"`
}

type sendRequest struct {
	Amount int64 `json:"amount"`
}

// Receive redeems a token against the wallet service.
// An "already spent" rejection maps to domain.ErrAlreadySpent so that a
// redeem retry is distinguishable from a genuine settlement failure.
func (c *WalletHTTPClient) Receive(ctx context.Context, token string) (int64, error) {
	var resp receiveResponse
	if err := c.post(ctx, "/api/wallet/receive", receiveRequest{Token: token}, &resp); err != nil {
		return 0, err
	}
	if !resp.Success {
		if strings.Contains(strings.ToLower(resp.Error), "already spent") {
			return 0, domain.ErrAlreadySpent
		}
		return 0, fmt.Errorf("wallet rejected token: %s", resp.Error)
	}
	return resp.Amount, nil
}

// Balance returns the wallet's settled balance
func (c *WalletHTTPClient) Balance(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/wallet/balance", nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build balance request: %w", err)
	}

	var resp balanceResponse
	if err := c.do(req, &resp); err != nil {
		return 0, err
	}
	return resp.Balance, nil
}

// Sweep moves the wallet's entire balance into a single token
func (c *WalletHTTPClient) Sweep(ctx context.Context) (domain.SweepResult, error) {
	var resp sweepResponse
	if err := c.post(ctx, "/api/wallet/sweep", struct{}{}, &resp); err != nil {
		return domain.SweepResult{}, err
	}
	if !resp.Success {
		return domain.SweepResult{}, fmt.Errorf("sweep failed: %s", resp.Error)
	}
	return domain.SweepResult{Amount: resp.Amount, Token: resp.Token}, nil
}

// Send mints a token for the given amount
func (c *WalletHTTPClient) Send(ctx context.Context, amount int64) (string, error) {
	var resp sweepResponse
	if err := c.post(ctx, "/api/wallet/send", sendRequest{Amount: amount}, &resp); err != nil {
		return "", err
	}
	if !resp.Success {
		return "", fmt.Errorf("send failed: %s", resp.Error)
	}
	return resp.Token, nil
}

func (c *WalletHTTPClient) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, out)
}

func (c *WalletHTTPClient) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("wallet service unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read wallet response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		logger.Warn("Wallet service error", "status", resp.StatusCode, "path", req.URL.Path)
		return fmt.Errorf("wallet service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode wallet response: %w", err)
	}
	return nil
}

var _ domain.WalletClient = (*WalletHTTPClient)(nil)
