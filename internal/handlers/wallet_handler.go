package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sveltereader/satmeter/internal/domain"
	"github.com/sveltereader/satmeter/internal/logger"
	"github.com/sveltereader/satmeter/internal/services"
)

// WalletHandler exposes the hot wallet over HTTP. The agent-side
// redemption client and admin tooling are the only intended callers.
type WalletHandler struct {
	wallet *services.WalletService
}

// NewWalletHandler creates a wallet handler
func NewWalletHandler(wallet *services.WalletService) *WalletHandler {
	return &WalletHandler{wallet: wallet}
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

// HandleReceive handles POST /api/wallet/receive.
// Receiving an already-spent token reports failure with an explicit
// "already spent" error so retrying clients can recognize the benign
// duplicate.
func (h *WalletHandler) HandleReceive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req receiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, receiveResponse{Success: false, Error: "invalid request body"})
		return
	}

	amount, err := h.wallet.Receive(r.Context(), req.Token)
	if err != nil {
		status := http.StatusOK // contract reports failure in the body
		resp := receiveResponse{Success: false, Error: err.Error()}
		if errors.Is(err, domain.ErrAlreadySpent) {
			resp.Error = "token already spent"
		}
		writeJSON(w, status, resp)
		return
	}

	writeJSON(w, http.StatusOK, receiveResponse{Success: true, Amount: amount})
}

// HandleBalance handles GET /api/wallet/balance
func (h *WalletHandler) HandleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	balance, err := h.wallet.Balance(r.Context())
	if err != nil {
		logger.Error("Failed to read wallet balance", "error", err)
		http.Error(w, "failed to read balance", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, balanceResponse{Balance: balance})
}

// HandleSweep handles POST /api/wallet/sweep.
// Sweeping moves the entire settled balance out of this wallet.
func (h *WalletHandler) HandleSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	result, err := h.wallet.Sweep(r.Context())
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientBalance) {
			writeJSON(w, http.StatusOK, sweepResponse{Success: false, Error: "No funds to sweep"})
			return
		}
		writeJSON(w, http.StatusOK, sweepResponse{Success: false, Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, sweepResponse{Success: true, Amount: result.Amount, Token: result.Token})
}

// HandleSend handles POST /api/wallet/send
func (h *WalletHandler) HandleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, sweepResponse{Success: false, Error: "invalid request body"})
		return
	}

	token, err := h.wallet.Send(r.Context(), req.Amount)
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientBalance) {
			writeJSON(w, http.StatusBadRequest, sweepResponse{Success: false, Error: "insufficient balance"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, sweepResponse{Success: false, Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, sweepResponse{Success: true, Amount: req.Amount, Token: token})
}
