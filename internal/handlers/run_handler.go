package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	sdk "github.com/inference-gateway/sdk"
	"github.com/sveltereader/satmeter/internal/domain"
	"github.com/sveltereader/satmeter/internal/logger"
	"github.com/sveltereader/satmeter/internal/services"
)

// ChatStepper builds a billable operation from chat messages. Satisfied
// by services.ChatStepService.
type ChatStepper interface {
	Step(messages []sdk.Message) domain.BillableOperation
}

// RunHandler executes metered LLM work against an open session
type RunHandler struct {
	meter  *services.Meter
	runner *services.MeteredRunner
	chat   ChatStepper
}

// NewRunHandler creates a run handler
func NewRunHandler(meter *services.Meter, runner *services.MeteredRunner, chat ChatStepper) *RunHandler {
	return &RunHandler{meter: meter, runner: runner, chat: chat}
}

type runRequest struct {
	// Prompts are executed in order; each one is a single metered
	// iteration charged before the gateway call runs
	Prompts []string `json:"prompts"`
}

type runResponse struct {
	SessionID   string   `json:"session_id"`
	Outputs     []string `json:"outputs"`
	Status      string   `json:"status,omitempty"`
	Redeemed    bool     `json:"redeemed"`
	RefundToken string   `json:"refund_token,omitempty"`
	RefundSats  int64    `json:"refund_sats,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// HandleRun handles POST /api/sessions/{id}/run
func (h *RunHandler) HandleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := pathSegment(r.URL.Path, "/api/sessions/", "/run")
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Prompts) == 0 {
		http.Error(w, "prompts must not be empty", http.StatusBadRequest)
		return
	}

	record, err := h.meter.Load(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		logger.Error("Failed to load payment session", "session_id", sessionID, "error", err)
		http.Error(w, "failed to load session", http.StatusInternalServerError)
		return
	}

	ops := make([]domain.BillableOperation, 0, len(req.Prompts))
	for _, prompt := range req.Prompts {
		ops = append(ops, h.chat.Step([]sdk.Message{
			{Role: sdk.User, Content: sdk.NewMessageContent(prompt)},
		}))
	}

	result, runErr := h.runner.Run(r.Context(), record, ops)

	resp := runResponse{SessionID: sessionID, Outputs: result.Outputs}
	if result.Outcome != nil {
		resp.Status = string(result.Outcome.Status)
		resp.Redeemed = result.Outcome.Redeemed
		resp.RefundToken = result.Outcome.RefundToken
		resp.RefundSats = result.Outcome.RefundSats
	}

	if runErr != nil {
		// The session settled on the error path; the payer keeps their
		// funds and the response says what they hold.
		resp.Error = runErr.Error()
		writeJSON(w, http.StatusConflict, resp)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}
