package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/sveltereader/satmeter/internal/domain"
	"github.com/sveltereader/satmeter/internal/logger"
	"github.com/sveltereader/satmeter/internal/services"
)

// SessionHandler exposes payment session lifecycle endpoints
type SessionHandler struct {
	meter   *services.Meter
	gateway *services.ChannelFundingGateway
}

// NewSessionHandler creates a session handler
func NewSessionHandler(meter *services.Meter, gateway *services.ChannelFundingGateway) *SessionHandler {
	return &SessionHandler{meter: meter, gateway: gateway}
}

type createSessionRequest struct {
	// PaymentToken may be empty to request an unmetered session; see
	// the allow_unmetered configuration flag
	PaymentToken string `json:"payment_token,omitempty"`
}

type sessionResponse struct {
	SessionID     string `json:"session_id"`
	Status        string `json:"status"`
	BalanceSats   int64  `json:"balance_sats"`
	SpentSats     int64  `json:"spent_sats"`
	FaceValueSats int64  `json:"face_value_sats"`
	RefundToken   string `json:"refund_token,omitempty"`
	RefundClaimed bool   `json:"refund_claimed"`
}

type claimResponse struct {
	SessionID   string `json:"session_id"`
	RefundToken string `json:"refund_token"`
	Claimed     bool   `json:"claimed"`
}

func toSessionResponse(record *domain.PaymentRecord) sessionResponse {
	return sessionResponse{
		SessionID:     record.SessionID,
		Status:        string(record.Status),
		BalanceSats:   record.Balance,
		SpentSats:     record.Spent,
		FaceValueSats: record.FaceValue,
		RefundToken:   record.RefundToken,
		RefundClaimed: record.RefundClaimed,
	}
}

// HandleCreate handles POST /api/sessions
func (h *SessionHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	sessionID := domain.GenerateSessionID().String()
	record, err := h.meter.Open(r.Context(), sessionID, req.PaymentToken)
	if err != nil {
		logger.Error("Failed to open payment session", "error", err)
		http.Error(w, "failed to create session", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, toSessionResponse(record))
}

// HandleGet handles GET /api/sessions/{id}/payment
func (h *SessionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := pathSegment(r.URL.Path, "/api/sessions/", "/payment")
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
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

	writeJSON(w, http.StatusOK, toSessionResponse(record))
}

// HandleFundingResume handles POST /api/sessions/{id}/funding.
// The body is the tagged FundingResume payload; unrecognized decisions
// are rejected with 400 rather than coerced into another shape.
func (h *SessionHandler) HandleFundingResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := pathSegment(r.URL.Path, "/api/sessions/", "/funding")
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	var resume domain.FundingResume
	if err := json.NewDecoder(r.Body).Decode(&resume); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := resume.Validate(); err != nil {
		var unknown *domain.UnknownDecisionError
		if errors.As(err, &unknown) {
			http.Error(w, unknown.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.gateway.Resolve(sessionID, resume); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// HandleClaimRefund handles POST /api/sessions/{id}/refund/claim
func (h *SessionHandler) HandleClaimRefund(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := pathSegment(r.URL.Path, "/api/sessions/", "/refund/claim")
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	record, err := h.meter.Load(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load session", http.StatusInternalServerError)
		return
	}

	token, err := h.meter.ClaimRefund(r.Context(), record)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	writeJSON(w, http.StatusOK, claimResponse{SessionID: sessionID, RefundToken: token, Claimed: true})
}

// HandleList handles GET /api/sessions
func (h *SessionHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	records, err := h.meter.List(r.Context(), limit, offset)
	if err != nil {
		logger.Error("Failed to list payment sessions", "error", err)
		http.Error(w, "failed to list sessions", http.StatusInternalServerError)
		return
	}

	responses := make([]sessionResponse, 0, len(records))
	for _, record := range records {
		responses = append(responses, toSessionResponse(record))
	}
	writeJSON(w, http.StatusOK, responses)
}

func pathSegment(path, prefix, suffix string) string {
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		return ""
	}
	segment := strings.TrimSuffix(strings.TrimPrefix(path, prefix), suffix)
	if strings.Contains(segment, "/") {
		return ""
	}
	return segment
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}
