package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sveltereader/satmeter/internal/domain"
	"github.com/sveltereader/satmeter/internal/logger"
	"github.com/sveltereader/satmeter/internal/services"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The session API is same-host only; cross-origin browsers are not
	// a supported caller.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// paymentEvent is the wire shape of session payment events
type paymentEvent struct {
	Type      string                 `json:"type"`
	SessionID string                 `json:"session_id"`
	Timestamp time.Time              `json:"timestamp"`
	Funding   *domain.FundingRequest `json:"funding,omitempty"`
}

// EventsHandler streams payment events (funding requests) for one
// session over a WebSocket. A suspended session's funding request is
// delivered here; the client answers through POST .../funding.
type EventsHandler struct {
	gateway *services.ChannelFundingGateway
}

// NewEventsHandler creates an events handler
func NewEventsHandler(gateway *services.ChannelFundingGateway) *EventsHandler {
	return &EventsHandler{gateway: gateway}
}

// HandleEvents handles GET /api/events/{session}
func (h *EventsHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimPrefix(r.URL.Path, "/api/events/")
	if sessionID == "" || strings.Contains(sessionID, "/") {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	requests, cancel := h.gateway.Watch(sessionID)
	defer cancel()

	logger.Debug("Event stream opened", "session_id", sessionID)

	// Reader goroutine only to detect the peer going away
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case req := <-requests:
			event := paymentEvent{
				Type:      "payment_exhausted",
				SessionID: sessionID,
				Timestamp: time.Now().UTC(),
				Funding:   &req,
			}
			data, err := json.Marshal(event)
			if err != nil {
				logger.Error("Failed to marshal payment event", "error", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}

		case <-done:
			return

		case <-r.Context().Done():
			return
		}
	}
}
