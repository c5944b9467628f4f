package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/sveltereader/satmeter/internal/infra/storage"
	"github.com/sveltereader/satmeter/internal/logger"
)

// writeJSON writes a JSON response and logs encoding errors
func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response", "error", err)
	}
}

// Router wires all HTTP endpoints
type Router struct {
	wallet   *WalletHandler
	sessions *SessionHandler
	runs     *RunHandler
	events   *EventsHandler
	store    storage.SessionStore
}

// NewRouter creates the HTTP router
func NewRouter(wallet *WalletHandler, sessions *SessionHandler, runs *RunHandler, events *EventsHandler, store storage.SessionStore) *Router {
	return &Router{wallet: wallet, sessions: sessions, runs: runs, events: events, store: store}
}

// Handler builds the http.Handler with all routes registered
func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", rt.handleHealth)

	mux.HandleFunc("/api/wallet/receive", rt.wallet.HandleReceive)
	mux.HandleFunc("/api/wallet/balance", rt.wallet.HandleBalance)
	mux.HandleFunc("/api/wallet/sweep", rt.wallet.HandleSweep)
	mux.HandleFunc("/api/wallet/send", rt.wallet.HandleSend)

	mux.HandleFunc("/api/sessions", rt.handleSessions)
	mux.HandleFunc("/api/sessions/", rt.handleSessionSubpath)

	mux.HandleFunc("/api/events/", rt.events.HandleEvents)

	return mux
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := rt.store.Health(ctx); err != nil {
		logger.Error("Storage health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unhealthy",
			"error":  err.Error(),
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (rt *Router) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		rt.sessions.HandleCreate(w, r)
	case http.MethodGet:
		rt.sessions.HandleList(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (rt *Router) handleSessionSubpath(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasSuffix(r.URL.Path, "/payment"):
		rt.sessions.HandleGet(w, r)
	case strings.HasSuffix(r.URL.Path, "/funding"):
		rt.sessions.HandleFundingResume(w, r)
	case strings.HasSuffix(r.URL.Path, "/run"):
		rt.runs.HandleRun(w, r)
	case strings.HasSuffix(r.URL.Path, "/refund/claim"):
		rt.sessions.HandleClaimRefund(w, r)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}
