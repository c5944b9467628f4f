package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sveltereader/satmeter/internal/domain"
	"github.com/sveltereader/satmeter/internal/logger"
)

// RecoveryBanner marks entries that need an operator to act
const RecoveryBanner = "MANUAL RECOVERY NEEDED"

// RecoveryEntry is one line of the operator recovery log. Token always
// carries the full token text; a bearer token loses its value if any
// part of it is truncated.
type RecoveryEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	SessionID  string    `json:"session_id"`
	Kind       string    `json:"kind"` // "unredeemed" or "refund"
	Token      string    `json:"token"`
	AmountSats int64     `json:"amount_sats"`
	Banner     string    `json:"banner,omitempty"`
	Note       string    `json:"note,omitempty"`
}

// RecoveryLog is the append-only, operator-readable channel for tokens
// whose settlement is uncertain. One JSON object per line, synced to
// disk per entry: if the process dies right after a failed redemption,
// the token must already be on disk.
type RecoveryLog struct {
	path string
	mu   sync.Mutex
}

// NewRecoveryLog creates the recovery log, ensuring its directory exists
// and the file is appendable.
func NewRecoveryLog(path string) (*RecoveryLog, error) {
	if path == "" {
		return nil, fmt.Errorf("recovery log path is required")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create recovery log directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("recovery log not writable: %w", err)
	}
	_ = f.Close()

	return &RecoveryLog{path: path}, nil
}

// LogUnredeemed records a token that funded completed work but could not
// be redeemed. This is the settlement failure path: the user already got
// their result, so this entry is the only remaining claim on the money.
func (r *RecoveryLog) LogUnredeemed(sessionID, token string, amount int64, cause string) error {
	entry := RecoveryEntry{
		Timestamp:  time.Now().UTC(),
		SessionID:  sessionID,
		Kind:       "unredeemed",
		Token:      token,
		AmountSats: amount,
		Banner:     RecoveryBanner,
		Note:       cause,
	}

	logger.Error("Redemption failed, token logged for manual recovery",
		"session_id", sessionID, "amount_sats", amount, "cause", cause)
	return r.append(entry)
}

// LogRefund records a refund token handed back to a client, so that a
// client who disconnects before claiming it can still be made whole.
func (r *RecoveryLog) LogRefund(sessionID, token string, amount int64) error {
	entry := RecoveryEntry{
		Timestamp:  time.Now().UTC(),
		SessionID:  sessionID,
		Kind:       "refund",
		Token:      token,
		AmountSats: amount,
	}
	return r.append(entry)
}

func (r *RecoveryLog) append(entry RecoveryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal recovery entry: %w", err)
	}

	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open recovery log: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append recovery entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync recovery log: %w", err)
	}
	return nil
}

// Entries reads back the full recovery log. Operator tooling only.
func (r *RecoveryLog) Entries() ([]RecoveryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read recovery log: %w", err)
	}

	var entries []RecoveryEntry
	decoder := json.NewDecoder(bytes.NewReader(data))
	for decoder.More() {
		var entry RecoveryEntry
		if err := decoder.Decode(&entry); err != nil {
			return nil, fmt.Errorf("corrupt recovery log entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

var _ domain.RecoverySink = (*RecoveryLog)(nil)
