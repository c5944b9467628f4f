package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sveltereader/satmeter/config"
	"github.com/sveltereader/satmeter/internal/domain"
	"github.com/sveltereader/satmeter/internal/logger"
	_ "modernc.org/sqlite"
)

// WalletService is the ecash hot wallet. It redeems bearer tokens into a
// persistent proof store and mints new tokens from stored proofs.
//
// Unlike the usual lazily-initialized singleton, the wallet is an
// explicitly constructed dependency: it opens its store at construction
// time and fails fast when it cannot.
//
// Receive, Send and Sweep are serialized with a mutex: they read then
// write the shared proof set, and concurrent settlement against one hot
// wallet must not interleave.
type WalletService struct {
	db      *sql.DB
	mintURL string
	devMode bool
	mu      sync.Mutex
}

// NewWalletService opens the wallet's proof store and verifies it is usable
func NewWalletService(cfg config.WalletConfig, devMode bool) (*WalletService, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("wallet db_path is required")
	}

	dir := filepath.Dir(cfg.DBPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create wallet directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", cfg.DBPath+"?_journal_mode=WAL&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("failed to open wallet database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	schema := `
	CREATE TABLE IF NOT EXISTS proofs (
		secret TEXT PRIMARY KEY,
		amount INTEGER NOT NULL,
		keyset_id TEXT NOT NULL DEFAULT '',
		signature TEXT NOT NULL DEFAULT '',
		mint TEXT NOT NULL DEFAULT '',
		received_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS spent_secrets (
		secret TEXT PRIMARY KEY,
		spent_at DATETIME NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create wallet tables: %w", err)
	}

	return &WalletService{
		db:      db,
		mintURL: cfg.MintURL,
		devMode: devMode,
	}, nil
}

// Initialize logs the wallet state on startup. A nonzero balance is
// surfaced loudly so operators know recoverable funds are sitting in the
// hot wallet.
func (w *WalletService) Initialize(ctx context.Context) error {
	balance, err := w.Balance(ctx)
	if err != nil {
		return fmt.Errorf("failed to read wallet balance: %w", err)
	}

	logger.Info("Wallet initialized", "mint", w.mintURL, "balance_sats", balance)
	if balance > 0 {
		logger.Warn("Wallet holds settled funds; run 'satmeter wallet sweep' to move them out",
			"balance_sats", balance)
	}
	return nil
}

// Receive redeems a bearer token: its proofs are stored and the face
// value is credited. Receiving a token whose proofs were already stored
// or spent returns ErrAlreadySpent so retries stay benign. A token that
// mixes stored and fresh proofs is rejected whole; crediting part of a
// token would silently shrink what the payer believes they sent.
func (w *WalletService) Receive(ctx context.Context, token string) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	proofs, mint, err := w.parseToken(token)
	if err != nil {
		return 0, err
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin wallet transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var total int64
	var fresh int
	for _, proof := range proofs {
		seen, err := w.secretKnown(ctx, tx, proof.Secret)
		if err != nil {
			return 0, err
		}
		if seen {
			continue
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO proofs (secret, amount, keyset_id, signature, mint, received_at) VALUES (?, ?, ?, ?, ?, ?)`,
			proof.Secret, proof.Amount, proof.ID, proof.C, mint, time.Now().UTC(),
		)
		if err != nil {
			return 0, fmt.Errorf("failed to store proof: %w", err)
		}
		total += proof.Amount
		fresh++
	}

	if fresh == 0 {
		return 0, domain.ErrAlreadySpent
	}
	if fresh < len(proofs) {
		return 0, fmt.Errorf("refusing token with %d of %d proofs already stored", len(proofs)-fresh, len(proofs))
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit received proofs: %w", err)
	}

	logger.Info("Received token", "amount_sats", total, "proofs", fresh, "mint", mint)
	return total, nil
}

// Balance returns the total settled balance
func (w *WalletService) Balance(ctx context.Context) (int64, error) {
	var balance sql.NullInt64
	err := w.db.QueryRowContext(ctx, `SELECT SUM(amount) FROM proofs`).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance.Int64, nil
}

// Send mints a token worth exactly amount, debiting the settled balance.
// Fails when the stored denominations cannot make the amount exactly;
// splitting proofs requires a mint swap, which is outside this wallet.
func (w *WalletService) Send(ctx context.Context, amount int64) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if amount <= 0 {
		return "", fmt.Errorf("send amount must be positive")
	}
	return w.sendLocked(ctx, amount)
}

// Sweep moves the entire settled balance into a single token
func (w *WalletService) Sweep(ctx context.Context) (domain.SweepResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	balance, err := w.Balance(ctx)
	if err != nil {
		return domain.SweepResult{}, err
	}
	if balance <= 0 {
		return domain.SweepResult{}, domain.ErrInsufficientBalance
	}

	token, err := w.sendLocked(ctx, balance)
	if err != nil {
		return domain.SweepResult{}, err
	}
	return domain.SweepResult{Amount: balance, Token: token}, nil
}

// Close closes the wallet's proof store
func (w *WalletService) Close() error {
	return w.db.Close()
}

func (w *WalletService) sendLocked(ctx context.Context, amount int64) (string, error) {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin wallet transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT secret, amount, keyset_id, signature, mint FROM proofs ORDER BY amount DESC`)
	if err != nil {
		return "", fmt.Errorf("failed to read proofs: %w", err)
	}

	var available []cashuProof
	var mints []string
	var total int64
	for rows.Next() {
		var proof cashuProof
		var mint string
		if err := rows.Scan(&proof.Secret, &proof.Amount, &proof.ID, &proof.C, &mint); err != nil {
			_ = rows.Close()
			return "", fmt.Errorf("failed to scan proof: %w", err)
		}
		available = append(available, proof)
		mints = append(mints, mint)
		total += proof.Amount
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return "", err
	}

	if total < amount {
		return "", domain.ErrInsufficientBalance
	}

	selected, ok := selectProofs(available, amount)
	if !ok {
		return "", fmt.Errorf("cannot make exactly %d sats from stored denominations; a mint swap is required", amount)
	}

	mint := w.mintURL
	for i, proof := range available {
		if len(selected) > 0 && proof.Secret == selected[0].Secret && mints[i] != "" {
			mint = mints[i]
			break
		}
	}

	now := time.Now().UTC()
	for _, proof := range selected {
		if _, err := tx.ExecContext(ctx, `DELETE FROM proofs WHERE secret = ?`, proof.Secret); err != nil {
			return "", fmt.Errorf("failed to spend proof: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO spent_secrets (secret, spent_at) VALUES (?, ?)`, proof.Secret, now); err != nil {
			return "", fmt.Errorf("failed to record spent secret: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit send: %w", err)
	}

	token := EncodeTokenV3(mint, selected)
	logger.Info("Created send token", "amount_sats", amount, "proofs", len(selected))
	return token, nil
}

func (w *WalletService) secretKnown(ctx context.Context, tx *sql.Tx, secret string) (bool, error) {
	var count int
	err := tx.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM proofs WHERE secret = ?) + (SELECT COUNT(*) FROM spent_secrets WHERE secret = ?)`,
		secret, secret,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check proof secret: %w", err)
	}
	return count > 0, nil
}

// parseToken decodes a bearer token into proofs. Debug tokens become a
// single synthetic proof in dev mode so the full settlement path can run
// without a real mint.
func (w *WalletService) parseToken(token string) ([]cashuProof, string, error) {
	if token == "" {
		return nil, "", &domain.ValidationError{Reason: "no token provided"}
	}

	if isDebugToken(token) {
		if !w.devMode {
			return nil, "", &domain.ValidationError{Reason: "debug tokens are not accepted"}
		}
		amount, _ := parseDebugToken(token)
		return []cashuProof{{
			Amount: amount,
			ID:     "debug",
			Secret: fmt.Sprintf("debug-%s", uuid.NewString()),
			C:      "",
		}}, w.mintURL, nil
	}

	if !strings.HasPrefix(token, cashuV3Prefix) {
		return nil, "", &domain.ValidationError{Reason: "unsupported token format"}
	}

	decoded, err := decodeBase64URL(strings.TrimPrefix(token, cashuV3Prefix))
	if err != nil {
		return nil, "", &domain.ValidationError{Reason: "token payload is not valid base64"}
	}

	var parsed cashuTokenV3
	if err := json.Unmarshal(decoded, &parsed); err != nil {
		return nil, "", &domain.ValidationError{Reason: "token payload is not a valid cashu token"}
	}

	var proofs []cashuProof
	mint := w.mintURL
	for _, entry := range parsed.Token {
		if entry.Mint != "" {
			mint = entry.Mint
		}
		proofs = append(proofs, entry.Proofs...)
	}
	if len(proofs) == 0 {
		return nil, "", &domain.ValidationError{Reason: "token contains no proofs"}
	}
	return proofs, mint, nil
}

// selectProofs picks a subset of proofs summing to exactly amount.
// Greedy largest-first works for the power-of-two denominations mints
// issue; the sort makes the choice deterministic for equal amounts.
func selectProofs(available []cashuProof, amount int64) ([]cashuProof, bool) {
	sorted := append([]cashuProof(nil), available...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Amount != sorted[j].Amount {
			return sorted[i].Amount > sorted[j].Amount
		}
		return sorted[i].Secret < sorted[j].Secret
	})

	var selected []cashuProof
	remaining := amount
	for _, proof := range sorted {
		if proof.Amount <= remaining {
			selected = append(selected, proof)
			remaining -= proof.Amount
			if remaining == 0 {
				return selected, true
			}
		}
	}
	return nil, false
}

// MintDebugProofs credits the wallet directly with synthetic proofs.
// Test and development helper; refuses to run outside dev mode.
func (w *WalletService) MintDebugProofs(ctx context.Context, amounts ...int64) error {
	if !w.devMode {
		return fmt.Errorf("debug proofs require dev mode")
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now().UTC()
	for _, amount := range amounts {
		secret := fmt.Sprintf("debug-%s", uuid.NewString())
		_, err := w.db.ExecContext(ctx,
			`INSERT INTO proofs (secret, amount, keyset_id, signature, mint, received_at) VALUES (?, ?, 'debug', '', ?, ?)`,
			secret, amount, w.mintURL, now,
		)
		if err != nil {
			return fmt.Errorf("failed to mint debug proof: %w", err)
		}
	}
	return nil
}

var _ domain.WalletClient = (*WalletService)(nil)
