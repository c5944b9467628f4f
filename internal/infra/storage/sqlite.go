package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sveltereader/satmeter/config"
	"github.com/sveltereader/satmeter/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements SessionStore using SQLite
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore creates a new SQLite session store
func NewSQLiteStore(cfg config.SQLiteConfig) (*SQLiteStore, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", cfg.Path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{
		db:   db,
		path: cfg.Path,
	}

	if err := store.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS payment_sessions (
		session_id TEXT PRIMARY KEY,
		payment_token TEXT NOT NULL DEFAULT '',
		face_value_sats INTEGER NOT NULL DEFAULT 0,
		balance_sats INTEGER NOT NULL DEFAULT 0,
		spent_sats INTEGER NOT NULL DEFAULT 0,
		topups_sats TEXT NOT NULL DEFAULT '[]',  -- JSON array of top-up amounts
		status TEXT NOT NULL,
		refund_token TEXT NOT NULL DEFAULT '',
		refund_claimed BOOLEAN NOT NULL DEFAULT FALSE,
		redeemed BOOLEAN NOT NULL DEFAULT FALSE,
		cost_per_operation_sats INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payment_sessions_updated_at ON payment_sessions(updated_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SaveRecord inserts or replaces a payment record
func (s *SQLiteStore) SaveRecord(ctx context.Context, record *domain.PaymentRecord) error {
	topups, err := json.Marshal(record.TopUps)
	if err != nil {
		return fmt.Errorf("failed to marshal topups: %w", err)
	}

	query := `
	INSERT OR REPLACE INTO payment_sessions (
		session_id, payment_token, face_value_sats, balance_sats, spent_sats,
		topups_sats, status, refund_token, refund_claimed, redeemed,
		cost_per_operation_sats, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		record.SessionID, record.Token, record.FaceValue, record.Balance, record.Spent,
		string(topups), string(record.Status), record.RefundToken, record.RefundClaimed,
		record.Redeemed, record.CostPerOp, record.CreatedAt, record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save payment record: %w", err)
	}
	return nil
}

// LoadRecord loads a payment record by session ID
func (s *SQLiteStore) LoadRecord(ctx context.Context, sessionID string) (*domain.PaymentRecord, error) {
	query := `
	SELECT session_id, payment_token, face_value_sats, balance_sats, spent_sats,
		topups_sats, status, refund_token, refund_claimed, redeemed,
		cost_per_operation_sats, created_at, updated_at
	FROM payment_sessions WHERE session_id = ?
	`

	record, err := scanRecord(s.db.QueryRowContext(ctx, query, sessionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to load payment record: %w", err)
	}
	return record, nil
}

// ListRecords returns records ordered by most recently updated
func (s *SQLiteStore) ListRecords(ctx context.Context, limit, offset int) ([]*domain.PaymentRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
	SELECT session_id, payment_token, face_value_sats, balance_sats, spent_sats,
		topups_sats, status, refund_token, refund_claimed, redeemed,
		cost_per_operation_sats, created_at, updated_at
	FROM payment_sessions ORDER BY updated_at DESC LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*domain.PaymentRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment record: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// DeleteRecord removes a payment record by session ID
func (s *SQLiteStore) DeleteRecord(ctx context.Context, sessionID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM payment_sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete payment record: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Health checks database connectivity
func (s *SQLiteStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*domain.PaymentRecord, error) {
	var record domain.PaymentRecord
	var topups, status string

	err := row.Scan(
		&record.SessionID, &record.Token, &record.FaceValue, &record.Balance, &record.Spent,
		&topups, &status, &record.RefundToken, &record.RefundClaimed, &record.Redeemed,
		&record.CostPerOp, &record.CreatedAt, &record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	record.Status = domain.PaymentStatus(status)
	if err := json.Unmarshal([]byte(topups), &record.TopUps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal topups: %w", err)
	}
	return &record, nil
}
