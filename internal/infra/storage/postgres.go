package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/sveltereader/satmeter/config"
	"github.com/sveltereader/satmeter/internal/domain"
)

// PostgresStore implements SessionStore using PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

func postgresDSN(cfg config.PostgresConfig) string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database, cfg.SSLMode)
}

// NewPostgresStore creates a new PostgreSQL session store
func NewPostgresStore(cfg config.PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", postgresDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL at %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	store := &PostgresStore{db: db}

	if err := store.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) createTables(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS payment_sessions (
		session_id TEXT PRIMARY KEY,
		payment_token TEXT NOT NULL DEFAULT '',
		face_value_sats BIGINT NOT NULL DEFAULT 0,
		balance_sats BIGINT NOT NULL DEFAULT 0,
		spent_sats BIGINT NOT NULL DEFAULT 0,
		topups_sats JSONB NOT NULL DEFAULT '[]',
		status TEXT NOT NULL,
		refund_token TEXT NOT NULL DEFAULT '',
		refund_claimed BOOLEAN NOT NULL DEFAULT FALSE,
		redeemed BOOLEAN NOT NULL DEFAULT FALSE,
		cost_per_operation_sats BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payment_sessions_updated_at ON payment_sessions(updated_at DESC);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// SaveRecord upserts a payment record
func (s *PostgresStore) SaveRecord(ctx context.Context, record *domain.PaymentRecord) error {
	topups, err := json.Marshal(record.TopUps)
	if err != nil {
		return fmt.Errorf("failed to marshal topups: %w", err)
	}

	query := `
	INSERT INTO payment_sessions (
		session_id, payment_token, face_value_sats, balance_sats, spent_sats,
		topups_sats, status, refund_token, refund_claimed, redeemed,
		cost_per_operation_sats, created_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	ON CONFLICT (session_id) DO UPDATE SET
		payment_token = EXCLUDED.payment_token,
		face_value_sats = EXCLUDED.face_value_sats,
		balance_sats = EXCLUDED.balance_sats,
		spent_sats = EXCLUDED.spent_sats,
		topups_sats = EXCLUDED.topups_sats,
		status = EXCLUDED.status,
		refund_token = EXCLUDED.refund_token,
		refund_claimed = EXCLUDED.refund_claimed,
		redeemed = EXCLUDED.redeemed,
		cost_per_operation_sats = EXCLUDED.cost_per_operation_sats,
		updated_at = EXCLUDED.updated_at
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
func (s *PostgresStore) LoadRecord(ctx context.Context, sessionID string) (*domain.PaymentRecord, error) {
	query := `
	SELECT session_id, payment_token, face_value_sats, balance_sats, spent_sats,
		topups_sats, status, refund_token, refund_claimed, redeemed,
		cost_per_operation_sats, created_at, updated_at
	FROM payment_sessions WHERE session_id = $1
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
func (s *PostgresStore) ListRecords(ctx context.Context, limit, offset int) ([]*domain.PaymentRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
	SELECT session_id, payment_token, face_value_sats, balance_sats, spent_sats,
		topups_sats, status, refund_token, refund_claimed, redeemed,
		cost_per_operation_sats, created_at, updated_at
	FROM payment_sessions ORDER BY updated_at DESC LIMIT $1 OFFSET $2
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
func (s *PostgresStore) DeleteRecord(ctx context.Context, sessionID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM payment_sessions WHERE session_id = $1`, sessionID)
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
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Health checks database connectivity
func (s *PostgresStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
