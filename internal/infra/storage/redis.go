package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sveltereader/satmeter/config"
	"github.com/sveltereader/satmeter/internal/domain"
)

// RedisStore implements SessionStore using Redis
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a new Redis session store
func NewRedisStore(cfg config.RedisConfig) (*RedisStore, error) {
	options := &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		DB:       cfg.Database,
		Password: cfg.Password,
		Username: cfg.Username,
	}

	client := redis.NewClient(options)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	var ttl time.Duration
	if cfg.TTL > 0 {
		ttl = time.Duration(cfg.TTL) * time.Second
	}

	return &RedisStore{
		client: client,
		ttl:    ttl,
	}, nil
}

func (s *RedisStore) recordKey(sessionID string) string {
	return fmt.Sprintf("payment_session:%s", sessionID)
}

func (s *RedisStore) indexKey() string {
	return "payment_sessions:index"
}

// SaveRecord stores a payment record and updates the recency index.
// The configured TTL is applied only to terminal records: a suspended
// session awaiting funding must never expire out from under the payer.
func (s *RedisStore) SaveRecord(ctx context.Context, record *domain.PaymentRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal payment record: %w", err)
	}

	pipe := s.client.Pipeline()

	var expiry time.Duration
	if s.ttl > 0 && record.Terminal() {
		expiry = s.ttl
	}
	pipe.Set(ctx, s.recordKey(record.SessionID), data, expiry)
	pipe.ZAdd(ctx, s.indexKey(), &redis.Z{
		Score:  float64(record.UpdatedAt.UnixNano()),
		Member: record.SessionID,
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save payment record: %w", err)
	}
	return nil
}

// LoadRecord loads a payment record by session ID
func (s *RedisStore) LoadRecord(ctx context.Context, sessionID string) (*domain.PaymentRecord, error) {
	data, err := s.client.Get(ctx, s.recordKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to load payment record: %w", err)
	}

	var record domain.PaymentRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment record: %w", err)
	}
	return &record, nil
}

// ListRecords returns records ordered by most recently updated
func (s *RedisStore) ListRecords(ctx context.Context, limit, offset int) ([]*domain.PaymentRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	ids, err := s.client.ZRevRange(ctx, s.indexKey(), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read session index: %w", err)
	}

	records := make([]*domain.PaymentRecord, 0, len(ids))
	for _, id := range ids {
		record, err := s.LoadRecord(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrSessionNotFound) {
				// Expired record still in the index; drop it lazily
				s.client.ZRem(ctx, s.indexKey(), id)
				continue
			}
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// DeleteRecord removes a payment record by session ID
func (s *RedisStore) DeleteRecord(ctx context.Context, sessionID string) error {
	deleted, err := s.client.Del(ctx, s.recordKey(sessionID)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete payment record: %w", err)
	}
	s.client.ZRem(ctx, s.indexKey(), sessionID)
	if deleted == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Health checks Redis connectivity
func (s *RedisStore) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
