package storage

import (
	"context"

	"github.com/sveltereader/satmeter/internal/domain"
)

// SessionStore defines the interface for durable payment record storage.
//
// Suspended sessions must survive process restarts (a funding interrupt
// can stay open for days), so every meter mutation is checkpointed here
// before control returns to the caller.
type SessionStore interface {
	// SaveRecord persists a payment record keyed by its session ID
	SaveRecord(ctx context.Context, record *domain.PaymentRecord) error

	// LoadRecord loads a payment record by session ID.
	// Returns domain.ErrSessionNotFound when no record exists.
	LoadRecord(ctx context.Context, sessionID string) (*domain.PaymentRecord, error)

	// ListRecords returns records ordered by most recently updated
	ListRecords(ctx context.Context, limit, offset int) ([]*domain.PaymentRecord, error)

	// DeleteRecord removes a payment record by session ID
	DeleteRecord(ctx context.Context, sessionID string) error

	// Close closes the storage connection
	Close() error

	// Health checks if the storage is healthy and reachable
	Health(ctx context.Context) error
}
