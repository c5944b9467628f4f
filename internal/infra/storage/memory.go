package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/sveltereader/satmeter/internal/domain"
)

// MemoryStore implements SessionStore with an in-memory map.
// Used in tests and for throwaway development sessions; suspended
// sessions do not survive a restart with this backend.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]domain.PaymentRecord
}

// NewMemoryStore creates a new in-memory session store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]domain.PaymentRecord),
	}
}

// SaveRecord stores a copy of the record
func (s *MemoryStore) SaveRecord(_ context.Context, record *domain.PaymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *record
	copied.TopUps = append([]int64(nil), record.TopUps...)
	s.records[record.SessionID] = copied
	return nil
}

// LoadRecord returns a copy of the stored record
func (s *MemoryStore) LoadRecord(_ context.Context, sessionID string) (*domain.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.records[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}

	copied := stored
	copied.TopUps = append([]int64(nil), stored.TopUps...)
	return &copied, nil
}

// ListRecords returns records ordered by most recently updated
func (s *MemoryStore) ListRecords(_ context.Context, limit, offset int) ([]*domain.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*domain.PaymentRecord, 0, len(s.records))
	for id := range s.records {
		stored := s.records[id]
		copied := stored
		copied.TopUps = append([]int64(nil), stored.TopUps...)
		all = append(all, &copied)
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].UpdatedAt.After(all[j].UpdatedAt)
	})

	if offset >= len(all) {
		return []*domain.PaymentRecord{}, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

// DeleteRecord removes a record by session ID
func (s *MemoryStore) DeleteRecord(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[sessionID]; !ok {
		return domain.ErrSessionNotFound
	}
	delete(s.records, sessionID)
	return nil
}

// Close is a no-op for the memory store
func (s *MemoryStore) Close() error {
	return nil
}

// Health always succeeds for the memory store
func (s *MemoryStore) Health(_ context.Context) error {
	return nil
}
