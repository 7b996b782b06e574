package store

import (
	"context"
	"sync"

	"github.com/omnibridge/omnibridge/pkg/models"
)

// MemoryStore is a thread-safe in-memory Store. Records are kept newest
// first and capped so a long-lived dev process does not grow unbounded.
type MemoryStore struct {
	mu      sync.RWMutex
	records []models.AuditRecord
	cap     int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cap: 10000}
}

// CreateAuditRecord prepends the record.
func (s *MemoryStore) CreateAuditRecord(_ context.Context, rec *models.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append([]models.AuditRecord{*rec}, s.records...)
	if len(s.records) > s.cap {
		s.records = s.records[:s.cap]
	}
	return nil
}

// ListAuditRecords returns filtered records, newest first.
func (s *MemoryStore) ListAuditRecords(_ context.Context, filter models.AuditFilter) ([]models.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var result []models.AuditRecord
	for _, rec := range s.records {
		if !matches(rec, filter) {
			continue
		}
		result = append(result, rec)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

// CountAuditRecords returns the count of matching records.
func (s *MemoryStore) CountAuditRecords(_ context.Context, filter models.AuditFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, rec := range s.records {
		if matches(rec, filter) {
			n++
		}
	}
	return n, nil
}

func matches(rec models.AuditRecord, filter models.AuditFilter) bool {
	if filter.UserID != "" && rec.UserID != filter.UserID {
		return false
	}
	if filter.Status != "" && rec.Status != filter.Status {
		return false
	}
	if filter.Since != nil && rec.CreatedAt.Before(*filter.Since) {
		return false
	}
	return true
}

// Ping always succeeds for the in-memory store.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
