// Package store provides the persistence interface for audit records.
// The bridge treats the store as an external collaborator: the in-memory
// implementation serves development and tests, the PostgreSQL one serves
// production.
package store

import (
	"context"

	"github.com/omnibridge/omnibridge/pkg/models"
)

// Store is the persistence interface the audit recorder and admin API
// depend on.
type Store interface {
	AuditStore

	// Ping checks if the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// AuditStore persists one immutable record per completed request.
type AuditStore interface {
	CreateAuditRecord(ctx context.Context, rec *models.AuditRecord) error
	ListAuditRecords(ctx context.Context, filter models.AuditFilter) ([]models.AuditRecord, error)
	CountAuditRecords(ctx context.Context, filter models.AuditFilter) (int64, error)
}

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}
