package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/omnibridge/omnibridge/internal/store"
	"github.com/omnibridge/omnibridge/pkg/models"
)

func record(user, status string, at time.Time) *models.AuditRecord {
	return &models.AuditRecord{
		ID:        user + "/" + at.Format(time.RFC3339Nano),
		UserID:    user,
		Message:   "test message",
		Status:    status,
		ToolsUsed: []string{},
		CreatedAt: at,
	}
}

func TestCreateAndList(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	s.CreateAuditRecord(ctx, record("alice@x", models.StatusSuccess, base))
	s.CreateAuditRecord(ctx, record("bob@x", models.StatusError, base.Add(time.Minute)))
	s.CreateAuditRecord(ctx, record("alice@x", models.StatusWarning, base.Add(2*time.Minute)))

	all, err := s.ListAuditRecords(ctx, models.AuditFilter{})
	if err != nil {
		t.Fatalf("ListAuditRecords() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d records, want 3", len(all))
	}
	// Newest first.
	if all[0].Status != models.StatusWarning {
		t.Errorf("first record status = %q, want warning (newest)", all[0].Status)
	}
}

func TestList_Filters(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	s.CreateAuditRecord(ctx, record("alice@x", models.StatusSuccess, base))
	s.CreateAuditRecord(ctx, record("bob@x", models.StatusError, base.Add(time.Minute)))
	s.CreateAuditRecord(ctx, record("alice@x", models.StatusError, base.Add(2*time.Minute)))

	byUser, _ := s.ListAuditRecords(ctx, models.AuditFilter{UserID: "alice@x"})
	if len(byUser) != 2 {
		t.Errorf("user filter returned %d records, want 2", len(byUser))
	}

	byStatus, _ := s.ListAuditRecords(ctx, models.AuditFilter{Status: models.StatusError})
	if len(byStatus) != 2 {
		t.Errorf("status filter returned %d records, want 2", len(byStatus))
	}

	since := base.Add(90 * time.Second)
	recent, _ := s.ListAuditRecords(ctx, models.AuditFilter{Since: &since})
	if len(recent) != 1 {
		t.Errorf("since filter returned %d records, want 1", len(recent))
	}

	limited, _ := s.ListAuditRecords(ctx, models.AuditFilter{Limit: 2})
	if len(limited) != 2 {
		t.Errorf("limit filter returned %d records, want 2", len(limited))
	}
}

func TestCount(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 5; i++ {
		s.CreateAuditRecord(ctx, record("alice@x", models.StatusSuccess, base))
	}

	n, err := s.CountAuditRecords(ctx, models.AuditFilter{UserID: "alice@x"})
	if err != nil {
		t.Fatalf("CountAuditRecords() error = %v", err)
	}
	if n != 5 {
		t.Errorf("count = %d, want 5", n)
	}
}
