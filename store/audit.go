package store

import (
	"context"
	"time"
)

// AuditEntry is an immutable record of a staff or system action. Entries are
// append-only; there is no update or delete path.
type AuditEntry struct {
	ID           string
	ActorType    string // staff, system, automation
	ActorID      string
	Action       string
	ResourceType string
	ResourceID   string
	Details      map[string]any
	ClientIP     string
	UserAgent    string
	CreatedAt    time.Time
}

type FindAuditEntry struct {
	ActorID      *string
	Action       *string
	ResourceType *string
	ResourceID   *string
	Limit        *int
	Offset       *int
}

func (s *Store) CreateAuditEntry(ctx context.Context, create *AuditEntry) (*AuditEntry, error) {
	return s.driver.CreateAuditEntry(ctx, create)
}

func (s *Store) ListAuditEntries(ctx context.Context, find *FindAuditEntry) ([]*AuditEntry, error) {
	return s.driver.ListAuditEntries(ctx, find)
}
