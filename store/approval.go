package store

import (
	"context"
	"time"
)

type ApprovalStatus string

const (
	ApprovalQueued   ApprovalStatus = "queued"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
	ApprovalExecuted ApprovalStatus = "executed"
)

// Approval is a staff sign-off request queued by automations or the pipeline
// before a sensitive action runs.
type Approval struct {
	ID          string
	Action      string
	Payload     map[string]any
	Status      ApprovalStatus
	RequestedBy string
	DecidedBy   string
	DecidedAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type FindApproval struct {
	ID     *string
	Status *ApprovalStatus
	Limit  *int
}

type UpdateApproval struct {
	ID        string
	Status    *ApprovalStatus
	DecidedBy *string
	DecidedAt *time.Time
}

func (s *Store) CreateApproval(ctx context.Context, create *Approval) (*Approval, error) {
	return s.driver.CreateApproval(ctx, create)
}

func (s *Store) ListApprovals(ctx context.Context, find *FindApproval) ([]*Approval, error) {
	return s.driver.ListApprovals(ctx, find)
}

func (s *Store) UpdateApproval(ctx context.Context, update *UpdateApproval) (*Approval, error) {
	return s.driver.UpdateApproval(ctx, update)
}

// ApprovalStats is the live-counter snapshot pushed to the staff console.
type ApprovalStats struct {
	Queued       int64     `json:"queued"`
	DecidedToday int64     `json:"decidedToday"`
	Timestamp    time.Time `json:"timestamp"`
}

func (s *Store) GetApprovalStats(ctx context.Context) (*ApprovalStats, error) {
	return s.driver.GetApprovalStats(ctx)
}
