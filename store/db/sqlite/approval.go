package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/butler/store"
)

const approvalFields = "id, action, payload, status, requested_by, decided_by, decided_at, created_at, updated_at"

func scanApproval(row interface{ Scan(...any) error }) (*store.Approval, error) {
	var a store.Approval
	var payload string
	var decidedAt sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(
		&a.ID,
		&a.Action,
		&payload,
		&a.Status,
		&a.RequestedBy,
		&a.DecidedBy,
		&decidedAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	a.Payload = unmarshalMap(payload)
	a.DecidedAt = parseTimePtr(decidedAt)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}

func (d *DB) CreateApproval(ctx context.Context, create *store.Approval) (*store.Approval, error) {
	if create.Status == "" {
		create.Status = store.ApprovalQueued
	}
	now := formatTime(time.Now())
	stmt := `
		INSERT INTO approval (` + approvalFields + `)
		VALUES (?, ?, ?, ?, ?, '', NULL, ?, ?)
		RETURNING ` + approvalFields
	a, err := scanApproval(d.db.QueryRowContext(ctx, stmt,
		create.ID,
		create.Action,
		marshalJSON(create.Payload),
		create.Status,
		create.RequestedBy,
		now,
		now,
	))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create approval")
	}
	return a, nil
}

func (d *DB) ListApprovals(ctx context.Context, find *store.FindApproval) ([]*store.Approval, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = ?"), append(args, *find.ID)
	}
	if find.Status != nil {
		where, args = append(where, "status = ?"), append(args, *find.Status)
	}

	query := `SELECT ` + approvalFields + ` FROM approval WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_at DESC`
	if find.Limit != nil {
		query += " LIMIT ?"
		args = append(args, *find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list approvals")
	}
	defer rows.Close()

	var approvals []*store.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan approval")
		}
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}

func (d *DB) UpdateApproval(ctx context.Context, update *store.UpdateApproval) (*store.Approval, error) {
	set, args := []string{"updated_at = ?"}, []any{formatTime(time.Now())}

	if update.Status != nil {
		set, args = append(set, "status = ?"), append(args, *update.Status)
	}
	if update.DecidedBy != nil {
		set, args = append(set, "decided_by = ?"), append(args, *update.DecidedBy)
	}
	if update.DecidedAt != nil {
		set, args = append(set, "decided_at = ?"), append(args, formatTime(*update.DecidedAt))
	}
	args = append(args, update.ID)

	stmt := `UPDATE approval SET ` + strings.Join(set, ", ") + ` WHERE id = ? RETURNING ` + approvalFields
	a, err := scanApproval(d.db.QueryRowContext(ctx, stmt, args...))
	if err != nil {
		return nil, errors.Wrap(err, "failed to update approval")
	}
	return a, nil
}

func (d *DB) GetApprovalStats(ctx context.Context) (*store.ApprovalStats, error) {
	today := time.Now().UTC().Format("2006-01-02")
	stmt := `
		SELECT
			COUNT(CASE WHEN status = 'queued' THEN 1 END),
			COUNT(CASE WHEN status IN ('approved', 'denied', 'executed') AND decided_at >= ? THEN 1 END)
		FROM approval`
	stats := &store.ApprovalStats{Timestamp: time.Now().UTC()}
	if err := d.db.QueryRowContext(ctx, stmt, today).Scan(&stats.Queued, &stats.DecidedToday); err != nil {
		return nil, errors.Wrap(err, "failed to compute approval stats")
	}
	return stats, nil
}
