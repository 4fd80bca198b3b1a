package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/butler/store"
)

const taskFields = "id, title, description, source, status, priority, department, conversation_id, guest_id, assignee_id, due_at, started_at, completed_at, created_at, updated_at"

func scanTask(row interface{ Scan(...any) error }) (*store.Task, error) {
	var t store.Task
	var conversationID, guestID sql.NullString
	var dueAt, startedAt, completedAt sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(
		&t.ID,
		&t.Title,
		&t.Description,
		&t.Source,
		&t.Status,
		&t.Priority,
		&t.Department,
		&conversationID,
		&guestID,
		&t.AssigneeID,
		&dueAt,
		&startedAt,
		&completedAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	t.ConversationID = fromNull(conversationID)
	t.GuestID = fromNull(guestID)
	t.DueAt = parseTimePtr(dueAt)
	t.StartedAt = parseTimePtr(startedAt)
	t.CompletedAt = parseTimePtr(completedAt)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

func (d *DB) CreateTask(ctx context.Context, create *store.Task) (*store.Task, error) {
	if create.Status == "" {
		create.Status = store.TaskPending
	}
	if create.Priority == "" {
		create.Priority = store.PriorityStandard
	}
	now := formatTime(time.Now())
	stmt := `
		INSERT INTO task (` + taskFields + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?, ?)
		RETURNING ` + taskFields
	t, err := scanTask(d.db.QueryRowContext(ctx, stmt,
		create.ID,
		create.Title,
		create.Description,
		create.Source,
		create.Status,
		create.Priority,
		create.Department,
		nullable(create.ConversationID),
		nullable(create.GuestID),
		create.AssigneeID,
		formatTimePtr(create.DueAt),
		now,
		now,
	))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create task")
	}
	return t, nil
}

func (d *DB) ListTasks(ctx context.Context, find *store.FindTask) ([]*store.Task, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = ?"), append(args, *find.ID)
	}
	if find.Status != nil {
		where, args = append(where, "status = ?"), append(args, *find.Status)
	}
	if find.Priority != nil {
		where, args = append(where, "priority = ?"), append(args, *find.Priority)
	}
	if find.GuestID != nil {
		where, args = append(where, "guest_id = ?"), append(args, *find.GuestID)
	}
	if find.ConversationID != nil {
		where, args = append(where, "conversation_id = ?"), append(args, *find.ConversationID)
	}
	if find.AssigneeID != nil {
		where, args = append(where, "assignee_id = ?"), append(args, *find.AssigneeID)
	}

	query := `SELECT ` + taskFields + ` FROM task WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_at DESC`
	if find.Limit != nil {
		query += " LIMIT ?"
		args = append(args, *find.Limit)
		if find.Offset != nil {
			query += " OFFSET ?"
			args = append(args, *find.Offset)
		}
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tasks")
	}
	defer rows.Close()

	var tasks []*store.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan task")
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (d *DB) UpdateTask(ctx context.Context, update *store.UpdateTask) (*store.Task, error) {
	now := time.Now()
	set, args := []string{"updated_at = ?"}, []any{formatTime(now)}

	if update.Title != nil {
		set, args = append(set, "title = ?"), append(args, *update.Title)
	}
	if update.Description != nil {
		set, args = append(set, "description = ?"), append(args, *update.Description)
	}
	if update.Status != nil {
		set, args = append(set, "status = ?"), append(args, *update.Status)
		switch *update.Status {
		case store.TaskInProgress:
			// startedAt is stamped once, the first time work begins.
			set, args = append(set, "started_at = COALESCE(started_at, ?)"), append(args, formatTime(now))
		case store.TaskCompleted:
			set, args = append(set, "completed_at = ?"), append(args, formatTime(now))
		default:
			// completedAt is set iff status is completed.
			set = append(set, "completed_at = NULL")
		}
	}
	if update.Priority != nil {
		set, args = append(set, "priority = ?"), append(args, *update.Priority)
	}
	if update.AssigneeID != nil {
		set, args = append(set, "assignee_id = ?"), append(args, *update.AssigneeID)
	}
	if update.DueAt != nil {
		set, args = append(set, "due_at = ?"), append(args, formatTime(*update.DueAt))
	}
	args = append(args, update.ID)

	stmt := `UPDATE task SET ` + strings.Join(set, ", ") + ` WHERE id = ? RETURNING ` + taskFields
	t, err := scanTask(d.db.QueryRowContext(ctx, stmt, args...))
	if err != nil {
		return nil, errors.Wrap(err, "failed to update task")
	}
	return t, nil
}

func (d *DB) GetTaskStats(ctx context.Context) (*store.TaskStats, error) {
	today := time.Now().UTC().Format("2006-01-02")
	stmt := `
		SELECT
			COUNT(CASE WHEN status = 'pending' THEN 1 END),
			COUNT(CASE WHEN status = 'assigned' THEN 1 END),
			COUNT(CASE WHEN status = 'in_progress' THEN 1 END),
			COUNT(CASE WHEN status = 'completed' AND completed_at >= ? THEN 1 END),
			COUNT(CASE WHEN priority = 'urgent' AND status NOT IN ('completed', 'cancelled') THEN 1 END)
		FROM task`
	stats := &store.TaskStats{Timestamp: time.Now().UTC()}
	if err := d.db.QueryRowContext(ctx, stmt, today).Scan(&stats.Pending, &stats.Assigned, &stats.InProgress, &stats.CompletedToday, &stats.Urgent); err != nil {
		return nil, errors.Wrap(err, "failed to compute task stats")
	}
	return stats, nil
}
