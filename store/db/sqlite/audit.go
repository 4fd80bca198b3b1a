package sqlite

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/butler/store"
)

const auditFields = "id, actor_type, actor_id, action, resource_type, resource_id, details, client_ip, user_agent, created_at"

func (d *DB) CreateAuditEntry(ctx context.Context, create *store.AuditEntry) (*store.AuditEntry, error) {
	stmt := `
		INSERT INTO audit_log (` + auditFields + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING ` + auditFields
	entry, err := scanAuditEntry(d.db.QueryRowContext(ctx, stmt,
		create.ID,
		create.ActorType,
		create.ActorID,
		create.Action,
		create.ResourceType,
		create.ResourceID,
		marshalJSON(create.Details),
		create.ClientIP,
		create.UserAgent,
		formatTime(time.Now()),
	))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create audit entry")
	}
	return entry, nil
}

func scanAuditEntry(row interface{ Scan(...any) error }) (*store.AuditEntry, error) {
	var e store.AuditEntry
	var details, createdAt string
	if err := row.Scan(
		&e.ID,
		&e.ActorType,
		&e.ActorID,
		&e.Action,
		&e.ResourceType,
		&e.ResourceID,
		&details,
		&e.ClientIP,
		&e.UserAgent,
		&createdAt,
	); err != nil {
		return nil, err
	}
	e.Details = unmarshalMap(details)
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}

func (d *DB) ListAuditEntries(ctx context.Context, find *store.FindAuditEntry) ([]*store.AuditEntry, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ActorID != nil {
		where, args = append(where, "actor_id = ?"), append(args, *find.ActorID)
	}
	if find.Action != nil {
		where, args = append(where, "action = ?"), append(args, *find.Action)
	}
	if find.ResourceType != nil {
		where, args = append(where, "resource_type = ?"), append(args, *find.ResourceType)
	}
	if find.ResourceID != nil {
		where, args = append(where, "resource_id = ?"), append(args, *find.ResourceID)
	}

	query := `SELECT ` + auditFields + ` FROM audit_log WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_at DESC`
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
		return nil, errors.Wrap(err, "failed to list audit entries")
	}
	defer rows.Close()

	var entries []*store.AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan audit entry")
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
