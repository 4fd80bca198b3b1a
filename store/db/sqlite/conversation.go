package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/butler/store"
)

const conversationFields = "id, channel_type, channel_id, guest_id, reservation_id, state, priority, metadata, created_at, updated_at"

func scanConversation(row interface{ Scan(...any) error }) (*store.Conversation, error) {
	var c store.Conversation
	var guestID, reservationID sql.NullString
	var metadata, createdAt, updatedAt string
	if err := row.Scan(
		&c.ID,
		&c.ChannelType,
		&c.ChannelID,
		&guestID,
		&reservationID,
		&c.State,
		&c.Priority,
		&metadata,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	c.GuestID = fromNull(guestID)
	c.ReservationID = fromNull(reservationID)
	c.Metadata = unmarshalMap(metadata)
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

func (d *DB) CreateConversation(ctx context.Context, create *store.Conversation) (*store.Conversation, error) {
	now := formatTime(time.Now())
	stmt := `
		INSERT INTO conversation (` + conversationFields + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING ` + conversationFields
	c, err := scanConversation(d.db.QueryRowContext(ctx, stmt,
		create.ID,
		create.ChannelType,
		create.ChannelID,
		nullable(create.GuestID),
		nullable(create.ReservationID),
		create.State,
		create.Priority,
		marshalJSON(create.Metadata),
		now,
		now,
	))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create conversation")
	}
	return c, nil
}

func (d *DB) ListConversations(ctx context.Context, find *store.FindConversation) ([]*store.Conversation, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = ?"), append(args, *find.ID)
	}
	if find.ChannelType != nil {
		where, args = append(where, "channel_type = ?"), append(args, *find.ChannelType)
	}
	if find.ChannelID != nil {
		where, args = append(where, "channel_id = ?"), append(args, *find.ChannelID)
	}
	if find.GuestID != nil {
		where, args = append(where, "guest_id = ?"), append(args, *find.GuestID)
	}
	if find.State != nil {
		where, args = append(where, "state = ?"), append(args, *find.State)
	}

	query := `SELECT ` + conversationFields + ` FROM conversation WHERE ` + strings.Join(where, " AND ") + ` ORDER BY updated_at DESC`
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
		return nil, errors.Wrap(err, "failed to list conversations")
	}
	defer rows.Close()

	var conversations []*store.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan conversation")
		}
		conversations = append(conversations, c)
	}
	return conversations, rows.Err()
}

func (d *DB) UpdateConversation(ctx context.Context, update *store.UpdateConversation) (*store.Conversation, error) {
	set, args := []string{"updated_at = ?"}, []any{formatTime(time.Now())}

	if update.GuestID != nil {
		set, args = append(set, "guest_id = ?"), append(args, nullable(*update.GuestID))
	}
	if update.ReservationID != nil {
		set, args = append(set, "reservation_id = ?"), append(args, nullable(*update.ReservationID))
	}
	if update.State != nil {
		set, args = append(set, "state = ?"), append(args, *update.State)
	}
	if update.Priority != nil {
		set, args = append(set, "priority = ?"), append(args, *update.Priority)
	}
	if update.Metadata != nil {
		set, args = append(set, "metadata = json_patch(metadata, ?)"), append(args, marshalJSON(update.Metadata))
	}
	args = append(args, update.ID)

	stmt := `UPDATE conversation SET ` + strings.Join(set, ", ") + ` WHERE id = ? RETURNING ` + conversationFields
	c, err := scanConversation(d.db.QueryRowContext(ctx, stmt, args...))
	if err != nil {
		return nil, errors.Wrap(err, "failed to update conversation")
	}
	return c, nil
}

// UpsertConversation resolves a conversation by (channel_type, channel_id),
// creating it in state "new" when absent. Concurrent first inbounds on the
// same channel identity converge on one row.
func (d *DB) UpsertConversation(ctx context.Context, create *store.Conversation) (*store.Conversation, error) {
	now := formatTime(time.Now())
	stmt := `
		INSERT INTO conversation (` + conversationFields + `)
		VALUES (?, ?, ?, ?, ?, 'new', '', ?, ?, ?)
		ON CONFLICT (channel_type, channel_id) DO UPDATE SET updated_at = excluded.updated_at
		RETURNING ` + conversationFields
	c, err := scanConversation(d.db.QueryRowContext(ctx, stmt,
		create.ID,
		create.ChannelType,
		create.ChannelID,
		nullable(create.GuestID),
		nullable(create.ReservationID),
		marshalJSON(create.Metadata),
		now,
		now,
	))
	if err != nil {
		return nil, errors.Wrap(err, "failed to upsert conversation")
	}
	return c, nil
}

func (d *DB) GetConversationStats(ctx context.Context) (*store.ConversationStats, error) {
	today := time.Now().UTC().Format("2006-01-02")
	stmt := `
		SELECT
			COUNT(CASE WHEN state = 'active' THEN 1 END),
			COUNT(CASE WHEN state = 'escalated' THEN 1 END),
			COUNT(CASE WHEN state = 'resolved' AND updated_at >= ? THEN 1 END),
			COUNT(*)
		FROM conversation`
	stats := &store.ConversationStats{Timestamp: time.Now().UTC()}
	if err := d.db.QueryRowContext(ctx, stmt, today).Scan(&stats.Active, &stats.Escalated, &stats.ResolvedToday, &stats.Total); err != nil {
		return nil, errors.Wrap(err, "failed to compute conversation stats")
	}
	return stats, nil
}
