package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/butler/store"
)

const messageFields = "id, conversation_id, direction, sender_type, content, content_type, confidence, intent, entities, metadata, delivery_status, channel_message_id, created_at"

func scanMessage(row interface{ Scan(...any) error }) (*store.Message, error) {
	var m store.Message
	var confidence sql.NullFloat64
	var entities, metadata, createdAt string
	if err := row.Scan(
		&m.ID,
		&m.ConversationID,
		&m.Direction,
		&m.SenderType,
		&m.Content,
		&m.ContentType,
		&confidence,
		&m.Intent,
		&entities,
		&metadata,
		&m.DeliveryStatus,
		&m.ChannelMessageID,
		&createdAt,
	); err != nil {
		return nil, err
	}
	if confidence.Valid {
		m.Confidence = &confidence.Float64
	}
	m.Entities = unmarshalMap(entities)
	m.Metadata = unmarshalMap(metadata)
	m.CreatedAt = parseTime(createdAt)
	return &m, nil
}

func (d *DB) CreateMessage(ctx context.Context, create *store.Message) (*store.Message, error) {
	if create.ContentType == "" {
		create.ContentType = "text/plain"
	}
	if create.DeliveryStatus == "" {
		create.DeliveryStatus = store.DeliveryPending
	}
	var confidence any
	if create.Confidence != nil {
		confidence = *create.Confidence
	}
	stmt := `
		INSERT INTO message (` + messageFields + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING ` + messageFields
	m, err := scanMessage(d.db.QueryRowContext(ctx, stmt,
		create.ID,
		create.ConversationID,
		create.Direction,
		create.SenderType,
		create.Content,
		create.ContentType,
		confidence,
		create.Intent,
		marshalJSON(create.Entities),
		marshalJSON(create.Metadata),
		create.DeliveryStatus,
		create.ChannelMessageID,
		formatTime(time.Now()),
	))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create message")
	}
	return m, nil
}

func (d *DB) ListMessages(ctx context.Context, find *store.FindMessage) ([]*store.Message, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = ?"), append(args, *find.ID)
	}
	if find.ConversationID != nil {
		where, args = append(where, "conversation_id = ?"), append(args, *find.ConversationID)
	}
	if find.Direction != nil {
		where, args = append(where, "direction = ?"), append(args, *find.Direction)
	}
	if find.ChannelMessageID != nil {
		where, args = append(where, "channel_message_id = ?"), append(args, *find.ChannelMessageID)
	}

	// Timestamps carry second granularity; rowid breaks same-second ties
	// in insertion order.
	order := " ORDER BY created_at ASC, rowid ASC"
	if find.OrderDesc {
		order = " ORDER BY created_at DESC, rowid DESC"
	}
	query := `SELECT ` + messageFields + ` FROM message WHERE ` + strings.Join(where, " AND ") + order
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
		return nil, errors.Wrap(err, "failed to list messages")
	}
	defer rows.Close()

	var messages []*store.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan message")
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (d *DB) UpdateMessage(ctx context.Context, update *store.UpdateMessage) (*store.Message, error) {
	set, args := []string{}, []any{}

	if update.DeliveryStatus != nil {
		set, args = append(set, "delivery_status = ?"), append(args, *update.DeliveryStatus)
	}
	if update.ChannelMessageID != nil {
		set, args = append(set, "channel_message_id = ?"), append(args, *update.ChannelMessageID)
	}
	if len(set) == 0 {
		return nil, errors.New("no fields to update")
	}
	args = append(args, update.ID)

	stmt := `UPDATE message SET ` + strings.Join(set, ", ") + ` WHERE id = ? RETURNING ` + messageFields
	m, err := scanMessage(d.db.QueryRowContext(ctx, stmt, args...))
	if err != nil {
		return nil, errors.Wrap(err, "failed to update message")
	}
	return m, nil
}

func (d *DB) CountMessages(ctx context.Context, conversationID string) (int64, error) {
	var count int64
	err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM message WHERE conversation_id = ?", conversationID).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count messages")
	}
	return count, nil
}
