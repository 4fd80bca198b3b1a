package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/butler/store"
)

const guestFields = "id, first_name, last_name, phone, email, vip_tier, loyalty_tier, external_ids, created_at, updated_at"

func scanGuest(row interface{ Scan(...any) error }) (*store.Guest, error) {
	var guest store.Guest
	var phone, email sql.NullString
	var externalIDs, createdAt, updatedAt string
	if err := row.Scan(
		&guest.ID,
		&guest.FirstName,
		&guest.LastName,
		&phone,
		&email,
		&guest.VIPTier,
		&guest.LoyaltyTier,
		&externalIDs,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	guest.Phone = fromNull(phone)
	guest.Email = fromNull(email)
	guest.ExternalIDs = unmarshalStringMap(externalIDs)
	guest.CreatedAt = parseTime(createdAt)
	guest.UpdatedAt = parseTime(updatedAt)
	return &guest, nil
}

func (d *DB) CreateGuest(ctx context.Context, create *store.Guest) (*store.Guest, error) {
	now := formatTime(time.Now())
	stmt := `
		INSERT INTO guest (` + guestFields + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING ` + guestFields
	guest, err := scanGuest(d.db.QueryRowContext(ctx, stmt,
		create.ID,
		create.FirstName,
		create.LastName,
		nullable(create.Phone),
		nullable(strings.ToLower(create.Email)),
		create.VIPTier,
		create.LoyaltyTier,
		marshalJSON(create.ExternalIDs),
		now,
		now,
	))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create guest")
	}
	return guest, nil
}

func (d *DB) ListGuests(ctx context.Context, find *store.FindGuest) ([]*store.Guest, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = ?"), append(args, *find.ID)
	}
	if find.Phone != nil {
		where, args = append(where, "phone = ?"), append(args, *find.Phone)
	}
	if find.Email != nil {
		where, args = append(where, "email = ?"), append(args, strings.ToLower(*find.Email))
	}
	if find.ExternalSource != nil && find.ExternalID != nil {
		where = append(where, "json_extract(external_ids, '$.' || ?) = ?")
		args = append(args, *find.ExternalSource, *find.ExternalID)
	}

	query := `SELECT ` + guestFields + ` FROM guest WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_at DESC`
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
		return nil, errors.Wrap(err, "failed to list guests")
	}
	defer rows.Close()

	var guests []*store.Guest
	for rows.Next() {
		guest, err := scanGuest(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan guest")
		}
		guests = append(guests, guest)
	}
	return guests, rows.Err()
}

func (d *DB) UpdateGuest(ctx context.Context, update *store.UpdateGuest) (*store.Guest, error) {
	set, args := []string{"updated_at = ?"}, []any{formatTime(time.Now())}

	if update.FirstName != nil {
		set, args = append(set, "first_name = ?"), append(args, *update.FirstName)
	}
	if update.LastName != nil {
		set, args = append(set, "last_name = ?"), append(args, *update.LastName)
	}
	if update.Phone != nil {
		set, args = append(set, "phone = ?"), append(args, nullable(*update.Phone))
	}
	if update.Email != nil {
		set, args = append(set, "email = ?"), append(args, nullable(strings.ToLower(*update.Email)))
	}
	if update.VIPTier != nil {
		set, args = append(set, "vip_tier = ?"), append(args, *update.VIPTier)
	}
	if update.LoyaltyTier != nil {
		set, args = append(set, "loyalty_tier = ?"), append(args, *update.LoyaltyTier)
	}
	if update.ExternalIDs != nil {
		// Merge into the stored mapping instead of replacing it.
		set, args = append(set, "external_ids = json_patch(external_ids, ?)"), append(args, marshalJSON(update.ExternalIDs))
	}
	args = append(args, update.ID)

	stmt := `UPDATE guest SET ` + strings.Join(set, ", ") + ` WHERE id = ? RETURNING ` + guestFields
	guest, err := scanGuest(d.db.QueryRowContext(ctx, stmt, args...))
	if err != nil {
		return nil, errors.Wrap(err, "failed to update guest")
	}
	return guest, nil
}

// UpsertGuestByPhone inserts a guest row keyed by phone. When a row with the
// same phone already exists the insert degrades to a no-op update and the
// existing row is returned, so concurrent first-contact inbounds converge on
// one guest.
func (d *DB) UpsertGuestByPhone(ctx context.Context, create *store.Guest) (*store.Guest, error) {
	now := formatTime(time.Now())
	stmt := `
		INSERT INTO guest (` + guestFields + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (phone) WHERE phone IS NOT NULL DO UPDATE SET updated_at = excluded.updated_at
		RETURNING ` + guestFields
	guest, err := scanGuest(d.db.QueryRowContext(ctx, stmt,
		create.ID,
		create.FirstName,
		create.LastName,
		nullable(create.Phone),
		nullable(strings.ToLower(create.Email)),
		create.VIPTier,
		create.LoyaltyTier,
		marshalJSON(create.ExternalIDs),
		now,
		now,
	))
	if err != nil {
		return nil, errors.Wrap(err, "failed to upsert guest by phone")
	}
	return guest, nil
}

func (d *DB) UpsertGuestByEmail(ctx context.Context, create *store.Guest) (*store.Guest, error) {
	now := formatTime(time.Now())
	stmt := `
		INSERT INTO guest (` + guestFields + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (email) WHERE email IS NOT NULL DO UPDATE SET updated_at = excluded.updated_at
		RETURNING ` + guestFields
	guest, err := scanGuest(d.db.QueryRowContext(ctx, stmt,
		create.ID,
		create.FirstName,
		create.LastName,
		nullable(create.Phone),
		nullable(strings.ToLower(create.Email)),
		create.VIPTier,
		create.LoyaltyTier,
		marshalJSON(create.ExternalIDs),
		now,
		now,
	))
	if err != nil {
		return nil, errors.Wrap(err, "failed to upsert guest by email")
	}
	return guest, nil
}
