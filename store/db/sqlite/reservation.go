package sqlite

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/butler/store"
)

const reservationFields = "id, guest_id, confirmation_number, room_number, room_type, arrival_date, departure_date, status, adults, children, source, external_id, created_at, updated_at"

func scanReservation(row interface{ Scan(...any) error }) (*store.Reservation, error) {
	var r store.Reservation
	var createdAt, updatedAt string
	if err := row.Scan(
		&r.ID,
		&r.GuestID,
		&r.ConfirmationNumber,
		&r.RoomNumber,
		&r.RoomType,
		&r.ArrivalDate,
		&r.DepartureDate,
		&r.Status,
		&r.Adults,
		&r.Children,
		&r.Source,
		&r.ExternalID,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}

func reservationArgs(create *store.Reservation, now string) []any {
	return []any{
		create.ID,
		create.GuestID,
		create.ConfirmationNumber,
		create.RoomNumber,
		create.RoomType,
		create.ArrivalDate,
		create.DepartureDate,
		create.Status,
		create.Adults,
		create.Children,
		create.Source,
		create.ExternalID,
		now,
		now,
	}
}

func (d *DB) CreateReservation(ctx context.Context, create *store.Reservation) (*store.Reservation, error) {
	stmt := `
		INSERT INTO reservation (` + reservationFields + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING ` + reservationFields
	r, err := scanReservation(d.db.QueryRowContext(ctx, stmt, reservationArgs(create, formatTime(time.Now()))...))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create reservation")
	}
	return r, nil
}

func (d *DB) ListReservations(ctx context.Context, find *store.FindReservation) ([]*store.Reservation, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = ?"), append(args, *find.ID)
	}
	if find.GuestID != nil {
		where, args = append(where, "guest_id = ?"), append(args, *find.GuestID)
	}
	if find.ConfirmationNumber != nil {
		where, args = append(where, "confirmation_number = ?"), append(args, *find.ConfirmationNumber)
	}
	if len(find.Statuses) > 0 {
		placeholders := make([]string, len(find.Statuses))
		for i, status := range find.Statuses {
			placeholders[i] = "?"
			args = append(args, status)
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if find.DepartureOnOrAfter != nil {
		where, args = append(where, "departure_date >= ?"), append(args, *find.DepartureOnOrAfter)
	}

	query := `SELECT ` + reservationFields + ` FROM reservation WHERE ` + strings.Join(where, " AND ") + ` ORDER BY arrival_date ASC`
	if find.Limit != nil {
		query += " LIMIT ?"
		args = append(args, *find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list reservations")
	}
	defer rows.Close()

	var reservations []*store.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan reservation")
		}
		reservations = append(reservations, r)
	}
	return reservations, rows.Err()
}

func (d *DB) UpdateReservation(ctx context.Context, update *store.UpdateReservation) (*store.Reservation, error) {
	set, args := []string{"updated_at = ?"}, []any{formatTime(time.Now())}

	if update.RoomNumber != nil {
		set, args = append(set, "room_number = ?"), append(args, *update.RoomNumber)
	}
	if update.RoomType != nil {
		set, args = append(set, "room_type = ?"), append(args, *update.RoomType)
	}
	if update.ArrivalDate != nil {
		set, args = append(set, "arrival_date = ?"), append(args, *update.ArrivalDate)
	}
	if update.DepartureDate != nil {
		set, args = append(set, "departure_date = ?"), append(args, *update.DepartureDate)
	}
	if update.Status != nil {
		set, args = append(set, "status = ?"), append(args, *update.Status)
	}
	if update.Adults != nil {
		set, args = append(set, "adults = ?"), append(args, *update.Adults)
	}
	if update.Children != nil {
		set, args = append(set, "children = ?"), append(args, *update.Children)
	}
	args = append(args, update.ID)

	stmt := `UPDATE reservation SET ` + strings.Join(set, ", ") + ` WHERE id = ? RETURNING ` + reservationFields
	r, err := scanReservation(d.db.QueryRowContext(ctx, stmt, args...))
	if err != nil {
		return nil, errors.Wrap(err, "failed to update reservation")
	}
	return r, nil
}

func (d *DB) UpsertReservationByConfirmation(ctx context.Context, create *store.Reservation) (*store.Reservation, error) {
	stmt := `
		INSERT INTO reservation (` + reservationFields + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (confirmation_number) DO UPDATE SET
			room_number = excluded.room_number,
			room_type = excluded.room_type,
			arrival_date = excluded.arrival_date,
			departure_date = excluded.departure_date,
			status = excluded.status,
			adults = excluded.adults,
			children = excluded.children,
			updated_at = excluded.updated_at
		RETURNING ` + reservationFields
	r, err := scanReservation(d.db.QueryRowContext(ctx, stmt, reservationArgs(create, formatTime(time.Now()))...))
	if err != nil {
		return nil, errors.Wrap(err, "failed to upsert reservation")
	}
	return r, nil
}
