package store

import (
	"context"
	"time"
)

type ReservationStatus string

const (
	ReservationConfirmed  ReservationStatus = "confirmed"
	ReservationInHouse    ReservationStatus = "in_house"
	ReservationCheckedOut ReservationStatus = "checked_out"
	ReservationCancelled  ReservationStatus = "cancelled"
	ReservationNoShow     ReservationStatus = "no_show"
)

type Reservation struct {
	ID                 string
	GuestID            string
	ConfirmationNumber string
	RoomNumber         string
	RoomType           string
	ArrivalDate        string // calendar date, YYYY-MM-DD
	DepartureDate      string // calendar date, YYYY-MM-DD
	Status             ReservationStatus
	Adults             int
	Children           int
	Source             string // e.g. PMS source name
	ExternalID         string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type FindReservation struct {
	ID                 *string
	GuestID            *string
	ConfirmationNumber *string
	Statuses           []ReservationStatus
	// DepartureOnOrAfter keeps only reservations still relevant on the given
	// date, used for context hydration.
	DepartureOnOrAfter *string
	Limit              *int
}

type UpdateReservation struct {
	ID            string
	RoomNumber    *string
	RoomType      *string
	ArrivalDate   *string
	DepartureDate *string
	Status        *ReservationStatus
	Adults        *int
	Children      *int
}

func (s *Store) CreateReservation(ctx context.Context, create *Reservation) (*Reservation, error) {
	return s.driver.CreateReservation(ctx, create)
}

func (s *Store) ListReservations(ctx context.Context, find *FindReservation) ([]*Reservation, error) {
	return s.driver.ListReservations(ctx, find)
}

func (s *Store) GetReservation(ctx context.Context, find *FindReservation) (*Reservation, error) {
	list, err := s.driver.ListReservations(ctx, find)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func (s *Store) UpdateReservation(ctx context.Context, update *UpdateReservation) (*Reservation, error) {
	return s.driver.UpdateReservation(ctx, update)
}

// UpsertReservationByConfirmation inserts or refreshes a reservation keyed by
// confirmation number. Used by the PMS sync path.
func (s *Store) UpsertReservationByConfirmation(ctx context.Context, create *Reservation) (*Reservation, error) {
	return s.driver.UpsertReservationByConfirmation(ctx, create)
}
