package store

import (
	"context"
	"time"
)

type Guest struct {
	ID          string
	FirstName   string
	LastName    string
	Phone       string // canonical international form, empty if unknown
	Email       string // lowercased, empty if unknown
	VIPTier     string // empty when not a VIP
	LoyaltyTier string
	ExternalIDs map[string]string // source name -> external key
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsVIP reports whether the guest carries a VIP or elevated loyalty tier.
func (g *Guest) IsVIP() bool {
	if g.VIPTier != "" {
		return true
	}
	switch g.LoyaltyTier {
	case "gold", "platinum", "diamond":
		return true
	}
	return false
}

// FullName returns the guest display name.
func (g *Guest) FullName() string {
	if g.FirstName == "" {
		return g.LastName
	}
	if g.LastName == "" {
		return g.FirstName
	}
	return g.FirstName + " " + g.LastName
}

type FindGuest struct {
	ID             *string
	Phone          *string
	Email          *string
	ExternalSource *string
	ExternalID     *string
	Limit          *int
	Offset         *int
}

type UpdateGuest struct {
	ID          string
	FirstName   *string
	LastName    *string
	Phone       *string
	Email       *string
	VIPTier     *string
	LoyaltyTier *string
	ExternalIDs map[string]string // merged into the stored mapping
}

func (s *Store) CreateGuest(ctx context.Context, create *Guest) (*Guest, error) {
	return s.driver.CreateGuest(ctx, create)
}

func (s *Store) ListGuests(ctx context.Context, find *FindGuest) ([]*Guest, error) {
	return s.driver.ListGuests(ctx, find)
}

func (s *Store) GetGuest(ctx context.Context, find *FindGuest) (*Guest, error) {
	list, err := s.driver.ListGuests(ctx, find)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func (s *Store) UpdateGuest(ctx context.Context, update *UpdateGuest) (*Guest, error) {
	return s.driver.UpdateGuest(ctx, update)
}

// UpsertGuestByPhone inserts a guest keyed by canonical phone, or returns the
// existing row when one already matches. Two concurrent first-time inbounds
// from the same sender resolve to one guest.
func (s *Store) UpsertGuestByPhone(ctx context.Context, create *Guest) (*Guest, error) {
	return s.driver.UpsertGuestByPhone(ctx, create)
}

// UpsertGuestByEmail is the email analogue of UpsertGuestByPhone.
func (s *Store) UpsertGuestByEmail(ctx context.Context, create *Guest) (*Guest, error) {
	return s.driver.UpsertGuestByEmail(ctx, create)
}
