package pms

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/butler/events"
	"github.com/hrygo/butler/pipeline"
	"github.com/hrygo/butler/plugin/apps"
	"github.com/hrygo/butler/internal/util"
	"github.com/hrygo/butler/store"
)

const defaultSyncInterval = 5 * time.Minute

// overlap guards against clock skew between us and the provider: each poll
// re-reads a little of the previous window.
const syncOverlap = 1 * time.Minute

// AdapterSource yields the currently configured PMS adapter, or nil.
type AdapterSource interface {
	ActivePMS() apps.PMSAdapter
}

// Syncer polls the PMS for modified reservations and folds them into local
// guests and reservations.
type Syncer struct {
	store    *store.Store
	bus      *events.Bus
	adapters AdapterSource
	interval time.Duration
	lastSync time.Time
	now      func() time.Time
}

func NewSyncer(st *store.Store, bus *events.Bus, adapters AdapterSource) *Syncer {
	return &Syncer{
		store:    st,
		bus:      bus,
		adapters: adapters,
		interval: defaultSyncInterval,
		// First poll reaches back a day so a fresh install picks up
		// current in-house stays.
		lastSync: time.Now().UTC().Add(-24 * time.Hour),
		now:      time.Now,
	}
}

// Start runs the poll loop until ctx is cancelled.
func (s *Syncer) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.SyncOnce(ctx); err != nil {
					slog.Error("pms sync failed", "err", err)
				}
			}
		}
	}()
}

// SyncOnce performs a single poll. A nil active adapter is not an error;
// sync simply idles until a PMS is configured.
func (s *Syncer) SyncOnce(ctx context.Context) error {
	adapter := s.adapters.ActivePMS()
	if adapter == nil {
		return nil
	}

	since := s.lastSync.Add(-syncOverlap)
	started := s.now().UTC()
	modified, err := adapter.GetModifiedReservations(ctx, since)
	if err != nil {
		return errors.Wrap(err, "failed to fetch modified reservations")
	}

	var synced int
	for _, res := range modified {
		if err := s.apply(ctx, res); err != nil {
			slog.Error("failed to apply reservation", "confirmation", res.ConfirmationNumber, "err", err)
			continue
		}
		synced++
	}
	s.lastSync = started
	if synced > 0 {
		slog.Info("pms sync complete", "reservations", synced)
	}
	return nil
}

func (s *Syncer) apply(ctx context.Context, res *apps.NormalizedReservation) error {
	if res.ConfirmationNumber == "" {
		return errors.New("reservation has no confirmation number")
	}

	guest, err := s.upsertGuest(ctx, &res.Guest)
	if err != nil {
		return errors.Wrap(err, "failed to upsert guest")
	}

	existing, err := s.store.GetReservation(ctx, &store.FindReservation{
		ConfirmationNumber: &res.ConfirmationNumber,
	})
	if err != nil {
		return errors.Wrap(err, "failed to look up reservation")
	}

	reservation, err := s.store.UpsertReservationByConfirmation(ctx, &store.Reservation{
		ID:                 util.GenID("res"),
		GuestID:            guest.ID,
		ConfirmationNumber: res.ConfirmationNumber,
		RoomNumber:         res.RoomNumber,
		RoomType:           res.RoomType,
		ArrivalDate:        res.ArrivalDate,
		DepartureDate:      res.DepartureDate,
		Status:             res.Status,
		Adults:             res.Adults,
		Children:           res.Children,
		Source:             res.Guest.Source,
		ExternalID:         res.Guest.ExternalID,
	})
	if err != nil {
		return errors.Wrap(err, "failed to upsert reservation")
	}

	if existing == nil {
		s.bus.Emit(events.ReservationCreated, reservation)
	} else {
		s.bus.Emit(events.ReservationUpdated, reservation)
	}
	return nil
}

// upsertGuest matches on external id first, then canonical phone, then
// email. PMS identity data wins over placeholder names created by the
// inbound pipeline.
func (s *Syncer) upsertGuest(ctx context.Context, ng *apps.NormalizedGuest) (*store.Guest, error) {
	phone := pipeline.CanonicalPhone(ng.Phone)

	if ng.ExternalID != "" {
		existing, err := s.store.GetGuest(ctx, &store.FindGuest{
			ExternalSource: &ng.Source,
			ExternalID:     &ng.ExternalID,
		})
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return s.refreshGuest(ctx, existing, ng, phone)
		}
	}

	if phone != "" {
		guest, err := s.store.UpsertGuestByPhone(ctx, &store.Guest{
			ID:          util.GenID("gst"),
			FirstName:   ng.FirstName,
			LastName:    ng.LastName,
			Phone:       phone,
			Email:       ng.Email,
			VIPTier:     ng.VIPTier,
			ExternalIDs: externalIDs(ng),
		})
		if err != nil {
			return nil, err
		}
		return s.refreshGuest(ctx, guest, ng, phone)
	}
	if ng.Email != "" {
		guest, err := s.store.UpsertGuestByEmail(ctx, &store.Guest{
			ID:          util.GenID("gst"),
			FirstName:   ng.FirstName,
			LastName:    ng.LastName,
			Email:       ng.Email,
			VIPTier:     ng.VIPTier,
			ExternalIDs: externalIDs(ng),
		})
		if err != nil {
			return nil, err
		}
		return s.refreshGuest(ctx, guest, ng, phone)
	}
	return s.store.CreateGuest(ctx, &store.Guest{
		ID:          util.GenID("gst"),
		FirstName:   ng.FirstName,
		LastName:    ng.LastName,
		VIPTier:     ng.VIPTier,
		ExternalIDs: externalIDs(ng),
	})
}

func (s *Syncer) refreshGuest(ctx context.Context, existing *store.Guest, ng *apps.NormalizedGuest, phone string) (*store.Guest, error) {
	update := &store.UpdateGuest{ID: existing.ID, ExternalIDs: externalIDs(ng)}
	if ng.FirstName != "" {
		update.FirstName = &ng.FirstName
	}
	if ng.LastName != "" {
		update.LastName = &ng.LastName
	}
	if phone != "" {
		update.Phone = &phone
	}
	if ng.Email != "" {
		update.Email = &ng.Email
	}
	if ng.VIPTier != "" {
		update.VIPTier = &ng.VIPTier
	}
	updated, err := s.store.UpdateGuest(ctx, update)
	if err != nil {
		return nil, err
	}
	s.bus.Emit(events.GuestUpdated, updated)
	return updated, nil
}

func externalIDs(ng *apps.NormalizedGuest) map[string]string {
	if ng.ExternalID == "" {
		return nil
	}
	source := ng.Source
	if source == "" {
		source = "pms"
	}
	return map[string]string{source: ng.ExternalID}
}
