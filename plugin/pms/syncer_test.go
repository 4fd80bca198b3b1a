package pms

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/butler/events"
	"github.com/hrygo/butler/internal/profile"
	"github.com/hrygo/butler/plugin/apps"
	"github.com/hrygo/butler/store"
	"github.com/hrygo/butler/store/db"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	p := &profile.Profile{Mode: "dev", Data: dir, DSN: filepath.Join(dir, "butler_test.db")}
	driver, err := db.NewDBDriver(p)
	require.NoError(t, err)
	st := store.New(driver, p)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	return st
}

type fakePMS struct {
	reservations []*apps.NormalizedReservation
}

func (f *fakePMS) GetModifiedReservations(_ context.Context, _ time.Time) ([]*apps.NormalizedReservation, error) {
	return f.reservations, nil
}
func (f *fakePMS) TestConnection(context.Context) *apps.ConnectionTestResult {
	return &apps.ConnectionTestResult{Success: true}
}
func (f *fakePMS) Close() error { return nil }

type fixedSource struct{ pms apps.PMSAdapter }

func (s fixedSource) ActivePMS() apps.PMSAdapter { return s.pms }

func sampleReservation() *apps.NormalizedReservation {
	return &apps.NormalizedReservation{
		ConfirmationNumber: "CNF-1001",
		Status:             store.ReservationConfirmed,
		RoomNumber:         "1204",
		RoomType:           "suite",
		ArrivalDate:        "2026-08-26",
		DepartureDate:      "2026-08-30",
		Adults:             2,
		Guest: apps.NormalizedGuest{
			FirstName:  "Grace",
			LastName:   "Okafor",
			Phone:      "555-111-2222",
			Email:      "Grace@Example.com",
			VIPTier:    "gold",
			ExternalID: "pms-guest-9",
			Source:     "opera",
		},
	}
}

func TestSyncCreatesGuestAndReservation(t *testing.T) {
	st := newTestStore(t)
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	var mu sync.Mutex
	var seen []events.EventType
	bus.SubscribeAll(func(evt events.Event) {
		mu.Lock()
		seen = append(seen, evt.Type)
		mu.Unlock()
	})

	syncer := NewSyncer(st, bus, fixedSource{pms: &fakePMS{reservations: []*apps.NormalizedReservation{sampleReservation()}}})
	require.NoError(t, syncer.SyncOnce(context.Background()))

	confirmation := "CNF-1001"
	res, err := st.GetReservation(context.Background(), &store.FindReservation{ConfirmationNumber: &confirmation})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "1204", res.RoomNumber)
	assert.Equal(t, store.ReservationConfirmed, res.Status)
	assert.Equal(t, "opera", res.Source)

	guest, err := st.GetGuest(context.Background(), &store.FindGuest{ID: &res.GuestID})
	require.NoError(t, err)
	require.NotNil(t, guest)
	assert.Equal(t, "Grace", guest.FirstName)
	assert.Equal(t, "+15551112222", guest.Phone, "phone is canonicalized on sync")
	assert.Equal(t, "gold", guest.VIPTier)
	assert.Equal(t, "pms-guest-9", guest.ExternalIDs["opera"])

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, typ := range seen {
			if typ == events.ReservationCreated {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestSyncMatchesExistingGuestByExternalID(t *testing.T) {
	st := newTestStore(t)
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	// The inbound pipeline created a placeholder identity earlier.
	placeholder, err := st.CreateGuest(context.Background(), &store.Guest{
		ID:          "gst_existing",
		FirstName:   "Guest",
		LastName:    "2222",
		Phone:       "+15551112222",
		ExternalIDs: map[string]string{"opera": "pms-guest-9"},
	})
	require.NoError(t, err)

	syncer := NewSyncer(st, bus, fixedSource{pms: &fakePMS{reservations: []*apps.NormalizedReservation{sampleReservation()}}})
	require.NoError(t, syncer.SyncOnce(context.Background()))

	guest, err := st.GetGuest(context.Background(), &store.FindGuest{ID: &placeholder.ID})
	require.NoError(t, err)
	require.NotNil(t, guest)
	assert.Equal(t, "Grace", guest.FirstName, "PMS identity replaces the placeholder")
	assert.Equal(t, "Okafor", guest.LastName)

	guests, err := st.ListGuests(context.Background(), &store.FindGuest{})
	require.NoError(t, err)
	assert.Len(t, guests, 1, "sync must not mint a second guest")
}

func TestSyncUpdateEmitsReservationUpdated(t *testing.T) {
	st := newTestStore(t)
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	var mu sync.Mutex
	var updates int
	bus.Subscribe(func(events.Event) {
		mu.Lock()
		updates++
		mu.Unlock()
	}, events.ReservationUpdated)

	syncer := NewSyncer(st, bus, fixedSource{pms: &fakePMS{reservations: []*apps.NormalizedReservation{sampleReservation()}}})
	require.NoError(t, syncer.SyncOnce(context.Background()))

	// Second poll sees the same reservation checked in.
	checkedIn := sampleReservation()
	checkedIn.Status = store.ReservationInHouse
	syncer.adapters = fixedSource{pms: &fakePMS{reservations: []*apps.NormalizedReservation{checkedIn}}}
	require.NoError(t, syncer.SyncOnce(context.Background()))

	confirmation := "CNF-1001"
	res, err := st.GetReservation(context.Background(), &store.FindReservation{ConfirmationNumber: &confirmation})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, store.ReservationInHouse, res.Status)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return updates >= 1
	}, time.Second, 10*time.Millisecond)
}

func TestSyncIdlesWithoutAdapter(t *testing.T) {
	st := newTestStore(t)
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	syncer := NewSyncer(st, bus, fixedSource{pms: nil})
	require.NoError(t, syncer.SyncOnce(context.Background()))
}

func TestRESTAdapterFetchesAndNormalizes(t *testing.T) {
	var gotSince string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/token":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"access_token":"tok-1","token_type":"Bearer","expires_in":3600}`))
		case "/reservations":
			if r.Header.Get("Authorization") != "Bearer tok-1" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			gotSince = r.URL.Query().Get("modifiedSince")
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`[{
				"confirmationNumber": "CNF-7",
				"status": "checked_in",
				"roomNumber": "310",
				"arrivalDate": "2026-08-24",
				"departureDate": "2026-08-27",
				"adults": 1,
				"guest": {"id": "g-7", "firstName": "Ada", "lastName": "Osei", "phone": "+15557778888"}
			}]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)

	adapter, err := NewRESTAdapter(map[string]any{
		"baseUrl":      server.URL,
		"tokenUrl":     server.URL + "/token",
		"clientId":     "id",
		"clientSecret": "secret",
		"sourceName":   "opera",
	})
	require.NoError(t, err)

	since := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	reservations, err := adapter.GetModifiedReservations(context.Background(), since)
	require.NoError(t, err)
	require.Len(t, reservations, 1)

	res := reservations[0]
	assert.Equal(t, "CNF-7", res.ConfirmationNumber)
	assert.Equal(t, store.ReservationInHouse, res.Status, "provider checked_in maps to in_house")
	assert.Equal(t, "Ada", res.Guest.FirstName)
	assert.Equal(t, "g-7", res.Guest.ExternalID)
	assert.Equal(t, "opera", res.Guest.Source)
	assert.Equal(t, "2026-08-24T10:00:00Z", gotSince)

	result := adapter.TestConnection(context.Background())
	assert.True(t, result.Success)
}

func TestRESTAdapterRequiresCredentials(t *testing.T) {
	_, err := NewRESTAdapter(map[string]any{"baseUrl": "https://pms.example.com"})
	require.Error(t, err)
}
