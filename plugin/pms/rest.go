// Package pms integrates property-management systems. The REST adapter
// speaks a conventional JSON API protected by OAuth2 client credentials;
// the syncer folds modified reservations into local state.
package pms

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/hrygo/butler/plugin/apps"
	"github.com/hrygo/butler/store"
)

func Manifest() apps.Manifest {
	return apps.Manifest{
		ID:          "pms-rest",
		Name:        "PMS (REST)",
		Category:    store.CategoryPMS,
		Version:     "1.0.0",
		Description: "Reservation sync from a REST property-management system using OAuth2 client credentials.",
		ConfigSchema: []apps.ConfigField{
			{Key: "baseUrl", Label: "API base URL", Type: apps.FieldText, Required: true},
			{Key: "tokenUrl", Label: "OAuth2 token URL", Type: apps.FieldText, Required: true},
			{Key: "clientId", Label: "Client ID", Type: apps.FieldText, Required: true},
			{Key: "clientSecret", Label: "Client secret", Type: apps.FieldPassword, Required: true},
			{Key: "sourceName", Label: "Source name", Type: apps.FieldText, Default: "pms"},
		},
		Capabilities: []string{apps.CapSync},
	}
}

func Register(registry *apps.Registry) {
	registry.Register(apps.Registration{
		Manifest: Manifest(),
		Factory: func(config map[string]any) (apps.Provider, error) {
			return NewRESTAdapter(config)
		},
	})
}

// RESTAdapter implements apps.PMSAdapter over a JSON API.
type RESTAdapter struct {
	baseURL string
	source  string
	client  *http.Client
}

func NewRESTAdapter(config map[string]any) (*RESTAdapter, error) {
	baseURL, _ := config["baseUrl"].(string)
	tokenURL, _ := config["tokenUrl"].(string)
	clientID, _ := config["clientId"].(string)
	clientSecret, _ := config["clientSecret"].(string)
	if baseURL == "" || tokenURL == "" || clientID == "" || clientSecret == "" {
		return nil, errors.New("baseUrl, tokenUrl, clientId and clientSecret are required")
	}
	source, _ := config["sourceName"].(string)
	if source == "" {
		source = "pms"
	}

	oauth := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
	}
	client := oauth.Client(context.Background())
	client.Timeout = 15 * time.Second

	return &RESTAdapter{baseURL: baseURL, source: source, client: client}, nil
}

// wireReservation is the provider's JSON shape.
type wireReservation struct {
	ConfirmationNumber string `json:"confirmationNumber"`
	Status             string `json:"status"`
	RoomNumber         string `json:"roomNumber"`
	RoomType           string `json:"roomType"`
	ArrivalDate        string `json:"arrivalDate"`
	DepartureDate      string `json:"departureDate"`
	Adults             int    `json:"adults"`
	Children           int    `json:"children"`
	Notes              string `json:"notes"`
	Guest              struct {
		ID        string `json:"id"`
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
		Phone     string `json:"phone"`
		Email     string `json:"email"`
		VIPTier   string `json:"vipTier"`
	} `json:"guest"`
}

func (a *RESTAdapter) GetModifiedReservations(ctx context.Context, since time.Time) ([]*apps.NormalizedReservation, error) {
	endpoint := a.baseURL + "/reservations?modifiedSince=" + url.QueryEscape(since.UTC().Format(time.RFC3339))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "pms request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("pms returned status %d", resp.StatusCode)
	}

	var wire []wireReservation
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<22)).Decode(&wire); err != nil {
		return nil, errors.Wrap(err, "failed to decode reservations")
	}

	normalized := make([]*apps.NormalizedReservation, 0, len(wire))
	for _, w := range wire {
		normalized = append(normalized, &apps.NormalizedReservation{
			ConfirmationNumber: w.ConfirmationNumber,
			Status:             mapStatus(w.Status),
			RoomNumber:         w.RoomNumber,
			RoomType:           w.RoomType,
			ArrivalDate:        w.ArrivalDate,
			DepartureDate:      w.DepartureDate,
			Adults:             w.Adults,
			Children:           w.Children,
			Notes:              w.Notes,
			Guest: apps.NormalizedGuest{
				FirstName:  w.Guest.FirstName,
				LastName:   w.Guest.LastName,
				Phone:      w.Guest.Phone,
				Email:      w.Guest.Email,
				VIPTier:    w.Guest.VIPTier,
				ExternalID: w.Guest.ID,
				Source:     a.source,
			},
		})
	}
	return normalized, nil
}

// mapStatus folds provider status vocabulary onto ours; unknown values stay
// confirmed rather than invent state.
func mapStatus(s string) store.ReservationStatus {
	switch s {
	case "in_house", "inhouse", "checked_in":
		return store.ReservationInHouse
	case "checked_out", "departed":
		return store.ReservationCheckedOut
	case "cancelled", "canceled":
		return store.ReservationCancelled
	case "no_show":
		return store.ReservationNoShow
	default:
		return store.ReservationConfirmed
	}
}

func (a *RESTAdapter) TestConnection(ctx context.Context) *apps.ConnectionTestResult {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/reservations?modifiedSince="+url.QueryEscape(time.Now().UTC().Format(time.RFC3339)), nil)
	if err != nil {
		return &apps.ConnectionTestResult{Success: false, Message: err.Error()}
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return &apps.ConnectionTestResult{Success: false, Message: err.Error(), LatencyMs: time.Since(start).Milliseconds()}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return &apps.ConnectionTestResult{
			Success:   false,
			Message:   "pms rejected the request",
			Details:   map[string]any{"status": resp.StatusCode},
			LatencyMs: time.Since(start).Milliseconds(),
		}
	}
	return &apps.ConnectionTestResult{Success: true, Message: "connected", LatencyMs: time.Since(start).Milliseconds()}
}

func (a *RESTAdapter) Close() error { return nil }
