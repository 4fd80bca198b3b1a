// Package twilio implements the short-message channel over the Twilio REST
// API, plus the webhook signature scheme and TwiML bits the inbound route
// needs.
package twilio

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/hrygo/butler/plugin/apps"
	"github.com/hrygo/butler/store"
)

const apiBase = "https://api.twilio.com/2010-04-01"

// EmptyTwiML is the response body webhooks return when the reply is sent
// out of band.
const EmptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

func Manifest() apps.Manifest {
	return apps.Manifest{
		ID:          "twilio",
		Name:        "Twilio SMS",
		Category:    store.CategoryChannel,
		Version:     "1.0.0",
		Description: "Two-way SMS through the Twilio messaging API.",
		ChannelType: store.ChannelSMS,
		ConfigSchema: []apps.ConfigField{
			{Key: "accountSid", Label: "Account SID", Type: apps.FieldText, Required: true},
			{Key: "authToken", Label: "Auth token", Type: apps.FieldPassword, Required: true},
			{Key: "fromNumber", Label: "From number", Type: apps.FieldText, Required: true, Placeholder: "+15550001111"},
		},
		Capabilities: []string{apps.CapInbound, apps.CapOutbound},
	}
}

func Register(registry *apps.Registry) {
	registry.Register(apps.Registration{
		Manifest: Manifest(),
		Factory: func(config map[string]any) (apps.Provider, error) {
			return NewAdapter(config)
		},
	})
}

// Adapter sends SMS through Twilio and validates inbound webhooks.
type Adapter struct {
	accountSID string
	authToken  string
	from       string
	client     *http.Client
	limiter    *rate.Limiter
}

func NewAdapter(config map[string]any) (*Adapter, error) {
	sid, _ := config["accountSid"].(string)
	token, _ := config["authToken"].(string)
	from, _ := config["fromNumber"].(string)
	if sid == "" || token == "" || from == "" {
		return nil, errors.New("accountSid, authToken and fromNumber are required")
	}
	return &Adapter{
		accountSID: sid,
		authToken:  token,
		from:       from,
		client:     &http.Client{Timeout: 15 * time.Second},
		// Twilio long codes sustain about one message per second.
		limiter: rate.NewLimiter(rate.Limit(1), 5),
	}, nil
}

func (a *Adapter) Send(ctx context.Context, to string, msg *apps.OutboundMessage) (*apps.SendResult, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "rate limit wait interrupted")
	}

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", a.from)
	form.Set("Body", msg.Content)

	endpoint := apiBase + "/Accounts/" + a.accountSID + "/Messages.json"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}
	req.SetBasicAuth(a.accountSID, a.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "twilio request failed")
	}
	defer resp.Body.Close()

	var body struct {
		Sid     string `json:"sid"`
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body); err != nil {
		return nil, errors.Wrap(err, "failed to decode twilio response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &apps.SendResult{Status: "failed", Error: body.Message}, nil
	}
	return &apps.SendResult{Status: "sent", ChannelMessageID: body.Sid}, nil
}

func (a *Adapter) TestConnection(ctx context.Context) *apps.ConnectionTestResult {
	start := time.Now()
	endpoint := apiBase + "/Accounts/" + a.accountSID + ".json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &apps.ConnectionTestResult{Success: false, Message: err.Error()}
	}
	req.SetBasicAuth(a.accountSID, a.authToken)

	resp, err := a.client.Do(req)
	if err != nil {
		return &apps.ConnectionTestResult{Success: false, Message: err.Error(), LatencyMs: time.Since(start).Milliseconds()}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return &apps.ConnectionTestResult{
			Success:   false,
			Message:   "authentication failed",
			LatencyMs: time.Since(start).Milliseconds(),
		}
	}
	return &apps.ConnectionTestResult{
		Success:   true,
		Message:   "connected",
		Details:   map[string]any{"from": a.from},
		LatencyMs: time.Since(start).Milliseconds(),
	}
}

func (a *Adapter) Close() error { return nil }

// AuthToken exposes the signing secret to the webhook route.
func (a *Adapter) AuthToken() string { return a.authToken }

// ValidateSignature checks an X-Twilio-Signature header: base64 of the
// HMAC-SHA1 over the full request URL concatenated with every form
// parameter, key then value, in key-sorted order. Comparison is constant
// time.
func ValidateSignature(authToken, requestURL string, form url.Values, signature string) bool {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var payload strings.Builder
	payload.WriteString(requestURL)
	for _, k := range keys {
		for _, v := range form[k] {
			payload.WriteString(k)
			payload.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(payload.String()))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// MapDeliveryStatus folds Twilio status callback values onto our delivery
// states.
func MapDeliveryStatus(provider string) store.DeliveryStatus {
	switch strings.ToLower(provider) {
	case "queued", "accepted", "sending", "scheduled":
		return store.DeliveryPending
	case "sent":
		return store.DeliverySent
	case "delivered", "read":
		return store.DeliveryDelivered
	case "failed", "undelivered", "canceled":
		return store.DeliveryFailed
	default:
		return store.DeliveryPending
	}
}
