// Package whatsapp implements the instant-messaging channel on the Meta
// WhatsApp Cloud API.
package whatsapp

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/hrygo/butler/plugin/apps"
	"github.com/hrygo/butler/store"
)

const graphBase = "https://graph.facebook.com/v19.0"

func Manifest() apps.Manifest {
	return apps.Manifest{
		ID:          "whatsapp-meta",
		Name:        "WhatsApp (Meta Cloud API)",
		Category:    store.CategoryChannel,
		Version:     "1.0.0",
		Description: "Two-way WhatsApp messaging through the Meta Cloud API.",
		ChannelType: store.ChannelWhatsApp,
		ConfigSchema: []apps.ConfigField{
			{Key: "accessToken", Label: "Access token", Type: apps.FieldPassword, Required: true},
			{Key: "phoneNumberId", Label: "Phone number ID", Type: apps.FieldText, Required: true},
			{Key: "verifyToken", Label: "Webhook verify token", Type: apps.FieldPassword, Required: true},
		},
		Capabilities: []string{apps.CapInbound, apps.CapOutbound, apps.CapMedia, apps.CapTemplates},
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

type Adapter struct {
	accessToken   string
	phoneNumberID string
	verifyToken   string
	client        *http.Client
	limiter       *rate.Limiter
}

func NewAdapter(config map[string]any) (*Adapter, error) {
	token, _ := config["accessToken"].(string)
	phoneID, _ := config["phoneNumberId"].(string)
	verify, _ := config["verifyToken"].(string)
	if token == "" || phoneID == "" || verify == "" {
		return nil, errors.New("accessToken, phoneNumberId and verifyToken are required")
	}
	return &Adapter{
		accessToken:   token,
		phoneNumberID: phoneID,
		verifyToken:   verify,
		client:        &http.Client{Timeout: 15 * time.Second},
		limiter:       rate.NewLimiter(rate.Limit(10), 20),
	}, nil
}

func (a *Adapter) Send(ctx context.Context, to string, msg *apps.OutboundMessage) (*apps.SendResult, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "rate limit wait interrupted")
	}

	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "text",
		"text":              map[string]any{"body": msg.Content},
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode message")
	}

	endpoint := graphBase + "/" + a.phoneNumberID + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Authorization", "Bearer "+a.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "cloud api request failed")
	}
	defer resp.Body.Close()

	var body struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body); err != nil {
		return nil, errors.Wrap(err, "failed to decode cloud api response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := "send rejected"
		if body.Error != nil {
			msg = body.Error.Message
		}
		return &apps.SendResult{Status: "failed", Error: msg}, nil
	}

	var id string
	if len(body.Messages) > 0 {
		id = body.Messages[0].ID
	}
	return &apps.SendResult{Status: "sent", ChannelMessageID: id}, nil
}

func (a *Adapter) TestConnection(ctx context.Context) *apps.ConnectionTestResult {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, graphBase+"/"+a.phoneNumberID, nil)
	if err != nil {
		return &apps.ConnectionTestResult{Success: false, Message: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+a.accessToken)

	resp, err := a.client.Do(req)
	if err != nil {
		return &apps.ConnectionTestResult{Success: false, Message: err.Error(), LatencyMs: time.Since(start).Milliseconds()}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return &apps.ConnectionTestResult{
			Success:   false,
			Message:   "access token rejected",
			LatencyMs: time.Since(start).Milliseconds(),
		}
	}
	return &apps.ConnectionTestResult{
		Success:   true,
		Message:   "connected",
		LatencyMs: time.Since(start).Milliseconds(),
	}
}

func (a *Adapter) Close() error { return nil }

// VerifyWebhook handles the Cloud API subscription handshake: on a matching
// verify token the challenge is echoed back.
func (a *Adapter) VerifyWebhook(mode, token, challenge string) (string, bool) {
	if mode != "subscribe" {
		return "", false
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(a.verifyToken)) != 1 {
		return "", false
	}
	return challenge, true
}

// InboundMessage is one text message extracted from a webhook notification.
type InboundMessage struct {
	From      string
	MessageID string
	Text      string
	Timestamp string
}

// ParseInbound extracts text messages from a Cloud API webhook payload.
// Non-text messages are ignored.
func ParseInbound(body []byte) ([]InboundMessage, error) {
	var payload struct {
		Entry []struct {
			Changes []struct {
				Value struct {
					Messages []struct {
						From      string `json:"from"`
						ID        string `json:"id"`
						Timestamp string `json:"timestamp"`
						Type      string `json:"type"`
						Text      struct {
							Body string `json:"body"`
						} `json:"text"`
					} `json:"messages"`
				} `json:"value"`
			} `json:"changes"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, errors.Wrap(err, "failed to decode webhook payload")
	}

	var messages []InboundMessage
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, m := range change.Value.Messages {
				if m.Type != "text" {
					continue
				}
				messages = append(messages, InboundMessage{
					From:      m.From,
					MessageID: m.ID,
					Text:      m.Text.Body,
					Timestamp: m.Timestamp,
				})
			}
		}
	}
	return messages, nil
}
