// Package telegram implements the Telegram Bot channel.
package telegram

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/hrygo/butler/plugin/apps"
	"github.com/hrygo/butler/store"
)

func Manifest() apps.Manifest {
	return apps.Manifest{
		ID:          "telegram",
		Name:        "Telegram Bot",
		Category:    store.CategoryChannel,
		Version:     "1.0.0",
		Description: "Guest messaging through a Telegram bot.",
		ChannelType: store.ChannelTelegram,
		ConfigSchema: []apps.ConfigField{
			{Key: "botToken", Label: "Bot token", Type: apps.FieldPassword, Required: true},
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

type Adapter struct {
	bot     *tgbotapi.BotAPI
	limiter *rate.Limiter
}

func NewAdapter(config map[string]any) (*Adapter, error) {
	token, _ := config["botToken"].(string)
	if token == "" {
		return nil, errors.New("botToken is required")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create telegram bot")
	}
	return &Adapter{
		bot: bot,
		// Bot API allows roughly 30 messages per second overall.
		limiter: rate.NewLimiter(rate.Limit(25), 30),
	}, nil
}

// Send delivers to a chat id. The recipient is the numeric chat identifier
// as a string.
func (a *Adapter) Send(ctx context.Context, to string, msg *apps.OutboundMessage) (*apps.SendResult, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "rate limit wait interrupted")
	}
	chatID, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid telegram chat id %q", to)
	}

	sent, err := a.bot.Send(tgbotapi.NewMessage(chatID, msg.Content))
	if err != nil {
		return &apps.SendResult{Status: "failed", Error: err.Error()}, nil
	}
	return &apps.SendResult{
		Status:           "sent",
		ChannelMessageID: strconv.Itoa(sent.MessageID),
	}, nil
}

func (a *Adapter) TestConnection(_ context.Context) *apps.ConnectionTestResult {
	start := time.Now()
	me, err := a.bot.GetMe()
	if err != nil {
		return &apps.ConnectionTestResult{Success: false, Message: err.Error(), LatencyMs: time.Since(start).Milliseconds()}
	}
	return &apps.ConnectionTestResult{
		Success:   true,
		Message:   "connected",
		Details:   map[string]any{"botUsername": me.UserName},
		LatencyMs: time.Since(start).Milliseconds(),
	}
}

func (a *Adapter) Close() error { return nil }

// Inbound is one guest text message extracted from a bot update.
type Inbound struct {
	ChatID    string
	MessageID string
	Text      string
	From      string
}

// ParseUpdate extracts the text message from a webhook update. Non-text
// updates return nil.
func ParseUpdate(body []byte) (*Inbound, error) {
	var update tgbotapi.Update
	if err := json.Unmarshal(body, &update); err != nil {
		return nil, errors.Wrap(err, "failed to decode telegram update")
	}
	msg := update.Message
	if msg == nil {
		msg = update.EditedMessage
	}
	if msg == nil || msg.Text == "" {
		return nil, nil
	}
	from := ""
	if msg.From != nil {
		from = msg.From.UserName
	}
	return &Inbound{
		ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		MessageID: strconv.Itoa(msg.MessageID),
		Text:      msg.Text,
		From:      from,
	}, nil
}
