package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/butler/internal/errs"
	"github.com/hrygo/butler/pipeline"
	"github.com/hrygo/butler/plugin/apps"
	"github.com/hrygo/butler/plugin/channels/telegram"
	"github.com/hrygo/butler/plugin/channels/twilio"
	"github.com/hrygo/butler/plugin/channels/whatsapp"
	"github.com/hrygo/butler/store"
)

const (
	sendTimeout     = 15 * time.Second
	textOnlyReply   = "Sorry, I can only read text messages right now. Please send your request as text."
	maxWebhookBody  = 1 << 20
	twilioSignature = "X-Twilio-Signature"
)

// handleTwilioInbound receives provider form posts for the short-message
// channel. The reply goes out through the REST API; the webhook response is
// always the empty TwiML envelope.
func (s *Server) handleTwilioInbound(c echo.Context) error {
	adapter := s.channels.ActiveChannel(store.ChannelSMS)
	if adapter == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "sms channel not configured")
	}

	if err := c.Request().ParseForm(); err != nil {
		return errs.Wrap(err, errs.Validation, "malformed form payload")
	}
	form := c.Request().PostForm

	if signer, ok := adapter.(interface{ AuthToken() string }); ok {
		if !twilio.ValidateSignature(signer.AuthToken(), s.webhookURL(c), form, c.Request().Header.Get(twilioSignature)) {
			s.rejectWebhook("twilio", "signature")
			return echo.NewHTTPError(http.StatusForbidden, "invalid signature")
		}
	}

	from := form.Get("From")
	if numMedia := form.Get("NumMedia"); numMedia != "" && numMedia != "0" {
		s.sendOutOfBand(adapter, from, textOnlyReply, nil)
		return twiml(c)
	}

	out, err := s.processor.Process(c.Request().Context(), &pipeline.Inbound{
		Channel:          store.ChannelSMS,
		ChannelID:        from,
		Content:          form.Get("Body"),
		ChannelMessageID: form.Get("MessageSid"),
		Timestamp:        time.Now().UTC(),
	})
	if err != nil {
		// Empty or oversized bodies get acknowledged without a reply; the
		// provider should not retry them.
		if errs.CodeOf(err) == errs.Validation {
			return twiml(c)
		}
		return err
	}
	if out.Deliver {
		s.sendOutOfBand(adapter, from, out.Message.Content, out.Message)
	}
	return twiml(c)
}

// handleTwilioStatus maps provider delivery callbacks onto the stored
// outbound message.
func (s *Server) handleTwilioStatus(c echo.Context) error {
	if err := c.Request().ParseForm(); err != nil {
		return errs.Wrap(err, errs.Validation, "malformed form payload")
	}
	sid := c.Request().PostForm.Get("MessageSid")
	providerStatus := c.Request().PostForm.Get("MessageStatus")
	if sid == "" || providerStatus == "" {
		return errs.New(errs.Validation, "MessageSid and MessageStatus are required")
	}

	msg, err := s.store.GetMessage(c.Request().Context(), &store.FindMessage{ChannelMessageID: &sid})
	if err != nil {
		return err
	}
	if msg == nil {
		// Callbacks can outlive their message rows; acknowledge anyway.
		return c.NoContent(http.StatusNoContent)
	}

	status := twilio.MapDeliveryStatus(providerStatus)
	if _, err := s.store.UpdateMessage(c.Request().Context(), &store.UpdateMessage{
		ID:             msg.ID,
		DeliveryStatus: &status,
	}); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// handleWhatsAppVerify answers the cloud API subscription handshake.
func (s *Server) handleWhatsAppVerify(c echo.Context) error {
	adapter := s.channels.ActiveChannel(store.ChannelWhatsApp)
	verifier, ok := adapter.(interface {
		VerifyWebhook(mode, token, challenge string) (string, bool)
	})
	if !ok {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "whatsapp channel not configured")
	}

	challenge, ok := verifier.VerifyWebhook(
		c.QueryParam("hub.mode"),
		c.QueryParam("hub.verify_token"),
		c.QueryParam("hub.challenge"),
	)
	if !ok {
		s.rejectWebhook("whatsapp", "verify_token")
		return echo.NewHTTPError(http.StatusForbidden, "verification failed")
	}
	return c.String(http.StatusOK, challenge)
}

func (s *Server) handleWhatsAppInbound(c echo.Context) error {
	adapter := s.channels.ActiveChannel(store.ChannelWhatsApp)
	if adapter == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "whatsapp channel not configured")
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return errs.Wrap(err, errs.Validation, "unreadable payload")
	}
	messages, err := whatsapp.ParseInbound(body)
	if err != nil {
		return errs.Wrap(err, errs.Validation, "malformed webhook payload")
	}

	for _, m := range messages {
		out, err := s.processor.Process(c.Request().Context(), &pipeline.Inbound{
			Channel:          store.ChannelWhatsApp,
			ChannelID:        m.From,
			Content:          m.Text,
			ChannelMessageID: m.MessageID,
			Timestamp:        time.Now().UTC(),
		})
		if err != nil {
			if errs.CodeOf(err) == errs.Validation {
				continue
			}
			return err
		}
		if out.Deliver {
			s.sendOutOfBand(adapter, m.From, out.Message.Content, out.Message)
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "received"})
}

func (s *Server) handleTelegramInbound(c echo.Context) error {
	adapter := s.channels.ActiveChannel(store.ChannelTelegram)
	if adapter == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "telegram channel not configured")
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return errs.Wrap(err, errs.Validation, "unreadable payload")
	}
	inbound, err := telegram.ParseUpdate(body)
	if err != nil {
		return errs.Wrap(err, errs.Validation, "malformed update")
	}
	if inbound == nil {
		return c.NoContent(http.StatusOK)
	}

	out, err := s.processor.Process(c.Request().Context(), &pipeline.Inbound{
		Channel:          store.ChannelTelegram,
		ChannelID:        inbound.ChatID,
		Content:          inbound.Text,
		ChannelMessageID: inbound.MessageID,
		Timestamp:        time.Now().UTC(),
	})
	if err != nil {
		if errs.CodeOf(err) == errs.Validation {
			return c.NoContent(http.StatusOK)
		}
		return err
	}
	if out.Deliver {
		s.sendOutOfBand(adapter, inbound.ChatID, out.Message.Content, out.Message)
	}
	return c.NoContent(http.StatusOK)
}

// sendOutOfBand delivers a reply on the channel without blocking the webhook
// response, then records the provider message id and delivery state.
func (s *Server) sendOutOfBand(adapter apps.ChannelAdapter, to, content string, msg *store.Message) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()

		result, err := adapter.Send(ctx, to, &apps.OutboundMessage{Content: content, ContentType: "text/plain"})
		if msg == nil {
			if err != nil {
				slog.Warn("failed to send canned reply", "to", to, "error", err)
			}
			return
		}

		update := &store.UpdateMessage{ID: msg.ID}
		status := store.DeliveryFailed
		if err == nil && result.Status == "sent" {
			status = store.DeliverySent
			if result.ChannelMessageID != "" {
				update.ChannelMessageID = &result.ChannelMessageID
			}
		} else if err != nil {
			slog.Warn("channel send failed", "to", to, "message", msg.ID, "error", err)
		}
		update.DeliveryStatus = &status
		if _, err := s.store.UpdateMessage(ctx, update); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("failed to record delivery state", "message", msg.ID, "error", err)
		}
	}()
}

// webhookURL reconstructs the externally visible request URL the provider
// signed. The instance URL takes precedence over whatever host the reverse
// proxy forwarded.
func (s *Server) webhookURL(c echo.Context) string {
	if s.profile.InstanceURL != "" {
		return s.profile.InstanceURL + c.Request().URL.RequestURI()
	}
	scheme := c.Scheme()
	return scheme + "://" + c.Request().Host + c.Request().URL.RequestURI()
}

func (s *Server) rejectWebhook(route, reason string) {
	if s.metrics != nil {
		s.metrics.WebhookRejections.WithLabelValues(route, reason).Inc()
	}
}

func twiml(c echo.Context) error {
	return c.Blob(http.StatusOK, "text/xml", []byte(twilio.EmptyTwiML))
}
