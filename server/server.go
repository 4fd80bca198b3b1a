// Package server exposes the HTTP surface: provider webhooks, the two
// websocket endpoints, liveness and metrics.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/hrygo/butler/internal/errs"
	"github.com/hrygo/butler/internal/profile"
	"github.com/hrygo/butler/metrics"
	"github.com/hrygo/butler/pipeline"
	"github.com/hrygo/butler/plugin/apps"
	"github.com/hrygo/butler/server/ws"
	"github.com/hrygo/butler/store"
)

// Processor is the slice of the pipeline the webhook routes invoke.
type Processor interface {
	Process(ctx context.Context, in *pipeline.Inbound) (*pipeline.Outbound, error)
}

// ChannelSource yields live channel adapters from the registry.
type ChannelSource interface {
	ActiveChannel(channel store.ChannelType) apps.ChannelAdapter
}

type Server struct {
	echo    *echo.Echo
	profile *profile.Profile
	store   *store.Store

	processor Processor
	channels  ChannelSource
	hub       *ws.Hub
	chat      *ws.ChatGateway
	metrics   *metrics.Metrics
}

func NewServer(p *profile.Profile, st *store.Store, processor Processor, channels ChannelSource, hub *ws.Hub, chat *ws.ChatGateway, m *metrics.Metrics) *Server {
	s := &Server{
		echo:      echo.New(),
		profile:   p,
		store:     st,
		processor: processor,
		channels:  channels,
		hub:       hub,
		chat:      chat,
		metrics:   m,
	}

	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.errorHandler
	e.Use(middleware.Recover())
	e.Use(requestLogger())
	e.Use(newRateLimiter().Middleware())

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if m != nil {
		e.GET("/metrics", echo.WrapHandler(m.Handler()))
	}

	e.POST("/webhooks/twilio", s.handleTwilioInbound)
	e.POST("/webhooks/twilio/status", s.handleTwilioStatus)
	e.GET("/webhooks/whatsapp", s.handleWhatsAppVerify)
	e.POST("/webhooks/whatsapp", s.handleWhatsAppInbound)
	e.POST("/webhooks/telegram", s.handleTelegramInbound)

	e.GET("/ws", func(c echo.Context) error {
		return s.hub.Handle(c.Response(), c.Request())
	})
	e.GET("/ws/chat", func(c echo.Context) error {
		return s.chat.Handle(c.Response(), c.Request())
	})

	return s
}

// Echo exposes the router for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Start binds and serves until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.profile.Addr, s.profile.Port)
	slog.Info("http server listening", "addr", addr)
	return s.echo.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shut down http server", "error", err)
	}
}

// errorHandler maps typed errors onto HTTP statuses and keeps internals out
// of responses.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := errs.HTTPStatus(err)
	message := errs.PublicMessage(err)
	if httpErr, ok := err.(*echo.HTTPError); ok {
		status = httpErr.Code
		if m, ok := httpErr.Message.(string); ok {
			message = m
		}
	}

	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "method", c.Request().Method, "path", c.Path(), "error", err)
	}
	if err := c.JSON(status, map[string]string{"message": message}); err != nil {
		slog.Error("failed to write error response", "error", err)
	}
}

func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if c.Path() == "/healthz" {
				return err
			}
			slog.Info("http request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
			return err
		}
	}
}
