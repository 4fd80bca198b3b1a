package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/hrygo/butler/internal/errs"
	"github.com/hrygo/butler/metrics"
	"github.com/hrygo/butler/pipeline"
	"github.com/hrygo/butler/store"
)

// Processor is the slice of the pipeline the chat socket invokes.
type Processor interface {
	Process(ctx context.Context, in *pipeline.Inbound) (*pipeline.Outbound, error)
}

type chatSession struct {
	id      string
	sock    *websocket.Conn
	writeMu sync.Mutex
}

// ChatGateway serves the anonymous guest chat socket. Each connection gets
// its own session id; the session only lives as long as the socket.
type ChatGateway struct {
	processor Processor
	metrics   *metrics.Metrics
	origins   []string

	mu       sync.Mutex
	sessions map[string]*chatSession
}

func NewChatGateway(processor Processor) *ChatGateway {
	return &ChatGateway{
		processor: processor,
		sessions:  make(map[string]*chatSession),
	}
}

func (g *ChatGateway) WithMetrics(m *metrics.Metrics) *ChatGateway {
	g.metrics = m
	return g
}

// WithOriginPatterns allows browser upgrades from the given host patterns in
// addition to same-origin requests.
func (g *ChatGateway) WithOriginPatterns(patterns ...string) *ChatGateway {
	g.origins = patterns
	return g
}

// ActiveSessions reports the number of open guest sockets.
func (g *ChatGateway) ActiveSessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

type chatFrame struct {
	Type        string `json:"type"`
	Content     string `json:"content,omitempty"`
	ContentType string `json:"contentType,omitempty"`
}

// Handle upgrades the request and runs the guest session until the socket
// closes. No authentication; identity is the per-connection session id.
func (g *ChatGateway) Handle(w http.ResponseWriter, r *http.Request) error {
	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: g.origins})
	if err != nil {
		return err
	}

	session := &chatSession{id: uuid.New().String(), sock: sock}
	g.mu.Lock()
	g.sessions[session.id] = session
	g.mu.Unlock()
	if g.metrics != nil {
		g.metrics.SocketConnections.WithLabelValues("guest").Inc()
	}
	defer func() {
		g.mu.Lock()
		delete(g.sessions, session.id)
		g.mu.Unlock()
		if g.metrics != nil {
			g.metrics.SocketConnections.WithLabelValues("guest").Dec()
		}
		_ = sock.Close(websocket.StatusNormalClosure, "")
	}()

	g.send(session, &Frame{Type: "connected", Payload: map[string]any{
		"sessionId": session.id,
	}})

	ctx := r.Context()
	for {
		_, data, err := sock.Read(ctx)
		if err != nil {
			return nil
		}
		var frame chatFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			g.send(session, &Frame{Type: "error", Payload: map[string]any{"message": "malformed frame"}})
			continue
		}

		switch frame.Type {
		case "message":
			g.handleMessage(ctx, session, &frame)
		case "ping":
			g.send(session, &Frame{Type: "pong"})
		case "typing":
			// Keep-alive only.
		default:
			g.send(session, &Frame{Type: "error", Payload: map[string]any{
				"message": "unknown frame type: " + frame.Type,
			}})
		}
	}
}

func (g *ChatGateway) handleMessage(ctx context.Context, session *chatSession, frame *chatFrame) {
	g.send(session, &Frame{Type: "typing", Payload: map[string]any{"typing": true}})

	out, err := g.processor.Process(ctx, &pipeline.Inbound{
		Channel:     store.ChannelWebchat,
		ChannelID:   session.id,
		Content:     frame.Content,
		ContentType: frame.ContentType,
		Timestamp:   time.Now().UTC(),
	})

	g.send(session, &Frame{Type: "typing", Payload: map[string]any{"typing": false}})

	if err != nil {
		slog.Warn("chat message processing failed", "session", session.id, "error", err)
		g.send(session, &Frame{Type: "error", Payload: map[string]any{
			"message": errs.PublicMessage(err),
		}})
		return
	}

	g.send(session, &Frame{Type: "message", Payload: map[string]any{
		"content":        out.Message.Content,
		"conversationId": out.Conversation.ID,
		"escalated":      out.Escalated,
	}})
}

func (g *ChatGateway) send(session *chatSession, frame *Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	session.writeMu.Lock()
	defer session.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := session.sock.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Warn("failed to write to chat socket", "session", session.id, "error", err)
	}
}
