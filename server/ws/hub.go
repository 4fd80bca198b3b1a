// Package ws serves the two websocket surfaces: the staff console socket
// and the anonymous guest chat socket.
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

	"github.com/hrygo/butler/metrics"
	"github.com/hrygo/butler/server/auth"
)

const (
	writeTimeout      = 5 * time.Second
	heartbeatInterval = 30 * time.Second
	pingTimeout       = 10 * time.Second
)

// Frame is the JSON envelope exchanged on both sockets.
type Frame struct {
	Type    string `json:"type"`
	Topic   string `json:"topic,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// StatsFlusher seeds a freshly connected staff socket with current numbers.
// Implemented by events.StatsBridge.
type StatsFlusher interface {
	Flush()
}

type staffConn struct {
	id            string
	userID        string
	role          string
	authenticated bool
	sock          *websocket.Conn
	cancel        context.CancelFunc

	writeMu sync.Mutex

	aliveMu sync.Mutex
	alive   bool
}

func (c *staffConn) setAlive(v bool) {
	c.aliveMu.Lock()
	c.alive = v
	c.aliveMu.Unlock()
}

func (c *staffConn) isAlive() bool {
	c.aliveMu.Lock()
	defer c.aliveMu.Unlock()
	return c.alive
}

// Hub owns the staff sockets. It implements events.Broadcaster so the stats
// bridge can push snapshots straight to the console.
type Hub struct {
	signer  *auth.Signer
	stats   StatsFlusher
	metrics *metrics.Metrics
	origins []string

	mu     sync.RWMutex
	conns  map[string]*staffConn
	byUser map[string]map[string]*staffConn
}

func NewHub(signer *auth.Signer) *Hub {
	return &Hub{
		signer: signer,
		conns:  make(map[string]*staffConn),
		byUser: make(map[string]map[string]*staffConn),
	}
}

// SetStatsFlusher wires the stats bridge in after construction; the bridge
// itself is built with the hub as its broadcaster.
func (h *Hub) SetStatsFlusher(f StatsFlusher) { h.stats = f }

func (h *Hub) WithMetrics(m *metrics.Metrics) *Hub {
	h.metrics = m
	return h
}

// WithOriginPatterns allows browser upgrades from the given host patterns in
// addition to same-origin requests.
func (h *Hub) WithOriginPatterns(patterns ...string) *Hub {
	h.origins = patterns
	return h
}

// Handle upgrades the request and runs the connection until it closes.
// Unauthenticated upgrades are allowed but only ever see the welcome frame
// and ping replies.
func (h *Hub) Handle(w http.ResponseWriter, r *http.Request) error {
	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(r.Context())
	conn := &staffConn{
		id:     uuid.New().String(),
		sock:   sock,
		cancel: cancel,
		alive:  true,
	}
	if claims, err := h.signer.VerifyAccessToken(r.URL.Query().Get("token")); err == nil {
		conn.authenticated = true
		conn.userID = claims.UserID
		conn.role = claims.Role
	}

	h.register(conn)
	defer h.unregister(conn)

	h.send(conn, &Frame{Type: "connected", Payload: map[string]any{
		"authenticated": conn.authenticated,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	}})
	if conn.authenticated && h.stats != nil {
		h.stats.Flush()
	}

	for {
		_, data, err := sock.Read(ctx)
		if err != nil {
			return nil
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.send(conn, &Frame{Type: "error", Payload: map[string]any{"message": "malformed frame"}})
			continue
		}
		h.handleFrame(conn, &frame)
	}
}

func (h *Hub) handleFrame(conn *staffConn, frame *Frame) {
	switch frame.Type {
	case "ping":
		conn.setAlive(true)
		h.send(conn, &Frame{Type: "pong"})
	case "subscribe":
		// Topic filtering is reserved; every authenticated socket currently
		// receives all topics.
		h.send(conn, &Frame{Type: "subscribed", Topic: frame.Topic})
	default:
		h.send(conn, &Frame{Type: "error", Payload: map[string]any{
			"message": "unknown frame type: " + frame.Type,
		}})
	}
}

// RunHeartbeat terminates connections that miss one heartbeat. Each tick
// marks every connection not-alive and pings it; the pong flips the flag
// back before the next tick.
func (h *Hub) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep(ctx)
		}
	}
}

func (h *Hub) sweep(ctx context.Context) {
	h.mu.RLock()
	conns := make([]*staffConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if !c.isAlive() {
			slog.Info("terminating unresponsive staff socket", "connection", c.id, "user", c.userID)
			_ = c.sock.Close(websocket.StatusGoingAway, "heartbeat missed")
			c.cancel()
			continue
		}
		c.setAlive(false)
		go func(c *staffConn) {
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			defer cancel()
			if err := c.sock.Ping(pingCtx); err == nil {
				c.setAlive(true)
			}
		}(c)
	}
}

// Broadcast writes a topic frame to every authenticated staff socket.
func (h *Hub) Broadcast(topic string, payload any) {
	h.mu.RLock()
	conns := make([]*staffConn, 0, len(h.conns))
	for _, c := range h.conns {
		if c.authenticated {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	frame := &Frame{Type: topic, Payload: payload}
	for _, c := range conns {
		h.send(c, frame)
	}
}

// SendToUser writes a frame to every connection of one staff user.
func (h *Hub) SendToUser(userID string, frame *Frame) {
	h.mu.RLock()
	conns := make([]*staffConn, 0, len(h.byUser[userID]))
	for _, c := range h.byUser[userID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		h.send(c, frame)
	}
}

// ActiveConnections reports the number of open staff sockets.
func (h *Hub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) register(c *staffConn) {
	h.mu.Lock()
	h.conns[c.id] = c
	if c.authenticated {
		if h.byUser[c.userID] == nil {
			h.byUser[c.userID] = make(map[string]*staffConn)
		}
		h.byUser[c.userID][c.id] = c
	}
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.SocketConnections.WithLabelValues("staff").Inc()
	}
}

func (h *Hub) unregister(c *staffConn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	if c.authenticated {
		delete(h.byUser[c.userID], c.id)
		if len(h.byUser[c.userID]) == 0 {
			delete(h.byUser, c.userID)
		}
	}
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.SocketConnections.WithLabelValues("staff").Dec()
	}
	c.cancel()
	_ = c.sock.Close(websocket.StatusNormalClosure, "")
}

// send serializes writes per socket and bounds each by the write timeout.
func (h *Hub) send(c *staffConn, frame *Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Warn("failed to encode frame", "connection", c.id, "error", err)
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := c.sock.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Warn("failed to write to staff socket", "connection", c.id, "error", err)
	}
}
