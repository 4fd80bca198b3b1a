package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/butler/pipeline"
	"github.com/hrygo/butler/store"
)

type scriptedProcessor struct {
	fail bool
	seen []*pipeline.Inbound
}

func (p *scriptedProcessor) Process(_ context.Context, in *pipeline.Inbound) (*pipeline.Outbound, error) {
	p.seen = append(p.seen, in)
	if p.fail {
		return nil, errors.New("store unavailable")
	}
	return &pipeline.Outbound{
		Message:      &store.Message{ID: "msg_1", Content: "Checkout is at 11 AM."},
		Conversation: &store.Conversation{ID: "conv_1", State: store.ConversationActive},
		Deliver:      true,
	}, nil
}

func newChatServer(t *testing.T, gateway *ChatGateway) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = gateway.Handle(w, r)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestChatMessageRoundTrip(t *testing.T) {
	processor := &scriptedProcessor{}
	gateway := NewChatGateway(processor)
	server := newChatServer(t, gateway)

	conn := dial(t, server, "")
	frame := readFrame(t, conn, 2*time.Second)
	require.Equal(t, "connected", frame["type"])
	sessionID := frame["payload"].(map[string]any)["sessionId"].(string)
	assert.NotEmpty(t, sessionID)

	writeFrame(t, conn, chatFrame{Type: "message", Content: "what time is checkout?"})

	frame = readFrame(t, conn, 2*time.Second)
	assert.Equal(t, "typing", frame["type"])
	assert.Equal(t, true, frame["payload"].(map[string]any)["typing"])

	frame = readFrame(t, conn, 2*time.Second)
	assert.Equal(t, "typing", frame["type"])
	assert.Equal(t, false, frame["payload"].(map[string]any)["typing"])

	frame = readFrame(t, conn, 2*time.Second)
	assert.Equal(t, "message", frame["type"])
	payload := frame["payload"].(map[string]any)
	assert.Equal(t, "Checkout is at 11 AM.", payload["content"])
	assert.Equal(t, "conv_1", payload["conversationId"])

	require.Len(t, processor.seen, 1)
	assert.Equal(t, store.ChannelWebchat, processor.seen[0].Channel)
	assert.Equal(t, sessionID, processor.seen[0].ChannelID)
}

func TestChatProcessingFailureYieldsErrorFrame(t *testing.T) {
	gateway := NewChatGateway(&scriptedProcessor{fail: true})
	server := newChatServer(t, gateway)

	conn := dial(t, server, "")
	readFrame(t, conn, 2*time.Second) // connected

	writeFrame(t, conn, chatFrame{Type: "message", Content: "hello"})
	readFrame(t, conn, 2*time.Second) // typing true
	readFrame(t, conn, 2*time.Second) // typing false

	frame := readFrame(t, conn, 2*time.Second)
	assert.Equal(t, "error", frame["type"])
	// Internal detail must not leak to the guest.
	assert.Equal(t, "internal server error", frame["payload"].(map[string]any)["message"])
}

func TestChatSocketOriginAllowlist(t *testing.T) {
	gateway := NewChatGateway(&scriptedProcessor{}).WithOriginPatterns("butler.example.com")
	server := newChatServer(t, gateway)

	conn, resp, err := dialWithOrigin(server, "https://evil.example.com")
	require.Error(t, err)
	require.Nil(t, conn)
	if resp != nil {
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	}

	conn, _, err = dialWithOrigin(server, "https://butler.example.com")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(1000, "") })
	frame := readFrame(t, conn, 2*time.Second)
	assert.Equal(t, "connected", frame["type"])
}

func TestChatSessionRemovedOnClose(t *testing.T) {
	gateway := NewChatGateway(&scriptedProcessor{})
	server := newChatServer(t, gateway)

	conn := dial(t, server, "")
	readFrame(t, conn, 2*time.Second)
	require.Eventually(t, func() bool { return gateway.ActiveSessions() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close(1000, "done"))
	require.Eventually(t, func() bool { return gateway.ActiveSessions() == 0 }, time.Second, 10*time.Millisecond)
}

func TestChatKeepAliveFrames(t *testing.T) {
	gateway := NewChatGateway(&scriptedProcessor{})
	server := newChatServer(t, gateway)

	conn := dial(t, server, "")
	readFrame(t, conn, 2*time.Second)

	writeFrame(t, conn, chatFrame{Type: "ping"})
	frame := readFrame(t, conn, 2*time.Second)
	assert.Equal(t, "pong", frame["type"])

	// typing keep-alives are absorbed; the next reply is still the pong for
	// the following ping.
	writeFrame(t, conn, chatFrame{Type: "typing"})
	writeFrame(t, conn, chatFrame{Type: "ping"})
	frame = readFrame(t, conn, 2*time.Second)
	assert.Equal(t, "pong", frame["type"])
}
