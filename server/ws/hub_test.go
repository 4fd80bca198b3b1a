package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/butler/events"
	"github.com/hrygo/butler/internal/profile"
	"github.com/hrygo/butler/internal/util"
	"github.com/hrygo/butler/server/auth"
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

func newHubServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.Handle(w, r)
	}))
	t.Cleanup(server.Close)
	return server
}

func dial(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func dialWithOrigin(server *httptest.Server, origin string) (*websocket.Conn, *http.Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	return websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{origin}},
	})
}

func readFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func TestStaffSocketUnauthenticatedGetsWelcomeOnly(t *testing.T) {
	hub := NewHub(auth.NewSigner("test-secret"))
	server := newHubServer(t, hub)

	conn := dial(t, server, "")
	frame := readFrame(t, conn, 2*time.Second)
	assert.Equal(t, "connected", frame["type"])
	payload := frame["payload"].(map[string]any)
	assert.Equal(t, false, payload["authenticated"])

	// Broadcasts skip unauthenticated sockets: a ping still round-trips
	// afterwards, proving nothing else was queued for this socket.
	hub.Broadcast(events.TopicTaskStats, map[string]any{"pending": 1})
	writeFrame(t, conn, Frame{Type: "ping"})
	frame = readFrame(t, conn, 2*time.Second)
	assert.Equal(t, "pong", frame["type"])
}

func TestStaffSocketAuthenticatedFlow(t *testing.T) {
	signer := auth.NewSigner("test-secret")
	hub := NewHub(signer)
	server := newHubServer(t, hub)

	token, err := signer.IssueAccessToken("usr_1", "manager")
	require.NoError(t, err)
	conn := dial(t, server, "?token="+token)

	frame := readFrame(t, conn, 2*time.Second)
	require.Equal(t, "connected", frame["type"])
	assert.Equal(t, true, frame["payload"].(map[string]any)["authenticated"])

	writeFrame(t, conn, Frame{Type: "subscribe", Topic: "stats:tasks"})
	frame = readFrame(t, conn, 2*time.Second)
	assert.Equal(t, "subscribed", frame["type"])

	writeFrame(t, conn, Frame{Type: "bogus"})
	frame = readFrame(t, conn, 2*time.Second)
	assert.Equal(t, "error", frame["type"])
	assert.Contains(t, frame["payload"].(map[string]any)["message"], "bogus")
}

// Browser upgrades from hosts outside the allowlist must be refused at the
// handshake; requests without an Origin header (native clients) still pass.
func TestStaffSocketOriginAllowlist(t *testing.T) {
	hub := NewHub(auth.NewSigner("test-secret")).WithOriginPatterns("butler.example.com")
	server := newHubServer(t, hub)

	conn, resp, err := dialWithOrigin(server, "https://evil.example.com")
	require.Error(t, err)
	require.Nil(t, conn)
	if resp != nil {
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	}

	conn, _, err = dialWithOrigin(server, "https://butler.example.com")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	frame := readFrame(t, conn, 2*time.Second)
	assert.Equal(t, "connected", frame["type"])

	conn = dial(t, server, "") // no Origin header
	frame = readFrame(t, conn, 2*time.Second)
	assert.Equal(t, "connected", frame["type"])
}

func TestSendToUserTargetsOnlyThatUser(t *testing.T) {
	signer := auth.NewSigner("test-secret")
	hub := NewHub(signer)
	server := newHubServer(t, hub)

	tokenA, err := signer.IssueAccessToken("usr_a", "agent")
	require.NoError(t, err)
	tokenB, err := signer.IssueAccessToken("usr_b", "agent")
	require.NoError(t, err)

	connA := dial(t, server, "?token="+tokenA)
	connB := dial(t, server, "?token="+tokenB)
	readFrame(t, connA, 2*time.Second) // connected
	readFrame(t, connB, 2*time.Second)

	require.Eventually(t, func() bool { return hub.ActiveConnections() == 2 }, time.Second, 10*time.Millisecond)

	hub.SendToUser("usr_a", &Frame{Type: "staff.notification", Payload: map[string]any{"title": "hello"}})

	frame := readFrame(t, connA, 2*time.Second)
	assert.Equal(t, "staff.notification", frame["type"])

	// B sees nothing but its own pong.
	writeFrame(t, connB, Frame{Type: "ping"})
	frame = readFrame(t, connB, 2*time.Second)
	assert.Equal(t, "pong", frame["type"])
}

// Two staff sockets watch the console while a task completes; both must see
// a fresh stats:tasks snapshot shortly after the event.
func TestStatsBroadcastReachesAllStaffSockets(t *testing.T) {
	st := newTestStore(t)
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	signer := auth.NewSigner("test-secret")
	hub := NewHub(signer)
	bridge := events.NewStatsBridge(bus, st, hub)
	hub.SetStatsFlusher(bridge)
	server := newHubServer(t, hub)

	token, err := signer.IssueAccessToken("usr_1", "manager")
	require.NoError(t, err)
	conns := []*websocket.Conn{
		dial(t, server, "?token="+token),
		dial(t, server, "?token="+token),
	}
	// Drain the welcome and the initial snapshot frames.
	for _, conn := range conns {
		deadline := time.Now().Add(2 * time.Second)
		for {
			frame := readFrame(t, conn, time.Until(deadline))
			if frame["type"] == events.TopicApprovalStats {
				break
			}
		}
	}

	task, err := st.CreateTask(context.Background(), &store.Task{
		ID:       util.GenID("tsk"),
		Title:    "Deliver towels",
		Status:   store.TaskPending,
		Priority: store.PriorityStandard,
	})
	require.NoError(t, err)
	completed := store.TaskCompleted
	_, err = st.UpdateTask(context.Background(), &store.UpdateTask{ID: task.ID, Status: &completed})
	require.NoError(t, err)

	start := time.Now()
	bus.Emit(events.TaskCompleted, task)

	expected, err := st.GetTaskStats(context.Background())
	require.NoError(t, err)

	for _, conn := range conns {
		var frame map[string]any
		deadline := time.Now().Add(time.Second)
		for {
			frame = readFrame(t, conn, time.Until(deadline))
			if frame["type"] == events.TopicTaskStats {
				break
			}
		}
		assert.Less(t, time.Since(start), 500*time.Millisecond, "snapshot must arrive promptly after the debounce window")
		payload := frame["payload"].(map[string]any)
		assert.EqualValues(t, expected.CompletedToday, payload["completedToday"])
		assert.EqualValues(t, expected.Pending, payload["pending"])
	}
}
