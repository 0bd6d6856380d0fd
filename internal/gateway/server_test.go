package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatgate/chatgate/internal/config"
	"github.com/chatgate/chatgate/internal/queue"
	"github.com/chatgate/chatgate/internal/store"
)

// stubDispatcher records enqueued entries and can simulate queue errors
type stubDispatcher struct {
	mu      sync.Mutex
	entries []*queue.Entry
	err     error
}

func (d *stubDispatcher) Enqueue(entry *queue.Entry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.entries = append(d.entries, entry)
	return nil
}

func (d *stubDispatcher) setErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *stubDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

func (d *stubDispatcher) last() *queue.Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.entries) == 0 {
		return nil
	}
	return d.entries[len(d.entries)-1]
}

type testEnv struct {
	server     *Server
	dispatcher *stubDispatcher
	store      *store.Store
	httpServer *httptest.Server
	userID     string
	token      string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	user, err := st.CreateUser("u1", "pw")
	require.NoError(t, err)
	token, err := st.CreateSession(user.ID, time.Hour)
	require.NoError(t, err)

	cfg := config.Default()
	srv := NewServer(cfg, st)
	dispatcher := &stubDispatcher{}
	srv.SetDispatcher(dispatcher)

	httpServer := httptest.NewServer(srv.Handler())
	t.Cleanup(httpServer.Close)

	return &testEnv{
		server:     srv,
		dispatcher: dispatcher,
		store:      st,
		httpServer: httpServer,
		userID:     user.ID,
		token:      token,
	}
}

func (env *testEnv) wsURL(token string) string {
	url := "ws" + strings.TrimPrefix(env.httpServer.URL, "http") + "/ws"
	if token != "" {
		url += "?token=" + token
	}
	return url
}

func (env *testEnv) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(env.wsURL(token), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) *Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var event Event
	require.NoError(t, conn.ReadJSON(&event))
	return &event
}

func TestHandshakeAuthenticated(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, env.token)

	event := readEvent(t, conn)
	assert.Equal(t, EventTypeConnected, event.Type)
	assert.Equal(t, env.userID, event.UserID)
	assert.Equal(t, "u1", event.Username)
}

func TestHandshakeBearerHeader(t *testing.T) {
	env := newTestEnv(t)

	header := http.Header{"Authorization": []string{"Bearer " + env.token}}
	conn, _, err := websocket.DefaultDialer.Dial(env.wsURL(""), header)
	require.NoError(t, err)
	defer conn.Close()

	event := readEvent(t, conn)
	assert.Equal(t, EventTypeConnected, event.Type)
}

func TestHandshakeRejected(t *testing.T) {
	tests := []struct {
		name  string
		token string
	}{
		{"missing token", ""},
		{"invalid token", "bogus"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			conn := env.dial(t, tt.token)

			event := readEvent(t, conn)
			assert.Equal(t, EventTypeError, event.Type)
			assert.Equal(t, "not authenticated", event.Error)
		})
	}
}

func TestUnauthenticatedChatRejected(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "")

	// Discard the handshake rejection
	event := readEvent(t, conn)
	require.Equal(t, EventTypeError, event.Type)

	require.NoError(t, conn.WriteJSON(&Event{Type: EventTypeChat, Content: "hello"}))

	// Exactly one error event, nothing enqueued
	event = readEvent(t, conn)
	assert.Equal(t, EventTypeError, event.Type)
	assert.Equal(t, "not authenticated", event.Error)
	assert.Equal(t, 0, env.dispatcher.count())
}

func TestChatEnqueued(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, env.token)
	readEvent(t, conn) // connected

	require.NoError(t, conn.WriteJSON(&Event{
		Type:     EventTypeChat,
		Content:  "hello",
		Metadata: map[string]interface{}{"source": "tab-1"},
	}))

	require.Eventually(t, func() bool {
		return env.dispatcher.count() == 1
	}, 5*time.Second, 10*time.Millisecond)

	entry := env.dispatcher.last()
	assert.Equal(t, env.userID, entry.UserID)
	assert.Equal(t, "hello", entry.Content)
	assert.Equal(t, "tab-1", entry.Metadata["source"])
	assert.NotEmpty(t, entry.ConnID)
	assert.False(t, entry.EnqueuedAt.IsZero())
}

func TestEmptyChatRejected(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, env.token)
	readEvent(t, conn) // connected

	require.NoError(t, conn.WriteJSON(&Event{Type: EventTypeChat}))

	event := readEvent(t, conn)
	assert.Equal(t, EventTypeError, event.Type)
	assert.Equal(t, 0, env.dispatcher.count())
}

func TestQueueFullSurfacedToClient(t *testing.T) {
	env := newTestEnv(t)
	env.dispatcher.setErr(queue.ErrQueueFull)

	conn := env.dial(t, env.token)
	readEvent(t, conn) // connected

	require.NoError(t, conn.WriteJSON(&Event{Type: EventTypeChat, Content: "hello"}))

	event := readEvent(t, conn)
	assert.Equal(t, EventTypeError, event.Type)
	assert.Equal(t, "too many pending requests", event.Error)
}

func TestDeliverResultFansOutToAllConnections(t *testing.T) {
	env := newTestEnv(t)

	// Same user, two tabs
	conn1 := env.dial(t, env.token)
	conn2 := env.dial(t, env.token)
	readEvent(t, conn1)
	readEvent(t, conn2)

	env.server.DeliverResult(env.userID, &queue.Result{
		UserID:  env.userID,
		Content: "generated text",
	})

	for _, conn := range []*websocket.Conn{conn1, conn2} {
		event := readEvent(t, conn)
		assert.Equal(t, EventTypeAIResponse, event.Type)
		assert.Equal(t, "generated text", event.Content)
	}
}

func TestDeliverResultError(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, env.token)
	readEvent(t, conn)

	env.server.DeliverResult(env.userID, &queue.Result{
		UserID: env.userID,
		Err:    "generation timed out",
	})

	event := readEvent(t, conn)
	assert.Equal(t, EventTypeError, event.Type)
	assert.Equal(t, "generation timed out", event.Error)
}

func TestDeliverResultWithNoConnections(t *testing.T) {
	env := newTestEnv(t)

	// Must not panic or block with nobody connected
	env.server.DeliverResult(env.userID, &queue.Result{
		UserID:  env.userID,
		Content: "nobody home",
	})

	assert.Equal(t, 0, env.server.Hub().UserConnCount(env.userID))
}

func TestDisconnectUnbindsFromHub(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, env.token)
	readEvent(t, conn)

	require.Equal(t, 1, env.server.Hub().UserConnCount(env.userID))

	conn.Close()

	require.Eventually(t, func() bool {
		return env.server.Hub().UserConnCount(env.userID) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPingPong(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, env.token)
	readEvent(t, conn)

	require.NoError(t, conn.WriteJSON(&Event{Type: EventTypePing}))
	event := readEvent(t, conn)
	assert.Equal(t, EventTypePong, event.Type)
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	conn := env.dial(t, env.token)
	readEvent(t, conn)

	resp, err := http.Get(env.httpServer.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["clients"])
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)

	t.Run("valid credentials", func(t *testing.T) {
		payload, _ := json.Marshal(map[string]string{"username": "u1", "password": "pw"})
		resp, err := http.Post(env.httpServer.URL+"/api/login", "application/json", bytes.NewReader(payload))
		require.NoError(t, err)
		defer resp.Body.Close()

		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body loginResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, env.userID, body.UserID)
		assert.Equal(t, "u1", body.Username)

		// The minted token admits a WebSocket connection
		conn := env.dial(t, body.Token)
		event := readEvent(t, conn)
		assert.Equal(t, EventTypeConnected, event.Type)
	})

	t.Run("wrong password", func(t *testing.T) {
		payload, _ := json.Marshal(map[string]string{"username": "u1", "password": "nope"})
		resp, err := http.Post(env.httpServer.URL+"/api/login", "application/json", bytes.NewReader(payload))
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("malformed body", func(t *testing.T) {
		resp, err := http.Post(env.httpServer.URL+"/api/login", "application/json", strings.NewReader("{"))
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}
