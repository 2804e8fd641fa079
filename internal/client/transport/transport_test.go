package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// testServer accepts one websocket connection at a time and records every
// frame the client writes.
type testServer struct {
	*httptest.Server

	mu     sync.Mutex
	conn   *websocket.Conn
	frames []frame
	header http.Header
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.mu.Lock()
		ts.conn = conn
		ts.header = r.Header.Clone()
		ts.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f frame
			if json.Unmarshal(data, &f) == nil {
				ts.mu.Lock()
				ts.frames = append(ts.frames, f)
				ts.mu.Unlock()
			}
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func (ts *testServer) push(t *testing.T, msgType string, payload interface{}) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	data, err := json.Marshal(frame{Type: msgType, Payload: raw})
	require.NoError(t, err)

	ts.mu.Lock()
	conn := ts.conn
	ts.mu.Unlock()
	require.NotNil(t, conn)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func (ts *testServer) frameTypes() []string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([]string, len(ts.frames))
	for i, f := range ts.frames {
		out[i] = f.Type
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestConnectSendsCredentialHeaders(t *testing.T) {
	ts := newTestServer(t)
	c := New(zap.NewNop().Sugar(), ts.wsURL())
	defer c.Disconnect()

	require.NoError(t, c.Connect(context.Background(), "tok-1", "u1"))
	require.Equal(t, StatusConnected, c.Status())

	ts.mu.Lock()
	header := ts.header
	ts.mu.Unlock()
	require.Equal(t, "Bearer tok-1", header.Get("Authorization"))
	require.Equal(t, "u1", header.Get("X-User-ID"))
}

func TestConnectIdempotent(t *testing.T) {
	ts := newTestServer(t)
	c := New(zap.NewNop().Sugar(), ts.wsURL())
	defer c.Disconnect()

	require.NoError(t, c.Connect(context.Background(), "tok-1", "u1"))
	require.NoError(t, c.Connect(context.Background(), "tok-1", "u1"))
	require.Equal(t, StatusConnected, c.Status())
}

func TestConnectFailureSetsErrorStatus(t *testing.T) {
	c := New(zap.NewNop().Sugar(), "ws://127.0.0.1:1/ws")

	err := c.Connect(context.Background(), "tok-1", "u1")
	require.Error(t, err)
	require.Equal(t, StatusError, c.Status())
}

func TestEmitWhileDisconnected(t *testing.T) {
	c := New(zap.NewNop().Sugar(), "ws://127.0.0.1:1/ws")
	require.Error(t, c.SendMessage(SendMessagePayload{ChatID: "c1", Content: "hi", SenderID: "u1"}))
}

func TestConnectAnnouncesPresenceAndJoins(t *testing.T) {
	ts := newTestServer(t)
	c := New(zap.NewNop().Sugar(), ts.wsURL())
	defer c.Disconnect()

	require.NoError(t, c.Connect(context.Background(), "tok-1", "u1"))
	require.NoError(t, c.JoinChat("c1"))
	require.NoError(t, c.SendMessage(SendMessagePayload{ChatID: "c1", Content: "hello", SenderID: "u1"}))

	waitFor(t, func() bool { return len(ts.frameTypes()) >= 3 })
	types := ts.frameTypes()
	require.Equal(t, outPresence, types[0])
	require.Contains(t, types, outJoinChat)
	require.Contains(t, types, outSendMessage)
}

func TestInboundEventsDispatchedToSubscribers(t *testing.T) {
	ts := newTestServer(t)
	c := New(zap.NewNop().Sugar(), ts.wsURL())
	defer c.Disconnect()

	var mu sync.Mutex
	var events []Event
	cancel := c.OnEvent(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	defer cancel()

	require.NoError(t, c.Connect(context.Background(), "tok-1", "u1"))

	ts.push(t, inPresenceChanged, map[string]interface{}{"user_id": "alice", "is_online": true})
	// Malformed frames are dropped without killing the read loop.
	ts.push(t, "bogus_type", map[string]interface{}{})
	ts.push(t, inTyping, map[string]interface{}{"chat_id": "c1", "user_id": "alice"})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, PresenceChanged{UserID: "alice", Online: true}, events[0])
	require.Equal(t, Typing{ChatID: "c1", UserID: "alice"}, events[1])
}

func TestDisconnectDuringDialWins(t *testing.T) {
	dialing := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(dialing)
		<-release
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	c := New(zap.NewNop().Sugar(), "ws"+strings.TrimPrefix(srv.URL, "http"))

	var mu sync.Mutex
	var statuses []Status
	cancel := c.OnStatus(func(s Status) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	})
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background(), "tok-1", "u1") }()

	// Tear down while the handshake is still being held by the server.
	<-dialing
	c.Disconnect()
	close(release)
	require.NoError(t, <-done)

	require.Equal(t, StatusDisconnected, c.Status())
	mu.Lock()
	defer mu.Unlock()
	require.NotContains(t, statuses, StatusConnected)
}

func TestStatusSubscriberSeesTransitions(t *testing.T) {
	ts := newTestServer(t)
	c := New(zap.NewNop().Sugar(), ts.wsURL())

	var mu sync.Mutex
	var statuses []Status
	cancel := c.OnStatus(func(s Status) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	})
	defer cancel()

	require.NoError(t, c.Connect(context.Background(), "tok-1", "u1"))
	c.Disconnect()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(statuses) >= 3
	})

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, StatusConnecting, statuses[0])
	require.Equal(t, StatusConnected, statuses[1])
	require.Equal(t, StatusDisconnected, statuses[2])
}
