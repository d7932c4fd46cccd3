package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/presence"
)

type rawFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func newTestHub(t *testing.T) (*Hub, *presence.Registry, string) {
	registry := presence.NewRegistry()
	hub := NewHub(&auth.MockClient{}, registry, DefaultConf())
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, registry, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url, uid string) *websocket.Conn {
	header := http.Header{}
	header.Set("x-uid", uid)
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) *rawFrame {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var f rawFrame
	require.NoError(t, conn.ReadJSON(&f))
	return &f
}

// readOnline reads frames until an online users snapshot satisfying fn arrives.
func readOnline(t *testing.T, conn *websocket.Conn, fn func(*presence.OnlineUsers) bool) *presence.OnlineUsers {
	for {
		f := readFrame(t, conn)
		if f.Event != presence.EventOnlineUsers {
			continue
		}
		var v presence.OnlineUsers
		require.NoError(t, json.Unmarshal(f.Data, &v))
		if fn(&v) {
			return &v
		}
	}
}

func TestHubPresenceBroadcast(t *testing.T) {
	_, registry, url := newTestHub(t)

	alice := dial(t, url, "alice")
	v := readOnline(t, alice, func(*presence.OnlineUsers) bool { return true })
	assert.Equal(t, []string{"alice"}, v.UserIds)

	bob := dial(t, url, "bob")
	v = readOnline(t, alice, func(*presence.OnlineUsers) bool { return true })
	assert.Equal(t, []string{"alice", "bob"}, v.UserIds)
	readOnline(t, bob, func(v *presence.OnlineUsers) bool { return len(v.UserIds) == 2 })

	require.NoError(t, bob.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))

	v = readOnline(t, alice, func(v *presence.OnlineUsers) bool { return len(v.UserIds) == 1 })
	assert.Equal(t, []string{"alice"}, v.UserIds)
	assert.False(t, registry.IsOnline("bob"))
}

func TestHubPushAndPing(t *testing.T) {
	_, registry, url := newTestHub(t)
	channel := NewChannel(registry)

	assert.False(t, channel.Push("bob", EventNewMessage, map[string]string{"text": "hello"}))

	bob := dial(t, url, "bob")
	readOnline(t, bob, func(*presence.OnlineUsers) bool { return true })

	assert.True(t, channel.Push("bob", EventNewMessage, map[string]string{"text": "hello"}))
	f := readFrame(t, bob)
	assert.Equal(t, EventNewMessage, f.Event)
	assert.JSONEq(t, `{"text":"hello"}`, string(f.Data))

	require.NoError(t, bob.WriteJSON(&Frame{Event: "ping"}))
	f = readFrame(t, bob)
	assert.Equal(t, "pong", f.Event)
}

func TestHubReplacesSession(t *testing.T) {
	_, registry, url := newTestHub(t)

	first := dial(t, url, "alice")
	readOnline(t, first, func(*presence.OnlineUsers) bool { return true })
	first.SetReadDeadline(time.Now().Add(3 * time.Second))

	second := dial(t, url, "alice")
	readOnline(t, second, func(*presence.OnlineUsers) bool { return true })

	// the first session is closed by the server.
	for {
		_, _, err := first.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "err: %v", err)
			break
		}
	}

	assert.True(t, registry.IsOnline("alice"))
	h := registry.Lookup("alice")
	require.NotNil(t, h)

	channel := NewChannel(registry)
	assert.True(t, channel.Push("alice", EventNewMessage, "x"))
	f := readFrame(t, second)
	assert.Equal(t, EventNewMessage, f.Event)
}

func TestHubRejectsAnonymous(t *testing.T) {
	_, _, url := newTestHub(t)
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
