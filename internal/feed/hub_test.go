package feed

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgecli/peerlink/internal/payload"
	"github.com/edgecli/peerlink/internal/registry"
	"github.com/edgecli/peerlink/internal/syncstate"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := NewHub(nil)
	go h.Run(ctx)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go h.Serve(ctx, ln)

	return h, "ws://" + ln.Addr().String() + "/ws"
}

func dial(t *testing.T, h *Hub, url string, want int) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return h.Clients() == want }, 2*time.Second, 10*time.Millisecond)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev Event
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestHub_BroadcastsToAllClients(t *testing.T) {
	h, url := startHub(t)
	a := dial(t, h, url, 1)
	b := dial(t, h, url, 2)

	h.OnNotification(registry.AuthRecord{UUID: "peer-1"}, payload.Notification{Title: "hi", Text: "there"})

	for _, conn := range []*websocket.Conn{a, b} {
		ev := readEvent(t, conn)
		assert.Equal(t, TypeNotification, ev.Type)
		assert.Equal(t, "peer-1", ev.Peer)
		assert.NotZero(t, ev.Time)

		var n payload.Notification
		require.NoError(t, json.Unmarshal(ev.Data, &n))
		assert.Equal(t, "hi", n.Title)
	}
}

func TestHub_SyncEvents(t *testing.T) {
	h, url := startHub(t)
	conn := dial(t, h, url, 1)

	h.OnSyncEvent("peer-1", syncstate.Event{
		Kind:        syncstate.EventUpdated,
		SourceID:    "com.music_peer-1",
		PackageName: "com.music",
		State:       syncstate.State{Title: "Song"},
	})
	h.OnSyncEvent("peer-1", syncstate.Event{Kind: syncstate.EventEnded, SourceID: "com.music_peer-1", PackageName: "com.music"})

	var got syncEvent
	ev := readEvent(t, conn)
	require.Equal(t, TypeSync, ev.Type)
	require.NoError(t, json.Unmarshal(ev.Data, &got))
	assert.Equal(t, "updated", got.Kind)
	require.NotNil(t, got.State)
	assert.Equal(t, "Song", got.State.Title)

	got = syncEvent{}
	ev = readEvent(t, conn)
	require.NoError(t, json.Unmarshal(ev.Data, &got))
	assert.Equal(t, "ended", got.Kind)
	assert.Nil(t, got.State)
}

func TestHub_UnregistersClosedClients(t *testing.T) {
	h, url := startHub(t)
	conn := dial(t, h, url, 1)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	conn.Close()

	assert.Eventually(t, func() bool { return h.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_PublishWithoutClients(t *testing.T) {
	h := NewHub(nil)
	for i := 0; i < 1000; i++ {
		h.OnPeerStatus("peer-1", i%2 == 0)
	}
	assert.Len(t, h.broadcast, cap(h.broadcast))
}

func TestHub_RejectsForeignOrigin(t *testing.T) {
	h, url := startHub(t)

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, h.Clients())

	for _, origin := range []string{"http://localhost:3000", "http://127.0.0.1:8080", "http://[::1]"} {
		conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {origin}})
		require.NoError(t, err, origin)
		conn.Close()
	}
}

func TestHub_ListenAndServeRequiresLoopback(t *testing.T) {
	h := NewHub(nil)
	for _, addr := range []string{"0.0.0.0:0", ":0", "192.168.1.5:0"} {
		err := h.ListenAndServe(context.Background(), addr)
		assert.ErrorIs(t, err, ErrNotLoopback, addr)
	}
}

func TestIsLoopbackHost(t *testing.T) {
	assert.True(t, IsLoopbackHost("localhost"))
	assert.True(t, IsLoopbackHost("127.0.0.2"))
	assert.True(t, IsLoopbackHost("::1"))
	assert.False(t, IsLoopbackHost(""))
	assert.False(t, IsLoopbackHost("evil.example"))
	assert.False(t, IsLoopbackHost("10.0.0.1"))
}
