package notify

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCenter_PublishAndList(t *testing.T) {
	c := NewCenter()

	first := c.Publish(Notification{Title: "a", CreatedAt: 1})
	second := c.Warn("b", "stale data", false)

	assert.NotEmpty(t, first.ID)
	assert.Equal(t, LevelInfo, first.Level)
	assert.Equal(t, LevelWarning, second.Level)

	list := c.List(false)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID, "newest first")
}

func TestCenter_DismissPersistent(t *testing.T) {
	c := NewCenter()
	n := c.Publish(Notification{Level: LevelError, Title: "dropped", Persistent: true})

	require.NoError(t, c.Dismiss(n.ID))
	assert.Empty(t, c.List(false))
	require.Len(t, c.List(true), 1)
	assert.True(t, c.List(true)[0].Dismissed)

	assert.Error(t, c.Dismiss("missing"))
}

func TestCenter_TransientHistoryIsBounded(t *testing.T) {
	c := NewCenter()
	c.history = 3
	persistent := c.Publish(Notification{Title: "keep", Persistent: true})
	for i := 0; i < 10; i++ {
		c.Publish(Notification{Title: "t"})
	}

	list := c.List(true)
	assert.Len(t, list, 4)
	var found bool
	for _, n := range list {
		found = found || n.ID == persistent.ID
	}
	assert.True(t, found, "persistent notifications are never pushed out")
}

func TestCenter_SubscribeIsSynchronous(t *testing.T) {
	c := NewCenter()
	var got []string
	unsubscribe := c.Subscribe(func(n Notification) { got = append(got, n.Title) })

	c.Publish(Notification{Title: "one"})
	assert.Equal(t, []string{"one"}, got)

	unsubscribe()
	unsubscribe()
	c.Publish(Notification{Title: "two"})
	assert.Equal(t, []string{"one"}, got)
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.ClientCount() == n }, time.Second, 5*time.Millisecond)
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestHub_BroadcastReachesClient(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	conn := dial(t, srv)
	waitForClients(t, hub, 1)

	hub.BroadcastNotification(Notification{ID: "n1", Level: LevelWarning, Title: "Sync failed"})

	msg := readEnvelope(t, conn)
	assert.Equal(t, EventNotification, msg["type"])
	data := msg["data"].(map[string]interface{})
	assert.Equal(t, "n1", data["id"])
	assert.Equal(t, "warning", data["level"])
}

func TestHub_SubscriptionFilter(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	conn := dial(t, srv)
	waitForClients(t, hub, 1)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"action": "subscribe", "events": []string{EventSyncCompleted},
	}))
	ack := readEnvelope(t, conn)
	assert.Equal(t, "subscribe_ack", ack["action"])

	hub.Broadcast(EventSyncStarted, map[string]interface{}{"kind": "quick"})
	hub.Broadcast(EventSyncCompleted, map[string]interface{}{"kind": "quick"})

	msg := readEnvelope(t, conn)
	assert.Equal(t, EventSyncCompleted, msg["type"])
}

func TestHub_ClientDisconnect(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	waitForClients(t, hub, 1)

	conn.Close()
	waitForClients(t, hub, 0)
}
