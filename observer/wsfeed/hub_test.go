package wsfeed

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zereker/communicator"
	"github.com/Zereker/communicator/observer"
)

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv
}

func dial(t *testing.T, hub *Hub, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	before := hub.ClientCount()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return hub.ClientCount() == before+1 }, time.Second, 5*time.Millisecond)
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestHub_BroadcastsEvents(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, hub, srv, "")

	hub.HandleEvent(observer.Event{ID: "e1", Kind: communicator.EventConnected, DeviceType: "robot", Identifier: "sim-1", At: time.Now()})

	msg := readMessage(t, conn)
	assert.Equal(t, TypeEvent, msg.Type)
	assert.Equal(t, communicator.EventConnected, msg.EventType)
	payload, ok := msg.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "e1", payload["id"])
	assert.Equal(t, "sim-1", payload["identifier"])
}

func TestHub_Filter(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, hub, srv, "?event=updated&identifier=sim-2,sim-3")

	hub.HandleEvent(observer.Event{ID: "skip-kind", Kind: communicator.EventConnected, Identifier: "sim-2"})
	hub.HandleEvent(observer.Event{ID: "skip-id", Kind: communicator.EventUpdated, Identifier: "sim-1"})
	hub.HandleEvent(observer.Event{ID: "want", Kind: communicator.EventUpdated, Identifier: "sim-3"})

	msg := readMessage(t, conn)
	payload := msg.Payload.(map[string]any)
	assert.Equal(t, "want", payload["id"])
}

func TestHub_Ping(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, hub, srv, "")

	require.NoError(t, conn.WriteJSON(Message{Type: TypePing, ID: "42"}))
	msg := readMessage(t, conn)
	assert.Equal(t, TypePong, msg.Type)
	assert.Equal(t, "42", msg.ID)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, TypeError, readMessage(t, conn).Type)

	require.NoError(t, conn.WriteJSON(Message{Type: "subscribe", ID: "7"}))
	msg = readMessage(t, conn)
	assert.Equal(t, TypeError, msg.Type)
	assert.Equal(t, "7", msg.ID)
}

func TestHub_ClientDisconnect(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, hub, srv, "")

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)

	// Broadcasting with no clients is fine.
	hub.HandleEvent(observer.Event{Kind: communicator.EventUpdated})
}

func TestHub_Close(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, hub, srv, "")

	hub.Close()
	assert.Equal(t, 0, hub.ClientCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	late, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer late.Close()
	_, _, err = late.ReadMessage()
	assert.Error(t, err)
}

func TestFilter_Empty(t *testing.T) {
	f := filter{events: set(" , ")}
	assert.Nil(t, f.events)
	assert.True(t, f.match(observer.Event{Kind: "anything"}))
}
