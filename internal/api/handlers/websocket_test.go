package handlers

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/autotrade/internal/market"
)

func TestIsPing(t *testing.T) {
	assert.True(t, isPing([]byte("ping")))
	assert.True(t, isPing([]byte(`"ping"`)))
	assert.True(t, isPing([]byte(" PING ")))
	assert.True(t, isPing([]byte(`{"type":"ping"}`)))
	assert.False(t, isPing([]byte(`{"type":"subscribe"}`)))
	assert.False(t, isPing([]byte("hello")))
	assert.False(t, isPing([]byte("")))
}

func dialTestHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ws", hub.HandleWS)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.ClientCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("hub never reached %d clients (have %d)", want, hub.ClientCount())
}

func TestHub_PingPong(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Stop()
	conn := dialTestHub(t, hub)
	waitForClients(t, hub, 1)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))

	var frame Frame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "pong", frame.Type)
	assert.NotZero(t, frame.Timestamp)
}

func TestHub_BroadcastsMarketUpdates(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Stop()
	conn := dialTestHub(t, hub)
	waitForClients(t, hub, 1)

	hub.PublishMarket([]market.BroadcastSnapshot{{Symbol: "BTC-USD", Price: 50123.5}})

	var frame Frame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "market_update", frame.Type)

	snapshots, ok := frame.Data.([]interface{})
	require.True(t, ok)
	require.Len(t, snapshots, 1)
	first, ok := snapshots[0].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "BTC-USD", first["symbol"])
}

func TestHub_DisconnectRemovesClient(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Stop()
	conn := dialTestHub(t, hub)
	waitForClients(t, hub, 1)

	require.NoError(t, conn.Close())
	waitForClients(t, hub, 0)
}
