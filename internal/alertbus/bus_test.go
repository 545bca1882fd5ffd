package alertbus

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swamppop/chasingyourtail/internal/core/domain"
)

func testAlert(mac string) domain.Alert {
	return domain.NewAlert(domain.AlertWatchlist, domain.Identifier(mac), domain.LevelHigh, "on the watchlist", time.Unix(1_700_000_000, 0))
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe()
	b := bus.Subscribe()

	bus.Publish(testAlert("AA:BB:CC:DD:EE:FF"))

	for _, sub := range []<-chan domain.Alert{a, b} {
		select {
		case got := <-sub:
			assert.Equal(t, domain.AlertWatchlist, got.Type)
			assert.Equal(t, domain.Identifier("AA:BB:CC:DD:EE:FF"), got.MAC)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive the alert")
		}
	}
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	bus := NewBus()
	bus.Subscribe() // never drained

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			bus.Publish(testAlert("AA:BB:CC:DD:EE:FF"))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestHubBroadcastsToWebsocketClients(t *testing.T) {
	bus := NewBus()
	hub := NewHub(bus)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub.Start(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the hub a beat to register the client.
	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return len(hub.clients) == 1
	}, time.Second, 10*time.Millisecond)

	bus.Publish(testAlert("AA:BB:CC:DD:EE:FF"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg WSMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "alert", msg.Type)
	assert.Equal(t, domain.Identifier("AA:BB:CC:DD:EE:FF"), msg.Payload.MAC)
}
