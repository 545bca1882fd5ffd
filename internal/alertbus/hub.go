package alertbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/swamppop/chasingyourtail/internal/core/domain"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// WSMessage is the frame pushed to websocket subscribers.
type WSMessage struct {
	Type    string       `json:"type"`
	Payload domain.Alert `json:"payload"`
}

// Hub broadcasts bus alerts to connected websocket clients. External
// alert transports connect here; the engine itself never waits on them.
type Hub struct {
	bus     *Bus
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewHub wires a hub onto bus.
func NewHub(bus *Bus) *Hub {
	return &Hub{bus: bus, clients: make(map[*websocket.Conn]struct{})}
}

// Start consumes the bus subscription and fans out until ctx ends.
func (h *Hub) Start(ctx context.Context) {
	sub := h.bus.Subscribe()
	go func() {
		for {
			select {
			case <-ctx.Done():
				h.closeAll()
				return
			case alert := <-sub:
				h.broadcast(alert)
			}
		}
	}()
}

// HandleWebSocket upgrades the connection and registers the client.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()
	slog.Info("alert subscriber connected", slog.String("remote", r.RemoteAddr))

	go func() {
		defer conn.Close()
		defer func() {
			h.mu.Lock()
			delete(h.clients, conn)
			h.mu.Unlock()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) broadcast(alert domain.Alert) {
	data, err := json.Marshal(WSMessage{Type: "alert", Payload: alert})
	if err != nil {
		slog.Warn("alert marshal failed", slog.Any("error", err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}
