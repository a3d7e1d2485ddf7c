package liveapi

import (
	"encoding/json"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/NotCoffee418/modbus_meter_logger/pkg/types"
	"github.com/gorilla/websocket"
)

const writeTimeout = 5 * time.Second

// Message is one recorded sample as sent to websocket clients.
type Message struct {
	Device string       `json:"device"`
	Sample types.Sample `json:"sample"`
}

type wsClient struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsClient) write(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Hub keeps the latest sample per device and broadcasts every sample to
// the connected websocket clients. It is safe for concurrent use by all
// device loops.
type Hub struct {
	log *slog.Logger

	mu     sync.RWMutex
	latest map[string]types.Sample

	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]*wsClient
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:     log,
		latest:  make(map[string]types.Sample),
		clients: make(map[*websocket.Conn]*wsClient),
	}
}

// Publish implements scheduler.Publisher.
func (h *Hub) Publish(device string, s types.Sample) {
	h.mu.Lock()
	h.latest[device] = s
	h.mu.Unlock()

	payload, err := json.Marshal(Message{Device: device, Sample: s})
	if err != nil {
		h.log.Warn("could not encode sample", "device", device, "error", err)
		return
	}
	h.broadcast(payload)
}

// Latest returns the last sample of a device.
func (h *Hub) Latest(device string) (types.Sample, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.latest[device]
	return s, ok
}

// LatestAll returns the last sample of every device that recorded one.
func (h *Hub) LatestAll() map[string]types.Sample {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return maps.Clone(h.latest)
}

// Devices returns the devices with at least one sample, sorted.
func (h *Hub) Devices() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return slices.Sorted(maps.Keys(h.latest))
}

func (h *Hub) broadcast(payload []byte) {
	h.clientsMu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.clientsMu.RUnlock()

	for _, client := range clients {
		if err := client.write(payload); err != nil {
			h.removeClient(client.conn)
		}
	}
}

func (h *Hub) addClient(conn *websocket.Conn) *wsClient {
	client := &wsClient{conn: conn}
	h.clientsMu.Lock()
	h.clients[conn] = client
	h.clientsMu.Unlock()
	return client
}

func (h *Hub) removeClient(conn *websocket.Conn) {
	h.clientsMu.Lock()
	_, ok := h.clients[conn]
	delete(h.clients, conn)
	h.clientsMu.Unlock()
	if ok {
		conn.Close()
	}
}

func (h *Hub) clientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}
