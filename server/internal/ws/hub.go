package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sensorwatch/sensorwatch/server/internal/api"
	"github.com/sensorwatch/sensorwatch/server/internal/publisher"
	"github.com/sensorwatch/sensorwatch/server/internal/store"
)

const (
	writeTimeout = 10 * time.Second

	// A client silent for pongWait is dropped; pings go out every pingPeriod,
	// which stays below pongWait.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Event names used in Message.Event.
const (
	EventSnapshot = "snapshot"
	EventChange   = "change"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origin checks belong to the fronting proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Message is the JSON envelope sent to clients.
type Message struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Lister is the read side of the status cache.
type Lister interface {
	List() []store.Entry
}

// Hub manages WebSocket client connections and streams change events to them.
type Hub struct {
	cache Lister
	pub   *publisher.Publisher

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// client is one attached stream consumer and its change subscription.
type client struct {
	conn *websocket.Conn
	sub  *publisher.Subscription
}

// New creates a Hub that snapshots cache and streams pub.
func New(cache Lister, pub *publisher.Publisher) *Hub {
	return &Hub{
		cache:   cache,
		pub:     pub,
		clients: make(map[*client]struct{}),
	}
}

// Run blocks until ctx is cancelled, then closes all active connections.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// ServeHTTP upgrades the request and streams to the new client: one snapshot
// of the cache, then every change event. It returns when the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{conn: conn, sub: h.pub.Subscribe()}
	h.register(c)
	defer h.unregister(c)

	snapshot, err := h.buildSnapshot()
	if err != nil {
		slog.Error("ws: build snapshot", "err", err)
		conn.Close()
		return
	}

	go c.writePump(snapshot)
	c.readPump()
}

// Count reports how many stream clients are attached.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.sub.Close()
}

func (h *Hub) buildSnapshot() ([]byte, error) {
	entries := h.cache.List()
	api.SortEntries(entries)
	data := make([]api.EntryResponse, 0, len(entries))
	for _, e := range entries {
		data = append(data, api.ToEntryResponse(e))
	}
	return json.Marshal(Message{Event: EventSnapshot, Data: data})
}

// closeAll ends every subscription; each writePump then sends a close frame.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.sub.Close()
		delete(h.clients, c)
	}
}

// writePump writes the snapshot, then forwards change events and periodic
// pings until the subscription ends or a write fails.
func (c *client) writePump(snapshot []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, snapshot); err != nil {
		return
	}

	for {
		select {
		case ev, ok := <-c.sub.C():
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				// Subscription ended (hub shutting down or client fell behind).
				c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			msg, err := json.Marshal(Message{Event: EventChange, Data: api.ToChangeResponse(ev)})
			if err != nil {
				slog.Error("ws: encode change", "err", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains inbound frames so pong and close are processed. Clients
// never send data; anything over the read limit ends the stream.
func (c *client) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
