// Package statushub pushes sync queue status snapshots to websocket clients.
package statushub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/fitsync/backend/internal/logging"
	"github.com/kimhsiao/fitsync/backend/internal/models"
	"github.com/kimhsiao/fitsync/backend/internal/uuid"
)

const (
	// EventSyncStatus carries a models.QueueStatus snapshot.
	EventSyncStatus = "sync.status"
	// EventSyncResult carries the results of a manual drain.
	EventSyncResult = "sync.result"

	sendBuffer   = 64
	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

// Envelope wraps every websocket message.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub maintains client connections and broadcasts envelopes. Run must be
// running for connections to be served.
type Hub struct {
	upgrader   websocket.Upgrader
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	done       chan struct{}

	mu      sync.RWMutex
	clients map[string]*client
	last    []byte
}

// NewHub creates a hub. allowOrigin decides cross-origin upgrades; nil allows
// only same-host requests.
func NewHub(allowOrigin func(r *http.Request) bool) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     allowOrigin,
		},
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
		clients:    make(map[string]*client),
	}
}

// Run manages client connections until ctx is done, then disconnects everyone.
// A hub runs once.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for id, c := range h.clients {
				close(c.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			last := h.last
			total := len(h.clients)
			h.mu.Unlock()
			if last != nil {
				c.send <- last
			}
			logging.Debug("Status client connected", map[string]interface{}{"client_id": c.id, "total": total})

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("Status client disconnected", map[string]interface{}{"client_id": c.id, "total": total})

		case message := <-h.broadcast:
			h.mu.Lock()
			for id, c := range h.clients {
				select {
				case c.send <- message:
				default:
					// Slow client
					close(c.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues an envelope for every client without blocking.
func (h *Hub) Broadcast(eventType string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		logging.Error("Failed to marshal status event", err, map[string]interface{}{"type": eventType})
		return
	}
	message, err := json.Marshal(Envelope{Type: eventType, Data: payload, Timestamp: time.Now().Unix()})
	if err != nil {
		logging.Error("Failed to marshal status envelope", err)
		return
	}

	if eventType == EventSyncStatus {
		h.mu.Lock()
		h.last = message
		h.mu.Unlock()
	}

	select {
	case h.broadcast <- message:
	default:
		logging.Warn("Status broadcast dropped, hub is backed up", map[string]interface{}{"type": eventType})
	}
}

// BroadcastStatus publishes a queue snapshot. It matches the queue's
// OnStatusChange callback signature.
func (h *Hub) BroadcastStatus(status models.QueueStatus) {
	h.Broadcast(EventSyncStatus, status)
}

// BroadcastResults publishes the outcome of a manual drain.
func (h *Hub) BroadcastResults(results []models.SyncResult) {
	h.Broadcast(EventSyncResult, results)
}

// ServeHTTP upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("Websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	c := &client{
		id:   uuid.New(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
		hub:  h,
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump detects disconnects. Clients only listen; inbound messages are discarded.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug("Status client read error", map[string]interface{}{"error": err.Error()})
			}
			return
		}
	}
}

// writePump writes queued messages and keepalive pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
