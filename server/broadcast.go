package server

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tabulist/ade/event"
)

// clientBuffer is the per-client send queue depth. A client that
// cannot keep up is disconnected rather than allowed to stall the feed.
const clientBuffer = 64

type wsClient struct {
	conn *websocket.Conn
	send chan event.Event
}

// Hub fans the dispatcher's event feed out to websocket clients. This
// feed is an observer; each job's single stream consumer is unaffected.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	clients map[*wsClient]bool
	closed  bool
}

// NewHub creates a hub. With no allowed origins configured, only
// same-host connections are accepted.
func NewHub(allowedOrigins []string, logger *zap.SugaredLogger) *Hub {
	h := &Hub{
		logger:  logger,
		clients: make(map[*wsClient]bool),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, allowed := range allowedOrigins {
				if origin == allowed {
					return true
				}
			}
			return false
		},
	}
	return h
}

// HandleWS upgrades a request and serves the event feed until the
// client disconnects.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnw("Websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan event.Event, clientBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = true
	h.mu.Unlock()

	go h.writeLoop(c)
	h.readLoop(c)
}

// readLoop discards inbound messages and detects disconnects.
func (h *Hub) readLoop(c *wsClient) {
	defer h.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *wsClient) {
	for ev := range c.send {
		if err := c.conn.WriteJSON(ev); err != nil {
			h.remove(c)
			return
		}
	}
	c.conn.Close()
}

// Broadcast queues an event for every connected client. A full client
// queue drops the client, never blocks the producer.
func (h *Hub) Broadcast(ev event.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			h.logger.Warnw("Dropping slow websocket client")
			delete(h.clients, c)
			close(c.send)
		}
	}
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
	c.conn.Close()
}

// Close disconnects all clients.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// ClientCount reports connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
