package viewer

import (
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"firestige.xyz/inspector/internal/log"
	"firestige.xyz/inspector/internal/store"
)

const (
	writeWait  = 5 * time.Second
	sendBuffer = 64 // per client; notifications are dropped when full
)

// Message is pushed to WebSocket clients.
type Message struct {
	Type    string `json:"type"`
	Session uint64 `json:"session"`
}

const MessageChanged = "changed"

// Hub fans store change notifications out to WebSocket clients. It never
// blocks the caller.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*wsClient]struct{}
	closed   bool
	origins  []string
	upgrader websocket.Upgrader
}

// NewHub returns a hub accepting same-origin WebSocket clients plus the
// listed origins (e.g. "http://localhost:3000").
func NewHub(allowedOrigins ...string) *Hub {
	h := &Hub{
		clients: make(map[*wsClient]struct{}),
		origins: allowedOrigins,
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.checkOrigin}
	return h
}

// checkOrigin accepts requests without an Origin header (non-browser
// clients), same-origin requests and the configured origins.
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(h.origins, origin) {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// Sink returns the repaint sink of one session's store.
func (h *Hub) Sink(sessionID uint64) store.RepaintSink {
	return sessionSink{hub: h, id: sessionID}
}

type sessionSink struct {
	hub *Hub
	id  uint64
}

func (s sessionSink) RequestRepaint() {
	s.hub.Broadcast(Message{Type: MessageChanged, Session: s.id})
}

// Broadcast queues msg for every client. A change notification for a session
// that is still queued for a client is not queued twice.
func (h *Hub) Broadcast(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.send(msg)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and serves the client until it disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.GetLogger().WithError(err).Warn("websocket upgrade failed")
		return
	}
	c := &wsClient{
		conn:    conn,
		sendCh:  make(chan Message, sendBuffer),
		pending: make(map[uint64]struct{}),
		done:    make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go c.writeLoop()
	c.readLoop()

	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	close(c.done)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		_ = c.conn.Close()
	}
}

type wsClient struct {
	conn   *websocket.Conn
	sendCh chan Message
	done   chan struct{}

	mu      sync.Mutex
	pending map[uint64]struct{} // changed notifications queued, by session
}

func (c *wsClient) send(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if msg.Type == MessageChanged {
		if _, queued := c.pending[msg.Session]; queued {
			return
		}
	}
	select {
	case c.sendCh <- msg:
		if msg.Type == MessageChanged {
			c.pending[msg.Session] = struct{}{}
		}
	default:
	}
}

func (c *wsClient) writeLoop() {
	defer c.conn.Close()
	for {
		select {
		case msg := <-c.sendCh:
			c.mu.Lock()
			delete(c.pending, msg.Session)
			c.mu.Unlock()

			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readLoop discards client input and returns when the connection ends.
func (c *wsClient) readLoop() {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
