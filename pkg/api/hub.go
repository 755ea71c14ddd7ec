package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Mindburn-Labs/jobledger/pkg/contracts"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = (pongWait * 9) / 10
	clientQueue = 64
)

// Event is the message sent to stream subscribers for each committed entry.
type Event struct {
	Type  string                  `json:"type"`
	Entry *contracts.JournalEntry `json:"entry"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	// job, when set, restricts the stream to one job.
	job *contracts.JobID
}

// Hub fans committed journal entries out to websocket subscribers. It
// implements lifecycle.Publisher. Slow subscribers are dropped.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	logger  *slog.Logger
	closed  bool
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default().With("component", "events")
	}
	return &Hub{clients: make(map[*client]struct{}), logger: logger}
}

// Publish broadcasts entries without blocking on slow subscribers.
func (h *Hub) Publish(_ context.Context, entries ...*contracts.JournalEntry) {
	for _, e := range entries {
		msg, err := json.Marshal(Event{Type: "journal", Entry: e})
		if err != nil {
			h.logger.Error("failed to marshal event", "seq", e.Sequence, "error", err)
			continue
		}
		h.mu.Lock()
		for c := range h.clients {
			if c.job != nil && (e.JobID == nil || *e.JobID != *c.job) {
				continue
			}
			select {
			case c.send <- msg:
			default:
				h.logger.Warn("dropping slow subscriber", "remote", c.conn.RemoteAddr().String())
				h.removeLocked(c)
			}
		}
		h.mu.Unlock()
	}
}

// Len returns the number of connected subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.logger.Debug("subscriber connected", "total", len(h.clients))
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.logger.Debug("subscriber disconnected", "total", len(h.clients))
}

// Close disconnects every subscriber and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Subscribers authenticate with a bearer token; origin is not checked.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// serve upgrades the request and streams events until the peer goes away.
func (h *Hub) serve(w http.ResponseWriter, r *http.Request, job *contracts.JobID) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, clientQueue), job: job}
	if !h.add(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	go h.writePump(c)
	h.readPump(c)
}

// readPump discards client messages and detects disconnects.
func (h *Hub) readPump(c *client) {
	defer h.remove(c)
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
