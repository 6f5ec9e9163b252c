package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"eric_assistant/pkg"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10
	sendBuffer   = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The assistant serves a local UI
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ReminderMessage is pushed to every connected client
type ReminderMessage struct {
	Type      string    `json:"type"`
	Text      string    `json:"text"`
	Event     pkg.Event `json:"event"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub fans reminders out to websocket clients
type Hub struct {
	log         zerolog.Logger
	unsubscribe func()

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// NewHub creates an empty hub
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:     log.With().Str("component", "reminder_hub").Logger(),
		clients: make(map[*client]struct{}),
	}
}

// Notify broadcasts a reminder. A client whose buffer is full misses it.
func (h *Hub) Notify(_ context.Context, text string, event pkg.Event) {
	msg, err := sonic.Marshal(ReminderMessage{
		Type:      "reminder",
		Text:      text,
		Event:     event,
		Timestamp: time.Now(),
	})
	if err != nil {
		h.log.Error().Err(err).Msg("failed to encode reminder")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.log.Warn().Str("event_id", event.ID).Msg("client queue full, reminder dropped")
		}
	}
}

// Len returns the number of connected clients
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Serve upgrades the request and streams reminders until the client leaves
func (h *Hub) Serve(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	cl := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	if !h.register(cl) {
		_ = conn.Close()
		return
	}
	h.log.Info().Str("remote", c.Request.RemoteAddr).Msg("reminder client connected")

	go h.writePump(cl)
	h.readPump(cl)
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

// readPump drains client frames so pongs and close frames are processed
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		_ = c.conn.Close()
	}()

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
	ticker := time.NewTicker(pingInterval)
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
				h.log.Debug().Err(err).Msg("reminder write failed")
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

// Close unsubscribes from the assistant and disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}
