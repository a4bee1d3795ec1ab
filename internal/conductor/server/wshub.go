package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Message types sent over the WebSocket connection.
const (
	MsgTransition = "transition"
	MsgActivity   = "activity"
)

// Transition is the payload broadcast for every state change.
type Transition struct {
	EntityKey string `json:"entity_key"`
	Event     string `json:"event"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

type wsEnvelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp"`
}

// Hub fans state transitions out to connected WebSocket clients. It is
// safe for concurrent use.
type Hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	logger  *slog.Logger
}

// NewHub creates a Hub ready to accept client connections.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[*wsClient]struct{}),
		logger:  logger,
	}
}

// Broadcast sends a typed message to all connected clients. Clients
// whose send buffer is full are dropped rather than blocking the
// broadcaster.
func (h *Hub) Broadcast(msgType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("marshaling ws payload", "type", msgType, "error", err)
		return
	}
	data, err := json.Marshal(wsEnvelope{
		Type:      msgType,
		Payload:   raw,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		h.logger.Error("marshaling ws envelope", "type", msgType, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			go h.removeClient(c)
		}
	}
}

// ClientCount returns the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) addClient(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) removeClient(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS upgrades the connection and registers the client.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrading to websocket", "error", err)
		return
	}

	c := &wsClient{hub: h, conn: conn, send: make(chan []byte, 64)}
	h.addClient(c)

	go c.writeLoop()
	go c.readLoop()
}

// The feed is one-directional: clients only ever send pongs and close
// frames, so the inbound limit is tiny and the idle timeout generous.
const (
	wsWriteTimeout = 5 * time.Second
	wsIdleTimeout  = 90 * time.Second
	wsPingEvery    = 30 * time.Second
	wsMaxInbound   = 256
)

type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// readLoop drains inbound frames so pong and close handling runs; its
// exit is the disconnect signal.
func (c *wsClient) readLoop() {
	defer func() {
		c.hub.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsMaxInbound)
	c.conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
	})

	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			return
		}
	}
}

func (c *wsClient) writeLoop() {
	pings := time.NewTicker(wsPingEvery)
	defer func() {
		pings.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.write(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.write(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-pings.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) write(messageType int, data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(messageType, data)
}
