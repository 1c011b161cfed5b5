package simulator

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"procodus.dev/fleetwatch/pkg/metrics"
)

const (
	// DefaultPingInterval is how often the hub sends a "ping" text frame.
	DefaultPingInterval = 25 * time.Second

	writeWait  = 10 * time.Second
	sendBuffer = 256
)

var (
	pingFrame = []byte("ping")
	pongFrame = []byte("pong")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// client is one stream subscriber. Only its write pump writes to conn.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans location frames out to every connected stream client.
type Hub struct {
	logger       *slog.Logger
	metrics      *metrics.SimulatorMetrics
	pingInterval time.Duration

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

// NewHub returns an empty Hub.
func NewHub(logger *slog.Logger, pingInterval time.Duration, m *metrics.SimulatorMetrics) *Hub {
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	return &Hub{
		logger:       logger,
		metrics:      m,
		pingInterval: pingInterval,
		clients:      make(map[*client]struct{}),
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast encodes v once and queues it for every client. A client whose
// buffer is full misses the frame.
func (h *Hub) Broadcast(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			if h.metrics != nil {
				h.metrics.BroadcastFailures.Inc()
			}
			h.logger.Warn("client buffer full, dropping frame")
		}
	}
	return nil
}

// ServeHTTP upgrades the request and serves the client until it goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	if !h.register(c) {
		_ = conn.Close()
		return
	}

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	if h.metrics != nil {
		h.metrics.ClientsConnected.Set(float64(n))
	}
	h.logger.Info("websocket client connected", "clients", n)
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	n := len(h.clients)
	if h.metrics != nil {
		h.metrics.ClientsConnected.Set(float64(n))
	}
	h.logger.Info("websocket client disconnected", "clients", n)
}

// readPump answers client pings and detects the disconnect.
func (h *Hub) readPump(c *client) {
	defer h.unregister(c)
	for {
		kind, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket unexpected close", "error", err)
			}
			return
		}
		if kind == websocket.TextMessage && string(msg) == string(pingFrame) {
			select {
			case c.send <- pongFrame:
			default:
			}
		}
	}
}

// writePump drains the send buffer and sends keepalive pings.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, pingFrame); err != nil {
				return
			}
		}
	}
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	if h.metrics != nil {
		h.metrics.ClientsConnected.Set(0)
	}
}

// Drop closes every client connection abruptly, as a crashed backend
// would. New clients are still accepted.
func (h *Hub) Drop() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.clients)
	for c := range h.clients {
		_ = c.conn.Close()
	}
	return n
}
