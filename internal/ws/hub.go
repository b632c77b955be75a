// Package ws streams the latest machine states to dashboard clients over
// WebSocket.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"faultwatch/internal/handlers"
	"faultwatch/internal/logger"
	"faultwatch/internal/metrics"
)

const (
	// writeTimeout is the deadline for a single write to a client.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong before dropping the client.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	sendBufSize = 16

	// buildTimeout bounds one store listing per broadcast.
	buildTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Message is the JSON envelope sent on every broadcast tick.
type Message struct {
	Event    string                    `json:"event"`
	Machines []handlers.StateResponse `json:"machines"`
	SentAt   time.Time                 `json:"sent_at"`
}

// Hub manages WebSocket clients and pushes a machine snapshot to all of them
// every interval. Snapshots are read from the store as-is; broadcasting never
// classifies or alerts.
type Hub struct {
	lister   handlers.Lister
	interval time.Duration

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// client is one dashboard connection. send is never closed: the hub may
// still be writing to it after the client left, so leaving closes done.
type client struct {
	conn *websocket.Conn
	send chan []byte

	done     chan struct{}
	stopOnce sync.Once
}

func newClient(conn *websocket.Conn) *client {
	return &client{
		conn: conn,
		send: make(chan []byte, sendBufSize),
		done: make(chan struct{}),
	}
}

func (c *client) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// offer queues data without blocking. It reports false when the client's
// buffer is full.
func (c *client) offer(data []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return true
	default:
		return false
	}
}

// New creates a Hub that reads from l and broadcasts every interval.
func New(l handlers.Lister, interval time.Duration) *Hub {
	return &Hub{
		lister:   l,
		interval: interval,
		clients:  make(map[*client]struct{}),
	}
}

// Run broadcasts until ctx is cancelled, then closes all connections.
func (h *Hub) Run(ctx context.Context) {
	t := time.NewTicker(h.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-t.C:
			h.broadcast(ctx)
		}
	}
}

// ServeHTTP upgrades the connection and serves the client until it
// disconnects. The current snapshot is sent immediately on connect.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := newClient(conn)
	h.register(c)
	defer h.unregister(c)

	if data, err := h.buildMessage(r.Context()); err == nil {
		c.offer(data)
	}

	go c.writePump()
	c.readPump()
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	metrics.DashboardClients.Set(float64(len(h.clients)))
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
	}
	c.stop()
	metrics.DashboardClients.Set(float64(len(h.clients)))
	h.mu.Unlock()
}

func (h *Hub) broadcast(ctx context.Context) {
	if h.Count() == 0 {
		return
	}

	data, err := h.buildMessage(ctx)
	if err != nil {
		log := logger.WithComponent("ws")
		log.Warn().Err(err).Msg("failed to build dashboard snapshot")
		return
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.offer(data) {
			// slow consumer
			h.unregister(c)
		}
	}
}

func (h *Hub) buildMessage(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, buildTimeout)
	defer cancel()

	states, err := h.lister.List(ctx)
	if err != nil {
		return nil, err
	}

	msg := Message{
		Event:    "snapshot",
		Machines: make([]handlers.StateResponse, 0, len(states)),
		SentAt:   time.Now().UTC(),
	}
	for _, st := range states {
		msg.Machines = append(msg.Machines, handlers.NewStateResponse(st))
	}
	return json.Marshal(msg)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.stop()
		delete(h.clients, c)
	}
	metrics.DashboardClients.Set(0)
}

// writePump forwards queued messages and sends pings. One goroutine per
// client.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
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

// readPump handles control frames and detects disconnects.
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
