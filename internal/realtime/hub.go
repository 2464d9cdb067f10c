// Package realtime streams security events to operators over WebSocket.
//
// Operators subscribe to the live decision feed instead of polling the
// events endpoint. A subscription can narrow the feed by status, action or
// actor.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/sentinel/internal/audit"
	"github.com/mbd888/sentinel/internal/metrics"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// EventType for feed messages
type EventType string

const (
	EventSecurity   EventType = "security_event"
	EventBlocked    EventType = "blocked"
	EventSubscribed EventType = "subscribed"
	EventError      EventType = "error"
)

// Event is one feed message.
type Event struct {
	Type      EventType            `json:"type"`
	Timestamp time.Time            `json:"timestamp"`
	Data      *audit.SecurityEvent `json:"data"`
}

// Subscription filters for a client. Empty lists match everything.
type Subscription struct {
	AllEvents   bool     `json:"allEvents"`
	BlockedOnly bool     `json:"blockedOnly"`
	Actions     []string `json:"actions"`
	ActorIDs    []string `json:"actorIds"`
}

// Client represents a WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 1000

// Hub manages all WebSocket connections
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int
	upgrader   websocket.Upgrader

	// Stats
	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a hub. Browser connections are accepted from the same
// host and from allowedOrigins.
func NewHub(logger *slog.Logger, allowedOrigins ...string) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true // Allow non-browser clients
				}
				host := r.Host
				return origin == "http://"+host || origin == "https://"+host || origins[origin]
			},
		},
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("security feed started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("security feed shutting down, closing client connections")
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("feed client connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("feed client disconnected", "total", n)

		case event := <-h.broadcast:
			h.totalEvents.Add(1)
			msg := h.serialize(event)
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				if h.shouldSend(client, event) {
					select {
					case client.send <- msg:
					default:
						slow = append(slow, client)
					}
				}
			}
			h.mu.RUnlock()
			// Remove slow clients under write lock
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						close(client.send)
						delete(h.clients, client)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// shouldSend checks if event matches client's subscription
func (h *Hub) shouldSend(client *Client, event *Event) bool {
	client.mu.RLock()
	sub := client.sub
	client.mu.RUnlock()

	if sub.AllEvents {
		return true
	}
	ev := event.Data
	if ev == nil {
		return !sub.BlockedOnly && len(sub.Actions) == 0 && len(sub.ActorIDs) == 0
	}
	if sub.BlockedOnly && !ev.Blocked() {
		return false
	}
	if len(sub.Actions) > 0 && !contains(sub.Actions, ev.Action) {
		return false
	}
	if len(sub.ActorIDs) > 0 && !contains(sub.ActorIDs, ev.ActorID) {
		return false
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (h *Hub) serialize(event *Event) []byte {
	data, _ := json.Marshal(event)
	return data
}

// Broadcast sends an event to all matching clients
func (h *Hub) Broadcast(event *Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("broadcast channel full, dropping event")
	}
}

// Publish implements audit.Sink.
func (h *Hub) Publish(ev *audit.SecurityEvent) {
	cp := *ev
	typ := EventSecurity
	if ev.Blocked() {
		typ = EventBlocked
	}
	h.Broadcast(&Event{Type: typ, Timestamp: time.Now(), Data: &cp})
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait / 2
	maxMessageSize = 64 << 10
)

// control is a hub-to-client message that is not a security event.
type control struct {
	Type         EventType     `json:"type"`
	Timestamp    time.Time     `json:"timestamp"`
	Subscription *Subscription `json:"subscription,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// reply queues a control message without blocking the read loop. The hub
// closes send under its write lock, so membership is checked under the
// read lock.
func (c *Client) reply(msg control) {
	msg.Timestamp = time.Now()
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// readPump applies subscription updates sent by the client. Every update
// is acknowledged with the subscription now in effect.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	extend := func(string) error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) }
	_ = extend("")
	c.conn.SetPongHandler(extend)

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("feed client read ended", "error", err)
			}
			return
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err != nil {
			c.reply(control{Type: EventError, Error: "invalid subscription"})
			continue
		}
		c.mu.Lock()
		c.sub = sub
		c.mu.Unlock()
		c.reply(control{Type: EventSubscribed, Subscription: &sub})
	}
}

// writePump owns every write to the connection.
func (c *Client) writePump() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()

	write := func(kind int, data []byte) error {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				_ = write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := write(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("feed client write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
