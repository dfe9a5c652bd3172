// Package ws streams accepted auction events to websocket watchers such as
// dashboards. Watchers are read-only; operations are submitted over /rpc or
// the HTTP API.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/auctionmesh/internal/domain"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the watcher.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per watcher.
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// client is one connected watcher.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	subs map[string]bool // subscribed methods; empty means all
	mu   sync.RWMutex
}

// subscribeMsg is the JSON message a watcher sends to narrow its feed.
type subscribeMsg struct {
	Action  string   `json:"action"` // "subscribe" or "unsubscribe"
	Methods []string `json:"methods"`
}

// envelope is the part of a published event the hub routes on.
type envelope struct {
	Method string `json:"method"`
}

// Config captures runtime metadata sent to watchers on connect.
type Config struct {
	Channel   string
	Mode      string
	PeerKey   string
	StartedAt time.Time
}

// Hub bridges an event bus channel to connected watchers.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	bus        domain.EventBus
	channel    string
	mode       string
	peerKey    string
	startedAt  time.Time
	ready      chan struct{}
	done       chan struct{}
	mu         sync.RWMutex
	logger     *slog.Logger
}

type broadcastMsg struct {
	method string
	data   []byte
}

// NewHub creates a Hub reading from cfg.Channel on bus.
func NewHub(bus domain.EventBus, cfg Config, logger *slog.Logger) *Hub {
	mode := strings.TrimSpace(strings.ToLower(cfg.Mode))
	if mode == "" {
		mode = "unknown"
	}
	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		bus:        bus,
		channel:    cfg.Channel,
		mode:       mode,
		peerKey:    cfg.PeerKey,
		startedAt:  startedAt,
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
		logger:     logger.With(slog.String("component", "ws_hub")),
	}
}

// Run subscribes to the event channel and serves watchers until ctx is
// cancelled, then disconnects them all.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	events, err := h.bus.Subscribe(ctx, h.channel)
	if err != nil {
		return fmt.Errorf("ws: subscribe %s: %w", h.channel, err)
	}
	h.logger.Info("ws: subscribed to channel", slog.String("channel", h.channel))
	go h.forward(ctx, events)
	close(h.ready)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Info("ws: watcher connected", slog.Int("total_watchers", h.clientCount()))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Info("ws: watcher disconnected", slog.Int("total_watchers", h.clientCount()))

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !c.isSubscribed(msg.method) {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					h.logger.Warn("ws: dropping message for slow watcher")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// forward routes bus messages into the hub loop.
func (h *Hub) forward(ctx context.Context, events <-chan []byte) {
	for data := range events {
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.logger.Warn("ws: skipping undecodable event", slog.String("error", err.Error()))
			continue
		}
		select {
		case h.broadcast <- broadcastMsg{method: env.Method, data: data}:
		case <-ctx.Done():
			return
		}
	}
}

// HandleWS upgrades the request and registers the watcher.
// GET /ws/events
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: make(map[string]bool),
	}

	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}
	c.sendInitialStatus()

	go c.writePump()
	go c.readPump()
}

// WatcherCount returns the number of connected watchers.
func (h *Hub) WatcherCount() int {
	return h.clientCount()
}

func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// readPump consumes subscription messages and detects disconnects.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error", slog.String("error", err.Error()))
			}
			return
		}

		var sub subscribeMsg
		if json.Unmarshal(message, &sub) == nil && sub.Action != "" {
			c.handleSubscription(sub)
		}
	}
}

func (c *client) handleSubscription(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Action {
	case "subscribe":
		for _, m := range msg.Methods {
			c.subs[m] = true
		}
	case "unsubscribe":
		for _, m := range msg.Methods {
			delete(c.subs, m)
		}
	}
}

// sendInitialStatus tells the watcher which node it is attached to.
func (c *client) sendInitialStatus() {
	uptime := int64(time.Since(c.hub.startedAt).Seconds())
	if uptime < 0 {
		uptime = 0
	}

	msg, err := json.Marshal(map[string]any{
		"type": "node_status",
		"payload": map[string]any{
			"mode":           c.hub.mode,
			"peer_key":       c.hub.peerKey,
			"uptime_seconds": uptime,
		},
	})
	if err != nil {
		return
	}

	select {
	case c.send <- msg:
	default:
	}
}

func (c *client) isSubscribed(method string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs) == 0 || c.subs[method]
}

// writePump sends queued events as text frames and keeps the connection
// alive with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
