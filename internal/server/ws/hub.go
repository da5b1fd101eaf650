package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/poolsight/internal/domain"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 256
)

// allSnapshots is the bus pattern the hub follows and the subscription every
// client starts with.
var allSnapshots = domain.SnapshotChannel("*")

// upgrader configures the WebSocket upgrade parameters.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// client represents a single WebSocket connection.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	subs map[string]bool // subscribed channels
	mu   sync.RWMutex
}

// subscribeMsg is the JSON message a client sends to change its channels,
// e.g. {"action":"subscribe","channels":["snapshots:tranched_pool"]}.
// A channel may be narrowed to one entity by appending ":<key>".
type subscribeMsg struct {
	Action   string   `json:"action"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// envelope is the part of a published update the hub routes on.
type envelope struct {
	Entity string `json:"entity"`
	Key    string `json:"key"`
}

// Hub manages a set of connected WebSocket clients and broadcasts snapshot
// updates from the signal bus to all subscribed clients.
type Hub struct {
	clients    map[*client]bool
	closed     bool
	broadcast  chan broadcastMsg
	unregister chan *client
	done       chan struct{}
	bus        domain.SignalBus
	mu         sync.RWMutex
	logger     *slog.Logger
	mode       string
	chainID    uint64
	startedAt  time.Time
}

// broadcastMsg carries a message along with the channel and entity key it
// was published for.
type broadcastMsg struct {
	channel string
	key     string
	data    []byte
}

// Config captures runtime metadata sent to WebSocket clients on connect.
type Config struct {
	Mode      string
	ChainID   uint64
	StartedAt time.Time
}

// NewHub creates a new WebSocket hub that bridges a SignalBus to connected
// WebSocket clients.
func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
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
		unregister: make(chan *client),
		done:       make(chan struct{}),
		bus:        bus,
		logger:     logger.With(slog.String("component", "ws")),
		mode:       mode,
		chainID:    cfg.ChainID,
		startedAt:  startedAt,
	}
}

// Run starts the hub's main event loop. It handles client registration,
// unregistration, and message broadcasting, and exits when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	go h.subscribe(ctx, allSnapshots)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			h.closed = true
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected",
				slog.Int("total_clients", h.clientCount()),
			)

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if c.isSubscribed(msg.channel, msg.key) {
					select {
					case c.send <- msg.data:
					default:
						h.logger.Warn("ws: dropping message for slow client",
							slog.String("channel", msg.channel),
						)
					}
				}
			}
			h.mu.RUnlock()
		}
	}
}

// subscribe follows a bus channel and forwards every update to the
// broadcast loop, tagged with the entity channel it belongs to.
func (h *Hub) subscribe(ctx context.Context, pattern string) {
	msgCh, err := h.bus.Subscribe(ctx, pattern)
	if err != nil {
		h.logger.Error("ws: failed to subscribe to channel",
			slog.String("channel", pattern),
			slog.String("error", err.Error()),
		)
		return
	}

	h.logger.Info("ws: subscribed to channel", slog.String("channel", pattern))

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgCh:
			if !ok {
				h.logger.Warn("ws: channel subscription closed",
					slog.String("channel", pattern),
				)
				return
			}
			var env envelope
			if err := json.Unmarshal(data, &env); err != nil || env.Entity == "" {
				h.logger.Warn("ws: dropping malformed update", slog.String("channel", pattern))
				continue
			}
			select {
			case h.broadcast <- broadcastMsg{channel: domain.SnapshotChannel(env.Entity), key: env.Key, data: data}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// HandleWS upgrades an HTTP request to a WebSocket connection and registers
// the client with the hub.
// GET /ws
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
		subs: map[string]bool{allSnapshots: true},
	}

	if !h.add(c) {
		conn.Close()
		return
	}
	h.logger.Info("ws: client connected",
		slog.Int("total_clients", h.clientCount()),
	)
	c.sendStatus()

	go c.writePump()
	go c.readPump()
}

// add registers c unless the hub has shut down.
func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = true
	return true
}

// clientCount returns the number of currently connected clients.
func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// readPump reads subscription requests from the WebSocket connection.
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
				c.hub.logger.Warn("ws: unexpected close error",
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var sub subscribeMsg
		if jsonErr := json.Unmarshal(message, &sub); jsonErr == nil && sub.Action != "" {
			c.handleSubscription(sub)
		}
	}
}

// handleSubscription applies a subscribe or unsubscribe request and
// acknowledges it with the client's resulting channel list.
func (c *client) handleSubscription(msg subscribeMsg) {
	c.mu.Lock()
	switch msg.Action {
	case "subscribe":
		for _, ch := range msg.Channels {
			c.subs[ch] = true
		}
	case "unsubscribe":
		for _, ch := range msg.Channels {
			delete(c.subs, ch)
		}
	}
	channels := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		channels = append(channels, ch)
	}
	c.mu.Unlock()

	c.push(map[string]any{
		"type":     "subscriptions",
		"channels": channels,
	})
}

// sendStatus tells a new client which network the hub serves.
func (c *client) sendStatus() {
	uptime := int64(time.Since(c.hub.startedAt).Seconds())
	if uptime < 0 {
		uptime = 0
	}
	c.push(map[string]any{
		"type": "hub_status",
		"payload": map[string]any{
			"mode":           c.hub.mode,
			"chain_id":       c.hub.chainID,
			"uptime_seconds": uptime,
			"channels":       []string{allSnapshots},
		},
	})
}

// push queues a control message. It never blocks and drops the message when
// the buffer is full or the client is no longer registered.
func (c *client) push(v any) {
	msg, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// isSubscribed checks whether the client follows channel, either directly,
// for the single entity key, or through a trailing-* pattern.
func (c *client) isSubscribed(channel, key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.subs[channel] || (key != "" && c.subs[channel+":"+strings.ToLower(key)]) {
		return true
	}
	for sub := range c.subs {
		if prefix, ok := strings.CutSuffix(sub, "*"); ok && strings.HasPrefix(channel, prefix) {
			return true
		}
	}
	return false
}

// writePump pumps messages from the hub to the WebSocket connection as text
// frames and sends periodic pings for keepalive.
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
				// The hub closed the channel.
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
