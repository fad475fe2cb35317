package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/milestonebet/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256

	// maxReplay caps the ?replay=N history sent on connect.
	maxReplay = 100
)

// Channels are the signal bus channels the hub relays.
var Channels = []string{
	domain.ChannelBets,
	domain.ChannelMarkets,
	domain.ChannelClaims,
	domain.ChannelMilestones,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Frame is what clients receive: the bus channel and the event as published.
type Frame struct {
	Channel string          `json:"channel"`
	Event   json.RawMessage `json:"event"`
}

// subscribeMsg changes a client's subscriptions. Markets narrows delivery to
// events for the listed market IDs; an empty set means every market.
//
//	{"action":"subscribe","channels":["bets"],"markets":["<id>"]}
type subscribeMsg struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
	Markets  []string `json:"markets"`
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu      sync.RWMutex
	subs    map[string]bool
	markets map[string]bool
}

// Hub bridges the signal bus to connected WebSocket clients.
type Hub struct {
	bus     domain.SignalBus
	history domain.EventHistory
	logger  *slog.Logger
	mode    string
	started time.Time

	clients    map[*client]bool
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	done       chan struct{}
	mu         sync.RWMutex
}

type broadcastMsg struct {
	channel  string
	marketID string
	data     []byte
}

// NewHub creates a Hub. history may be nil, which disables replay.
func NewHub(bus domain.SignalBus, history domain.EventHistory, mode string, logger *slog.Logger) *Hub {
	return &Hub{
		bus:        bus,
		history:    history,
		logger:     logger.With(slog.String("component", "ws_hub")),
		mode:       mode,
		started:    time.Now().UTC(),
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
}

// Run subscribes to the bus and serves clients until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	var wg sync.WaitGroup
	for _, ch := range Channels {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.subscribe(ctx, ch)
		}()
	}
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client connected", slog.Int("total_clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected", slog.Int("total_clients", n))

		case msg := <-h.broadcast:
			frame, err := json.Marshal(Frame{Channel: msg.channel, Event: msg.data})
			if err != nil {
				h.logger.Warn("ws: dropping malformed event",
					slog.String("channel", msg.channel),
					slog.String("error", err.Error()),
				)
				continue
			}
			h.mu.RLock()
			for c := range h.clients {
				if !c.wants(msg.channel, msg.marketID) {
					continue
				}
				select {
				case c.send <- frame:
				default:
					h.logger.Warn("ws: dropping message for slow client")
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) subscribe(ctx context.Context, channel string) {
	msgs, err := h.bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.Error("ws: failed to subscribe to channel",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgs:
			if !ok {
				h.logger.Warn("ws: channel subscription closed", slog.String("channel", channel))
				return
			}
			select {
			case h.broadcast <- broadcastMsg{channel: channel, marketID: marketOf(data), data: data}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func marketOf(data []byte) string {
	var evt struct {
		MarketID string `json:"market_id"`
	}
	_ = json.Unmarshal(data, &evt)
	return evt.MarketID
}

// HandleWS upgrades the request and registers the client. The query
// parameter replay=N sends up to N recent events per channel first.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	replay, _ := strconv.Atoi(r.URL.Query().Get("replay"))
	replay = min(max(replay, 0), maxReplay)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		subs:    make(map[string]bool),
		markets: make(map[string]bool),
	}
	for _, ch := range Channels {
		c.subs[ch] = true
	}

	c.enqueue(h.hello())
	if replay > 0 {
		h.replay(r.Context(), c, replay)
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (h *Hub) hello() []byte {
	msg, _ := json.Marshal(map[string]any{
		"type": "hello",
		"data": map[string]any{
			"mode":           h.mode,
			"channels":       Channels,
			"uptime_seconds": int64(time.Since(h.started).Seconds()),
		},
	})
	return msg
}

func (h *Hub) replay(ctx context.Context, c *client, n int) {
	if h.history == nil {
		return
	}
	for _, ch := range Channels {
		events, err := h.history.Recent(ctx, ch, n)
		if err != nil {
			h.logger.Warn("ws: replay failed",
				slog.String("channel", ch),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, evt := range events {
			frame, err := json.Marshal(Frame{Channel: ch, Event: evt})
			if err != nil {
				continue
			}
			c.enqueue(frame)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *client) enqueue(msg []byte) {
	select {
	case c.send <- msg:
	default:
	}
}

func (c *client) wants(channel, marketID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.subs[channel] {
		return false
	}
	return len(c.markets) == 0 || c.markets[marketID]
}

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
		if err := json.Unmarshal(message, &sub); err == nil && sub.Action != "" {
			c.apply(sub)
		}
	}
}

func (c *client) apply(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Action {
	case "subscribe":
		// a channel list replaces the default of every channel
		if len(msg.Channels) > 0 {
			c.subs = make(map[string]bool, len(msg.Channels))
			for _, ch := range msg.Channels {
				c.subs[ch] = true
			}
		}
		for _, id := range msg.Markets {
			c.markets[id] = true
		}
	case "unsubscribe":
		for _, ch := range msg.Channels {
			delete(c.subs, ch)
		}
		for _, id := range msg.Markets {
			delete(c.markets, id)
		}
	}
}

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
