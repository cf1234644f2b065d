package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"lobfeed/internal/exchange"
	"lobfeed/internal/orderbook"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type MessageType string

const (
	MessageTypeSnapshot     MessageType = "snapshot"
	MessageTypeSubscribed   MessageType = "subscribed"
	MessageTypeUnsubscribed MessageType = "unsubscribed"
	MessageTypeError        MessageType = "error"
)

// ErrBroadcastFull is returned by Publish when clients cannot keep up
var ErrBroadcastFull = errors.New("broadcast buffer full")

// ClientMessage represents messages sent from client to server
type ClientMessage struct {
	Type     string                `json:"type"`
	Exchange exchange.ExchangeName `json:"exchange,omitempty"`
	Symbol   string                `json:"symbol,omitempty"`
}

// SnapshotMessage carries one rendered snapshot
type SnapshotMessage struct {
	Type      MessageType           `json:"type"`
	Exchange  exchange.ExchangeName `json:"exchange"`
	Symbol    string                `json:"symbol"`
	Sequence  int64                 `json:"sequence"`
	Midpoint  float64               `json:"midPrice"`
	Spread    float64               `json:"spread"`
	Vector    []float64             `json:"vector"`
	Timestamp int64                 `json:"timestamp"`
}

// AckMessage answers subscribe and unsubscribe requests
type AckMessage struct {
	Type     MessageType           `json:"type"`
	Exchange exchange.ExchangeName `json:"exchange,omitempty"`
	Symbol   string                `json:"symbol,omitempty"`
	Message  string                `json:"message,omitempty"`
}

type client struct {
	conn *websocket.Conn

	mu     sync.Mutex
	books  map[string]bool
	closed bool
}

func bookKey(name exchange.ExchangeName, symbol string) string {
	return string(name) + ":" + symbol
}

// wants reports whether the client follows a book; no subscriptions means all books
func (c *client) wants(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.books) == 0 || c.books[key]
}

func (c *client) write(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(v)
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.conn.Close()
	}
}

// Hub streams rendered snapshots to websocket clients. It is a snapshot sink
// and an http.Handler for the upgrade endpoint.
type Hub struct {
	upgrader   websocket.Upgrader
	clients    map[*client]bool
	clientsMux sync.RWMutex
	broadcast  chan orderbook.Snapshot
	log        zerolog.Logger
}

// NewHub creates a hub buffering up to buffer snapshots
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 100
	}
	return &Hub{
		clients:   make(map[*client]bool),
		broadcast: make(chan orderbook.Snapshot, buffer),
		log:       log.With().Str("component", "websocket").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (h *Hub) Name() string { return "websocket" }

// Publish queues a snapshot for every interested client
func (h *Hub) Publish(_ context.Context, snap orderbook.Snapshot) error {
	select {
	case h.broadcast <- snap:
		return nil
	default:
		return ErrBroadcastFull
	}
}

// Run broadcasts queued snapshots until ctx is done
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap := <-h.broadcast:
			h.send(snap)
		}
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.clientsMux.RLock()
	defer h.clientsMux.RUnlock()
	return len(h.clients)
}

// Close disconnects every client
func (h *Hub) Close() error {
	h.clientsMux.Lock()
	defer h.clientsMux.Unlock()
	for c := range h.clients {
		c.close()
		delete(h.clients, c)
	}
	return nil
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("WebSocket upgrade error")
		return
	}
	c := &client{conn: conn, books: make(map[string]bool)}
	h.add(c)
	h.log.Info().Str("remote", r.RemoteAddr).Msg("New WebSocket client connected")

	defer func() {
		h.remove(c)
		h.log.Info().Str("remote", r.RemoteAddr).Msg("WebSocket client disconnected")
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			h.log.Debug().Err(err).Msg("Error parsing client message")
			_ = c.write(AckMessage{Type: MessageTypeError, Message: "malformed message"})
			continue
		}
		h.handleClientMessage(c, msg)
	}
}

func (h *Hub) handleClientMessage(c *client, msg ClientMessage) {
	key := bookKey(msg.Exchange, msg.Symbol)
	switch msg.Type {
	case "subscribe":
		c.mu.Lock()
		c.books[key] = true
		c.mu.Unlock()
		_ = c.write(AckMessage{Type: MessageTypeSubscribed, Exchange: msg.Exchange, Symbol: msg.Symbol})
	case "unsubscribe":
		c.mu.Lock()
		delete(c.books, key)
		c.mu.Unlock()
		_ = c.write(AckMessage{Type: MessageTypeUnsubscribed, Exchange: msg.Exchange, Symbol: msg.Symbol})
	default:
		h.log.Debug().Str("type", msg.Type).Msg("Unknown message type")
		_ = c.write(AckMessage{Type: MessageTypeError, Message: "unknown message type " + msg.Type})
	}
}

func (h *Hub) send(snap orderbook.Snapshot) {
	msg := SnapshotMessage{
		Type:      MessageTypeSnapshot,
		Exchange:  snap.Exchange,
		Symbol:    snap.Symbol,
		Sequence:  snap.Sequence,
		Midpoint:  snap.Midpoint,
		Spread:    snap.Spread,
		Vector:    snap.Vector,
		Timestamp: snap.Time.UnixMilli(),
	}
	key := bookKey(snap.Exchange, snap.Symbol)

	h.clientsMux.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.clientsMux.RUnlock()

	for _, c := range targets {
		if !c.wants(key) {
			continue
		}
		if err := c.write(msg); err != nil {
			h.log.Debug().Err(err).Msg("Error writing to client")
			h.remove(c)
		}
	}
}

func (h *Hub) add(c *client) {
	h.clientsMux.Lock()
	h.clients[c] = true
	h.clientsMux.Unlock()
}

func (h *Hub) remove(c *client) {
	h.clientsMux.Lock()
	delete(h.clients, c)
	h.clientsMux.Unlock()
	c.close()
}
