package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512
)

// Incoming and reply message types.
const (
	TypeScheduleRequest  = "download:schedule"
	TypeScheduleAccepted = "download:schedule:accepted"
	TypeScheduleRejected = "download:schedule:rejected"
)

// ErrHubFull is returned by Broadcast when the outbound queue is saturated.
var ErrHubFull = errors.New("websocket hub broadcast queue full")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// incomingMessage wraps a message from a client.
type incomingMessage struct {
	client  *Client
	message []byte
}

// SchedulePayload is the payload for download:schedule messages.
type SchedulePayload struct {
	DelaySeconds float64 `json:"delaySeconds"`
}

// SnapshotFunc returns the message a newly connected client receives first.
type SnapshotFunc func() (msgType string, payload any)

// Hub manages WebSocket connections and broadcasts.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	incoming   chan incomingMessage
	done       chan struct{}
	mu         sync.RWMutex
	logger     zerolog.Logger

	handlerMu  sync.RWMutex
	onSchedule func(delay time.Duration) error
	snapshot   SnapshotFunc
}

// Client represents a WebSocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Message represents a WebSocket message.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp string          `json:"timestamp"`
}

type outgoingMessage struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	Timestamp string `json:"timestamp"`
}

// NewHub creates a new WebSocket hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		incoming:   make(chan incomingMessage, 256),
		done:       make(chan struct{}),
		logger:     logger.With().Str("component", "websocket").Logger(),
	}
}

// SetScheduleHandler registers a handler for download:schedule messages.
func (h *Hub) SetScheduleHandler(handler func(delay time.Duration) error) {
	h.handlerMu.Lock()
	defer h.handlerMu.Unlock()
	h.onSchedule = handler
}

// SetSnapshot registers the provider for the first message sent to new clients.
func (h *Hub) SetSnapshot(fn SnapshotFunc) {
	h.handlerMu.Lock()
	defer h.handlerMu.Unlock()
	h.snapshot = fn
}

// Run starts the hub's main loop and returns when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.sendSnapshot(client)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// slow consumer
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()

		case incoming := <-h.incoming:
			h.handleIncoming(incoming)
		}
	}
}

func (h *Hub) sendSnapshot(client *Client) {
	h.handlerMu.RLock()
	fn := h.snapshot
	h.handlerMu.RUnlock()
	if fn == nil {
		return
	}

	msgType, payload := fn()
	data, err := encode(msgType, payload)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to encode snapshot")
		return
	}
	client.trySend(data)
}

// maxDelaySeconds is the largest delay that still fits in a time.Duration.
const maxDelaySeconds = math.MaxInt64 / float64(time.Second)

// handleIncoming processes messages received from clients.
func (h *Hub) handleIncoming(incoming incomingMessage) {
	var msg Message
	if err := json.Unmarshal(incoming.message, &msg); err != nil {
		h.logger.Debug().Err(err).Msg("Ignoring malformed client message")
		return
	}

	switch msg.Type {
	case TypeScheduleRequest:
		h.handlerMu.RLock()
		handler := h.onSchedule
		h.handlerMu.RUnlock()
		if handler == nil {
			return
		}

		var payload SchedulePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			h.reply(incoming.client, TypeScheduleRejected, map[string]any{"error": "invalid payload"})
			return
		}

		secs := payload.DelaySeconds
		if math.IsNaN(secs) || math.IsInf(secs, 0) || math.Abs(secs) > maxDelaySeconds {
			h.reply(incoming.client, TypeScheduleRejected, map[string]any{"error": "delaySeconds is too large"})
			return
		}

		delay := time.Duration(secs * float64(time.Second))
		if err := handler(delay); err != nil {
			h.reply(incoming.client, TypeScheduleRejected, map[string]any{"error": err.Error()})
			return
		}
		h.reply(incoming.client, TypeScheduleAccepted, map[string]any{"delaySeconds": payload.DelaySeconds})
	default:
		h.logger.Debug().Str("type", msg.Type).Msg("Ignoring unknown client message")
	}
}

func (h *Hub) reply(client *Client, msgType string, payload any) {
	data, err := encode(msgType, payload)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.clients[client] {
		client.trySend(data)
	}
}

// Broadcast queues a message for all connected clients without blocking.
func (h *Hub) Broadcast(msgType string, payload any) error {
	data, err := encode(msgType, payload)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- data:
		return nil
	default:
		return ErrHubFull
	}
}

func encode(msgType string, payload any) ([]byte, error) {
	return json.Marshal(outgoingMessage{
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket handles WebSocket connection upgrade.
func (h *Hub) HandleWebSocket(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return nil
	}

	go client.writePump()
	go client.readPump()

	return nil
}

func (c *Client) trySend(data []byte) {
	select {
	case c.send <- data:
	default:
	}
}

// readPump pumps messages from the websocket connection to the hub.
func (c *Client) readPump() {
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
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug().Err(err).Msg("WebSocket closed unexpectedly")
			}
			break
		}

		select {
		case c.hub.incoming <- incomingMessage{client: c, message: message}:
		case <-c.hub.done:
			return
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
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

			// Send any queued messages as separate frames
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
