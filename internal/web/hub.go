package web

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"Aurelia/server/internal/models"
)

// TurnEvent is one pushed conversation event on the websocket stream.
type TurnEvent struct {
	Type      string       `json:"type"`
	UserID    string       `json:"user_id"`
	PersonaID string       `json:"persona_id"`
	Turn      *models.Turn `json:"turn,omitempty"`
	Time      int64        `json:"time"`
}

// Client is one websocket subscriber, pinned to a user id.
type Client struct {
	ID     string
	UserID string
	Conn   *websocket.Conn
	Send   chan []byte
	Hub    *ChatHub
	mu     sync.Mutex
	closed bool
}

// ChatHub fans conversation events out to websocket subscribers.
// Events are targeted by user id, so two devices of the same user both
// see the persona's turns in real time.
type ChatHub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	events     chan TurnEvent
	logger     *zap.Logger
	mu         sync.RWMutex
}

func NewChatHub(logger *zap.Logger) *ChatHub {
	return &ChatHub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client, 100),
		unregister: make(chan *Client, 100),
		events:     make(chan TurnEvent, 1000),
		logger:     logger,
	}
}

// Run starts the hub's event loop.
func (h *ChatHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.registerClient(client)
		case client := <-h.unregister:
			h.unregisterClient(client)
		case event := <-h.events:
			h.fanOut(event)
		}
	}
}

func (h *ChatHub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[client.ID] = client
	h.logger.Debug("websocket client connected",
		zap.String("client_id", client.ID),
		zap.String("user_id", client.UserID),
		zap.Int("total", len(h.clients)))

	go client.writePump()
}

func (h *ChatHub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.ID]; ok {
		delete(h.clients, client.ID)
		close(client.Send)
		h.logger.Debug("websocket client disconnected",
			zap.String("client_id", client.ID),
			zap.Int("total", len(h.clients)))
	}
}

// fanOut delivers an event to every client of the target user. Slow
// clients drop events rather than blocking the loop.
func (h *ChatHub) fanOut(event TurnEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to marshal turn event", zap.Error(err))
		return
	}

	for _, client := range h.clients {
		if client.UserID != event.UserID {
			continue
		}
		select {
		case client.Send <- data:
		default:
			h.logger.Warn("client send buffer full, dropping event",
				zap.String("client_id", client.ID))
		}
	}
}

// Publish queues an event for fan-out.
func (h *ChatHub) Publish(event TurnEvent) {
	event.Time = time.Now().Unix()
	select {
	case h.events <- event:
	default:
		h.logger.Warn("event channel full, dropping turn event")
	}
}

// ClientCount returns the number of connected clients.
func (h *ChatHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// writePump pumps hub messages to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.mu.Lock()
			if !ok {
				c.closed = true
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				c.mu.Unlock()
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.closed = true
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()

		case <-ticker.C:
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.closed = true
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()
		}
	}
}

// Close closes the client connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.Conn.Close()
}

// readPump drains the connection and tears the client down on close.
func (c *Client) readPump() {
	defer func() {
		c.Hub.unregister <- c
		c.Close()
	}()

	c.Conn.SetReadLimit(512)
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			break
		}
	}
}
