package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10 // 54 seconds

	// subscribeAll receives events of every session.
	subscribeAll = "all"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // operator consoles are served from other origins
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
}

type Client struct {
	hub  *WebSocketHub
	conn *websocket.Conn
	send chan []byte

	mu         sync.RWMutex
	subscribed map[string]bool
}

func (c *Client) wants(sessionID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscribed[sessionID] || c.subscribed[subscribeAll]
}

func (c *Client) setSubscribed(sessionID string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.subscribed[sessionID] = true
	} else {
		delete(c.subscribed, sessionID)
	}
}

// WebSocketHub fans controller events out to live displays. Clients choose
// the sessions they follow with subscribe/unsubscribe messages.
type WebSocketHub struct {
	clients map[*Client]bool
	closed  bool
	mu      sync.RWMutex
	log     zerolog.Logger
}

func NewWebSocketHub(log zerolog.Logger) *WebSocketHub {
	return &WebSocketHub{
		clients: make(map[*Client]bool),
		log:     log,
	}
}

// Run blocks until ctx is done, then disconnects every client.
func (h *WebSocketHub) Run(ctx context.Context) {
	<-ctx.Done()
	h.mu.Lock()
	h.closed = true
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()
}

func (h *WebSocketHub) register(client *Client) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()
	h.log.Debug().Int("total", total).Msg("client connected")
	return true
}

func (h *WebSocketHub) unregister(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	total := len(h.clients)
	h.mu.Unlock()
	h.log.Debug().Int("total", total).Msg("client disconnected")
}

// reply queues msg for one client if it is still registered.
func (h *WebSocketHub) reply(client *Client, msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.clients[client] {
		h.deliver(client, msg)
	}
}

// ClientCount reports the number of registered clients.
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastToDevice sends message to clients subscribed to sessionID or to
// all sessions.
func (h *WebSocketHub) BroadcastToDevice(sessionID string, message interface{}) {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to marshal message")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for client := range h.clients {
		if client.wants(sessionID) {
			delivered++
			h.deliver(client, messageBytes)
		}
	}
	h.log.Debug().Str("session", sessionID).Int("clients", delivered).Int("bytes", len(messageBytes)).Msg("event sent")
}

// BroadcastToAll sends a message to all connected clients
func (h *WebSocketHub) BroadcastToAll(message interface{}) {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to marshal message")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		h.deliver(client, messageBytes)
	}
}

// deliver never blocks: a full queue drops its oldest message.
func (h *WebSocketHub) deliver(client *Client, msg []byte) {
	select {
	case client.send <- msg:
		return
	default:
	}
	select {
	case <-client.send:
	default:
	}
	select {
	case client.send <- msg:
	default:
		h.log.Warn().Msg("client queue full, dropping event")
	}
}

func HandleWebSocket(hub *WebSocketHub, c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		hub.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, 64),
		subscribed: make(map[string]bool),
	}
	if sessionID := c.Query("session_id"); sessionID != "" {
		client.subscribed[sessionID] = true
	}

	if !hub.register(client) {
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

type subscription struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// readPump handles subscription messages from the client.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(1 << 16)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn().Err(err).Msg("websocket error")
			}
			break
		}

		var msg subscription
		if err := json.Unmarshal(message, &msg); err != nil || msg.SessionID == "" {
			continue
		}
		switch msg.Type {
		case "subscribe":
			c.setSubscribed(msg.SessionID, true)
			c.hub.log.Debug().Str("session", msg.SessionID).Msg("client subscribed")
		case "unsubscribe":
			c.setSubscribed(msg.SessionID, false)
			c.hub.log.Debug().Str("session", msg.SessionID).Msg("client unsubscribed")
		default:
			continue
		}
		ack, _ := json.Marshal(subscription{Type: msg.Type + "d", SessionID: msg.SessionID})
		c.hub.reply(c, ack)
	}
}

// writePump forwards queued events and keeps the connection alive.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
