package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/descenders-modkit/modkit-server/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512
	sendBuffer     = 256
	requestTimeout = 5 * time.Second
)

// Dashboard requests and the events answering them
const (
	RequestData    = "get_data"
	RequestUsers   = "get_users"
	EventDataReply = "data_update"
	EventUserReply = "users_update"
)

// getClientIP extracts the real client IP, checking proxy headers first
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketClient is one connected dashboard
type WebSocketClient struct {
	id         string
	hub        *WebSocketHub
	router     *Router
	conn       *websocket.Conn
	remoteAddr string
	logger     zerolog.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// queue hands data to the writer without blocking. It reports false when
// the client is gone or its buffer is full.
func (c *WebSocketClient) queue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// close ends the writer. Safe to call more than once.
func (c *WebSocketClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// WebSocketHub fans dashboard events out to every connected client
type WebSocketHub struct {
	clients    map[*WebSocketClient]bool
	broadcast  chan []byte
	register   chan *WebSocketClient
	unregister chan *WebSocketClient
	done       chan struct{}
	mu         sync.RWMutex
	logger     zerolog.Logger
}

// NewWebSocketHub creates a new WebSocket hub
func NewWebSocketHub(logger zerolog.Logger) *WebSocketHub {
	return &WebSocketHub{
		clients:    make(map[*WebSocketClient]bool),
		broadcast:  make(chan []byte, sendBuffer),
		register:   make(chan *WebSocketClient),
		unregister: make(chan *WebSocketClient),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run services registrations and broadcasts until ctx ends, then closes
// every client
func (h *WebSocketHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				client.close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			client.logger.Info().Int("clients", n).Msg("Dashboard connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			client.logger.Info().Int("clients", n).Msg("Dashboard disconnected")

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if !client.queue(message) {
					client.logger.Warn().Msg("Dashboard too slow, dropping")
					client.close()
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast sends an event to all connected clients
func (h *WebSocketHub) Broadcast(event domain.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event.Type).Msg("Failed to marshal event")
		return
	}

	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn().Str("event", event.Type).Msg("Broadcast channel full, dropping event")
	}
}

// ClientCount returns the number of connected clients
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// handleWebSocket upgrades HTTP to WebSocket and manages the connection
func (r *Router) handleWebSocket(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	id := uuid.NewString()
	addr := getClientIP(req)
	client := &WebSocketClient{
		id:         id,
		hub:        r.wsHub,
		router:     r,
		conn:       conn,
		remoteAddr: addr,
		logger:     r.logger.With().Str("client_id", id).Str("address", addr).Logger(),
		send:       make(chan []byte, sendBuffer),
	}

	select {
	case r.wsHub.register <- client:
	case <-r.wsHub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump answers dashboard requests until the connection closes
func (c *WebSocketClient) readPump() {
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
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Warn().Err(err).Msg("WebSocket error")
			}
			break
		}
		c.handleRequest(strings.TrimSpace(string(message)))
	}
}

func (c *WebSocketClient) handleRequest(request string) {
	var reply domain.Event
	switch request {
	case RequestData:
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		stats, err := c.router.stats(ctx)
		cancel()
		if err != nil {
			c.logger.Error().Err(err).Msg("Failed to build stats")
			return
		}
		reply = domain.Event{Type: EventDataReply, Timestamp: stats.GeneratedAt, Data: stats}
	case RequestUsers:
		reply = domain.Event{Type: EventUserReply, Timestamp: c.router.clock.Now(), Data: c.router.riders.Riders()}
	default:
		c.logger.Debug().Str("request", request).Msg("Ignoring dashboard message")
		return
	}

	data, err := json.Marshal(reply)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to marshal reply")
		return
	}
	if !c.queue(data) {
		c.logger.Warn().Str("event", reply.Type).Msg("Dropped reply")
	}
}

// writePump sends queued messages and keeps the connection alive with pings
func (c *WebSocketClient) writePump() {
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
