// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/noldarim/conductor/internal/observability"
)

const (
	maxMessageSize = 4096
	maxTopicSubs   = 50
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	writeWait      = 10 * time.Second
	maxClients     = 1000
)

// newUpgrader creates a WebSocket upgrader that respects the configured
// allowed origins. When allowedOrigins is empty the upgrader accepts any
// origin (localhost development mode). When set, only those origins are
// permitted.
func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}

	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			_, ok := allowed[origin]
			return ok
		},
	}
}

// wsClient is one connected WebSocket client. userID comes from the
// upstream gateway via the user_id query parameter; empty means an
// anonymous client that only sees globally scoped topics.
type wsClient struct {
	conn   *websocket.Conn
	send   chan []byte
	userID string

	mu     sync.RWMutex
	topics map[string]struct{}
}

// wantsTopic reports whether the client subscribed to the wire topic.
// A client with no subscriptions receives everything.
func (c *wsClient) wantsTopic(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.topics) == 0 {
		return true
	}
	_, ok := c.topics[topic]
	return ok
}

// ClientRegistry manages the connected WebSocket clients and the two
// broadcast scopes the bridge uses.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	metrics *observability.Metrics
}

// NewClientRegistry creates an empty registry. metrics may be nil.
func NewClientRegistry(metrics *observability.Metrics) *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[*wsClient]struct{}),
		metrics: metrics,
	}
}

// wireMessage is the envelope for server → client messages.
type wireMessage struct {
	Type      string    `json:"type"`
	Topic     string    `json:"topic"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// clientMessage is the envelope for client → server messages.
type clientMessage struct {
	Type  string `json:"type"` // "subscribe" or "unsubscribe"
	Topic string `json:"topic"`
}

// BroadcastToAll sends the payload under the wire topic to every
// connected client whose topic filter matches.
func (r *ClientRegistry) BroadcastToAll(topic string, payload any) {
	r.broadcast(topic, payload, func(*wsClient) bool { return true })
}

// BroadcastToUser sends the payload only to clients connected as the
// given user.
func (r *ClientRegistry) BroadcastToUser(userID, topic string, payload any) {
	if userID == "" {
		return
	}
	r.broadcast(topic, payload, func(c *wsClient) bool { return c.userID == userID })
}

func (r *ClientRegistry) broadcast(topic string, payload any, scope func(*wsClient) bool) {
	data, err := json.Marshal(wireMessage{
		Type:      "event",
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now(),
	})
	if err != nil {
		getLog().Error().Err(err).Str("topic", topic).Msg("Failed to marshal WebSocket event")
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for c := range r.clients {
		if !scope(c) || !c.wantsTopic(topic) {
			continue
		}
		select {
		case c.send <- data:
		default:
			// Slow client: drop the event rather than block fan-out.
			getLog().Warn().Str("topic", topic).Msg("Dropping event for slow WebSocket client")
		}
	}
}

// Count returns the number of connected clients.
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

func (r *ClientRegistry) add(c *wsClient) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.clients) >= maxClients {
		return false
	}
	r.clients[c] = struct{}{}
	if r.metrics != nil {
		r.metrics.ConnectedClients.Inc()
	}
	return true
}

func (r *ClientRegistry) remove(c *wsClient) {
	r.mu.Lock()
	if _, ok := r.clients[c]; ok {
		delete(r.clients, c)
		if r.metrics != nil {
			r.metrics.ConnectedClients.Dec()
		}
	}
	r.mu.Unlock()
}

// HandleWebSocket upgrades an HTTP connection and manages the client
// lifecycle. Identity comes from the user_id query parameter; the
// upstream gateway is trusted to have authenticated it.
func HandleWebSocket(registry *ClientRegistry, allowedOrigins []string) http.HandlerFunc {
	upgrader := newUpgrader(allowedOrigins)

	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			getLog().Error().Err(err).Msg("WebSocket upgrade failed")
			return
		}

		client := &wsClient{
			conn:   conn,
			send:   make(chan []byte, 64),
			userID: userID,
			topics: make(map[string]struct{}),
		}
		if !registry.add(client) {
			getLog().Warn().Msg("WebSocket connection limit reached")
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many connections"))
			conn.Close()
			return
		}
		getLog().Info().Str("remote", r.RemoteAddr).Str("user_id", userID).Msg("WebSocket client connected")

		go client.writePump()
		client.readPump(registry)
	}
}

func (c *wsClient) readPump(registry *ClientRegistry) {
	defer func() {
		registry.remove(c)
		close(c.send) // signals writePump to exit
		c.conn.Close()
		getLog().Info().Str("user_id", c.userID).Msg("WebSocket client disconnected")
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
				getLog().Error().Err(err).Msg("WebSocket read error")
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			getLog().Warn().Err(err).Msg("Invalid WebSocket message")
			continue
		}
		if msg.Topic == "" {
			continue
		}

		c.mu.Lock()
		switch msg.Type {
		case "subscribe":
			if len(c.topics) >= maxTopicSubs {
				getLog().Warn().Msg("WebSocket client hit max subscription limit")
			} else {
				c.topics[msg.Topic] = struct{}{}
				getLog().Debug().Str("topic", msg.Topic).Msg("WebSocket client subscribed")
			}
		case "unsubscribe":
			delete(c.topics, msg.Topic)
			getLog().Debug().Str("topic", msg.Topic).Msg("WebSocket client unsubscribed")
		}
		c.mu.Unlock()
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed by readPump, send close frame.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				getLog().Error().Err(err).Msg("WebSocket write error")
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
