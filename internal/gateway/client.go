package gateway

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatgate/chatgate/internal/logger"
	"github.com/chatgate/chatgate/internal/metrics"
	"github.com/chatgate/chatgate/internal/queue"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 65536

	// Outbound buffer per connection.
	sendBufferSize = 256
)

// Client is one live WebSocket connection. UserID and Username are set only
// after the handshake authenticates; an unauthenticated connection stays
// registered but every chat event on it is rejected.
type Client struct {
	ID       string
	UserID   string
	Username string

	server *Server
	hub    *Hub
	conn   *websocket.Conn
	send   chan *Event

	authenticated bool
	closeOnce     sync.Once
}

// newClient wraps an upgraded connection
func newClient(server *Server, conn *websocket.Conn) *Client {
	return &Client{
		ID:     generateConnectionID(),
		server: server,
		hub:    server.hub,
		conn:   conn,
		send:   make(chan *Event, sendBufferSize),
	}
}

// readPump pumps events from the connection to the gateway
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Error("gateway: read error on %s: %v", c.ID, err)
			}
			return
		}

		var event Event
		if err := json.Unmarshal(data, &event); err != nil {
			logger.Warn("gateway: malformed event from %s: %v", c.ID, err)
			c.trySend(errorEvent("malformed event"))
			continue
		}

		c.handleEvent(&event)
	}
}

// writePump pumps events from the send buffer to the connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case event := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(event); err != nil {
				logger.Debug("gateway: write to %s failed: %v", c.ID, err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleEvent dispatches one inbound event
func (c *Client) handleEvent(event *Event) {
	switch event.Type {
	case EventTypePing:
		c.trySend(&Event{Type: EventTypePong})

	case EventTypeChat:
		c.handleChat(event)

	default:
		logger.Warn("gateway: unknown event type %q from %s", event.Type, c.ID)
		c.trySend(errorEvent("unknown event type: " + event.Type))
	}
}

// handleChat validates and enqueues a chat request. An unauthenticated
// connection gets exactly one error event and nothing is enqueued.
func (c *Client) handleChat(event *Event) {
	if !c.authenticated {
		c.trySend(errorEvent("not authenticated"))
		return
	}
	if event.Content == "" {
		c.trySend(errorEvent("chat content must not be empty"))
		return
	}

	entry := &queue.Entry{
		UserID:   c.UserID,
		Content:  event.Content,
		Metadata: event.Metadata,
		ConnID:   c.ID,
	}

	dispatcher := c.server.getDispatcher()
	if dispatcher == nil {
		c.trySend(errorEvent("failed to accept chat request"))
		return
	}

	if err := dispatcher.Enqueue(entry); err != nil {
		switch {
		case errors.Is(err, queue.ErrQueueFull):
			c.trySend(errorEvent("too many pending requests"))
		case errors.Is(err, queue.ErrShuttingDown):
			c.trySend(errorEvent("server is shutting down"))
		default:
			logger.Error("gateway: enqueue for user %s failed: %v", c.UserID, err)
			c.trySend(errorEvent("failed to accept chat request"))
		}
	}
}

// trySend queues an event for this connection without blocking. Returns
// false when the connection's buffer is saturated; the event is dropped.
func (c *Client) trySend(event *Event) bool {
	select {
	case c.send <- event:
		return true
	default:
		metrics.EventsDropped.Inc()
		logger.Warn("gateway: send buffer full on %s, dropping %s event", c.ID, event.Type)
		return false
	}
}

// Close closes the underlying connection once
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}

// generateConnectionID generates an opaque connection id
func generateConnectionID() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		return time.Now().Format("20060102150405.000000000")
	}
	return hex.EncodeToString(bytes)
}
