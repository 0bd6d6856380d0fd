package gateway

import (
	"sync"

	"github.com/chatgate/chatgate/internal/logger"
	"github.com/chatgate/chatgate/internal/metrics"
)

// Hub tracks live connections and which user each authenticated connection
// belongs to. A user may hold several connections at once (multiple tabs);
// delivery fans out to all of them, best-effort.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	users   map[string]map[*Client]bool // userID -> connections
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*Client]bool),
		users:   make(map[string]map[*Client]bool),
	}
}

// Register adds a connection in its current (possibly unauthenticated) state
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[client] = true
	metrics.ConnectedClients.Set(float64(len(h.clients)))
	logger.Info("gateway: client %s registered (total: %d)", client.ID, len(h.clients))
}

// Unregister removes a connection and its user binding
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)

	if client.UserID != "" {
		if conns, ok := h.users[client.UserID]; ok {
			delete(conns, client)
			if len(conns) == 0 {
				delete(h.users, client.UserID)
			}
		}
	}

	metrics.ConnectedClients.Set(float64(len(h.clients)))
	logger.Info("gateway: client %s unregistered (total: %d)", client.ID, len(h.clients))
}

// Bind associates an authenticated connection with its user id
func (h *Hub) Bind(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.users[client.UserID]
	if !ok {
		conns = make(map[*Client]bool)
		h.users[client.UserID] = conns
	}
	conns[client] = true
}

// DeliverToUser pushes an event to every live connection bound to userID and
// returns how many connections accepted it. Connections with a saturated
// send buffer are skipped; delivery is never blocking and never retried.
func (h *Hub) DeliverToUser(userID string, event *Event) int {
	h.mu.RLock()
	conns := make([]*Client, 0, len(h.users[userID]))
	for client := range h.users[userID] {
		conns = append(conns, client)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, client := range conns {
		if client.trySend(event) {
			delivered++
		}
	}

	if delivered > 0 {
		metrics.EventsDelivered.WithLabelValues(event.Type).Add(float64(delivered))
	}
	return delivered
}

// ClientCount returns the number of live connections
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// UserConnCount returns the number of live connections for one user
func (h *Hub) UserConnCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// Shutdown closes every connection
func (h *Hub) Shutdown() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		client.Close()
	}
}
