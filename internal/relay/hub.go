package relay

import (
	"maps"
	"slices"
	"sync"

	"go.uber.org/zap"
)

// Hub tracks live connections per user. A user may hold several.
type Hub struct {
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[int64]map[*client]struct{}
}

func newHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[int64]map[*client]struct{}),
	}
}

// add registers c and reports whether it is the user's first connection.
func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.clients[c.user.ID]
	if !ok {
		conns = make(map[*client]struct{})
		h.clients[c.user.ID] = conns
	}
	conns[c] = struct{}{}
	h.logger.Debug("client registered", zap.Int64("user_id", c.user.ID), zap.String("conn", c.id), zap.Int("connections", len(conns)))
	return !ok
}

// remove unregisters c, closes its send queue and reports whether the user
// has no connection left.
func (h *Hub) remove(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.clients[c.user.ID]
	if !ok {
		return false
	}
	if _, exists := conns[c]; !exists {
		return false
	}
	delete(conns, c)
	close(c.send)
	if len(conns) == 0 {
		delete(h.clients, c.user.ID)
		return true
	}
	return false
}

func (h *Hub) online(userID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

// onlineUsers returns the connected user ids in ascending order.
func (h *Hub) onlineUsers() []int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return slices.Sorted(maps.Keys(h.clients))
}

// sendTo queues frame on every connection of userID except skip.
func (h *Hub) sendTo(userID int64, frame []byte, skip *client) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[userID] {
		if c != skip {
			c.enqueue(frame)
		}
	}
}

// sendToRoom queues frame on the connections of userID that joined conversationID.
func (h *Hub) sendToRoom(userID, conversationID int64, frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[userID] {
		if c.joined(conversationID) {
			c.enqueue(frame)
		}
	}
}

// broadcastExcept queues frame on every connection not owned by userID.
func (h *Hub) broadcastExcept(userID int64, frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, conns := range h.clients {
		if id == userID {
			continue
		}
		for c := range conns {
			c.enqueue(frame)
		}
	}
}

// closeAll drops every connection.
func (h *Hub) closeAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, conns := range h.clients {
		for c := range conns {
			c.close()
		}
	}
}
