package ws

import "sync"

// Hub tracks which connections are attached to which session so teardown
// can broadcast a clear-chat notice to any still-connected listener.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]map[*client]struct{})}
}

func (h *Hub) attach(sessionID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.clients[sessionID]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[sessionID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) detach(sessionID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.clients[sessionID]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, sessionID)
	}
}

// BroadcastClear informs every listener of the session that its server-side
// state has been torn down. Used as the cleaner's notify callback.
func (h *Hub) BroadcastClear(sessionID string) {
	h.mu.RLock()
	listeners := make([]*client, 0, len(h.clients[sessionID]))
	for c := range h.clients[sessionID] {
		listeners = append(listeners, c)
	}
	h.mu.RUnlock()

	for _, c := range listeners {
		c.send(outgoingMessage{Type: "clear_chat", SessionID: sessionID})
	}
}
