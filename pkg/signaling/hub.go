package signaling

import (
	"sync"
)

// hub indexes live clients by connection id and username.
type hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func newHub() *hub {
	return &hub{clients: make(map[string]*Client)}
}

func (h *hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c.ID()] = c
	h.mu.Unlock()
}

func (h *hub) remove(id string) {
	h.mu.Lock()
	delete(h.clients, id)
	h.mu.Unlock()
}

func (h *hub) get(id string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	return c, ok
}

func (h *hub) byUsername(username string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*Client
	for _, c := range h.clients {
		if c.Username() == username {
			out = append(out, c)
		}
	}
	return out
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
