package server

import (
	"errors"
	"sync"
)

var errTooManyClients = errors.New("maximum clients reached")

// hub tracks the connected UI clients.
type hub struct {
	mu      sync.RWMutex
	clients map[string]*client
	max     int
}

func newHub(max int) *hub {
	return &hub{
		clients: make(map[string]*client),
		max:     max,
	}
}

func (h *hub) add(c *client) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.max > 0 && len(h.clients) >= h.max {
		return errTooManyClients
	}
	h.clients[c.id] = c
	return nil
}

func (h *hub) remove(id string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	delete(h.clients, id)
	h.mu.Unlock()
	if ok {
		c.close()
	}
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// broadcast queues msg on every client without blocking.
func (h *hub) broadcast(msg any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.queueMessage(msg)
	}
}

// closeAll closes every client
func (h *hub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*client)
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}
