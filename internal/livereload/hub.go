package livereload

import (
	"sync"

	"go.uber.org/multierr"
)

// Hub tracks live sessions so they can be closed together on shutdown.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{sessions: make(map[string]*Session)}
}

// Add registers s. It reports false once the hub is closed, in which case
// the caller must close s itself.
func (h *Hub) Add(s *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.sessions[s.ID()] = s
	return true
}

// Remove forgets s.
func (h *Hub) Remove(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, s.ID())
}

// Count returns the number of registered sessions.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// CountAnnounced returns the number of sessions in the Announced state.
func (h *Hub) CountAnnounced() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, s := range h.sessions {
		if s.State() == StateAnnounced {
			n++
		}
	}
	return n
}

// CloseAll closes every session and rejects further additions.
func (h *Hub) CloseAll(reason string) error {
	h.mu.Lock()
	h.closed = true
	sessions := make([]*Session, 0, len(h.sessions))
	for id, s := range h.sessions {
		sessions = append(sessions, s)
		delete(h.sessions, id)
	}
	h.mu.Unlock()

	var err error
	for _, s := range sessions {
		err = multierr.Append(err, s.Close(reason))
	}
	return err
}
