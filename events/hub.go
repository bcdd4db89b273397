package events

import "sync"

// Subscriber receives every event published on a Hub.
type Subscriber func(kind Kind, payload any)

// Hub fans events out to subscribers in registration order, on the
// publishing goroutine.
type Hub struct {
	mu   sync.RWMutex
	subs []Subscriber
}

// Subscribe registers fn for all future events.
func (h *Hub) Subscribe(fn Subscriber) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	h.subs = append(h.subs, fn)
	h.mu.Unlock()
}

// Publish delivers the event to every subscriber.
func (h *Hub) Publish(kind Kind, payload any) {
	h.mu.RLock()
	subs := h.subs
	h.mu.RUnlock()
	for _, fn := range subs {
		fn(kind, payload)
	}
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
