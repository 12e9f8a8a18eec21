package reconcile

import "sync"

// DefaultSubscriberBuffer is the per-subscriber channel depth.
const DefaultSubscriberBuffer = 8

// Hub is an in-process, session-keyed status event broadcaster.
//
// Delivery is best effort and at most once: subscribers with a full buffer
// miss the event rather than block reconciliation, and nothing is replayed
// to late subscribers. Clients needing the authoritative state poll the
// status endpoint.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]chan StatusEvent
	nextID uint64
	buffer int
	closed bool
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithSubscriberBuffer sets the per-subscriber channel depth.
//
// Default: 8
func WithSubscriberBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// NewHub creates an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		subs:   make(map[string]map[uint64]chan StatusEvent),
		buffer: DefaultSubscriberBuffer,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers interest in a session's status events. The returned
// cancel function must be called when the subscriber goes away; it is safe
// to call more than once.
func (h *Hub) Subscribe(sessionID string) (<-chan StatusEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan StatusEvent, h.buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}

	h.nextID++
	id := h.nextID
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[uint64]chan StatusEvent)
	}
	h.subs[sessionID][id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if subs := h.subs[sessionID]; subs != nil {
				delete(subs, id)
				if len(subs) == 0 {
					delete(h.subs, sessionID)
				}
				close(ch)
			}
		})
	}
	return ch, cancel
}

// Publish delivers an event to the session's current subscribers without
// blocking. Subscribers that cannot keep up are skipped.
func (h *Hub) Publish(sessionID string, event StatusEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subs[sessionID] {
		select {
		case ch <- event:
		default:
			// Slow subscriber, drop. Polling remains the authoritative path.
		}
	}
}

// Close shuts the hub down and closes every subscriber channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for sessionID, subs := range h.subs {
		for id, ch := range subs {
			delete(subs, id)
			close(ch)
		}
		delete(h.subs, sessionID)
	}
}

// Ensure Hub implements Broadcaster
var _ Broadcaster = (*Hub)(nil)
