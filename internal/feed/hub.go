package feed

import "sync"

const subscriberBuffer = 16

// Message is one server-sent event.
type Message struct {
	Event string
	Data  any
}

// hub fans messages out to the SSE streams of one session. A subscriber
// that falls behind loses messages; every state event carries the full
// state, so the next one catches it up.
type hub struct {
	mu     sync.Mutex
	subs   map[int]chan Message
	nextID int
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[int]chan Message)}
}

// subscribe registers a stream and queues the messages initial returns
// ahead of anything published later. The channel is closed when the stream
// is cancelled or the hub shuts down.
func (h *hub) subscribe(initial func() []Message) (<-chan Message, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		ch := make(chan Message)
		close(ch)
		return ch, func() {}
	}
	first := initial()
	ch := make(chan Message, subscriberBuffer+len(first))
	for _, msg := range first {
		ch <- msg
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
}

func (h *hub) publish(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
