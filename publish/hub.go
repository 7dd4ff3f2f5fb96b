package publish

import (
	"context"
	"sync"

	"depthbook/orderbook"
)

// Hub fans quotes out to in-process subscribers such as websocket clients. A
// subscriber that falls a full buffer behind is disconnected.
type Hub struct {
	mu     sync.Mutex
	subs   map[chan []byte]struct{}
	size   int
	last   []byte
	closed bool
}

// NewHub returns a hub giving each subscriber a buffer of size payloads
func NewHub(size int) *Hub {
	if size < 1 {
		size = 1
	}
	return &Hub{subs: make(map[chan []byte]struct{}), size: size}
}

// Subscribe returns a channel receiving every quote, starting with the latest
// one if any. The channel is closed when the subscriber is dropped, when
// cancel is called or when the hub closes.
func (h *Hub) Subscribe() (<-chan []byte, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan []byte, h.size)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	if h.last != nil {
		ch <- h.last
	}
	h.subs[ch] = struct{}{}
	return ch, func() { h.drop(ch) }
}

func (h *Hub) drop(ch chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
}

// Subscribers returns the number of live subscribers
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) Name() string { return "feed" }

func (h *Hub) Send(_ context.Context, _ *orderbook.TopOfBook, payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = payload
	for ch := range h.subs {
		select {
		case ch <- payload:
		default:
			delete(h.subs, ch)
			close(ch)
		}
	}
	return nil
}

func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ch := range h.subs {
		close(ch)
	}
	h.subs = make(map[chan []byte]struct{})
	return nil
}
