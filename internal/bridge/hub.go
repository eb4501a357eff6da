package bridge

import "sync"

const hubChannelSize = 16

// hub fans values out to subscriber channels without ever blocking the
// publisher; slow subscribers miss values.
type hub[T any] struct {
	mu        sync.Mutex
	listeners []chan T
	closed    bool
}

func (h *hub[T]) Subscribe() chan T {
	ch := make(chan T, hubChannelSize)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch
	}
	h.listeners = append(h.listeners, ch)
	return ch
}

func (h *hub[T]) Unsubscribe(ch chan T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, l := range h.listeners {
		if l == ch {
			close(l)
			h.listeners = append(h.listeners[:i], h.listeners[i+1:]...)
			return
		}
	}
}

func (h *hub[T]) Publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.listeners {
		select {
		case ch <- v:
		default:
		}
	}
}

// Close closes every subscriber channel.
func (h *hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, ch := range h.listeners {
		close(ch)
	}
	h.listeners = nil
}
