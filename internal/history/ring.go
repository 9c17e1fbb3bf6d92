package history

import "github.com/andy6609/chatrelay/internal/wire"

// ring is a fixed-capacity FIFO; pushing onto a full ring evicts the oldest entry.
type ring struct {
	items []wire.ChatEvent
	head  int
	size  int
}

func newRing(capacity int) *ring {
	return &ring{items: make([]wire.ChatEvent, capacity)}
}

func (r *ring) push(e wire.ChatEvent) {
	if len(r.items) == 0 {
		return
	}
	if r.size < len(r.items) {
		r.items[(r.head+r.size)%len(r.items)] = e
		r.size++
		return
	}
	r.items[r.head] = e
	r.head = (r.head + 1) % len(r.items)
}

// snapshot copies the entries oldest first.
func (r *ring) snapshot() []wire.ChatEvent {
	out := make([]wire.ChatEvent, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.items[(r.head+i)%len(r.items)])
	}
	return out
}

func (r *ring) len() int { return r.size }
