package stream

import "sync/atomic"

// Ring is a bounded single-producer single-consumer queue of streams.
// Push may only be called from one goroutine and Pop from one other.
type Ring struct {
	slots []*Stream
	head  atomic.Uint64
	tail  atomic.Uint64
}

// NewRing returns a ring holding up to n streams.
func NewRing(n int) *Ring {
	if n < 1 {
		n = 1
	}
	return &Ring{slots: make([]*Stream, n)}
}

// Push appends s. It returns false when the ring is full.
func (r *Ring) Push(s *Stream) bool {
	t := r.tail.Load()
	if t-r.head.Load() == uint64(len(r.slots)) {
		return false
	}
	r.slots[t%uint64(len(r.slots))] = s
	r.tail.Store(t + 1)
	return true
}

// Pop removes the oldest stream, or returns nil when the ring is empty.
func (r *Ring) Pop() *Stream {
	h := r.head.Load()
	if h == r.tail.Load() {
		return nil
	}
	i := h % uint64(len(r.slots))
	s := r.slots[i]
	r.slots[i] = nil
	r.head.Store(h + 1)
	return s
}

// Len returns the number of queued streams.
func (r *Ring) Len() int {
	return int(r.tail.Load() - r.head.Load())
}

// Cap returns the ring capacity.
func (r *Ring) Cap() int {
	return len(r.slots)
}

// Full reports whether Push would fail.
func (r *Ring) Full() bool {
	return r.Len() == len(r.slots)
}
