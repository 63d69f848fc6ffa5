package stream

import (
	"fmt"

	"github.com/op3/ucesb-sub002/internal/errors"
)

// Config sizes a pool.
type Config struct {
	BufSize    int // bytes per buffer
	StreamBufs int // buffers per stream
	MaxStreams int // streams allocated at most
	QueueLen   int // filled ring capacity, defaults to MaxStreams/2
}

// Pool owns all streams.
//
// TakeFree and Commit are called by the producer. Every other method is
// called by the dispatcher.
type Pool struct {
	cfg     Config
	free    *Ring
	filled  *Ring
	created int
	nextID  int

	head   *Stream
	tail   *Stream
	active int
}

// NewPool returns an empty pool. Streams are allocated on demand by
// CreateFreeStream.
func NewPool(cfg Config) (*Pool, error) {
	if cfg.BufSize <= 0 || cfg.StreamBufs <= 0 {
		return nil, fmt.Errorf("invalid stream geometry %dx%d", cfg.StreamBufs, cfg.BufSize)
	}
	if cfg.MaxStreams < 2 {
		return nil, fmt.Errorf("max streams must be at least 2, got %d", cfg.MaxStreams)
	}
	if cfg.QueueLen <= 0 {
		cfg.QueueLen = max(1, cfg.MaxStreams/2)
	}
	return &Pool{
		cfg:    cfg,
		free:   NewRing(cfg.MaxStreams),
		filled: NewRing(cfg.QueueLen),
	}, nil
}

// Config returns the pool geometry.
func (p *Pool) Config() Config { return p.cfg }

// StreamSize returns the number of bytes in one stream.
func (p *Pool) StreamSize() int { return p.cfg.BufSize * p.cfg.StreamBufs }

// TakeFree pops a free stream for filling, or returns nil when none is free.
func (p *Pool) TakeFree() *Stream {
	s := p.free.Pop()
	if s == nil {
		return nil
	}
	if s.state != StateFree {
		errors.Invariant("pool", "stream %d on free ring in state %s", s.ID, s.state)
	}
	s.state = StateFilling
	return s
}

// Commit queues a filled stream for the dispatcher. It returns false when
// the filled ring is full; the stream stays with the producer.
func (p *Pool) Commit(s *Stream) bool {
	if s.state != StateFilling {
		errors.Invariant("pool", "commit of stream %d in state %s", s.ID, s.state)
	}
	s.state = StateFilled
	if !p.filled.Push(s) {
		s.state = StateFilling
		return false
	}
	return true
}

// QueueFull reports whether the filled ring has no room.
func (p *Pool) QueueFull() bool { return p.filled.Full() }

// CreateFreeStream allocates a new stream onto the free ring. It returns
// false once MaxStreams streams exist.
func (p *Pool) CreateFreeStream() bool {
	if p.created >= p.cfg.MaxStreams {
		return false
	}
	s := newStream(p.nextID, p.cfg.BufSize, p.cfg.StreamBufs)
	p.nextID++
	p.created++
	if !p.free.Push(s) {
		errors.Invariant("pool", "free ring full with %d of %d streams", p.created, p.cfg.MaxStreams)
	}
	return true
}

// AddFreeStream returns s to the free ring. When the ring is full the
// stream is dropped and its memory left to the garbage collector.
func (p *Pool) AddFreeStream(s *Stream) {
	if s.refs != 0 {
		errors.Invariant("pool", "freeing stream %d with refcount %d", s.ID, s.refs)
	}
	if s.state == StateActive {
		errors.Invariant("pool", "freeing stream %d still in active list", s.ID)
	}
	s.reset()
	s.state = StateFree
	if !p.free.Push(s) {
		p.created--
	}
}

// FreeLen returns the number of streams on the free ring.
func (p *Pool) FreeLen() int { return p.free.Len() }

// FilledLen returns the number of streams waiting on the filled ring.
func (p *Pool) FilledLen() int { return p.filled.Len() }

// Created returns the number of streams allocated.
func (p *Pool) Created() int { return p.created }

// DequeFilled pops the oldest filled stream, or returns nil.
func (p *Pool) DequeFilled() *Stream {
	s := p.filled.Pop()
	if s != nil && s.state != StateFilled {
		errors.Invariant("pool", "stream %d on filled ring in state %s", s.ID, s.state)
	}
	return s
}

// AddClientStream appends s to the active list.
func (p *Pool) AddClientStream(s *Stream) {
	if s.state != StateFilled {
		errors.Invariant("pool", "activating stream %d in state %s", s.ID, s.state)
	}
	s.state = StateActive
	s.prev = p.tail
	s.next = nil
	if p.tail != nil {
		p.tail.next = s
	} else {
		p.head = s
	}
	p.tail = s
	p.active++
}

// Unlink removes s from the active list.
func (p *Pool) Unlink(s *Stream) {
	if s.state != StateActive {
		errors.Invariant("pool", "unlinking stream %d in state %s", s.ID, s.state)
	}
	if s.prev != nil {
		s.prev.next = s.next
	} else {
		p.head = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	} else {
		p.tail = s.prev
	}
	s.prev = nil
	s.next = nil
	s.state = StateFilled
	p.active--
}

// Oldest returns the head of the active list.
func (p *Pool) Oldest() *Stream { return p.head }

// Newest returns the tail of the active list.
func (p *Pool) Newest() *Stream { return p.tail }

// ActiveLen returns the number of streams in the active list.
func (p *Pool) ActiveLen() int { return p.active }

// FreeOldestUnused moves the oldest unreferenced active stream, never the
// newest, to the free ring. If that stream carried sticky content its
// predecessor is flagged StickyLostAfter. With keepUnsent only streams
// older than every referenced stream qualify, since clients still have to
// read the ones after. It returns false when no stream qualifies.
func (p *Pool) FreeOldestUnused(keepUnsent bool) bool {
	for s := p.head; s != nil && s != p.tail; s = s.next {
		if s.refs != 0 {
			if keepUnsent {
				return false
			}
			continue
		}
		if s.Flags&HasStickyEvent != 0 && s.prev != nil {
			s.prev.Flags |= StickyLostAfter
		}
		p.Unlink(s)
		p.AddFreeStream(s)
		return true
	}
	return false
}

// ReclaimOldest forcibly takes the oldest active stream, never the newest,
// even when clients hold it. The stream gets fresh memory; writes still in
// flight keep the old bytes alive. It returns the stream and the number of
// references that were dropped, or nil when the active list has fewer than
// two streams. The caller must forget every client reference to the stream.
func (p *Pool) ReclaimOldest() (*Stream, int) {
	s := p.head
	if s == nil || s == p.tail {
		return nil, 0
	}
	dropped := s.refs
	s.refs = 0
	p.Unlink(s)
	s.Data = make([]byte, len(s.Data))
	p.AddFreeStream(s)
	return s, dropped
}

// Check verifies that every allocated stream is in exactly one place. It
// may only be called while the producer is idle.
func (p *Pool) Check(filling int) error {
	n := 0
	for s := p.head; s != nil; s = s.next {
		if s.state != StateActive {
			return fmt.Errorf("stream %d in active list has state %s", s.ID, s.state)
		}
		if s.refs < 0 {
			return fmt.Errorf("stream %d has refcount %d", s.ID, s.refs)
		}
		if s.next != nil && s.next.prev != s {
			return fmt.Errorf("stream %d: broken back link", s.ID)
		}
		n++
	}
	if n != p.active {
		return fmt.Errorf("active list holds %d streams, counted %d", n, p.active)
	}
	total := p.free.Len() + p.filled.Len() + p.active + filling
	if total != p.created {
		return fmt.Errorf("%d free + %d filled + %d active + %d filling != %d created",
			p.free.Len(), p.filled.Len(), p.active, filling, p.created)
	}
	return nil
}
