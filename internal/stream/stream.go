package stream

import (
	"github.com/op3/ucesb-sub002/internal/errors"
)

// Flags describe the content of a committed stream.
type Flags uint8

const (
	// HasStickyEvent is set when the stream carries at least one sticky event.
	HasStickyEvent Flags = 1 << iota
	// RecoveryFirst marks the first stream of a sticky replay.
	RecoveryFirst
	// RecoveryMore marks the following streams of a sticky replay.
	RecoveryMore
	// StickyLostAfter is set when the stream that followed this one was
	// reclaimed while carrying sticky content.
	StickyLostAfter
)

// Recovery reports whether the stream belongs to a sticky replay.
func (f Flags) Recovery() bool {
	return f&(RecoveryFirst|RecoveryMore) != 0
}

// State is the place a stream is in.
type State uint8

const (
	StateFree State = iota
	StateFilling
	StateFilled
	StateActive
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateFilling:
		return "filling"
	case StateFilled:
		return "filled"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// Stream is a contiguous run of buffers.
type Stream struct {
	ID    int
	Seq   uint64
	Data  []byte
	Flags Flags

	// Filled counts bytes written by the producer. Committed streams are
	// padded, so Filled equals len(Data) once the stream leaves the producer.
	Filled int

	// Claimed is set by the dispatcher in send-once mode when a client took
	// the stream.
	Claimed bool

	bufSize int
	state   State
	refs    int
	prev    *Stream
	next    *Stream
}

func newStream(id, bufSize, bufs int) *Stream {
	return &Stream{
		ID:      id,
		Data:    make([]byte, bufSize*bufs),
		bufSize: bufSize,
	}
}

// BufSize returns the size of one buffer.
func (s *Stream) BufSize() int { return s.bufSize }

// Buffers returns the number of buffers in the stream.
func (s *Stream) Buffers() int { return len(s.Data) / s.bufSize }

// Buffer returns buffer i.
func (s *Stream) Buffer(i int) []byte {
	return s.Data[i*s.bufSize : (i+1)*s.bufSize]
}

// State returns where the stream currently is.
func (s *Stream) State() State { return s.state }

// Refs returns the number of clients holding the stream.
func (s *Stream) Refs() int { return s.refs }

// Next returns the following stream in the active list.
func (s *Stream) Next() *Stream { return s.next }

// Prev returns the preceding stream in the active list.
func (s *Stream) Prev() *Stream { return s.prev }

// Acquire adds a client reference.
func (s *Stream) Acquire() {
	if s.state != StateActive && s.state != StateFilled {
		errors.Invariant("stream", "acquire of stream %d in state %s", s.ID, s.state)
	}
	s.refs++
}

// Release drops a client reference.
func (s *Stream) Release() {
	if s.refs <= 0 {
		errors.Invariant("stream", "release of stream %d with refcount %d", s.ID, s.refs)
	}
	s.refs--
}

func (s *Stream) reset() {
	s.Seq = 0
	s.Flags = 0
	s.Filled = 0
	s.Claimed = false
	s.refs = 0
	s.prev = nil
	s.next = nil
}
