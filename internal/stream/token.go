package stream

import "sync/atomic"

// Token is a wake-up message between producer and dispatcher.
type Token uint8

const (
	// NeedFreeStream: producer to dispatcher, the free ring is empty.
	NeedFreeStream Token = iota + 1
	// HaveFreeStream: dispatcher to producer, a stream was freed.
	HaveFreeStream
	// QueueFull: producer to dispatcher, the filled ring is full.
	QueueFull
	// QueueSlotFree: dispatcher to producer, the filled ring has room.
	QueueSlotFree
	// FilledBuffer: producer to dispatcher, a buffer completed.
	FilledBuffer
	// FilledStream: producer to dispatcher, a stream was committed.
	FilledStream
	// Shutdown: producer to dispatcher, no more data follows.
	Shutdown
)

func (t Token) String() string {
	switch t {
	case NeedFreeStream:
		return "need_free_stream"
	case HaveFreeStream:
		return "have_free_stream"
	case QueueFull:
		return "queue_full"
	case QueueSlotFree:
		return "queue_slot_free"
	case FilledBuffer:
		return "filled_buffer"
	case FilledStream:
		return "filled_stream"
	case Shutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Link carries tokens in both directions.
type Link struct {
	ToDispatcher chan Token
	ToProducer   chan Token
}

// NewLink returns a link with buffered channels.
func NewLink() *Link {
	return &Link{
		ToDispatcher: make(chan Token, 8),
		ToProducer:   make(chan Token, 1),
	}
}

// Notify sends t to the dispatcher unless a wake-up is already pending.
func (l *Link) Notify(t Token) {
	select {
	case l.ToDispatcher <- t:
	default:
	}
}

// Signals are flags the dispatcher raises for the producer.
type Signals struct {
	// RecoveryRequested asks the producer to inject a sticky replay at the
	// next stream boundary.
	RecoveryRequested atomic.Bool
	// FlushRequested asks the producer to commit a partially filled stream.
	FlushRequested atomic.Bool
}
