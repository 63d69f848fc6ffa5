// Package producer packs events into the buffers of a stream and hands
// committed streams to the dispatcher.
package producer

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/op3/ucesb-sub002/internal/errors"
	"github.com/op3/ucesb-sub002/internal/observability"
	"github.com/op3/ucesb-sub002/internal/sticky"
	"github.com/op3/ucesb-sub002/internal/stream"
	"github.com/op3/ucesb-sub002/pkg/event"
	"github.com/op3/ucesb-sub002/pkg/lmd"
)

// Config wires a producer to the pool and the dispatcher.
type Config struct {
	Pool    *stream.Pool
	Link    *stream.Link
	Signals *stream.Signals
	Store   *sticky.Store
	// Done is closed when the dispatcher stops; blocked calls then fail.
	Done    <-chan struct{}
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Producer is the buffer filler. All methods are safe for concurrent use;
// calls are serialized.
type Producer struct {
	mu      sync.Mutex
	pool    *stream.Pool
	link    *stream.Link
	signals *stream.Signals
	store   *sticky.Store
	done    <-chan struct{}
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	cur *stream.Stream
	buf int
	off int
	hdr lmd.BufferHeader

	// fragment in progress
	fragStart   int
	contStart   int
	fragType    int16
	fragSubtype int16

	bufSeq int32
	seq    uint64

	writes       uint64
	polledWrites uint64

	replaying     bool
	replayStarted bool
	closed        bool
}

// New creates a producer.
func New(cfg Config) *Producer {
	return &Producer{
		pool:      cfg.Pool,
		link:      cfg.Link,
		signals:   cfg.Signals,
		store:     cfg.Store,
		done:      cfg.Done,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		now:       time.Now,
		fragStart: -1,
		contStart: -1,
	}
}

// WriteEvent packs ev into the current stream. Sticky events are also
// remembered by the sticky store unless replay is set.
func (p *Producer) WriteEvent(ev *event.Record, replay bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errors.ErrProducerClosed
	}
	p.writes++
	return p.write(ev, replay)
}

// Poll commits a partially filled stream when the dispatcher asked for a
// flush, and injects a pending sticky replay when no events arrived since
// the previous poll.
func (p *Producer) Poll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	idle := p.writes == p.polledWrites
	p.polledWrites = p.writes

	flush := p.signals.FlushRequested.Swap(false)
	recovery := p.signals.RecoveryRequested.Load()
	if p.cur != nil && (flush || (idle && recovery)) {
		p.logger.Debug("committing partial stream", "flush", flush, "recovery", recovery)
		if err := p.commit("data"); err != nil {
			return err
		}
	}
	if p.cur == nil && recovery {
		return p.injectRecovery()
	}
	return nil
}

// Snapshot replays the live sticky events into w.
func (p *Producer) Snapshot(w event.Writer) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.store.WriteEvents(w)
}

// Close commits the partial stream, then a terminal stream whose first
// buffer has l_evt = -1, and tells the dispatcher to shut down.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if p.cur != nil {
		if err := p.commit("data"); err != nil {
			return err
		}
	}

	s, err := p.takeFree()
	if err != nil {
		return err
	}
	p.cur = s
	p.buf = 0
	p.beginBuffer(false)
	p.hdr.Events = -1
	if err := p.commit("terminal"); err != nil {
		return err
	}

	select {
	case p.link.ToDispatcher <- stream.Shutdown:
	case <-p.done:
	}
	p.logger.Info("producer closed", "streams", p.seq)
	return nil
}

type replayWriter struct{ p *Producer }

func (r replayWriter) WriteEvent(ev *event.Record, _ bool) error {
	return r.p.write(ev, true)
}

func (p *Producer) write(ev *event.Record, replay bool) error {
	if n := ev.PayloadSize(); n%2 != 0 {
		return fmt.Errorf("payload of %d bytes is not word aligned: %w", n, errors.ErrMalformedEvent)
	}
	size := ev.Size()
	if limit := p.freshCapacity(); size > limit {
		return fmt.Errorf("event of %d bytes, stream holds %d: %w", size, limit, errors.ErrEventTooLarge)
	}
	isSticky := ev.IsSticky() && !replay
	if isSticky {
		if _, err := ev.SubEvents(); err != nil {
			return err
		}
	}

	if p.cur != nil && size > p.available() {
		if err := p.commit(p.commitKind()); err != nil {
			return err
		}
	}
	if p.cur == nil {
		if err := p.startStream(); err != nil {
			return err
		}
	}
	if p.bufFree() < lmd.EventHeaderSize {
		p.finishBuffer()
		p.buf++
		p.beginBuffer(false)
	}

	p.put(ev)

	switch {
	case replay:
		p.countEvent("replay")
	case isSticky:
		if err := p.store.Insert(ev); err != nil {
			return err
		}
		p.cur.Flags |= stream.HasStickyEvent
		p.countEvent("sticky")
	default:
		p.countEvent("data")
	}

	if p.buf == p.cur.Buffers()-1 && p.bufFree() < lmd.EventHeaderSize {
		return p.commit(p.commitKind())
	}
	return nil
}

func (p *Producer) countEvent(kind string) {
	if p.metrics != nil {
		p.metrics.IncEventsWritten(kind)
	}
}

func (p *Producer) commitKind() string {
	if p.replaying {
		return "recovery"
	}
	return "data"
}

func (p *Producer) bufSize() int { return p.pool.Config().BufSize }

func (p *Producer) bufFree() int { return p.bufSize() - p.off }

// freshCapacity is the largest event an empty stream holds.
func (p *Producer) freshCapacity() int {
	cfg := p.pool.Config()
	return (cfg.BufSize - lmd.BufferHeaderSize) +
		(cfg.StreamBufs-1)*(cfg.BufSize-lmd.BufferHeaderSize-lmd.ContinuationHeaderSize)
}

// available is the largest event that still fits the current stream.
func (p *Producer) available() int {
	z := p.bufSize()
	rest := p.cur.Buffers() - p.buf - 1
	free := z - p.off
	if free < lmd.EventHeaderSize {
		if rest == 0 {
			return 0
		}
		free = z - lmd.BufferHeaderSize
		rest--
	}
	return free + rest*(z-lmd.BufferHeaderSize-lmd.ContinuationHeaderSize)
}

func (p *Producer) startStream() error {
	if !p.replaying && p.signals.RecoveryRequested.Load() {
		if err := p.injectRecovery(); err != nil {
			return err
		}
	}
	s, err := p.takeFree()
	if err != nil {
		return err
	}
	s.Flags = 0
	if p.replaying {
		if p.replayStarted {
			s.Flags = stream.RecoveryMore
		} else {
			s.Flags = stream.RecoveryFirst
			p.replayStarted = true
		}
	}
	p.cur = s
	p.buf = 0
	p.beginBuffer(false)
	return nil
}

// injectRecovery writes all live sticky events into fresh streams flagged
// RecoveryFirst, then RecoveryMore. A stream is emitted even when the store
// is empty. It must be called at a stream boundary.
func (p *Producer) injectRecovery() error {
	p.signals.RecoveryRequested.Store(false)
	p.replaying = true
	p.replayStarted = false
	defer func() { p.replaying = false }()

	if err := p.store.WriteEvents(replayWriter{p}); err != nil {
		return fmt.Errorf("sticky replay: %w", err)
	}
	if p.cur == nil {
		if err := p.startStream(); err != nil {
			return err
		}
	}
	p.logger.Debug("sticky replay injected", "last_stream_seq", p.seq)
	return p.commit("recovery")
}

func (p *Producer) takeFree() (*stream.Stream, error) {
	for {
		if s := p.pool.TakeFree(); s != nil {
			return s, nil
		}
		if err := p.request(stream.NeedFreeStream); err != nil {
			return nil, err
		}
	}
}

// request sends a blocking token and waits for the dispatcher's answer.
func (p *Producer) request(t stream.Token) error {
	if p.metrics != nil {
		p.metrics.IncProducerStalls(t.String())
	}
	select {
	case p.link.ToDispatcher <- t:
	case <-p.done:
		return errors.ErrProducerClosed
	}
	select {
	case <-p.link.ToProducer:
		return nil
	case <-p.done:
		return errors.ErrProducerClosed
	}
}

func (p *Producer) beginBuffer(continuation bool) {
	p.hdr = lmd.BufferHeader{}
	p.off = lmd.BufferHeaderSize
	p.contStart = -1
	if continuation {
		p.hdr.Begin = 1
		p.hdr.Events++
		p.contStart = p.off
		p.fragStart = p.off
		p.off += lmd.ContinuationHeaderSize
	}
}

func (p *Producer) finishBuffer() {
	b := p.cur.Buffer(p.buf)
	clear(b[p.off:])

	h := &p.hdr
	h.DLen = int32((len(b) - lmd.BufferHeaderSize) / 2)
	h.Type = lmd.BufferType
	h.Subtype = lmd.BufferSubtype
	h.SetUsedBytes(p.off - lmd.BufferHeaderSize)
	h.Buf = p.bufSeq
	h.Free[0] = lmd.ByteOrderMark
	t := p.now()
	h.Time[0] = int32(t.Unix())
	h.Time[1] = int32(t.Nanosecond() / int(time.Millisecond))
	h.Put(b)

	p.bufSeq++
	p.cur.Filled = (p.buf + 1) * len(b)

	if p.buf < p.cur.Buffers()-1 {
		p.link.Notify(stream.FilledBuffer)
	}
}

func (p *Producer) put(ev *event.Record) {
	b := p.cur.Buffer(p.buf)
	ev.EncodeHeader(b[p.off:])
	p.fragStart = p.off
	p.fragType = ev.Header.Type
	p.fragSubtype = ev.Header.Subtype
	p.off += lmd.EventHeaderSize
	p.hdr.Events++

	split := false
	for _, c := range ev.Chunks {
		d := c.Data
		for len(d) > 0 {
			if p.bufFree() == 0 {
				p.splitFragment()
				split = true
			}
			n := copy(p.cur.Buffer(p.buf)[p.off:], d)
			p.off += n
			d = d[n:]
		}
	}
	p.patchContinuation()
	p.fragStart = -1

	if split && p.metrics != nil {
		p.metrics.EventsFragmented.Inc()
	}
}

// splitFragment ends the current buffer inside an event and continues the
// event in the next buffer.
func (p *Producer) splitFragment() {
	p.patchContinuation()
	p.hdr.End = 1
	p.hdr.Free[1] = int32((p.off - p.fragStart - lmd.ContinuationHeaderSize) / 2)
	p.finishBuffer()
	p.buf++
	if p.buf >= p.cur.Buffers() {
		errors.Invariant("producer", "event overran stream %d", p.cur.ID)
	}
	p.beginBuffer(true)
}

// patchContinuation fills in the length of the continuation fragment at the
// start of the current buffer once the fragment ends.
func (p *Producer) patchContinuation() {
	if p.contStart < 0 || p.fragStart != p.contStart {
		return
	}
	h := lmd.ContinuationHeader{
		DLen:    int32((p.off - p.contStart - lmd.ContinuationHeaderSize) / 2),
		Type:    p.fragType,
		Subtype: p.fragSubtype,
	}
	h.Put(p.cur.Buffer(p.buf)[p.contStart:])
}

// commit pads the current stream with empty buffers and queues it.
func (p *Producer) commit(kind string) error {
	s := p.cur
	p.finishBuffer()
	for p.buf+1 < s.Buffers() {
		p.buf++
		p.beginBuffer(false)
		p.finishBuffer()
	}
	s.Seq = p.seq
	p.seq++
	p.cur = nil
	// s belongs to the dispatcher once committed.
	seq, id, flags := s.Seq, s.ID, s.Flags

	for !p.pool.Commit(s) {
		if err := p.request(stream.QueueFull); err != nil {
			return err
		}
	}
	p.link.Notify(stream.FilledStream)

	if p.metrics != nil {
		p.metrics.IncStreamsCommitted(kind)
	}
	p.logger.Debug("stream committed", "stream_seq", seq, "stream_id", id, "kind", kind, "flags", flags)
	return nil
}
