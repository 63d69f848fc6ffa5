package producer

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	apperrors "github.com/op3/ucesb-sub002/internal/errors"
	"github.com/op3/ucesb-sub002/internal/reader"
	"github.com/op3/ucesb-sub002/internal/sticky"
	"github.com/op3/ucesb-sub002/internal/stream"
	"github.com/op3/ucesb-sub002/pkg/event"
	"github.com/op3/ucesb-sub002/pkg/lmd"
)

const (
	testBufSize    = 128
	testStreamBufs = 2
	// 80 bytes in the first buffer, 72 after the continuation header.
	testCapacity = 152
)

type harness struct {
	pool     *stream.Pool
	link     *stream.Link
	signals  *stream.Signals
	store    *sticky.Store
	producer *Producer
	done     chan struct{}
}

func newHarness(t *testing.T, maxStreams, queueLen int) *harness {
	t.Helper()
	pool, err := stream.NewPool(stream.Config{
		BufSize:    testBufSize,
		StreamBufs: testStreamBufs,
		MaxStreams: maxStreams,
		QueueLen:   queueLen,
	})
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		pool:    pool,
		link:    stream.NewLink(),
		signals: &stream.Signals{},
		store:   sticky.New(logger),
		done:    make(chan struct{}),
	}
	h.producer = New(Config{
		Pool:    pool,
		Link:    h.link,
		Signals: h.signals,
		Store:   h.store,
		Done:    h.done,
		Logger:  logger,
	})
	h.producer.now = func() time.Time { return time.Unix(1700000000, 0) }
	return h
}

// fillFree puts every stream of the pool on the free ring.
func (h *harness) fillFree() {
	for h.pool.CreateFreeStream() {
	}
}

// close closes the producer while discarding wake-up tokens.
func (h *harness) close(t *testing.T) {
	t.Helper()
	stop := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		for {
			select {
			case <-h.link.ToDispatcher:
			case <-stop:
				return
			}
		}
	}()
	err := h.producer.Close()
	close(stop)
	<-stopped
	if err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func (h *harness) filled() []*stream.Stream {
	var out []*stream.Stream
	for s := h.pool.DequeFilled(); s != nil; s = h.pool.DequeFilled() {
		out = append(out, s)
	}
	return out
}

func dataEvent(payload int) *event.Record {
	data := make([]byte, payload)
	for i := range data {
		data[i] = byte(i)
	}
	return &event.Record{
		Header: lmd.EventHeader{Type: lmd.EventType, Subtype: lmd.EventSubtype, Trigger: 1},
		Chunks: []event.Chunk{{Data: data}},
	}
}

func stickyEvent(ident int16, value byte) *event.Record {
	return event.NewSticky(0, event.NewSubEvent(lmd.SubEventHeader{Type: ident}, []byte{value, 0}))
}

func header(t *testing.T, s *stream.Stream, i int) lmd.BufferHeader {
	t.Helper()
	h, _, err := lmd.DecodeBufferHeader(s.Buffer(i))
	if err != nil {
		t.Fatalf("buffer %d: %v", i, err)
	}
	return h
}

func unpack(t *testing.T, streams ...*stream.Stream) []*event.Record {
	t.Helper()
	var u reader.Unpacker
	var events []*event.Record
	for _, s := range streams {
		for i := 0; i < s.Buffers(); i++ {
			res, err := u.Unpack(s.Buffer(i))
			if err != nil {
				t.Fatalf("stream %d buffer %d: %v", s.Seq, i, err)
			}
			events = append(events, res.Events...)
		}
	}
	return events
}

func TestExactStreamFillCommitsOnce(t *testing.T) {
	h := newHarness(t, 4, 0)
	h.fillFree()

	if err := h.producer.WriteEvent(dataEvent(testCapacity-lmd.EventHeaderSize), false); err != nil {
		t.Fatalf("WriteEvent() error = %v", err)
	}
	got := h.filled()
	if len(got) != 1 {
		t.Fatalf("committed %d streams, want 1", len(got))
	}
	s := got[0]
	if s.Filled != testBufSize*testStreamBufs {
		t.Errorf("Filled = %d, want %d", s.Filled, testBufSize*testStreamBufs)
	}
	if h.producer.cur != nil {
		t.Fatal("fill target kept after exact fill")
	}

	b0, b1 := header(t, s, 0), header(t, s, 1)
	if b0.End != 1 || b0.Free[1] != 36 || b0.Events != 1 || b0.UsedBytes() != 80 {
		t.Errorf("first buffer header = %+v", b0)
	}
	if b1.Begin != 1 || b1.Events != 1 || b1.UsedBytes() != 80 || b1.Buf != b0.Buf+1 {
		t.Errorf("second buffer header = %+v", b1)
	}
	ch, err := lmd.DecodeContinuationHeader(s.Buffer(1)[lmd.BufferHeaderSize:], lmd.Native)
	if err != nil {
		t.Fatalf("DecodeContinuationHeader() error = %v", err)
	}
	if ch.DLen != 36 {
		t.Errorf("continuation DLen = %d, want 36", ch.DLen)
	}

	events := unpack(t, s)
	if len(events) != 1 || events[0].PayloadSize() != testCapacity-lmd.EventHeaderSize {
		t.Fatalf("unpacked %d events", len(events))
	}

	if err := h.producer.WriteEvent(dataEvent(8), false); err != nil {
		t.Fatalf("WriteEvent() error = %v", err)
	}
	if h.producer.cur == nil || h.producer.cur == s {
		t.Error("next event did not start a new stream")
	}
	if n := len(h.filled()); n != 0 {
		t.Errorf("committed %d more streams, want 0", n)
	}
}

func TestEventTooLarge(t *testing.T) {
	h := newHarness(t, 4, 0)
	h.fillFree()

	err := h.producer.WriteEvent(dataEvent(testCapacity-lmd.EventHeaderSize+2), false)
	if !errors.Is(err, apperrors.ErrEventTooLarge) {
		t.Fatalf("WriteEvent() error = %v, want %v", err, apperrors.ErrEventTooLarge)
	}
	if h.pool.FreeLen() != 4 {
		t.Errorf("FreeLen() = %d, want 4", h.pool.FreeLen())
	}
}

func TestOddPayloadRejected(t *testing.T) {
	h := newHarness(t, 4, 0)
	h.fillFree()
	err := h.producer.WriteEvent(dataEvent(3), false)
	if !errors.Is(err, apperrors.ErrMalformedEvent) {
		t.Errorf("WriteEvent() error = %v, want %v", err, apperrors.ErrMalformedEvent)
	}
}

func TestEventsNeverSpanStreams(t *testing.T) {
	h := newHarness(t, 4, 0)
	h.fillFree()

	for i := 0; i < 2; i++ {
		if err := h.producer.WriteEvent(dataEvent(84), false); err != nil {
			t.Fatalf("WriteEvent() error = %v", err)
		}
	}
	got := h.filled()
	if len(got) != 1 {
		t.Fatalf("committed %d streams, want 1", len(got))
	}
	h.close(t)
	rest := h.filled()
	if len(rest) != 2 {
		t.Fatalf("Close committed %d streams, want 2", len(rest))
	}

	if n := len(unpack(t, got[0])); n != 1 {
		t.Errorf("first stream holds %d events, want 1", n)
	}
	if n := len(unpack(t, rest[0])); n != 1 {
		t.Errorf("second stream holds %d events, want 1", n)
	}
	if got[0].Seq+1 != rest[0].Seq {
		t.Errorf("sequence %d then %d", got[0].Seq, rest[0].Seq)
	}
}

func TestManySmallEventsRoundTrip(t *testing.T) {
	h := newHarness(t, 32, 32)
	h.fillFree()

	const n = 40
	for i := 0; i < n; i++ {
		if err := h.producer.WriteEvent(dataEvent(2*(i%20)), false); err != nil {
			t.Fatalf("WriteEvent(%d) error = %v", i, err)
		}
	}
	h.close(t)
	streams := h.filled()
	events := unpack(t, streams[:len(streams)-1]...)
	if len(events) != n {
		t.Fatalf("unpacked %d events, want %d", len(events), n)
	}
	for i, ev := range events {
		if got, want := ev.PayloadSize(), 2*(i%20); got != want {
			t.Errorf("event %d payload = %d, want %d", i, got, want)
		}
	}
}

func TestCloseWritesTerminalStream(t *testing.T) {
	h := newHarness(t, 4, 0)
	h.fillFree()

	if err := h.producer.WriteEvent(dataEvent(8), false); err != nil {
		t.Fatalf("WriteEvent() error = %v", err)
	}
	if err := h.producer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	streams := h.filled()
	if len(streams) != 2 {
		t.Fatalf("committed %d streams, want 2", len(streams))
	}
	if hdr := header(t, streams[1], 0); hdr.Events != -1 {
		t.Errorf("terminal buffer l_evt = %d, want -1", hdr.Events)
	}
	if hdr := header(t, streams[0], 1); hdr.Events != 0 || hdr.UsedBytes() != 0 {
		t.Errorf("padding buffer = %+v", hdr)
	}

	select {
	case tok := <-h.link.ToDispatcher:
		for tok != stream.Shutdown {
			tok = <-h.link.ToDispatcher
		}
	default:
		t.Fatal("no token sent")
	}

	if err := h.producer.WriteEvent(dataEvent(8), false); !errors.Is(err, apperrors.ErrProducerClosed) {
		t.Errorf("WriteEvent() after Close error = %v, want %v", err, apperrors.ErrProducerClosed)
	}
	if err := h.producer.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestStickyEventsStoredAndFlagged(t *testing.T) {
	h := newHarness(t, 4, 0)
	h.fillFree()

	if err := h.producer.WriteEvent(stickyEvent(1, 10), false); err != nil {
		t.Fatalf("WriteEvent() error = %v", err)
	}
	if err := h.producer.WriteEvent(stickyEvent(1, 11), true); err != nil {
		t.Fatalf("WriteEvent(replay) error = %v", err)
	}
	h.signals.FlushRequested.Store(true)
	if err := h.producer.Poll(); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}

	streams := h.filled()
	if len(streams) != 1 {
		t.Fatalf("committed %d streams, want 1", len(streams))
	}
	if streams[0].Flags&stream.HasStickyEvent == 0 {
		t.Error("stream not flagged HasStickyEvent")
	}
	if got := h.store.Stats().LiveSubEvents; got != 1 {
		t.Errorf("LiveSubEvents = %d, want 1", got)
	}

	var snap collector
	if err := h.producer.Snapshot(&snap); err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if len(snap.values) != 1 || snap.values[0] != 10 {
		t.Errorf("Snapshot() = %v, want [10]", snap.values)
	}
}

type collector struct{ values []byte }

func (c *collector) WriteEvent(ev *event.Record, _ bool) error {
	subs, err := ev.SubEvents()
	if err != nil {
		return err
	}
	for _, s := range subs {
		c.values = append(c.values, s.Payload()[0])
	}
	return nil
}

func TestRecoveryInjectedAtStreamBoundary(t *testing.T) {
	h := newHarness(t, 8, 8)
	h.fillFree()

	if err := h.producer.WriteEvent(stickyEvent(1, 10), false); err != nil {
		t.Fatalf("WriteEvent() error = %v", err)
	}
	if err := h.producer.WriteEvent(stickyEvent(2, 20), false); err != nil {
		t.Fatalf("WriteEvent() error = %v", err)
	}

	// Recovery waits for the stream boundary.
	h.signals.RecoveryRequested.Store(true)
	if err := h.producer.WriteEvent(dataEvent(4), false); err != nil {
		t.Fatalf("WriteEvent() error = %v", err)
	}
	if n := len(h.filled()); n != 0 {
		t.Fatalf("committed %d streams mid-stream, want 0", n)
	}

	h.signals.FlushRequested.Store(true)
	if err := h.producer.Poll(); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if err := h.producer.WriteEvent(dataEvent(4), false); err != nil {
		t.Fatalf("WriteEvent() error = %v", err)
	}
	h.close(t)

	streams := h.filled()
	if len(streams) != 4 {
		t.Fatalf("committed %d streams, want 4", len(streams))
	}
	wantFlags := []stream.Flags{stream.HasStickyEvent, stream.RecoveryFirst, 0, 0}
	for i, s := range streams {
		if s.Flags != wantFlags[i] {
			t.Errorf("stream %d flags = %b, want %b", i, s.Flags, wantFlags[i])
		}
		if s.Seq != uint64(i) {
			t.Errorf("stream %d seq = %d", i, s.Seq)
		}
	}
	if h.signals.RecoveryRequested.Load() {
		t.Error("RecoveryRequested not cleared")
	}

	replayed := unpack(t, streams[1])
	if len(replayed) != 2 {
		t.Fatalf("recovery stream holds %d events, want 2", len(replayed))
	}
	for _, ev := range replayed {
		if !ev.IsSticky() {
			t.Error("recovery stream holds a non-sticky event")
		}
	}
}

func TestRecoverySpansStreams(t *testing.T) {
	h := newHarness(t, 16, 16)
	h.fillFree()

	// Each sticky event is 30 bytes; a stream holds five of them.
	for i := int16(0); i < 6; i++ {
		if err := h.producer.WriteEvent(stickyEvent(i, byte(i)), false); err != nil {
			t.Fatalf("WriteEvent() error = %v", err)
		}
	}
	h.signals.FlushRequested.Store(true)
	if err := h.producer.Poll(); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	before := len(h.filled())

	h.signals.RecoveryRequested.Store(true)
	if err := h.producer.Poll(); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	streams := h.filled()
	if len(streams) < 2 {
		t.Fatalf("recovery produced %d streams, want at least 2 (after %d data streams)", len(streams), before)
	}
	if streams[0].Flags != stream.RecoveryFirst {
		t.Errorf("first recovery flags = %b, want RecoveryFirst", streams[0].Flags)
	}
	for _, s := range streams[1:] {
		if s.Flags != stream.RecoveryMore {
			t.Errorf("following recovery flags = %b, want RecoveryMore", s.Flags)
		}
	}
	if n := len(unpack(t, streams...)); n != 6 {
		t.Errorf("replayed %d events, want 6", n)
	}
}

func TestIdlePollInjectsEmptyRecovery(t *testing.T) {
	h := newHarness(t, 4, 0)
	h.fillFree()

	h.signals.RecoveryRequested.Store(true)
	if err := h.producer.Poll(); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	streams := h.filled()
	if len(streams) != 1 {
		t.Fatalf("committed %d streams, want 1", len(streams))
	}
	if streams[0].Flags != stream.RecoveryFirst {
		t.Errorf("flags = %b, want RecoveryFirst", streams[0].Flags)
	}
	if n := len(unpack(t, streams[0])); n != 0 {
		t.Errorf("empty store replayed %d events", n)
	}
}

func TestPollWithoutRequestsKeepsPartialStream(t *testing.T) {
	h := newHarness(t, 4, 0)
	h.fillFree()

	if err := h.producer.WriteEvent(dataEvent(4), false); err != nil {
		t.Fatalf("WriteEvent() error = %v", err)
	}
	if err := h.producer.Poll(); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if n := len(h.filled()); n != 0 {
		t.Errorf("committed %d streams, want 0", n)
	}
}

// serve answers producer requests the way the dispatcher does.
func serve(h *harness, taken *[]*stream.Stream, mu *sync.Mutex) {
	for tok := range h.link.ToDispatcher {
		switch tok {
		case stream.NeedFreeStream:
			if !h.pool.CreateFreeStream() {
				mu.Lock()
				s := (*taken)[0]
				*taken = (*taken)[1:]
				mu.Unlock()
				h.pool.AddFreeStream(s)
			}
			h.link.ToProducer <- stream.HaveFreeStream
		case stream.QueueFull:
			mu.Lock()
			for s := h.pool.DequeFilled(); s != nil; s = h.pool.DequeFilled() {
				*taken = append(*taken, s)
			}
			mu.Unlock()
			h.link.ToProducer <- stream.QueueSlotFree
		case stream.Shutdown:
			return
		}
	}
}

func TestBlockingHandshake(t *testing.T) {
	h := newHarness(t, 3, 1)

	var mu sync.Mutex
	var taken []*stream.Stream
	finished := make(chan struct{})
	go func() {
		serve(h, &taken, &mu)
		close(finished)
	}()

	for i := 0; i < 20; i++ {
		if err := h.producer.WriteEvent(dataEvent(testCapacity-lmd.EventHeaderSize), false); err != nil {
			t.Fatalf("WriteEvent(%d) error = %v", i, err)
		}
	}
	if err := h.producer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher stub did not see Shutdown")
	}
}

func TestDoneUnblocksProducer(t *testing.T) {
	h := newHarness(t, 2, 0)
	close(h.done)

	err := h.producer.WriteEvent(dataEvent(4), false)
	if !errors.Is(err, apperrors.ErrProducerClosed) {
		t.Errorf("WriteEvent() error = %v, want %v", err, apperrors.ErrProducerClosed)
	}
}
