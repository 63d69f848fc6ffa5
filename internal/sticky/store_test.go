package sticky

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	apperrors "github.com/op3/ucesb-sub002/internal/errors"
	"github.com/op3/ucesb-sub002/pkg/event"
	"github.com/op3/ucesb-sub002/pkg/lmd"
)

type replayed struct {
	ident   int16
	payload []byte
	swapped bool
}

// collector records replayed events as lists of (identity, payload).
type collector struct {
	events [][]replayed
	replay []bool
}

func (c *collector) WriteEvent(ev *event.Record, replay bool) error {
	subs, err := ev.SubEvents()
	if err != nil {
		return err
	}
	var got []replayed
	for _, s := range subs {
		got = append(got, replayed{
			ident:   s.Header.Type,
			payload: append([]byte(nil), s.Payload()...),
			swapped: s.Swapped,
		})
	}
	c.events = append(c.events, got)
	c.replay = append(c.replay, replay)
	return nil
}

func (c *collector) flat() string {
	var b bytes.Buffer
	for i, ev := range c.events {
		if i > 0 {
			b.WriteString(" | ")
		}
		for j, s := range ev {
			if j > 0 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, "%d=%d", s.ident, s.payload[0])
		}
	}
	return b.String()
}

func newTestStore(opts ...Option) *Store {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
}

func sub(ident int16, value byte) event.SubEvent {
	return event.NewSubEvent(lmd.SubEventHeader{Type: ident, ProcID: 1}, []byte{value, 0})
}

func revoke(ident int16) event.SubEvent {
	return event.Revoke(lmd.SubEventHeader{Type: ident, ProcID: 1})
}

func mustInsert(t *testing.T, s *Store, subs ...event.SubEvent) {
	t.Helper()
	if err := s.Insert(event.NewSticky(0, subs...)); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
}

func replay(t *testing.T, s *Store) *collector {
	t.Helper()
	c := &collector{}
	if err := s.WriteEvents(c); err != nil {
		t.Fatalf("WriteEvents() error = %v", err)
	}
	return c
}

func TestLatestValueWins(t *testing.T) {
	s := newTestStore()
	mustInsert(t, s, sub(1, 10))
	mustInsert(t, s, sub(2, 20))
	mustInsert(t, s, sub(1, 11))

	c := replay(t, s)
	if got, want := c.flat(), "2=20 | 1=11"; got != want {
		t.Errorf("replay = %q, want %q", got, want)
	}
	for i, r := range c.replay {
		if !r {
			t.Errorf("event %d replayed with replay=false", i)
		}
	}
	if got := s.Stats().LiveSubEvents; got != 2 {
		t.Errorf("LiveSubEvents = %d, want 2", got)
	}
}

func TestInsertIdempotent(t *testing.T) {
	s := newTestStore()
	mustInsert(t, s, sub(1, 10), sub(2, 20))
	first := replay(t, s).flat()

	mustInsert(t, s, sub(1, 10), sub(2, 20))
	if got := replay(t, s).flat(); got != first {
		t.Errorf("replay after repeated insert = %q, want %q", got, first)
	}
}

func TestPartialOverwriteKeepsEvent(t *testing.T) {
	s := newTestStore()
	mustInsert(t, s, sub(1, 10), sub(2, 20), sub(3, 30))
	mustInsert(t, s, sub(2, 21))

	if got, want := replay(t, s).flat(), "1=10,3=30 | 2=21"; got != want {
		t.Errorf("replay = %q, want %q", got, want)
	}
}

func TestRevokeMarker(t *testing.T) {
	tests := []struct {
		name   string
		events [][]event.SubEvent
		want   string
	}{
		{
			name:   "revoke only sub-event kills event",
			events: [][]event.SubEvent{{sub(1, 10)}, {sub(2, 20)}, {revoke(1)}},
			want:   "2=20",
		},
		{
			name:   "revoke unknown identity",
			events: [][]event.SubEvent{{sub(1, 10)}, {revoke(9)}},
			want:   "1=10",
		},
		{
			name:   "revoke then set in one event",
			events: [][]event.SubEvent{{sub(1, 10)}, {revoke(1), sub(1, 12)}},
			want:   "1=12",
		},
		{
			name:   "set after revoke",
			events: [][]event.SubEvent{{sub(1, 10)}, {revoke(1)}, {sub(1, 13)}},
			want:   "1=13",
		},
		{
			name:   "duplicate identity in one event",
			events: [][]event.SubEvent{{sub(1, 10), sub(1, 14)}},
			want:   "1=14",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore()
			for _, ev := range tt.events {
				mustInsert(t, s, ev...)
			}
			if got := replay(t, s).flat(); got != tt.want {
				t.Errorf("replay = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCompactionTransparent(t *testing.T) {
	s := newTestStore(WithInitialSize(64))
	for round := 0; round < 200; round++ {
		mustInsert(t, s, sub(1, byte(round)), sub(int16(2+round%5), byte(round)))
	}

	st := s.Stats()
	if st.LiveSubEvents != 6 {
		t.Errorf("LiveSubEvents = %d, want 6", st.LiveSubEvents)
	}
	if st.Metas > 4*(st.LiveSubEvents+st.LiveEvents) {
		t.Errorf("Metas = %d, compaction did not run", st.Metas)
	}
	if st.DataUsed > 2*(st.LiveSubEvents*14+st.LiveEvents*lmd.EventHeaderSize)+64 {
		t.Errorf("DataUsed = %d, compaction did not run", st.DataUsed)
	}

	// Last five rounds set identities 2..6; round 199 set identity 1.
	want := "2=195 | 3=196 | 4=197 | 5=198 | 1=199,6=199"
	if got := replay(t, s).flat(); got != want {
		t.Errorf("replay = %q, want %q", got, want)
	}
}

func TestGrowth(t *testing.T) {
	s := newTestStore(WithInitialSize(32))
	for i := int16(0); i < 100; i++ {
		mustInsert(t, s, sub(i, byte(i)))
	}
	st := s.Stats()
	if st.LiveSubEvents != 100 {
		t.Errorf("LiveSubEvents = %d, want 100", st.LiveSubEvents)
	}
	if st.DataCapacity < st.DataUsed {
		t.Errorf("DataCapacity %d < DataUsed %d", st.DataCapacity, st.DataUsed)
	}
	if got := len(replay(t, s).events); got != 100 {
		t.Errorf("replayed %d events, want 100", got)
	}
}

func TestSwappedPreserved(t *testing.T) {
	raw := make([]byte, lmd.SubEventHeaderSize+2)
	lmd.Swapped.PutUint32(raw[0:], uint32(lmd.SubEventDLen(2)))
	lmd.Swapped.PutUint16(raw[6:], 7)
	raw[lmd.SubEventHeaderSize] = 42

	s := newTestStore()
	rec := event.NewSticky(0)
	rec.Chunks = []event.Chunk{{Data: raw, Swapped: true}}
	if err := s.Insert(rec); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	c := replay(t, s)
	if len(c.events) != 1 || len(c.events[0]) != 1 {
		t.Fatalf("replayed %v", c.events)
	}
	got := c.events[0][0]
	if !got.swapped || got.ident != 7 || got.payload[0] != 42 {
		t.Errorf("replayed sub-event = %+v, want swapped type 7 payload 42", got)
	}

	// The same identity in native order replaces it.
	mustInsert(t, s, event.NewSubEvent(lmd.SubEventHeader{Type: 7}, []byte{43, 0}))
	if got := replay(t, s).flat(); got != "7=43" {
		t.Errorf("replay = %q, want 7=43", got)
	}
}

func TestInsertMalformed(t *testing.T) {
	s := newTestStore()
	rec := event.NewSticky(0)
	rec.Chunks = []event.Chunk{{Data: []byte{1, 2, 3}}}
	if err := s.Insert(rec); !errors.Is(err, apperrors.ErrMalformedEvent) {
		t.Errorf("Insert() error = %v, want %v", err, apperrors.ErrMalformedEvent)
	}
	if !s.Empty() {
		t.Error("store not empty after malformed insert")
	}
}

type failingWriter struct{ err error }

func (f failingWriter) WriteEvent(*event.Record, bool) error { return f.err }

func TestWriteEventsPropagatesError(t *testing.T) {
	s := newTestStore()
	mustInsert(t, s, sub(1, 1))
	boom := errors.New("boom")
	if err := s.WriteEvents(failingWriter{err: boom}); !errors.Is(err, boom) {
		t.Errorf("WriteEvents() error = %v, want %v", err, boom)
	}
}
