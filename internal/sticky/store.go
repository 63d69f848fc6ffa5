// Package sticky remembers the latest value of every sticky sub-event so a
// client that joins late, or lost data, can be brought up to date by a
// replay instead of the full event history.
//
// Events are appended to a data region and described by a log of metas: one
// event meta followed by one meta per stored sub-event. A sub-event is
// identified by its type/subtype and control/subcrate/procid header words;
// at most one live sub-event exists per identity. Storing a new value, or a
// revoke marker, revokes the previous one. An event whose sub-events are all
// revoked is dead and no longer replayed.
//
// Revoked bytes and metas are reclaimed by compaction once they exceed half
// of what is used. Compaction is attempted before the data region grows.
package sticky

import (
	"fmt"
	"log/slog"

	"github.com/cespare/xxhash/v2"

	"github.com/op3/ucesb-sub002/internal/errors"
	"github.com/op3/ucesb-sub002/internal/observability"
	"github.com/op3/ucesb-sub002/pkg/event"
	"github.com/op3/ucesb-sub002/pkg/lmd"
)

type metaKind uint8

const (
	kindEvent metaKind = iota
	kindSubEvent
)

type metaState uint8

const (
	stateLive metaState = iota
	stateRevoked
)

type meta struct {
	kind    metaKind
	state   metaState
	swapped bool
	offset  int
	length  int

	// event metas
	live int

	// sub-event metas
	owner    int
	id1, id2 uint32
	hash     uint32
}

const (
	slotEmpty   = -1
	initialData = 4096
	initialHash = 64
)

// Store is the sticky store. It is not safe for concurrent use; the
// producer serializes access.
type Store struct {
	data         []byte
	used         int
	revokedBytes int

	metas        []meta
	revokedMetas int

	table     []int32
	tableUsed int

	liveSubs int

	logger  *slog.Logger
	metrics *observability.Metrics
}

// Option configures a Store.
type Option func(*Store)

// WithMetrics reports store size and compactions.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithInitialSize sets the initial data region capacity.
func WithInitialSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.data = make([]byte, n)
		}
	}
}

// New creates an empty store.
func New(logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		data:   make([]byte, initialData),
		table:  newTable(initialHash),
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newTable(n int) []int32 {
	t := make([]int32, n)
	for i := range t {
		t[i] = slotEmpty
	}
	return t
}

func identityHash(id1, id2 uint32) uint32 {
	var b [8]byte
	lmd.Native.PutUint32(b[0:], id1)
	lmd.Native.PutUint32(b[4:], id2)
	h := xxhash.Sum64(b[:])
	return uint32(h ^ h>>32)
}

// Insert stores the sub-events of a sticky event.
func (s *Store) Insert(ev *event.Record) error {
	subs, err := ev.SubEvents()
	if err != nil {
		return fmt.Errorf("sticky insert: %w", err)
	}

	stored := 0
	for _, sub := range subs {
		if !sub.Header.IsRevoke() {
			stored++
		}
	}

	owner := -1
	if stored > 0 {
		var hdr [lmd.EventHeaderSize]byte
		h := ev.Header
		h.DLen = 0
		h.Put(hdr[:])
		owner = len(s.metas)
		s.metas = append(s.metas, meta{
			kind:   kindEvent,
			offset: s.appendData(hdr[:]),
			length: lmd.EventHeaderSize,
			live:   stored,
		})
	}

	for _, sub := range subs {
		id1, id2 := sub.Header.Identity()
		hash := identityHash(id1, id2)
		slot := s.lookup(id1, id2, hash)
		if slot >= 0 {
			if idx := s.table[slot]; idx != slotEmpty && s.metas[idx].state == stateLive {
				s.revoke(int(idx))
			}
		}
		if sub.Header.IsRevoke() {
			continue
		}

		idx := len(s.metas)
		s.metas = append(s.metas, meta{
			kind:    kindSubEvent,
			swapped: sub.Swapped,
			offset:  s.appendData(sub.Raw),
			length:  len(sub.Raw),
			owner:   owner,
			id1:     id1,
			id2:     id2,
			hash:    hash,
		})
		s.liveSubs++
		s.install(idx, slot)
	}

	s.maybeCompact()
	if s.metrics != nil {
		s.metrics.SetStickyState(s.liveSubs, s.used)
	}
	return nil
}

// revoke marks a live sub-event meta revoked and kills its owner when it
// was the owner's last live sub-event.
func (s *Store) revoke(idx int) {
	m := &s.metas[idx]
	m.state = stateRevoked
	s.revokedMetas++
	s.revokedBytes += m.length
	s.liveSubs--

	o := &s.metas[m.owner]
	o.live--
	if o.live < 0 {
		errors.Invariant("sticky", "event meta %d live count %d", m.owner, o.live)
	}
	if o.live == 0 {
		o.state = stateRevoked
		s.revokedMetas++
		s.revokedBytes += o.length
	}
}

// lookup returns the slot holding the identity. When the identity is not in
// the table it returns -(i+2) for the empty slot i where it belongs.
func (s *Store) lookup(id1, id2, hash uint32) int {
	mask := uint32(len(s.table) - 1)
	for i := hash & mask; ; i = (i + 1) & mask {
		idx := s.table[i]
		if idx == slotEmpty {
			return -int(i) - 2
		}
		m := &s.metas[idx]
		if m.hash == hash && m.id1 == id1 && m.id2 == id2 {
			return int(i)
		}
	}
}

// install points the identity slot at meta idx. slot is the result of a
// lookup done before idx was appended.
func (s *Store) install(idx, slot int) {
	if slot >= 0 {
		s.table[slot] = int32(idx)
		return
	}
	s.table[-slot-2] = int32(idx)
	s.tableUsed++
	if s.tableUsed*2 > len(s.table) {
		s.rehash(len(s.table) * 2)
	}
}

func (s *Store) rehash(n int) {
	s.table = newTable(n)
	s.tableUsed = 0
	mask := uint32(n - 1)
	for idx, m := range s.metas {
		if m.kind != kindSubEvent || m.state != stateLive {
			continue
		}
		i := m.hash & mask
		for s.table[i] != slotEmpty {
			i = (i + 1) & mask
		}
		s.table[i] = int32(idx)
		s.tableUsed++
	}
}

func (s *Store) appendData(b []byte) int {
	if s.used+len(b) > len(s.data) {
		s.compactData()
	}
	if s.used+len(b) > len(s.data) {
		n := len(s.data) * 2
		for s.used+len(b) > n {
			n *= 2
		}
		grown := make([]byte, n)
		copy(grown, s.data[:s.used])
		s.data = grown
	}
	off := s.used
	copy(s.data[off:], b)
	s.used += len(b)
	return off
}

func (s *Store) maybeCompact() {
	if s.revokedBytes*2 > s.used {
		s.compactData()
	}
	if s.revokedMetas*2 > len(s.metas) {
		s.compactMetas()
	}
}

// compactData moves live records down over revoked ones. Offsets only
// decrease, so copy handles the overlap.
func (s *Store) compactData() {
	if s.revokedBytes == 0 {
		return
	}
	w := 0
	for i := range s.metas {
		m := &s.metas[i]
		if m.state != stateLive {
			continue
		}
		if m.offset < w {
			errors.Invariant("sticky", "meta %d offset %d below write position %d", i, m.offset, w)
		}
		copy(s.data[w:], s.data[m.offset:m.offset+m.length])
		m.offset = w
		w += m.length
	}
	s.logger.Debug("sticky data compacted", "before", s.used, "after", w)
	s.used = w
	s.revokedBytes = 0
	if s.metrics != nil {
		s.metrics.IncStickyCompactions("data")
	}
}

// compactMetas drops revoked metas and rebuilds the identity table.
func (s *Store) compactMetas() {
	remap := make([]int, len(s.metas))
	kept := s.metas[:0]
	for i, m := range s.metas {
		if m.state != stateLive {
			remap[i] = -1
			continue
		}
		remap[i] = len(kept)
		if m.kind == kindSubEvent {
			m.owner = remap[m.owner]
			if m.owner < 0 {
				errors.Invariant("sticky", "live sub-event %d has dead owner", i)
			}
		}
		kept = append(kept, m)
	}
	before := len(s.metas)
	s.metas = kept
	s.revokedMetas = 0

	n := initialHash
	for n < s.liveSubs*4 {
		n *= 2
	}
	s.rehash(n)
	s.logger.Debug("sticky metas compacted", "before", before, "after", len(kept))
	if s.metrics != nil {
		s.metrics.IncStickyCompactions("meta")
	}
}

// WriteEvents replays every event with live sub-events, in insertion order,
// rebuilt from its live sub-events. The chunks handed to w alias the store
// and are only valid during the call.
func (s *Store) WriteEvents(w event.Writer) error {
	var rec event.Record
	for i := 0; i < len(s.metas); i++ {
		m := &s.metas[i]
		if m.kind != kindEvent || m.state != stateLive {
			continue
		}
		h, err := lmd.DecodeEventHeader(s.data[m.offset:m.offset+m.length], lmd.Native)
		if err != nil {
			return fmt.Errorf("event meta %d: %w", i, errors.ErrStoreCorrupt)
		}
		rec.Header = h
		rec.Chunks = rec.Chunks[:0]
		for j := i + 1; j < len(s.metas) && s.metas[j].kind == kindSubEvent; j++ {
			sm := &s.metas[j]
			if sm.owner != i {
				return fmt.Errorf("sub-event meta %d owned by %d, want %d: %w",
					j, sm.owner, i, errors.ErrStoreCorrupt)
			}
			if sm.state != stateLive {
				continue
			}
			rec.Chunks = append(rec.Chunks, event.Chunk{
				Data:    s.data[sm.offset : sm.offset+sm.length],
				Swapped: sm.swapped,
			})
		}
		if len(rec.Chunks) != m.live {
			return fmt.Errorf("event meta %d has %d live sub-events, counted %d: %w",
				i, m.live, len(rec.Chunks), errors.ErrStoreCorrupt)
		}
		if err := w.WriteEvent(&rec, true); err != nil {
			return err
		}
	}
	return nil
}

// Stats describe the store size.
type Stats struct {
	LiveSubEvents int
	LiveEvents    int
	DataUsed      int
	DataCapacity  int
	Metas         int
}

// Stats returns the current store size.
func (s *Store) Stats() Stats {
	st := Stats{
		LiveSubEvents: s.liveSubs,
		DataUsed:      s.used,
		DataCapacity:  len(s.data),
		Metas:         len(s.metas),
	}
	for _, m := range s.metas {
		if m.kind == kindEvent && m.state == stateLive {
			st.LiveEvents++
		}
	}
	return st
}

// Empty reports whether nothing would be replayed.
func (s *Store) Empty() bool {
	return s.liveSubs == 0
}
