package event

import (
	"fmt"

	"github.com/op3/ucesb-sub002/internal/errors"
	"github.com/op3/ucesb-sub002/pkg/lmd"
)

// Chunk is a run of payload bytes in a declared byte order.
type Chunk struct {
	Data    []byte
	Swapped bool
}

// Record is one event: header plus payload chunks.
type Record struct {
	Header lmd.EventHeader
	Chunks []Chunk
}

// Writer consumes events.
type Writer interface {
	// WriteEvent takes ownership of nothing: the record may be reused by the
	// caller once WriteEvent returns.
	WriteEvent(ev *Record, replay bool) error
}

// PayloadSize returns the number of payload bytes.
func (r *Record) PayloadSize() int {
	n := 0
	for _, c := range r.Chunks {
		n += len(c.Data)
	}
	return n
}

// Size returns the number of bytes the event occupies on the wire.
func (r *Record) Size() int {
	return lmd.EventHeaderSize + r.PayloadSize()
}

// IsSticky reports whether the event carries sticky sub-events.
func (r *Record) IsSticky() bool {
	return r.Header.IsSticky()
}

// EncodeHeader writes the event header, with l_dlen computed from the
// payload, into b.
func (r *Record) EncodeHeader(b []byte) {
	h := r.Header
	h.DLen = lmd.EventDLen(r.PayloadSize())
	h.Put(b)
}

// Bytes returns the event as it appears on the wire.
func (r *Record) Bytes() []byte {
	b := make([]byte, lmd.EventHeaderSize, r.Size())
	r.EncodeHeader(b)
	for _, c := range r.Chunks {
		b = append(b, c.Data...)
	}
	return b
}

// SubEvent is a parsed sub-event. Raw holds header and payload as they
// appear in the event, in the byte order given by Swapped.
type SubEvent struct {
	Header  lmd.SubEventHeader
	Raw     []byte
	Swapped bool
}

// Payload returns the bytes following the sub-event header.
func (s SubEvent) Payload() []byte {
	return s.Raw[lmd.SubEventHeaderSize:]
}

// NewSubEvent builds a native-order sub-event carrying payload. The length
// field of h is set from the payload.
func NewSubEvent(h lmd.SubEventHeader, payload []byte) SubEvent {
	h.DLen = lmd.SubEventDLen(len(payload))
	raw := make([]byte, lmd.SubEventHeaderSize+len(payload))
	h.Put(raw)
	copy(raw[lmd.SubEventHeaderSize:], payload)
	return SubEvent{Header: h, Raw: raw}
}

// Revoke builds a sticky revoke marker for the identity in h.
func Revoke(h lmd.SubEventHeader) SubEvent {
	h.DLen = lmd.RevokeDLen
	raw := make([]byte, lmd.SubEventHeaderSize)
	h.Put(raw)
	return SubEvent{Header: h, Raw: raw}
}

// New builds an event of the given type from sub-events.
func New(typ, subtype, trigger int16, count uint32, subs ...SubEvent) *Record {
	r := &Record{Header: lmd.EventHeader{Type: typ, Subtype: subtype, Trigger: trigger, Count: count}}
	for _, s := range subs {
		r.Chunks = append(r.Chunks, Chunk{Data: s.Raw, Swapped: s.Swapped})
	}
	return r
}

// NewSticky builds a sticky event from sub-events.
func NewSticky(count uint32, subs ...SubEvent) *Record {
	return New(lmd.StickyEventType, lmd.StickyEventSubtype, 0, count, subs...)
}

// SubEvents parses the payload into sub-events. A sub-event may not
// straddle two chunks.
func (r *Record) SubEvents() ([]SubEvent, error) {
	var subs []SubEvent
	for ci, c := range r.Chunks {
		order := lmd.Order(c.Swapped)
		for off := 0; off < len(c.Data); {
			h, err := lmd.DecodeSubEventHeader(c.Data[off:], order)
			if err != nil {
				return nil, fmt.Errorf("chunk %d offset %d: %w", ci, off, errors.ErrMalformedEvent)
			}
			n := h.PayloadBytes()
			if n < 0 || n%2 != 0 || off+lmd.SubEventHeaderSize+n > len(c.Data) {
				return nil, fmt.Errorf("chunk %d offset %d: sub-event length %d: %w",
					ci, off, h.DLen, errors.ErrMalformedEvent)
			}
			end := off + lmd.SubEventHeaderSize + n
			subs = append(subs, SubEvent{Header: h, Raw: c.Data[off:end], Swapped: c.Swapped})
			off = end
		}
	}
	return subs, nil
}

// Decode parses one complete event from b, which is in byte order swapped
// relative to the host when swapped is set. It returns the record and the
// number of bytes consumed. The record's payload aliases b.
func Decode(b []byte, swapped bool) (*Record, int, error) {
	h, err := lmd.DecodeEventHeader(b, lmd.Order(swapped))
	if err != nil {
		return nil, 0, fmt.Errorf("event header: %w", errors.ErrMalformedEvent)
	}
	n := h.PayloadBytes()
	if n < 0 || lmd.EventHeaderSize+n > len(b) {
		return nil, 0, fmt.Errorf("event length %d exceeds %d bytes: %w",
			h.DLen, len(b), errors.ErrMalformedEvent)
	}
	r := &Record{Header: h}
	if n > 0 {
		r.Chunks = []Chunk{{Data: b[lmd.EventHeaderSize : lmd.EventHeaderSize+n], Swapped: swapped}}
	}
	return r, lmd.EventHeaderSize + n, nil
}
