package lmd

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Header sizes in bytes.
const (
	BufferHeaderSize       = 48
	EventHeaderSize        = 16
	ContinuationHeaderSize = 8
	SubEventHeaderSize     = 12
)

// Type codes.
const (
	BufferType    = 100
	BufferSubtype = 1

	EventType    = 10
	EventSubtype = 1

	// StickyEventType and StickyEventSubtype mark events whose sub-events
	// are remembered by the sticky store.
	StickyEventType    = 10
	StickyEventSubtype = 0x5354
)

// RevokeDLen in a sub-event header marks a sticky revoke: the identity is
// removed and no payload follows.
const RevokeDLen = -1

// ByteOrderMark is stored in l_free[0] of every buffer header.
const ByteOrderMark = 1

// ErrShortHeader is returned when a byte slice is too small for the header
// being decoded.
var ErrShortHeader = errors.New("lmd: short header")

// Native is the byte order headers are written in.
var Native binary.ByteOrder = binary.NativeEndian

// Swapped is the opposite of Native.
var Swapped binary.ByteOrder = swappedOrder()

func swappedOrder() binary.ByteOrder {
	if binary.NativeEndian.Uint16([]byte{1, 0}) == 1 {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// Order returns the byte order of data flagged as swapped or not.
func Order(swapped bool) binary.ByteOrder {
	if swapped {
		return Swapped
	}
	return Native
}

// BufferHeader is the 48-byte header at the start of every buffer.
type BufferHeader struct {
	DLen     int32 // data words following the header
	Subtype  int16
	Type     int16
	End      int8  // last fragment in the buffer is unfinished
	Begin    int8  // first fragment in the buffer is a continuation
	Used     int16 // used data words, 0 when it does not fit (see Free[2])
	Buf      int32 // buffer sequence number
	Events   int32 // number of events and fragments, -1 terminates the stream
	CurrentI int32
	Time     [2]int32
	Free     [4]int32
}

// UsedBytes returns the number of payload bytes used after the header.
func (h *BufferHeader) UsedBytes() int {
	if h.Used != 0 {
		return int(h.Used) * 2
	}
	return int(h.Free[2]) * 2
}

// SetUsedBytes records n used payload bytes.
func (h *BufferHeader) SetUsedBytes(n int) {
	words := n / 2
	if words <= 0x7fff {
		h.Used = int16(words)
		h.Free[2] = 0
		return
	}
	h.Used = 0
	h.Free[2] = int32(words)
}

// Put encodes the header into b in native byte order.
func (h *BufferHeader) Put(b []byte) {
	_ = b[BufferHeaderSize-1]
	o := Native
	o.PutUint32(b[0:], uint32(h.DLen))
	o.PutUint16(b[4:], uint16(h.Subtype))
	o.PutUint16(b[6:], uint16(h.Type))
	b[8] = byte(h.End)
	b[9] = byte(h.Begin)
	o.PutUint16(b[10:], uint16(h.Used))
	o.PutUint32(b[12:], uint32(h.Buf))
	o.PutUint32(b[16:], uint32(h.Events))
	o.PutUint32(b[20:], uint32(h.CurrentI))
	o.PutUint32(b[24:], uint32(h.Time[0]))
	o.PutUint32(b[28:], uint32(h.Time[1]))
	for i, v := range h.Free {
		o.PutUint32(b[32+4*i:], uint32(v))
	}
}

// DecodeBufferHeader decodes a buffer header, detecting its byte order from
// the byte-order mark. The detected order is returned with the header.
func DecodeBufferHeader(b []byte) (BufferHeader, binary.ByteOrder, error) {
	if len(b) < BufferHeaderSize {
		return BufferHeader{}, nil, ErrShortHeader
	}
	for _, o := range []binary.ByteOrder{Native, Swapped} {
		if int32(o.Uint32(b[32:])) == ByteOrderMark {
			return decodeBufferHeader(b, o), o, nil
		}
	}
	return BufferHeader{}, nil, fmt.Errorf("lmd: bad byte-order mark %#x", Native.Uint32(b[32:]))
}

func decodeBufferHeader(b []byte, o binary.ByteOrder) BufferHeader {
	h := BufferHeader{
		DLen:     int32(o.Uint32(b[0:])),
		Subtype:  int16(o.Uint16(b[4:])),
		Type:     int16(o.Uint16(b[6:])),
		End:      int8(b[8]),
		Begin:    int8(b[9]),
		Used:     int16(o.Uint16(b[10:])),
		Buf:      int32(o.Uint32(b[12:])),
		Events:   int32(o.Uint32(b[16:])),
		CurrentI: int32(o.Uint32(b[20:])),
	}
	h.Time[0] = int32(o.Uint32(b[24:]))
	h.Time[1] = int32(o.Uint32(b[28:]))
	for i := range h.Free {
		h.Free[i] = int32(o.Uint32(b[32+4*i:]))
	}
	return h
}

// EventHeader is the 16-byte header preceding every event.
type EventHeader struct {
	DLen    int32 // words following the first 8 header bytes
	Subtype int16
	Type    int16
	Dummy   int16
	Trigger int16
	Count   uint32
}

// EventDLen returns the l_dlen value for an event with n payload bytes.
func EventDLen(n int) int32 {
	return int32((EventHeaderSize - ContinuationHeaderSize + n) / 2)
}

// PayloadBytes returns the number of sub-event bytes following the header.
func (h *EventHeader) PayloadBytes() int {
	return int(h.DLen)*2 - (EventHeaderSize - ContinuationHeaderSize)
}

// IsSticky reports whether the event carries sticky sub-events.
func (h *EventHeader) IsSticky() bool {
	return h.Type == StickyEventType && h.Subtype == StickyEventSubtype
}

// Put encodes the header into b in native byte order.
func (h *EventHeader) Put(b []byte) {
	_ = b[EventHeaderSize-1]
	o := Native
	o.PutUint32(b[0:], uint32(h.DLen))
	o.PutUint16(b[4:], uint16(h.Subtype))
	o.PutUint16(b[6:], uint16(h.Type))
	o.PutUint16(b[8:], uint16(h.Dummy))
	o.PutUint16(b[10:], uint16(h.Trigger))
	o.PutUint32(b[12:], h.Count)
}

// DecodeEventHeader decodes an event header in byte order o.
func DecodeEventHeader(b []byte, o binary.ByteOrder) (EventHeader, error) {
	if len(b) < EventHeaderSize {
		return EventHeader{}, ErrShortHeader
	}
	return EventHeader{
		DLen:    int32(o.Uint32(b[0:])),
		Subtype: int16(o.Uint16(b[4:])),
		Type:    int16(o.Uint16(b[6:])),
		Dummy:   int16(o.Uint16(b[8:])),
		Trigger: int16(o.Uint16(b[10:])),
		Count:   o.Uint32(b[12:]),
	}, nil
}

// ContinuationHeader precedes the continuation fragment of an event at the
// start of a buffer with h_begin set.
type ContinuationHeader struct {
	DLen    int32 // words of fragment payload
	Subtype int16
	Type    int16
}

// Put encodes the header into b in native byte order.
func (h *ContinuationHeader) Put(b []byte) {
	_ = b[ContinuationHeaderSize-1]
	Native.PutUint32(b[0:], uint32(h.DLen))
	Native.PutUint16(b[4:], uint16(h.Subtype))
	Native.PutUint16(b[6:], uint16(h.Type))
}

// DecodeContinuationHeader decodes a continuation header in byte order o.
func DecodeContinuationHeader(b []byte, o binary.ByteOrder) (ContinuationHeader, error) {
	if len(b) < ContinuationHeaderSize {
		return ContinuationHeader{}, ErrShortHeader
	}
	return ContinuationHeader{
		DLen:    int32(o.Uint32(b[0:])),
		Subtype: int16(o.Uint16(b[4:])),
		Type:    int16(o.Uint16(b[6:])),
	}, nil
}

// SubEventHeader is the 12-byte header preceding every sub-event.
type SubEventHeader struct {
	DLen     int32 // words following the first 8 header bytes, or RevokeDLen
	Subtype  int16
	Type     int16
	Control  int8
	Subcrate int8
	ProcID   int16
}

// SubEventDLen returns the l_dlen value for a sub-event with n payload bytes.
func SubEventDLen(n int) int32 {
	return int32((SubEventHeaderSize - ContinuationHeaderSize + n) / 2)
}

// IsRevoke reports whether the header is a sticky revoke marker.
func (h *SubEventHeader) IsRevoke() bool {
	return h.DLen == RevokeDLen
}

// PayloadBytes returns the number of payload bytes following the header.
func (h *SubEventHeader) PayloadBytes() int {
	if h.IsRevoke() {
		return 0
	}
	return int(h.DLen)*2 - (SubEventHeaderSize - ContinuationHeaderSize)
}

// Identity returns the two header words that identify a sticky sub-event:
// the type/subtype word and the control/subcrate/procid word, as they read
// in native order.
func (h *SubEventHeader) Identity() (uint32, uint32) {
	var b [SubEventHeaderSize]byte
	h.Put(b[:])
	return Native.Uint32(b[4:]), Native.Uint32(b[8:])
}

// Put encodes the header into b in native byte order.
func (h *SubEventHeader) Put(b []byte) {
	_ = b[SubEventHeaderSize-1]
	o := Native
	o.PutUint32(b[0:], uint32(h.DLen))
	o.PutUint16(b[4:], uint16(h.Subtype))
	o.PutUint16(b[6:], uint16(h.Type))
	b[8] = byte(h.Control)
	b[9] = byte(h.Subcrate)
	o.PutUint16(b[10:], uint16(h.ProcID))
}

// DecodeSubEventHeader decodes a sub-event header in byte order o.
func DecodeSubEventHeader(b []byte, o binary.ByteOrder) (SubEventHeader, error) {
	if len(b) < SubEventHeaderSize {
		return SubEventHeader{}, ErrShortHeader
	}
	return SubEventHeader{
		DLen:     int32(o.Uint32(b[0:])),
		Subtype:  int16(o.Uint16(b[4:])),
		Type:     int16(o.Uint16(b[6:])),
		Control:  int8(b[8]),
		Subcrate: int8(b[9]),
		ProcID:   int16(o.Uint16(b[10:])),
	}, nil
}
