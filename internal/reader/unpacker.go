package reader

import (
	"encoding/binary"
	"fmt"

	"github.com/op3/ucesb-sub002/internal/errors"
	"github.com/op3/ucesb-sub002/pkg/event"
	"github.com/op3/ucesb-sub002/pkg/lmd"
)

// Unpacker reassembles events from a sequence of buffers.
type Unpacker struct {
	pending []byte
	want    int
	swapped bool

	// Orphans counts continuation fragments without a first fragment.
	Orphans int
}

// BufferResult is what one buffer contained.
type BufferResult struct {
	Header   lmd.BufferHeader
	Events   []*event.Record
	Terminal bool
}

// Unpack decodes one buffer. Complete events alias b.
func (u *Unpacker) Unpack(b []byte) (BufferResult, error) {
	h, order, err := lmd.DecodeBufferHeader(b)
	if err != nil {
		return BufferResult{}, err
	}
	res := BufferResult{Header: h}
	if h.Type != lmd.BufferType || h.Subtype != lmd.BufferSubtype {
		return res, fmt.Errorf("buffer type %d/%d: %w", h.Type, h.Subtype, errors.ErrMalformedEvent)
	}
	if h.Events == -1 {
		res.Terminal = true
		return res, nil
	}
	used := h.UsedBytes()
	if lmd.BufferHeaderSize+used > len(b) {
		return res, fmt.Errorf("buffer uses %d of %d bytes: %w", used, len(b)-lmd.BufferHeaderSize, errors.ErrMalformedEvent)
	}
	swapped := order != lmd.Native
	data := b[lmd.BufferHeaderSize : lmd.BufferHeaderSize+used]
	pos := 0
	counted := 0

	if h.Begin != 0 {
		n, err := u.continuation(data, order, &res)
		if err != nil {
			return res, err
		}
		pos = n
		counted++
	} else if u.pending != nil {
		return res, fmt.Errorf("event of %d bytes cut after %d: %w", u.want, len(u.pending), errors.ErrMalformedEvent)
	}

	for pos < used {
		eh, err := lmd.DecodeEventHeader(data[pos:], order)
		if err != nil {
			return res, fmt.Errorf("event header at %d: %w", pos, errors.ErrMalformedEvent)
		}
		total := lmd.EventHeaderSize + eh.PayloadBytes()
		counted++
		if pos+total > used {
			frag := data[pos:]
			if h.End == 0 || int(h.Free[1]) != (len(frag)-lmd.ContinuationHeaderSize)/2 {
				return res, fmt.Errorf("unfinished event at %d without fragment mark: %w", pos, errors.ErrMalformedEvent)
			}
			u.pending = append(make([]byte, 0, total), frag...)
			u.want = total
			u.swapped = swapped
			break
		}
		ev, _, err := event.Decode(data[pos:pos+total], swapped)
		if err != nil {
			return res, err
		}
		res.Events = append(res.Events, ev)
		pos += total
	}

	if counted != int(h.Events) {
		return res, fmt.Errorf("buffer %d announces %d events, found %d: %w", h.Buf, h.Events, counted, errors.ErrMalformedEvent)
	}
	return res, nil
}

func (u *Unpacker) continuation(data []byte, order binary.ByteOrder, res *BufferResult) (int, error) {
	ch, err := lmd.DecodeContinuationHeader(data, order)
	if err != nil {
		return 0, fmt.Errorf("continuation header: %w", errors.ErrMalformedEvent)
	}
	n := int(ch.DLen) * 2
	end := lmd.ContinuationHeaderSize + n
	if n < 0 || end > len(data) {
		return 0, fmt.Errorf("continuation of %d bytes in %d: %w", n, len(data), errors.ErrMalformedEvent)
	}
	if u.pending == nil {
		u.Orphans++
		return end, nil
	}
	u.pending = append(u.pending, data[lmd.ContinuationHeaderSize:end]...)
	switch {
	case len(u.pending) == u.want:
		ev, _, err := event.Decode(u.pending, u.swapped)
		if err != nil {
			return 0, err
		}
		res.Events = append(res.Events, ev)
		u.pending = nil
	case len(u.pending) > u.want:
		return 0, fmt.Errorf("continuation overruns event of %d bytes: %w", u.want, errors.ErrMalformedEvent)
	case end != len(data):
		return 0, fmt.Errorf("short continuation followed by data: %w", errors.ErrMalformedEvent)
	}
	return end, nil
}

// Reset drops a partially reassembled event.
func (u *Unpacker) Reset() {
	u.pending = nil
	u.want = 0
}
