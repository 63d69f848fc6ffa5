package lmd

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// InfoSize is the size of the info record sent on connect.
const InfoSize = 16

// PortMapMark in the second info word announces a port-map record.
const PortMapMark = 0x50540000

// Info is the 16-byte record a server sends to every new connection.
type Info struct {
	TestBit    uint32
	BufSize    uint32
	StreamBufs uint32
	Streams    uint32
}

// DataInfo returns the info record of a data connection.
func DataInfo(bufSize, streamBufs int) Info {
	return Info{TestBit: 1, BufSize: uint32(bufSize), StreamBufs: uint32(streamBufs), Streams: 1}
}

// RefusedInfo returns the info record sent to connections that are refused.
func RefusedInfo() Info {
	return Info{TestBit: 1, BufSize: 0xffffffff, StreamBufs: 0xffffffff}
}

// PortMapInfo returns the info record telling a client to reconnect to port.
func PortMapInfo(port int) Info {
	return Info{TestBit: 1, BufSize: PortMapMark, StreamBufs: uint32(port)}
}

// IsRefused reports whether the record refuses the connection.
func (i Info) IsRefused() bool {
	return i.BufSize == 0xffffffff && i.StreamBufs == 0xffffffff
}

// IsPortMap reports whether the record redirects to another port.
func (i Info) IsPortMap() bool {
	return i.BufSize == PortMapMark
}

// Bytes encodes the record in native byte order.
func (i Info) Bytes() []byte {
	b := make([]byte, InfoSize)
	Native.PutUint32(b[0:], i.TestBit)
	Native.PutUint32(b[4:], i.BufSize)
	Native.PutUint32(b[8:], i.StreamBufs)
	Native.PutUint32(b[12:], i.Streams)
	return b
}

// DecodeInfo decodes an info record, detecting the sender's byte order from
// the test bit.
func DecodeInfo(b []byte) (Info, binary.ByteOrder, error) {
	if len(b) < InfoSize {
		return Info{}, nil, ErrShortHeader
	}
	for _, o := range []binary.ByteOrder{Native, Swapped} {
		if o.Uint32(b[0:]) == 1 {
			return Info{
				TestBit:    1,
				BufSize:    o.Uint32(b[4:]),
				StreamBufs: o.Uint32(b[8:]),
				Streams:    o.Uint32(b[12:]),
			}, o, nil
		}
	}
	return Info{}, nil, fmt.Errorf("lmd: bad info test bit %#x", Native.Uint32(b[0:]))
}

// CommandSize is the size of a request on the polled protocol.
const CommandSize = 12

// Command is a request sent by a client of the polled protocol.
type Command int

const (
	CommandUnknown Command = iota
	CommandGetEvt
	CommandPing
	CommandClose
)

var commandNames = map[Command]string{
	CommandGetEvt: "GETEVT",
	CommandPing:   "PING",
	CommandClose:  "CLOSE",
}

func (c Command) String() string {
	if s, ok := commandNames[c]; ok {
		return s
	}
	return "UNKNOWN"
}

// Bytes returns the NUL-padded request.
func (c Command) Bytes() []byte {
	b := make([]byte, CommandSize)
	copy(b, commandNames[c])
	return b
}

// ParseCommand decodes a 12-byte request.
func ParseCommand(b []byte) (Command, error) {
	if len(b) != CommandSize {
		return CommandUnknown, fmt.Errorf("lmd: request has %d bytes, want %d", len(b), CommandSize)
	}
	name := b
	if i := bytes.IndexByte(b, 0); i >= 0 {
		if bytes.IndexFunc(b[i:], func(r rune) bool { return r != 0 }) >= 0 {
			return CommandUnknown, fmt.Errorf("lmd: request %q not NUL padded", b)
		}
		name = b[:i]
	}
	for c, s := range commandNames {
		if string(name) == s {
			return c, nil
		}
	}
	return CommandUnknown, fmt.Errorf("lmd: unknown request %q", name)
}
