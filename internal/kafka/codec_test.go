package kafka

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	apperrors "github.com/op3/ucesb-sub002/internal/errors"
	"github.com/op3/ucesb-sub002/pkg/event"
	"github.com/op3/ucesb-sub002/pkg/lmd"
)

func testRecord() *event.Record {
	return event.New(lmd.EventType, lmd.EventSubtype, 1, 42,
		event.NewSubEvent(lmd.SubEventHeader{Type: 5, Subtype: 6, ProcID: 7}, []byte{1, 2, 3, 4, 5, 6, 7, 8}),
	)
}

// swappedEmptyEvent returns an event without payload encoded in the
// non-native byte order.
func swappedEmptyEvent(count uint32) []byte {
	b := make([]byte, lmd.EventHeaderSize)
	o := lmd.Swapped
	o.PutUint32(b[0:], uint32(lmd.EventDLen(0)))
	o.PutUint16(b[4:], lmd.EventSubtype)
	o.PutUint16(b[6:], lmd.EventType)
	o.PutUint32(b[12:], count)
	return b
}

func otherByteOrder() string {
	if HostByteOrder() == "little" {
		return "big"
	}
	return "little"
}

func TestDecodeMessageRaw(t *testing.T) {
	rec := testRecord()
	b := rec.Bytes()

	tests := []struct {
		name     string
		headers  map[string]string
		encoding string
	}{
		{name: "raw", encoding: EncodingRaw},
		{name: "auto without headers", encoding: EncodingAuto},
		{name: "native order", headers: map[string]string{HeaderByteOrder: "native"}, encoding: EncodingRaw},
		{name: "host order", headers: map[string]string{HeaderByteOrder: HostByteOrder()}, encoding: EncodingRaw},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeMessage(b, tt.headers, tt.encoding)
			if err != nil {
				t.Fatalf("DecodeMessage() error = %v", err)
			}
			if got.Header.Count != 42 {
				t.Errorf("Count = %v, want %v", got.Header.Count, 42)
			}
			if !bytes.Equal(got.Bytes(), b) {
				t.Errorf("Bytes() = %x, want %x", got.Bytes(), b)
			}
		})
	}
}

func TestDecodeMessageSwapped(t *testing.T) {
	b := swappedEmptyEvent(7)
	got, err := DecodeMessage(b, map[string]string{HeaderByteOrder: otherByteOrder()}, EncodingRaw)
	if err != nil {
		t.Fatalf("DecodeMessage() error = %v", err)
	}
	if got.Header.Count != 7 {
		t.Errorf("Count = %v, want %v", got.Header.Count, 7)
	}
	if got.Header.Type != lmd.EventType {
		t.Errorf("Type = %v, want %v", got.Header.Type, lmd.EventType)
	}
}

func TestDecodeMessageCloudEvent(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		record   *event.Record
		wantType string
		headers  map[string]string
		encoding string
	}{
		{
			name:     "data event by header",
			record:   testRecord(),
			wantType: EventTypeData,
			headers:  map[string]string{HeaderContentType: ContentTypeCloudEvents},
			encoding: EncodingAuto,
		},
		{
			name: "sticky event by content",
			record: event.NewSticky(3,
				event.NewSubEvent(lmd.SubEventHeader{Type: 1, ProcID: 2}, []byte{9, 9, 9, 9})),
			wantType: EventTypeSticky,
			encoding: EncodingAuto,
		},
		{
			name:     "forced",
			record:   testRecord(),
			wantType: EventTypeData,
			encoding: EncodingCloudEvents,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ce, err := NewCloudEvent(tt.record, "lmdcast/test", now)
			if err != nil {
				t.Fatalf("NewCloudEvent() error = %v", err)
			}
			if ce.Type() != tt.wantType {
				t.Errorf("Type() = %v, want %v", ce.Type(), tt.wantType)
			}
			value, err := json.Marshal(ce)
			if err != nil {
				t.Fatalf("json.Marshal() error = %v", err)
			}
			if !bytes.Contains(value, []byte(`"data_base64"`)) {
				t.Errorf("envelope %s has no data_base64", value)
			}

			got, err := DecodeMessage(value, tt.headers, tt.encoding)
			if err != nil {
				t.Fatalf("DecodeMessage() error = %v", err)
			}
			if !bytes.Equal(got.Bytes(), tt.record.Bytes()) {
				t.Errorf("Bytes() = %x, want %x", got.Bytes(), tt.record.Bytes())
			}
		})
	}
}

func TestDecodeMessageErrors(t *testing.T) {
	raw := testRecord().Bytes()

	tests := []struct {
		name      string
		value     []byte
		headers   map[string]string
		encoding  string
		malformed bool
	}{
		{name: "trailing bytes", value: append(append([]byte{}, raw...), 0, 0, 0, 0), encoding: EncodingRaw, malformed: true},
		{name: "truncated", value: raw[:len(raw)-2], encoding: EncodingRaw, malformed: true},
		{name: "short header", value: raw[:4], encoding: EncodingRaw, malformed: true},
		{name: "bad json", value: []byte(`{"specversion":`), encoding: EncodingCloudEvents, malformed: true},
		{name: "invalid envelope", value: []byte(`{"specversion":"1.0"}`), encoding: EncodingAuto, malformed: true},
		{
			name:      "unknown byte order",
			value:     raw,
			headers:   map[string]string{HeaderByteOrder: "middle"},
			encoding:  EncodingRaw,
			malformed: true,
		},
		{name: "unsupported encoding", value: raw, encoding: "protobuf"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeMessage(tt.value, tt.headers, tt.encoding)
			if err == nil {
				t.Fatal("DecodeMessage() error = nil, want error")
			}
			if got := errors.Is(err, apperrors.ErrMalformedEvent); got != tt.malformed {
				t.Errorf("errors.Is(ErrMalformedEvent) = %v, want %v (%v)", got, tt.malformed, err)
			}
		})
	}
}

func TestSwappedFor(t *testing.T) {
	tests := []struct {
		order string
		want  bool
	}{
		{order: "", want: false},
		{order: "native", want: false},
		{order: HostByteOrder(), want: false},
		{order: otherByteOrder(), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.order, func(t *testing.T) {
			got, err := swappedFor(tt.order)
			if err != nil {
				t.Fatalf("swappedFor() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("swappedFor(%q) = %v, want %v", tt.order, got, tt.want)
			}
		})
	}
}
