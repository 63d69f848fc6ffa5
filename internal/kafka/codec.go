package kafka

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"

	"github.com/op3/ucesb-sub002/internal/errors"
	"github.com/op3/ucesb-sub002/pkg/event"
	"github.com/op3/ucesb-sub002/pkg/lmd"
)

// Message encodings.
const (
	EncodingRaw         = "raw"
	EncodingCloudEvents = "cloudevents"
	EncodingAuto        = "auto"
)

// Message headers and CloudEvents attributes.
const (
	HeaderContentType = "content-type"
	HeaderByteOrder   = "lmd-byte-order"

	ContentTypeCloudEvents = "application/cloudevents+json"
	ContentTypeLMD         = "application/x-lmd-event"

	// ExtensionByteOrder carries the byte order of the event bytes.
	ExtensionByteOrder = "lmdbyteorder"

	EventTypeData   = "io.lmd.event"
	EventTypeSticky = "io.lmd.sticky"
)

var hostLittle = lmd.Native.Uint16([]byte{1, 0}) == 1

// HostByteOrder names the byte order of this machine.
func HostByteOrder() string {
	if hostLittle {
		return "little"
	}
	return "big"
}

// swappedFor reports whether bytes in the named order need swapping here.
func swappedFor(order string) (bool, error) {
	switch order {
	case "", "native":
		return false, nil
	case "little":
		return !hostLittle, nil
	case "big":
		return hostLittle, nil
	default:
		return false, fmt.Errorf("unknown byte order %q: %w", order, errors.ErrMalformedEvent)
	}
}

// DecodeMessage turns a message value into an event record. With
// EncodingAuto the CloudEvents envelope is recognized by the content-type
// header or a leading '{'.
func DecodeMessage(value []byte, headers map[string]string, encoding string) (*event.Record, error) {
	useCE := false
	switch encoding {
	case EncodingCloudEvents:
		useCE = true
	case EncodingRaw:
	case EncodingAuto, "":
		useCE = headers[HeaderContentType] == ContentTypeCloudEvents ||
			bytes.HasPrefix(bytes.TrimSpace(value), []byte("{"))
	default:
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}

	payload := value
	order := headers[HeaderByteOrder]
	if useCE {
		ce := cloudevents.NewEvent()
		if err := json.Unmarshal(value, &ce); err != nil {
			return nil, fmt.Errorf("failed to unmarshal cloud event: %v: %w", err, errors.ErrMalformedEvent)
		}
		if err := ce.Validate(); err != nil {
			return nil, fmt.Errorf("invalid cloud event: %v: %w", err, errors.ErrMalformedEvent)
		}
		payload = ce.Data()
		order = ""
		if v, ok := ce.Extensions()[ExtensionByteOrder]; ok {
			order = fmt.Sprint(v)
		}
	}

	swapped, err := swappedFor(order)
	if err != nil {
		return nil, err
	}
	rec, n, err := event.Decode(payload, swapped)
	if err != nil {
		return nil, err
	}
	if n != len(payload) {
		return nil, fmt.Errorf("%d bytes after event of %d: %w", len(payload)-n, n, errors.ErrMalformedEvent)
	}
	return rec, nil
}

// NewCloudEvent wraps the encoded record in a CloudEvents envelope with
// base64 data.
func NewCloudEvent(rec *event.Record, source string, now time.Time) (cloudevents.Event, error) {
	ce := cloudevents.NewEvent()
	ce.SetSpecVersion(cloudevents.VersionV1)
	ce.SetID(uuid.New().String())
	ce.SetSource(source)
	ce.SetTime(now)
	ce.SetType(EventTypeData)
	if rec.IsSticky() {
		ce.SetType(EventTypeSticky)
	}
	ce.SetExtension(ExtensionByteOrder, HostByteOrder())
	if err := ce.SetData(ContentTypeLMD, rec.Bytes()); err != nil {
		return ce, fmt.Errorf("failed to set event data: %w", err)
	}
	return ce, nil
}
