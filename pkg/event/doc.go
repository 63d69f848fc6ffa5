// Package event defines the event record handed to the broadcast core and
// the writer interface every event consumer implements.
//
// # Records
//
// A Record is an event header plus its payload. The payload is a list of
// chunks, each written verbatim with its own byte order, so an upstream that
// holds a swapped source buffer can hand the bytes over without converting
// them:
//
//	rec := &event.Record{
//	    Header: lmd.EventHeader{Type: lmd.EventType, Subtype: lmd.EventSubtype, Trigger: 1},
//	    Chunks: []event.Chunk{{Data: payload}},
//	}
//
// The header length field is derived from the chunks and need not be set.
//
// # Sticky events
//
// Events of type StickyEventType/StickyEventSubtype carry sub-events that
// are remembered by identity. Build them with NewSticky:
//
//	rec := event.NewSticky(1,
//	    event.NewSubEvent(lmd.SubEventHeader{Type: 1, ProcID: 7}, data),
//	    event.Revoke(lmd.SubEventHeader{Type: 2}),
//	)
//
// # Writers
//
// Writer is implemented by the producer (which broadcasts the event) and by
// the snapshot archiver. Replayed sticky events are delivered with
// replay set to true.
package event
