// Package lmd defines the on-wire layout of the list-mode data stream served
// to clients: buffer, event, fragment and sub-event headers, the info record
// sent on connect and the fixed-size requests of the polled protocol.
//
// All headers are written in host-native byte order. Readers detect the
// producer's order from the byte-order mark in the buffer header
// (l_free[0] == 1) and decode with the matching binary.ByteOrder.
//
// # Buffer layout
//
//	+--------------------+  0
//	| buffer header (48) |
//	+--------------------+ 48
//	| [continuation (8)] |  only when h_begin == 1
//	| fragment payload   |
//	+--------------------+
//	| event header (16)  |
//	| sub-events ...     |
//	+--------------------+
//	| ...                |
//	| first fragment     |  h_end == 1, l_free[1] = fragment length
//	+--------------------+ bufsize
//
// An event header always carries the full event length, also when only its
// first fragment is present in the buffer. Continuation headers carry the
// partial length of the fragment they precede.
package lmd
