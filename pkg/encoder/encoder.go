// Package encoder defines the rows of a sticky snapshot and the interface
// for encoding them to a file format.
package encoder

import (
	"io"
	"time"
)

// FileFormat names an archive file format.
type FileFormat string

// Supported formats.
const (
	FormatParquet FileFormat = "parquet"
	FormatAvro    FileFormat = "avro"
)

// Row is one live sticky sub-event of a snapshot.
type Row struct {
	SnapshotID string
	TakenAt    time.Time
	Sequence   int64  // position in replay order
	EventCount uint32 // l_count of the sticky event carrying the sub-event
	Type       int16
	Subtype    int16
	Control    int8
	Subcrate   int8
	ProcID     int16
	Revoked    bool
	Swapped    bool   // payload is in non-native byte order
	Payload    []byte // sub-event payload, without header
}

// Encoder encodes rows to a specific file format.
type Encoder interface {
	// Encode writes rows to w as one complete file.
	Encode(w io.Writer, rows []Row) error

	// Format returns the file format this encoder produces.
	Format() FileFormat

	// FileExtension returns the file extension (e.g., ".parquet", ".avro").
	FileExtension() string
}
