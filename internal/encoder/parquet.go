package encoder

import (
	"fmt"
	"io"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/op3/ucesb-sub002/pkg/encoder"
)

// Ensure implementation satisfies interface at compile time.
var _ encoder.Encoder = (*ParquetEncoder)(nil)

// StickyRowParquet is the Parquet schema for snapshot rows.
type StickyRowParquet struct {
	SnapshotID string    `parquet:"snapshot_id,dict"`
	TakenAt    time.Time `parquet:"taken_at,timestamp(microsecond)"`
	Sequence   int64     `parquet:"sequence"`
	EventCount int64     `parquet:"event_count"`
	Type       int32     `parquet:"type"`
	Subtype    int32     `parquet:"subtype"`
	Control    int32     `parquet:"control"`
	Subcrate   int32     `parquet:"subcrate"`
	ProcID     int32     `parquet:"procid"`
	Revoked    bool      `parquet:"revoked"`
	Swapped    bool      `parquet:"swapped"`
	Payload    []byte    `parquet:"payload"`
}

// ParquetEncoder implements encoder.Encoder for Apache Parquet columnar format.
// Supports SNAPPY (default), GZIP, LZ4, ZSTD and uncompressed pages.
type ParquetEncoder struct {
	compressionName string
}

// NewParquetEncoder creates a new Parquet encoder with specified compression.
func NewParquetEncoder(compression string) *ParquetEncoder {
	return &ParquetEncoder{
		compressionName: compression,
	}
}

// compressionCodec converts string compression name to parquet WriterOption.
func compressionCodec(compression string) parquet.WriterOption {
	switch compression {
	case "snappy", "SNAPPY":
		return parquet.Compression(&parquet.Snappy)
	case "gzip", "GZIP":
		return parquet.Compression(&parquet.Gzip)
	case "lz4", "LZ4":
		return parquet.Compression(&parquet.Lz4Raw)
	case "zstd", "ZSTD":
		return parquet.Compression(&parquet.Zstd)
	case "uncompressed", "UNCOMPRESSED", "none", "NONE":
		return parquet.Compression(&parquet.Uncompressed)
	default:
		return parquet.Compression(&parquet.Snappy)
	}
}

// Encode writes rows to w as one Parquet file.
func (e *ParquetEncoder) Encode(w io.Writer, rows []encoder.Row) error {
	if len(rows) == 0 {
		return fmt.Errorf("no rows to encode")
	}

	records := make([]StickyRowParquet, len(rows))
	for i, row := range rows {
		records[i] = parquetRow(row)
	}

	writer := parquet.NewGenericWriter[StickyRowParquet](
		w,
		compressionCodec(e.compressionName),
		parquet.CreatedBy("lmdcast", "1.0", "0"),
	)
	if _, err := writer.Write(records); err != nil {
		writer.Close()
		return fmt.Errorf("failed to write rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	return nil
}

func parquetRow(row encoder.Row) StickyRowParquet {
	return StickyRowParquet{
		SnapshotID: row.SnapshotID,
		TakenAt:    row.TakenAt.UTC(),
		Sequence:   row.Sequence,
		EventCount: int64(row.EventCount),
		Type:       int32(row.Type),
		Subtype:    int32(row.Subtype),
		Control:    int32(row.Control),
		Subcrate:   int32(row.Subcrate),
		ProcID:     int32(row.ProcID),
		Revoked:    row.Revoked,
		Swapped:    row.Swapped,
		Payload:    row.Payload,
	}
}

// Format returns the file format.
func (e *ParquetEncoder) Format() encoder.FileFormat {
	return encoder.FormatParquet
}

// FileExtension returns the file extension.
func (e *ParquetEncoder) FileExtension() string {
	return ".parquet"
}
