package encoder

import (
	"fmt"
	"io"
	"time"

	"github.com/linkedin/goavro/v2"

	"github.com/op3/ucesb-sub002/pkg/encoder"
)

// Ensure implementation satisfies interface at compile time.
var _ encoder.Encoder = (*AvroEncoder)(nil)

// AvroEncoder implements encoder.Encoder for Avro Object Container Files.
// The block codec (null, deflate or snappy) is recorded in the file header.
type AvroEncoder struct {
	codec      *goavro.Codec
	blockCodec string
}

// NewAvroEncoder creates a new Avro encoder with the given block codec.
func NewAvroEncoder(compression string) (*AvroEncoder, error) {
	blockCodec, err := avroBlockCodec(compression)
	if err != nil {
		return nil, err
	}
	codec, err := goavro.NewCodec(avroSchema())
	if err != nil {
		return nil, fmt.Errorf("failed to create avro codec: %w", err)
	}
	return &AvroEncoder{codec: codec, blockCodec: blockCodec}, nil
}

func avroBlockCodec(compression string) (string, error) {
	switch compression {
	case "", "null", "none", "uncompressed":
		return goavro.CompressionNullLabel, nil
	case "deflate":
		return goavro.CompressionDeflateLabel, nil
	case "snappy":
		return goavro.CompressionSnappyLabel, nil
	default:
		return "", fmt.Errorf("unsupported avro codec: %s", compression)
	}
}

// avroSchema returns the Avro schema for snapshot rows.
func avroSchema() string {
	return `{
		"type": "record",
		"name": "StickyRow",
		"namespace": "io.lmd.snapshot",
		"fields": [
			{"name": "snapshot_id", "type": "string"},
			{"name": "taken_at", "type": "string"},
			{"name": "sequence", "type": "long"},
			{"name": "event_count", "type": "long"},
			{"name": "type", "type": "int"},
			{"name": "subtype", "type": "int"},
			{"name": "control", "type": "int"},
			{"name": "subcrate", "type": "int"},
			{"name": "procid", "type": "int"},
			{"name": "revoked", "type": "boolean"},
			{"name": "swapped", "type": "boolean"},
			{"name": "payload", "type": "bytes"}
		]
	}`
}

// Encode writes rows to w as an OCF file.
func (e *AvroEncoder) Encode(w io.Writer, rows []encoder.Row) error {
	if len(rows) == 0 {
		return fmt.Errorf("no rows to encode")
	}

	ocfWriter, err := goavro.NewOCFWriter(goavro.OCFConfig{
		W:               w,
		Codec:           e.codec,
		CompressionName: e.blockCodec,
	})
	if err != nil {
		return fmt.Errorf("failed to create OCF writer: %w", err)
	}

	batch := make([]interface{}, len(rows))
	for i, row := range rows {
		batch[i] = avroMap(row)
	}
	if err := ocfWriter.Append(batch); err != nil {
		return fmt.Errorf("failed to write rows: %w", err)
	}
	return nil
}

func avroMap(row encoder.Row) map[string]interface{} {
	payload := row.Payload
	if payload == nil {
		payload = []byte{}
	}
	return map[string]interface{}{
		"snapshot_id": row.SnapshotID,
		"taken_at":    row.TakenAt.UTC().Format(time.RFC3339Nano),
		"sequence":    row.Sequence,
		"event_count": int64(row.EventCount),
		"type":        int32(row.Type),
		"subtype":     int32(row.Subtype),
		"control":     int32(row.Control),
		"subcrate":    int32(row.Subcrate),
		"procid":      int32(row.ProcID),
		"revoked":     row.Revoked,
		"swapped":     row.Swapped,
		"payload":     payload,
	}
}

// Format returns the file format.
func (e *AvroEncoder) Format() encoder.FileFormat {
	return encoder.FormatAvro
}

// FileExtension returns the file extension.
func (e *AvroEncoder) FileExtension() string {
	return ".avro"
}
