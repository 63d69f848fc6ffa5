// Package encoder encodes sticky snapshot rows to archive file formats.
//
// # Supported Formats
//
//   - Parquet: columnar, one row per live sticky sub-event, page
//     compression snappy (default), gzip, lz4, zstd or uncompressed
//   - Avro: Object Container File with embedded schema, block codec
//     deflate (default), snappy or null
//
// # Encoder Factory
//
// Use Factory to create encoder instances:
//
//	factory := encoder.NewFactory(pkgencoder.FormatParquet, "snappy")
//	enc, err := factory.CreateEncoder()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	var buf bytes.Buffer
//	if err := enc.Encode(&buf, rows); err != nil {
//	    log.Fatal(err)
//	}
//
// Encoders hold no per-file state and may be shared.
package encoder
