// Package storage defines interfaces for snapshot storage.
//
// Snapshot files are written to a local directory or to an object store
// (S3, Azure Blob, Google Cloud Storage).
package storage

import (
	"context"
	"time"

	"github.com/op3/ucesb-sub002/pkg/encoder"
)

// Writer stores encoded snapshot files.
type Writer interface {
	// Write encodes rows into one file below dir and returns the object
	// name and the number of bytes stored.
	Write(ctx context.Context, rows []encoder.Row, dir string) (string, int64, error)

	// Close closes the writer and releases resources.
	Close() error
}

// Router determines the directory a snapshot taken at t is stored in.
type Router interface {
	Route(t time.Time) string
}
