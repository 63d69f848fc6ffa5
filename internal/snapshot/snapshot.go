// Package snapshot archives the live content of the sticky store. A
// snapshot is the replay of the store, one row per live sub-event, encoded
// and stored by a storage.Writer.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/op3/ucesb-sub002/pkg/encoder"
	"github.com/op3/ucesb-sub002/pkg/event"
	"github.com/op3/ucesb-sub002/pkg/storage"
)

// Snapshot collects replayed sticky events as rows.
type Snapshot struct {
	ID      string
	TakenAt time.Time
	Rows    []encoder.Row
}

var _ event.Writer = (*Snapshot)(nil)

// New starts an empty snapshot.
func New(takenAt time.Time) *Snapshot {
	return &Snapshot{ID: uuid.NewString(), TakenAt: takenAt}
}

// WriteEvent adds one row per sub-event of ev. Payloads are copied.
func (s *Snapshot) WriteEvent(ev *event.Record, _ bool) error {
	subs, err := ev.SubEvents()
	if err != nil {
		return fmt.Errorf("snapshot event %d: %w", ev.Header.Count, err)
	}
	for _, sub := range subs {
		h := sub.Header
		s.Rows = append(s.Rows, encoder.Row{
			SnapshotID: s.ID,
			TakenAt:    s.TakenAt,
			Sequence:   int64(len(s.Rows)),
			EventCount: ev.Header.Count,
			Type:       h.Type,
			Subtype:    h.Subtype,
			Control:    h.Control,
			Subcrate:   h.Subcrate,
			ProcID:     h.ProcID,
			Revoked:    h.IsRevoke(),
			Swapped:    sub.Swapped,
			Payload:    append([]byte(nil), sub.Payload()...),
		})
	}
	return nil
}

// Source replays the sticky store into a writer.
type Source interface {
	Snapshot(w event.Writer) error
}

// SourceFunc adapts a replay function to Source.
type SourceFunc func(w event.Writer) error

// Snapshot calls f(w).
func (f SourceFunc) Snapshot(w event.Writer) error { return f(w) }

// Archiver takes snapshots and stores them.
type Archiver struct {
	source Source
	writer storage.Writer
	router storage.Router
	logger *slog.Logger
	now    func() time.Time
}

// NewArchiver creates an archiver.
func NewArchiver(source Source, writer storage.Writer, router storage.Router, logger *slog.Logger) *Archiver {
	return &Archiver{
		source: source,
		writer: writer,
		router: router,
		logger: logger,
		now:    time.Now,
	}
}

// Take stores one snapshot and returns its object name. An empty store is
// not archived; Take then returns "".
func (a *Archiver) Take(ctx context.Context) (string, error) {
	snap := New(a.now())
	if err := a.source.Snapshot(snap); err != nil {
		return "", fmt.Errorf("failed to replay sticky store: %w", err)
	}
	if len(snap.Rows) == 0 {
		a.logger.Debug("sticky store empty, no snapshot written")
		return "", nil
	}

	name, size, err := a.writer.Write(ctx, snap.Rows, a.router.Route(snap.TakenAt))
	if err != nil {
		return "", fmt.Errorf("failed to store snapshot %s: %w", snap.ID, err)
	}
	a.logger.Info("sticky snapshot archived",
		"snapshot_id", snap.ID,
		"object", name,
		"rows", len(snap.Rows),
		"bytes", size,
	)
	return name, nil
}

// Run takes a snapshot every interval until ctx is cancelled. Failed
// snapshots are logged and retried at the next tick.
func (a *Archiver) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("snapshot interval must be positive, got %v", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := a.Take(ctx); err != nil {
				a.logger.Error("sticky snapshot failed", "error", err)
			}
		}
	}
}

// Close closes the storage writer.
func (a *Archiver) Close() error {
	return a.writer.Close()
}
