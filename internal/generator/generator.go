// Package generator produces synthetic LMD events for demos and load tests.
// Every StickyEvery-th event is a sticky event that sets or revokes one of a
// small set of sticky identities.
package generator

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jaswdr/faker"

	"github.com/op3/ucesb-sub002/internal/errors"
	"github.com/op3/ucesb-sub002/pkg/event"
	"github.com/op3/ucesb-sub002/pkg/lmd"
)

// Sub-event type codes used by generated events.
const (
	DataSubEventType    = 10
	DataSubEventSubtype = 1

	StickySubEventType    = 20
	StickySubEventSubtype = 1
)

const (
	minPayloadBytes = 4
	// percentage of sticky events that revoke their identity
	revokePercent = 10
)

// Config controls the generated stream.
type Config struct {
	EventsPerSecond  int
	StickyEvery      int // 0 disables sticky events
	MaxPayloadBytes  int
	StickyIdentities int
	Crates           int
}

// Generator creates synthetic events.
type Generator struct {
	config Config
	faker  faker.Faker
	logger *slog.Logger
	count  uint32
}

// New creates a generator.
func New(config Config, logger *slog.Logger) (*Generator, error) {
	if config.EventsPerSecond <= 0 {
		return nil, fmt.Errorf("events per second must be positive, got %d", config.EventsPerSecond)
	}
	if config.MaxPayloadBytes < minPayloadBytes {
		return nil, fmt.Errorf("max payload bytes must be at least %d, got %d", minPayloadBytes, config.MaxPayloadBytes)
	}
	if config.StickyEvery < 0 {
		return nil, fmt.Errorf("sticky interval cannot be negative")
	}
	if config.StickyIdentities <= 0 {
		config.StickyIdentities = 4
	}
	if config.Crates <= 0 {
		config.Crates = 2
	}
	return &Generator{
		config: config,
		faker:  faker.New(),
		logger: logger,
	}, nil
}

// Count returns the number of events generated so far.
func (g *Generator) Count() uint32 {
	return g.count
}

// Next returns the next event.
func (g *Generator) Next() *event.Record {
	g.count++
	if g.config.StickyEvery > 0 && g.count%uint32(g.config.StickyEvery) == 0 {
		return g.sticky()
	}

	subs := make([]event.SubEvent, g.config.Crates)
	for i := range subs {
		h := lmd.SubEventHeader{
			Type:     DataSubEventType,
			Subtype:  DataSubEventSubtype,
			Subcrate: int8(i),
			ProcID:   int16(i + 1),
		}
		subs[i] = event.NewSubEvent(h, g.payload())
	}
	return event.New(lmd.EventType, lmd.EventSubtype, 1, g.count, subs...)
}

func (g *Generator) sticky() *event.Record {
	h := lmd.SubEventHeader{
		Type:    StickySubEventType,
		Subtype: StickySubEventSubtype,
		ProcID:  int16(g.faker.IntBetween(1, g.config.StickyIdentities)),
	}
	if g.faker.IntBetween(1, 100) <= revokePercent {
		return event.NewSticky(g.count, event.Revoke(h))
	}
	return event.NewSticky(g.count, event.NewSubEvent(h, g.payload()))
}

// payload returns readable text padded with NULs to a multiple of four
// bytes and capped at MaxPayloadBytes.
func (g *Generator) payload() []byte {
	text := fmt.Sprintf("%s;%s;%s",
		g.faker.Person().Name(),
		g.faker.Address().City(),
		g.faker.Lorem().Sentence(g.faker.IntBetween(2, 12)),
	)
	limit := g.config.MaxPayloadBytes &^ 3
	if len(text) > limit {
		text = text[:limit]
	}
	n := (len(text) + 3) &^ 3
	if n < minPayloadBytes {
		n = minPayloadBytes
	}
	b := make([]byte, n)
	copy(b, text)
	return b
}

// interval returns the tick period and the events to write per tick.
func (g *Generator) interval() (time.Duration, int) {
	eps := g.config.EventsPerSecond
	d := time.Second / time.Duration(eps)
	if d >= time.Millisecond {
		return d, 1
	}
	return time.Millisecond, (eps + 999) / 1000
}

// Run writes events to w until ctx is cancelled or the writer fails with
// an error that stops the source.
func (g *Generator) Run(ctx context.Context, w event.Writer) error {
	d, batch := g.interval()
	ticker := time.NewTicker(d)
	defer ticker.Stop()

	g.logger.Info("generator started",
		"events_per_second", g.config.EventsPerSecond,
		"sticky_every", g.config.StickyEvery,
	)

	for {
		select {
		case <-ctx.Done():
			g.logger.Info("generator stopped", "events", g.count)
			return nil
		case <-ticker.C:
			for i := 0; i < batch; i++ {
				ev := g.Next()
				if err := w.WriteEvent(ev, false); err != nil {
					if errors.IsFatal(err) || stderrors.Is(err, errors.ErrProducerClosed) {
						return fmt.Errorf("generator write failed: %w", err)
					}
					g.logger.Warn("failed to write event", "error", err, "count", ev.Header.Count)
				}
			}
		}
	}
}
