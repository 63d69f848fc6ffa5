package generator

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/op3/ucesb-sub002/internal/errors"
	"github.com/op3/ucesb-sub002/pkg/event"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewValidates(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{name: "valid", config: Config{EventsPerSecond: 10, MaxPayloadBytes: 64}},
		{name: "zero rate", config: Config{MaxPayloadBytes: 64}, wantErr: true},
		{name: "tiny payload", config: Config{EventsPerSecond: 10, MaxPayloadBytes: 2}, wantErr: true},
		{name: "negative sticky", config: Config{EventsPerSecond: 10, MaxPayloadBytes: 64, StickyEvery: -1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.config, testLogger())
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNextStickyCadence(t *testing.T) {
	g, err := New(Config{EventsPerSecond: 10, StickyEvery: 5, MaxPayloadBytes: 37, StickyIdentities: 3}, testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for i := 1; i <= 50; i++ {
		ev := g.Next()
		if got, want := ev.IsSticky(), i%5 == 0; got != want {
			t.Fatalf("event %d IsSticky() = %v, want %v", i, got, want)
		}
		if ev.Header.Count != uint32(i) {
			t.Errorf("event %d Count = %v, want %v", i, ev.Header.Count, i)
		}
		subs, err := ev.SubEvents()
		if err != nil {
			t.Fatalf("event %d SubEvents() error = %v", i, err)
		}
		for _, s := range subs {
			n := len(s.Payload())
			if n%4 != 0 || n > 36 {
				t.Errorf("event %d payload length = %v, want multiple of 4 up to 36", i, n)
			}
			if ev.IsSticky() {
				if s.Header.ProcID < 1 || s.Header.ProcID > 3 {
					t.Errorf("sticky ProcID = %v, want 1..3", s.Header.ProcID)
				}
			}
		}
	}
	if g.Count() != 50 {
		t.Errorf("Count() = %v, want %v", g.Count(), 50)
	}
}

func TestNextWithoutSticky(t *testing.T) {
	g, err := New(Config{EventsPerSecond: 10, MaxPayloadBytes: 64, Crates: 3}, testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	for i := 0; i < 20; i++ {
		ev := g.Next()
		if ev.IsSticky() {
			t.Fatalf("event %d IsSticky() = true, want false", i)
		}
		subs, err := ev.SubEvents()
		if err != nil {
			t.Fatalf("SubEvents() error = %v", err)
		}
		if len(subs) != 3 {
			t.Errorf("len(SubEvents()) = %v, want %v", len(subs), 3)
		}
	}
}

func TestInterval(t *testing.T) {
	tests := []struct {
		eps       int
		wantD     time.Duration
		wantBatch int
	}{
		{eps: 1, wantD: time.Second, wantBatch: 1},
		{eps: 100, wantD: 10 * time.Millisecond, wantBatch: 1},
		{eps: 1000, wantD: time.Millisecond, wantBatch: 1},
		{eps: 5000, wantD: time.Millisecond, wantBatch: 5},
		{eps: 1500, wantD: time.Millisecond, wantBatch: 2},
	}

	for _, tt := range tests {
		g := &Generator{config: Config{EventsPerSecond: tt.eps}}
		d, batch := g.interval()
		if d != tt.wantD || batch != tt.wantBatch {
			t.Errorf("interval(%d) = %v, %v, want %v, %v", tt.eps, d, batch, tt.wantD, tt.wantBatch)
		}
	}
}

type countingWriter struct {
	mu     sync.Mutex
	n      int
	err    error
	failAt int
}

func (w *countingWriter) WriteEvent(*event.Record, bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.n++
	if w.failAt > 0 && w.n >= w.failAt {
		return w.err
	}
	return nil
}

func (w *countingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.n
}

func TestRunWritesUntilCancel(t *testing.T) {
	g, err := New(Config{EventsPerSecond: 5000, StickyEvery: 10, MaxPayloadBytes: 64}, testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	w := &countingWriter{}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- g.Run(ctx, w) }()

	deadline := time.Now().Add(5 * time.Second)
	for w.count() < 20 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-errc; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if w.count() < 20 {
		t.Errorf("events written = %v, want at least %v", w.count(), 20)
	}
}

func TestRunStops(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantStop bool
	}{
		{name: "producer closed", err: errors.ErrProducerClosed, wantStop: true},
		{name: "event too large", err: errors.ErrEventTooLarge, wantStop: true},
		{name: "malformed", err: errors.ErrMalformedEvent, wantStop: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := New(Config{EventsPerSecond: 1000, MaxPayloadBytes: 16}, testLogger())
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			w := &countingWriter{err: tt.err, failAt: 3}
			ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
			defer cancel()

			err = g.Run(ctx, w)
			if tt.wantStop {
				if !stderrors.Is(err, tt.err) {
					t.Errorf("Run() error = %v, want %v", err, tt.err)
				}
				if w.count() != 3 {
					t.Errorf("events written = %v, want %v", w.count(), 3)
				}
				return
			}
			if err != nil {
				t.Errorf("Run() error = %v, want nil", err)
			}
		})
	}
}
