// Package dispatcher fans committed streams out to network clients.
//
// A single goroutine owns every client and the active stream list. It waits
// on accepted connections, producer tokens, client I/O results and a ticker.
// Per-client reader and writer goroutines only do blocking socket I/O and
// report back over a channel.
package dispatcher

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/op3/ucesb-sub002/internal/errors"
	"github.com/op3/ucesb-sub002/internal/observability"
	"github.com/op3/ucesb-sub002/internal/stream"
	"github.com/op3/ucesb-sub002/pkg/lmd"
)

// Options tune the dispatcher.
type Options struct {
	// Hold keeps unsent data: the producer waits instead of streams being
	// reclaimed from clients.
	Hold bool
	// SendOnce sends every stream to one client only.
	SendOnce bool
	// Flush asks the producer to commit a partial stream once a client has
	// waited this long. Zero disables it.
	Flush time.Duration
	// MaxClients refuses data connections beyond this number. Zero means
	// no limit.
	MaxClients int
	// ShutdownGrace is how long a client may make no progress after the
	// producer shut down before it is disconnected.
	ShutdownGrace time.Duration
	// Tick is the housekeeping interval.
	Tick time.Duration
}

// Config wires a dispatcher.
type Config struct {
	Pool      *stream.Pool
	Link      *stream.Link
	Signals   *stream.Signals
	Endpoints []Endpoint
	Options   Options
	Logger    *slog.Logger
	Metrics   *observability.Metrics
}

type acceptedConn struct {
	conn net.Conn
	ep   Endpoint
}

// Dispatcher distributes streams to clients.
type Dispatcher struct {
	pool      *stream.Pool
	link      *stream.Link
	signals   *stream.Signals
	endpoints []Endpoint
	opts      Options
	logger    *slog.Logger
	metrics   *observability.Metrics
	now       func() time.Time

	accepted chan acceptedConn
	events   chan clientEvent
	done     chan struct{}

	clients     []*client
	dataClients int
	rr          int
	stickySeen  bool
	needFree    bool
	needSlot    bool

	shutdown        bool
	shutdownAt      time.Time
	listenersClosed bool
	lastFlush       time.Time

	running   atomic.Bool
	connected atomic.Int64
	waiting   atomic.Int64
}

// New creates a dispatcher and allocates the first free streams.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Pool == nil || cfg.Link == nil || cfg.Signals == nil {
		return nil, fmt.Errorf("dispatcher needs pool, link and signals")
	}
	opts := cfg.Options
	if opts.Tick <= 0 {
		opts.Tick = 100 * time.Millisecond
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 10 * time.Second
	}

	d := &Dispatcher{
		pool:      cfg.Pool,
		link:      cfg.Link,
		signals:   cfg.Signals,
		endpoints: cfg.Endpoints,
		opts:      opts,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		now:       time.Now,
		accepted:  make(chan acceptedConn),
		events:    make(chan clientEvent, 64),
		done:      make(chan struct{}),
	}
	for i := 0; i < 2; i++ {
		if d.pool.CreateFreeStream() && d.metrics != nil {
			d.metrics.StreamsCreated.Inc()
		}
	}
	return d, nil
}

// Done is closed when Run returns.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

// Running reports whether Run is active.
func (d *Dispatcher) Running() bool { return d.running.Load() }

// Clients returns the number of connected clients.
func (d *Dispatcher) Clients() int { return int(d.connected.Load()) }

// Waiting returns the number of clients waiting for a fresh stream.
func (d *Dispatcher) Waiting() int { return int(d.waiting.Load()) }

// Run serves clients until the producer shuts down and every client is
// gone, or until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.done)
	d.running.Store(true)
	defer d.running.Store(false)

	for _, ep := range d.endpoints {
		d.logger.Info("listening", "protocol", ep.Protocol, "addr", ep.Listener.Addr().String(), "map_to", ep.MapTo)
		go d.acceptLoop(ep)
	}

	ticker := time.NewTicker(d.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher cancelled", "clients", len(d.clients))
			d.closeListeners()
			for _, c := range slices.Clone(d.clients) {
				d.closeClient(c, ctx.Err())
			}
			return ctx.Err()
		case a := <-d.accepted:
			d.accept(a)
		case tok := <-d.link.ToDispatcher:
			d.token(tok)
		case ev := <-d.events:
			d.handle(ev)
		case now := <-ticker.C:
			d.tick(now)
		}
		d.step()
		if d.shutdown && len(d.clients) == 0 {
			d.logger.Info("dispatcher finished")
			return nil
		}
	}
}

func (d *Dispatcher) acceptLoop(ep Endpoint) {
	for {
		conn, err := ep.Listener.Accept()
		if err != nil {
			if stderrors.Is(err, net.ErrClosed) {
				return
			}
			d.logger.Warn("accept failed", "protocol", ep.Protocol, "error", err)
			select {
			case <-time.After(100 * time.Millisecond):
				continue
			case <-d.done:
				return
			}
		}
		select {
		case d.accepted <- acceptedConn{conn: conn, ep: ep}:
		case <-d.done:
			conn.Close()
			return
		}
	}
}

func (d *Dispatcher) closeListeners() {
	if d.listenersClosed {
		return
	}
	d.listenersClosed = true
	for _, ep := range d.endpoints {
		ep.Listener.Close()
	}
}

func (d *Dispatcher) accept(a acceptedConn) {
	if d.shutdown {
		a.conn.Close()
		return
	}
	now := d.now()
	c := &client{
		id:           uuid.NewString(),
		conn:         a.conn,
		proto:        protocols[a.ep.Protocol],
		jobs:         make(chan []byte, 1),
		waitSince:    now,
		lastProgress: now,
	}

	var info lmd.Info
	result := "accepted"
	switch {
	case a.ep.MapTo != 0:
		info = lmd.PortMapInfo(a.ep.MapTo)
		c.state = stateCloseWait
		result = "portmap"
	case d.opts.MaxClients > 0 && d.dataClients >= d.opts.MaxClients:
		info = lmd.RefusedInfo()
		c.state = stateCloseWait
		result = "refused"
	default:
		cfg := d.pool.Config()
		info = lmd.DataInfo(cfg.BufSize, cfg.StreamBufs)
		c.state = stateSendInfo
		c.data = true
		d.dataClients++
		if d.metrics != nil {
			d.metrics.AddClientsConnected(c.proto.name(), 1)
		}
	}
	if d.metrics != nil {
		d.metrics.IncClientConnections(c.proto.name(), result)
	}
	d.logger.Info("client connected",
		"client_id", c.id,
		"remote", a.conn.RemoteAddr().String(),
		"protocol", c.proto.name(),
		"result", result)

	d.clients = append(d.clients, c)
	d.connected.Store(int64(len(d.clients)))
	go d.writeLoop(c)
	go d.readLoop(c)
	c.send(info.Bytes())
}

func (d *Dispatcher) handle(ev clientEvent) {
	c := ev.c
	if c.closed {
		return
	}
	switch ev.kind {
	case evProgress:
		c.lastProgress = d.now()
		c.sent += ev.n
		if c.data && d.metrics != nil {
			d.metrics.AddBytesSent(c.proto.name(), ev.n)
		}
	case evSent:
		c.lastProgress = d.now()
		d.written(c)
	case evRequest:
		if c.state == stateCloseWait {
			return
		}
		c.lastProgress = d.now()
		err := ev.err
		if err == nil {
			err = c.proto.onRequest(d, c, ev.cmd)
		} else {
			err = fmt.Errorf("%v: %w", err, errors.ErrMalformedRequest)
		}
		if err != nil {
			d.closeClient(c, &errors.ProtocolError{ClientID: c.id, State: c.state.String(), Err: err})
		}
	case evClosed:
		d.closeClient(c, ev.err)
	}
}

// written advances a client whose outstanding write completed.
func (d *Dispatcher) written(c *client) {
	switch c.state {
	case stateSendInfo:
		c.proto.afterInfo(d, c)
	case stateCloseWait:
		d.closeClient(c, nil)
	case stateSendWait:
		c.proto.onStreamSent(d, c)
	}
}

func (d *Dispatcher) closeClient(c *client, reason error) {
	if c.closed {
		return
	}
	c.closed = true
	c.conn.Close()
	close(c.jobs)
	if c.cur != nil {
		c.cur.Release()
		c.cur = nil
	}
	if i := slices.Index(d.clients, c); i >= 0 {
		d.clients = slices.Delete(d.clients, i, i+1)
	}
	d.connected.Store(int64(len(d.clients)))
	if c.data {
		d.dataClients--
		if d.metrics != nil {
			d.metrics.AddClientsConnected(c.proto.name(), -1)
		}
	}

	var protoErr *errors.ProtocolError
	switch {
	case reason == nil, stderrors.Is(reason, io.EOF), stderrors.Is(reason, errors.ErrClientClosed):
		d.logger.Info("client disconnected", "client_id", c.id)
	case stderrors.As(reason, &protoErr):
		d.logger.Warn("client protocol error", "client_id", c.id, "error", reason)
	default:
		d.logger.Info("client closed", "client_id", c.id, "state", c.state.String(), "reason", reason)
	}
}

func (d *Dispatcher) token(tok stream.Token) {
	switch tok {
	case stream.NeedFreeStream:
		d.needFree = true
	case stream.QueueFull:
		d.needSlot = true
	case stream.Shutdown:
		d.logger.Info("producer shut down", "clients", len(d.clients))
		d.shutdown = true
		d.shutdownAt = d.now()
		d.closeListeners()
	}
}

// step runs after every wake-up.
func (d *Dispatcher) step() {
	d.drainFilled()

	if d.needFree && d.provideFree() {
		d.needFree = false
		d.link.ToProducer <- stream.HaveFreeStream
	}
	if d.needSlot && !d.pool.QueueFull() {
		d.needSlot = false
		d.link.ToProducer <- stream.QueueSlotFree
	}

	if d.shutdown {
		for _, c := range slices.Clone(d.clients) {
			if c.state == stateStreamWait {
				d.closeClient(c, nil)
			}
		}
	}

	waiting := 0
	for _, c := range d.clients {
		if c.state == stateStreamWait {
			waiting++
		}
	}
	d.waiting.Store(int64(waiting))

	if d.metrics != nil {
		d.metrics.SetPoolState(d.pool.FreeLen(), d.pool.ActiveLen(), d.pool.FilledLen())
	}
}

// drainFilled offers every committed stream to the waiting clients in
// round-robin order and files it into the active list or the free ring.
func (d *Dispatcher) drainFilled() {
	for s := d.pool.DequeFilled(); s != nil; s = d.pool.DequeFilled() {
		seenBefore := d.stickySeen
		claimed := false
		n := len(d.clients)
		for i := 0; i < n; i++ {
			c := d.clients[(d.rr+i)%n]
			if c.state != stateStreamWait {
				continue
			}
			if d.opts.SendOnce && claimed && !s.Flags.Recovery() {
				if s.Flags&stream.HasStickyEvent != 0 {
					d.needRecovery(c, "sticky stream sent to another client")
				}
				continue
			}
			if d.accepts(c, s, seenBefore) {
				d.attach(c, s)
				claimed = true
			}
		}
		if n > 0 {
			d.rr = (d.rr + 1) % n
		}
		if s.Flags&stream.HasStickyEvent != 0 {
			d.stickySeen = true
		}
		if d.opts.SendOnce && claimed && !s.Flags.Recovery() {
			s.Claimed = true
		}

		if claimed || d.pool.ActiveLen() > 0 || d.opts.Hold {
			d.pool.AddClientStream(s)
		} else {
			d.pool.AddFreeStream(s)
		}
	}
}

// nextStream moves a client to the next stream it accepts in the active
// list, or makes it wait for a fresh stream.
func (d *Dispatcher) nextStream(c *client) {
	var next *stream.Stream
	switch {
	case c.cur != nil:
		if c.cur.Flags&stream.StickyLostAfter != 0 {
			d.needRecovery(c, "sticky stream reclaimed")
		}
		next = c.cur.Next()
	case c.detached:
		// Reclaims take the oldest stream, so everything still active
		// follows the one the client lost.
		next = d.pool.Oldest()
	}
	c.detached = false
	for ; next != nil; next = next.Next() {
		if d.opts.SendOnce && next.Claimed {
			if next.Flags&stream.HasStickyEvent != 0 {
				d.needRecovery(c, "sticky stream sent to another client")
			}
		} else if d.accepts(c, next, d.stickySeen) {
			if d.opts.SendOnce && !next.Flags.Recovery() {
				next.Claimed = true
			}
			d.attach(c, next)
			return
		}
		if next.Flags&stream.StickyLostAfter != 0 {
			d.needRecovery(c, "sticky stream reclaimed")
		}
	}
	d.waitForStream(c)
}

func (d *Dispatcher) waitForStream(c *client) {
	if c.cur != nil {
		c.cur.Release()
		c.cur = nil
	}
	c.state = stateStreamWait
	c.waitSince = d.now()

	if c.recovery == recoveryUnknown && d.stickySeen {
		d.needRecovery(c, "joined after sticky data")
	}
	// A replay may have gone by while the client was busy; ask for another.
	if c.recovery == recoveryNeeded {
		d.signals.RecoveryRequested.Store(true)
	}
}

func (d *Dispatcher) attach(c *client, s *stream.Stream) {
	s.Acquire()
	if c.cur != nil {
		c.cur.Release()
	}
	c.cur = s
	c.state = stateSendWait
	c.send(s.Data)
}

// accepts decides whether a client takes stream s given its recovery
// state. seenBefore tells whether sticky content preceded s.
func (d *Dispatcher) accepts(c *client, s *stream.Stream, seenBefore bool) bool {
	for {
		switch c.recovery {
		case recoveryUnknown:
			if seenBefore {
				d.needRecovery(c, "joined after sticky data")
			} else {
				c.recovery = recoveryNotNeeded
			}
		case recoveryNeeded:
			if s.Flags&stream.RecoveryFirst != 0 {
				c.recovery = recoveryInProgress
				return true
			}
			return false
		case recoveryInProgress:
			if s.Flags&stream.RecoveryMore != 0 {
				return true
			}
			c.recovery = recoveryNotNeeded
		case recoveryNotNeeded:
			return !s.Flags.Recovery()
		}
	}
}

func (d *Dispatcher) needRecovery(c *client, reason string) {
	if c.recovery != recoveryNeeded {
		d.logger.Debug("client needs sticky recovery", "client_id", c.id, "reason", reason)
	}
	c.recovery = recoveryNeeded
	d.signals.RecoveryRequested.Store(true)
}

// provideFree makes a stream available on the free ring.
func (d *Dispatcher) provideFree() bool {
	if d.pool.FreeLen() > 0 {
		return true
	}
	if d.pool.CreateFreeStream() {
		if d.metrics != nil {
			d.metrics.StreamsCreated.Inc()
		}
		return true
	}
	if d.pool.FreeOldestUnused(d.opts.Hold) {
		if d.metrics != nil {
			d.metrics.IncStreamsReclaimed("unused")
		}
		return true
	}
	if d.opts.Hold {
		return false
	}
	s, dropped := d.pool.ReclaimOldest()
	if s == nil {
		return false
	}
	d.detach(s, dropped)
	if d.metrics != nil {
		d.metrics.IncStreamsReclaimed("forced")
	}
	return true
}

// detach forgets every client reference to a forcibly reclaimed stream.
// Writes in flight finish from the old bytes.
func (d *Dispatcher) detach(s *stream.Stream, dropped int) {
	n := 0
	for _, c := range d.clients {
		if c.cur != s {
			continue
		}
		c.cur = nil
		c.detached = true
		n++
		d.needRecovery(c, "stream reclaimed under client")
		if d.metrics != nil {
			d.metrics.ClientsLost.Inc()
		}
		d.logger.Warn("client too slow, data lost", "client_id", c.id, "stream_id", s.ID)
	}
	if n != dropped {
		errors.Invariant("dispatcher", "stream %d had %d references, %d clients held it", s.ID, dropped, n)
	}
}

func (d *Dispatcher) tick(now time.Time) {
	if d.opts.Flush > 0 && now.Sub(d.lastFlush) >= d.opts.Flush {
		for _, c := range d.clients {
			if c.state == stateStreamWait && now.Sub(c.waitSince) >= d.opts.Flush {
				d.signals.FlushRequested.Store(true)
				d.lastFlush = now
				break
			}
		}
	}

	if d.shutdown {
		for _, c := range slices.Clone(d.clients) {
			since := c.lastProgress
			if d.shutdownAt.After(since) {
				since = d.shutdownAt
			}
			if now.Sub(since) > d.opts.ShutdownGrace {
				d.closeClient(c, fmt.Errorf("no progress for %s after shutdown", d.opts.ShutdownGrace))
			}
		}
	}
}
