package dispatcher

import (
	"io"
	"net"
	"time"

	"github.com/op3/ucesb-sub002/internal/stream"
	"github.com/op3/ucesb-sub002/pkg/lmd"
)

type clientState uint8

const (
	stateSendInfo clientState = iota
	stateRequestWait
	stateSendWait
	stateStreamWait
	stateCloseWait
)

func (s clientState) String() string {
	switch s {
	case stateSendInfo:
		return "SEND_INFO"
	case stateRequestWait:
		return "REQUEST_WAIT"
	case stateSendWait:
		return "SEND_WAIT"
	case stateStreamWait:
		return "STREAM_WAIT"
	case stateCloseWait:
		return "CLOSE_WAIT"
	default:
		return "UNKNOWN"
	}
}

type recoveryState uint8

const (
	recoveryUnknown recoveryState = iota
	recoveryNotNeeded
	recoveryNeeded
	recoveryInProgress
)

func (r recoveryState) String() string {
	switch r {
	case recoveryUnknown:
		return "unknown"
	case recoveryNotNeeded:
		return "not_needed"
	case recoveryNeeded:
		return "needed"
	case recoveryInProgress:
		return "in_progress"
	default:
		return "invalid"
	}
}

// client is one connection. Only the dispatcher goroutine touches its
// fields; the reader and writer goroutines only use conn and jobs.
type client struct {
	id    string
	conn  net.Conn
	proto protocol
	data  bool // counts against maxclients

	state    clientState
	cur      *stream.Stream
	detached bool // cur was reclaimed while the client held it
	recovery recoveryState
	pending  int // GETEVT requests not yet served
	sent     int

	waitSince    time.Time
	lastProgress time.Time
	closed       bool

	jobs chan []byte
}

type eventKind uint8

const (
	evProgress eventKind = iota
	evSent
	evRequest
	evClosed
)

type clientEvent struct {
	c    *client
	kind eventKind
	n    int
	cmd  lmd.Command
	err  error
}

// send hands b to the writer goroutine. At most one write is outstanding.
func (c *client) send(b []byte) {
	c.jobs <- b
}

func (d *Dispatcher) report(ev clientEvent) bool {
	select {
	case d.events <- ev:
		return true
	case <-d.done:
		return false
	}
}

// writeLoop writes jobs in buffer-sized pieces and reports progress.
func (d *Dispatcher) writeLoop(c *client) {
	chunk := d.pool.Config().BufSize
	for b := range c.jobs {
		for off := 0; off < len(b); {
			end := min(off+chunk, len(b))
			n, err := c.conn.Write(b[off:end])
			off += n
			if err != nil {
				d.report(clientEvent{c: c, kind: evClosed, err: err})
				return
			}
			if !d.report(clientEvent{c: c, kind: evProgress, n: n}) {
				return
			}
		}
		if !d.report(clientEvent{c: c, kind: evSent}) {
			return
		}
	}
}

// readLoop reads fixed-size requests until the connection ends.
func (d *Dispatcher) readLoop(c *client) {
	buf := make([]byte, lmd.CommandSize)
	for {
		if _, err := io.ReadFull(c.conn, buf); err != nil {
			d.report(clientEvent{c: c, kind: evClosed, err: err})
			return
		}
		cmd, err := lmd.ParseCommand(buf)
		if !d.report(clientEvent{c: c, kind: evRequest, cmd: cmd, err: err}) {
			return
		}
	}
}
