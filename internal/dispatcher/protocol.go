package dispatcher

import (
	"fmt"

	"github.com/op3/ucesb-sub002/internal/errors"
	"github.com/op3/ucesb-sub002/pkg/lmd"
)

// Protocol names.
const (
	// ProtocolTransport pushes streams continuously.
	ProtocolTransport = "trans"
	// ProtocolStream sends one stream per GETEVT request.
	ProtocolStream = "stream"
)

// protocol drives the protocol-specific transitions of a client.
type protocol interface {
	name() string
	// afterInfo runs once the info record was written.
	afterInfo(d *Dispatcher, c *client)
	// onRequest handles a request read from the client.
	onRequest(d *Dispatcher, c *client, cmd lmd.Command) error
	// onStreamSent runs once a stream was written.
	onStreamSent(d *Dispatcher, c *client)
}

var protocols = map[string]protocol{
	ProtocolTransport: transportProtocol{},
	ProtocolStream:    streamProtocol{},
}

type transportProtocol struct{}

func (transportProtocol) name() string { return ProtocolTransport }

func (transportProtocol) afterInfo(d *Dispatcher, c *client) {
	d.waitForStream(c)
}

func (transportProtocol) onRequest(_ *Dispatcher, c *client, cmd lmd.Command) error {
	return fmt.Errorf("unexpected %s on transport connection: %w", cmd, errors.ErrMalformedRequest)
}

func (transportProtocol) onStreamSent(d *Dispatcher, c *client) {
	d.nextStream(c)
}

type streamProtocol struct{}

func (streamProtocol) name() string { return ProtocolStream }

func (streamProtocol) afterInfo(d *Dispatcher, c *client) {
	c.state = stateRequestWait
	if c.pending > 0 {
		c.pending--
		d.nextStream(c)
	}
}

func (streamProtocol) onRequest(d *Dispatcher, c *client, cmd lmd.Command) error {
	switch cmd {
	case lmd.CommandGetEvt:
		if c.state != stateRequestWait {
			c.pending++
			return nil
		}
		d.nextStream(c)
		return nil
	case lmd.CommandPing:
		return nil
	case lmd.CommandClose:
		return errors.ErrClientClosed
	default:
		return errors.ErrMalformedRequest
	}
}

func (streamProtocol) onStreamSent(d *Dispatcher, c *client) {
	c.state = stateRequestWait
	if c.pending > 0 {
		c.pending--
		d.nextStream(c)
	}
}
