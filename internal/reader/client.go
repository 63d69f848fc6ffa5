// Package reader is a client for the event-broadcast server. It follows
// port-map redirects, validates buffers and reassembles fragmented events.
package reader

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"

	"github.com/op3/ucesb-sub002/internal/errors"
	"github.com/op3/ucesb-sub002/pkg/event"
	"github.com/op3/ucesb-sub002/pkg/lmd"
)

// Protocol names as used by the server options.
const (
	ProtocolTransport = "trans"
	ProtocolStream    = "stream"
)

// Stats counts what a client received.
type Stats struct {
	Streams      int
	Buffers      int
	Events       int
	StickyEvents int
	Bytes        int64
}

// Client is one connection to a server.
type Client struct {
	conn     net.Conn
	protocol string
	info     lmd.Info
	logger   *slog.Logger

	buf      []byte
	unpacker Unpacker
	done     bool

	Stats Stats
}

// Dial connects to addr and reads the info record. A port-map record is
// followed once.
func Dial(ctx context.Context, addr, protocol string, logger *slog.Logger) (*Client, error) {
	if protocol != ProtocolTransport && protocol != ProtocolStream {
		return nil, fmt.Errorf("unknown protocol %q", protocol)
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}

	for hops := 0; ; hops++ {
		conn, info, err := dialInfo(ctx, addr)
		if err != nil {
			return nil, err
		}
		switch {
		case info.IsRefused():
			conn.Close()
			return nil, fmt.Errorf("%s: %w", addr, errors.ErrServerRefused)
		case info.IsPortMap():
			conn.Close()
			if hops > 0 {
				return nil, fmt.Errorf("%s: port map points to another port map: %w", addr, errors.ErrMalformedEvent)
			}
			addr = net.JoinHostPort(host, strconv.Itoa(int(info.StreamBufs)))
			logger.Debug("following port map", "addr", addr)
			continue
		}
		if info.BufSize < lmd.BufferHeaderSize || info.StreamBufs == 0 {
			conn.Close()
			return nil, fmt.Errorf("%s: info record bufsize=%d streambufs=%d: %w",
				addr, info.BufSize, info.StreamBufs, errors.ErrMalformedEvent)
		}
		logger.Info("connected",
			"addr", addr,
			"protocol", protocol,
			"bufsize", info.BufSize,
			"streambufs", info.StreamBufs)
		return &Client{
			conn:     conn,
			protocol: protocol,
			info:     info,
			logger:   logger,
			buf:      make([]byte, int(info.BufSize)*int(info.StreamBufs)),
		}, nil
	}
}

func dialInfo(ctx context.Context, addr string) (net.Conn, lmd.Info, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, lmd.Info{}, fmt.Errorf("dial %s: %w", addr, err)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	b := make([]byte, lmd.InfoSize)
	if _, err := io.ReadFull(conn, b); err != nil {
		conn.Close()
		return nil, lmd.Info{}, fmt.Errorf("read info from %s: %w", addr, err)
	}
	info, _, err := lmd.DecodeInfo(b)
	if err != nil {
		conn.Close()
		return nil, lmd.Info{}, err
	}
	return conn, info, nil
}

// Info returns the info record of the data connection.
func (c *Client) Info() lmd.Info { return c.info }

// Next reads one stream and returns its complete events. It returns io.EOF
// after the server's terminal stream. Events stay valid until the next call.
func (c *Client) Next() ([]*event.Record, error) {
	if c.done {
		return nil, io.EOF
	}
	if c.protocol == ProtocolStream {
		if _, err := c.conn.Write(lmd.CommandGetEvt.Bytes()); err != nil {
			return nil, fmt.Errorf("send request: %w", err)
		}
	}
	if _, err := io.ReadFull(c.conn, c.buf); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("server closed before terminal stream: %w", errors.ErrConnectionLost)
		}
		return nil, err
	}
	c.Stats.Streams++
	c.Stats.Bytes += int64(len(c.buf))

	var events []*event.Record
	size := int(c.info.BufSize)
	for off := 0; off < len(c.buf); off += size {
		res, err := c.unpacker.Unpack(c.buf[off : off+size])
		if err != nil {
			return events, fmt.Errorf("stream %d buffer %d: %w", c.Stats.Streams, off/size, err)
		}
		if res.Terminal {
			c.done = true
			break
		}
		c.Stats.Buffers++
		for _, ev := range res.Events {
			c.Stats.Events++
			if ev.IsSticky() {
				c.Stats.StickyEvents++
			}
		}
		events = append(events, res.Events...)
	}
	return events, nil
}

// Run calls fn for every event until the terminal stream or until ctx is
// cancelled.
func (c *Client) Run(ctx context.Context, fn func(*event.Record) error) error {
	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()
	for {
		events, err := c.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		for _, ev := range events {
			if err := fn(ev); err != nil {
				return err
			}
		}
	}
}

// Close ends the connection, politely on the polled protocol.
func (c *Client) Close() error {
	if c.protocol == ProtocolStream && !c.done {
		c.conn.Write(lmd.CommandClose.Bytes())
	}
	return c.conn.Close()
}
