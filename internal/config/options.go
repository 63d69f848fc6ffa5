package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Option defaults.
const (
	DefaultBufSize    = 32 * 1024
	DefaultStreamBufs = 8
	DefaultSize       = 16 << 20

	DefaultTransportPort = 6000
	DefaultStreamPort    = 6002

	minBufSize = 1024
)

// Service enables one protocol.
type Service struct {
	Protocol string // "trans" or "stream"
	Port     int
}

// Options is the parsed server option string.
type Options struct {
	BufSize    int
	StreamBufs int
	Size       int64
	Services   []Service
	Flush      time.Duration
	Hold       bool
	SendOnce   bool
	ForceMap   bool
	NoPortMap  bool
	MaxClients int
}

// StreamSize returns the bytes of one stream.
func (o Options) StreamSize() int { return o.BufSize * o.StreamBufs }

// MaxStreams returns how many streams fit into Size, at least two.
func (o Options) MaxStreams() int {
	n := int(o.Size / int64(o.StreamSize()))
	return max(n, 2)
}

// ParseOptions parses a comma-separated option string such as
// "bufsize=64k,streambufs=4,stream:6002,flush=2,hold". An empty string
// gives the defaults with the transport protocol on its well-known port.
func ParseOptions(s string) (Options, error) {
	o := Options{
		BufSize:    DefaultBufSize,
		StreamBufs: DefaultStreamBufs,
		Size:       DefaultSize,
	}

	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		key, value, hasValue := strings.Cut(item, "=")
		if !hasValue {
			key, value, hasValue = strings.Cut(item, ":")
			if hasValue && key != "stream" && key != "trans" {
				return o, fmt.Errorf("option %q: unexpected port", item)
			}
		}

		var err error
		switch key {
		case "bufsize":
			var n int64
			n, err = parseSize(value)
			o.BufSize = int(n)
		case "streambufs":
			o.StreamBufs, err = strconv.Atoi(value)
		case "size":
			o.Size, err = parseSize(value)
		case "stream", "trans":
			port := DefaultTransportPort
			if key == "stream" {
				port = DefaultStreamPort
			}
			if hasValue {
				port, err = strconv.Atoi(value)
			}
			o.Services = append(o.Services, Service{Protocol: key, Port: port})
		case "flush":
			var secs int
			secs, err = strconv.Atoi(value)
			o.Flush = time.Duration(secs) * time.Second
		case "maxclients":
			o.MaxClients, err = strconv.Atoi(value)
		case "hold", "sendonce", "forcemap", "nopmap":
			if hasValue {
				return o, fmt.Errorf("option %q takes no value", key)
			}
			switch key {
			case "hold":
				o.Hold = true
			case "sendonce":
				o.SendOnce = true
			case "forcemap":
				o.ForceMap = true
			case "nopmap":
				o.NoPortMap = true
			}
		default:
			return o, fmt.Errorf("unknown option %q", key)
		}
		if err != nil {
			return o, fmt.Errorf("option %q: %w", item, err)
		}
	}

	if len(o.Services) == 0 {
		o.Services = []Service{{Protocol: "trans", Port: DefaultTransportPort}}
	}
	return o, o.Validate()
}

// Validate checks the option values against each other.
func (o Options) Validate() error {
	if o.BufSize < minBufSize || o.BufSize%8 != 0 {
		return fmt.Errorf("bufsize %d must be a multiple of 8 and at least %d", o.BufSize, minBufSize)
	}
	if o.StreamBufs < 1 {
		return fmt.Errorf("streambufs %d must be positive", o.StreamBufs)
	}
	if o.Size < 2*int64(o.StreamSize()) {
		return fmt.Errorf("size %d holds fewer than two streams of %d bytes", o.Size, o.StreamSize())
	}
	if o.Flush < 0 {
		return errors.New("flush must not be negative")
	}
	if o.MaxClients < 0 {
		return errors.New("maxclients must not be negative")
	}
	seen := make(map[string]bool)
	for _, svc := range o.Services {
		if seen[svc.Protocol] {
			return fmt.Errorf("protocol %s given twice", svc.Protocol)
		}
		seen[svc.Protocol] = true
		if svc.Port < 1 || svc.Port > 65535 {
			return fmt.Errorf("invalid %s port: %d", svc.Protocol, svc.Port)
		}
	}
	return nil
}

// parseSize parses a byte count with an optional k, M or G suffix.
func parseSize(s string) (int64, error) {
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "k"):
		mult = 1 << 10
	case strings.HasSuffix(s, "M"):
		mult = 1 << 20
	case strings.HasSuffix(s, "G"):
		mult = 1 << 30
	}
	if mult != 1 {
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative size %d", n)
	}
	return n * mult, nil
}
