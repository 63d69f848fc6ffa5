package dispatcher

import (
	"fmt"
	"net"
	"strconv"
)

// Default well-known ports.
const (
	DefaultTransportPort = 6000
	DefaultStreamPort    = 6002
)

// Endpoint is one listening socket.
type Endpoint struct {
	Listener net.Listener
	Protocol string
	// MapTo is the data port announced to clients of a map-only endpoint,
	// 0 for data endpoints.
	MapTo int
}

// Port returns the port the endpoint listens on.
func (e Endpoint) Port() int {
	if a, ok := e.Listener.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	return 0
}

// ServiceConfig describes one protocol to serve.
type ServiceConfig struct {
	Protocol string // ProtocolTransport or ProtocolStream
	Host     string
	Port     int
}

// ListenConfig decides where data and port-map endpoints live.
type ListenConfig struct {
	Services []ServiceConfig
	// ForceMap makes the well-known port map-only, with data on an
	// ephemeral port.
	ForceMap bool
	// NoPortMap disables port mapping. It wins over ForceMap.
	NoPortMap bool
}

// Listen opens the endpoints for every configured service. On error all
// sockets opened so far are closed.
func Listen(cfg ListenConfig) ([]Endpoint, error) {
	var eps []Endpoint
	fail := func(err error) ([]Endpoint, error) {
		for _, ep := range eps {
			ep.Listener.Close()
		}
		return nil, err
	}

	for _, svc := range cfg.Services {
		if _, ok := protocols[svc.Protocol]; !ok {
			return fail(fmt.Errorf("unknown protocol %q", svc.Protocol))
		}
		wellKnown := net.JoinHostPort(svc.Host, strconv.Itoa(svc.Port))

		if cfg.ForceMap && !cfg.NoPortMap {
			data, err := net.Listen("tcp", net.JoinHostPort(svc.Host, "0"))
			if err != nil {
				return fail(fmt.Errorf("failed to listen for %s data: %w", svc.Protocol, err))
			}
			eps = append(eps, Endpoint{Listener: data, Protocol: svc.Protocol})
			dataPort := eps[len(eps)-1].Port()

			mapLn, err := net.Listen("tcp", wellKnown)
			if err != nil {
				return fail(fmt.Errorf("failed to listen on %s: %w", wellKnown, err))
			}
			eps = append(eps, Endpoint{Listener: mapLn, Protocol: svc.Protocol, MapTo: dataPort})
			continue
		}

		ln, err := net.Listen("tcp", wellKnown)
		if err != nil {
			return fail(fmt.Errorf("failed to listen on %s: %w", wellKnown, err))
		}
		eps = append(eps, Endpoint{Listener: ln, Protocol: svc.Protocol})
	}
	return eps, nil
}
