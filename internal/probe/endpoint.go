package probe

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Transport selects the wire protocol used to reach an echo service.
type Transport string

const (
	TransportStream   Transport = "tcp"
	TransportDatagram Transport = "udp"
)

// ParseTransport accepts tcp/udp and the stream/datagram aliases.
func ParseTransport(value string) (Transport, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "tcp", "stream":
		return TransportStream, nil
	case "udp", "datagram":
		return TransportDatagram, nil
	default:
		return "", fmt.Errorf("invalid transport: %q", value)
	}
}

// Endpoint identifies a remote echo service.
type Endpoint struct {
	Host string
	Port int
}

// Address renders the endpoint as host:port, bracketing IPv6 hosts.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	return e.Address()
}

// ParseEndpoint parses a host:port pair with a numeric port.
func ParseEndpoint(addr string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: %w", addr, err)
	}
	if host == "" {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: empty host", addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: port must be 1-65535", addr)
	}
	return Endpoint{Host: host, Port: port}, nil
}

// Target is a named endpoint reached over one transport.
type Target struct {
	Name      string
	Endpoint  Endpoint
	Transport Transport
	// Timeout overrides Options.Timeout for this target when positive.
	Timeout time.Duration
}

func (t Target) String() string {
	if t.Name == "" {
		return fmt.Sprintf("%s://%s", t.Transport, t.Endpoint)
	}
	return fmt.Sprintf("%s (%s://%s)", t.Name, t.Transport, t.Endpoint)
}
