package netutil

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// Endpoint is a parsed dial address. Exactly one of Host and Addr is
// set: Host for a name that still needs resolution, Addr for a literal
// address.
type Endpoint struct {
	Host string
	Addr netip.Addr
	Port uint16
}

// IsLiteral reports whether the endpoint carries a literal address.
func (e Endpoint) IsLiteral() bool {
	return e.Addr.IsValid()
}

// AddrPort returns the literal endpoint, or an invalid AddrPort for a
// hostname endpoint.
func (e Endpoint) AddrPort() netip.AddrPort {
	if !e.Addr.IsValid() {
		return netip.AddrPort{}
	}

	return netip.AddrPortFrom(e.Addr, e.Port)
}

func (e Endpoint) String() string {
	if e.IsLiteral() {
		return e.AddrPort().String()
	}

	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

// ParseEndpoint splits a dial address of the form "host:port" and
// classifies the host part. Service names in the port position are
// rejected; the callers deal in numeric ports only.
func ParseEndpoint(address string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid address %q: %w", address, err)
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid port in %q: %w", address, err)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return Endpoint{Addr: addr.Unmap(), Port: uint16(port)}, nil
	}

	if host == "" {
		return Endpoint{}, fmt.Errorf("empty host in %q", address)
	}

	return Endpoint{Host: host, Port: uint16(port)}, nil
}
