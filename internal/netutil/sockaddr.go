package netutil

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Winsock socket address layouts. The family field is in host byte
// order, the port in network byte order. The v6 form carries flow info
// and scope id around the address.
const (
	SockaddrInLen  = 16
	SockaddrIn6Len = 28

	// AFInet and AFInet6 are the Windows address family numbers; the v6
	// value differs from the unix one.
	AFInet  = 2
	AFInet6 = 23
)

// DecodeSockaddr parses a winsock sockaddr_in or sockaddr_in6 buffer.
func DecodeSockaddr(b []byte) (netip.AddrPort, error) {
	if len(b) < 4 {
		return netip.AddrPort{}, fmt.Errorf("sockaddr too short: %d bytes", len(b))
	}

	family := binary.LittleEndian.Uint16(b[0:2])
	port := binary.BigEndian.Uint16(b[2:4])

	switch family {
	case AFInet:
		if len(b) < SockaddrInLen {
			return netip.AddrPort{}, fmt.Errorf("sockaddr_in too short: %d bytes", len(b))
		}

		addr := netip.AddrFrom4([4]byte(b[4:8]))
		return netip.AddrPortFrom(addr, port), nil

	case AFInet6:
		if len(b) < SockaddrIn6Len {
			return netip.AddrPort{}, fmt.Errorf("sockaddr_in6 too short: %d bytes", len(b))
		}

		addr := netip.AddrFrom16([16]byte(b[8:24]))
		return netip.AddrPortFrom(addr, port), nil
	}

	return netip.AddrPort{}, fmt.Errorf("unsupported address family %d", family)
}

// EncodeSockaddr builds the winsock sockaddr buffer for the endpoint.
// The buffer family follows the address family of ep.
func EncodeSockaddr(ep netip.AddrPort) ([]byte, error) {
	addr := ep.Addr().Unmap()

	switch {
	case addr.Is4():
		b := make([]byte, SockaddrInLen)
		binary.LittleEndian.PutUint16(b[0:2], AFInet)
		binary.BigEndian.PutUint16(b[2:4], ep.Port())
		copy(b[4:8], addr.AsSlice())
		return b, nil

	case addr.Is6():
		b := make([]byte, SockaddrIn6Len)
		binary.LittleEndian.PutUint16(b[0:2], AFInet6)
		binary.BigEndian.PutUint16(b[2:4], ep.Port())
		copy(b[8:24], addr.AsSlice())
		return b, nil
	}

	return nil, fmt.Errorf("invalid address %v", ep)
}
