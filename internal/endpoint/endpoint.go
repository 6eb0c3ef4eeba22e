// Package endpoint defines the comparable-by-value remote address key
// used throughout the session store and demultiplexer. net.Addr
// implementations (e.g. *net.UDPAddr) are pointers and compare by
// identity, not value, so they cannot be used directly as map keys or
// with ==; Endpoint wraps netip.AddrPort, which can.
package endpoint

import (
	"net"
	"net/netip"
)

// Endpoint is a remote (IP address, UDP port) pair, comparable by value.
type Endpoint struct {
	addrPort netip.AddrPort
}

// FromUDPAddr converts a *net.UDPAddr into an Endpoint.
func FromUDPAddr(a *net.UDPAddr) Endpoint {
	ip, _ := netip.AddrFromSlice(a.IP)
	return Endpoint{addrPort: netip.AddrPortFrom(ip.Unmap(), uint16(a.Port))}
}

// FromAddr converts any net.Addr whose String() is a host:port pair into
// an Endpoint. It panics if addr is not parseable as such, which would
// indicate a programming error (this package only ever sees UDP
// endpoints).
func FromAddr(addr net.Addr) Endpoint {
	if u, ok := addr.(*net.UDPAddr); ok {
		return FromUDPAddr(u)
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		panic("endpoint: address " + addr.String() + " is not a host:port pair: " + err.Error())
	}
	return Endpoint{addrPort: ap}
}

// UDPAddr converts e back into a *net.UDPAddr.
func (e Endpoint) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: e.addrPort.Addr().AsSlice(), Port: int(e.addrPort.Port())}
}

func (e Endpoint) Network() string { return "udp" }

func (e Endpoint) String() string { return e.addrPort.String() }

// IsValid reports whether e was constructed from a real address.
func (e Endpoint) IsValid() bool { return e.addrPort.IsValid() }
