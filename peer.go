package tincanphone

import (
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// PeerAddr is the resolved remote endpoint the engine is in a call with, or
// trying to reach. Backed by netip.AddrPort so equality is structural
// (family plus address bytes plus port) rather than an opaque OS socket
// address blob.
type PeerAddr struct {
	addrPort netip.AddrPort
	valid    bool
}

// String renders "host:port".
func (p PeerAddr) String() string {
	if !p.valid {
		return "<none>"
	}
	return p.addrPort.String()
}

// IsValid reports whether p holds a resolved address.
func (p PeerAddr) IsValid() bool { return p.valid }

// Equal reports structural equality: family and address+port bytes match.
func (p PeerAddr) Equal(o PeerAddr) bool {
	if p.valid != o.valid {
		return false
	}
	if !p.valid {
		return true
	}
	return p.addrPort == o.addrPort
}

// UDPAddr returns the net.UDPAddr form for use with net.UDPConn.
func (p PeerAddr) UDPAddr() *net.UDPAddr {
	if !p.valid {
		return nil
	}
	ip := p.addrPort.Addr()
	return &net.UDPAddr{IP: ip.AsSlice(), Port: int(p.addrPort.Port()), Zone: ip.Zone()}
}

// peerFromUDPAddr builds a PeerAddr from a socket-reported source address.
func peerFromUDPAddr(a *net.UDPAddr) PeerAddr {
	if a == nil {
		return PeerAddr{}
	}
	ip, ok := netip.AddrFromSlice(a.IP)
	if !ok {
		return PeerAddr{}
	}
	ip = ip.Unmap()
	return PeerAddr{addrPort: netip.AddrPortFrom(ip, uint16(a.Port)), valid: true}
}

// parseCallAddress splits "host" or "host:port" on the *last* colon (port
// defaulting to PortDefault when there is none) and resolves the host
// numerically only — no DNS lookup. A bracketed IPv6 host ("[::1]:5678")
// has its brackets stripped before parsing. This is a literal last-colon
// split: a bare, unbracketed multi-colon IPv6 literal with no port has its
// final hextet read as the port, which either fails to parse or yields a
// different address ("fe80::1:2" becomes host fe80::1, port 2) — callers
// passing bare IPv6 must bracket it.
func parseCallAddress(addressIn string) (PeerAddr, error) {
	host := addressIn
	port := strconv.Itoa(PortDefault)

	if i := strings.LastIndex(addressIn, ":"); i >= 0 {
		host = addressIn[:i]
		port = addressIn[i+1:]
	}

	host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")

	ip, err := netip.ParseAddr(host)
	if err != nil {
		return PeerAddr{}, err
	}
	portNum, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return PeerAddr{}, err
	}

	return PeerAddr{addrPort: netip.AddrPortFrom(ip.Unmap(), uint16(portNum)), valid: true}, nil
}
