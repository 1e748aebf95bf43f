// Package holepunch implements a peer-to-peer transport engine: TCP
// simultaneous-open hole punching, a shared listen/datagram port, STUN-based
// external address discovery, and a single-threaded tick-driven dispatcher
// that ties the pieces together under one lock.
package holepunch

import (
	"context"
	"fmt"
	"net"
	"net/netip"
)

// Family tags an Endpoint as IPv4 or IPv6, mirroring the two address
// families the underlying sockets are created with.
type Family uint8

const (
	FamilyV4 Family = iota
	FamilyV6
)

func (f Family) String() string {
	if f == FamilyV6 {
		return "v6"
	}
	return "v4"
}

func (f Family) netFamily() string {
	if f == FamilyV6 {
		return "udp6"
	}
	return "udp4"
}

func (f Family) netTCPFamily() string {
	if f == FamilyV6 {
		return "tcp6"
	}
	return "tcp4"
}

// Endpoint is an address-family-tagged (host, port) pair. It is a plain,
// comparable value: two Endpoints denoting the same host and port compare
// equal with == and hash identically as map keys, provided both were
// produced through Canonicalize/Resolve (see the EndpointTools operations
// below) rather than built directly from unvalidated strings.
//
// For FamilyV6, FlowInfo and ScopeID carry the RFC 2553 flow label and
// numeric scope id; both are always zero for FamilyV4.
type Endpoint struct {
	Family   Family
	Addr     netip.Addr
	Port     uint16
	FlowInfo uint32
	ScopeID  uint32
}

// String renders the endpoint in host:port form, compressed per RFC 5952
// for IPv6 (netip.Addr.String already does this).
func (e Endpoint) String() string {
	if !e.Addr.IsValid() {
		return "<invalid>"
	}
	return net.JoinHostPort(e.Addr.String(), fmt.Sprintf("%d", e.Port))
}

// IsValid reports whether the endpoint carries a usable address.
func (e Endpoint) IsValid() bool {
	return e.Addr.IsValid()
}

// UnresolvedEndpoint is a (host, port) pair that has not yet been resolved
// or validated against a family — the form callers pass to HolePunch.
type UnresolvedEndpoint struct {
	Host string
	Port uint16
}

// v4MappedPrefix is the 12-byte ::ffff:0:0/96 prefix used to widen an IPv4
// address into its canonical IPv4-in-IPv6 form.
var v4MappedPrefix = [12]byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xff, 0xff}

// widenToV6 builds the canonical "::ffff:a.b.c.d" representation of a V4
// endpoint, per original_source/iptools.py's ipv4_to_canonical_ipv6.
func widenToV6(addr netip.Addr) netip.Addr {
	a4 := addr.As4()
	var b [16]byte
	copy(b[:12], v4MappedPrefix[:])
	copy(b[12:], a4[:])
	return netip.AddrFrom16(b)
}

// narrowToV4 extracts the IPv4 address from an IPv4-mapped IPv6 address.
// Returns !ok if addr is not in mapped form (a genuine IPv6-only address is
// "not representable" as V4 — spec.md §4.1).
func narrowToV4(addr netip.Addr) (netip.Addr, bool) {
	if !addr.Is4In6() {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// Canonicalize returns ep rewritten into the canonical form for family,
// widening IPv4 to IPv4-mapped IPv6 (family=FamilyV6) or narrowing a mapped
// IPv6 address back to plain IPv4 (family=FamilyV4). A non-mapped IPv6
// address requested as FamilyV4 is "not representable": ok is false and the
// zero Endpoint is returned.
func Canonicalize(ep Endpoint, family Family) (canon Endpoint, ok bool) {
	if !ep.Addr.IsValid() {
		return Endpoint{}, false
	}

	if family == FamilyV6 {
		addr := ep.Addr
		if ep.Family == FamilyV4 {
			addr = widenToV6(addr)
		} else {
			addr = addr.Unmap()
			if addr.Is4() {
				addr = widenToV6(addr)
			}
		}
		return Endpoint{Family: FamilyV6, Addr: addr, Port: ep.Port, FlowInfo: ep.FlowInfo, ScopeID: ep.ScopeID}, true
	}

	// family == FamilyV4
	if ep.Family == FamilyV4 {
		return Endpoint{Family: FamilyV4, Addr: ep.Addr.Unmap(), Port: ep.Port}, true
	}
	v4, ok := narrowToV4(ep.Addr)
	if !ok {
		return Endpoint{}, false
	}
	return Endpoint{Family: FamilyV4, Addr: v4, Port: ep.Port}, true
}

// WithPort returns ep with its port replaced, otherwise unchanged — used
// when an endpoint's address is known but its port must be substituted
// (e.g. resolving a hostname then overriding with a negotiated port).
func (e Endpoint) WithPort(port uint16) Endpoint {
	e.Port = port
	return e
}

// Resolve performs name resolution for an unresolved (host, port) pair and
// returns one canonical Endpoint for family. For family=FamilyV6 a failed
// AAAA lookup falls back to A and widens the result (dual-stack mode); for
// family=FamilyV4 only A lookups are attempted. Returns a wrapped
// ErrUnresolvable on total resolution failure ("resolution failed" —
// spec.md §4.1 is explicit that this is a sentinel outcome, not an
// exception; callers in the hole-punch/stop-hole-punch path reduce this
// back to a bare false per spec.md §7).
func Resolve(ctx context.Context, host string, port uint16, family Family) (Endpoint, error) {
	if family == FamilyV6 {
		if addr, ok := lookupAddr(ctx, host, "ip6"); ok {
			canon, _ := Canonicalize(Endpoint{Family: FamilyV6, Addr: addr, Port: port}, FamilyV6)
			return canon, nil
		}
		if addr, ok := lookupAddr(ctx, host, "ip4"); ok {
			return Endpoint{Family: FamilyV6, Addr: widenToV6(addr), Port: port}, nil
		}
		return Endpoint{}, fmt.Errorf("%w: %s", ErrUnresolvable, host)
	}

	if addr, ok := lookupAddr(ctx, host, "ip4"); ok {
		return Endpoint{Family: FamilyV4, Addr: addr, Port: port}, nil
	}
	return Endpoint{}, fmt.Errorf("%w: %s", ErrUnresolvable, host)
}

func lookupAddr(ctx context.Context, host, network string) (netip.Addr, bool) {
	if addr, err := netip.ParseAddr(host); err == nil {
		switch network {
		case "ip4":
			if addr.Is4() || addr.Is4In6() {
				return addr.Unmap(), true
			}
			return netip.Addr{}, false
		case "ip6":
			if addr.Is4() {
				return netip.Addr{}, false
			}
			return addr, true
		}
	}

	ips, err := net.DefaultResolver.LookupIP(ctx, network, host)
	if err != nil || len(ips) == 0 {
		return netip.Addr{}, false
	}
	addr, ok := netip.AddrFromSlice(ips[0])
	if !ok {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// LocalEndpointOf reads the kernel-assigned local name of conn and returns
// it as a canonical Endpoint for family.
func LocalEndpointOf(conn net.Conn, family Family) (Endpoint, bool) {
	return addrToEndpoint(conn.LocalAddr(), family)
}

// RemoteEndpointOf reads the kernel-reported peer name of conn and returns
// it as a canonical Endpoint for family.
func RemoteEndpointOf(conn net.Conn, family Family) (Endpoint, bool) {
	return addrToEndpoint(conn.RemoteAddr(), family)
}

func addrToEndpoint(a net.Addr, family Family) (Endpoint, bool) {
	var ipStr string
	var port int
	switch v := a.(type) {
	case *net.TCPAddr:
		ipStr, port = v.IP.String(), v.Port
	case *net.UDPAddr:
		ipStr, port = v.IP.String(), v.Port
	default:
		host, p, err := net.SplitHostPort(a.String())
		if err != nil {
			return Endpoint{}, false
		}
		ipStr = host
		fmt.Sscanf(p, "%d", &port)
	}

	addr, err := netip.ParseAddr(ipStr)
	if err != nil {
		return Endpoint{}, false
	}
	native := FamilyV4
	if addr.Is6() && !addr.Is4In6() {
		native = FamilyV6
	} else if addr.Is4In6() {
		native = FamilyV4
		addr = addr.Unmap()
	}

	ep := Endpoint{Family: native, Addr: addr, Port: uint16(port)}
	canon, ok := Canonicalize(ep, family)
	return canon, ok
}
