package holepunch

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"log/slog"
	"net"
	"net/netip"
	"time"
)

// StunClient queries an ordered list of STUN servers over an already-bound
// UDP socket to learn that socket's external (NAT-mapped) address. It
// speaks the legacy RFC 5389 subset described in spec.md §6: a bare Binding
// Request with no attributes, and MAPPED-ADDRESS (not XOR-MAPPED-ADDRESS)
// parsing — grounded on original_source/stun.py, which this spec's wire
// format is drawn from verbatim (see SPEC_FULL.md §11).
type StunClient struct {
	metrics *Metrics // nil-safe
}

// NewStunClient creates a StunClient. metrics is optional (nil-safe).
func NewStunClient(m *Metrics) *StunClient {
	return &StunClient{metrics: m}
}

// Discover tries each host in order, sending a Binding Request and waiting
// stunTimeout for a reply, retrying the same host up to stunMaxTimeouts
// times before moving to the next. It returns the first valid external
// endpoint found, or !ok if no host answered. Discover sets a read deadline
// on conn for each request and leaves the last one in place when it
// returns; a deadline set on conn before the call is not restored.
func (c *StunClient) Discover(conn *net.UDPConn, hosts []UnresolvedEndpoint, family Family) (ext Endpoint, ok bool) {
	for _, host := range hosts {
		server, err := Resolve(context.Background(), host.Host, host.Port, family)
		if err != nil {
			continue
		}

		ep, found := c.probeHost(conn, server, family)
		if found {
			c.record("success")
			return ep, true
		}
		c.record("failure")
	}
	return Endpoint{}, false
}

func (c *StunClient) probeHost(conn *net.UDPConn, server Endpoint, family Family) (Endpoint, bool) {
	udpAddr := endpointToUDPAddr(server)

	for attempt := 0; attempt < stunMaxTimeouts; attempt++ {
		txID, err := sendBindingRequest(conn, udpAddr)
		if err != nil {
			slog.Debug("holepunch: stun send failed", "server", server, "error", err)
			return Endpoint{}, false
		}

		conn.SetReadDeadline(time.Now().Add(stunTimeout))
		buf := make([]byte, 2048)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				break // timeout: retry against the same host
			}

			fromEp, ok := udpAddrToEndpoint(from, family)
			if !ok || !sameHost(fromEp, server) {
				continue // not from the host we queried; ignore and keep waiting
			}

			if n < 20 || !bytesEqual(buf[4:20], txID[:]) {
				break // malformed or mismatched transaction id
			}

			ip, port, ok := parseMappedAddress(buf[20:n])
			if !ok {
				break
			}
			return Endpoint{Family: family, Addr: ip, Port: port}, true
		}
	}
	return Endpoint{}, false
}

func sendBindingRequest(conn *net.UDPConn, addr *net.UDPAddr) (txID [16]byte, err error) {
	if _, err = rand.Read(txID[:]); err != nil {
		return txID, err
	}
	req := make([]byte, 20)
	binary.BigEndian.PutUint16(req[0:2], 0x0001) // Binding Request
	binary.BigEndian.PutUint16(req[2:4], 0x0000) // length: no attributes
	copy(req[4:20], txID[:])
	_, err = conn.WriteToUDP(req, addr)
	return txID, err
}

// parseMappedAddress walks the TLV attribute list starting at offset 20 of
// a STUN response, returning the address carried in a MAPPED-ADDRESS
// (type 0x0001) attribute.
func parseMappedAddress(attrs []byte) (netip.Addr, uint16, bool) {
	offset := 0
	for offset+4 <= len(attrs) {
		attrType := binary.BigEndian.Uint16(attrs[offset : offset+2])
		length := int(binary.BigEndian.Uint16(attrs[offset+2 : offset+4]))
		valueStart := offset + 4
		if valueStart+length > len(attrs) {
			break
		}
		value := attrs[valueStart : valueStart+length]

		if attrType == 0x0001 && length >= 8 {
			familyByte := value[1]
			port := binary.BigEndian.Uint16(value[2:4])
			switch familyByte {
			case 0x01: // IPv4
				addr := netip.AddrFrom4([4]byte{value[4], value[5], value[6], value[7]})
				return addr, port, true
			case 0x02: // IPv6
				if length >= 20 {
					var b [16]byte
					copy(b[:], value[4:20])
					return netip.AddrFrom16(b), port, true
				}
			}
		}
		offset = valueStart + length
	}
	return netip.Addr{}, 0, false
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sameHost(a, b Endpoint) bool {
	return a.Addr == b.Addr && a.Port == b.Port
}

func endpointToUDPAddr(ep Endpoint) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IP(ep.Addr.AsSlice()), Port: int(ep.Port)}
}

func udpAddrToEndpoint(addr *net.UDPAddr, family Family) (Endpoint, bool) {
	a, ok := netip.AddrFromSlice(addr.IP)
	if !ok {
		return Endpoint{}, false
	}
	native := FamilyV4
	if a.Is6() && !a.Is4In6() {
		native = FamilyV6
	} else {
		a = a.Unmap()
	}
	ep := Endpoint{Family: native, Addr: a, Port: uint16(addr.Port)}
	return Canonicalize(ep, family)
}

func (c *StunClient) record(result string) {
	if c.metrics != nil && c.metrics.STUNProbeTotal != nil {
		c.metrics.STUNProbeTotal.WithLabelValues(result).Inc()
	}
}
