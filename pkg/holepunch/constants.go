package holepunch

import "time"

// Sentinel unresolved endpoints used by the keep-alive pump and by
// Server.GetLanEndpoint/GetLoopbackEndpoint, named and exported per
// original_source/common.py's importable DUMMY_ENDPOINT/CONNECT_DESTINATION/
// IPV4_LOOPBACK/IPV6_LOOPBACK module constants.
var (
	// DummyEndpoint is a routable-but-unused TEST-NET-1 address (RFC 5737)
	// seeded into every UdpEndpoint's keep-alive target set so the local
	// port keeps an outbound NAT mapping alive even before any peer exists.
	DummyEndpoint = UnresolvedEndpoint{Host: "192.0.2.1", Port: 2000}

	// ConnectDestination is the limited-broadcast sentinel used to learn
	// the LAN-facing source address a socket bound to the server's local
	// port would use.
	ConnectDestination = UnresolvedEndpoint{Host: "255.255.255.255", Port: 2000}

	IPv4Loopback = UnresolvedEndpoint{Host: "127.0.0.1", Port: 2000}
	IPv6Loopback = UnresolvedEndpoint{Host: "::1", Port: 2000}
)

const (
	// bufSize is the fixed read buffer size for both UDP and TCP reads.
	bufSize = 2000

	// keepAliveInterval is how often a zero-length datagram is sent to
	// every keep-alive target.
	keepAliveInterval = 10 * time.Second

	// defaultHolePunchTimeout is applied when the caller passes timeout<=0
	// to Server.HolePunch.
	defaultHolePunchTimeout = 10 * time.Second

	// stunTimeout is the per-request read deadline while waiting for a
	// STUN response.
	stunTimeout = 500 * time.Millisecond

	// stunMaxTimeouts bounds retries against a single STUN host before
	// moving on to the next.
	stunMaxTimeouts = 5
)
