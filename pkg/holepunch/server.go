package holepunch

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// OnConnect fires once per admitted Connection (from either a successful
// hole punch or an inbound accept).
type OnConnect func(s *Server, c *Connection)

// OnHolePunchFail fires once per endpoint whose outbound hole punch
// attempt failed or timed out.
type OnHolePunchFail func(s *Server, endpoint Endpoint)

// OnReceiveReliable fires once per payload arriving on a Connection's TCP
// stream.
type OnReceiveReliable func(s *Server, data []byte, c *Connection)

// OnReceiveUnreliable fires once per payload arriving over the shared UDP
// socket from an admitted Connection's peer.
type OnReceiveUnreliable func(s *Server, data []byte, c *Connection)

// OnDisconnect fires once per Connection that has been torn down.
type OnDisconnect func(s *Server, c *Connection)

// Callbacks bundles the five Server event hooks (spec.md §4.7). A nil
// field is simply never called.
type Callbacks struct {
	OnConnect           OnConnect
	OnHolePunchFail     OnHolePunchFail
	OnReceiveReliable   OnReceiveReliable
	OnReceiveUnreliable OnReceiveUnreliable
	OnDisconnect        OnDisconnect
}

// Server is the tick-driven engine tying together the Listener, UdpEndpoint,
// HolePuncher, and ConnectionRegistry (spec.md §4.7). All mutable state is
// drained under one lock inside Tick; every callback then fires unlocked
// and in a fixed order, grounded line-for-line on
// original_source/tcpudpserver.py's tick().
type Server struct {
	family  Family
	metrics *Metrics
	cb      Callbacks

	listener    *Listener
	udp         *UdpEndpoint
	holepuncher *HolePuncher
	registry    *ConnectionRegistry

	localEndpoint Endpoint

	mu     sync.Mutex
	closed bool
}

// NewServer builds the full engine: binds the listener (honoring listen
// and port), binds the shared UDP socket on the same port and runs STUN
// discovery against stunHosts, and wires the HolePuncher and
// ConnectionRegistry to it.
func NewServer(ctx context.Context, family Family, listen bool, port int, stunHosts []UnresolvedEndpoint, metrics *Metrics, cb Callbacks) (*Server, error) {
	if metrics == nil {
		metrics = NewMetrics()
	}

	ln, err := NewListener(family, listen, port)
	if err != nil {
		return nil, err
	}
	local := ln.LocalEndpoint()

	udp, err := NewUDPEndpoint(ctx, int(local.Port), stunHosts, family, metrics)
	if err != nil {
		ln.Close()
		return nil, err
	}

	return &Server{
		family:        family,
		metrics:       metrics,
		cb:            cb,
		listener:      ln,
		udp:           udp,
		holepuncher:   NewHolePuncher(local, family, metrics),
		registry:      NewConnectionRegistry(metrics),
		localEndpoint: local,
	}, nil
}

// HolePunch resolves endpoint and starts (or restarts) a hole punch attempt
// toward it. Returns false if the Server is closed (see ErrClosed) or
// endpoint could not be resolved for this Server's family — both cases are
// the silent "return false" resolution/closed-state no-op of spec.md §7,
// not a reported error.
func (s *Server) HolePunch(ctx context.Context, endpoint UnresolvedEndpoint, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	ep, err := Resolve(ctx, endpoint.Host, endpoint.Port, s.family)
	if err != nil {
		return false
	}
	s.holepuncher.HolePunch(ep, timeout)
	return true
}

// StopHolePunch cancels an in-flight hole punch attempt toward endpoint, if
// any. A no-op once the Server is closed (Close already cleared every
// in-flight attempt).
func (s *Server) StopHolePunch(ctx context.Context, endpoint UnresolvedEndpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	ep, err := Resolve(ctx, endpoint.Host, endpoint.Port, s.family)
	if err != nil {
		return
	}
	s.holepuncher.RemoveHolePuncher(ep)
}

// GetLocalEndpoint returns the endpoint shared by the listener and UDP
// socket.
func (s *Server) GetLocalEndpoint() Endpoint { return s.localEndpoint }

// GetExternalEndpoint returns the STUN-discovered NAT mapping, if any was found.
func (s *Server) GetExternalEndpoint() (Endpoint, bool) { return s.udp.ExternalEndpoint() }

// GetLoopbackEndpoint reports the source address a socket bound to the
// local port would use to reach the loopback interface, by binding an
// ephemeral UDP probe socket to the shared port and connecting it to the
// loopback address (no datagram is actually exchanged — UDP connect only
// performs route resolution). Grounded on
// original_source/tcpudpserver.py's get_loopback_endpoint.
func (s *Server) GetLoopbackEndpoint(ctx context.Context) (Endpoint, bool) {
	dest := IPv4Loopback
	if s.family == FamilyV6 {
		dest = IPv6Loopback
	}
	return s.routeProbe(ctx, dest, false)
}

// GetLanEndpoint reports the source address a socket bound to the local
// port would use to reach the LAN broadcast address. Grounded on
// original_source/tcpudpserver.py's get_lan_endpoint.
func (s *Server) GetLanEndpoint(ctx context.Context) (Endpoint, bool) {
	return s.routeProbe(ctx, ConnectDestination, true)
}

func (s *Server) routeProbe(ctx context.Context, dest UnresolvedEndpoint, broadcast bool) (Endpoint, bool) {
	target, err := Resolve(ctx, dest.Host, dest.Port, s.family)
	if err != nil {
		return Endpoint{}, false
	}

	control := reusePortControl(s.family)
	if broadcast {
		control = broadcastControl(s.family)
	}
	dialer := net.Dialer{
		Control:   control,
		LocalAddr: &net.UDPAddr{IP: net.IP(s.localEndpoint.Addr.AsSlice()), Port: int(s.localEndpoint.Port)},
	}

	conn, err := dialer.DialContext(ctx, s.family.netFamily(), target.String())
	if err != nil {
		return Endpoint{}, false
	}
	defer conn.Close()

	return LocalEndpointOf(conn, s.family)
}

func (s *Server) admit(conn net.Conn) (*Connection, bool) {
	c, ok := s.registry.AddConnection(conn, s.udp, s.family)
	if !ok {
		return nil, false
	}
	s.holepuncher.RemoveHolePuncher(c.remote)
	return c, true
}

// tickEvents is the snapshot drain produces: everything a Tick call has to
// deliver to callbacks, captured while the lock was held.
type tickEvents struct {
	fails       []Endpoint
	newConns    []*Connection
	disconnects []*Connection
	unreliable  []received
	reliable    []received
}

// drain performs the locked half of spec.md §4.7's tick(): steps 1-7, taken
// under s.mu. Its own deferred Unlock keeps the mutex release symmetric with
// the Lock even if a step below panics, so a fatal tick error (see Tick)
// never leaves the Server's lock held.
func (s *Server) drain() (ev tickEvents, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return tickEvents{}, false
	}

	ev.fails = s.holepuncher.TakeFails()

	for _, conn := range s.holepuncher.TakeSuccesses() {
		if c, admitted := s.admit(conn); admitted {
			ev.newConns = append(ev.newConns, c)
		}
	}
	for _, conn := range s.listener.TakeNewConnections() {
		if c, admitted := s.admit(conn); admitted {
			ev.newConns = append(ev.newConns, c)
		}
	}

	unreliableRaw := s.udp.Receive()
	ev.reliable = s.registry.Receive()
	ev.disconnects = s.registry.TakeDisconnections()

	for _, d := range unreliableRaw {
		if s.registry.Contains(d.from) {
			ev.unreliable = append(ev.unreliable, received{Data: d.data, From: d.from})
		}
	}

	return ev, true
}

// Tick drains every pending event — hole-punch failures, new connections
// (from both successful hole punches and inbound accepts), disconnections,
// and received data — under the lock, then fires callbacks for all of them
// unlocked, in that fixed order (spec.md §5). Tick never blocks.
//
// If any step panics, the "fatal tick error" policy of spec.md §7 applies:
// the Server closes and the error is surfaced to the caller instead of
// propagating the panic, so one tick thread's bug cannot crash the
// embedder's process out from under it. Close itself is safe to call from
// here because drain's own deferred Unlock has already released s.mu by the
// time a panic reaches this recover.
func (s *Server) Tick() (err error) {
	if s.metrics != nil {
		timer := prometheusTimer(s.metrics)
		defer timer()
	}
	defer func() {
		if r := recover(); r != nil {
			s.Close()
			err = fmt.Errorf("%w: fatal tick error: %v", ErrClosed, r)
		}
	}()

	ev, ok := s.drain()
	if !ok {
		return ErrClosed
	}

	for _, ep := range ev.fails {
		if s.cb.OnHolePunchFail != nil {
			s.cb.OnHolePunchFail(s, ep)
		}
	}
	for _, c := range ev.newConns {
		if s.cb.OnConnect != nil {
			s.cb.OnConnect(s, c)
		}
	}
	for _, c := range ev.disconnects {
		if s.cb.OnDisconnect != nil {
			s.cb.OnDisconnect(s, c)
		}
	}
	for _, d := range ev.unreliable {
		c, ok := s.registry.Get(d.From)
		if !ok {
			continue
		}
		if s.cb.OnReceiveUnreliable != nil {
			s.cb.OnReceiveUnreliable(s, d.Data, c)
		}
	}
	for _, d := range ev.reliable {
		c, ok := s.registry.Get(d.From)
		if !ok {
			continue
		}
		if s.cb.OnReceiveReliable != nil {
			s.cb.OnReceiveReliable(s, d.Data, c)
		}
	}
	return nil
}

// Close tears down the listener, cancels in-flight hole punches, closes the
// UDP socket, and disconnects every admitted connection. Idempotent.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.listener.Close()
	s.holepuncher.Clear()
	s.udp.Close()
	s.registry.DisconnectAll()
}

func prometheusTimer(m *Metrics) func() {
	start := time.Now()
	return func() {
		m.TickDurationSeconds.Observe(time.Since(start).Seconds())
	}
}
