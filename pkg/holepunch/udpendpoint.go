package holepunch

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// datagram is one (payload, canonical remote endpoint) pair pulled off the
// wire by the background reader goroutine.
type datagram struct {
	data []byte
	from Endpoint
}

// UdpEndpoint owns the datagram socket shared by every Connection for
// unreliable sends, plus the NAT keep-alive pump (spec.md §4.3). Reads are
// not select()-polled (Go has no portable equivalent over net.PacketConn —
// see DESIGN.md's Open Question resolution #4); instead a single background
// goroutine blocks in ReadFromUDP and feeds a buffered channel that
// Receive drains non-blockingly.
type UdpEndpoint struct {
	family  Family
	conn    *net.UDPConn
	metrics *Metrics

	localEndpoint    Endpoint
	externalEndpoint Endpoint
	hasExternal      bool

	sendMu   sync.Mutex
	closed   bool
	incoming chan datagram

	keepAliveMu      sync.Mutex
	keepAliveTargets map[Endpoint]struct{}
	keepAliveTimer   *time.Timer

	readerDone chan struct{}
}

// NewUDPEndpoint binds a datagram socket to localPort (0 = ephemeral) with
// port reuse and, for FamilyV6, dual-stack enabled, synchronously runs STUN
// discovery against stunHosts, and starts the keep-alive pump and
// background reader.
func NewUDPEndpoint(ctx context.Context, localPort int, stunHosts []UnresolvedEndpoint, family Family, metrics *Metrics) (*UdpEndpoint, error) {
	lc := net.ListenConfig{Control: reusePortControl(family)}
	addr := fmt.Sprintf(":%d", localPort)
	pc, err := lc.ListenPacket(ctx, family.netFamily(), addr)
	if err != nil {
		return nil, fmt.Errorf("%w: udp listen on %s: %v", ErrBindFailed, addr, err)
	}
	conn := pc.(*net.UDPConn)

	local, ok := addrToEndpoint(conn.LocalAddr(), family)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("%w: could not determine local udp endpoint", ErrBindFailed)
	}

	u := &UdpEndpoint{
		family:           family,
		conn:             conn,
		metrics:          metrics,
		localEndpoint:    local,
		keepAliveTargets: make(map[Endpoint]struct{}),
		incoming:         make(chan datagram, 256),
		readerDone:       make(chan struct{}),
	}

	stun := NewStunClient(metrics)
	if ext, found := stun.Discover(conn, stunHosts, family); found {
		u.externalEndpoint = ext
		u.hasExternal = true
		slog.Info("holepunch: stun discovery complete", "external", ext)
	} else {
		slog.Info("holepunch: stun discovery found no external endpoint")
	}

	if dummy, err := Resolve(ctx, DummyEndpoint.Host, DummyEndpoint.Port, family); err == nil {
		u.keepAliveTargets[dummy] = struct{}{}
	}

	go u.readLoop()
	u.armKeepAlive()

	return u, nil
}

// LocalEndpoint returns the endpoint this socket is bound to.
func (u *UdpEndpoint) LocalEndpoint() Endpoint { return u.localEndpoint }

// ExternalEndpoint returns the STUN-discovered mapping, if any.
func (u *UdpEndpoint) ExternalEndpoint() (Endpoint, bool) {
	return u.externalEndpoint, u.hasExternal
}

func (u *UdpEndpoint) readLoop() {
	defer close(u.readerDone)
	buf := make([]byte, bufSize)
	u.conn.SetReadDeadline(time.Time{}) // clear any deadline STUN discovery left set
	for {
		n, from, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			return // socket closed
		}
		if n == 0 {
			if u.metrics != nil {
				u.metrics.DatagramsReceivedTotal.WithLabelValues("keepalive").Inc()
			}
			continue // empty payloads are keep-alive probes, dropped here too
		}
		ep, ok := udpAddrToEndpoint(from, u.family)
		if !ok {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case u.incoming <- datagram{data: data, from: ep}:
		default:
			slog.Warn("holepunch: udp receive queue full, dropping datagram")
		}
		if u.metrics != nil {
			u.metrics.DatagramsReceivedTotal.WithLabelValues("data").Inc()
		}
	}
}

// Receive drains all datagrams currently queued, without blocking. Empty
// payloads never reach here (filtered in readLoop); this is the
// non-blocking "poll readiness with zero timeout" operation from spec.md §4.3.
func (u *UdpEndpoint) Receive() []datagram {
	var out []datagram
	for {
		select {
		case d := <-u.incoming:
			out = append(out, d)
		default:
			return out
		}
	}
}

// SendTo sends data to ep, serialized by the send mutex. Silently drops on
// a closed socket or transient send error (spec.md §7: "Transient send
// failure — send_unreliable silently drops").
func (u *UdpEndpoint) SendTo(data []byte, ep Endpoint) {
	u.sendMu.Lock()
	defer u.sendMu.Unlock()
	if u.closed {
		return
	}
	_, err := u.conn.WriteToUDP(data, endpointToUDPAddr(ep))
	kind := "data"
	if len(data) == 0 {
		kind = "keepalive"
	}
	if err == nil && u.metrics != nil {
		u.metrics.DatagramsSentTotal.WithLabelValues(kind).Inc()
	}
}

// AddKeepAliveTarget adds ep to the keep-alive set and immediately sends a
// zero-length datagram to open the NAT mapping without waiting for the
// next timer tick.
func (u *UdpEndpoint) AddKeepAliveTarget(ep Endpoint) {
	u.keepAliveMu.Lock()
	u.keepAliveTargets[ep] = struct{}{}
	n := len(u.keepAliveTargets)
	u.keepAliveMu.Unlock()
	if u.metrics != nil {
		u.metrics.KeepAliveTargets.Set(float64(n))
	}
	u.SendTo(nil, ep)
}

// RemoveKeepAliveTarget removes ep from the keep-alive set.
func (u *UdpEndpoint) RemoveKeepAliveTarget(ep Endpoint) {
	u.keepAliveMu.Lock()
	delete(u.keepAliveTargets, ep)
	n := len(u.keepAliveTargets)
	u.keepAliveMu.Unlock()
	if u.metrics != nil {
		u.metrics.KeepAliveTargets.Set(float64(n))
	}
}

func (u *UdpEndpoint) armKeepAlive() {
	u.keepAliveMu.Lock()
	defer u.keepAliveMu.Unlock()
	if u.closed {
		return
	}
	u.keepAliveTimer = time.AfterFunc(keepAliveInterval, u.keepAlive)
}

// keepAlive fires on the repeating timer: send a zero-length datagram to
// every target, then re-arm. Re-arming (rather than ticker.Reset) matches
// original_source/udpsocket.py's Timer-per-firing pattern, which tolerates
// keepAlive itself taking a while without overlapping firings.
func (u *UdpEndpoint) keepAlive() {
	u.keepAliveMu.Lock()
	if u.closed {
		u.keepAliveMu.Unlock()
		return
	}
	targets := make([]Endpoint, 0, len(u.keepAliveTargets))
	for ep := range u.keepAliveTargets {
		targets = append(targets, ep)
	}
	u.keepAliveMu.Unlock()

	for _, ep := range targets {
		u.SendTo(nil, ep)
	}

	u.armKeepAlive()
}

// Close stops the keep-alive timer, closes the socket (which unblocks the
// reader goroutine), and waits for the reader to exit.
func (u *UdpEndpoint) Close() {
	u.sendMu.Lock()
	alreadyClosed := u.closed
	u.closed = true
	u.sendMu.Unlock()
	if alreadyClosed {
		return
	}

	u.keepAliveMu.Lock()
	if u.keepAliveTimer != nil {
		u.keepAliveTimer.Stop()
	}
	u.keepAliveMu.Unlock()

	u.conn.Close()
	<-u.readerDone
}
