package holepunch

import (
	"log/slog"
	"net"
	"sync"
)

// Connection pairs one hole-punched TCP stream with the shared UDP socket,
// so both reliable and unreliable sends target the same remote endpoint.
// Grounded on original_source/connection.py.
type Connection struct {
	tcp    net.Conn
	udp    *UdpEndpoint
	local  Endpoint
	remote Endpoint

	mu     sync.Mutex
	closed bool
}

func newConnection(tcp net.Conn, udp *UdpEndpoint, family Family) (*Connection, bool) {
	local, ok := LocalEndpointOf(tcp, family)
	if !ok {
		return nil, false
	}
	remote, ok := RemoteEndpointOf(tcp, family)
	if !ok {
		return nil, false
	}
	return &Connection{tcp: tcp, udp: udp, local: local, remote: remote}, true
}

// LocalEndpoint returns the local side of the TCP stream.
func (c *Connection) LocalEndpoint() Endpoint { return c.local }

// RemoteEndpoint returns the peer's canonical endpoint — the registry's key
// for this connection.
func (c *Connection) RemoteEndpoint() Endpoint { return c.remote }

// Closed reports whether this connection has been torn down: by a failed
// SendReliable, by the registry's DisconnectAll, or because the peer's
// reader goroutine observed EOF/error. Connection has no exported Close
// method.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SendReliable writes data on the TCP stream. A send failure closes the
// connection (spec.md §4.6, mirroring original_source/connection.py's
// send_reliable).
func (c *Connection) SendReliable(data []byte) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	if _, err := c.tcp.Write(data); err != nil {
		c.close()
	}
}

// SendUnreliable sends data as a UDP datagram to the peer's endpoint over
// the shared UdpEndpoint.
func (c *Connection) SendUnreliable(data []byte) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.udp.SendTo(data, c.remote)
}

func (c *Connection) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.tcp.Close()
}

// received pairs a payload with the canonical remote endpoint it came from,
// the unit ConnectionRegistry.Receive hands back to callers (Server.Tick
// also uses it for admitted unreliable datagrams).
type received struct {
	Data []byte
	From Endpoint
}

// ConnectionRegistry holds every admitted Connection, keyed by remote
// endpoint, and centralizes their reliable-data arrival and disconnection
// reporting. Grounded on original_source/connectioncollection.py; the
// select()-based readiness poll there becomes one reader goroutine per
// connection feeding a shared buffered channel (see DESIGN.md's Open
// Question resolution on select-based polling).
type ConnectionRegistry struct {
	mu             sync.Mutex
	connections    map[Endpoint]*Connection
	disconnections []*Connection

	incoming chan received
	metrics  *Metrics
}

// NewConnectionRegistry creates an empty registry. metrics is optional (nil-safe).
func NewConnectionRegistry(metrics *Metrics) *ConnectionRegistry {
	return &ConnectionRegistry{
		connections: make(map[Endpoint]*Connection),
		incoming:    make(chan received, 256),
		metrics:     metrics,
	}
}

// Contains reports whether endpoint already has an admitted connection.
func (r *ConnectionRegistry) Contains(endpoint Endpoint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.connections[endpoint]
	return ok
}

// Get returns the connection for endpoint, if any.
func (r *ConnectionRegistry) Get(endpoint Endpoint) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.connections[endpoint]
	return c, ok
}

// AddConnection admits tcp as a Connection keyed by its canonical remote
// endpoint. Returns !ok if that endpoint already has a live connection
// (spec.md §4.6: duplicate admission is rejected, not replaced) or if the
// socket's endpoints cannot be determined. On success the peer is added as
// a UDP keep-alive target and a reader goroutine is started.
func (r *ConnectionRegistry) AddConnection(tcp net.Conn, udp *UdpEndpoint, family Family) (*Connection, bool) {
	conn, ok := newConnection(tcp, udp, family)
	if !ok {
		tcp.Close()
		return nil, false
	}

	r.mu.Lock()
	if _, exists := r.connections[conn.remote]; exists {
		r.mu.Unlock()
		slog.Debug("holepunch: duplicate connection rejected", "endpoint", conn.remote)
		tcp.Close()
		return nil, false
	}
	r.connections[conn.remote] = conn
	r.mu.Unlock()

	udp.AddKeepAliveTarget(conn.remote)
	if r.metrics != nil {
		r.metrics.ConnectedPeers.Set(float64(r.count()))
	}

	go r.readLoop(conn)

	return conn, true
}

func (r *ConnectionRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connections)
}

func (r *ConnectionRegistry) readLoop(conn *Connection) {
	buf := make([]byte, bufSize)
	for {
		n, err := conn.tcp.Read(buf)
		if err != nil || n == 0 {
			r.disconnect(conn)
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case r.incoming <- received{Data: data, From: conn.remote}:
		default:
			slog.Warn("holepunch: reliable receive queue full, dropping data", "endpoint", conn.remote)
		}
	}
}

func (r *ConnectionRegistry) disconnect(conn *Connection) {
	r.mu.Lock()
	existing, ok := r.connections[conn.remote]
	if !ok || existing != conn {
		r.mu.Unlock()
		return
	}
	delete(r.connections, conn.remote)
	r.disconnections = append(r.disconnections, conn)
	r.mu.Unlock()

	conn.close()
	conn.udp.RemoveKeepAliveTarget(conn.remote)
	if r.metrics != nil {
		r.metrics.ConnectedPeers.Set(float64(r.count()))
	}
}

// Receive drains all reliable payloads currently queued, without blocking.
func (r *ConnectionRegistry) Receive() []received {
	var out []received
	for {
		select {
		case d := <-r.incoming:
			out = append(out, d)
		default:
			return out
		}
	}
}

// TakeDisconnections returns and clears the connections that have
// disconnected since the last call.
func (r *ConnectionRegistry) TakeDisconnections() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.disconnections
	r.disconnections = nil
	return out
}

// DisconnectAll closes every admitted connection and clears the registry,
// without recording them as disconnections (used on Server shutdown).
func (r *ConnectionRegistry) DisconnectAll() {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.connections))
	for _, c := range r.connections {
		conns = append(conns, c)
	}
	r.connections = make(map[Endpoint]*Connection)
	r.disconnections = nil
	r.mu.Unlock()

	for _, c := range conns {
		c.close()
		c.udp.RemoveKeepAliveTarget(c.remote)
	}
	if r.metrics != nil {
		r.metrics.ConnectedPeers.Set(0)
	}
}
