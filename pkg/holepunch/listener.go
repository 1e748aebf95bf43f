package holepunch

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// Listener owns the stream-accept socket bound to the shared local port
// (spec.md §4.4). If listen is false the socket is bound but never placed
// into listening mode — a deliberate port reservation for outbound hole
// punches without advertising an inbound listener (spec.md §9, Open
// Question 2): inbound connects to a reserved-but-not-listening port fail
// at the kernel (connection refused/reset).
type Listener struct {
	listening bool

	mu            sync.Mutex
	ln            *net.TCPListener // set only when listening
	reservedClose func() error     // set only when !listening
	localEndpoint Endpoint

	accepted chan net.Conn
	done     chan struct{}
}

// NewListener binds a TCP socket to port (0 = ephemeral) with port reuse
// and, for FamilyV6, dual-stack enabled. When listen is true it is also put
// into listening mode and a background accept loop is started; otherwise
// the socket is bound only, reserving the port.
func NewListener(family Family, listen bool, port int) (*Listener, error) {
	l := &Listener{
		listening: listen,
		accepted:  make(chan net.Conn, 64),
		done:      make(chan struct{}),
	}

	if !listen {
		addr, closer, err := bindReservedPort(family, port)
		if err != nil {
			return nil, fmt.Errorf("%w: reserve tcp port %d: %v", ErrBindFailed, port, err)
		}
		local, ok := addrToEndpoint(addr, family)
		if !ok {
			closer()
			return nil, fmt.Errorf("%w: could not determine reserved local endpoint", ErrBindFailed)
		}
		l.reservedClose = closer
		l.localEndpoint = local
		close(l.done)
		return l, nil
	}

	lc := net.ListenConfig{Control: reusePortControl(family)}
	addr := fmt.Sprintf(":%d", port)
	ln, err := lc.Listen(context.Background(), family.netTCPFamily(), addr)
	if err != nil {
		return nil, fmt.Errorf("%w: tcp listen on %s: %v", ErrBindFailed, addr, err)
	}

	tcpLn := ln.(*net.TCPListener)
	local, ok := addrToEndpoint(tcpLn.Addr(), family)
	if !ok {
		tcpLn.Close()
		return nil, fmt.Errorf("%w: could not determine listener local endpoint", ErrBindFailed)
	}

	l.ln = tcpLn
	l.localEndpoint = local
	go l.acceptLoop()

	return l, nil
}

// LocalEndpoint returns the endpoint this listener is bound to.
func (l *Listener) LocalEndpoint() Endpoint { return l.localEndpoint }

// Listening reports whether this Listener advertises an inbound listener
// (as opposed to merely reserving the port — spec.md §9, Open Question 2).
func (l *Listener) Listening() bool { return l.listening }

func (l *Listener) acceptLoop() {
	defer close(l.done)
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return // listener closed
		}
		select {
		case l.accepted <- conn:
		default:
			slog.Warn("holepunch: listener accept queue full, dropping inbound connection")
			conn.Close()
		}
	}
}

// TakeNewConnections drains all pending accepted sockets without blocking.
func (l *Listener) TakeNewConnections() []net.Conn {
	var out []net.Conn
	for {
		select {
		case c := <-l.accepted:
			out = append(out, c)
		default:
			return out
		}
	}
}

// Close closes the accept (or reserved) socket. Idempotent.
func (l *Listener) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln != nil {
		l.ln.Close()
		l.ln = nil
		<-l.done
		return
	}
	if l.reservedClose != nil {
		l.reservedClose()
		l.reservedClose = nil
	}
}
