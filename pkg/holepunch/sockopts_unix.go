//go:build unix

package holepunch

import (
	"fmt"
	"log/slog"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// reusePortControl returns a net.ListenConfig.Control function that sets
// SO_REUSEADDR and (best-effort) SO_REUSEPORT before bind, and clears
// IPV6_V6ONLY for IPv6 sockets so they accept IPv4-mapped traffic too.
// This is what lets the Listener, the UdpEndpoint, and every HolePuncher
// dialing socket share one local port (spec.md §5 "Shared resources").
func reusePortControl(family Family) func(string, string, syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var ctrlErr error
		err := c.Control(func(fd uintptr) {
			if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); e != nil {
				ctrlErr = e
				return
			}
			// SO_REUSEPORT is unavailable on some platforms (notably older
			// Windows, which doesn't hit this file at all, but also some
			// exotic unix variants); attempt it and silently ignore ENOPROTOOPT.
			if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); e != nil {
				slog.Debug("holepunch: SO_REUSEPORT unavailable, continuing without it", "error", e)
			}
			if family == FamilyV6 {
				if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0); e != nil {
					slog.Debug("holepunch: clearing IPV6_V6ONLY failed", "error", e)
				}
			}
		})
		if ctrlErr != nil {
			return ctrlErr
		}
		return err
	}
}

// broadcastControl layers SO_BROADCAST on top of reusePortControl, for the
// ephemeral probe socket Server.GetLanEndpoint binds to learn its
// LAN-facing source address (spec.md §4.7, original_source/tcpudpserver.py
// get_lan_endpoint).
func broadcastControl(family Family) func(string, string, syscall.RawConn) error {
	inner := reusePortControl(family)
	return func(network, address string, c syscall.RawConn) error {
		if err := inner(network, address, c); err != nil {
			return err
		}
		var ctrlErr error
		err := c.Control(func(fd uintptr) {
			if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1); e != nil {
				ctrlErr = e
			}
		})
		if ctrlErr != nil {
			return ctrlErr
		}
		return err
	}
}

// bindReservedPort creates a stream socket, applies the same reuse/dual-stack
// options as reusePortControl, and binds it to port WITHOUT calling
// listen(2). This is spec.md §4.4's listen=false case: the port is reserved
// (so a later hole punch dial can share it) but nothing is ever accepted.
// net.ListenConfig has no such mode — it always calls listen() internally —
// so this goes one level below net to a raw socket, grounded on the
// teacher's own descent to syscall/unix for things the net package doesn't
// expose (pkg/p2pnet/netmonitor_linux.go, netmonitor_darwin.go).
func bindReservedPort(family Family, port int) (localAddr net.Addr, closer func() error, err error) {
	domain := unix.AF_INET
	if family == FamilyV6 {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socket: %w", err)
	}
	closer = func() error { return unix.Close(fd) }

	if e := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); e != nil {
		closer()
		return nil, nil, fmt.Errorf("SO_REUSEADDR: %w", e)
	}
	if e := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); e != nil {
		slog.Debug("holepunch: SO_REUSEPORT unavailable, continuing without it", "error", e)
	}

	var sa unix.Sockaddr
	if family == FamilyV6 {
		if e := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0); e != nil {
			slog.Debug("holepunch: clearing IPV6_V6ONLY failed", "error", e)
		}
		sa = &unix.SockaddrInet6{Port: port}
	} else {
		sa = &unix.SockaddrInet4{Port: port}
	}

	if e := unix.Bind(fd, sa); e != nil {
		closer()
		return nil, nil, fmt.Errorf("bind: %w", e)
	}

	got, err := unix.Getsockname(fd)
	if err != nil {
		closer()
		return nil, nil, fmt.Errorf("getsockname: %w", err)
	}
	addr := sockaddrToTCPAddr(got)
	return addr, closer, nil
}

func sockaddrToTCPAddr(sa unix.Sockaddr) *net.TCPAddr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	default:
		return &net.TCPAddr{}
	}
}
