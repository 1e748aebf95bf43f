//go:build windows

package holepunch

import (
	"fmt"
	"log/slog"
	"net"
	"syscall"

	"golang.org/x/sys/windows"
)

// reusePortControl mirrors sockopts_unix.go's contract on Windows, where
// SO_REUSEPORT does not exist — setting it is simply skipped (spec.md §5:
// "On platforms where SO_REUSEPORT is unavailable, setting it is silently
// skipped"). SO_REUSEADDR on Windows also permits simultaneous binds to the
// same address, which is the behavior this engine relies on.
func reusePortControl(family Family) func(string, string, syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var ctrlErr error
		err := c.Control(func(fd uintptr) {
			if e := windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1); e != nil {
				ctrlErr = e
				return
			}
			if family == FamilyV6 {
				if e := windows.SetsockoptInt(windows.Handle(fd), windows.IPPROTO_IPV6, windows.IPV6_V6ONLY, 0); e != nil {
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

// broadcastControl mirrors sockopts_unix.go's SO_BROADCAST layering for the
// ephemeral probe socket Server.GetLanEndpoint binds.
func broadcastControl(family Family) func(string, string, syscall.RawConn) error {
	inner := reusePortControl(family)
	return func(network, address string, c syscall.RawConn) error {
		if err := inner(network, address, c); err != nil {
			return err
		}
		var ctrlErr error
		err := c.Control(func(fd uintptr) {
			if e := windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_BROADCAST, 1); e != nil {
				ctrlErr = e
			}
		})
		if ctrlErr != nil {
			return ctrlErr
		}
		return err
	}
}

// bindReservedPort mirrors sockopts_unix.go's raw bind-without-listen, so
// Listener can honor spec.md §4.4's listen=false (port-reservation) mode on
// Windows too.
func bindReservedPort(family Family, port int) (localAddr net.Addr, closer func() error, err error) {
	domain := windows.AF_INET
	if family == FamilyV6 {
		domain = windows.AF_INET6
	}

	fd, err := windows.Socket(domain, windows.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socket: %w", err)
	}
	closer = func() error { return windows.Closesocket(fd) }

	if e := windows.SetsockoptInt(fd, windows.SOL_SOCKET, windows.SO_REUSEADDR, 1); e != nil {
		closer()
		return nil, nil, fmt.Errorf("SO_REUSEADDR: %w", e)
	}

	var sa windows.Sockaddr
	if family == FamilyV6 {
		if e := windows.SetsockoptInt(fd, windows.IPPROTO_IPV6, windows.IPV6_V6ONLY, 0); e != nil {
			slog.Debug("holepunch: clearing IPV6_V6ONLY failed", "error", e)
		}
		sa = &windows.SockaddrInet6{Port: port}
	} else {
		sa = &windows.SockaddrInet4{Port: port}
	}

	if e := windows.Bind(fd, sa); e != nil {
		closer()
		return nil, nil, fmt.Errorf("bind: %w", e)
	}

	got, err := windows.Getsockname(fd)
	if err != nil {
		closer()
		return nil, nil, fmt.Errorf("getsockname: %w", err)
	}
	addr := sockaddrToTCPAddr(got)
	return addr, closer, nil
}

func sockaddrToTCPAddr(sa windows.Sockaddr) *net.TCPAddr {
	switch a := sa.(type) {
	case *windows.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	case *windows.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	default:
		return &net.TCPAddr{}
	}
}
