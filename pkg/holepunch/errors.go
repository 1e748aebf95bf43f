package holepunch

import "errors"

var (
	// ErrClosed is returned by Server.Tick once Close has been called, and
	// wrapped in Tick's fatal-error return.
	ErrClosed = errors.New("holepunch: server closed")

	// ErrUnresolvable is returned when a host:port could not be resolved
	// or is not representable in the server's address family.
	ErrUnresolvable = errors.New("holepunch: endpoint could not be resolved")

	// ErrBindFailed wraps a listener or datagram socket bind failure.
	ErrBindFailed = errors.New("holepunch: bind failed")
)
