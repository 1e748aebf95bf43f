package holepunch

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func endpointFromAddr(t *testing.T, a net.Addr) Endpoint {
	t.Helper()
	tcpAddr := a.(*net.TCPAddr)
	addr, ok := netip.AddrFromSlice(tcpAddr.IP)
	if !ok {
		t.Fatalf("could not convert %v to netip.Addr", a)
	}
	return Endpoint{Family: FamilyV4, Addr: addr.Unmap(), Port: uint16(tcpAddr.Port)}
}

func TestHolePunchSucceedsAgainstListeningPeer(t *testing.T) {
	defer goleak.VerifyNone(t)

	peer, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer peer.Close()
	go func() {
		c, err := peer.Accept()
		if err == nil {
			c.Close()
		}
	}()

	local := Endpoint{Family: FamilyV4, Addr: netip.MustParseAddr("127.0.0.1"), Port: 0}
	hp := NewHolePuncher(local, FamilyV4, nil)
	defer hp.Clear()

	target := endpointFromAddr(t, peer.Addr())
	hp.HolePunch(target, 2*time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		successes := hp.TakeSuccesses()
		if len(successes) == 1 {
			successes[0].Close()
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("hole punch never succeeded")
}

func TestHolePunchFailsAgainstClosedPort(t *testing.T) {
	defer goleak.VerifyNone(t)

	// Bind then immediately close: reconnecting to the now-unbound port is
	// refused at the kernel, giving a deterministic failure.
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	target := endpointFromAddr(t, ln.Addr())
	ln.Close()

	local := Endpoint{Family: FamilyV4, Addr: netip.MustParseAddr("127.0.0.1"), Port: 0}
	hp := NewHolePuncher(local, FamilyV4, nil)
	defer hp.Clear()

	hp.HolePunch(target, 2*time.Second)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		fails := hp.TakeFails()
		if len(fails) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("hole punch never reported as failed")
}

func TestHolePunchDuplicateAttemptIsIgnored(t *testing.T) {
	defer goleak.VerifyNone(t)

	local := Endpoint{Family: FamilyV4, Addr: netip.MustParseAddr("127.0.0.1"), Port: 0}
	hp := NewHolePuncher(local, FamilyV4, nil)
	defer hp.Clear()

	target := Endpoint{Family: FamilyV4, Addr: netip.MustParseAddr("192.0.2.1"), Port: 9}
	hp.HolePunch(target, 5*time.Second)
	hp.HolePunch(target, 5*time.Second) // should be a no-op; only one attempt in flight

	hp.mu.Lock()
	n := len(hp.inFlight)
	hp.mu.Unlock()
	if n != 1 {
		t.Errorf("in-flight attempts = %d, want 1 (duplicate should be ignored)", n)
	}
}

func TestHolePunchRemoveCancelsInFlight(t *testing.T) {
	defer goleak.VerifyNone(t)

	local := Endpoint{Family: FamilyV4, Addr: netip.MustParseAddr("127.0.0.1"), Port: 0}
	hp := NewHolePuncher(local, FamilyV4, nil)
	defer hp.Clear()

	target := Endpoint{Family: FamilyV4, Addr: netip.MustParseAddr("192.0.2.1"), Port: 9}
	hp.HolePunch(target, 30*time.Second)
	hp.RemoveHolePuncher(target)

	hp.mu.Lock()
	_, inFlight := hp.inFlight[target]
	hp.mu.Unlock()
	if inFlight {
		t.Error("RemoveHolePuncher did not cancel the in-flight attempt")
	}
}
