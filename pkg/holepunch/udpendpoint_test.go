package holepunch

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"go.uber.org/goleak"
	"pgregory.net/rapid"
)

func TestUDPEndpointSendReceiveRoundTrip(t *testing.T) {
	defer goleak.VerifyNone(t)

	a, err := NewUDPEndpoint(context.Background(), 0, nil, FamilyV4, nil)
	if err != nil {
		t.Fatalf("NewUDPEndpoint a: %v", err)
	}
	defer a.Close()

	b, err := NewUDPEndpoint(context.Background(), 0, nil, FamilyV4, nil)
	if err != nil {
		t.Fatalf("NewUDPEndpoint b: %v", err)
	}
	defer b.Close()

	payload := []byte("hello hole punch")
	a.SendTo(payload, b.LocalEndpoint())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		datagrams := b.Receive()
		for _, d := range datagrams {
			if string(d.data) == string(payload) {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("payload never arrived")
}

func TestUDPEndpointKeepAliveTargetsAreSettable(t *testing.T) {
	defer goleak.VerifyNone(t)

	u, err := NewUDPEndpoint(context.Background(), 0, nil, FamilyV4, nil)
	if err != nil {
		t.Fatalf("NewUDPEndpoint: %v", err)
	}
	defer u.Close()

	ep, err := Resolve(context.Background(), "127.0.0.1", 9, FamilyV4)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	u.AddKeepAliveTarget(ep)
	u.keepAliveMu.Lock()
	_, present := u.keepAliveTargets[ep]
	u.keepAliveMu.Unlock()
	if !present {
		t.Error("AddKeepAliveTarget did not add to the target set")
	}

	u.RemoveKeepAliveTarget(ep)
	u.keepAliveMu.Lock()
	_, present = u.keepAliveTargets[ep]
	u.keepAliveMu.Unlock()
	if present {
		t.Error("RemoveKeepAliveTarget did not remove from the target set")
	}
}

// TestUDPEndpointKeepAliveTargetsMatchNetAdds checks spec.md's testable
// property 5: for any sequence of add/remove keep-alive target calls, the
// live target set equals the one a reference Go map would hold after
// replaying the same sequence (the seeded dummy endpoint from NewUDPEndpoint
// counts as one net add already present before the sequence starts).
func TestUDPEndpointKeepAliveTargetsMatchNetAdds(t *testing.T) {
	defer goleak.VerifyNone(t)

	u, err := NewUDPEndpoint(context.Background(), 0, nil, FamilyV4, nil)
	if err != nil {
		t.Fatalf("NewUDPEndpoint: %v", err)
	}
	defer u.Close()

	candidates := make([]Endpoint, 4)
	for i := range candidates {
		candidates[i] = Endpoint{
			Family: FamilyV4,
			Addr:   netip.AddrFrom4([4]byte{127, 0, 0, 1}),
			Port:   uint16(20000 + i),
		}
	}

	dummy, err := Resolve(context.Background(), DummyEndpoint.Host, DummyEndpoint.Port, FamilyV4)
	if err != nil {
		t.Fatalf("Resolve dummy: %v", err)
	}

	rapid.Check(t, func(t *rapid.T) {
		// Reset both the live endpoint and the reference map to the
		// post-construction state (just the seeded dummy) before each
		// replay, so iterations don't accumulate state on top of one
		// another.
		u.keepAliveMu.Lock()
		u.keepAliveTargets = map[Endpoint]struct{}{dummy: {}}
		u.keepAliveMu.Unlock()
		reference := map[Endpoint]struct{}{dummy: {}}

		ops := rapid.SliceOfN(rapid.IntRange(0, 2*len(candidates)-1), 1, 50).Draw(t, "ops")
		for _, op := range ops {
			idx := op % len(candidates)
			add := op < len(candidates)
			ep := candidates[idx]
			if add {
				u.AddKeepAliveTarget(ep)
				reference[ep] = struct{}{}
			} else {
				u.RemoveKeepAliveTarget(ep)
				delete(reference, ep)
			}
		}

		u.keepAliveMu.Lock()
		got := make(map[Endpoint]struct{}, len(u.keepAliveTargets))
		for ep := range u.keepAliveTargets {
			got[ep] = struct{}{}
		}
		u.keepAliveMu.Unlock()

		if len(got) != len(reference) {
			t.Fatalf("target set size = %d, want %d", len(got), len(reference))
		}
		for ep := range reference {
			if _, ok := got[ep]; !ok {
				t.Fatalf("target set missing %v", ep)
			}
		}
	})
}

func TestUDPEndpointCloseUnblocksReader(t *testing.T) {
	defer goleak.VerifyNone(t)

	u, err := NewUDPEndpoint(context.Background(), 0, nil, FamilyV4, nil)
	if err != nil {
		t.Fatalf("NewUDPEndpoint: %v", err)
	}
	u.Close()
	select {
	case <-u.readerDone:
	default:
		t.Error("readerDone not closed after Close")
	}
}
