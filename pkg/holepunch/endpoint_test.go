package holepunch

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"pgregory.net/rapid"
)

func TestCanonicalizeV4ToV6Widens(t *testing.T) {
	v4 := Endpoint{Family: FamilyV4, Addr: netip.MustParseAddr("192.168.1.5"), Port: 4242}
	canon, ok := Canonicalize(v4, FamilyV6)
	if !ok {
		t.Fatal("Canonicalize(v4, FamilyV6) = !ok")
	}
	want := netip.MustParseAddr("::ffff:192.168.1.5")
	if canon.Addr != want {
		t.Errorf("widened addr = %s, want %s", canon.Addr, want)
	}
	if canon.Port != 4242 {
		t.Errorf("port = %d, want 4242", canon.Port)
	}
}

func TestCanonicalizeV6MappedToV4Narrows(t *testing.T) {
	mapped := Endpoint{Family: FamilyV6, Addr: netip.MustParseAddr("::ffff:10.0.0.1"), Port: 80}
	canon, ok := Canonicalize(mapped, FamilyV4)
	if !ok {
		t.Fatal("Canonicalize(mapped, FamilyV4) = !ok")
	}
	want := netip.MustParseAddr("10.0.0.1")
	if canon.Addr != want {
		t.Errorf("narrowed addr = %s, want %s", canon.Addr, want)
	}
}

func TestCanonicalizeGenuineV6AsV4Fails(t *testing.T) {
	v6 := Endpoint{Family: FamilyV6, Addr: netip.MustParseAddr("2001:db8::1"), Port: 80}
	if _, ok := Canonicalize(v6, FamilyV4); ok {
		t.Error("Canonicalize(genuine v6, FamilyV4) = ok, want !ok (not representable)")
	}
}

func TestCanonicalizeInvalidAddrFails(t *testing.T) {
	if _, ok := Canonicalize(Endpoint{}, FamilyV4); ok {
		t.Error("Canonicalize(zero Endpoint) = ok, want !ok")
	}
}

func TestResolveLiteralIPv4(t *testing.T) {
	ep, err := Resolve(context.Background(), "127.0.0.1", 9000, FamilyV4)
	if err != nil {
		t.Fatalf("Resolve literal IPv4: %v", err)
	}
	if ep.Addr.String() != "127.0.0.1" || ep.Port != 9000 {
		t.Errorf("got %v", ep)
	}
}

func TestResolveLiteralIPv4WidensForV6(t *testing.T) {
	ep, err := Resolve(context.Background(), "127.0.0.1", 9000, FamilyV6)
	if err != nil {
		t.Fatalf("Resolve literal IPv4 for FamilyV6: %v", err)
	}
	if !ep.Addr.Is4In6() {
		t.Errorf("expected IPv4-mapped address, got %s", ep.Addr)
	}
}

func TestResolveUnresolvableHost(t *testing.T) {
	_, err := Resolve(context.Background(), "this-host-does-not-resolve.invalid", 1, FamilyV4)
	if !errors.Is(err, ErrUnresolvable) {
		t.Errorf("Resolve of an unresolvable host = %v, want ErrUnresolvable", err)
	}
}

func TestWithPort(t *testing.T) {
	ep := Endpoint{Family: FamilyV4, Addr: netip.MustParseAddr("1.2.3.4"), Port: 1}
	ep2 := ep.WithPort(2)
	if ep2.Port != 2 {
		t.Errorf("WithPort did not replace port: %d", ep2.Port)
	}
	if ep.Port != 1 {
		t.Error("WithPort mutated the receiver")
	}
}

func TestEndpointStringInvalid(t *testing.T) {
	if (Endpoint{}).String() != "<invalid>" {
		t.Error("zero Endpoint should render as <invalid>")
	}
}

// TestCanonicalizeRoundTripsV4 checks that widening a V4 endpoint to V6 and
// narrowing it back always recovers the original address and port, for any
// valid IPv4 address — the invariant Canonicalize exists to guarantee so
// that Endpoints compare equal across family boundaries.
func TestCanonicalizeRoundTripsV4(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := rapid.Uint8().Draw(t, "a")
		b := rapid.Uint8().Draw(t, "b")
		c := rapid.Uint8().Draw(t, "c")
		d := rapid.Uint8().Draw(t, "d")
		port := rapid.Uint16().Draw(t, "port")

		addr := netip.AddrFrom4([4]byte{a, b, c, d})
		original := Endpoint{Family: FamilyV4, Addr: addr, Port: port}

		widened, ok := Canonicalize(original, FamilyV6)
		if !ok {
			t.Fatalf("widen failed for %v", original)
		}
		narrowed, ok := Canonicalize(widened, FamilyV4)
		if !ok {
			t.Fatalf("narrow failed for %v", widened)
		}
		if narrowed != original {
			t.Fatalf("round trip mismatch: got %v, want %v", narrowed, original)
		}
	})
}
