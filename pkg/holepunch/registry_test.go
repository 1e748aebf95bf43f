package holepunch

import (
	"context"
	"net"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func dialedPair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	serverCh := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		serverCh <- c
	}()

	client, err = net.Dial("tcp4", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server = <-serverCh
	return client, server
}

func TestAddConnectionRejectsDuplicateEndpoint(t *testing.T) {
	defer goleak.VerifyNone(t)

	udp, err := NewUDPEndpoint(context.Background(), 0, nil, FamilyV4, nil)
	if err != nil {
		t.Fatalf("NewUDPEndpoint: %v", err)
	}
	defer udp.Close()

	reg := NewConnectionRegistry(nil)

	c1, s1 := dialedPair(t)
	defer s1.Close()
	conn, ok := reg.AddConnection(c1, udp, FamilyV4)
	if !ok {
		t.Fatal("first AddConnection = !ok")
	}

	c2, s2 := dialedPair(t)
	defer s2.Close()
	defer c2.Close()
	// Present c2 as though it reached the same peer as c1.
	dup := &fakeConn{Conn: c2, local: c2.LocalAddr(), remote: c1.RemoteAddr()}
	_, ok = reg.AddConnection(dup, udp, FamilyV4)
	if ok {
		t.Error("AddConnection of a second socket to the same remote endpoint should be rejected")
	}

	conn.SendReliable(nil)
}

func TestConnectionRegistryReceiveAndDisconnect(t *testing.T) {
	defer goleak.VerifyNone(t)

	udp, err := NewUDPEndpoint(context.Background(), 0, nil, FamilyV4, nil)
	if err != nil {
		t.Fatalf("NewUDPEndpoint: %v", err)
	}
	defer udp.Close()

	reg := NewConnectionRegistry(nil)

	client, server := dialedPair(t)
	defer client.Close()

	conn, ok := reg.AddConnection(server, udp, FamilyV4)
	if !ok {
		t.Fatal("AddConnection = !ok")
	}

	payload := []byte("reliable payload")
	if _, err := client.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var got []received
	for time.Now().Before(deadline) {
		got = reg.Receive()
		if len(got) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(got) != 1 || string(got[0].Data) != string(payload) {
		t.Fatalf("got %v, want one payload %q", got, payload)
	}
	if got[0].From != conn.RemoteEndpoint() {
		t.Errorf("received.From = %v, want %v", got[0].From, conn.RemoteEndpoint())
	}

	client.Close()

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(reg.TakeDisconnections()) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("disconnection was never reported")
}

func TestConnectionRegistryDisconnectAll(t *testing.T) {
	defer goleak.VerifyNone(t)

	udp, err := NewUDPEndpoint(context.Background(), 0, nil, FamilyV4, nil)
	if err != nil {
		t.Fatalf("NewUDPEndpoint: %v", err)
	}
	defer udp.Close()

	reg := NewConnectionRegistry(nil)
	client, server := dialedPair(t)
	defer client.Close()

	if _, ok := reg.AddConnection(server, udp, FamilyV4); !ok {
		t.Fatal("AddConnection = !ok")
	}

	reg.DisconnectAll()
	if reg.count() != 0 {
		t.Error("DisconnectAll did not empty the registry")
	}
}
