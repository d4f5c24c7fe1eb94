package client

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/rubycave-project/rubycave/internal/protocol"
)

const testVersion = "9.9.9"

// peer is the server end of a net.Pipe.
type peer struct {
	conn   net.Conn
	stream *protocol.Stream
}

func newPair(t *testing.T, opts ...Option) (*Client, *peer) {
	t.Helper()

	v, err := protocol.NewValidator(testVersion)
	if err != nil {
		t.Fatal(err)
	}

	clientConn, serverConn := net.Pipe()
	c := New(clientConn, v, opts...)
	p := &peer{conn: serverConn, stream: protocol.NewStream(serverConn, protocol.ToServer)}

	t.Cleanup(func() {
		c.Close()
		serverConn.Close()
	})
	return c, p
}

func (p *peer) write(t *testing.T, pkts ...protocol.Packet) {
	t.Helper()
	for _, pkt := range pkts {
		if err := p.stream.WritePacket(pkt); err != nil {
			t.Fatalf("peer write %T: %v", pkt, err)
		}
	}
}

// writeAsync is for use from a separate goroutine; errors surface on the client side.
func (p *peer) writeAsync(pkts ...protocol.Packet) {
	for _, pkt := range pkts {
		if p.stream.WritePacket(pkt) != nil {
			return
		}
	}
}

func (p *peer) read(t *testing.T) protocol.Packet {
	t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	pkt, err := p.stream.ReadPacket()
	if err != nil {
		t.Fatalf("peer read: %v", err)
	}
	return pkt
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitStopped(t *testing.T, c *Client) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for c.Running() {
		if time.Now().After(deadline) {
			t.Fatal("client run did not end")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestShakeAccepted(t *testing.T) {
	c, p := newPair(t)
	ctx := testContext(t)

	if !c.Start() {
		t.Fatal("Start() = false")
	}

	errc := make(chan error, 1)
	go func() { errc <- c.Shake(ctx, "Player0001") }()

	p.write(t, protocol.ServerHandshake{Version: testVersion})
	got := p.read(t)

	want := protocol.ClientHandshake{Version: testVersion, Username: "Player0001"}
	if diff := cmp.Diff(protocol.Packet(want), got); diff != "" {
		t.Errorf("handshake mismatch (-want +got):\n%s", diff)
	}
	if err := <-errc; err != nil {
		t.Fatalf("Shake() error = %v", err)
	}
	if !c.Running() {
		t.Error("client stopped after accepted handshake")
	}
}

func TestShakeVersionMismatch(t *testing.T) {
	c, p := newPair(t)
	ctx := testContext(t)
	c.Start()

	errc := make(chan error, 1)
	go func() { errc <- c.Shake(ctx, "Player0001") }()

	p.write(t, protocol.ServerHandshake{Version: "0.0.1"})
	got := p.read(t)

	want := protocol.Disconnect{Reason: protocol.DisconnectForPacket(protocol.ClientErrVersion)}
	if diff := cmp.Diff(protocol.Packet(want), got); diff != "" {
		t.Errorf("disconnect mismatch (-want +got):\n%s", diff)
	}

	err := <-errc
	var herr *protocol.HandshakeError
	if !errors.As(err, &herr) || !errors.Is(err, protocol.ClientErrVersion) {
		t.Fatalf("Shake() error = %v, want version HandshakeError", err)
	}
	if c.Running() {
		t.Error("client still running after rejected handshake")
	}
}

func TestShakeExpectsHandshakeFirst(t *testing.T) {
	c, p := newPair(t)
	ctx := testContext(t)
	c.Start()

	errc := make(chan error, 1)
	go func() { errc <- c.Shake(ctx, "Player0001") }()

	p.write(t, protocol.Teleport{Y: 70})
	got := p.read(t)

	want := protocol.Disconnect{Reason: protocol.DisconnectForPacket(protocol.ClientErrHandshake)}
	if diff := cmp.Diff(protocol.Packet(want), got); diff != "" {
		t.Errorf("disconnect mismatch (-want +got):\n%s", diff)
	}
	if err := <-errc; !errors.Is(err, protocol.ClientErrHandshake) {
		t.Fatalf("Shake() error = %v, want %v", err, protocol.ClientErrHandshake)
	}
}

func TestShakeRejectsClientPacketFirst(t *testing.T) {
	c, p := newPair(t)
	ctx := testContext(t)
	c.Start()

	errc := make(chan error, 1)
	go func() { errc <- c.Shake(ctx, "Player0001") }()

	p.write(t, protocol.KeepAlive{EpochMillis: 1700000000000})
	got := p.read(t)

	want := protocol.Disconnect{Reason: protocol.DisconnectForPacket(protocol.ClientErrHandshake)}
	if diff := cmp.Diff(protocol.Packet(want), got); diff != "" {
		t.Errorf("disconnect mismatch (-want +got):\n%s", diff)
	}
	if err := <-errc; !errors.Is(err, protocol.ClientErrHandshake) {
		t.Fatalf("Shake() error = %v, want %v", err, protocol.ClientErrHandshake)
	}
}

func TestClientPacketAfterShakeEndsRun(t *testing.T) {
	c, p := newPair(t)
	ctx := testContext(t)
	c.Start()

	errc := make(chan error, 1)
	go func() { errc <- c.Shake(ctx, "Player0001") }()

	p.write(t, protocol.ServerHandshake{Version: testVersion})
	p.read(t)
	if err := <-errc; err != nil {
		t.Fatalf("Shake() error = %v", err)
	}

	p.write(t, protocol.KeepAlive{EpochMillis: 1})
	waitStopped(t, c)
	if !errors.Is(c.Err(), protocol.ErrCorruptFrame) {
		t.Errorf("Err() = %v, want ErrCorruptFrame", c.Err())
	}
}

func TestSendPreservesOrder(t *testing.T) {
	c, p := newPair(t)
	c.Start()

	var want []protocol.Packet
	for i := uint64(1); i <= 20; i++ {
		pkt := protocol.KeepAlive{EpochMillis: i}
		want = append(want, pkt)
		if !c.Send(pkt) {
			t.Fatalf("Send(%d) = false", i)
		}
	}

	var got []protocol.Packet
	for range want {
		got = append(got, p.read(t))
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}

	if err := c.Flush(testContext(t)); err != nil {
		t.Errorf("Flush() error = %v", err)
	}
}

func TestReceiveDeliversInOrder(t *testing.T) {
	c, p := newPair(t)
	ctx := testContext(t)
	c.Start()

	sent := []protocol.Packet{
		protocol.Teleport{X: 1},
		protocol.Teleport{X: 2},
		protocol.Kick{Reason: protocol.KickByOperator("done")},
	}
	go p.writeAsync(sent...)

	for i, want := range sent {
		got, err := c.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive() #%d error = %v", i, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("packet #%d mismatch (-want +got):\n%s", i, diff)
		}
	}

	if _, ok := c.Poll(); ok {
		t.Error("Poll() returned a packet from an empty queue")
	}
}

func TestSendWakesBlockedRead(t *testing.T) {
	c, p := newPair(t)
	c.Start()

	// Let the run settle into its receive phase first.
	time.Sleep(20 * time.Millisecond)

	c.Send(protocol.KeepAlive{EpochMillis: 42})
	got := p.read(t)
	if diff := cmp.Diff(protocol.Packet(protocol.KeepAlive{EpochMillis: 42}), got); diff != "" {
		t.Errorf("packet mismatch (-want +got):\n%s", diff)
	}

	// The run keeps receiving after the write phase.
	p.write(t, protocol.Teleport{Z: 3})
	pkt, err := c.Receive(testContext(t))
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if _, ok := pkt.(protocol.Teleport); !ok {
		t.Errorf("Receive() = %T, want Teleport", pkt)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	c, p := newPair(t)

	if _, err := c.Receive(testContext(t)); !errors.Is(err, ErrStopped) {
		t.Errorf("Receive() before Start error = %v, want ErrStopped", err)
	}

	if !c.Start() {
		t.Fatal("first Start() = false")
	}
	if c.Start() {
		t.Fatal("Start() on active run = true")
	}

	c.Stop()
	c.Stop()
	if c.Running() {
		t.Fatal("Running() after Stop")
	}
	if !errors.Is(c.Err(), ErrStopped) {
		t.Errorf("Err() = %v, want ErrStopped", c.Err())
	}
	if _, err := c.Receive(testContext(t)); !errors.Is(err, ErrStopped) {
		t.Errorf("Receive() after Stop error = %v, want ErrStopped", err)
	}

	// Packets sent while stopped go out once a new run starts.
	c.Send(protocol.KeepAlive{EpochMillis: 7})
	if !c.Start() {
		t.Fatal("Start() after Stop = false")
	}
	got := p.read(t)
	if diff := cmp.Diff(protocol.Packet(protocol.KeepAlive{EpochMillis: 7}), got); diff != "" {
		t.Errorf("packet mismatch (-want +got):\n%s", diff)
	}
}

func TestInboundOverflowEndsRun(t *testing.T) {
	c, p := newPair(t, WithQueueLimits(8, 2))
	c.Start()

	go p.writeAsync(protocol.Teleport{X: 0}, protocol.Teleport{X: 1}, protocol.Teleport{X: 2})

	waitStopped(t, c)
	if !errors.Is(c.Err(), ErrInboundFull) {
		t.Fatalf("Err() = %v, want ErrInboundFull", c.Err())
	}

	// Packets delivered before the overflow are still readable.
	for i := 0; i < 2; i++ {
		if _, err := c.Receive(testContext(t)); err != nil {
			t.Fatalf("Receive() #%d error = %v", i, err)
		}
	}
	if _, err := c.Receive(testContext(t)); !errors.Is(err, ErrInboundFull) {
		t.Errorf("Receive() on drained queue error = %v, want ErrInboundFull", err)
	}
}

func TestSendRejectsWhenFullOrClosed(t *testing.T) {
	c, _ := newPair(t, WithQueueLimits(2, 2))

	if !c.Send(protocol.KeepAlive{}) || !c.Send(protocol.KeepAlive{}) {
		t.Fatal("Send() under limit = false")
	}
	if c.Send(protocol.KeepAlive{}) {
		t.Error("Send() over limit = true")
	}

	c.Close()
	if c.Send(protocol.KeepAlive{}) {
		t.Error("Send() after Close = true")
	}
	if c.Start() {
		t.Error("Start() after Close = true")
	}
}

func TestPeerCloseEndsRun(t *testing.T) {
	c, p := newPair(t)
	c.Start()
	p.conn.Close()

	waitStopped(t, c)
	if c.Err() == nil || errors.Is(c.Err(), ErrStopped) {
		t.Errorf("Err() = %v, want transport error", c.Err())
	}
}

func TestSignal(t *testing.T) {
	s := NewSignal()
	before := s.Done()

	s.Raise()
	s.Raise()
	if !s.Raised() {
		t.Fatal("Raised() = false after Raise")
	}
	select {
	case <-before:
	default:
		t.Fatal("Done() channel not closed by Raise")
	}

	s.Reset()
	if s.Raised() {
		t.Fatal("Raised() = true after Reset")
	}
	select {
	case <-s.Done():
		t.Fatal("fresh Done() channel already closed")
	default:
	}
}
