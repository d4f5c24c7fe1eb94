package game

import (
	"context"
	"errors"
	"net"
	"regexp"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/rubycave-project/rubycave/internal/client"
	"github.com/rubycave-project/rubycave/internal/config"
	"github.com/rubycave-project/rubycave/internal/protocol"
)

type sessionPeer struct {
	conn   net.Conn
	stream *protocol.Stream
	got    chan protocol.Packet
}

// newSessionPair starts a client over net.Pipe. Everything the client writes
// is read by a goroutine and delivered on got.
func newSessionPair(t *testing.T, keepAliveMs int) (*Session, *sessionPeer) {
	t.Helper()

	v, err := protocol.NewValidator(protocol.Version)
	if err != nil {
		t.Fatal(err)
	}

	clientEnd, serverEnd := net.Pipe()
	c := client.New(clientEnd, v)
	t.Cleanup(func() {
		c.Close()
		serverEnd.Close()
	})
	if !c.Start() {
		t.Fatal("Start() = false")
	}

	cfg := config.DefaultConfig().Client
	cfg.TickRate = 200
	cfg.KeepAliveIntervalMs = keepAliveMs

	p := &sessionPeer{
		conn:   serverEnd,
		stream: protocol.NewStream(serverEnd, protocol.ToServer),
		got:    make(chan protocol.Packet, 64),
	}
	go func() {
		for {
			pkt, err := p.stream.ReadPacket()
			if err != nil {
				close(p.got)
				return
			}
			p.got <- pkt
		}
	}()
	return NewSession(c, cfg), p
}

func (p *sessionPeer) write(t *testing.T, pkts ...protocol.Packet) {
	t.Helper()
	for _, pkt := range pkts {
		if err := p.stream.WritePacket(pkt); err != nil {
			t.Fatalf("WritePacket() error = %v", err)
		}
	}
}

func runSession(ctx context.Context, s *Session) chan error {
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return done
}

func waitRun(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return")
		return nil
	}
}

func TestSessionHandlesWorldPackets(t *testing.T) {
	s, p := newSessionPair(t, 0)
	done := runSession(context.Background(), s)

	chunk := FlatChunk(2, -3, 10)
	p.write(t,
		protocol.Teleport{X: 1, Y: 2, Z: 3},
		chunk,
		chunk,
		protocol.Kick{Reason: protocol.KickByOperator("closing")},
	)

	err := waitRun(t, done)
	if !errors.Is(err, ErrKicked) {
		t.Fatalf("Run() error = %v, want ErrKicked", err)
	}

	if diff := cmp.Diff(Position{X: 1, Y: 2, Z: 3}, s.Position()); diff != "" {
		t.Errorf("position mismatch (-want +got):\n%s", diff)
	}
	if n := s.ChunkCount(); n != 1 {
		t.Errorf("ChunkCount() = %d, want 1", n)
	}
	reason, ok := s.KickReason()
	if !ok || reason != protocol.KickByOperator("closing") {
		t.Errorf("KickReason() = %+v, %v", reason, ok)
	}
}

func TestSessionSendsKeepAlives(t *testing.T) {
	s, p := newSessionPair(t, 10)
	ctx, cancel := context.WithCancel(context.Background())
	done := runSession(ctx, s)

	var last uint64
	for i := 0; i < 3; i++ {
		select {
		case pkt := <-p.got:
			ka, ok := pkt.(protocol.KeepAlive)
			if !ok {
				t.Fatalf("got %s, want keep_alive", pkt.Kind())
			}
			if ka.EpochMillis < last {
				t.Errorf("keep-alive timestamps went backwards: %d after %d", ka.EpochMillis, last)
			}
			last = ka.EpochMillis
		case <-time.After(3 * time.Second):
			t.Fatalf("keep-alive %d not sent", i)
		}
	}

	cancel()
	if err := waitRun(t, done); err != nil {
		t.Errorf("Run() error = %v", err)
	}
}

func TestSessionQuitSendsDisconnect(t *testing.T) {
	s, p := newSessionPair(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := runSession(ctx, s)

	cancel()
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	select {
	case pkt := <-p.got:
		want := protocol.Packet(protocol.Disconnect{Reason: protocol.DisconnectByPlayer()})
		if diff := cmp.Diff(want, pkt); diff != "" {
			t.Errorf("quit packet mismatch (-want +got):\n%s", diff)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("disconnect not sent")
	}
}

func TestSessionEndsWhenServerCloses(t *testing.T) {
	s, p := newSessionPair(t, 0)
	done := runSession(context.Background(), s)

	p.conn.Close()

	err := waitRun(t, done)
	if err == nil || errors.Is(err, ErrKicked) {
		t.Fatalf("Run() error = %v, want connection error", err)
	}
}

func TestRandomUsername(t *testing.T) {
	pattern := regexp.MustCompile(`^Player\d{4}$`)
	for i := 0; i < 50; i++ {
		name := RandomUsername()
		if !pattern.MatchString(name) || !protocol.ValidUsername(name) {
			t.Fatalf("RandomUsername() = %q", name)
		}
	}
}
