package network

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/shamaton/msgpack/v2"

	"github.com/rubycave-project/rubycave/internal/config"
	"github.com/rubycave-project/rubycave/internal/protocol"
)

func TestDiscoverFindsResponder(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.BindAddress = "127.0.0.1"
	cfg.Server.Name = "Test Cave"
	cfg.Discovery.Port = 0

	d := NewDiscoveryResponder(cfg, NewConnectionRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Listen(ctx); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx) }()

	found, err := Discover(ctx, d.Addr().String(), 500*time.Millisecond)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}

	want := []ServerStatus{{
		Name:    "Test Cave",
		Version: protocol.Version,
		Players: 0,
		Port:    config.DefaultGamePort,
	}}
	if diff := cmp.Diff(want, found, cmpopts.IgnoreFields(ServerStatus{}, "Address")); diff != "" {
		t.Errorf("Discover() mismatch (-want +got):\n%s", diff)
	}
	if len(found) == 1 && found[0].GameAddr() != net.JoinHostPort("127.0.0.1", "1616") {
		t.Errorf("GameAddr() = %q", found[0].GameAddr())
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Serve() error = %v", err)
	}
}

func TestDiscoverIgnoresOtherTraffic(t *testing.T) {
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()

	status, err := msgpack.Marshal(ServerStatus{Name: "Truncated", Version: protocol.Version, Port: 1616})
	if err != nil {
		t.Fatal(err)
	}

	// Answer the probe with garbage and with a status cut short.
	go func() {
		buf := make([]byte, 16)
		_, from, err := pc.ReadFrom(buf)
		if err != nil {
			return
		}
		pc.WriteTo([]byte{0xc1}, from)
		pc.WriteTo(status[:len(status)-4], from)
		pc.WriteTo([]byte{0x82, 0xa4, 'N', 'a', 'm', 'e', 0xa8, 'x'}, from)
	}()

	found, err := Discover(context.Background(), pc.LocalAddr().String(), 300*time.Millisecond)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(found) != 0 {
		t.Errorf("Discover() = %+v, want nothing", found)
	}
}
