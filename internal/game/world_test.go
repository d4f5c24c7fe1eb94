package game

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/rubycave-project/rubycave/internal/config"
	"github.com/rubycave-project/rubycave/internal/events"
	"github.com/rubycave-project/rubycave/internal/network"
	"github.com/rubycave-project/rubycave/internal/protocol"
)

func newTestWorld(t *testing.T, viewDistance int) (*World, *events.EventBus) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.ViewDistance = viewDistance
	cfg.Server.Spawn = config.SpawnPoint{X: 8, Y: 66, Z: -8, Yaw: 90}

	bus := events.NewEventBus()
	t.Cleanup(bus.Stop)
	return NewWorld(cfg, bus), bus
}

// joinPipe connects a player over net.Pipe and returns the player's stream
// once OnJoin has been started.
func joinPipe(t *testing.T, w *World, username string) (*network.Connection, *protocol.Stream, chan error) {
	t.Helper()
	clientEnd, serverEnd := net.Pipe()
	t.Cleanup(func() {
		clientEnd.Close()
		serverEnd.Close()
	})
	clientEnd.SetDeadline(time.Now().Add(5 * time.Second))

	conn := network.NewConnection(serverEnd, nil)
	conn.SetUsername(username)

	joined := make(chan error, 1)
	go func() { joined <- w.OnJoin(context.Background(), conn) }()
	return conn, protocol.NewStream(clientEnd, protocol.ToClient), joined
}

func mustRead(t *testing.T, s *protocol.Stream) protocol.Packet {
	t.Helper()
	p, err := s.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket() error = %v", err)
	}
	return p
}

// drainJoin reads the spawn teleport and all chunks sent by OnJoin.
func drainJoin(t *testing.T, s *protocol.Stream, joined chan error, chunks int) {
	t.Helper()
	for i := 0; i < chunks+1; i++ {
		mustRead(t, s)
	}
	if err := <-joined; err != nil {
		t.Fatalf("OnJoin() error = %v", err)
	}
}

func TestOnJoinSendsSpawnArea(t *testing.T) {
	w, _ := newTestWorld(t, 1)
	_, s, joined := joinPipe(t, w, "Alex")

	want := protocol.Packet(protocol.Teleport{X: 8, Y: 66, Z: -8, Yaw: 90})
	if diff := cmp.Diff(want, mustRead(t, s)); diff != "" {
		t.Fatalf("spawn mismatch (-want +got):\n%s", diff)
	}

	var coords [][2]int32
	for i := 0; i < 9; i++ {
		chunk, ok := mustRead(t, s).(protocol.Chunk)
		if !ok {
			t.Fatalf("packet %d is not a chunk", i)
		}
		if chunk.Block(3, 63, 3) != protocol.BlockGrass || chunk.Block(3, 64, 3) != protocol.BlockAir {
			t.Errorf("chunk %d,%d is not flat at ground height 64", chunk.X, chunk.Z)
		}
		coords = append(coords, [2]int32{chunk.X, chunk.Z})
	}
	if err := <-joined; err != nil {
		t.Fatalf("OnJoin() error = %v", err)
	}

	// Spawn z=-8 lies in chunk -1.
	wantCoords := [][2]int32{
		{-1, -2}, {-1, -1}, {-1, 0},
		{0, -2}, {0, -1}, {0, 0},
		{1, -2}, {1, -1}, {1, 0},
	}
	if diff := cmp.Diff(wantCoords, coords); diff != "" {
		t.Errorf("chunk coords mismatch (-want +got):\n%s", diff)
	}

	info, ok := w.Player("Alex")
	if !ok {
		t.Fatal("player not tracked")
	}
	if diff := cmp.Diff(Position{X: 8, Y: 66, Z: -8, Yaw: 90}, info.Position); diff != "" {
		t.Errorf("position mismatch (-want +got):\n%s", diff)
	}
}

func TestTeleportAndKick(t *testing.T) {
	w, bus := newTestWorld(t, 0)
	kicked := make(chan events.PlayerKickedPayload, 1)
	bus.Subscribe("test", func(ctx context.Context, e events.Event) error {
		kicked <- e.Payload.(events.PlayerKickedPayload)
		return nil
	}, events.EventPlayerKicked)

	conn, s, joined := joinPipe(t, w, "Alex")
	drainJoin(t, s, joined, 1)

	ctx := context.Background()
	target := Position{X: 100, Y: 70, Z: 5, Pitch: -10}
	done := make(chan error, 1)
	go func() { done <- w.Teleport(ctx, "Alex", target) }()

	if diff := cmp.Diff(protocol.Packet(target.Teleport()), mustRead(t, s)); diff != "" {
		t.Errorf("teleport mismatch (-want +got):\n%s", diff)
	}
	if err := <-done; err != nil {
		t.Fatalf("Teleport() error = %v", err)
	}
	if info, _ := w.Player("Alex"); info.Position != target {
		t.Errorf("position = %+v, want %+v", info.Position, target)
	}

	go func() { done <- w.Kick(ctx, "Alex", "be nice") }()

	want := protocol.Packet(protocol.Kick{Reason: protocol.KickByOperator("be nice")})
	if diff := cmp.Diff(want, mustRead(t, s)); diff != "" {
		t.Errorf("kick mismatch (-want +got):\n%s", diff)
	}
	if err := <-done; err != nil {
		t.Fatalf("Kick() error = %v", err)
	}
	if !conn.IsClosed() {
		t.Error("connection still open after kick")
	}
	if reason, _ := conn.LeaveReason(); reason != events.LeaveKicked {
		t.Errorf("leave reason = %s, want kicked", reason)
	}

	select {
	case payload := <-kicked:
		if payload.Username != "Alex" || payload.Reason != "operator: be nice" {
			t.Errorf("kicked payload = %+v", payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no player_kicked event")
	}
}

func TestOperatorActionsOnUnknownPlayer(t *testing.T) {
	w, _ := newTestWorld(t, 0)
	ctx := context.Background()

	if err := w.Kick(ctx, "Ghost", "bye"); !errors.Is(err, ErrPlayerNotFound) {
		t.Errorf("Kick() error = %v, want ErrPlayerNotFound", err)
	}
	if err := w.Teleport(ctx, "Ghost", Position{}); !errors.Is(err, ErrPlayerNotFound) {
		t.Errorf("Teleport() error = %v, want ErrPlayerNotFound", err)
	}
}

func TestKeepAliveRecordsLatency(t *testing.T) {
	w, bus := newTestWorld(t, 0)
	got := make(chan events.KeepAlivePayload, 1)
	bus.Subscribe("test", func(ctx context.Context, e events.Event) error {
		got <- e.Payload.(events.KeepAlivePayload)
		return nil
	}, events.EventKeepAlive)

	conn, s, joined := joinPipe(t, w, "Alex")
	drainJoin(t, s, joined, 1)

	sent := time.Now().Add(-50 * time.Millisecond)
	if err := w.HandlePacket(context.Background(), conn, protocol.KeepAlive{EpochMillis: uint64(sent.UnixMilli())}); err != nil {
		t.Fatalf("HandlePacket() error = %v", err)
	}

	if conn.Latency() < 40*time.Millisecond {
		t.Errorf("Latency() = %v, want about 50ms", conn.Latency())
	}
	select {
	case payload := <-got:
		if payload.Username != "Alex" {
			t.Errorf("keep-alive payload = %+v", payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no keep_alive event")
	}
}

func TestOnLeaveKeepsReplacement(t *testing.T) {
	w, _ := newTestWorld(t, 0)

	older, s1, joined1 := joinPipe(t, w, "Alex")
	drainJoin(t, s1, joined1, 1)
	newer, s2, joined2 := joinPipe(t, w, "Alex")
	drainJoin(t, s2, joined2, 1)

	w.OnLeave(context.Background(), older)
	info, ok := w.Player("Alex")
	if !ok || info.SessionID != newer.ID() {
		t.Fatalf("Player() = %+v, %v; want newer session", info, ok)
	}

	w.OnLeave(context.Background(), newer)
	if n := w.PlayerCount(); n != 0 {
		t.Errorf("PlayerCount() = %d, want 0", n)
	}
}

func TestPositionChunkCoords(t *testing.T) {
	tests := []struct {
		pos  Position
		x, z int32
	}{
		{Position{X: 0, Z: 0}, 0, 0},
		{Position{X: 15.9, Z: 16}, 0, 1},
		{Position{X: -0.1, Z: -16}, -1, -1},
		{Position{X: -16.5, Z: 31}, -2, 1},
	}
	for _, tt := range tests {
		x, z := tt.pos.ChunkCoords()
		if x != tt.x || z != tt.z {
			t.Errorf("%+v.ChunkCoords() = %d,%d; want %d,%d", tt.pos, x, z, tt.x, tt.z)
		}
	}
}
