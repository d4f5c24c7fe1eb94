// Package game holds the gameplay side of RubyCave: the server world that
// reacts to joined players, and the headless client session loop.
package game

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rubycave-project/rubycave/internal/config"
	"github.com/rubycave-project/rubycave/internal/events"
	"github.com/rubycave-project/rubycave/internal/network"
	"github.com/rubycave-project/rubycave/internal/protocol"
)

// ErrPlayerNotFound is returned by operator actions on an unknown username.
var ErrPlayerNotFound = errors.New("player not found")

// Position is a location and look direction in the world.
type Position struct {
	X     float32 `json:"x"`
	Y     float32 `json:"y"`
	Z     float32 `json:"z"`
	Yaw   float32 `json:"yaw"`
	Pitch float32 `json:"pitch"`
}

// PositionOf converts a Teleport into a Position.
func PositionOf(t protocol.Teleport) Position {
	return Position{X: t.X, Y: t.Y, Z: t.Z, Yaw: t.Yaw, Pitch: t.Pitch}
}

// Teleport returns the packet that moves a player to p.
func (p Position) Teleport() protocol.Teleport {
	return protocol.Teleport{X: p.X, Y: p.Y, Z: p.Z, Yaw: p.Yaw, Pitch: p.Pitch}
}

// ChunkCoords returns the coordinates of the chunk containing p.
func (p Position) ChunkCoords() (int32, int32) {
	return int32(math.Floor(float64(p.X) / protocol.ChunkWidth)),
		int32(math.Floor(float64(p.Z) / protocol.ChunkLength))
}

// PlayerInfo is a snapshot of one joined player.
type PlayerInfo struct {
	Username      string        `json:"username"`
	SessionID     string        `json:"session_id"`
	Remote        string        `json:"remote"`
	JoinedAt      time.Time     `json:"joined_at"`
	LastKeepAlive time.Time     `json:"last_keep_alive"`
	Latency       time.Duration `json:"latency_ns"`
	Position      Position      `json:"position"`
}

type player struct {
	conn     *network.Connection
	position Position
}

// World tracks joined players and implements network.PacketHandler.
type World struct {
	mu      sync.RWMutex
	players map[string]*player // username -> player

	cfg      *config.Config
	eventBus *events.EventBus

	// Flat terrain shared by every chunk sent. Never modified after NewWorld.
	flatBlocks []byte
}

// NewWorld creates a world with flat terrain at the configured ground height.
func NewWorld(cfg *config.Config, eventBus *events.EventBus) *World {
	return &World{
		players:    make(map[string]*player),
		cfg:        cfg,
		eventBus:   eventBus,
		flatBlocks: FlatChunk(0, 0, cfg.GetServer().GroundHeight).Blocks,
	}
}

// FlatChunk returns a chunk filled with grass below groundHeight.
func FlatChunk(x, z int32, groundHeight int) protocol.Chunk {
	c := protocol.NewChunk(x, z)
	for bx := 0; bx < protocol.ChunkWidth; bx++ {
		for bz := 0; bz < protocol.ChunkLength; bz++ {
			for y := 0; y < groundHeight; y++ {
				c.SetBlock(bx, y, bz, protocol.BlockGrass)
			}
		}
	}
	return c
}

// OnJoin teleports the player to spawn and sends the chunks around it.
func (w *World) OnJoin(ctx context.Context, conn *network.Connection) error {
	server := w.cfg.GetServer()
	spawn := Position(server.Spawn)

	w.mu.Lock()
	w.players[conn.Username()] = &player{conn: conn, position: spawn}
	w.mu.Unlock()

	if err := conn.WritePacket(spawn.Teleport()); err != nil {
		return fmt.Errorf("failed to send spawn: %w", err)
	}

	cx, cz := spawn.ChunkCoords()
	view := int32(server.ViewDistance)
	for x := cx - view; x <= cx+view; x++ {
		for z := cz - view; z <= cz+view; z++ {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			chunk := protocol.Chunk{X: x, Z: z, Blocks: w.flatBlocks}
			if err := conn.WritePacket(chunk); err != nil {
				return fmt.Errorf("failed to send chunk %d,%d: %w", x, z, err)
			}
		}
	}

	logger := conn.Logger()
	logger.Debug().
		Int("chunks", int((2*view+1)*(2*view+1))).
		Msg("sent spawn area")
	return nil
}

// HandlePacket processes one gameplay packet from a joined player.
func (w *World) HandlePacket(ctx context.Context, conn *network.Connection, p protocol.Packet) error {
	switch pkt := p.(type) {
	case protocol.KeepAlive:
		latency := conn.RecordKeepAlive(pkt.EpochMillis)
		logger := conn.Logger()
		logger.Trace().Dur("latency", latency).Msg("keep-alive")

		w.eventBus.Emit(ctx, events.Event{
			Type:   events.EventKeepAlive,
			Source: "world",
			Payload: events.KeepAlivePayload{
				Username: conn.Username(),
				Latency:  latency,
			},
		})
		return nil
	default:
		return fmt.Errorf("unexpected %s packet", p.Kind())
	}
}

// OnLeave forgets the player unless a newer connection took the username.
func (w *World) OnLeave(ctx context.Context, conn *network.Connection) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if pl, ok := w.players[conn.Username()]; ok && pl.conn == conn {
		delete(w.players, conn.Username())
	}
}

// Kick removes a player with an operator message.
func (w *World) Kick(ctx context.Context, username, message string) error {
	w.mu.RLock()
	pl, ok := w.players[username]
	w.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrPlayerNotFound, username)
	}

	reason := protocol.KickByOperator(message)
	if err := pl.conn.Kick(reason, events.LeaveKicked); err != nil {
		log.Warn().Err(err).Str("username", username).Msg("kick was not delivered")
	}

	w.eventBus.Emit(ctx, events.Event{
		Type:   events.EventPlayerKicked,
		Source: "world",
		Payload: events.PlayerKickedPayload{
			SessionID: pl.conn.ID(),
			Username:  username,
			Reason:    reason.String(),
		},
	})
	return nil
}

// Teleport moves a player.
func (w *World) Teleport(ctx context.Context, username string, pos Position) error {
	w.mu.Lock()
	pl, ok := w.players[username]
	if ok {
		pl.position = pos
	}
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrPlayerNotFound, username)
	}

	if err := pl.conn.WritePacket(pos.Teleport()); err != nil {
		return fmt.Errorf("failed to teleport %s: %w", username, err)
	}

	w.eventBus.Emit(ctx, events.Event{
		Type:   events.EventTeleport,
		Source: "world",
		Payload: events.TeleportPayload{
			Username: username,
			X:        pos.X,
			Y:        pos.Y,
			Z:        pos.Z,
			Yaw:      pos.Yaw,
			Pitch:    pos.Pitch,
		},
	})
	return nil
}

// Player returns a snapshot of one player.
func (w *World) Player(username string) (PlayerInfo, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	pl, ok := w.players[username]
	if !ok {
		return PlayerInfo{}, false
	}
	return pl.info(username), true
}

// Players returns snapshots of every joined player sorted by username.
func (w *World) Players() []PlayerInfo {
	w.mu.RLock()
	defer w.mu.RUnlock()

	result := make([]PlayerInfo, 0, len(w.players))
	for name, pl := range w.players {
		result = append(result, pl.info(name))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Username < result[j].Username
	})
	return result
}

// PlayerCount returns the number of joined players.
func (w *World) PlayerCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.players)
}

func (pl *player) info(username string) PlayerInfo {
	return PlayerInfo{
		Username:      username,
		SessionID:     pl.conn.ID(),
		Remote:        pl.conn.RemoteAddr().String(),
		JoinedAt:      pl.conn.ConnectedAt(),
		LastKeepAlive: pl.conn.LastKeepAlive(),
		Latency:       pl.conn.Latency(),
		Position:      pl.position,
	}
}
