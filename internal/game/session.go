package game

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rubycave-project/rubycave/internal/client"
	"github.com/rubycave-project/rubycave/internal/config"
	"github.com/rubycave-project/rubycave/internal/protocol"
)

// ErrKicked is returned by Session.Run when the server kicks the player.
var ErrKicked = errors.New("kicked by server")

// RandomUsername returns a name like "Player0421".
func RandomUsername() string {
	return fmt.Sprintf("Player%04d", rand.Intn(10000))
}

// Session is the headless client loop for one joined connection. Every tick
// it handles at most one received packet and sends a keep-alive when due.
type Session struct {
	client *client.Client
	cfg    config.ClientConfig
	logger zerolog.Logger

	mu       sync.RWMutex
	position Position
	chunks   map[[2]int32]struct{}
	kick     *protocol.KickReason
}

// NewSession wraps a client whose handshake has been accepted.
func NewSession(c *client.Client, cfg config.ClientConfig) *Session {
	return &Session{
		client: c,
		cfg:    cfg,
		chunks: make(map[[2]int32]struct{}),
		logger: log.With().
			Str("component", "session").
			Str("server", c.RemoteAddr().String()).
			Logger(),
	}
}

// Run ticks until ctx is done, the server kicks the player, or the
// connection fails. The client must be started.
func (s *Session) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval())
	defer ticker.Stop()

	interval := s.cfg.KeepAliveInterval()
	var lastKeepAlive time.Time

	for {
		select {
		case <-ctx.Done():
			return s.quit()
		case now := <-ticker.C:
			if interval > 0 && now.Sub(lastKeepAlive) >= interval {
				if !s.client.Send(protocol.KeepAlive{EpochMillis: uint64(now.UnixMilli())}) {
					return s.connectionError()
				}
				lastKeepAlive = now
			}

			p, ok := s.client.Poll()
			if !ok {
				if !s.client.Running() {
					return s.connectionError()
				}
				continue
			}
			if err := s.handle(p); err != nil {
				return err
			}
		}
	}
}

func (s *Session) handle(p protocol.Packet) error {
	switch pkt := p.(type) {
	case protocol.Kick:
		s.mu.Lock()
		s.kick = &pkt.Reason
		s.mu.Unlock()
		s.logger.Warn().Str("reason", pkt.Reason.String()).Msg("kicked by server")
		return fmt.Errorf("%w: %s", ErrKicked, pkt.Reason)
	case protocol.Teleport:
		pos := PositionOf(pkt)
		s.mu.Lock()
		s.position = pos
		s.mu.Unlock()
		s.logger.Info().
			Float32("x", pos.X).
			Float32("y", pos.Y).
			Float32("z", pos.Z).
			Msg("teleported")
	case protocol.Chunk:
		s.mu.Lock()
		s.chunks[[2]int32{pkt.X, pkt.Z}] = struct{}{}
		s.mu.Unlock()
		s.logger.Debug().Int32("x", pkt.X).Int32("z", pkt.Z).Msg("chunk received")
	default:
		s.logger.Warn().Str("kind", p.Kind().String()).Msg("unexpected packet")
	}
	return nil
}

// quit tells the server the player left and waits briefly for it to be written.
func (s *Session) quit() error {
	if !s.client.Send(protocol.Disconnect{Reason: protocol.DisconnectByPlayer()}) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.client.Flush(ctx); err != nil {
		s.logger.Debug().Err(err).Msg("disconnect not flushed")
	}
	return nil
}

func (s *Session) connectionError() error {
	if err := s.client.Err(); err != nil {
		return fmt.Errorf("connection lost: %w", err)
	}
	return fmt.Errorf("connection lost: %w", client.ErrStopped)
}

// Position returns the last position the server teleported the player to.
func (s *Session) Position() Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.position
}

// ChunkCount returns how many distinct chunks have been received.
func (s *Session) ChunkCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}

// KickReason returns the reason of the kick that ended the session, if any.
func (s *Session) KickReason() (protocol.KickReason, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.kick == nil {
		return protocol.KickReason{}, false
	}
	return *s.kick, true
}
