// Package network implements the game server side of the RubyCave protocol:
// the TCP listener, per-connection handshake and packet loop, the registry of
// joined players, and the LAN discovery responder.
package network

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rubycave-project/rubycave/internal/events"
	"github.com/rubycave-project/rubycave/internal/metrics"
	"github.com/rubycave-project/rubycave/internal/protocol"
)

// WriteTimeout bounds a single packet write to a player.
const WriteTimeout = 10 * time.Second

// Connection wraps one accepted client socket.
//
// Reads happen only on the connection's handler goroutine. Writes may come
// from any goroutine and are serialized by the connection's mutex.
type Connection struct {
	mu      sync.Mutex
	conn    net.Conn
	stream  *protocol.Stream
	id      string
	logger  zerolog.Logger
	metrics *metrics.Metrics

	username string

	// Timestamps
	connectedAt   time.Time
	lastActivity  time.Time
	lastKeepAlive time.Time
	latency       time.Duration

	// State
	closed      bool
	leaveReason events.LeaveReason
	leaveDetail string
}

// NewConnection wraps an existing net.Conn.
func NewConnection(conn net.Conn, m *metrics.Metrics) *Connection {
	now := time.Now()
	id := uuid.NewString()
	return &Connection{
		conn:          conn,
		stream:        protocol.NewStream(conn, 0),
		id:            id,
		metrics:       m,
		connectedAt:   now,
		lastActivity:  now,
		lastKeepAlive: now,
		logger: log.With().
			Str("component", "connection").
			Str("session", id).
			Str("remote", conn.RemoteAddr().String()).
			Logger(),
	}
}

// ID returns the session id assigned at accept time.
func (c *Connection) ID() string {
	return c.id
}

// SetUsername records the username accepted by the handshake.
func (c *Connection) SetUsername(username string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.username = username
	c.logger = c.logger.With().Str("username", username).Logger()
}

// Username returns the accepted username, or "" before the handshake.
func (c *Connection) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// Logger returns the connection's logger.
func (c *Connection) Logger() zerolog.Logger {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logger
}

// ReadPacket reads a single packet from the connection.
// Blocks until a packet is available or timeout occurs.
func (c *Connection) ReadPacket(timeout time.Duration) (protocol.Packet, error) {
	if timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
	}

	p, err := c.stream.ReadPacket()
	if err != nil {
		return nil, err
	}
	c.metrics.PacketIn(p)

	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()

	return p, nil
}

// WritePacket sends a packet through the connection.
func (c *Connection) WritePacket(p protocol.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeLocked(p)
}

func (c *Connection) writeLocked(p protocol.Packet) error {
	if c.closed {
		return fmt.Errorf("connection is closed")
	}

	c.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	if err := c.stream.WritePacket(p); err != nil {
		return err
	}
	c.metrics.PacketOut(p)
	return nil
}

// Kick sends a Kick with reason and closes the connection. leave is recorded
// as the reason the session ended unless one was recorded already.
func (c *Connection) Kick(reason protocol.KickReason, leave events.LeaveReason) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.markLeaveLocked(leave, reason.String())

	err := c.writeLocked(protocol.Kick{Reason: reason})
	if err == nil {
		c.metrics.Kick(reason)
	}
	c.logger.Info().Str("reason", reason.String()).Msg("player kicked")
	c.closeLocked()

	if err != nil {
		return fmt.Errorf("failed to send kick: %w", err)
	}
	return nil
}

// MarkLeave records why the session ended. The first recorded reason wins.
func (c *Connection) MarkLeave(reason events.LeaveReason, detail string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLeaveLocked(reason, detail)
}

func (c *Connection) markLeaveLocked(reason events.LeaveReason, detail string) {
	if c.leaveReason != events.LeaveUnknown {
		return
	}
	c.leaveReason = reason
	c.leaveDetail = detail
}

// LeaveReason returns the recorded leave reason and detail.
func (c *Connection) LeaveReason() (events.LeaveReason, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leaveReason, c.leaveDetail
}

// RecordKeepAlive stores a keep-alive received now and returns the apparent
// one-way latency derived from the client's clock.
func (c *Connection) RecordKeepAlive(epochMillis uint64) time.Duration {
	now := time.Now()
	latency := now.Sub(time.UnixMilli(int64(epochMillis)))

	c.mu.Lock()
	c.lastKeepAlive = now
	c.latency = latency
	c.mu.Unlock()

	c.metrics.KeepAliveLatency(latency)
	return latency
}

// LastKeepAlive returns when the last keep-alive arrived, or the connect time.
func (c *Connection) LastKeepAlive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastKeepAlive
}

// Latency returns the latency computed from the most recent keep-alive.
func (c *Connection) Latency() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latency
}

// Close closes the connection.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Connection) closeLocked() error {
	if c.closed {
		return nil
	}

	c.closed = true
	c.logger.Debug().Msg("connection closed")
	return c.conn.Close()
}

// IsClosed returns whether the connection has been closed.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// LastActivity returns the time of the last packet read.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// ConnectedAt returns the time the connection was established.
func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

// RemoteAddr returns the remote address of the connection.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// ConnectionRegistry tracks joined players by username.
type ConnectionRegistry struct {
	mu    sync.RWMutex
	conns map[string]*Connection // username -> connection
}

// NewConnectionRegistry creates a new ConnectionRegistry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		conns: make(map[string]*Connection),
	}
}

// Register adds a connection under username. A player already joined under
// the same name is kicked and replaced.
func (r *ConnectionRegistry) Register(username string, conn *Connection) {
	r.mu.Lock()
	existing, ok := r.conns[username]
	r.conns[username] = conn
	r.mu.Unlock()

	if ok && existing != conn {
		existing.Kick(protocol.KickByOperator("logged in from another location"), events.LeaveReplaced)
	}
	log.Debug().Str("username", username).Msg("connection registered")
}

// Unregister removes conn if it is still the one registered under username.
func (r *ConnectionRegistry) Unregister(username string, conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.conns[username]; ok && current == conn {
		delete(r.conns, username)
		log.Debug().Str("username", username).Msg("connection unregistered")
	}
}

// Get returns the connection for a specific username.
func (r *ConnectionRegistry) Get(username string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[username]
	return conn, ok
}

// GetAll returns all joined connections.
func (r *ConnectionRegistry) GetAll() map[string]*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*Connection, len(r.conns))
	for k, v := range r.conns {
		result[k] = v
	}
	return result
}

// Count returns the number of joined connections.
func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// KickAll kicks every joined player with the same reason.
func (r *ConnectionRegistry) KickAll(reason protocol.KickReason, leave events.LeaveReason) {
	for _, conn := range r.GetAll() {
		conn.Kick(reason, leave)
	}
	log.Info().Str("reason", reason.String()).Msg("all players kicked")
}

// CloseAll closes every joined connection without sending a Kick.
func (r *ConnectionRegistry) CloseAll(leave events.LeaveReason) {
	for _, conn := range r.GetAll() {
		conn.MarkLeave(leave, "")
		conn.Close()
	}
}

// CleanStale kicks players whose last keep-alive is older than timeout.
func (r *ConnectionRegistry) CleanStale(timeout time.Duration) int {
	cutoff := time.Now().Add(-timeout)

	cleaned := 0
	for username, conn := range r.GetAll() {
		last := conn.LastKeepAlive()
		if !last.Before(cutoff) {
			continue
		}
		conn.Kick(protocol.KickByOperator("timed out"), events.LeaveTimedOut)
		cleaned++
		log.Warn().
			Str("username", username).
			Time("last_keep_alive", last).
			Msg("cleaned stale connection")
	}
	return cleaned
}

// SendToAll sends a packet to all joined players.
func (r *ConnectionRegistry) SendToAll(ctx context.Context, p protocol.Packet) {
	for username, conn := range r.GetAll() {
		if ctx.Err() != nil {
			return
		}
		if err := conn.WritePacket(p); err != nil {
			log.Warn().Err(err).Str("username", username).Msg("failed to send to player")
		}
	}
}
