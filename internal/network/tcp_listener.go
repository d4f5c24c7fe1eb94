package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/rubycave-project/rubycave/internal/config"
	"github.com/rubycave-project/rubycave/internal/events"
	"github.com/rubycave-project/rubycave/internal/metrics"
	"github.com/rubycave-project/rubycave/internal/protocol"
)

// PacketHandler receives the gameplay side of every joined connection.
// Calls for one connection are made from that connection's goroutine.
type PacketHandler interface {
	// OnJoin runs once the handshake is accepted and before any other packet
	// is forwarded. Returning an error kicks the player.
	OnJoin(ctx context.Context, conn *Connection) error
	// HandlePacket receives every packet after the handshake except Disconnect.
	HandlePacket(ctx context.Context, conn *Connection, p protocol.Packet) error
	// OnLeave runs after the connection is closed.
	OnLeave(ctx context.Context, conn *Connection)
}

// TCPListener accepts game client connections, runs the server side of the
// handshake on each, and forwards gameplay packets to a PacketHandler.
type TCPListener struct {
	cfg       *config.Config
	eventBus  *events.EventBus
	registry  *ConnectionRegistry
	validator *protocol.Validator
	handler   PacketHandler
	metrics   *metrics.Metrics
	limiter   *rate.Limiter

	listener net.Listener
	active   atomic.Int32
	wg       sync.WaitGroup
}

// NewTCPListener creates a new TCP listener. The validator is shared by
// every connection.
func NewTCPListener(cfg *config.Config, eventBus *events.EventBus, registry *ConnectionRegistry,
	validator *protocol.Validator, handler PacketHandler, m *metrics.Metrics) *TCPListener {

	server := cfg.GetServer()
	limiter := rate.NewLimiter(rate.Inf, 0)
	if server.AcceptRatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(server.AcceptRatePerSec), server.AcceptBurst)
	}

	return &TCPListener{
		cfg:       cfg,
		eventBus:  eventBus,
		registry:  registry,
		validator: validator,
		handler:   handler,
		metrics:   m,
		limiter:   limiter,
	}
}

// Start listens on the configured address and serves until ctx is done.
func (l *TCPListener) Start(ctx context.Context) error {
	if err := l.Listen(ctx); err != nil {
		return err
	}
	return l.Serve(ctx)
}

// Listen binds the listening socket.
func (l *TCPListener) Listen(ctx context.Context) error {
	addr := l.cfg.GetServer().ListenAddr()

	// Use SO_REUSEADDR to allow immediate rebinding after restart
	lc := ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start TCP listener on %s: %w", addr, err)
	}
	l.listener = ln

	log.Info().Str("addr", ln.Addr().String()).Msg("TCP listener started")
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (l *TCPListener) Addr() net.Addr {
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Serve accepts connections until ctx is done or Accept fails. Every
// connection runs in its own goroutine; Serve waits for them before returning.
func (l *TCPListener) Serve(ctx context.Context) error {
	if l.listener == nil {
		return errors.New("TCP listener is not bound")
	}

	stop := context.AfterFunc(ctx, func() {
		l.listener.Close()
	})
	defer stop()
	defer l.wg.Wait()

	maxConns := int32(l.cfg.GetServer().MaxConnections)

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				log.Info().Msg("TCP listener stopping")
				return nil
			}
			return fmt.Errorf("failed to accept connection: %w", err)
		}

		if !l.limiter.Allow() {
			l.metrics.AcceptRejected("rate_limited")
			log.Warn().Str("remote", conn.RemoteAddr().String()).Msg("accept rate exceeded, dropping connection")
			conn.Close()
			continue
		}
		if maxConns > 0 && l.active.Load() >= maxConns {
			l.metrics.AcceptRejected("server_full")
			log.Warn().Str("remote", conn.RemoteAddr().String()).Msg("server full, dropping connection")
			conn.Close()
			continue
		}

		if tcp, ok := conn.(*net.TCPConn); ok {
			tcp.SetNoDelay(true)
		}

		log.Debug().
			Str("remote", conn.RemoteAddr().String()).
			Msg("new client connection")

		l.active.Add(1)
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer l.active.Add(-1)
			l.handleConnection(ctx, conn)
		}()
	}
}

// handleConnection runs the server handshake on a fresh socket and then the
// packet loop of the joined player. Failures stay local to this connection.
func (l *TCPListener) handleConnection(ctx context.Context, rawConn net.Conn) {
	conn := NewConnection(rawConn, l.metrics)
	l.metrics.ConnectionOpened()
	defer l.metrics.ConnectionClosed()
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		conn.Kick(protocol.KickByOperator("server shutting down"), events.LeaveShutdown)
	})
	defer stop()

	server := l.cfg.GetServer()
	logger := conn.Logger()

	hs := protocol.NewServerHandshaker(l.validator)
	if err := conn.WritePacket(hs.Greeting()); err != nil {
		l.metrics.Handshake(metrics.HandshakeFailed)
		logger.Debug().Err(err).Msg("failed to send server handshake")
		return
	}

	first, err := conn.ReadPacket(server.HandshakeTimeout())
	if err != nil {
		l.metrics.Handshake(metrics.HandshakeFailed)
		l.reportReadError(ctx, conn, err)
		logger.Warn().Err(err).Msg("failed to read client handshake")
		return
	}

	reply, err := hs.Accept(first)
	if err != nil {
		l.metrics.Handshake(metrics.HandshakeRejected)
		if reply != nil {
			if kick, ok := reply.(protocol.Kick); ok {
				l.metrics.Kick(kick.Reason)
			}
			if werr := conn.WritePacket(reply); werr != nil {
				logger.Debug().Err(werr).Msg("failed to send handshake rejection")
			}
		}
		logger.Warn().Err(err).Msg("handshake rejected")
		l.eventBus.Emit(ctx, events.Event{
			Type:   events.EventHandshakeRejected,
			Source: "tcp_listener",
			Payload: events.HandshakeRejectedPayload{
				Remote: rawConn.RemoteAddr().String(),
				Reason: err.Error(),
			},
		})
		return
	}
	l.metrics.Handshake(metrics.HandshakeAccepted)
	conn.stream.Expect(protocol.ToServer)

	username := hs.Username()
	conn.SetUsername(username)
	logger = conn.Logger()
	logger.Info().Msg("player joined")

	l.registry.Register(username, conn)
	l.metrics.PlayerJoined()
	defer l.metrics.PlayerLeft()
	defer l.leave(ctx, conn)

	l.eventBus.Emit(ctx, events.Event{
		Type:   events.EventPlayerJoined,
		Source: "tcp_listener",
		Payload: events.PlayerJoinedPayload{
			SessionID: conn.ID(),
			Username:  username,
			Remote:    rawConn.RemoteAddr().String(),
			JoinedAt:  conn.ConnectedAt(),
		},
	})

	if err := l.handler.OnJoin(ctx, conn); err != nil {
		logger.Error().Err(err).Msg("failed to set up joined player")
		conn.Kick(protocol.KickByOperator("internal server error"), events.LeaveKicked)
		return
	}

	// Twice the keep-alive timeout: the health sweep normally kicks first.
	readTimeout := 2 * server.KeepAliveTimeout()

	for {
		p, err := conn.ReadPacket(readTimeout)
		if err != nil {
			if conn.IsClosed() {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				logger.Warn().Dur("timeout", readTimeout).Msg("connection timed out")
				conn.Kick(protocol.KickByOperator("timed out"), events.LeaveTimedOut)
				return
			}
			l.reportReadError(ctx, conn, err)
			conn.MarkLeave(events.LeaveTransportError, err.Error())
			logger.Info().Err(err).Msg("read error, closing connection")
			return
		}

		switch pkt := p.(type) {
		case protocol.Disconnect:
			conn.MarkLeave(events.LeaveDisconnected, pkt.Reason.String())
			logger.Info().Str("reason", pkt.Reason.String()).Msg("player disconnected")
			return
		case protocol.ClientHandshake:
			conn.Kick(protocol.KickByOperator("unexpected handshake"), events.LeaveKicked)
			return
		}

		if err := l.handler.HandlePacket(ctx, conn, p); err != nil {
			logger.Warn().Err(err).Str("kind", p.Kind().String()).Msg("failed to handle packet")
		}
	}
}

func (l *TCPListener) reportReadError(ctx context.Context, conn *Connection, err error) {
	if !errors.Is(err, protocol.ErrCorruptFrame) {
		return
	}
	l.metrics.CorruptFrame()
	l.eventBus.Emit(ctx, events.Event{
		Type:   events.EventCorruptFrame,
		Source: "tcp_listener",
		Payload: events.CorruptFramePayload{
			Remote: conn.RemoteAddr().String(),
			Error:  err.Error(),
		},
	})
}

func (l *TCPListener) leave(ctx context.Context, conn *Connection) {
	conn.Close()
	l.registry.Unregister(conn.Username(), conn)
	l.handler.OnLeave(ctx, conn)

	reason, detail := conn.LeaveReason()
	if reason == events.LeaveUnknown && ctx.Err() != nil {
		reason = events.LeaveShutdown
	}

	// The request context may already be cancelled during shutdown.
	l.eventBus.Emit(context.WithoutCancel(ctx), events.Event{
		Type:   events.EventPlayerLeft,
		Source: "tcp_listener",
		Payload: events.PlayerLeftPayload{
			SessionID: conn.ID(),
			Username:  conn.Username(),
			Remote:    conn.RemoteAddr().String(),
			JoinedAt:  conn.ConnectedAt(),
			LeftAt:    time.Now(),
			Reason:    reason,
			Detail:    detail,
		},
	})
}

// Stop closes the listening socket.
func (l *TCPListener) Stop() error {
	if l.listener != nil {
		return l.listener.Close()
	}
	return nil
}
