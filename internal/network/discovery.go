package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shamaton/msgpack/v2"

	"github.com/rubycave-project/rubycave/internal/config"
	"github.com/rubycave-project/rubycave/internal/protocol"
)

// DiscoveryProbe is the single byte a client broadcasts to find servers.
const DiscoveryProbe byte = 0xCA

// ServerStatus is the discovery reply.
type ServerStatus struct {
	Name    string `msgpack:"name" json:"name"`
	Version string `msgpack:"version" json:"version"`
	Players int    `msgpack:"players" json:"players"`
	Port    int    `msgpack:"port" json:"port"`

	// Address is filled in by Discover from the reply's source.
	Address string `msgpack:"-" json:"address"`
}

// GameAddr returns host:port of the game listener behind this reply.
func (s ServerStatus) GameAddr() string {
	host, _, err := net.SplitHostPort(s.Address)
	if err != nil {
		host = s.Address
	}
	return net.JoinHostPort(host, fmt.Sprint(s.Port))
}

// DiscoveryResponder answers LAN discovery probes with the server status.
type DiscoveryResponder struct {
	cfg      *config.Config
	registry *ConnectionRegistry
	conn     net.PacketConn
}

// NewDiscoveryResponder creates a responder reporting the player count of registry.
func NewDiscoveryResponder(cfg *config.Config, registry *ConnectionRegistry) *DiscoveryResponder {
	return &DiscoveryResponder{
		cfg:      cfg,
		registry: registry,
	}
}

// Listen binds the UDP socket.
func (d *DiscoveryResponder) Listen(ctx context.Context) error {
	port := d.cfg.GetDiscovery().Port
	addr := net.JoinHostPort(d.cfg.GetServer().BindAddress, fmt.Sprint(port))

	lc := ReuseAddrListenConfig()
	pc, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return fmt.Errorf("failed to start discovery responder on port %d: %w", port, err)
	}
	d.conn = pc

	log.Info().Str("addr", pc.LocalAddr().String()).Msg("discovery responder started")
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (d *DiscoveryResponder) Addr() net.Addr {
	if d.conn == nil {
		return nil
	}
	return d.conn.LocalAddr()
}

// Start listens and serves until ctx is done.
func (d *DiscoveryResponder) Start(ctx context.Context) error {
	if err := d.Listen(ctx); err != nil {
		return err
	}
	return d.Serve(ctx)
}

// Serve answers probes until ctx is done.
func (d *DiscoveryResponder) Serve(ctx context.Context) error {
	if d.conn == nil {
		return errors.New("discovery responder is not bound")
	}

	stop := context.AfterFunc(ctx, func() {
		d.conn.Close()
	})
	defer stop()

	buf := make([]byte, 512)
	for {
		n, remote, err := d.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				log.Info().Msg("discovery responder stopping")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Error().Err(err).Msg("UDP read error")
			continue
		}

		if n < 1 || buf[0] != DiscoveryProbe {
			continue
		}

		reply, err := msgpack.Marshal(d.status())
		if err != nil {
			log.Error().Err(err).Msg("failed to encode discovery reply")
			continue
		}

		if _, err := d.conn.WriteTo(reply, remote); err != nil {
			log.Warn().
				Err(err).
				Str("remote", remote.String()).
				Msg("failed to send discovery reply")
			continue
		}

		log.Trace().
			Str("remote", remote.String()).
			Msg("responded to discovery probe")
	}
}

func (d *DiscoveryResponder) status() ServerStatus {
	server := d.cfg.GetServer()
	return ServerStatus{
		Name:    server.Name,
		Version: protocol.Version,
		Players: d.registry.Count(),
		Port:    server.Port,
	}
}

// Stop closes the UDP socket.
func (d *DiscoveryResponder) Stop() error {
	if d.conn != nil {
		return d.conn.Close()
	}
	return nil
}

// Discover sends a probe to target (usually a broadcast address) and collects
// replies until wait elapses or ctx is done.
func Discover(ctx context.Context, target string, wait time.Duration) ([]ServerStatus, error) {
	raddr, err := net.ResolveUDPAddr("udp4", target)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", target, err)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, fmt.Errorf("failed to open discovery socket: %w", err)
	}
	defer conn.Close()

	if _, err := conn.WriteToUDP([]byte{DiscoveryProbe}, raddr); err != nil {
		return nil, fmt.Errorf("failed to send discovery probe: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(wait))
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	var found []ServerStatus
	buf := make([]byte, 512)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return found, nil
			}
			return found, fmt.Errorf("failed to read discovery reply: %w", err)
		}

		var status ServerStatus
		if err := protocol.Unarchive(buf[:n], &status); err != nil {
			log.Debug().Err(err).Str("from", from.String()).Msg("ignoring malformed discovery reply")
			continue
		}
		status.Address = from.String()
		found = append(found, status)
	}
}
