// Package client implements the game client's connection actor: a single
// background goroutine that owns the socket, delivers received packets to an
// inbound queue and writes packets queued with Send.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rubycave-project/rubycave/internal/protocol"
)

const (
	DefaultOutboundLimit = 1024
	DefaultInboundLimit  = 4096
)

var (
	// ErrStopped is returned once the background run has ended because Stop was called,
	// or when no run was ever started.
	ErrStopped = errors.New("client stopped")

	// ErrInboundFull ends a run whose inbound queue overflowed.
	ErrInboundFull = errors.New("inbound queue full")

	// ErrOutboundFull is returned by Shake when its reply cannot be queued.
	ErrOutboundFull = errors.New("outbound queue full")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("client closed")
)

// aLongTimeAgo is a deadline that makes pending socket calls fail immediately.
var aLongTimeAgo = time.Unix(1, 0)

// Option configures a Client.
type Option func(*Client)

// WithQueueLimits bounds the outbound and inbound queues. Zero means unbounded.
func WithQueueLimits(outbound, inbound int) Option {
	return func(c *Client) {
		c.outbound.limit = outbound
		c.inbound.limit = inbound
	}
}

// Client is the connection actor for one server connection.
//
// Send and Poll never block. The background run alternates between a receive
// phase, which lasts until Send raises the wake signal, and a write phase,
// which drains the outbound queue in FIFO order.
type Client struct {
	conn      net.Conn
	stream    *protocol.Stream
	validator *protocol.Validator
	logger    zerolog.Logger

	mu       sync.Mutex
	outbound *queue[protocol.Packet]
	inbound  *queue[protocol.Packet]
	wake     *Signal
	arrived  chan struct{} // closed and replaced whenever inbound changes or a run ends
	progress chan struct{} // closed and replaced whenever a packet is written or a run ends
	queued   uint64
	written  uint64
	run      *run
	lastErr  error
	closed   bool
}

type run struct {
	cancel   context.CancelFunc
	done     chan struct{}
	stopping bool
	finished bool
	err      error
}

// New wraps an established connection. Call Start to begin exchanging packets.
func New(conn net.Conn, validator *protocol.Validator, opts ...Option) *Client {
	c := &Client{
		conn:      conn,
		stream:    protocol.NewStream(conn, 0),
		validator: validator,
		logger: log.With().
			Str("component", "client").
			Str("server", conn.RemoteAddr().String()).
			Logger(),
		outbound: newQueue[protocol.Packet](DefaultOutboundLimit),
		inbound:  newQueue[protocol.Packet](DefaultInboundLimit),
		wake:     NewSignal(),
		arrived:  make(chan struct{}),
		progress: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial connects to a server over TCP with Nagle's algorithm disabled.
func Dial(ctx context.Context, addr string, validator *protocol.Validator, opts ...Option) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := tcp.SetNoDelay(true); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to set TCP_NODELAY: %w", err)
		}
	}
	return New(conn, validator, opts...), nil
}

// RemoteAddr returns the server address.
func (c *Client) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Send queues p for writing and wakes the background run. It reports false
// when the client is closed or the outbound queue is full.
func (c *Client) Send(p protocol.Packet) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || !c.outbound.Push(p) {
		return false
	}
	c.queued++
	c.wake.Raise()
	return true
}

// Poll pops the oldest received packet without blocking.
func (c *Client) Poll() (protocol.Packet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inbound.Pop()
}

// Receive blocks until a packet is available or ctx is done. Once the run
// has ended and the inbound queue is drained it returns the run's error.
func (c *Client) Receive(ctx context.Context) (protocol.Packet, error) {
	for {
		c.mu.Lock()
		if p, ok := c.inbound.Pop(); ok {
			c.mu.Unlock()
			return p, nil
		}
		if c.run == nil || c.run.finished {
			err := c.terminalErrLocked()
			c.mu.Unlock()
			return nil, err
		}
		arrived := c.arrived
		c.mu.Unlock()

		select {
		case <-arrived:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Flush blocks until every packet passed to Send before the call has been
// written, the run ends, or ctx is done.
func (c *Client) Flush(ctx context.Context) error {
	c.mu.Lock()
	target := c.queued
	c.mu.Unlock()

	for {
		c.mu.Lock()
		if c.written >= target {
			c.mu.Unlock()
			return nil
		}
		if c.run == nil || c.run.finished {
			err := c.terminalErrLocked()
			c.mu.Unlock()
			return err
		}
		progress := c.progress
		c.mu.Unlock()

		select {
		case <-progress:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) terminalErrLocked() error {
	if c.closed {
		return ErrClosed
	}
	if c.lastErr != nil {
		return c.lastErr
	}
	return ErrStopped
}

// Err returns the error that ended the most recent run, or nil while running.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil || !c.run.finished {
		return nil
	}
	return c.lastErr
}

// Running reports whether a background run is active.
func (c *Client) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run != nil && !c.run.finished
}

// Start spawns the background run. It reports false when a run is already
// active and no Stop is pending. A run that ended, or is being stopped, is
// replaced by a new one after it has fully exited.
func (c *Client) Start() bool {
	c.mu.Lock()
	for {
		if c.closed {
			c.mu.Unlock()
			return false
		}
		r := c.run
		if r == nil || r.finished {
			break
		}
		if !r.stopping {
			c.mu.Unlock()
			return false
		}
		c.mu.Unlock()
		<-r.done
		c.mu.Lock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{cancel: cancel, done: make(chan struct{})}
	c.run = r
	c.lastErr = nil
	c.mu.Unlock()

	go c.loop(ctx, r)
	c.logger.Debug().Msg("client run started")
	return true
}

// Stop cancels the background run, interrupting any blocked socket call, and
// waits for it to exit. Queued packets that were not written stay queued,
// but a write cut short by Stop leaves the connection unusable.
// Safe to call repeatedly and concurrently.
func (c *Client) Stop() {
	c.mu.Lock()
	r := c.run
	if r == nil {
		c.mu.Unlock()
		return
	}
	r.stopping = true
	c.mu.Unlock()

	r.cancel()
	<-r.done
}

// Close stops the client and closes the connection.
func (c *Client) Close() error {
	c.Stop()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	broadcast(&c.arrived)
	broadcast(&c.progress)
	c.mu.Unlock()

	return c.conn.Close()
}

// Shake performs the client side of the handshake on a started client.
// On rejection the Disconnect is flushed, the client is stopped and the
// *protocol.HandshakeError is returned.
func (c *Client) Shake(ctx context.Context, username string) error {
	h := protocol.NewClientHandshaker(c.validator, username)

	first, err := c.Receive(ctx)
	if err != nil {
		return fmt.Errorf("failed to receive server handshake: %w", err)
	}

	reply, herr := h.Accept(first)
	if reply != nil && !c.Send(reply) {
		c.Stop()
		return ErrOutboundFull
	}

	if herr != nil {
		if err := c.Flush(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("failed to flush disconnect")
		}
		c.Stop()
		c.logger.Warn().Err(herr).Msg("handshake rejected")
		return herr
	}

	c.stream.Expect(protocol.ToClient)
	c.logger.Info().Str("username", username).Msg("handshake accepted")
	return nil
}

func (c *Client) loop(ctx context.Context, r *run) {
	// A deadline left by an earlier Stop must not leak into this run.
	c.conn.SetDeadline(time.Time{})

	// The socket is interrupted from here so no deadline can be set
	// after the run has exited.
	ended := make(chan struct{})
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		select {
		case <-ctx.Done():
			c.conn.SetDeadline(aLongTimeAgo)
		case <-ended:
		}
	}()

	err := c.serve(ctx)
	close(ended)
	<-watcherDone

	c.mu.Lock()
	r.finished = true
	r.err = err
	c.lastErr = err
	broadcast(&c.arrived)
	broadcast(&c.progress)
	c.mu.Unlock()

	if errors.Is(err, ErrStopped) {
		c.logger.Debug().Msg("client run stopped")
	} else {
		c.logger.Error().Err(err).Msg("client run ended")
	}
	close(r.done)
}

func (c *Client) serve(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ErrStopped
		}

		c.mu.Lock()
		wake := c.wake.Done()
		c.mu.Unlock()

		if err := c.receive(ctx, wake); err != nil {
			return err
		}

		if err := c.writeOutbound(ctx); err != nil {
			return err
		}
	}
}

// receive reads packets until the wake signal is raised or the run is cancelled.
func (c *Client) receive(ctx context.Context, wake <-chan struct{}) error {
	select {
	case <-wake:
		return nil
	default:
	}

	leave := make(chan struct{})
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		select {
		case <-wake:
			c.conn.SetReadDeadline(aLongTimeAgo)
		case <-leave:
		}
	}()
	defer func() {
		close(leave)
		<-watcherDone
		c.conn.SetReadDeadline(time.Time{})
	}()

	for {
		p, err := c.stream.ReadPacket()
		if err != nil {
			if !errors.Is(err, os.ErrDeadlineExceeded) {
				return fmt.Errorf("failed to read packet: %w", err)
			}
			if ctx.Err() != nil {
				return ErrStopped
			}
			select {
			case <-wake:
				return nil
			default:
				continue
			}
		}

		if err := c.deliver(p); err != nil {
			return err
		}
		c.logger.Trace().Str("kind", p.Kind().String()).Msg("packet received")

		select {
		case <-wake:
			return nil
		default:
		}
	}
}

func (c *Client) deliver(p protocol.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.inbound.Push(p) {
		return fmt.Errorf("%w: %d packets pending", ErrInboundFull, c.inbound.Len())
	}
	broadcast(&c.arrived)
	return nil
}

// writeOutbound takes the whole outbound queue and lowers the wake signal in
// one step, so a Send that races with the write phase is never missed.
func (c *Client) writeOutbound(ctx context.Context) error {
	c.mu.Lock()
	batch := c.outbound.TakeAll()
	c.wake.Reset()
	c.mu.Unlock()

	for i, p := range batch {
		if ctx.Err() != nil {
			c.requeue(batch[i:])
			return ErrStopped
		}
		if err := c.stream.WritePacket(p); err != nil {
			if ctx.Err() != nil {
				return ErrStopped
			}
			return err
		}

		c.mu.Lock()
		c.written++
		broadcast(&c.progress)
		c.mu.Unlock()

		c.logger.Trace().Str("kind", p.Kind().String()).Msg("packet written")
	}
	return nil
}

func (c *Client) requeue(items []protocol.Packet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outbound.Requeue(items)
	if c.outbound.Len() > 0 {
		c.wake.Raise()
	}
}

// broadcast wakes every goroutine waiting on *ch and arms a new channel.
func broadcast(ch *chan struct{}) {
	close(*ch)
	*ch = make(chan struct{})
}
