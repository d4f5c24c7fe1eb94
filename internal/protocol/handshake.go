package protocol

import (
	"errors"
	"fmt"
)

// HandshakeState is the progress of one side of the handshake.
type HandshakeState uint8

const (
	AwaitingPeerHandshake HandshakeState = iota
	Validating
	Accepted
	Rejected
)

func (s HandshakeState) String() string {
	switch s {
	case AwaitingPeerHandshake:
		return "awaiting_peer_handshake"
	case Validating:
		return "validating"
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}

type role uint8

const (
	roleClient role = iota + 1
	roleServer
)

// Handshaker drives one side of the handshake for a single connection.
//
// The server speaks first with Greeting. The client answers the greeting
// with its own ClientHandshake, after which both sides consider the
// connection accepted. There is no acknowledgement from the server. Either
// side rejects a bad first packet by replying with a Disconnect or a Kick.
//
// A Handshaker is not safe for concurrent use.
type Handshaker struct {
	role      role
	validator *Validator
	username  string
	state     HandshakeState
}

// NewClientHandshaker returns the client side, which will announce username.
func NewClientHandshaker(v *Validator, username string) *Handshaker {
	return &Handshaker{role: roleClient, validator: v, username: username}
}

// NewServerHandshaker returns the server side.
func NewServerHandshaker(v *Validator) *Handshaker {
	return &Handshaker{role: roleServer, validator: v}
}

// State returns the current state.
func (h *Handshaker) State() HandshakeState {
	return h.state
}

// Username returns the announced username on the client side, or the
// accepted peer username on the server side.
func (h *Handshaker) Username() string {
	return h.username
}

// Greeting returns the packet the server writes as soon as a connection is
// accepted. The client has no greeting and gets nil.
func (h *Handshaker) Greeting() Packet {
	if h.role != roleServer {
		return nil
	}
	return ServerHandshake{Version: h.validator.Version()}
}

// Accept consumes the first packet received from the peer.
//
// On success the state becomes Accepted and reply is the packet to send
// back, if any: the client answers with its ClientHandshake, the server
// answers nothing. On rejection the state becomes Rejected and the returned
// *HandshakeError carries the Disconnect or Kick to send before closing.
func (h *Handshaker) Accept(p Packet) (Packet, error) {
	if h.state != AwaitingPeerHandshake {
		return nil, fmt.Errorf("handshake already %s", h.state)
	}
	h.state = Validating

	if h.role == roleClient {
		return h.acceptServer(p)
	}
	return h.acceptClient(p)
}

func (h *Handshaker) acceptServer(p Packet) (Packet, error) {
	if _, ok := p.(ServerHandshake); !ok {
		return h.reject(ClientErrHandshake, Disconnect{Reason: DisconnectForPacket(ClientErrHandshake)})
	}

	if err := h.validator.CheckServer(p); err != nil {
		var perr ClientPacketError
		if !errors.As(err, &perr) {
			perr = ClientErrHandshake
		}
		return h.reject(perr, Disconnect{Reason: DisconnectForPacket(perr)})
	}

	h.state = Accepted
	return ClientHandshake{Version: h.validator.Version(), Username: h.username}, nil
}

func (h *Handshaker) acceptClient(p Packet) (Packet, error) {
	hs, ok := p.(ClientHandshake)
	if !ok {
		return h.reject(ServerErrHandshake, Kick{Reason: KickForPacket(ServerErrHandshake)})
	}

	if err := h.validator.CheckClient(p); err != nil {
		var perr ServerPacketError
		if !errors.As(err, &perr) {
			perr = ServerErrHandshake
		}
		return h.reject(perr, Kick{Reason: KickForPacket(perr)})
	}

	h.username = hs.Username
	h.state = Accepted
	return nil, nil
}

func (h *Handshaker) reject(err error, reply Packet) (Packet, error) {
	h.state = Rejected
	return reply, &HandshakeError{Err: err, Reply: reply}
}
