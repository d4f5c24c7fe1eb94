package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruptFrame is returned when a frame cannot be decoded. It is fatal
	// for the stream it was read from.
	ErrCorruptFrame = errors.New("corrupt frame")

	// ErrFrameTooLarge is returned when encoding a packet whose archive exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame too large")
)

// ClientPacketError is a reason the client refuses a server packet.
type ClientPacketError uint8

const (
	ClientErrHandshake ClientPacketError = iota + 1
	ClientErrVersion
)

func (e ClientPacketError) Error() string {
	switch e {
	case ClientErrHandshake:
		return "expected handshake"
	case ClientErrVersion:
		return "client/server version mismatch"
	}
	return fmt.Sprintf("client packet error %d", uint8(e))
}

func (e ClientPacketError) String() string { return e.Error() }

// ServerPacketError is a reason the server refuses a client packet.
type ServerPacketError uint8

const (
	ServerErrHandshake ServerPacketError = iota + 1
	ServerErrVersion
	ServerErrUsername
)

func (e ServerPacketError) Error() string {
	switch e {
	case ServerErrHandshake:
		return "expected handshake"
	case ServerErrVersion:
		return "client/server version mismatch"
	case ServerErrUsername:
		return "invalid username"
	}
	return fmt.Sprintf("server packet error %d", uint8(e))
}

func (e ServerPacketError) String() string { return e.Error() }

// DisconnectKind tells whether a Disconnect was caused by a bad packet or by the player.
type DisconnectKind uint8

const (
	DisconnectPacket DisconnectKind = iota + 1
	DisconnectPlayer
)

// DisconnectReason explains a client Disconnect. Error is set only for DisconnectPacket.
type DisconnectReason struct {
	Kind  DisconnectKind    `msgpack:"kind"`
	Error ClientPacketError `msgpack:"error"`
}

// DisconnectForPacket builds the reason sent after refusing a server packet.
func DisconnectForPacket(err ClientPacketError) DisconnectReason {
	return DisconnectReason{Kind: DisconnectPacket, Error: err}
}

// DisconnectByPlayer builds the reason sent when the player quits.
func DisconnectByPlayer() DisconnectReason {
	return DisconnectReason{Kind: DisconnectPlayer}
}

func (r DisconnectReason) String() string {
	switch r.Kind {
	case DisconnectPacket:
		return "packet: " + r.Error.Error()
	case DisconnectPlayer:
		return "player quit"
	}
	return "unknown"
}

// KickKind tells whether a Kick was caused by a bad packet or by an operator.
type KickKind uint8

const (
	KickPacket KickKind = iota + 1
	KickOperator
)

// KickReason explains a server Kick. Error is set for KickPacket, Message for KickOperator.
type KickReason struct {
	Kind    KickKind          `msgpack:"kind"`
	Error   ServerPacketError `msgpack:"error"`
	Message string            `msgpack:"message"`
}

// KickForPacket builds the reason sent after refusing a client packet.
func KickForPacket(err ServerPacketError) KickReason {
	return KickReason{Kind: KickPacket, Error: err}
}

// KickByOperator builds an operator kick with a free-form message.
func KickByOperator(message string) KickReason {
	return KickReason{Kind: KickOperator, Message: message}
}

func (r KickReason) String() string {
	switch r.Kind {
	case KickPacket:
		return "packet: " + r.Error.Error()
	case KickOperator:
		return "operator: " + r.Message
	}
	return "unknown"
}

// HandshakeError is returned when a handshake is rejected. Reply is the
// Disconnect or Kick that was (or must be) sent to the peer.
type HandshakeError struct {
	Err   error
	Reply Packet
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake rejected: %v", e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }
