// Package protocol implements the RubyCave wire protocol shared by the game
// client and server: the packet model, the MessagePack archive with varint
// length framing, the packet validator and the handshake state machine.
package protocol

import "fmt"

// Version is the protocol version exchanged in both handshakes. Peers must
// match exactly. Overridden at build time with -ldflags.
var Version = "0.1.0"

// Kind is the wire tag of a packet variant.
type Kind uint8

// Packet kinds. Client-to-server tags live below 0x80, server-to-client tags above.
const (
	KindClientHandshake Kind = 0x01
	KindDisconnect      Kind = 0x02
	KindKeepAlive       Kind = 0x03

	KindServerHandshake Kind = 0x81
	KindKick            Kind = 0x82
	KindTeleport        Kind = 0x83
	KindChunk           Kind = 0x84
)

var kindNames = map[Kind]string{
	KindClientHandshake: "client_handshake",
	KindDisconnect:      "disconnect",
	KindKeepAlive:       "keep_alive",
	KindServerHandshake: "server_handshake",
	KindKick:            "kick",
	KindTeleport:        "teleport",
	KindChunk:           "chunk",
}

// String returns the snake_case name of the kind, used in logs and metric labels.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("unknown(0x%02x)", uint8(k))
}

// Direction tells which peer a packet travels to.
type Direction uint8

const (
	ToServer Direction = iota + 1
	ToClient
)

func (d Direction) String() string {
	switch d {
	case ToServer:
		return "to_server"
	case ToClient:
		return "to_client"
	}
	return "unknown"
}

// Packet is one of the concrete packet structs declared in this file.
// Values are plain data and never reference a connection.
type Packet interface {
	Kind() Kind
	Direction() Direction
}

// ClientHandshake is the client's reply to the server greeting.
type ClientHandshake struct {
	Version  string `msgpack:"version"`
	Username string `msgpack:"username"`
}

// Disconnect tells the server the client is leaving and why.
type Disconnect struct {
	Reason DisconnectReason `msgpack:"reason"`
}

// KeepAlive carries the client's wall clock in milliseconds since the Unix epoch.
type KeepAlive struct {
	EpochMillis uint64 `msgpack:"epoch_ms"`
}

// ServerHandshake is the first packet the server writes on a new connection.
type ServerHandshake struct {
	Version string `msgpack:"version"`
}

// Kick tells the client it is being removed and why.
type Kick struct {
	Reason KickReason `msgpack:"reason"`
}

// Teleport moves the local player.
type Teleport struct {
	X     float32 `msgpack:"x"`
	Y     float32 `msgpack:"y"`
	Z     float32 `msgpack:"z"`
	Yaw   float32 `msgpack:"yaw"`
	Pitch float32 `msgpack:"pitch"`
}

// Chunk carries one column of blocks at chunk coordinates (X, Z).
type Chunk struct {
	X      int32  `msgpack:"x"`
	Z      int32  `msgpack:"z"`
	Blocks []byte `msgpack:"blocks"`
}

func (ClientHandshake) Kind() Kind { return KindClientHandshake }
func (Disconnect) Kind() Kind      { return KindDisconnect }
func (KeepAlive) Kind() Kind       { return KindKeepAlive }
func (ServerHandshake) Kind() Kind { return KindServerHandshake }
func (Kick) Kind() Kind            { return KindKick }
func (Teleport) Kind() Kind        { return KindTeleport }
func (Chunk) Kind() Kind           { return KindChunk }

func (ClientHandshake) Direction() Direction { return ToServer }
func (Disconnect) Direction() Direction      { return ToServer }
func (KeepAlive) Direction() Direction       { return ToServer }
func (ServerHandshake) Direction() Direction { return ToClient }
func (Kick) Direction() Direction            { return ToClient }
func (Teleport) Direction() Direction        { return ToClient }
func (Chunk) Direction() Direction           { return ToClient }

// Chunk dimensions in blocks.
const (
	ChunkWidth  = 16
	ChunkLength = 16
	ChunkHeight = 256
	ChunkVolume = ChunkWidth * ChunkLength * ChunkHeight
)

// Block ids stored in Chunk.Blocks.
const (
	BlockAir   byte = 0
	BlockGrass byte = 1
)

// NewChunk returns an all-air chunk at (x, z).
func NewChunk(x, z int32) Chunk {
	return Chunk{X: x, Z: z, Blocks: make([]byte, ChunkVolume)}
}

// BlockIndex maps local block coordinates to an offset in Chunk.Blocks.
// Layout is x-major, then z, then y.
func BlockIndex(x, y, z int) int {
	return (x*ChunkLength+z)*ChunkHeight + y
}

// Block returns the block id at local coordinates, or BlockAir when out of range.
func (c Chunk) Block(x, y, z int) byte {
	if !inChunk(x, y, z) || len(c.Blocks) != ChunkVolume {
		return BlockAir
	}
	return c.Blocks[BlockIndex(x, y, z)]
}

// SetBlock stores a block id at local coordinates. Out-of-range writes are ignored.
func (c Chunk) SetBlock(x, y, z int, id byte) {
	if !inChunk(x, y, z) || len(c.Blocks) != ChunkVolume {
		return
	}
	c.Blocks[BlockIndex(x, y, z)] = id
}

func inChunk(x, y, z int) bool {
	return x >= 0 && x < ChunkWidth && y >= 0 && y < ChunkHeight && z >= 0 && z < ChunkLength
}
