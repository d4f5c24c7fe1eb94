package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/shamaton/msgpack/v2"
)

// MaxFrameSize is the largest archive accepted in a single frame.
// A full chunk is a little over 64 KiB, so this leaves ample headroom.
const MaxFrameSize = 1 << 20

// envelope is the archived form of every packet: the kind tag plus the
// MessagePack encoding of the concrete struct.
type envelope struct {
	Kind Kind   `msgpack:"k"`
	Body []byte `msgpack:"b"`
}

// Encode returns one length-prefixed frame holding p.
// Frame format: [uvarint archive length][archive bytes...]
func Encode(p Packet) ([]byte, error) {
	return AppendFrame(nil, p)
}

// AppendFrame appends the frame for p to dst and returns the extended slice.
func AppendFrame(dst []byte, p Packet) ([]byte, error) {
	archive, err := marshalPacket(p)
	if err != nil {
		return dst, err
	}
	if len(archive) > MaxFrameSize {
		return dst, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, len(archive), MaxFrameSize)
	}

	dst = binary.AppendUvarint(dst, uint64(len(archive)))
	return append(dst, archive...), nil
}

// Decode reads one frame from the front of buf.
//
// It returns (nil, 0, nil) when buf does not yet hold a complete frame; the
// caller should read more bytes and call again with the same prefix. On
// success it returns the packet and the number of bytes consumed. Any
// malformed input yields an error wrapping ErrCorruptFrame.
func Decode(buf []byte) (Packet, int, error) {
	length, n := binary.Uvarint(buf)
	if n == 0 {
		return nil, 0, nil
	}
	if n < 0 {
		return nil, 0, fmt.Errorf("%w: length prefix overflows 64 bits", ErrCorruptFrame)
	}
	if length == 0 {
		return nil, 0, fmt.Errorf("%w: empty frame", ErrCorruptFrame)
	}
	if length > MaxFrameSize {
		return nil, 0, fmt.Errorf("%w: frame of %d bytes exceeds max %d", ErrCorruptFrame, length, MaxFrameSize)
	}

	end := n + int(length)
	if len(buf) < end {
		return nil, 0, nil
	}

	p, err := unmarshalPacket(buf[n:end])
	if err != nil {
		return nil, 0, err
	}
	return p, end, nil
}

func marshalPacket(p Packet) ([]byte, error) {
	switch v := p.(type) {
	case ClientHandshake, Disconnect, KeepAlive, ServerHandshake, Kick, Teleport:
	case Chunk:
		if len(v.Blocks) != ChunkVolume {
			return nil, fmt.Errorf("chunk (%d, %d) has %d blocks, want %d", v.X, v.Z, len(v.Blocks), ChunkVolume)
		}
	case nil:
		return nil, errors.New("cannot encode nil packet")
	default:
		return nil, fmt.Errorf("cannot encode unknown packet type %T", p)
	}

	body, err := msgpack.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to archive %s body: %w", p.Kind(), err)
	}

	archive, err := msgpack.Marshal(envelope{Kind: p.Kind(), Body: body})
	if err != nil {
		return nil, fmt.Errorf("failed to archive %s envelope: %w", p.Kind(), err)
	}
	return archive, nil
}

func unmarshalPacket(archive []byte) (Packet, error) {
	var env envelope
	if err := Unarchive(archive, &env); err != nil {
		return nil, fmt.Errorf("%w: bad envelope: %v", ErrCorruptFrame, err)
	}

	var (
		p   Packet
		err error
	)
	switch env.Kind {
	case KindClientHandshake:
		p, err = decodeAs[ClientHandshake](env.Body)
	case KindDisconnect:
		p, err = decodeAs[Disconnect](env.Body)
	case KindKeepAlive:
		p, err = decodeAs[KeepAlive](env.Body)
	case KindServerHandshake:
		p, err = decodeAs[ServerHandshake](env.Body)
	case KindKick:
		p, err = decodeAs[Kick](env.Body)
	case KindTeleport:
		p, err = decodeAs[Teleport](env.Body)
	case KindChunk:
		p, err = decodeAs[Chunk](env.Body)
	default:
		return nil, fmt.Errorf("%w: unknown packet kind %s", ErrCorruptFrame, env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: bad %s body: %v", ErrCorruptFrame, env.Kind, err)
	}

	if c, ok := p.(Chunk); ok && len(c.Blocks) != ChunkVolume {
		return nil, fmt.Errorf("%w: chunk has %d blocks, want %d", ErrCorruptFrame, len(c.Blocks), ChunkVolume)
	}
	return p, nil
}

func decodeAs[T Packet](body []byte) (Packet, error) {
	var v T
	if err := Unarchive(body, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Unarchive decodes MessagePack data into v. The decoder panics on some
// truncated inputs; those panics come back as errors wrapping ErrCorruptFrame.
func Unarchive(data []byte, v any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: malformed archive: %v", ErrCorruptFrame, r)
		}
	}()
	return msgpack.Unmarshal(data, v)
}
