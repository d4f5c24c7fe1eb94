package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/shamaton/msgpack/v2"
)

func grassChunk(x, z int32) Chunk {
	c := NewChunk(x, z)
	for bx := 0; bx < ChunkWidth; bx++ {
		for bz := 0; bz < ChunkLength; bz++ {
			c.SetBlock(bx, 0, bz, BlockGrass)
		}
	}
	return c
}

func mustEncode(t *testing.T, p Packet) []byte {
	t.Helper()
	frame, err := Encode(p)
	if err != nil {
		t.Fatalf("Encode(%T) error = %v", p, err)
	}
	return frame
}

func TestStreamCarriesPacketsInOrder(t *testing.T) {
	sent := []Packet{
		ServerHandshake{Version: "0.1.0"},
		Kick{Reason: KickByOperator("bye")},
		Teleport{X: 8, Y: 65.5, Z: -8, Yaw: 90, Pitch: -12.25},
		grassChunk(-1, 2),
		Kick{Reason: KickForPacket(ServerErrUsername)},
	}

	var wire bytes.Buffer
	w := NewStream(&wire, 0)
	for _, p := range sent {
		if err := w.WritePacket(p); err != nil {
			t.Fatalf("WritePacket(%T) error = %v", p, err)
		}
	}

	r := NewStream(&wire, ToClient)
	var got []Packet
	for {
		p, err := r.ReadPacket()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("ReadPacket() error = %v", err)
		}
		got = append(got, p)
	}

	if diff := cmp.Diff(sent, got); diff != "" {
		t.Errorf("packets mismatch (-sent +got):\n%s", diff)
	}
}

func TestEncodeDecodeEveryPacket(t *testing.T) {
	tests := []struct {
		name string
		p    Packet
	}{
		{"client handshake", ClientHandshake{Version: "1.0.0", Username: "Player0042"}},
		{"disconnect by player", Disconnect{Reason: DisconnectByPlayer()}},
		{"disconnect for packet", Disconnect{Reason: DisconnectForPacket(ClientErrVersion)}},
		{"keep alive", KeepAlive{EpochMillis: 1700000000000}},
		{"server handshake", ServerHandshake{Version: "1.0.0"}},
		{"kick by operator", Kick{Reason: KickByOperator("griefing")}},
		{"kick for packet", Kick{Reason: KickForPacket(ServerErrUsername)}},
		{"teleport", Teleport{X: -3.5, Y: 70, Z: 12.25, Yaw: 180, Pitch: 45}},
		{"chunk", grassChunk(3, -4)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := mustEncode(t, tt.p)

			got, n, err := Decode(frame)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if n != len(frame) {
				t.Errorf("consumed %d bytes, want %d", n, len(frame))
			}
			if diff := cmp.Diff(tt.p, got); diff != "" {
				t.Errorf("packet mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeNeedsMoreData(t *testing.T) {
	frame := mustEncode(t, ClientHandshake{Version: "0.1.0", Username: "Player0042"})

	for i := 0; i < len(frame); i++ {
		p, n, err := Decode(frame[:i])
		if p != nil || n != 0 || err != nil {
			t.Fatalf("Decode(frame[:%d]) = (%v, %d, %v), want need-more-data", i, p, n, err)
		}
	}

	// Trailing bytes of the next frame are left for the next call.
	buf := append(append([]byte{}, frame...), frame[:3]...)
	p, n, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if n != len(frame) {
		t.Errorf("consumed %d bytes, want %d", n, len(frame))
	}
	want := ClientHandshake{Version: "0.1.0", Username: "Player0042"}
	if diff := cmp.Diff(Packet(want), p); diff != "" {
		t.Errorf("packet mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeCorruptFrames(t *testing.T) {
	unknownKind, err := msgpack.Marshal(envelope{Kind: 0x7f, Body: []byte{0x80}})
	if err != nil {
		t.Fatal(err)
	}
	shortChunkBody, err := msgpack.Marshal(Chunk{X: 1, Z: 1, Blocks: []byte{BlockGrass}})
	if err != nil {
		t.Fatal(err)
	}
	shortChunk, err := msgpack.Marshal(envelope{Kind: KindChunk, Body: shortChunkBody})
	if err != nil {
		t.Fatal(err)
	}

	keepAlive, err := marshalPacket(KeepAlive{EpochMillis: 1})
	if err != nil {
		t.Fatal(err)
	}
	trailing := append(keepAlive, 0xc0)

	frame := func(archive []byte) []byte {
		return append(binary.AppendUvarint(nil, uint64(len(archive))), archive...)
	}

	tests := []struct {
		name string
		buf  []byte
	}{
		{"varint overflow", bytes.Repeat([]byte{0xff}, 11)},
		{"empty frame", []byte{0x00}},
		{"oversized frame", binary.AppendUvarint(nil, MaxFrameSize+1)},
		{"unknown kind", frame(unknownKind)},
		{"garbage archive", frame([]byte{0xc1, 0xc1, 0xc1})},
		{"chunk volume", frame(shortChunk)},
		{"trailing bytes", frame(trailing)},
		{"truncated body", truncatedHandshake},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, n, err := Decode(tt.buf)
			if !errors.Is(err, ErrCorruptFrame) {
				t.Fatalf("Decode() error = %v, want ErrCorruptFrame", err)
			}
			if p != nil || n != 0 {
				t.Errorf("Decode() = (%v, %d), want (nil, 0)", p, n)
			}
		})
	}
}

// truncatedHandshake declares a 30-byte archive whose handshake body claims
// more string bytes than it carries. The msgpack decoder panics on it.
var truncatedHandshake = []byte{
	0x1e, 0x82, 0xb1, 0x6b, 0x01, 0xa1, 0x62, 0xc4, 0x16, 0x82,
	0xa7, 'v', 'e', 'r', 's', 'i', 'o', 'n', 0xa1, 'a',
	0xa8, 0xcd, 's', 'e', 'r', 'n', 'a', 'm', 'e', 0xa1, 'b',
}

func FuzzDecode(f *testing.F) {
	for _, p := range []Packet{
		ClientHandshake{Version: "1.0.0", Username: "Player0042"},
		Disconnect{Reason: DisconnectForPacket(ClientErrHandshake)},
		KeepAlive{EpochMillis: 1700000000000},
		ServerHandshake{Version: "1.0.0"},
		Kick{Reason: KickByOperator("bye")},
		Teleport{X: 1, Y: 2, Z: 3},
	} {
		frame, err := Encode(p)
		if err != nil {
			f.Fatal(err)
		}
		f.Add(frame)
	}
	f.Add(truncatedHandshake)
	f.Add([]byte{0x03, 0x82, 0xa1, 0x6b})

	f.Fuzz(func(t *testing.T, data []byte) {
		p, n, err := Decode(data)
		if err != nil {
			if !errors.Is(err, ErrCorruptFrame) {
				t.Fatalf("Decode() error = %v, want ErrCorruptFrame", err)
			}
			if p != nil || n != 0 {
				t.Fatalf("Decode() = (%v, %d) alongside error", p, n)
			}
			return
		}
		if p == nil {
			if n != 0 {
				t.Fatalf("Decode() consumed %d bytes without a packet", n)
			}
			return
		}
		if n <= 0 || n > len(data) {
			t.Fatalf("Decode() consumed %d of %d bytes", n, len(data))
		}
	})
}

func TestEncodeRejectsInvalidPackets(t *testing.T) {
	if _, err := Encode(nil); err == nil {
		t.Error("Encode(nil) succeeded")
	}
	if _, err := Encode(Chunk{Blocks: make([]byte, 10)}); err == nil {
		t.Error("Encode(short chunk) succeeded")
	}
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// stutterConn hands out one byte per Read and fails every other call.
type stutterConn struct {
	data  []byte
	calls int
}

func (c *stutterConn) Read(b []byte) (int, error) {
	c.calls++
	if c.calls%2 == 0 {
		return 0, timeoutError{}
	}
	if len(c.data) == 0 {
		return 0, io.EOF
	}
	b[0] = c.data[0]
	c.data = c.data[1:]
	return 1, nil
}

func (c *stutterConn) Write(b []byte) (int, error) { return len(b), nil }

func TestStreamResumesAfterTimeout(t *testing.T) {
	want := KeepAlive{EpochMillis: 1700000000123}
	conn := &stutterConn{data: mustEncode(t, want)}
	s := NewStream(conn, ToServer)

	var timeouts int
	for {
		p, err := s.ReadPacket()
		if err == nil {
			if diff := cmp.Diff(Packet(want), p); diff != "" {
				t.Fatalf("packet mismatch (-want +got):\n%s", diff)
			}
			break
		}
		if !errors.Is(err, timeoutError{}) {
			t.Fatalf("ReadPacket() error = %v", err)
		}
		timeouts++
	}

	if timeouts == 0 {
		t.Error("expected reads to be interrupted")
	}
	if s.Buffered() != 0 {
		t.Errorf("Buffered() = %d after full frame, want 0", s.Buffered())
	}
}

func TestStreamRejectsWrongDirection(t *testing.T) {
	wire := bytes.NewBuffer(mustEncode(t, KeepAlive{EpochMillis: 1}))
	s := NewStream(wire, ToClient)

	_, err := s.ReadPacket()
	if !errors.Is(err, ErrCorruptFrame) {
		t.Fatalf("ReadPacket() error = %v, want ErrCorruptFrame", err)
	}
	if _, again := s.ReadPacket(); !errors.Is(again, ErrCorruptFrame) {
		t.Errorf("second ReadPacket() error = %v, want latched ErrCorruptFrame", again)
	}
}

func TestStreamExpectAppliesToLaterReads(t *testing.T) {
	var wire bytes.Buffer
	wire.Write(mustEncode(t, KeepAlive{EpochMillis: 1}))
	wire.Write(mustEncode(t, Teleport{Y: 64}))
	wire.Write(mustEncode(t, KeepAlive{EpochMillis: 2}))

	s := NewStream(&wire, 0)
	for i := 0; i < 2; i++ {
		if _, err := s.ReadPacket(); err != nil {
			t.Fatalf("ReadPacket() #%d error = %v", i, err)
		}
	}

	s.Expect(ToClient)
	if _, err := s.ReadPacket(); !errors.Is(err, ErrCorruptFrame) {
		t.Errorf("ReadPacket() after Expect = %v, want ErrCorruptFrame", err)
	}
}
