package protocol

import (
	"fmt"
	"io"
	"sync/atomic"
)

const initialReadBuffer = 4096

// Stream reads and writes frames on a byte stream.
//
// Bytes of a partially received frame stay buffered when the underlying
// reader fails, so a read interrupted by a deadline can simply be retried.
// A corrupt frame is latched: every later ReadPacket returns the same error.
//
// Reads and writes may run in different goroutines, but concurrent reads or
// concurrent writes need external locking.
type Stream struct {
	rw      io.ReadWriter
	inbound atomic.Uint32 // Direction; 0 accepts both

	buf        []byte
	start, end int
	readErr    error

	wbuf     []byte
	writeErr error
}

// NewStream wraps rw. Packets read from the stream must travel in the
// inbound direction; pass 0 to accept both directions.
func NewStream(rw io.ReadWriter, inbound Direction) *Stream {
	s := &Stream{
		rw:  rw,
		buf: make([]byte, initialReadBuffer),
	}
	s.inbound.Store(uint32(inbound))
	return s
}

// Expect restricts later reads to packets travelling in direction d. It
// may be called while another goroutine is blocked in ReadPacket.
//
// Peers open streams accepting both directions so that a stray first packet
// reaches the handshake and is rejected there, and call Expect once the
// handshake is accepted.
func (s *Stream) Expect(d Direction) {
	s.inbound.Store(uint32(d))
}

// ReadPacket blocks until one packet is decoded or the reader fails.
func (s *Stream) ReadPacket() (Packet, error) {
	if s.readErr != nil {
		return nil, s.readErr
	}

	for {
		p, n, err := Decode(s.buf[s.start:s.end])
		if err != nil {
			s.readErr = err
			return nil, err
		}
		if p != nil {
			s.start += n
			if s.start == s.end {
				s.start, s.end = 0, 0
			}
			if in := Direction(s.inbound.Load()); in != 0 && p.Direction() != in {
				s.readErr = fmt.Errorf("%w: %s packet travels %s", ErrCorruptFrame, p.Kind(), p.Direction())
				return nil, s.readErr
			}
			return p, nil
		}

		s.reserve()
		m, err := s.rw.Read(s.buf[s.end:])
		s.end += m
		if err != nil && m == 0 {
			return nil, err
		}
	}
}

// reserve makes room for at least one more byte at the end of buf.
func (s *Stream) reserve() {
	if s.end < len(s.buf) {
		return
	}
	if s.start > 0 {
		copy(s.buf, s.buf[s.start:s.end])
		s.end -= s.start
		s.start = 0
		return
	}
	grown := make([]byte, len(s.buf)*2)
	copy(grown, s.buf[:s.end])
	s.buf = grown
}

// Buffered returns the number of received bytes not yet decoded.
func (s *Stream) Buffered() int {
	return s.end - s.start
}

// WritePacket encodes p and writes it as a single frame. After a failed
// write the frame boundary is lost, so the error is latched.
func (s *Stream) WritePacket(p Packet) error {
	if s.writeErr != nil {
		return s.writeErr
	}

	frame, err := AppendFrame(s.wbuf[:0], p)
	if err != nil {
		return err
	}
	s.wbuf = frame

	if _, err := s.rw.Write(frame); err != nil {
		s.writeErr = fmt.Errorf("failed to write %s packet: %w", p.Kind(), err)
		return s.writeErr
	}
	return nil
}
