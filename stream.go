package packetry

import "encoding/binary"

// lengthPrefixSize is the size of the big-endian length prefix preceding
// every captured packet in the raw byte stream.
const lengthPrefixSize = 2

// Stream is the pull-based consumer side of a capture session. It
// accumulates raw chunks from the capture goroutine and deframes them into
// discrete packets. A Stream is not safe for concurrent use; one consumer
// owns it.
type Stream struct {
	chunks <-chan []byte
	buffer []byte
}

// Next returns the next captured packet, blocking on the capture goroutine
// for more data as needed. It returns ok=false once the capture has ended
// and no further complete packet can be assembled; a trailing partial
// frame is silently dropped as the truncated tail of the capture.
//
// The returned packet is owned by the caller. A packet may be empty.
func (s *Stream) Next() ([]byte, bool) {
	for {
		if packet, ok := s.nextBuffered(); ok {
			return packet, true
		}
		chunk, ok := <-s.chunks
		if !ok {
			return nil, false
		}
		s.buffer = append(s.buffer, chunk...)
	}
}

// nextBuffered extracts one packet from the head of the buffer, if the
// buffer holds strictly more bytes than the prefix plus the payload it
// announces. The strict inequality is deliberate: an exact-fit buffer
// waits for at least one more byte before the packet is released.
func (s *Stream) nextBuffered() ([]byte, bool) {
	if len(s.buffer) <= lengthPrefixSize {
		return nil, false
	}
	payloadLen := int(binary.BigEndian.Uint16(s.buffer))
	if len(s.buffer) <= lengthPrefixSize+payloadLen {
		return nil, false
	}
	packet := make([]byte, payloadLen)
	copy(packet, s.buffer[lengthPrefixSize:lengthPrefixSize+payloadLen])
	s.buffer = s.buffer[lengthPrefixSize+payloadLen:]
	return packet, true
}
