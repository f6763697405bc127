// Package relay carries intercepted traffic to a local companion process
// and injects the companion's traffic back. The wire format is a single
// op byte, a little-endian uint16 payload length, and the payload; the
// companion speaks the same three ops in both directions.
package relay

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Op identifies which stream a relay frame belongs to.
type Op byte

const (
	// OpRecv frames carry bytes of the host's receive stream: copies of
	// what the server sent, or companion data to inject into it.
	OpRecv Op = 'R'

	// OpSend frames carry bytes of the host's send stream: copies of
	// what the host wrote, or companion data to pass on to the server.
	OpSend Op = 'S'

	// OpPing frames are empty keepalives.
	OpPing Op = 'K'
)

func (o Op) String() string {
	switch o {
	case OpRecv:
		return "recv"
	case OpSend:
		return "send"
	case OpPing:
		return "ping"
	}

	return fmt.Sprintf("op(%#02x)", byte(o))
}

// MaxPayload is the largest payload one frame can carry.
const MaxPayload = math.MaxUint16

const headerLen = 3

// Frame is one relay protocol unit.
type Frame struct {
	Op      Op
	Payload []byte
}

// WriteFrame writes f to w as a single write, so concurrent writers
// cannot interleave partial frames.
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Payload) > MaxPayload {
		return fmt.Errorf("payload of %d bytes exceeds frame limit", len(f.Payload))
	}

	buf := make([]byte, headerLen+len(f.Payload))
	buf[0] = byte(f.Op)
	binary.LittleEndian.PutUint16(buf[1:], uint16(len(f.Payload)))
	copy(buf[headerLen:], f.Payload)

	_, err := w.Write(buf)
	return err
}

// ReadFrame reads exactly one frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [headerLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, err
	}

	f := Frame{Op: Op(header[0])}

	n := binary.LittleEndian.Uint16(header[1:])
	if n == 0 {
		return f, nil
	}

	f.Payload = make([]byte, n)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return Frame{}, err
	}

	return f, nil
}
