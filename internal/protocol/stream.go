package protocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// ReadFrame reads one raw packet from a byte stream. Bytes before the start
// marker are skipped. The returned slice still needs Parse or Decode; only
// the declared length is trusted here.
func (f Framing) ReadFrame(r *bufio.Reader, maxPayload int) ([]byte, error) {
	w := f.width()
	if err := f.syncStart(r); err != nil {
		return nil, err
	}

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint16(header[3:5]))
	if maxPayload > 0 && length > maxPayload {
		return nil, fmt.Errorf("%w: declared payload %d exceeds limit %d", ErrLengthMismatch, length, maxPayload)
	}

	frame := make([]byte, f.Overhead()+length)
	f.putMarker(frame, StartMarker)
	copy(frame[w:], header)
	if _, err := io.ReadFull(r, frame[w+headerSize:]); err != nil {
		return nil, err
	}
	return frame, nil
}

func (f Framing) syncStart(r *bufio.Reader) error {
	var prev byte = 0xFF
	for {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		if b == StartMarker && (f.width() == 1 || prev == 0x00) {
			return nil
		}
		prev = b
	}
}
