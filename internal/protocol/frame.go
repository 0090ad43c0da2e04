package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame markers. With a two-byte marker width the marker is written as a
// big-endian uint16 (0x00 0x23 / 0x00 0x0D).
const (
	StartMarker byte = 0x23
	EndMarker   byte = 0x0D
)

const (
	headerSize   = 5 // code(1) + sequence(2) + length(2)
	checksumSize = 4

	// MaxPayload is the largest payload the 16-bit length field can describe.
	MaxPayload = 0xFFFF
)

// Decode error kinds. Errors returned by Decode and Parse wrap exactly one of these.
var (
	ErrMalformedFrame   = errors.New("malformed frame")
	ErrLengthMismatch   = errors.New("length mismatch")
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// Framing selects the on-wire marker width. The zero value is the
// single-byte layout.
type Framing struct {
	MarkerWidth int // 1 or 2
}

// DefaultFraming uses single-byte start/end markers.
var DefaultFraming = Framing{MarkerWidth: 1}

func (f Framing) width() int {
	if f.MarkerWidth == 2 {
		return 2
	}
	return 1
}

// Overhead is the number of framing bytes surrounding a payload.
func (f Framing) Overhead() int {
	return 2*f.width() + headerSize + checksumSize
}

// Frame is a parsed packet before its code is interpreted as a command or status.
type Frame struct {
	Code     byte
	Sequence uint16
	Payload  []byte
}

// Response is a decoded device reply.
type Response struct {
	Status   Status
	Sequence uint16
	Payload  []byte
}

// Encode builds a packet:
//
//	start | code | seq(BE16) | len(BE16) | payload | crc32(BE32) | end
//
// The checksum covers code, sequence, length and payload.
func (f Framing) Encode(code byte, seq uint16, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("payload too large: %d bytes (max %d)", len(payload), MaxPayload)
	}
	w := f.width()
	buf := make([]byte, f.Overhead()+len(payload))
	f.putMarker(buf, StartMarker)

	body := buf[w : w+headerSize+len(payload)]
	body[0] = code
	binary.BigEndian.PutUint16(body[1:3], seq)
	binary.BigEndian.PutUint16(body[3:5], uint16(len(payload)))
	copy(body[headerSize:], payload)

	tail := buf[w+len(body):]
	binary.BigEndian.PutUint32(tail[:checksumSize], CRC32(body, CRCSeed))
	f.putMarker(tail[checksumSize:], EndMarker)
	return buf, nil
}

// Parse validates framing, length and checksum and returns the raw frame.
func (f Framing) Parse(buf []byte) (*Frame, error) {
	w := f.width()
	if len(buf) < f.Overhead() {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedFrame, len(buf), f.Overhead())
	}
	if !f.hasMarker(buf, StartMarker) {
		return nil, fmt.Errorf("%w: bad start marker % X", ErrMalformedFrame, buf[:w])
	}

	declared := int(binary.BigEndian.Uint16(buf[w+3 : w+5]))
	if available := len(buf) - f.Overhead(); available != declared {
		return nil, fmt.Errorf("%w: declared %d, frame carries %d", ErrLengthMismatch, declared, available)
	}

	end := buf[len(buf)-w:]
	if !f.hasMarker(end, EndMarker) {
		return nil, fmt.Errorf("%w: bad end marker % X", ErrMalformedFrame, end)
	}

	body := buf[w : w+headerSize+declared]
	got := binary.BigEndian.Uint32(buf[w+len(body):])
	if want := CRC32(body, CRCSeed); got != want {
		return nil, fmt.Errorf("%w: got 0x%08X, computed 0x%08X", ErrChecksumMismatch, got, want)
	}

	payload := make([]byte, declared)
	copy(payload, body[headerSize:])
	return &Frame{
		Code:     body[0],
		Sequence: binary.BigEndian.Uint16(body[1:3]),
		Payload:  payload,
	}, nil
}

// Decode parses a device response. A frame whose code is not a known
// status is reported as malformed.
func (f Framing) Decode(buf []byte) (*Response, error) {
	fr, err := f.Parse(buf)
	if err != nil {
		return nil, err
	}
	st := Status(fr.Code)
	if !st.Valid() {
		return nil, fmt.Errorf("%w: unknown status 0x%02X", ErrMalformedFrame, fr.Code)
	}
	return &Response{Status: st, Sequence: fr.Sequence, Payload: fr.Payload}, nil
}

// EncodeRequest builds a command packet.
func (f Framing) EncodeRequest(cmd Command, seq uint16, payload []byte) ([]byte, error) {
	return f.Encode(byte(cmd), seq, payload)
}

// EncodeResponse builds a response packet. Used by device simulators.
func (f Framing) EncodeResponse(st Status, seq uint16, payload []byte) ([]byte, error) {
	return f.Encode(byte(st), seq, payload)
}

func (f Framing) putMarker(dst []byte, m byte) {
	if f.width() == 2 {
		dst[0] = 0x00
		dst[1] = m
		return
	}
	dst[0] = m
}

func (f Framing) hasMarker(buf []byte, m byte) bool {
	if f.width() == 2 {
		return buf[0] == 0x00 && buf[1] == m
	}
	return buf[0] == m
}

// Decode parses a response with the default framing.
func Decode(buf []byte) (*Response, error) {
	return DefaultFraming.Decode(buf)
}
