// Package protocol implements the binary framing used by the live-room
// broadcast websocket.
//
// Every frame starts with a fixed 16-byte big-endian header:
//
//	offset 0  uint32 total length (header + body)
//	offset 4  uint16 header length (always 16)
//	offset 6  uint16 protocol version
//	offset 8  uint32 operation code
//	offset 12 uint32 sequence
//
// followed by the body. A single websocket message may carry several frames
// back to back; each frame's total length gives the offset of the next one.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// HeaderSize is the fixed header length written by Encode.
const HeaderSize = 16

const (
	protocolVersion = 1
	sequence        = 1
)

// ErrMalformedFrame is returned when a header declares lengths that make it
// impossible to locate the next frame.
var ErrMalformedFrame = errors.New("malformed frame header")

// Operation is the frame operation code.
type Operation uint32

const (
	OpSendHeartbeat Operation = 2
	OpPopularity    Operation = 3
	OpCommand       Operation = 5
	OpAuth          Operation = 7
	OpRecvHeartbeat Operation = 8
)

// String returns a human-readable name for the operation.
func (o Operation) String() string {
	switch o {
	case OpSendHeartbeat:
		return "send_heartbeat"
	case OpPopularity:
		return "popularity"
	case OpCommand:
		return "command"
	case OpAuth:
		return "auth"
	case OpRecvHeartbeat:
		return "recv_heartbeat"
	default:
		return fmt.Sprintf("op_%d", uint32(o))
	}
}

// Frame is one decoded protocol unit.
type Frame struct {
	TotalLength     uint32
	HeaderLength    uint16
	ProtocolVersion uint16
	Operation       Operation
	Sequence        uint32
	Body            []byte
}

// Encode serializes payload as JSON and prefixes it with a header for op.
func Encode(payload any, op Operation) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", op, err)
	}
	buf := make([]byte, HeaderSize+len(body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(HeaderSize+len(body)))
	binary.BigEndian.PutUint16(buf[4:6], HeaderSize)
	binary.BigEndian.PutUint16(buf[6:8], protocolVersion)
	binary.BigEndian.PutUint32(buf[8:12], uint32(op))
	binary.BigEndian.PutUint32(buf[12:16], sequence)
	copy(buf[HeaderSize:], body)
	return buf, nil
}

// Decode parses every complete frame in buf. Parsing starts at offset 0 and
// advances by each frame's total length; it stops at the end of buf or at the
// first header or body that is not fully contained in buf, in which case the
// unparsed remainder is discarded. When a header is malformed the frames
// decoded so far are returned together with ErrMalformedFrame.
func Decode(buf []byte) ([]Frame, error) {
	frames, _, err := decode(buf)
	return frames, err
}

// decode returns the parsed frames and the offset of the first unconsumed byte.
func decode(buf []byte) ([]Frame, int, error) {
	var frames []Frame
	offset := 0
	for offset < len(buf) {
		f, n, err := parseOne(buf[offset:])
		if err != nil {
			return frames, offset, err
		}
		if n == 0 {
			break
		}
		frames = append(frames, f)
		offset += n
	}
	return frames, offset, nil
}

// parseOne reads a single frame from the start of b. It returns n == 0 when b
// does not yet hold a complete frame.
func parseOne(b []byte) (Frame, int, error) {
	if len(b) < HeaderSize {
		return Frame{}, 0, nil
	}
	f := Frame{
		TotalLength:     binary.BigEndian.Uint32(b[0:4]),
		HeaderLength:    binary.BigEndian.Uint16(b[4:6]),
		ProtocolVersion: binary.BigEndian.Uint16(b[6:8]),
		Operation:       Operation(binary.BigEndian.Uint32(b[8:12])),
		Sequence:        binary.BigEndian.Uint32(b[12:16]),
	}
	if f.HeaderLength < HeaderSize || f.TotalLength < uint32(f.HeaderLength) {
		return Frame{}, 0, fmt.Errorf("%w: total=%d header=%d", ErrMalformedFrame, f.TotalLength, f.HeaderLength)
	}
	if uint64(f.TotalLength) > uint64(len(b)) {
		return Frame{}, 0, nil
	}
	body := make([]byte, int(f.TotalLength)-int(f.HeaderLength))
	copy(body, b[f.HeaderLength:f.TotalLength])
	f.Body = body
	return f, int(f.TotalLength), nil
}

// PopularityValue extracts the viewer popularity count carried by a
// Popularity frame.
func PopularityValue(f Frame) (uint32, bool) {
	if f.Operation != OpPopularity || len(f.Body) < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(f.Body[:4]), true
}

// UnmarshalBody decodes a JSON frame body into v.
func UnmarshalBody(f Frame, v any) error {
	if err := json.Unmarshal(f.Body, v); err != nil {
		return fmt.Errorf("decode %s body: %w", f.Operation, err)
	}
	return nil
}
