package simrpc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// FrameType is the one-byte kind of a frame.
type FrameType uint8

// 0x01 = payload carries data
// 0x02 = sender is done with this stream
// 0x03 = payload is a fatal error message
const (
	FrameData      FrameType = 0x01
	FrameEndStream FrameType = 0x02
	FrameError     FrameType = 0x03
)

func (t FrameType) String() string {
	switch t {
	case FrameData:
		return "DATA"
	case FrameEndStream:
		return "END"
	case FrameError:
		return "ERROR"
	default:
		return fmt.Sprintf("FrameType(%d)", uint8(t))
	}
}

// MaxPayload caps a single frame's payload. A sample is tens of bytes and a
// request a few hundred, so anything larger is a corrupt length prefix.
const MaxPayload = 1 << 20

var ErrPayloadTooLarge = errors.New("frame payload too large")

// Frame is a unit of data on a simulator connection.
//
// Wire layout, big-endian:
//
//	stream_id:4 | type:1 | method_len:1 | method:M | payload_len:4 | payload:N
type Frame struct {
	StreamID uint32
	Type     FrameType
	Method   string
	Payload  []byte
}

// WriteFrame writes f as one contiguous buffer so concurrent writers on
// separate connections never interleave partial frames.
func WriteFrame(w io.Writer, f *Frame) error {
	if len(f.Method) > 255 {
		return fmt.Errorf("method name too long: %d bytes", len(f.Method))
	}
	if len(f.Payload) > MaxPayload {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(f.Payload))
	}

	buf := make([]byte, 0, 10+len(f.Method)+len(f.Payload))
	buf = binary.BigEndian.AppendUint32(buf, f.StreamID)
	buf = append(buf, byte(f.Type), byte(len(f.Method)))
	buf = append(buf, f.Method...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(f.Payload)))
	buf = append(buf, f.Payload...)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame. A clean EOF before the first byte is returned
// as io.EOF.
func ReadFrame(r io.Reader) (*Frame, error) {
	var head [6]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read header: %w", err)
	}

	f := &Frame{
		StreamID: binary.BigEndian.Uint32(head[0:4]),
		Type:     FrameType(head[4]),
	}

	if methodLen := int(head[5]); methodLen > 0 {
		method := make([]byte, methodLen)
		if _, err := io.ReadFull(r, method); err != nil {
			return nil, fmt.Errorf("read method: %w", err)
		}
		f.Method = string(method)
	}

	var size [4]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		return nil, fmt.Errorf("read payload_len: %w", err)
	}
	payloadLen := binary.BigEndian.Uint32(size[:])
	if payloadLen > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, payloadLen)
	}
	if payloadLen > 0 {
		f.Payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
	}

	return f, nil
}
