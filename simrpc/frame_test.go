package simrpc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestRoundTripDataFrame(t *testing.T) {
	original := &Frame{
		StreamID: 1,
		Type:     FrameData,
		Method:   MethodSimulate,
		Payload:  []byte(`{"step":100,"energy":-512.5}`),
	}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, original); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}

	if got.StreamID != original.StreamID {
		t.Errorf("StreamID = %d, want %d", got.StreamID, original.StreamID)
	}
	if got.Type != original.Type {
		t.Errorf("Type = %s, want %s", got.Type, original.Type)
	}
	if got.Method != original.Method {
		t.Errorf("Method = %q, want %q", got.Method, original.Method)
	}
	if !bytes.Equal(got.Payload, original.Payload) {
		t.Errorf("Payload = %q, want %q", got.Payload, original.Payload)
	}
}

func TestRoundTripEndAndError(t *testing.T) {
	var buf bytes.Buffer
	WriteFrame(&buf, &Frame{StreamID: 5, Type: FrameEndStream})
	WriteFrame(&buf, &Frame{StreamID: 3, Type: FrameError, Payload: []byte("nan in forces")})

	end, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if end.StreamID != 5 || end.Type != FrameEndStream || end.Method != "" || len(end.Payload) != 0 {
		t.Errorf("unexpected END frame %+v", end)
	}

	ef, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if ef.Type != FrameError || string(ef.Payload) != "nan in forces" {
		t.Errorf("unexpected ERROR frame %+v", ef)
	}

	if _, err := ReadFrame(&buf); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF on drained buffer, got %v", err)
	}
}

func TestReadFrame_RejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 1, byte(FrameData), 0})
	binary.Write(&buf, binary.BigEndian, uint32(MaxPayload+1))

	if _, err := ReadFrame(&buf); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestReadFrame_Truncated(t *testing.T) {
	var buf bytes.Buffer
	WriteFrame(&buf, &Frame{StreamID: 1, Type: FrameData, Payload: []byte("hello")})
	short := bytes.NewReader(buf.Bytes()[:buf.Len()-2])

	if _, err := ReadFrame(short); err == nil || errors.Is(err, io.EOF) {
		t.Fatalf("expected a truncation error, got %v", err)
	}
}
