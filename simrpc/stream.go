package simrpc

import (
	"fmt"
	"io"
)

// Stream is one request/response exchange multiplexed on a connection.
type Stream struct {
	ID       uint32
	recvChan chan *Frame
	sendChan chan<- *Frame
	done     <-chan struct{} // closed when the connection goes away
}

// Recv returns the next DATA frame. END yields io.EOF and ERROR yields the
// remote message as an error.
func (s *Stream) Recv() (*Frame, error) {
	f, ok := <-s.recvChan
	if !ok || f.Type == FrameEndStream {
		return nil, io.EOF
	}
	if f.Type == FrameError {
		return nil, fmt.Errorf("remote error: %s", string(f.Payload))
	}
	return f, nil
}

// Send queues f on the connection's write loop.
func (s *Stream) Send(f *Frame) error {
	f.StreamID = s.ID
	select {
	case s.sendChan <- f:
		return nil
	case <-s.done:
		return io.ErrClosedPipe
	}
}

// Done is closed once the peer disconnects; handlers use it to stop work.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}
