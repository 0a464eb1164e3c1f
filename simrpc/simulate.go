package simrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync/atomic"
	"time"

	"github.com/distributedstatemachine/folding/job"
)

// MethodSimulate is the only method the engine serves.
const MethodSimulate = "Simulate"

// ErrSimulation is a fatal error reported by the engine. Resuming the same
// job will not help.
var ErrSimulation = errors.New("simulation failed")

// Request asks the engine to advance spec from StartStep by Steps steps.
type Request struct {
	Spec      job.Spec `json:"spec"`
	StartStep int64    `json:"start_step"`
	Steps     int64    `json:"steps"`
}

// Engine is the physics side. Run emits samples in step order and returns
// when the chunk is done, ctx ends or emit fails.
type Engine interface {
	Run(ctx context.Context, req Request, emit func(job.Sample) error) error
}

// SimulateHandler serves MethodSimulate with engine: one DATA frame per
// sample, then END, or ERROR if the engine fails.
func SimulateHandler(engine Engine) HandlerFunc {
	return func(stream *Stream) {
		f, err := stream.Recv()
		if err != nil {
			log.Printf("[simrpc] stream %d: recv request: %v", stream.ID, err)
			return
		}

		var req Request
		if err := json.Unmarshal(f.Payload, &req); err != nil {
			stream.Send(&Frame{Type: FrameError, Payload: []byte("bad request: " + err.Error())})
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-stream.Done():
				cancel()
			case <-ctx.Done():
			}
		}()

		err = engine.Run(ctx, req, func(s job.Sample) error {
			payload, err := json.Marshal(s)
			if err != nil {
				return err
			}
			return stream.Send(&Frame{Type: FrameData, Payload: payload})
		})
		if err != nil {
			log.Printf("[simrpc] job=%s start=%d: %v", req.Spec.ID, req.StartStep, err)
			stream.Send(&Frame{Type: FrameError, Payload: []byte(err.Error())})
			return
		}
		stream.Send(&Frame{Type: FrameEndStream})
	}
}

// Client calls a remote engine. Each Simulate call uses its own connection so
// a stuck chunk never blocks another job.
type Client struct {
	Addr        string
	DialTimeout time.Duration

	nextID atomic.Uint32
}

// NewClient returns a Client for the engine at addr.
func NewClient(addr string) *Client {
	return &Client{Addr: addr, DialTimeout: 5 * time.Second}
}

// Simulate runs one chunk remotely, calling emit for every sample received.
// Engine failures wrap ErrSimulation; anything else is a transport error.
func (c *Client) Simulate(ctx context.Context, spec job.Spec, startStep, steps int64, emit func(job.Sample) error) error {
	payload, err := json.Marshal(Request{Spec: spec, StartStep: startStep, Steps: steps})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	d := net.Dialer{Timeout: c.DialTimeout}
	nc, err := d.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return fmt.Errorf("dial engine %s: %w", c.Addr, err)
	}
	defer nc.Close()

	// unblock reads when ctx ends
	stop := context.AfterFunc(ctx, func() { nc.Close() })
	defer stop()

	id := c.nextID.Add(2) - 1 // odd ids, client-initiated
	if err := WriteFrame(nc, &Frame{StreamID: id, Type: FrameData, Method: MethodSimulate, Payload: payload}); err != nil {
		return err
	}
	if err := WriteFrame(nc, &Frame{StreamID: id, Type: FrameEndStream}); err != nil {
		return err
	}

	for {
		f, err := ReadFrame(nc)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("engine closed stream %d early", id)
			}
			return err
		}
		switch f.Type {
		case FrameEndStream:
			return nil
		case FrameError:
			return fmt.Errorf("%w: %s", ErrSimulation, string(f.Payload))
		case FrameData:
			var s job.Sample
			if err := json.Unmarshal(f.Payload, &s); err != nil {
				return fmt.Errorf("decode sample: %w", err)
			}
			if err := emit(s); err != nil {
				return err
			}
		}
	}
}
