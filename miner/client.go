package miner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/distributedstatemachine/folding/job"
	"github.com/distributedstatemachine/folding/tracker"
)

// Client is the validator's view of every miner. Connections are opened
// lazily per miner and redialed when the miner's address changes.
type Client struct {
	mu      sync.Mutex
	resolve func(workerID string) string
	conns   map[string]*minerConn
	timeout time.Duration
	opts    []grpc.DialOption
}

type minerConn struct {
	addr string
	cc   *grpc.ClientConn
}

// NewClient creates a Client. resolve maps a miner ID to its address and
// timeout bounds each call; extra dial options are applied after the defaults.
func NewClient(resolve func(workerID string) string, timeout time.Duration, opts ...grpc.DialOption) *Client {
	base := []grpc.DialOption{
		// no TLS between validator and miners yet
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}
	return &Client{
		resolve: resolve,
		conns:   make(map[string]*minerConn),
		timeout: timeout,
		opts:    append(base, opts...),
	}
}

func (c *Client) conn(workerID string) (*grpc.ClientConn, error) {
	addr := c.resolve(workerID)
	if addr == "" {
		return nil, fmt.Errorf("%w: no address for miner %s", ErrTransport, workerID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if mc, ok := c.conns[workerID]; ok {
		if mc.addr == addr {
			return mc.cc, nil
		}
		mc.cc.Close()
		delete(c.conns, workerID)
	}

	cc, err := grpc.NewClient(addr, c.opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s at %s: %v", ErrTransport, workerID, addr, err)
	}
	c.conns[workerID] = &minerConn{addr: addr, cc: cc}
	return cc, nil
}

func (c *Client) invoke(ctx context.Context, workerID, method string, in, out any) error {
	cc, err := c.conn(workerID)
	if err != nil {
		return err
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	if err := cc.Invoke(ctx, "/"+serviceName+"/"+method, in, out); err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("%w: %s %s: %w", ErrTransport, workerID, method, ErrUnknownJob)
		}
		return fmt.Errorf("%w: %s %s: %v", ErrTransport, workerID, method, err)
	}
	return nil
}

// Assign hands spec to one miner.
func (c *Client) Assign(ctx context.Context, workerID string, spec job.Spec) error {
	var resp AssignResponse
	if err := c.invoke(ctx, workerID, "Assign", &AssignRequest{Spec: spec}, &resp); err != nil {
		return err
	}
	if !resp.Accepted {
		return fmt.Errorf("%w: miner %s declined job %s", ErrTransport, workerID, spec.ID)
	}
	return nil
}

// Ping checks that a miner answers at all.
func (c *Client) Ping(ctx context.Context, workerID string) error {
	var resp PingResponse
	return c.invoke(ctx, workerID, "Ping", &PingRequest{}, &resp)
}

// Query fetches samples past sinceStep and converts them into a tracker
// submission. A response that does not describe the asked-for job is
// reported as tracker.ErrMalformedResult.
func (c *Client) Query(ctx context.Context, jobID, workerID string, sinceStep int64) (tracker.Submission, error) {
	var resp QueryResponse
	err := c.invoke(ctx, workerID, "Query", &QueryRequest{JobID: jobID, SinceStep: sinceStep}, &resp)
	if err != nil {
		return tracker.Submission{}, err
	}

	if resp.JobID != jobID {
		return tracker.Submission{}, fmt.Errorf("%w: miner %s answered for job %q, asked %q",
			tracker.ErrMalformedResult, workerID, resp.JobID, jobID)
	}
	switch resp.Report {
	case "":
		resp.Report = job.ReportRunning
	case job.ReportRunning, job.ReportDone, job.ReportFailed:
	default:
		return tracker.Submission{}, fmt.Errorf("%w: miner %s reported state %q",
			tracker.ErrMalformedResult, workerID, resp.Report)
	}
	return tracker.Submission{Samples: resp.Samples, Report: resp.Report, Steps: resp.Steps}, nil
}

// Close drops every cached connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for id, mc := range c.conns {
		errs = append(errs, mc.cc.Close())
		delete(c.conns, id)
	}
	return errors.Join(errs...)
}
