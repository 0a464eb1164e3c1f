// Package miner carries the validator <-> miner protocol: a small gRPC
// service with Assign, Query and Ping, the validator-side Client and the
// miner-side Runner.
package miner

import (
	"context"
	"errors"

	"google.golang.org/grpc"

	"github.com/distributedstatemachine/folding/job"
)

var (
	// ErrTransport wraps every failure to reach or understand a miner.
	ErrTransport = errors.New("miner transport error")
	// ErrUnknownJob means the miner holds no run for the job.
	ErrUnknownJob = errors.New("miner does not know job")
)

const serviceName = "folding.Miner"

// AssignRequest hands a new job to a miner.
type AssignRequest struct {
	Spec job.Spec `json:"spec"`
}

// AssignResponse acknowledges an assignment.
type AssignResponse struct {
	WorkerID string `json:"worker_id"`
	Accepted bool   `json:"accepted"`
}

// QueryRequest asks for samples newer than SinceStep.
type QueryRequest struct {
	JobID     string `json:"job_id"`
	SinceStep int64  `json:"since_step"`
}

// QueryResponse is a miner's progress report for one job.
type QueryResponse struct {
	JobID    string       `json:"job_id"`
	WorkerID string       `json:"worker_id"`
	Samples  []job.Sample `json:"samples"`
	Report   job.Report   `json:"report"`
	Steps    int64        `json:"steps"`
	Error    string       `json:"error,omitempty"`
}

// PingRequest is a liveness check.
type PingRequest struct{}

// PingResponse reports who answered and how busy it is.
type PingResponse struct {
	WorkerID string `json:"worker_id"`
	Active   int    `json:"active"`
}

// Service is what a miner serves.
type Service interface {
	Assign(context.Context, *AssignRequest) (*AssignResponse, error)
	Query(context.Context, *QueryRequest) (*QueryResponse, error)
	Ping(context.Context, *PingRequest) (*PingResponse, error)
}

// ServiceDesc describes Service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Service)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Assign", Handler: assignHandler},
		{MethodName: "Query", Handler: queryHandler},
		{MethodName: "Ping", Handler: pingHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "folding/miner",
}

// Register attaches svc to a gRPC server.
func Register(s grpc.ServiceRegistrar, svc Service) {
	s.RegisterService(&ServiceDesc, svc)
}

func assignHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(AssignRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Service).Assign(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Assign"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Service).Assign(ctx, req.(*AssignRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func queryHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(QueryRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Service).Query(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Query"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Service).Query(ctx, req.(*QueryRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func pingHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PingRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Service).Ping(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Ping"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Service).Ping(ctx, req.(*PingRequest))
	}
	return interceptor(ctx, in, info, handler)
}
