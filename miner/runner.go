package miner

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/distributedstatemachine/folding/job"
	"github.com/distributedstatemachine/folding/simrpc"
)

// Simulator advances a job by steps from startStep, emitting samples in step
// order. simrpc.Client is the production implementation.
type Simulator interface {
	Simulate(ctx context.Context, spec job.Spec, startStep, steps int64, emit func(job.Sample) error) error
}

// RunnerConfig tunes the miner side.
type RunnerConfig struct {
	WorkerID      string
	ChunkSteps    int64         // steps per Simulate call
	MaxJobs       int           // concurrent runs; 0 means unbounded
	Retention     time.Duration // how long finished runs stay queryable
	EngineRetries int           // transport retries per chunk before giving up
}

type run struct {
	mu         sync.Mutex
	spec       job.Spec
	samples    []job.Sample
	steps      int64
	report     job.Report
	errMsg     string
	finishedAt time.Time
}

func (r *run) append(s job.Sample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.samples); n > 0 && s.Step <= r.samples[n-1].Step {
		return nil
	}
	r.samples = append(r.samples, s)
	return nil
}

func (r *run) finish(report job.Report, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.report = report
	r.errMsg = msg
	r.finishedAt = time.Now()
}

// Runner serves the miner side of the protocol. Each assigned job is driven
// in chunks against the Simulator, resuming from the last completed step,
// until the energy converges, the step budget runs out or the engine fails.
type Runner struct {
	mu     sync.Mutex
	cfg    RunnerConfig
	sim    Simulator
	runs   map[string]*run
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates a Runner. Call Stop to cancel every run.
func NewRunner(cfg RunnerConfig, sim Simulator) *Runner {
	if cfg.ChunkSteps <= 0 {
		cfg.ChunkSteps = 1000
	}
	if cfg.EngineRetries <= 0 {
		cfg.EngineRetries = 3
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		cfg:    cfg,
		sim:    sim,
		runs:   make(map[string]*run),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Assign starts driving req.Spec. Re-assigning a known job is a no-op.
func (r *Runner) Assign(_ context.Context, req *AssignRequest) (*AssignResponse, error) {
	spec := req.Spec
	if spec.ID == "" {
		return nil, status.Error(codes.InvalidArgument, "empty job id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[spec.ID]; ok {
		return &AssignResponse{WorkerID: r.cfg.WorkerID, Accepted: true}, nil
	}
	if r.cfg.MaxJobs > 0 && r.activeLocked() >= r.cfg.MaxJobs {
		return nil, status.Errorf(codes.ResourceExhausted, "%s is at capacity (%d jobs)", r.cfg.WorkerID, r.cfg.MaxJobs)
	}

	rn := &run{spec: spec, report: job.ReportRunning}
	r.runs[spec.ID] = rn
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.drive(rn)
	}()
	log.Printf("[miner %s] accepted job=%s pdb=%s max_steps=%d", r.cfg.WorkerID, spec.ID, spec.PDBID, spec.MaxSteps)
	return &AssignResponse{WorkerID: r.cfg.WorkerID, Accepted: true}, nil
}

func (r *Runner) drive(rn *run) {
	spec := rn.spec
	failures := 0
	for {
		rn.mu.Lock()
		start := rn.steps
		converged := job.Stable(rn.samples, spec.ConvergenceThreshold)
		rn.mu.Unlock()

		if converged || (spec.MaxSteps > 0 && start >= spec.MaxSteps) {
			rn.finish(job.ReportDone, "")
			log.Printf("[miner %s] job=%s done at step %d (converged=%v)", r.cfg.WorkerID, spec.ID, start, converged)
			return
		}

		chunk := r.cfg.ChunkSteps
		if spec.MaxSteps > 0 && spec.MaxSteps-start < chunk {
			chunk = spec.MaxSteps - start
		}

		err := r.sim.Simulate(r.ctx, spec, start, chunk, rn.append)
		if r.ctx.Err() != nil {
			return
		}
		if err != nil {
			if errors.Is(err, simrpc.ErrSimulation) || failures+1 >= r.cfg.EngineRetries {
				rn.finish(job.ReportFailed, err.Error())
				log.Printf("[miner %s] job=%s failed at step %d: %v", r.cfg.WorkerID, spec.ID, start, err)
				return
			}
			failures++
			log.Printf("[miner %s] job=%s engine error (attempt %d): %v", r.cfg.WorkerID, spec.ID, failures, err)
			continue
		}
		failures = 0

		rn.mu.Lock()
		rn.steps = start + chunk
		rn.mu.Unlock()
	}
}

// Query returns the samples of a job past req.SinceStep.
func (r *Runner) Query(_ context.Context, req *QueryRequest) (*QueryResponse, error) {
	r.mu.Lock()
	rn, ok := r.runs[req.JobID]
	r.mu.Unlock()
	if !ok {
		return nil, status.Errorf(codes.NotFound, "unknown job %s", req.JobID)
	}

	rn.mu.Lock()
	defer rn.mu.Unlock()
	resp := &QueryResponse{
		JobID:    req.JobID,
		WorkerID: r.cfg.WorkerID,
		Report:   rn.report,
		Steps:    rn.steps,
		Error:    rn.errMsg,
	}
	for _, s := range rn.samples {
		if s.Step > req.SinceStep {
			resp.Samples = append(resp.Samples, s)
		}
	}
	return resp, nil
}

// Ping answers liveness checks from validators.
func (r *Runner) Ping(context.Context, *PingRequest) (*PingResponse, error) {
	return &PingResponse{WorkerID: r.cfg.WorkerID, Active: r.Active()}, nil
}

// Prune forgets runs that finished more than Retention ago. Returns how many
// were dropped.
func (r *Runner) Prune(now time.Time) int {
	if r.cfg.Retention <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := 0
	for id, rn := range r.runs {
		rn.mu.Lock()
		expired := !rn.finishedAt.IsZero() && now.Sub(rn.finishedAt) > r.cfg.Retention
		rn.mu.Unlock()
		if expired {
			delete(r.runs, id)
			dropped++
		}
	}
	return dropped
}

// Active returns the number of runs still simulating.
func (r *Runner) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeLocked()
}

func (r *Runner) activeLocked() int {
	n := 0
	for _, rn := range r.runs {
		rn.mu.Lock()
		if rn.report == job.ReportRunning {
			n++
		}
		rn.mu.Unlock()
	}
	return n
}

// Stop cancels every run and waits for the drivers to exit.
func (r *Runner) Stop() {
	r.cancel()
	r.wg.Wait()
}
