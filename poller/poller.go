// Package poller runs the periodic result collection for every open task.
package poller

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/distributedstatemachine/folding/cluster"
	"github.com/distributedstatemachine/folding/job"
	"github.com/distributedstatemachine/folding/metrics"
	"github.com/distributedstatemachine/folding/miner"
	"github.com/distributedstatemachine/folding/sink"
	"github.com/distributedstatemachine/folding/tracker"
)

// Querier asks a miner for samples of a job past sinceStep.
type Querier interface {
	Query(ctx context.Context, jobID, workerID string, sinceStep int64) (tracker.Submission, error)
}

// Pinger checks whether a miner answers at all. A Querier that also
// implements Pinger lets dead miners back into the ring once they answer.
type Pinger interface {
	Ping(ctx context.Context, workerID string) error
}

// Config holds the per-tick fan-out limits.
type Config struct {
	Concurrency  int           // parallel queries; 0 means one goroutine per task
	QueryTimeout time.Duration // per query; 0 means the tick's context only
	QueryRate    float64       // queries per second across all miners; 0 means unlimited
	ReviveEvery  int           // ticks between revival passes over dead miners; 0 means every tick
}

// TickResult summarizes one tick.
type TickResult struct {
	Tick      uint64
	Queried   int
	Applied   int
	Dropped   int
	Failed    int // transport errors and malformed responses
	Malformed int
	TimedOut  []string // job IDs touched by the timeout sweep
	Scored    []string // job IDs finalized this tick
	Revived   []string // miners let back into the ring this tick
}

// Poller owns the merge-then-finalize cycle. One Tick queries every PENDING
// or RUNNING task concurrently and merges each answer as it lands; only once
// every query has settled does it sweep timeouts and try to finalize, so a
// group is never scored on a half-merged tick.
type Poller struct {
	mu       sync.Mutex // serializes Tick
	cfg      Config
	tracker  *tracker.Tracker
	querier  Querier
	pinger   Pinger // nil when querier cannot ping
	registry *cluster.Registry // optional miner liveness bookkeeping
	sink     sink.Sink
	limiter  *rate.Limiter // nil when QueryRate is 0
	tick     atomic.Uint64
	now      func() time.Time
}

// New creates a Poller. registry may be nil.
func New(cfg Config, tr *tracker.Tracker, q Querier, registry *cluster.Registry, s sink.Sink) *Poller {
	p := &Poller{
		cfg:      cfg,
		tracker:  tr,
		querier:  q,
		registry: registry,
		sink:     s,
		now:      time.Now,
	}
	if pg, ok := q.(Pinger); ok {
		p.pinger = pg
	}
	if cfg.QueryRate > 0 {
		burst := cfg.Concurrency
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.QueryRate), burst)
	}
	return p
}

// Tick runs one poll cycle.
func (p *Poller) Tick(ctx context.Context) TickResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	started := time.Now()
	res := TickResult{Tick: p.tick.Add(1)}

	p.collect(ctx, &res)

	now := p.now()
	res.TimedOut = p.tracker.SweepTimeouts(now)
	if len(res.TimedOut) > 0 {
		log.Printf("[poller] tick=%d runtime exceeded in jobs %v", res.Tick, res.TimedOut)
	}

	for _, id := range p.tracker.ActiveJobIDs() {
		fin, ok := p.tracker.TryFinalize(id, now)
		if !ok {
			continue
		}
		for _, task := range fin.Tasks {
			metrics.Transitions.WithLabelValues(task.State.String()).Inc()
		}
		for _, r := range fin.Scores {
			metrics.Scores.Observe(r.Score)
		}
		if p.sink != nil {
			if err := p.sink.OnGroupScored(ctx, id, fin.Scores); err != nil {
				log.Printf("[poller] job=%s sink: %v", id, err)
			}
		}
		p.tracker.Evict(id)
		metrics.GroupsScored.Inc()
		res.Scored = append(res.Scored, id)
	}

	if p.registry != nil && (p.cfg.ReviveEvery <= 1 || res.Tick%uint64(p.cfg.ReviveEvery) == 0) {
		res.Revived = p.revive(ctx)
	}

	p.observe()
	metrics.Ticks.Inc()
	metrics.TickDuration.Observe(time.Since(started).Seconds())
	return res
}

// collect queries every outstanding task and merges the answers.
func (p *Poller) collect(ctx context.Context, res *TickResult) {
	refs := p.tracker.Outstanding()

	var (
		mu sync.Mutex
		eg errgroup.Group
	)
	if p.cfg.Concurrency > 0 {
		eg.SetLimit(p.cfg.Concurrency)
	}
	count := func(f func()) {
		mu.Lock()
		f()
		mu.Unlock()
	}

	for _, ref := range refs {
		ref := ref
		eg.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if p.limiter != nil {
				if err := p.limiter.Wait(ctx); err != nil {
					return nil
				}
			}
			outcome, failed, malformed := p.pollOne(ctx, ref)
			count(func() {
				res.Queried++
				switch {
				case malformed:
					res.Malformed++
					res.Failed++
				case failed:
					res.Failed++
				case outcome == tracker.OutcomeApplied:
					res.Applied++
				default:
					res.Dropped++
				}
			})
			return nil
		})
	}
	eg.Wait()
}

// pollOne queries one task and merges the result. Returns whether the query
// counted as a failure and whether that failure was a malformed response.
func (p *Poller) pollOne(ctx context.Context, ref tracker.TaskRef) (tracker.Outcome, bool, bool) {
	qctx := ctx
	if p.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		qctx, cancel = context.WithTimeout(ctx, p.cfg.QueryTimeout)
		defer cancel()
	}

	started := time.Now()
	sub, err := p.querier.Query(qctx, ref.JobID, ref.WorkerID, ref.SinceStep)
	metrics.QueryLatency.Observe(time.Since(started).Seconds())

	if err != nil {
		if ctx.Err() != nil {
			// shutting down; not the miner's fault
			return tracker.OutcomeDropped, false, false
		}
		malformed := errors.Is(err, tracker.ErrMalformedResult)
		switch {
		case malformed:
			metrics.Queries.WithLabelValues("malformed").Inc()
		case errors.Is(err, miner.ErrUnknownJob):
			// the miner answered; it just never took this job
			metrics.Queries.WithLabelValues("unknown_job").Inc()
			if p.registry != nil {
				p.registry.MarkSeen(ref.WorkerID, started)
			}
		default:
			metrics.Queries.WithLabelValues("transport").Inc()
			if p.registry != nil && p.registry.IncrementStaleCount(ref.WorkerID) {
				log.Printf("[poller] miner %s marked dead", ref.WorkerID)
			}
		}
		p.fail(ref, err)
		return tracker.OutcomeDropped, true, malformed
	}

	if p.registry != nil && p.registry.MarkSeen(ref.WorkerID, started) {
		log.Printf("[poller] miner %s is back", ref.WorkerID)
	}

	outcome, _, err := p.tracker.RecordResult(ref.JobID, ref.WorkerID, sub, p.now())
	switch {
	case errors.Is(err, tracker.ErrMalformedResult):
		metrics.Queries.WithLabelValues("malformed").Inc()
		p.fail(ref, err)
		return tracker.OutcomeDropped, true, true
	case err != nil:
		// structural: the task vanished under us; nothing to count against the miner
		log.Printf("[poller] job=%s miner=%s: %v", ref.JobID, ref.WorkerID, err)
		metrics.Queries.WithLabelValues("dropped").Inc()
		return tracker.OutcomeDropped, false, false
	}
	if outcome == tracker.OutcomeDropped {
		metrics.Queries.WithLabelValues("dropped").Inc()
	} else {
		metrics.Queries.WithLabelValues("ok").Inc()
	}
	return outcome, false, false
}

func (p *Poller) fail(ref tracker.TaskRef, cause error) {
	state, err := p.tracker.RecordFailure(ref.JobID, ref.WorkerID, p.now())
	if err != nil {
		return
	}
	if state == job.Failed {
		log.Printf("[poller] job=%s miner=%s failed: %v", ref.JobID, ref.WorkerID, cause)
	}
}

// revive gives dead miners a way back into the ring. With a Pinger a dead
// miner returns once it answers a ping; without one it goes on probation.
func (p *Poller) revive(ctx context.Context) []string {
	dead := p.registry.Dead()
	if len(dead) == 0 || ctx.Err() != nil {
		return nil
	}

	var (
		mu   sync.Mutex
		back []string
		eg   errgroup.Group
	)
	if p.cfg.Concurrency > 0 {
		eg.SetLimit(p.cfg.Concurrency)
	}
	for _, id := range dead {
		id := id
		eg.Go(func() error {
			var ok bool
			if p.pinger == nil {
				ok = p.registry.Probation(id)
			} else {
				pctx, cancel := ctx, context.CancelFunc(func() {})
				if p.cfg.QueryTimeout > 0 {
					pctx, cancel = context.WithTimeout(ctx, p.cfg.QueryTimeout)
				}
				err := p.pinger.Ping(pctx, id)
				cancel()
				ok = err == nil && p.registry.MarkSeen(id, p.now())
			}
			if ok {
				mu.Lock()
				back = append(back, id)
				mu.Unlock()
			}
			return nil
		})
	}
	eg.Wait()

	sort.Strings(back)
	if len(back) > 0 {
		log.Printf("[poller] miners back in the ring: %v", back)
	}
	return back
}

// observe refreshes the gauges from the tracker and registry.
func (p *Poller) observe() {
	st := p.tracker.Stats()
	metrics.ActiveGroups.Set(float64(st.Active))
	metrics.Tasks.Reset()
	for state, n := range st.ByState {
		metrics.Tasks.WithLabelValues(state).Set(float64(n))
	}
	if p.registry != nil {
		alive, _ := p.registry.GetAliveIDs()
		metrics.AliveMiners.Set(float64(len(alive)))
	}
}

// CurrentTick returns the number of ticks run so far.
func (p *Poller) CurrentTick() uint64 {
	return p.tick.Load()
}
