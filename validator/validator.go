// Package validator wires the poll loop and admission control into one
// coordinating process.
package validator

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/distributedstatemachine/folding/cluster"
	"github.com/distributedstatemachine/folding/poller"
	"github.com/distributedstatemachine/folding/queue"
	"github.com/distributedstatemachine/folding/tracker"
)

// Validator runs discrete steps: each one polls every open task, finalizes
// what it can and then refills the freed backlog slots.
type Validator struct {
	mu       sync.Mutex
	poller   *poller.Poller
	queue    *queue.Manager
	tracker  *tracker.Tracker
	registry *cluster.Registry
	interval time.Duration
	last     Step
}

// Step summarizes one validator step.
type Step struct {
	Poll    poller.TickResult
	Created []string
	At      time.Time
}

// New creates a Validator. registry may be nil.
func New(p *poller.Poller, q *queue.Manager, tr *tracker.Tracker, registry *cluster.Registry, interval time.Duration) *Validator {
	return &Validator{poller: p, queue: q, tracker: tr, registry: registry, interval: interval}
}

// Run steps once immediately and then on every interval until ctx ends.
func (v *Validator) Run(ctx context.Context) {
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()
	v.RunTicks(ctx, ticker.C)
}

// RunTicks admits the first groups, then steps on every value received from
// ticks until ctx ends or ticks is closed.
func (v *Validator) RunTicks(ctx context.Context, ticks <-chan time.Time) {
	v.admit(ctx)
	for {
		select {
		case _, ok := <-ticks:
			if !ok {
				return
			}
			v.Step(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Step runs one poll tick and then tops up the backlog.
func (v *Validator) Step(ctx context.Context) Step {
	res := v.poller.Tick(ctx)
	created := v.admit(ctx)

	st := v.tracker.Stats()
	log.Printf("[validator] tick=%d queried=%d applied=%d failed=%d scored=%d created=%d active=%d tasks=%d",
		res.Tick, res.Queried, res.Applied, res.Failed, len(res.Scored), len(created), st.Active, st.Tasks)

	step := Step{Poll: res, Created: created, At: time.Now()}
	v.mu.Lock()
	v.last = step
	v.mu.Unlock()
	return step
}

func (v *Validator) admit(ctx context.Context) []string {
	if ctx.Err() != nil {
		return nil
	}
	groups := v.queue.TopUp(ctx)
	ids := make([]string, len(groups))
	for i, g := range groups {
		ids[i] = g.Spec.ID
	}
	return ids
}

// Status is the JSON body of the status endpoint.
type Status struct {
	Tick     uint64          `json:"tick"`
	LastStep time.Time       `json:"last_step"`
	Tracker  tracker.Stats   `json:"tracker"`
	Jobs     []string        `json:"active_jobs"`
	Queue    queue.Snapshot  `json:"queue"`
	Miners   []cluster.Miner `json:"miners,omitempty"`
}

// Status returns a snapshot for the status endpoint.
func (v *Validator) Status() Status {
	v.mu.Lock()
	last := v.last
	v.mu.Unlock()

	s := Status{
		Tick:     v.poller.CurrentTick(),
		LastStep: last.At,
		Tracker:  v.tracker.Stats(),
		Jobs:     v.tracker.ActiveJobIDs(),
		Queue:    v.queue.Snapshot(),
	}
	if v.registry != nil {
		s.Miners = v.registry.GetAll()
	}
	return s
}
