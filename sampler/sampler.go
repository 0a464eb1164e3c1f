// Package sampler picks the miners a new job group is fanned out to.
package sampler

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/distributedstatemachine/folding/cluster"
	"github.com/distributedstatemachine/folding/ring"
)

// ErrInsufficientWorkers means fewer eligible miners exist than were asked for.
var ErrInsufficientWorkers = errors.New("insufficient eligible workers")

// Sampler selects distinct alive miners for a job by walking a consistent-hash
// ring from the job ID. Miners are reused across concurrent jobs; only the
// exclude set and liveness narrow the choice.
type Sampler struct {
	mu       sync.Mutex
	registry *cluster.Registry
	ring     *ring.Ring
	gen      uint64
	synced   bool
}

// New creates a Sampler over the registry's alive miners.
func New(registry *cluster.Registry) *Sampler {
	return &Sampler{registry: registry, ring: ring.New()}
}

// Sample returns exactly count distinct miner IDs for jobID, none of them in
// exclude.
func (s *Sampler) Sample(jobID string, count int, exclude []string) ([]string, error) {
	if count <= 0 {
		return nil, fmt.Errorf("sample size must be positive, got %d", count)
	}
	s.sync()

	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}

	ids, err := s.ring.Walk(jobID, count, skip)
	if errors.Is(err, ring.ErrEmptyRing) {
		return nil, fmt.Errorf("%w: no alive miners for %s", ErrInsufficientWorkers, jobID)
	}
	if err != nil {
		return nil, err
	}
	if len(ids) < count {
		return nil, fmt.Errorf("%w: need %d for %s, have %d", ErrInsufficientWorkers, count, jobID, len(ids))
	}
	return ids, nil
}

// Eligible returns how many alive miners the sampler currently sees.
func (s *Sampler) Eligible() int {
	s.sync()
	return s.ring.Size()
}

// sync rebuilds the ring if the registry's alive set changed.
func (s *Sampler) sync() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.synced && s.registry.Generation() == s.gen {
		return
	}
	ids, gen := s.registry.GetAliveIDs()
	s.ring.Rebalance(ids)
	s.gen, s.synced = gen, true
	log.Printf("[sampler] ring rebuilt: %d alive miners (gen=%d)", len(ids), gen)
}
