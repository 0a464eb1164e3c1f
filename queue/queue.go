// Package queue keeps the number of open job groups at the configured
// backlog size.
package queue

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/distributedstatemachine/folding/job"
	"github.com/distributedstatemachine/folding/metrics"
	"github.com/distributedstatemachine/folding/sampler"
	"github.com/distributedstatemachine/folding/store"
	"github.com/distributedstatemachine/folding/tracker"
)

// Sampler picks the miners for a new job.
type Sampler interface {
	Sample(jobID string, count int, exclude []string) ([]string, error)
	Eligible() int
}

// Dispatcher tells a miner about a job it was sampled for.
type Dispatcher interface {
	Assign(ctx context.Context, workerID string, spec job.Spec) error
}

// Config holds the admission parameters.
type Config struct {
	QueueSize           int // max open job groups
	SampleSize          int // miners per job
	DispatchConcurrency int // parallel Assign calls; 0 means one per miner
}

// Manager admits new job groups into the tracker as finalized ones free
// their slots.
type Manager struct {
	mu       sync.Mutex // serializes TopUp
	cfg      Config
	source   store.Source
	sampler  Sampler
	tracker  *tracker.Tracker
	dispatch Dispatcher // nil: miners learn about jobs some other way
	parked   *job.Spec  // spec that could not be staffed last time
	now      func() time.Time
}

// New creates a Manager. dispatch may be nil.
func New(cfg Config, source store.Source, s Sampler, tr *tracker.Tracker, dispatch Dispatcher) *Manager {
	return &Manager{
		cfg:      cfg,
		source:   source,
		sampler:  s,
		tracker:  tr,
		dispatch: dispatch,
		now:      time.Now,
	}
}

// TopUp creates one group per free slot and dispatches it. Every failure is
// scoped to its slot: an empty or broken backlog and a shortage of miners
// only leave the slot open for the next call. Returns the groups created.
func (m *Manager) TopUp(ctx context.Context) []tracker.Group {
	m.mu.Lock()
	defer m.mu.Unlock()

	deficit := m.cfg.QueueSize - m.tracker.Active()
	var created []tracker.Group

	for slot := 0; slot < deficit; slot++ {
		spec, err := m.next(ctx)
		if errors.Is(err, store.ErrMalformedSpec) {
			// the bad entry is consumed; this slot waits for the next cycle
			log.Printf("[queue] %v", err)
			metrics.AdmissionSkips.WithLabelValues(skipReason(err)).Inc()
			continue
		}
		if errors.Is(err, store.ErrEmpty) {
			metrics.AdmissionSkips.WithLabelValues("empty").Inc()
			break
		}
		if err != nil {
			log.Printf("[queue] backlog unavailable: %v", err)
			metrics.AdmissionSkips.WithLabelValues("error").Inc()
			break
		}
		if m.tracker.Known(spec.ID) {
			log.Printf("[queue] skipping already-issued job %s", spec.ID)
			metrics.AdmissionSkips.WithLabelValues("duplicate").Inc()
			continue
		}

		workers, err := m.sampler.Sample(spec.ID, m.cfg.SampleSize, nil)
		if err != nil {
			// park it and retry first next cycle
			m.parked = &spec
			if errors.Is(err, sampler.ErrInsufficientWorkers) {
				metrics.AdmissionSkips.WithLabelValues("workers").Inc()
			} else {
				metrics.AdmissionSkips.WithLabelValues("error").Inc()
			}
			log.Printf("[queue] cannot staff job %s: %v", spec.ID, err)
			break
		}

		g, err := m.tracker.CreateGroup(spec, workers, m.now())
		if err != nil {
			log.Printf("[queue] create group %s: %v", spec.ID, err)
			metrics.AdmissionSkips.WithLabelValues("duplicate").Inc()
			continue
		}
		metrics.GroupsCreated.Inc()
		log.Printf("[queue] created job=%s pdb=%s miners=%v", spec.ID, spec.PDBID, workers)
		created = append(created, g)
	}

	if m.dispatch != nil && len(created) > 0 {
		m.assign(ctx, created)
	}
	m.observe(m.snapshotLocked())
	return created
}

func skipReason(err error) string {
	switch {
	case errors.Is(err, store.ErrIncomplete):
		return "incomplete"
	case errors.Is(err, store.ErrNotDownloadable):
		return "not_downloadable"
	default:
		return "malformed"
	}
}

// Snapshot describes the admission side for the status endpoint.
type Snapshot struct {
	Parked         bool         `json:"parked"`
	EligibleMiners int          `json:"eligible_miners"`
	Backlog        *store.Stats `json:"backlog,omitempty"` // nil when the source keeps no stats
}

// Snapshot returns the current admission state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	snap := Snapshot{Parked: m.parked != nil, EligibleMiners: m.sampler.Eligible()}
	if src, ok := m.source.(interface{ Stats() store.Stats }); ok {
		st := src.Stats()
		snap.Backlog = &st
	}
	return snap
}

func (m *Manager) observe(snap Snapshot) {
	metrics.EligibleMiners.Set(float64(snap.EligibleMiners))
	if b := snap.Backlog; b != nil {
		metrics.Backlog.WithLabelValues("issued").Set(float64(b.Issued))
		metrics.Backlog.WithLabelValues("rejected").Set(float64(b.Rejected))
		metrics.Backlog.WithLabelValues("incomplete").Set(float64(b.Incomplete))
		metrics.Backlog.WithLabelValues("not_downloadable").Set(float64(b.NotDownloadable))
	}
}

// next returns the parked spec if there is one, else pulls from the source.
func (m *Manager) next(ctx context.Context) (job.Spec, error) {
	if m.parked != nil {
		spec := *m.parked
		m.parked = nil
		return spec, nil
	}
	return m.source.NextSpec(ctx)
}

// assign sends every new task to its miner concurrently. Failures are logged
// only; the poller's failure counter decides what happens to those tasks.
func (m *Manager) assign(ctx context.Context, groups []tracker.Group) {
	var eg errgroup.Group
	if m.cfg.DispatchConcurrency > 0 {
		eg.SetLimit(m.cfg.DispatchConcurrency)
	}
	for _, g := range groups {
		for _, task := range g.Tasks {
			spec, workerID := g.Spec, task.WorkerID
			eg.Go(func() error {
				if err := m.dispatch.Assign(ctx, workerID, spec); err != nil {
					log.Printf("[queue] assign job=%s miner=%s: %v", spec.ID, workerID, err)
				}
				return nil
			})
		}
	}
	eg.Wait()
}

// Parked reports whether a spec is waiting for miners.
func (m *Manager) Parked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.parked != nil
}
