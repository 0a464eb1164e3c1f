package tracker

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/distributedstatemachine/folding/job"
	"github.com/distributedstatemachine/folding/scoring"
)

// Config holds the tracker's timeout and failure limits.
type Config struct {
	MaxTaskRuntime         time.Duration // per-task hard cap; 0 disables
	GroupDeadline          time.Duration // per-group finalize ceiling; 0 disables
	MaxConsecutiveFailures int           // failed polls before FAILED; 0 disables
}

// Scorer reduces the final traces of a group to score records.
type Scorer interface {
	Score(jobID string, entries []scoring.Entry) []job.ScoreRecord
}

// Tracker owns every in-flight (job, miner) task.
//
// Locking is two-level. t.mu guards the groups map itself and is only held
// long enough to look a group up, insert or evict one. Each group carries its
// own mutex which serializes every mutation of its tasks. Merges for different
// job IDs therefore run in parallel while merges for the same job ID are
// mutually exclusive, and a group lock is never taken while holding another.
type Tracker struct {
	mu      sync.RWMutex
	cfg     Config
	scorer  Scorer
	groups  map[string]*group   // job ID -> group
	retired map[string]struct{} // job IDs finalized and evicted, never reusable
}

// New creates an empty Tracker.
func New(cfg Config, scorer Scorer) *Tracker {
	return &Tracker{
		cfg:     cfg,
		scorer:  scorer,
		groups:  make(map[string]*group),
		retired: make(map[string]struct{}),
	}
}

// CreateGroup atomically creates one PENDING task per worker for spec.
func (t *Tracker) CreateGroup(spec job.Spec, workerIDs []string, now time.Time) (Group, error) {
	if spec.ID == "" {
		return Group{}, fmt.Errorf("%w: empty job id", ErrInvalidGroup)
	}
	if len(workerIDs) == 0 {
		return Group{}, fmt.Errorf("%w: job %s has no workers", ErrInvalidGroup, spec.ID)
	}

	g := &group{
		spec:      spec,
		order:     make([]string, 0, len(workerIDs)),
		tasks:     make(map[string]*job.Task, len(workerIDs)),
		createdAt: now,
	}
	if t.cfg.GroupDeadline > 0 {
		g.deadline = now.Add(t.cfg.GroupDeadline)
	}
	for _, id := range workerIDs {
		if id == "" {
			return Group{}, fmt.Errorf("%w: job %s has an empty worker id", ErrInvalidGroup, spec.ID)
		}
		if _, dup := g.tasks[id]; dup {
			return Group{}, fmt.Errorf("%w: worker %s assigned twice to job %s", ErrInvalidGroup, id, spec.ID)
		}
		g.order = append(g.order, id)
		g.tasks[id] = &job.Task{
			JobID:      spec.ID,
			WorkerID:   id,
			State:      job.Pending,
			AssignedAt: now,
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.groups[spec.ID]; exists {
		return Group{}, fmt.Errorf("%w: %s", ErrDuplicateJob, spec.ID)
	}
	if _, done := t.retired[spec.ID]; done {
		return Group{}, fmt.Errorf("%w: %s (retired)", ErrDuplicateJob, spec.ID)
	}
	t.groups[spec.ID] = g

	return Group{
		Spec:      spec,
		Tasks:     g.snapshot(),
		CreatedAt: g.createdAt,
		Deadline:  g.deadline,
	}, nil
}

// lookup returns the group for jobID, or nil.
func (t *Tracker) lookup(jobID string) *group {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.groups[jobID]
}

// RecordResult merges one poll response into the (jobID, workerID) task.
//
// Samples at or below the task's last recorded step are overlap from a
// previous poll and are skipped, as are samples past the step budget. A
// submission containing a non-finite energy, a non-positive step or steps that
// go backwards is rejected whole with ErrMalformedResult. Submissions for a
// task that is already terminal are dropped without error.
func (t *Tracker) RecordResult(jobID, workerID string, sub Submission, now time.Time) (Outcome, job.State, error) {
	g := t.lookup(jobID)
	if g == nil {
		return OutcomeDropped, job.Pending, fmt.Errorf("%w: %s/%s", ErrUnknownTask, jobID, workerID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	task, ok := g.tasks[workerID]
	if !ok {
		return OutcomeDropped, job.Pending, fmt.Errorf("%w: %s/%s", ErrUnknownTask, jobID, workerID)
	}
	if g.finalized || task.State.Terminal() {
		return OutcomeDropped, task.State, nil
	}
	if err := validate(sub.Samples); err != nil {
		return OutcomeDropped, task.State, fmt.Errorf("%w: %s/%s: %v", ErrMalformedResult, jobID, workerID, err)
	}

	task.LastPolledAt = now
	task.FailureCount = 0

	spec := g.spec
	for _, s := range sub.Samples {
		if s.Step <= task.LastStep() {
			continue
		}
		if spec.MaxSteps > 0 && s.Step > spec.MaxSteps {
			break
		}
		task.Trace = append(task.Trace, s)
		if task.State == job.Pending {
			task.State = job.Running
		}
		if job.Stable(task.Trace, spec.ConvergenceThreshold) {
			task.State = job.Converged
			break
		}
	}

	steps := sub.Steps
	if spec.MaxSteps > 0 && steps > spec.MaxSteps {
		steps = spec.MaxSteps
	}
	if last := task.LastStep(); last > steps {
		steps = last
	}
	if steps > task.Steps {
		task.Steps = steps
	}

	if !task.State.Terminal() {
		switch {
		case sub.Report == job.ReportFailed:
			task.State = job.Failed
		case sub.Report == job.ReportDone:
			task.State = job.TimedOut
		case spec.MaxSteps > 0 && task.Steps >= spec.MaxSteps:
			task.State = job.TimedOut
		}
	}

	if task.State.Terminal() {
		log.Printf("[tracker] job=%s worker=%s -> %s (samples=%d steps=%d)",
			jobID, workerID, task.State, len(task.Trace), task.Steps)
	}
	return OutcomeApplied, task.State, nil
}

// validate checks a submission before any of it is applied.
func validate(samples []job.Sample) error {
	var prev int64
	for i, s := range samples {
		if !s.Valid() {
			return fmt.Errorf("sample %d: step=%d energy=%v", i, s.Step, s.Energy)
		}
		if i > 0 && s.Step <= prev {
			return fmt.Errorf("sample %d: step %d not after %d", i, s.Step, prev)
		}
		prev = s.Step
	}
	return nil
}

// RecordFailure counts one failed poll against the task. The task moves to
// FAILED once MaxConsecutiveFailures is reached.
func (t *Tracker) RecordFailure(jobID, workerID string, now time.Time) (job.State, error) {
	g := t.lookup(jobID)
	if g == nil {
		return job.Pending, fmt.Errorf("%w: %s/%s", ErrUnknownTask, jobID, workerID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	task, ok := g.tasks[workerID]
	if !ok {
		return job.Pending, fmt.Errorf("%w: %s/%s", ErrUnknownTask, jobID, workerID)
	}
	if g.finalized || task.State.Terminal() {
		return task.State, nil
	}

	task.LastPolledAt = now
	task.FailureCount++
	if t.cfg.MaxConsecutiveFailures > 0 && task.FailureCount >= t.cfg.MaxConsecutiveFailures {
		task.State = job.Failed
		log.Printf("[tracker] job=%s worker=%s -> failed after %d consecutive poll failures",
			jobID, workerID, task.FailureCount)
	}
	return task.State, nil
}

// SweepTimeouts moves every non-terminal task older than MaxTaskRuntime to
// TIMED_OUT, regardless of its trace. Returns the job IDs it touched.
func (t *Tracker) SweepTimeouts(now time.Time) []string {
	if t.cfg.MaxTaskRuntime <= 0 {
		return nil
	}

	var touched []string
	for _, g := range t.snapshotGroups() {
		g.mu.Lock()
		hit := false
		if !g.finalized {
			for _, id := range g.order {
				task := g.tasks[id]
				if task.State.Terminal() {
					continue
				}
				if now.Sub(task.AssignedAt) > t.cfg.MaxTaskRuntime {
					task.State = job.TimedOut
					hit = true
				}
			}
		}
		if hit {
			touched = append(touched, g.spec.ID)
		}
		g.mu.Unlock()
	}
	sort.Strings(touched)
	return touched
}

// TryFinalize closes the group once every task is terminal or the group
// deadline has passed, scores it and returns the result. Tasks still open at
// the deadline are moved to TIMED_OUT first. Returns false if the group is
// unknown, already finalized or not ready yet; a group is scored at most once.
func (t *Tracker) TryFinalize(jobID string, now time.Time) (*Finalized, bool) {
	g := t.lookup(jobID)
	if g == nil {
		return nil, false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.finalized {
		return nil, false
	}
	expired := !g.deadline.IsZero() && !now.Before(g.deadline)
	if !g.allTerminal() && !expired {
		return nil, false
	}

	for _, task := range g.tasks {
		if !task.State.Terminal() {
			task.State = job.TimedOut
		}
	}
	g.finalized = true

	tasks := g.snapshot()
	entries := make([]scoring.Entry, len(tasks))
	for i, task := range tasks {
		entries[i] = scoring.Entry{WorkerID: task.WorkerID, State: task.State, Trace: task.Trace}
	}

	return &Finalized{
		Group: Group{
			Spec:      g.spec,
			Tasks:     tasks,
			CreatedAt: g.createdAt,
			Deadline:  g.deadline,
			Finalized: true,
		},
		Scores: t.scorer.Score(jobID, entries),
	}, true
}

// Evict removes a finalized group and retires its job ID. Open groups are
// never evicted.
func (t *Tracker) Evict(jobID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	g, ok := t.groups[jobID]
	if !ok {
		return false
	}
	g.mu.Lock()
	finalized := g.finalized
	g.mu.Unlock()
	if !finalized {
		return false
	}
	delete(t.groups, jobID)
	t.retired[jobID] = struct{}{}
	return true
}

// Retire marks job IDs as used without tracking them, e.g. when replaying a
// journal after a restart.
func (t *Tracker) Retire(jobIDs ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range jobIDs {
		t.retired[id] = struct{}{}
	}
}

// Known reports whether jobID is tracked or retired.
func (t *Tracker) Known(jobID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, ok := t.groups[jobID]; ok {
		return true
	}
	_, ok := t.retired[jobID]
	return ok
}

func (t *Tracker) snapshotGroups() []*group {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*group, 0, len(t.groups))
	for _, g := range t.groups {
		out = append(out, g)
	}
	return out
}

// Outstanding returns every PENDING or RUNNING task of an open group, ordered
// by job then assignment order.
func (t *Tracker) Outstanding() []TaskRef {
	var refs []TaskRef
	for _, g := range t.snapshotGroups() {
		g.mu.Lock()
		if !g.finalized {
			for _, id := range g.order {
				task := g.tasks[id]
				if task.State.Terminal() {
					continue
				}
				refs = append(refs, TaskRef{JobID: task.JobID, WorkerID: id, SinceStep: task.LastStep()})
			}
		}
		g.mu.Unlock()
	}
	sort.SliceStable(refs, func(i, j int) bool {
		return refs[i].JobID < refs[j].JobID
	})
	return refs
}

// ActiveJobIDs returns the sorted IDs of groups not yet finalized.
func (t *Tracker) ActiveJobIDs() []string {
	var ids []string
	for _, g := range t.snapshotGroups() {
		g.mu.Lock()
		if !g.finalized {
			ids = append(ids, g.spec.ID)
		}
		g.mu.Unlock()
	}
	sort.Strings(ids)
	return ids
}

// Active returns the number of groups not yet finalized. This is the count
// admission control compares against the queue size.
func (t *Tracker) Active() int {
	return len(t.ActiveJobIDs())
}

// Len returns the number of tasks currently held.
func (t *Tracker) Len() int {
	n := 0
	for _, g := range t.snapshotGroups() {
		g.mu.Lock()
		n += len(g.tasks)
		g.mu.Unlock()
	}
	return n
}

// Task returns a copy of one task.
func (t *Tracker) Task(jobID, workerID string) (job.Task, bool) {
	g := t.lookup(jobID)
	if g == nil {
		return job.Task{}, false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	task, ok := g.tasks[workerID]
	if !ok {
		return job.Task{}, false
	}
	return task.Clone(), true
}

// Group returns a copy of one group.
func (t *Tracker) Group(jobID string) (Group, bool) {
	g := t.lookup(jobID)
	if g == nil {
		return Group{}, false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return Group{
		Spec:      g.spec,
		Tasks:     g.snapshot(),
		CreatedAt: g.createdAt,
		Deadline:  g.deadline,
		Finalized: g.finalized,
	}, true
}

// Stats returns a snapshot of the tracker's current state.
func (t *Tracker) Stats() Stats {
	groups := t.snapshotGroups()
	t.mu.RLock()
	retired := len(t.retired)
	t.mu.RUnlock()

	s := Stats{Groups: len(groups), Retired: retired, ByState: make(map[string]int)}
	for _, g := range groups {
		g.mu.Lock()
		if g.finalized {
			s.Finalized++
		} else {
			s.Active++
		}
		for _, task := range g.tasks {
			s.Tasks++
			s.ByState[task.State.String()]++
		}
		g.mu.Unlock()
	}
	return s
}
