package tracker

import (
	"sync"
	"time"

	"github.com/distributedstatemachine/folding/job"
)

// group is the set of tasks sharing one job ID. Its mutex is the per-job
// mutual exclusion boundary: every read or write of its tasks holds it.
type group struct {
	mu        sync.Mutex
	spec      job.Spec
	order     []string             // worker IDs in assignment order
	tasks     map[string]*job.Task // worker ID -> task
	createdAt time.Time
	deadline  time.Time // zero means no group deadline
	finalized bool
}

// allTerminal must be called with g.mu held.
func (g *group) allTerminal() bool {
	for _, t := range g.tasks {
		if !t.State.Terminal() {
			return false
		}
	}
	return true
}

// snapshot must be called with g.mu held.
func (g *group) snapshot() []job.Task {
	out := make([]job.Task, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.tasks[id].Clone())
	}
	return out
}

// Group is a read-only copy of a job group.
type Group struct {
	Spec      job.Spec
	Tasks     []job.Task
	CreatedAt time.Time
	Deadline  time.Time
	Finalized bool
}

// Finalized is what TryFinalize hands back for a group that just closed.
type Finalized struct {
	Group
	Scores []job.ScoreRecord
}

// TaskRef identifies an outstanding task and where its trace currently ends.
type TaskRef struct {
	JobID     string
	WorkerID  string
	SinceStep int64
}

// Submission is one poll response merged into a task.
type Submission struct {
	Samples []job.Sample
	Report  job.Report
	Steps   int64 // steps the miner claims to have simulated
}

// Outcome tells the caller what RecordResult did with a submission.
type Outcome int

const (
	OutcomeApplied Outcome = iota // state and/or trace were updated
	OutcomeDropped                // task already terminal; nothing changed
)

func (o Outcome) String() string {
	if o == OutcomeDropped {
		return "dropped"
	}
	return "applied"
}

// Stats is a point-in-time summary of the tracker.
type Stats struct {
	Groups    int            `json:"groups"`
	Active    int            `json:"active"`
	Tasks     int            `json:"tasks"`
	ByState   map[string]int `json:"by_state"`
	Retired   int            `json:"retired"`
	Finalized int            `json:"finalized"`
}
