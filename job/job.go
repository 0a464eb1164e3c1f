package job

import (
	"math"
	"time"
)

// State represents the lifecycle state of a task.
type State int

const (
	Pending   State = iota // Created, no result received yet
	Running                // At least one sample received, energy still moving
	Converged              // Energy change per step dropped below the threshold
	TimedOut               // Runtime, step budget or group deadline exceeded first
	Failed                 // Miner reported a fatal error or stopped answering
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Converged:
		return "converged"
	case TimedOut:
		return "timed_out"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == Converged || s == TimedOut || s == Failed
}

// Report is the state a miner claims for its own simulation. It is advisory:
// convergence is always decided by the tracker from the samples themselves.
type Report string

const (
	ReportRunning Report = "running"
	ReportDone    Report = "done"   // step budget exhausted
	ReportFailed  Report = "failed" // unrecoverable simulation error
)

// Sample is one point of an energy trajectory.
type Sample struct {
	Step   int64   `json:"step"`
	Energy float64 `json:"energy"`
}

// Valid reports whether the sample can be trusted numerically.
func (s Sample) Valid() bool {
	return s.Step > 0 && !math.IsNaN(s.Energy) && !math.IsInf(s.Energy, 0)
}

// Params are the simulation inputs handed to the engine.
type Params struct {
	ForceField  string  `json:"force_field" yaml:"force_field"`
	Water       string  `json:"water" yaml:"water"`
	Box         string  `json:"box" yaml:"box"`
	Temperature float64 `json:"temperature" yaml:"temperature"` // kelvin
	Friction    float64 `json:"friction" yaml:"friction"`       // 1/ps
}

// Spec is a single folding challenge. Immutable once created.
type Spec struct {
	ID                   string    `json:"id"`
	PDBID                string    `json:"pdb_id"`
	Params               Params    `json:"params"`
	CreatedAt            time.Time `json:"created_at"`
	MaxSteps             int64     `json:"max_steps"`
	ConvergenceThreshold float64   `json:"convergence_threshold"` // |dE|/dstep cutoff
}

// Task is one miner's attempt at one Spec.
type Task struct {
	JobID        string
	WorkerID     string
	State        State
	AssignedAt   time.Time
	LastPolledAt time.Time
	Trace        []Sample // append-only, strictly increasing Step
	Steps        int64    // elapsed simulated steps
	FailureCount int      // consecutive failed polls
}

// LastStep returns the step of the newest accepted sample, or 0.
func (t *Task) LastStep() int64 {
	if len(t.Trace) == 0 {
		return 0
	}
	return t.Trace[len(t.Trace)-1].Step
}

// Clone returns a deep copy safe to hand outside the tracker.
func (t *Task) Clone() Task {
	c := *t
	c.Trace = append([]Sample(nil), t.Trace...)
	return c
}

// ScoreRecord is the reward emitted for one task of a finalized group.
type ScoreRecord struct {
	JobID     string  `json:"job_id"`
	WorkerID  string  `json:"worker_id"`
	Score     float64 `json:"score"` // normalized to [0,1]
	RawEnergy float64 `json:"raw_energy"`
	Rank      int     `json:"rank"`  // dense rank, 1 is best
	Valid     bool    `json:"valid"` // false when the miner returned no usable sample
	State     State   `json:"state"`
}

// Stable reports whether the last two samples of trace moved less than
// threshold energy units per step. A non-positive threshold never converges.
func Stable(trace []Sample, threshold float64) bool {
	if threshold <= 0 || len(trace) < 2 {
		return false
	}
	a, b := trace[len(trace)-2], trace[len(trace)-1]
	rate := math.Abs(b.Energy-a.Energy) / float64(b.Step-a.Step)
	return rate < threshold
}
