// Package scoring turns the energy trajectories of one job group into
// normalized, comparative rewards.
//
// Each trajectory is reduced to its minimum energy. Minimums within Tolerance
// of each other form a tie cluster and share one score, so near-duplicate
// submissions cannot jump a ranking. The cluster anchored at energy E scores
//
//	exp(-(E - E_best) / Temperature)
//
// which is 1 for the best cluster, strictly decreasing in E and never negative.
// Miners without a usable sample score 0. Score is a pure function of its
// input: the same traces always yield bit-identical records regardless of the
// order they are passed in.
package scoring

import (
	"math"
	"sort"

	"github.com/distributedstatemachine/folding/job"
)

const (
	DefaultTemperature = 100.0 // kJ/mol
	DefaultTolerance   = 1e-6
)

// Entry is the final state of one task as seen by the engine.
type Entry struct {
	WorkerID string
	State    job.State
	Trace    []job.Sample
}

// Engine holds the normalization parameters.
type Engine struct {
	Temperature float64
	Tolerance   float64
}

// New returns an Engine, falling back to defaults for non-positive values.
func New(temperature, tolerance float64) *Engine {
	if temperature <= 0 || math.IsNaN(temperature) || math.IsInf(temperature, 0) {
		temperature = DefaultTemperature
	}
	if tolerance < 0 || math.IsNaN(tolerance) || math.IsInf(tolerance, 0) {
		tolerance = DefaultTolerance
	}
	return &Engine{Temperature: temperature, Tolerance: tolerance}
}

// MinEnergy returns the lowest finite energy in the trace and whether one exists.
func MinEnergy(trace []job.Sample) (float64, bool) {
	best := math.Inf(1)
	for _, s := range trace {
		if !s.Valid() {
			continue
		}
		if s.Energy < best {
			best = s.Energy
		}
	}
	return best, !math.IsInf(best, 1)
}

type reduced struct {
	entry  Entry
	energy float64
	valid  bool
}

// Score computes one ScoreRecord per entry, sorted by worker ID.
func (e *Engine) Score(jobID string, entries []Entry) []job.ScoreRecord {
	rs := make([]reduced, len(entries))
	for i, en := range entries {
		energy, ok := MinEnergy(en.Trace)
		rs[i] = reduced{entry: en, energy: energy, valid: ok}
	}

	// Valid first by energy, then invalid; worker ID breaks exact ties so the
	// cluster walk below sees a canonical order.
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].valid != rs[j].valid {
			return rs[i].valid
		}
		if rs[i].valid && rs[i].energy != rs[j].energy {
			return rs[i].energy < rs[j].energy
		}
		return rs[i].entry.WorkerID < rs[j].entry.WorkerID
	})

	records := make([]job.ScoreRecord, len(rs))
	var (
		best, anchor, worst float64
		rank                int
		anyValid            bool
	)
	for i, r := range rs {
		if !r.valid {
			continue
		}
		if !anyValid {
			best, anchor, rank, anyValid = r.energy, r.energy, 1, true
		} else if r.energy-anchor > e.Tolerance {
			anchor = r.energy
			rank++
		}
		worst = r.energy
		records[i] = job.ScoreRecord{
			JobID:     jobID,
			WorkerID:  r.entry.WorkerID,
			Score:     math.Exp(-(anchor - best) / e.Temperature),
			RawEnergy: r.energy,
			Rank:      rank,
			Valid:     true,
			State:     r.entry.State,
		}
	}

	for i, r := range rs {
		if r.valid {
			continue
		}
		records[i] = job.ScoreRecord{
			JobID:     jobID,
			WorkerID:  r.entry.WorkerID,
			Score:     0,
			RawEnergy: worst,
			Rank:      rank + 1,
			State:     r.entry.State,
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].WorkerID < records[j].WorkerID
	})
	return records
}
