package simrpc

import (
	"context"
	"errors"
	"hash/crc32"
	"math"
	"time"

	"github.com/distributedstatemachine/folding/job"
)

// Relaxation is a deterministic stand-in for a real MD engine. Energy decays
// exponentially from a start value toward a floor, both derived from the PDB
// code, so every miner running the same job sees the same curve.
type Relaxation struct {
	ReportEvery int64         // steps between samples
	StepDelay   time.Duration // wall time spent per sample
}

// NewRelaxation returns an engine reporting every 100 steps with no delay.
func NewRelaxation() *Relaxation {
	return &Relaxation{ReportEvery: 100}
}

// Energy returns the potential energy of spec at step.
func (r *Relaxation) Energy(spec job.Spec, step int64) float64 {
	h := crc32.ChecksumIEEE([]byte(spec.PDBID + "/" + spec.Params.ForceField))
	floor := -1000 - float64(h%9000)/10
	start := floor + 500
	tau := 2000 + float64(h%3000)
	return floor + (start-floor)*math.Exp(-float64(step)/tau)
}

// Run implements Engine.
func (r *Relaxation) Run(ctx context.Context, req Request, emit func(job.Sample) error) error {
	if req.Spec.Params.ForceField == "" {
		return errors.New("no force field configured")
	}
	if req.Steps <= 0 {
		return nil
	}
	every := r.ReportEvery
	if every <= 0 {
		every = 100
	}

	end := req.StartStep + req.Steps
	for step := (req.StartStep/every + 1) * every; step <= end; step += every {
		if r.StepDelay > 0 {
			t := time.NewTimer(r.StepDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		if err := emit(job.Sample{Step: step, Energy: r.Energy(req.Spec, step)}); err != nil {
			return err
		}
	}
	return nil
}
