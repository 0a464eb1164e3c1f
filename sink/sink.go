// Package sink holds the consumers of scored job groups.
package sink

import (
	"context"
	"errors"
	"log"

	"github.com/distributedstatemachine/folding/job"
	"github.com/distributedstatemachine/folding/wal"
)

// Sink receives the score records of every finalized group exactly once.
type Sink interface {
	OnGroupScored(ctx context.Context, jobID string, records []job.ScoreRecord) error
}

// Func adapts a function to Sink.
type Func func(ctx context.Context, jobID string, records []job.ScoreRecord) error

func (f Func) OnGroupScored(ctx context.Context, jobID string, records []job.ScoreRecord) error {
	return f(ctx, jobID, records)
}

// Multi fans a group out to every sink. A failing sink never stops the rest.
type Multi []Sink

func (m Multi) OnGroupScored(ctx context.Context, jobID string, records []job.ScoreRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.OnGroupScored(ctx, jobID, records); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes one line per record.
type Log struct{}

func (Log) OnGroupScored(_ context.Context, jobID string, records []job.ScoreRecord) error {
	for _, r := range records {
		log.Printf("[score] job=%s miner=%s score=%.4f energy=%.3f rank=%d state=%s valid=%v",
			jobID, r.WorkerID, r.Score, r.RawEnergy, r.Rank, r.State, r.Valid)
	}
	return nil
}

// Journal appends each scored group to a WAL, so a restarted validator can
// retire the job IDs it already scored.
type Journal struct {
	WAL *wal.WAL
}

func (j Journal) OnGroupScored(_ context.Context, jobID string, records []job.ScoreRecord) error {
	_, err := j.WAL.Append(wal.OpScored, jobID, records)
	return err
}

// ScoredJobIDs replays w and returns every job ID it recorded as scored.
func ScoredJobIDs(w *wal.WAL) ([]string, error) {
	var ids []string
	err := w.Replay(func(e wal.Entry) error {
		if e.Op == wal.OpScored {
			ids = append(ids, e.Key)
		}
		return nil
	})
	return ids, err
}
