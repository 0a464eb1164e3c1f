package sink

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distributedstatemachine/folding/job"
	"github.com/distributedstatemachine/folding/wal"
)

func records(jobID string, scores map[string]float64) []job.ScoreRecord {
	var out []job.ScoreRecord
	for id, s := range scores {
		out = append(out, job.ScoreRecord{JobID: jobID, WorkerID: id, Score: s, Valid: s > 0, State: job.Converged})
	}
	return out
}

func TestRedis_EMA(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx := context.Background()

	s := NewRedis(rdb, 0.5, time.Hour)
	require.NoError(t, s.OnGroupScored(ctx, "1abc-1", records("1abc-1", map[string]float64{"m1": 1, "m2": 0})))
	require.NoError(t, s.OnGroupScored(ctx, "2abc-1", records("2abc-1", map[string]float64{"m1": 0, "m2": 0.5})))

	r1, err := s.Reward(ctx, "m1")
	require.NoError(t, err)
	require.InDelta(t, 0.5, r1, 1e-12)
	r2, _ := s.Reward(ctx, "m2")
	require.InDelta(t, 0.25, r2, 1e-12)

	unknown, err := s.Reward(ctx, "m9")
	require.NoError(t, err)
	require.Zero(t, unknown)

	all, err := s.Rewards(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	require.Equal(t, "2", mr.HGet("reward:m1", "groups"))
	require.Equal(t, "1", mr.HGet("reward:m1", "answered"))
	require.True(t, mr.TTL("group:1abc-1") > 0)

	stored, err := s.Group(ctx, "2abc-1")
	require.NoError(t, err)
	require.Len(t, stored, 2)
}

func TestRedis_DefaultAlpha(t *testing.T) {
	s := NewRedis(nil, math.NaN(), 0)
	require.Equal(t, DefaultEMAAlpha, s.alpha)
	s = NewRedis(nil, 2, 0)
	require.Equal(t, DefaultEMAAlpha, s.alpha)
	s = NewRedis(nil, math.Inf(1), 0)
	require.Equal(t, DefaultEMAAlpha, s.alpha)
}

func TestRedis_ConcurrentValidatorsKeepEveryUpdate(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	first := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	second := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer first.Close()
	defer second.Close()

	a := NewRedis(first, 0.5, 0)
	b := NewRedis(second, 0.5, 0)
	require.NoError(t, a.OnGroupScored(ctx, "seed", records("seed", map[string]float64{"m1": 1})))

	// every later group scores 0, so the average halves once per group in
	// any order; a lost update would leave it higher
	const groups = 20
	var wg sync.WaitGroup
	for i := 0; i < groups; i++ {
		s := a
		if i%2 == 1 {
			s = b
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			assert.NoError(t, s.OnGroupScored(ctx, id, records(id, map[string]float64{"m1": 0})))
		}(fmt.Sprintf("job-%d", i))
	}
	wg.Wait()

	r, err := a.Reward(ctx, "m1")
	require.NoError(t, err)
	require.InDelta(t, math.Pow(0.5, groups), r, 1e-15)
	require.Equal(t, "21", mr.HGet("reward:m1", "groups"))
}

func TestJournal_RoundTrip(t *testing.T) {
	w, err := wal.Open(t.TempDir())
	require.NoError(t, err)
	defer w.Close()

	j := Journal{WAL: w}
	ctx := context.Background()
	require.NoError(t, j.OnGroupScored(ctx, "1abc-1", records("1abc-1", map[string]float64{"m1": 1})))
	require.NoError(t, j.OnGroupScored(ctx, "2abc-1", nil))

	ids, err := ScoredJobIDs(w)
	require.NoError(t, err)
	require.Equal(t, []string{"1abc-1", "2abc-1"}, ids)
}

func TestMulti_ContinuesPastFailure(t *testing.T) {
	boom := errors.New("boom")
	var calls []string
	m := Multi{
		Func(func(context.Context, string, []job.ScoreRecord) error { calls = append(calls, "a"); return boom }),
		Log{},
		Func(func(context.Context, string, []job.ScoreRecord) error { calls = append(calls, "b"); return nil }),
	}
	err := m.OnGroupScored(context.Background(), "1abc-1", records("1abc-1", map[string]float64{"m1": 1}))
	require.ErrorIs(t, err, boom)
	require.Equal(t, []string{"a", "b"}, calls)
}
