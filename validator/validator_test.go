package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/distributedstatemachine/folding/cluster"
	"github.com/distributedstatemachine/folding/job"
	"github.com/distributedstatemachine/folding/metrics"
	"github.com/distributedstatemachine/folding/miner"
	"github.com/distributedstatemachine/folding/poller"
	"github.com/distributedstatemachine/folding/queue"
	"github.com/distributedstatemachine/folding/sampler"
	"github.com/distributedstatemachine/folding/scoring"
	"github.com/distributedstatemachine/folding/sink"
	"github.com/distributedstatemachine/folding/store"
	"github.com/distributedstatemachine/folding/tracker"
)

// flatMiners converge on their second sample.
type flatMiners struct{}

func (flatMiners) Query(_ context.Context, _, workerID string, since int64) (tracker.Submission, error) {
	e := -100 - float64(len(workerID))
	return tracker.Submission{Samples: []job.Sample{
		{Step: since + 100, Energy: e},
		{Step: since + 200, Energy: e - 0.001},
	}}, nil
}

type counter struct {
	mu     sync.Mutex
	scored []string
}

func (c *counter) OnGroupScored(_ context.Context, jobID string, _ []job.ScoreRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scored = append(c.scored, jobID)
	return nil
}

func build(t *testing.T) (*Validator, *tracker.Tracker, *counter) {
	t.Helper()
	src := store.NewMemory(store.Template{Params: job.Params{ForceField: "ff"}, MaxSteps: 10_000, ConvergenceThreshold: 0.01}, true)
	src.Push("1ubq", 0)
	src.Push("2abc", 0)

	reg := cluster.NewRegistry(3)
	for i := 1; i <= 3; i++ {
		reg.Add(cluster.MinerInfo{ID: fmt.Sprintf("m%d", i), Addr: fmt.Sprintf("127.0.0.1:%d", 9100+i)})
	}
	tr := tracker.New(tracker.Config{}, scoring.New(0, 0))
	out := &counter{}
	p := poller.New(poller.Config{Concurrency: 4}, tr, flatMiners{}, reg, sink.Multi{sink.Log{}, out})
	q := queue.New(queue.Config{QueueSize: 2, SampleSize: 3}, src, sampler.New(reg), tr, nil)
	return New(p, q, tr, reg, time.Second), tr, out
}

func TestRunTicks_AdmitPollRefill(t *testing.T) {
	v, tr, out := build(t)
	ticks := make(chan time.Time)
	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		v.RunTicks(ctx, ticks)
		close(done)
	}()

	// the initial admission happens before the first tick is read
	ticks <- time.Now()
	ticks <- time.Now()
	close(ticks)
	<-done

	out.mu.Lock()
	scored := len(out.scored)
	out.mu.Unlock()
	require.Equal(t, 4, scored, "two groups scored on each of two ticks")
	require.Equal(t, 6, tr.Len(), "backlog refilled to 2 groups of 3")
	require.Equal(t, 2, tr.Active())
}

func TestStep_ReportsCreated(t *testing.T) {
	v, tr, _ := build(t)
	step := v.Step(context.Background())
	require.Len(t, step.Created, 2)
	require.Equal(t, 6, tr.Len())

	step = v.Step(context.Background())
	require.Len(t, step.Poll.Scored, 2)
	require.Len(t, step.Created, 2)
}

func TestHandler(t *testing.T) {
	v, _, _ := build(t)
	v.Step(context.Background())

	reg := prometheus.NewRegistry()
	for _, c := range metrics.Collectors() {
		reg.MustRegister(c)
	}
	srv := httptest.NewServer(Handler(v, reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	require.Equal(t, uint64(1), st.Tick)
	require.Len(t, st.Jobs, 2)
	require.Equal(t, 6, st.Tracker.Tasks)
	require.Len(t, st.Miners, 3)
	require.Equal(t, 3, st.Queue.EligibleMiners)
	require.NotNil(t, st.Queue.Backlog)
	require.Equal(t, int64(2), st.Queue.Backlog.Issued)

	health, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	health.Body.Close()
	require.Equal(t, http.StatusOK, health.StatusCode)

	m, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer m.Body.Close()
	body, err := io.ReadAll(m.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "folding_poll_ticks_total")
	require.Contains(t, string(body), "folding_eligible_miners")
}

// flakyMiners behave like flatMiners while up and refuse every call otherwise.
type flakyMiners struct {
	down atomic.Bool
}

func (f *flakyMiners) Query(ctx context.Context, jobID, workerID string, since int64) (tracker.Submission, error) {
	if f.down.Load() {
		return tracker.Submission{}, fmt.Errorf("%w: connection refused", miner.ErrTransport)
	}
	return flatMiners{}.Query(ctx, jobID, workerID, since)
}

func (f *flakyMiners) Ping(context.Context, string) error {
	if f.down.Load() {
		return fmt.Errorf("%w: connection refused", miner.ErrTransport)
	}
	return nil
}

func TestStep_RecoversAfterFullOutage(t *testing.T) {
	src := store.NewMemory(store.Template{Params: job.Params{ForceField: "ff"}, MaxSteps: 10_000, ConvergenceThreshold: 0.01}, true)
	src.Push("1ubq", 0)
	src.Push("2abc", 0)

	reg := cluster.NewRegistry(2)
	for i := 1; i <= 3; i++ {
		reg.Add(cluster.MinerInfo{ID: fmt.Sprintf("m%d", i), Addr: fmt.Sprintf("127.0.0.1:%d", 9100+i)})
	}
	tr := tracker.New(tracker.Config{MaxConsecutiveFailures: 2}, scoring.New(0, 0))
	miners := &flakyMiners{}
	p := poller.New(poller.Config{}, tr, miners, reg, nil)
	q := queue.New(queue.Config{QueueSize: 2, SampleSize: 3}, src, sampler.New(reg), tr, nil)
	v := New(p, q, tr, reg, time.Second)

	require.Len(t, v.Step(context.Background()).Created, 2)

	miners.down.Store(true)
	v.Step(context.Background())
	step := v.Step(context.Background())
	require.Len(t, step.Poll.Scored, 2, "every group fails out during the outage")
	require.Empty(t, step.Created, "no miners left to staff new groups")
	alive, _ := reg.GetAliveIDs()
	require.Empty(t, alive)
	require.Zero(t, tr.Active())

	miners.down.Store(false)
	step = v.Step(context.Background())
	require.Len(t, step.Poll.Revived, 3)
	require.Len(t, step.Created, 2, "admission resumes once the miners answer again")
	alive, _ = reg.GetAliveIDs()
	require.Len(t, alive, 3)
	require.Equal(t, 2, tr.Active())
}
