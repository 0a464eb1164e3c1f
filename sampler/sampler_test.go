package sampler

import (
	"errors"
	"fmt"
	"testing"

	"github.com/distributedstatemachine/folding/cluster"
)

func registry(n int) *cluster.Registry {
	r := cluster.NewRegistry(1)
	for i := 1; i <= n; i++ {
		r.Add(cluster.MinerInfo{ID: fmt.Sprintf("m%d", i), Addr: fmt.Sprintf("127.0.0.1:%d", 9100+i)})
	}
	return r
}

func TestSample_DistinctAndDeterministic(t *testing.T) {
	s := New(registry(5))

	got, err := s.Sample("1ubq-1", 3, nil)
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 miners, got %v", got)
	}
	seen := map[string]bool{}
	for _, id := range got {
		if seen[id] {
			t.Fatalf("duplicate miner %s in %v", id, got)
		}
		seen[id] = true
	}

	again, _ := s.Sample("1ubq-1", 3, nil)
	for i := range got {
		if got[i] != again[i] {
			t.Fatalf("expected %v, got %v", got, again)
		}
	}
}

func TestSample_Exclude(t *testing.T) {
	s := New(registry(4))
	got, err := s.Sample("2abc-1", 3, []string{"m1"})
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	for _, id := range got {
		if id == "m1" {
			t.Fatalf("excluded miner returned: %v", got)
		}
	}
	if _, err := s.Sample("2abc-1", 4, []string{"m1"}); !errors.Is(err, ErrInsufficientWorkers) {
		t.Fatalf("expected ErrInsufficientWorkers, got %v", err)
	}
}

func TestSample_FollowsLiveness(t *testing.T) {
	reg := registry(3)
	s := New(reg)
	if _, err := s.Sample("3xyz-1", 3, nil); err != nil {
		t.Fatalf("Sample: %v", err)
	}

	reg.IncrementStaleCount("m2")
	if _, err := s.Sample("3xyz-1", 3, nil); !errors.Is(err, ErrInsufficientWorkers) {
		t.Fatalf("expected ErrInsufficientWorkers after m2 died, got %v", err)
	}
	if s.Eligible() != 2 {
		t.Errorf("expected 2 eligible, got %d", s.Eligible())
	}
}

func TestSample_NoMiners(t *testing.T) {
	s := New(cluster.NewRegistry(0))
	if _, err := s.Sample("4aaa-1", 1, nil); !errors.Is(err, ErrInsufficientWorkers) {
		t.Fatalf("expected ErrInsufficientWorkers, got %v", err)
	}
	if _, err := s.Sample("4aaa-1", 0, nil); err == nil {
		t.Fatal("expected error for zero count")
	}
}
