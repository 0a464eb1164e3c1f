package store

import (
	"container/heap"
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/distributedstatemachine/folding/job"
)

// Entry is one backlog item: a PDB code and its priority.
type Entry struct {
	PDBID    string `yaml:"pdb_id"`
	Priority int    `yaml:"priority"` // lower value = handed out first
	seq      uint64
}

// backlog implements heap.Interface for Entries.
// Lower Priority pops first; insertion order breaks ties.
type backlog []*Entry

func (b backlog) Len() int { return len(b) }

func (b backlog) Less(i, j int) bool {
	if b[i].Priority != b[j].Priority {
		return b[i].Priority < b[j].Priority
	}
	return b[i].seq < b[j].seq
}

func (b backlog) Swap(i, j int) {
	b[i], b[j] = b[j], b[i]
}

// Push is called by heap.Push; do not call directly.
func (b *backlog) Push(x any) {
	*b = append(*b, x.(*Entry))
}

// Pop is called by heap.Pop; do not call directly.
func (b *backlog) Pop() any {
	old := *b
	n := len(old)
	e := old[n-1]
	old[n-1] = nil // avoid memory leak
	*b = old[:n-1]
	return e
}

// MemoryStore is an in-process priority backlog of PDB codes.
type MemoryStore struct {
	counters
	mu       sync.Mutex
	template Template
	pending  *backlog
	seq      uint64
	recycle  bool // re-queue each entry after it is issued
}

// NewMemory creates an empty MemoryStore. With recycle set, issued entries go
// back to the end of their priority band, so a fixed list is cycled forever.
func NewMemory(t Template, recycle bool) *MemoryStore {
	b := &backlog{}
	heap.Init(b)
	return &MemoryStore{template: t, pending: b, recycle: recycle}
}

// Push adds a PDB code to the backlog. Validation happens on NextSpec.
func (s *MemoryStore) Push(pdbID string, priority int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	heap.Push(s.pending, &Entry{PDBID: pdbID, Priority: priority, seq: s.seq})
}

// Len returns the number of backlog entries.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Len()
}

// NextSpec pops the highest-priority entry and mints a spec from it. A
// malformed entry is consumed and reported with ErrMalformedSpec.
func (s *MemoryStore) NextSpec(ctx context.Context) (job.Spec, error) {
	if err := ctx.Err(); err != nil {
		return job.Spec{}, err
	}

	s.mu.Lock()
	if s.pending.Len() == 0 {
		s.mu.Unlock()
		return job.Spec{}, ErrEmpty
	}
	e := heap.Pop(s.pending).(*Entry)
	s.mu.Unlock()

	spec, err := s.admit(ctx, s.template, e.PDBID)
	if err != nil {
		return job.Spec{}, err
	}
	if s.recycle {
		s.Push(spec.PDBID, e.Priority)
	}
	return spec, nil
}

// backlogFile is the on-disk shape accepted by LoadFile.
type backlogFile struct {
	Proteins []Entry `yaml:"proteins"`
}

// LoadFile reads a YAML backlog file and pushes every entry into s. Entries
// keep their file order within a priority.
func (s *MemoryStore) LoadFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading backlog file: %w", err)
	}

	var f backlogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return 0, fmt.Errorf("parsing backlog file: %w", err)
	}
	for _, e := range f.Proteins {
		s.Push(e.PDBID, e.Priority)
	}
	return len(f.Proteins), nil
}
