package cluster

import (
	"sort"
	"sync"
	"time"
)

// DefaultStaleThreshold marks a miner dead after this many consecutive failed queries.
const DefaultStaleThreshold = 3

// MinerInfo is the static part of a miner entry, as listed in config.
type MinerInfo struct {
	ID   string
	Addr string
}

// Miner represents a known miner.
type Miner struct {
	ID         string    `json:"id"`          // miner ID (e.g., "miner-1")
	Addr       string    `json:"addr"`        // gRPC address (e.g., "localhost:9101")
	StaleCount int       `json:"stale_count"` // consecutive failed queries
	IsAlive    bool      `json:"alive"`       // eligible for new job groups
	LastSeen   time.Time `json:"last_seen"`   // last successful query
}

// Registry manages the set of known miners and their liveness.
//
// Liveness only gates sampling for new job groups. Tasks already assigned to a
// dead miner stay in the tracker and run out through the failure counter or
// the timeout sweep.
type Registry struct {
	mu         sync.RWMutex
	miners     map[string]*Miner // keyed by miner ID
	threshold  int
	generation uint64 // bumped whenever the alive set changes
}

// NewRegistry creates an empty Registry. threshold <= 0 uses DefaultStaleThreshold.
func NewRegistry(threshold int) *Registry {
	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}
	return &Registry{
		miners:    make(map[string]*Miner),
		threshold: threshold,
	}
}

// Add registers a miner, or updates its address if already known.
// New miners start alive.
func (r *Registry) Add(info MinerInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, exists := r.miners[info.ID]; exists {
		m.Addr = info.Addr
		return
	}
	r.miners[info.ID] = &Miner{ID: info.ID, Addr: info.Addr, IsAlive: true}
	r.generation++
}

// MarkSeen records a successful query. Returns true if the miner was revived.
func (r *Registry) MarkSeen(id string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, exists := r.miners[id]
	if !exists {
		return false
	}
	m.StaleCount = 0
	m.LastSeen = now
	if !m.IsAlive {
		m.IsAlive = true
		r.generation++
		return true
	}
	return false
}

// IncrementStaleCount records a failed query.
// Returns true if the miner was marked dead.
func (r *Registry) IncrementStaleCount(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, exists := r.miners[id]; exists {
		m.StaleCount++
		if m.StaleCount >= r.threshold && m.IsAlive {
			m.IsAlive = false
			r.generation++
			return true
		}
	}
	return false
}

// Dead returns the sorted IDs of miners currently out of the ring.
func (r *Registry) Dead() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []string
	for _, m := range r.miners {
		if !m.IsAlive {
			result = append(result, m.ID)
		}
	}
	sort.Strings(result)
	return result
}

// Probation puts a dead miner back in the ring one failure away from being
// marked dead again. Returns true if the miner was dead.
func (r *Registry) Probation(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, exists := r.miners[id]
	if !exists || m.IsAlive {
		return false
	}
	m.IsAlive = true
	m.StaleCount = r.threshold - 1
	r.generation++
	return true
}

// GetAddress returns the address for a miner ID.
func (r *Registry) GetAddress(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if m, exists := r.miners[id]; exists {
		return m.Addr
	}
	return ""
}

// GetAll returns a copy of all miners, sorted by ID.
func (r *Registry) GetAll() []Miner {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Miner, 0, len(r.miners))
	for _, m := range r.miners {
		result = append(result, *m)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// GetAliveIDs returns the sorted IDs of all alive miners (for ring rebalancing)
// and the generation they were read at.
func (r *Registry) GetAliveIDs() ([]string, uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]string, 0, len(r.miners))
	for _, m := range r.miners {
		if m.IsAlive {
			result = append(result, m.ID)
		}
	}
	sort.Strings(result)
	return result, r.generation
}

// Generation changes every time the alive set changes.
func (r *Registry) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}
