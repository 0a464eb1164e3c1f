package ring

import (
	"errors"
	"fmt"
	"hash/crc32"
	"sort"
	"sync"
)

// NumVirtualNodes is the number of virtual nodes placed per miner on the ring
const NumVirtualNodes = 150

// ErrEmptyRing is returned when the ring has no nodes
var ErrEmptyRing = errors.New("ring is empty")

type virtualNode struct {
	position int
	node     string
}

// Ring is a consistent-hash ring over miner IDs. Job IDs hash onto it so the
// same job keeps landing on the same miners while membership is stable.
type Ring struct {
	mu      sync.RWMutex
	ring    []virtualNode // sorted by position
	nodes   int
	Version int64 // bumped on every Rebalance
}

// New inits a new ring
func New() *Ring {
	return &Ring{
		ring: []virtualNode{},
	}
}

// Rebalance rebuilds the ring from the given node IDs.
func (r *Ring) Rebalance(nodes []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ring = r.ring[:0]
	seen := make(map[string]struct{}, len(nodes))
	for _, node := range nodes {
		if _, dup := seen[node]; dup || node == "" {
			continue
		}
		seen[node] = struct{}{}
		for i := 0; i < NumVirtualNodes; i++ {
			position := hash(fmt.Sprintf("%s-%d", node, i))
			r.ring = append(r.ring, virtualNode{position: position, node: node})
		}
	}
	r.nodes = len(seen)
	r.Version++

	// node name breaks position collisions so the layout is independent of
	// input order
	sort.Slice(r.ring, func(i, j int) bool {
		if r.ring[i].position != r.ring[j].position {
			return r.ring[i].position < r.ring[j].position
		}
		return r.ring[i].node < r.ring[j].node
	})
}

// Size returns the number of distinct nodes on the ring.
func (r *Ring) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodes
}

// Walk returns up to n distinct nodes, clockwise from the key's position,
// skipping any node in exclude. Fewer than n nodes are returned when the
// ring does not hold enough eligible nodes.
func (r *Ring) Walk(key string, n int, exclude map[string]bool) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.ring) == 0 {
		return nil, ErrEmptyRing
	}
	if n <= 0 {
		return nil, nil
	}

	out := make([]string, 0, n)
	picked := make(map[string]struct{}, n)
	start := r.search(key)
	for i := 0; i < len(r.ring) && len(out) < n; i++ {
		node := r.ring[(start+i)%len(r.ring)].node
		if _, ok := picked[node]; ok || exclude[node] {
			continue
		}
		picked[node] = struct{}{}
		out = append(out, node)
	}
	return out, nil
}

// search returns the index of the first virtual node at or after the key's
// position, wrapping to 0. Must be called with r.mu held.
func (r *Ring) search(key string) int {
	position := hash(key)
	idx := sort.Search(len(r.ring), func(i int) bool {
		return r.ring[i].position >= position
	})
	if idx >= len(r.ring) {
		idx = 0
	}
	return idx
}

func hash(key string) int {
	return int(crc32.ChecksumIEEE([]byte(key)))
}
