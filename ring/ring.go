// Package ring implements the consistent hash ring used to pick replica
// nodes for queue messages: 150 virtual points per node on a 128-bit MD5
// ring, node_of(key) found by walking forward from hash(key) to the
// first virtual point at or past it, wrapping at the end.
package ring

import (
	"crypto/md5"
	"fmt"
	"math/big"
	"sort"
	"sync"
)

// VirtualNodes is the number of virtual points placed per physical node.
const VirtualNodes = 150

// Ring is a consistent hash ring over physical node IDs.
type Ring struct {
	mu      sync.RWMutex
	points  map[string]string // hex hash -> node id
	sorted  []string          // sorted hex hashes, kept in sync with points
	nodes   map[string]bool
}

// New returns an empty ring.
func New() *Ring {
	return &Ring{
		points: make(map[string]string),
		nodes:  make(map[string]bool),
	}
}

func hashHex(key string) string {
	sum := md5.Sum([]byte(key))
	return fmt.Sprintf("%032x", sum)
}

// less compares two 128-bit hex hashes numerically.
func less(a, b string) bool {
	ai, _ := new(big.Int).SetString(a, 16)
	bi, _ := new(big.Int).SetString(b, 16)
	return ai.Cmp(bi) < 0
}

func (r *Ring) resort() {
	keys := make([]string, 0, len(r.points))
	for k := range r.points {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return less(keys[i], keys[j]) })
	r.sorted = keys
}

// AddNode inserts VirtualNodes virtual points for id. A no-op if id is
// already a ring member.
func (r *Ring) AddNode(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.nodes[id] {
		return
	}
	r.nodes[id] = true
	for i := 0; i < VirtualNodes; i++ {
		h := hashHex(fmt.Sprintf("%s:%d", id, i))
		r.points[h] = id
	}
	r.resort()
}

// RemoveNode removes all of id's virtual points.
func (r *Ring) RemoveNode(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.nodes[id] {
		return
	}
	delete(r.nodes, id)
	for i := 0; i < VirtualNodes; i++ {
		h := hashHex(fmt.Sprintf("%s:%d", id, i))
		delete(r.points, h)
	}
	r.resort()
}

// NodeOf returns the physical node owning key, or "" if the ring is empty.
func (r *Ring) NodeOf(key string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.sorted) == 0 {
		return ""
	}
	h := hashHex(key)
	idx := r.upperBound(h)
	return r.points[r.sorted[idx]]
}

// upperBound returns the index of the first ring point >= h, wrapping to 0.
// Caller must hold r.mu.
func (r *Ring) upperBound(h string) int {
	lo, hi := 0, len(r.sorted)
	for lo < hi {
		mid := (lo + hi) / 2
		if less(r.sorted[mid], h) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == len(r.sorted) {
		return 0
	}
	return lo
}

// Replicas walks forward from NodeOf(key) collecting up to n distinct
// physical node IDs, for use as a message's replica set.
func (r *Ring) Replicas(key string, n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.sorted) == 0 || n <= 0 {
		return nil
	}
	h := hashHex(key)
	start := r.upperBound(h)

	seen := make(map[string]bool)
	result := make([]string, 0, n)
	for i := 0; len(result) < n && len(seen) < len(r.nodes); i++ {
		idx := (start + i) % len(r.sorted)
		node := r.points[r.sorted[idx]]
		if !seen[node] {
			seen[node] = true
			result = append(result, node)
		}
	}
	return result
}

// Size returns the number of physical nodes currently on the ring.
func (r *Ring) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}
