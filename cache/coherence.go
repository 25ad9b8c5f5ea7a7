// Package cache implements a MESI-coherent distributed cache: per-node
// bounded storage under LRU/LFU/FIFO eviction, a directory of believed
// key holders, and invalidate/fetch exchanged directly between cache
// nodes over transport rather than through Raft, since cache coherence
// only needs pairwise agreement between the nodes holding a line, not a
// globally ordered log.
package cache

import (
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hwahyudi/syncd/log"
	"github.com/hwahyudi/syncd/metrics"
	"github.com/hwahyudi/syncd/transport"
)

// State is one of the four MESI per-line states.
type State int

const (
	Invalid State = iota
	Shared
	Exclusive
	Modified
)

func (s State) String() string {
	switch s {
	case Modified:
		return "modified"
	case Exclusive:
		return "exclusive"
	case Shared:
		return "shared"
	default:
		return "invalid"
	}
}

// Entry is one cached key's value and coherence metadata.
type Entry struct {
	Key          string
	Value        []byte
	State        State
	Version      uint64
	CreatedAt    time.Time
	LastAccessed time.Time
	AccessCount  int
}

// Cache is one node's MESI-coherent store. Its directory, entries and
// policy are all owned and serialized by mu, one lock for the whole node
// rather than lock-striped per key, since the entry count per node is
// bounded by capacity.
type Cache struct {
	mu sync.Mutex

	selfID     string
	capacity   int
	policyName string
	policy     Policy

	entries   map[string]*Entry
	directory map[string]map[string]bool // key -> node ids believed to hold a non-INVALID copy

	tr *transport.Transport

	hits, misses, invalidations uint64
}

// New returns a Cache for selfID with the given capacity and eviction
// policy name (lru, lfu, fifo, matched case-insensitively, so
// config.CachePolicy's LRU/LFU/FIFO values work as given). tr is used for peer fetch/invalidate;
// pass nil to run a single-node cache with no coherence traffic (tests).
func New(selfID string, capacity int, policyName string, tr *transport.Transport) *Cache {
	return &Cache{
		selfID:     selfID,
		capacity:   capacity,
		policyName: policyName,
		policy:     NewPolicy(policyName),
		entries:    make(map[string]*Entry),
		directory:  make(map[string]map[string]bool),
		tr:         tr,
	}
}

// GetArgs is the Get RPC request.
type GetArgs struct {
	Key         string
	RequesterID string
}

// GetReply is the Get RPC response.
type GetReply struct {
	Status  string // "hit" or "miss"
	Value   []byte
	State   string
	Version uint64
}

// Get returns the local copy if valid, otherwise asks the directory for a
// peer holding the key and installs a fetched copy as SHARED.
func (c *Cache) Get(args *GetArgs, reply *GetReply) error {
	c.mu.Lock()
	if entry, ok := c.entries[args.Key]; ok && entry.State != Invalid {
		entry.LastAccessed = time.Now()
		entry.AccessCount++
		c.policy.touch(args.Key)
		c.hits++
		metrics.CacheHits.Inc()
		reply.Status = "hit"
		reply.Value = entry.Value
		reply.State = entry.State.String()
		reply.Version = entry.Version
		c.mu.Unlock()
		return nil
	}
	c.misses++
	metrics.CacheMisses.Inc()
	holders := c.holdersLocked(args.Key)
	c.mu.Unlock()

	if len(holders) == 0 || c.tr == nil {
		reply.Status = "miss"
		return nil
	}

	value, version, found := c.fetchFromPeers(args.Key, holders)
	if !found {
		reply.Status = "miss"
		return nil
	}

	c.mu.Lock()
	c.storeLocked(args.Key, &Entry{
		Key: args.Key, Value: value, State: Shared, Version: version,
		CreatedAt: time.Now(), LastAccessed: time.Now(), AccessCount: 1,
	})
	if c.directory[args.Key] == nil {
		c.directory[args.Key] = make(map[string]bool)
	}
	c.directory[args.Key][c.selfID] = true
	c.mu.Unlock()

	reply.Status = "hit"
	reply.Value = value
	reply.State = Shared.String()
	reply.Version = version
	return nil
}

// PutArgs is the Put RPC request.
type PutArgs struct {
	Key         string
	Value       []byte
	RequesterID string
}

// PutReply is the Put RPC response.
type PutReply struct {
	Status  string
	State   string
	Version uint64
}

// Put invalidates every other known holder, then installs the new value
// locally as MODIFIED (if other holders existed) or EXCLUSIVE (if this
// node was the sole or first holder), bumping version. Invalidation is
// broadcast best-effort: a peer that misses the invalidation keeps
// serving its stale SHARED copy locally until a later write's
// invalidation reaches it.
func (c *Cache) Put(args *PutArgs, reply *PutReply) error {
	c.mu.Lock()
	holders := c.holdersLocked(args.Key)
	c.mu.Unlock()

	hadOthers := len(holders) > 0
	if hadOthers && c.tr != nil {
		c.invalidatePeers(args.Key, holders)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	state := Exclusive
	if hadOthers {
		state = Modified
	}

	entry, ok := c.entries[args.Key]
	if ok {
		entry.Value = args.Value
		entry.State = state
		entry.Version++
		entry.LastAccessed = time.Now()
		entry.AccessCount++
		c.policy.touch(args.Key)
	} else {
		entry = &Entry{
			Key: args.Key, Value: args.Value, State: state, Version: 1,
			CreatedAt: time.Now(), LastAccessed: time.Now(),
		}
		c.storeLocked(args.Key, entry)
	}
	c.directory[args.Key] = map[string]bool{c.selfID: true}

	log.WithComponent("cache").Info().Str("key", args.Key).Str("state", state.String()).Msg("cached")

	reply.Status = "success"
	reply.State = state.String()
	reply.Version = entry.Version
	return nil
}

// InvalidateArgs is the Invalidate RPC request, used both for a direct
// client call and for the peer-to-peer invalidation Put broadcasts.
type InvalidateArgs struct {
	Key string
}

// InvalidateReply is the Invalidate RPC response.
type InvalidateReply struct {
	Status string
}

// Invalidate writes back a MODIFIED entry before marking it INVALID and
// removing this node from its own view of the directory.
func (c *Cache) Invalidate(args *InvalidateArgs, reply *InvalidateReply) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[args.Key]
	if !ok {
		reply.Status = "not_found"
		return nil
	}
	if entry.State == Modified {
		c.writeBackLocked(entry)
	}
	entry.State = Invalid
	c.invalidations++
	metrics.CacheInvalidations.Inc()

	if holders, ok := c.directory[args.Key]; ok {
		delete(holders, c.selfID)
		if len(holders) == 0 {
			delete(c.directory, args.Key)
		}
	}

	log.WithComponent("cache").Info().Str("key", args.Key).Msg("invalidated")
	reply.Status = "invalidated"
	return nil
}

// DeleteArgs is the Delete RPC request.
type DeleteArgs struct {
	Key string
}

// DeleteReply is the Delete RPC response.
type DeleteReply struct {
	Status string
}

// Delete invalidates every peer holder, writes back a MODIFIED entry, and
// removes the local copy.
func (c *Cache) Delete(args *DeleteArgs, reply *DeleteReply) error {
	c.mu.Lock()
	holders := c.holdersLocked(args.Key)
	c.mu.Unlock()

	if len(holders) > 0 && c.tr != nil {
		c.invalidatePeers(args.Key, holders)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[args.Key]
	if !ok {
		reply.Status = "not_found"
		return nil
	}
	if entry.State == Modified {
		c.writeBackLocked(entry)
	}
	delete(c.entries, args.Key)
	c.policy.remove(args.Key)
	delete(c.directory, args.Key)

	log.WithComponent("cache").Info().Str("key", args.Key).Msg("deleted")
	reply.Status = "deleted"
	return nil
}

// StatsArgs is the Stats RPC request (no fields needed).
type StatsArgs struct{}

// StatsReply is the Stats RPC response.
type StatsReply struct {
	NodeID        string
	Policy        string
	Capacity      int
	Size          int
	Hits          uint64
	Misses        uint64
	Invalidations uint64
	HitRate       float64
}

// Stats reports local cache statistics; purely read-only, never mutates.
func (c *Cache) Stats(args *StatsArgs, reply *StatsReply) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(c.hits) / float64(total) * 100
	}

	reply.NodeID = c.selfID
	reply.Policy = c.policyName
	reply.Capacity = c.capacity
	reply.Size = len(c.entries)
	reply.Hits = c.hits
	reply.Misses = c.misses
	reply.Invalidations = c.invalidations
	reply.HitRate = hitRate
	return nil
}

// PeerFetchArgs is the inter-cache fetch RPC request.
type PeerFetchArgs struct {
	Key string
}

// PeerFetchReply is the inter-cache fetch RPC response.
type PeerFetchReply struct {
	Found   bool
	Value   []byte
	State   string
	Version uint64
}

// PeerFetch serves another cache node's Get miss. Serving a fetch always
// downgrades this node's own copy to SHARED (from EXCLUSIVE or MODIFIED,
// writing back first if MODIFIED) so the coherence invariant — at most
// one MODIFIED/EXCLUSIVE holder, and none if any SHARED holder exists —
// never observably breaks, rather than leaving a MODIFIED owner and a
// new SHARED reader coexisting.
func (c *Cache) PeerFetch(args *PeerFetchArgs, reply *PeerFetchReply) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[args.Key]
	if !ok || entry.State == Invalid {
		reply.Found = false
		return nil
	}
	if entry.State == Modified {
		c.writeBackLocked(entry)
	}
	entry.State = Shared

	reply.Found = true
	reply.Value = entry.Value
	reply.State = entry.State.String()
	reply.Version = entry.Version
	return nil
}

// holdersLocked returns the known holders of key other than self. Caller
// holds c.mu.
func (c *Cache) holdersLocked(key string) []string {
	set, ok := c.directory[key]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		if id != c.selfID {
			out = append(out, id)
		}
	}
	return out
}

// storeLocked installs entry, evicting a victim first if at capacity.
// Caller holds c.mu.
func (c *Cache) storeLocked(key string, entry *Entry) {
	if _, exists := c.entries[key]; !exists && c.capacity > 0 && len(c.entries) >= c.capacity {
		if victim := c.policy.victim(); victim != "" {
			c.evictLocked(victim)
		}
	}
	c.entries[key] = entry
	c.policy.add(key)
}

// evictLocked discards key, writing back first if its entry is MODIFIED.
// Caller holds c.mu.
func (c *Cache) evictLocked(key string) {
	entry, ok := c.entries[key]
	if !ok {
		return
	}
	if entry.State == Modified {
		c.writeBackLocked(entry)
	}
	delete(c.entries, key)
	c.policy.remove(key)
	delete(c.directory, key)
}

// writeBackLocked flushes a MODIFIED entry to the backing store. There's
// no concrete sink wired in yet, so this only logs; the call site is
// where one would hang a real write-through later. Caller holds c.mu.
func (c *Cache) writeBackLocked(entry *Entry) {
	log.WithComponent("cache").Debug().Str("key", entry.Key).Msg("writing back modified entry")
}

// invalidatePeers fans INVALIDATE out to every id in holders, awaiting
// all replies without aborting on the first failure, the same fan-out/
// partial-failure shape transport.Broadcast uses.
func (c *Cache) invalidatePeers(key string, holders []string) {
	var g errgroup.Group
	for _, id := range holders {
		id := id
		g.Go(func() error {
			p, ok := c.tr.Peer(id)
			if !ok {
				return nil
			}
			var reply InvalidateReply
			if !p.Call("CacheService.Invalidate", &InvalidateArgs{Key: key}, &reply) {
				log.WithComponent("cache").Warn().Str("peer", id).Str("key", key).
					Msg("invalidate failed, stale shared copy may persist transiently")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// fetchFromPeers asks each of holders in turn for key, returning the
// first value found.
func (c *Cache) fetchFromPeers(key string, holders []string) ([]byte, uint64, bool) {
	for _, id := range holders {
		p, ok := c.tr.Peer(id)
		if !ok {
			continue
		}
		var reply PeerFetchReply
		if p.Call("CacheService.PeerFetch", &PeerFetchArgs{Key: key}, &reply) && reply.Found {
			return reply.Value, reply.Version, true
		}
	}
	return nil, 0, false
}

// Size returns the number of entries currently stored, for status/tests.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
