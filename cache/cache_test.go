package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hwahyudi/syncd/transport"
)

func TestLRUPolicyEvictsLeastRecentlyTouched(t *testing.T) {
	p := newLRUPolicy()
	p.add("a")
	p.add("b")
	p.add("c")
	p.touch("a") // a is now most-recently used
	require.Equal(t, "b", p.victim())
	p.remove("b")
	require.Equal(t, "c", p.victim())
}

func TestLFUPolicyEvictsLeastFrequentTieBrokenByInsertion(t *testing.T) {
	p := newLFUPolicy()
	p.add("a")
	p.add("b")
	p.touch("a")
	p.touch("a")
	p.touch("b")
	require.Equal(t, "b", p.victim())

	p.touch("b")
	// a and b now tied at count 2; insertion order breaks the tie toward a
	require.Equal(t, "a", p.victim())
}

func TestFIFOPolicyEvictsOldestInsert(t *testing.T) {
	p := newFIFOPolicy()
	p.add("a")
	p.add("b")
	p.touch("b") // FIFO ignores touches entirely
	require.Equal(t, "a", p.victim())
}

func TestGetMissOnEmptyCache(t *testing.T) {
	c := New("n1", 2, "lru", nil)
	var reply GetReply
	require.NoError(t, c.Get(&GetArgs{Key: "k"}, &reply))
	require.Equal(t, "miss", reply.Status)
}

func TestPutThenGetIsExclusiveThenHit(t *testing.T) {
	c := New("n1", 2, "lru", nil)

	var putReply PutReply
	require.NoError(t, c.Put(&PutArgs{Key: "k", Value: []byte("v1")}, &putReply))
	require.Equal(t, "success", putReply.Status)
	require.Equal(t, "exclusive", putReply.State)
	require.Equal(t, uint64(1), putReply.Version)

	var getReply GetReply
	require.NoError(t, c.Get(&GetArgs{Key: "k"}, &getReply))
	require.Equal(t, "hit", getReply.Status)
	require.Equal(t, []byte("v1"), getReply.Value)
}

func TestEvictionRespectsCapacity(t *testing.T) {
	c := New("n1", 2, "fifo", nil)

	var r PutReply
	require.NoError(t, c.Put(&PutArgs{Key: "a", Value: []byte("1")}, &r))
	require.NoError(t, c.Put(&PutArgs{Key: "b", Value: []byte("2")}, &r))
	require.Equal(t, 2, c.Size())

	require.NoError(t, c.Put(&PutArgs{Key: "c", Value: []byte("3")}, &r))
	require.Equal(t, 2, c.Size())

	var getA GetReply
	require.NoError(t, c.Get(&GetArgs{Key: "a"}, &getA))
	require.Equal(t, "miss", getA.Status) // evicted first, FIFO
}

func TestInvalidateOnUnknownKeyReportsNotFound(t *testing.T) {
	c := New("n1", 4, "lru", nil)
	var reply InvalidateReply
	require.NoError(t, c.Invalidate(&InvalidateArgs{Key: "missing"}, &reply))
	require.Equal(t, "not_found", reply.Status)
}

func TestStatsTracksHitsMissesAndInvalidations(t *testing.T) {
	c := New("n1", 4, "lru", nil)
	var p PutReply
	require.NoError(t, c.Put(&PutArgs{Key: "k", Value: []byte("v")}, &p))

	var g GetReply
	require.NoError(t, c.Get(&GetArgs{Key: "k"}, &g))  // hit
	require.NoError(t, c.Get(&GetArgs{Key: "x"}, &g))  // miss

	var inv InvalidateReply
	require.NoError(t, c.Invalidate(&InvalidateArgs{Key: "k"}, &inv))

	var stats StatsReply
	require.NoError(t, c.Stats(&StatsArgs{}, &stats))
	require.Equal(t, uint64(1), stats.Hits)
	require.Equal(t, uint64(1), stats.Misses)
	require.Equal(t, uint64(1), stats.Invalidations)
	require.InDelta(t, 50.0, stats.HitRate, 0.001)
}

// TestCrossNodeFetchAndInvalidate exercises the real MESI exchange between
// two cache nodes over an actual transport.Transport pair, matching
// spec.md §8's cache-miss-then-hit and coherence scenarios.
func TestCrossNodeFetchAndInvalidate(t *testing.T) {
	basePort := 19401
	addr1 := fmt.Sprintf("127.0.0.1:%d", basePort)
	addr2 := fmt.Sprintf("127.0.0.1:%d", basePort+1)

	tr1 := transport.New("n1")
	tr2 := transport.New("n2")
	tr1.AddPeer("n2", addr2)
	tr2.AddPeer("n1", addr1)

	c1 := New("n1", 4, "lru", tr1)
	c2 := New("n2", 4, "lru", tr2)
	require.NoError(t, tr1.RegisterName("CacheService", c1))
	require.NoError(t, tr2.RegisterName("CacheService", c2))
	require.NoError(t, tr1.Listen(addr1))
	require.NoError(t, tr2.Listen(addr2))
	defer tr1.Close()
	defer tr2.Close()

	var putReply PutReply
	require.NoError(t, c1.Put(&PutArgs{Key: "k", Value: []byte("v1")}, &putReply))

	// n1 believes it's the sole holder, so n2's directory has no entry for
	// "k" yet; seed it the way a cluster-wide directory broadcast would.
	c2.mu.Lock()
	c2.directory["k"] = map[string]bool{"n1": true}
	c2.mu.Unlock()

	var getReply GetReply
	require.NoError(t, c2.Get(&GetArgs{Key: "k"}, &getReply))
	require.Equal(t, "hit", getReply.Status)
	require.Equal(t, []byte("v1"), getReply.Value)
	require.Equal(t, "shared", getReply.State)

	// serving the fetch must have downgraded n1's copy to SHARED
	var n1Get GetReply
	require.NoError(t, c1.Get(&GetArgs{Key: "k"}, &n1Get))
	require.Equal(t, "shared", n1Get.State)

	// a subsequent write on n2 invalidates n1's stale shared copy
	var putReply2 PutReply
	require.NoError(t, c2.Put(&PutArgs{Key: "k", Value: []byte("v2")}, &putReply2))
	require.Eventually(t, func() bool {
		c1.mu.Lock()
		defer c1.mu.Unlock()
		e, ok := c1.entries["k"]
		return ok && e.State == Invalid
	}, time.Second, 10*time.Millisecond)
}
