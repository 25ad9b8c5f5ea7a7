package lockmgr

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hwahyudi/syncd/raft"
	"github.com/hwahyudi/syncd/storage"
	"github.com/hwahyudi/syncd/transport"
)

// startCluster boots a 3-node Raft-backed lock manager cluster on
// loopback, each on its own real TCP port starting at basePort. It mirrors
// the way node.New wires one lock Raft group, scaled down to a
// single-purpose test harness.
func startCluster(t *testing.T, basePort int) ([]*Manager, []*raft.Raft, func()) {
	t.Helper()
	ids := []string{"n1", "n2", "n3"}

	trs := make([]*transport.Transport, len(ids))
	stores := make([]*storage.RaftStore, len(ids))
	rafts := make([]*raft.Raft, len(ids))
	mgrs := make([]*Manager, len(ids))

	for i, id := range ids {
		trs[i] = transport.New(id)
	}
	for i := range ids {
		for j, peer := range ids {
			if i == j {
				continue
			}
			trs[i].AddPeer(peer, fmt.Sprintf("127.0.0.1:%d", basePort+j))
		}
	}
	for i, id := range ids {
		store, err := storage.Open(t.TempDir(), "lock")
		require.NoError(t, err)
		stores[i] = store

		applyCh := make(chan raft.ApplyMsg, 256)
		rafts[i] = raft.Make(id, ids, trs[i], store, "lock",
			30*time.Millisecond, 150*time.Millisecond, 300*time.Millisecond, applyCh)
		mgrs[i] = New(rafts[i], applyCh)
		require.NoError(t, trs[i].RegisterName("LockService", mgrs[i]))
		go mgrs[i].Run()
		require.NoError(t, trs[i].Listen(fmt.Sprintf("127.0.0.1:%d", basePort+i)))
	}

	cleanup := func() {
		for i := range ids {
			mgrs[i].Stop()
			rafts[i].Kill()
			_ = trs[i].Close()
			_ = stores[i].Close()
		}
	}
	return mgrs, rafts, cleanup
}

func waitForLeader(t *testing.T, rafts []*raft.Raft) int {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for i, rf := range rafts {
			if _, isLeader := rf.GetState(); isLeader {
				return i
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("no leader elected within deadline")
	return -1
}

// TestExclusiveLockContention exercises spec.md §8's first scenario:
// acquire("k", c1, EXCLUSIVE) succeeds, a second exclusive acquire queues
// behind it, and releasing c1 lets the queued waiter take over.
func TestExclusiveLockContention(t *testing.T) {
	mgrs, rafts, cleanup := startCluster(t, 19101)
	defer cleanup()
	mgr := mgrs[waitForLeader(t, rafts)]

	var r1 AcquireReply
	require.NoError(t, mgr.Acquire(&AcquireArgs{
		LockID: "k", Requester: "c1", Type: Exclusive, Timeout: 30 * time.Second,
		ClientID: 1, RequestID: 1,
	}, &r1))
	require.Equal(t, "acquired", r1.Status)
	require.Equal(t, []string{"c1"}, r1.Holders)

	var r2 AcquireReply
	require.NoError(t, mgr.Acquire(&AcquireArgs{
		LockID: "k", Requester: "c2", Type: Exclusive, Timeout: 30 * time.Second,
		ClientID: 2, RequestID: 1,
	}, &r2))
	require.Equal(t, "waiting", r2.Status)
	require.Equal(t, 1, r2.QueuePos)

	var rel ReleaseReply
	require.NoError(t, mgr.Release(&ReleaseArgs{LockID: "k", Holder: "c1", ClientID: 1, RequestID: 2}, &rel))
	require.Equal(t, "released", rel.Status)

	require.Eventually(t, func() bool {
		var status StatusReply
		_ = mgr.Status(&StatusArgs{LockID: "k"}, &status)
		return len(status.Locks) == 1 && len(status.Locks[0].Holders) == 1 && status.Locks[0].Holders[0] == "c2"
	}, 2*time.Second, 20*time.Millisecond, "c2 should be granted the lock once c1 releases it")
}

// TestDeadlockDetection exercises spec.md §8's second scenario: a cycle
// c1 -> c2 -> c1 in the wait-for graph is rejected before it forms.
func TestDeadlockDetection(t *testing.T) {
	mgrs, rafts, cleanup := startCluster(t, 19111)
	defer cleanup()
	mgr := mgrs[waitForLeader(t, rafts)]

	var a AcquireReply
	require.NoError(t, mgr.Acquire(&AcquireArgs{
		LockID: "A", Requester: "c1", Type: Exclusive, Timeout: 30 * time.Second, ClientID: 1, RequestID: 1,
	}, &a))
	require.Equal(t, "acquired", a.Status)

	var b AcquireReply
	require.NoError(t, mgr.Acquire(&AcquireArgs{
		LockID: "B", Requester: "c2", Type: Exclusive, Timeout: 30 * time.Second, ClientID: 2, RequestID: 1,
	}, &b))
	require.Equal(t, "acquired", b.Status)

	// c1 now waits on c2 (holds B), forming the edge c1 -> c2
	var waitB AcquireReply
	require.NoError(t, mgr.Acquire(&AcquireArgs{
		LockID: "B", Requester: "c1", Type: Exclusive, Timeout: 30 * time.Second, ClientID: 1, RequestID: 2,
	}, &waitB))
	require.Equal(t, "waiting", waitB.Status)

	// c2 acquiring A (held by c1) would close the cycle c1 -> c2 -> c1
	var closeCycle AcquireReply
	require.NoError(t, mgr.Acquire(&AcquireArgs{
		LockID: "A", Requester: "c2", Type: Exclusive, Timeout: 30 * time.Second, ClientID: 2, RequestID: 2,
	}, &closeCycle))
	require.Equal(t, "error", closeCycle.Status)
	require.Contains(t, closeCycle.Message, "deadlock")
}

// TestSharedLocksDoNotContend checks that multiple shared holders coexist
// and an exclusive request queues behind them all.
func TestSharedLocksDoNotContend(t *testing.T) {
	mgrs, rafts, cleanup := startCluster(t, 19121)
	defer cleanup()
	mgr := mgrs[waitForLeader(t, rafts)]

	var r1, r2 AcquireReply
	require.NoError(t, mgr.Acquire(&AcquireArgs{LockID: "s", Requester: "c1", Type: Shared, ClientID: 1, RequestID: 1}, &r1))
	require.NoError(t, mgr.Acquire(&AcquireArgs{LockID: "s", Requester: "c2", Type: Shared, ClientID: 2, RequestID: 1}, &r2))
	require.Equal(t, "acquired", r1.Status)
	require.Equal(t, "acquired", r2.Status)

	var exclusive AcquireReply
	require.NoError(t, mgr.Acquire(&AcquireArgs{LockID: "s", Requester: "c3", Type: Exclusive, ClientID: 3, RequestID: 1}, &exclusive))
	require.Equal(t, "waiting", exclusive.Status)
}

// TestSharedWaitersDrainTogetherOnRelease checks that when a released
// exclusive lock's waiting queue has consecutive SHARED waiters queued
// ahead of an EXCLUSIVE one, all of the consecutive SHARED waiters are
// admitted together in the same release-processing pass, rather than
// only the head of the queue.
func TestSharedWaitersDrainTogetherOnRelease(t *testing.T) {
	mgrs, rafts, cleanup := startCluster(t, 19141)
	defer cleanup()
	mgr := mgrs[waitForLeader(t, rafts)]

	var r1 AcquireReply
	require.NoError(t, mgr.Acquire(&AcquireArgs{
		LockID: "k", Requester: "c1", Type: Exclusive, Timeout: 30 * time.Second, ClientID: 1, RequestID: 1,
	}, &r1))
	require.Equal(t, "acquired", r1.Status)

	var r2, r3, r4 AcquireReply
	require.NoError(t, mgr.Acquire(&AcquireArgs{
		LockID: "k", Requester: "c2", Type: Shared, Timeout: 30 * time.Second, ClientID: 2, RequestID: 1,
	}, &r2))
	require.Equal(t, "waiting", r2.Status)
	require.NoError(t, mgr.Acquire(&AcquireArgs{
		LockID: "k", Requester: "c3", Type: Shared, Timeout: 30 * time.Second, ClientID: 3, RequestID: 1,
	}, &r3))
	require.Equal(t, "waiting", r3.Status)
	require.NoError(t, mgr.Acquire(&AcquireArgs{
		LockID: "k", Requester: "c4", Type: Exclusive, Timeout: 30 * time.Second, ClientID: 4, RequestID: 1,
	}, &r4))
	require.Equal(t, "waiting", r4.Status)

	var rel ReleaseReply
	require.NoError(t, mgr.Release(&ReleaseArgs{LockID: "k", Holder: "c1", ClientID: 1, RequestID: 2}, &rel))
	require.Equal(t, "released", rel.Status)

	require.Eventually(t, func() bool {
		var status StatusReply
		_ = mgr.Status(&StatusArgs{LockID: "k"}, &status)
		if len(status.Locks) != 1 || len(status.Locks[0].Holders) != 2 {
			return false
		}
		holders := map[string]bool{status.Locks[0].Holders[0]: true, status.Locks[0].Holders[1]: true}
		return holders["c2"] && holders["c3"]
	}, 2*time.Second, 20*time.Millisecond, "both consecutive shared waiters should be granted together")

	var status StatusReply
	require.NoError(t, mgr.Status(&StatusArgs{LockID: "k"}, &status))
	require.Equal(t, 1, status.Locks[0].WaitingCount, "the exclusive waiter behind the shared run should remain queued")
}

// TestDuplicateRequestIsIdempotent exercises the ack-map dedup used to
// protect against a client retrying a request whose response it never saw.
func TestDuplicateRequestIsIdempotent(t *testing.T) {
	mgrs, rafts, cleanup := startCluster(t, 19131)
	defer cleanup()
	mgr := mgrs[waitForLeader(t, rafts)]

	args := &AcquireArgs{LockID: "k", Requester: "c1", Type: Exclusive, ClientID: 1, RequestID: 1}
	var r1, r2 AcquireReply
	require.NoError(t, mgr.Acquire(args, &r1))
	require.NoError(t, mgr.Acquire(args, &r2))
	require.Equal(t, "acquired", r1.Status)
	require.Equal(t, "acquired", r2.Status)

	var status StatusReply
	require.NoError(t, mgr.Status(&StatusArgs{LockID: "k"}, &status))
	require.Len(t, status.Locks[0].Holders, 1)
}
