// Package node wires one cluster member's Raft groups, transport
// listeners, failure detector, and domain state machines together from a
// config.Config, using a construct-and-launch-goroutines shape scaled up
// to own three independent subsystems (lock, queue, cache) instead of
// one.
package node

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hwahyudi/syncd/cache"
	"github.com/hwahyudi/syncd/config"
	"github.com/hwahyudi/syncd/fd"
	"github.com/hwahyudi/syncd/lockmgr"
	"github.com/hwahyudi/syncd/log"
	"github.com/hwahyudi/syncd/queue"
	"github.com/hwahyudi/syncd/raft"
	"github.com/hwahyudi/syncd/ring"
	"github.com/hwahyudi/syncd/storage"
	"github.com/hwahyudi/syncd/transport"
)

// Node is one running cluster member: one Raft group for lock grants, one
// for queue mutations, a peer-to-peer MESI cache that never touches
// Raft, and a phi-accrual detector fed by a lightweight heartbeat
// exchange over the lock transport.
type Node struct {
	cfg config.Config

	tr      *transport.Transport // lock RPCs + Raft_lock, listens on node_port
	trQueue *transport.Transport // queue RPCs + Raft_queue, listens on node_port+100
	trCache *transport.Transport // cache RPCs, listens on node_port+200

	lockStore  *storage.RaftStore
	queueStore *storage.RaftStore

	lockRaft  *raft.Raft
	queueRaft *raft.Raft

	Locks  *lockmgr.Manager
	Queues *queue.Manager
	Cache  *cache.Cache

	Detector *fd.Detector
	Ring     *ring.Ring

	peerIDs []string

	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs every component for cfg but does not start network
// listeners or background goroutines; call Start for that.
func New(cfg config.Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

	peerIDs := []string{cfg.NodeID}
	for _, p := range cfg.ClusterNodes {
		if p.ID != cfg.NodeID {
			peerIDs = append(peerIDs, p.ID)
		}
	}
	sort.Strings(peerIDs)

	tr := transport.New(cfg.NodeID)
	trQueue := transport.New(cfg.NodeID)
	trCache := transport.New(cfg.NodeID)
	for _, p := range cfg.ClusterNodes {
		if p.ID == cfg.NodeID {
			continue
		}
		host := p.Host
		if host == "" {
			host = cfg.NodeHost
		}
		tr.AddPeer(p.ID, fmt.Sprintf("%s:%d", host, p.Port))
		trQueue.AddPeer(p.ID, fmt.Sprintf("%s:%d", host, p.Port+100))
		trCache.AddPeer(p.ID, fmt.Sprintf("%s:%d", host, p.Port+200))
	}

	lockStore, err := storage.Open(cfg.DataDir, "lock")
	if err != nil {
		return nil, err
	}
	queueStore, err := storage.Open(cfg.DataDir, "queue")
	if err != nil {
		return nil, err
	}

	lockApply := make(chan raft.ApplyMsg, 256)
	lockRaft := raft.Make(cfg.NodeID, peerIDs, tr, lockStore, "lock",
		cfg.HeartbeatInterval, cfg.ElectionTimeoutMin, cfg.ElectionTimeoutMax, lockApply)
	locks := lockmgr.New(lockRaft, lockApply)
	if err := tr.RegisterName("LockService", locks); err != nil {
		return nil, fmt.Errorf("register LockService: %w", err)
	}

	hashRing := ring.New()
	for _, id := range peerIDs {
		hashRing.AddNode(id)
	}

	queueApply := make(chan raft.ApplyMsg, 256)
	queueRaft := raft.Make(cfg.NodeID, peerIDs, trQueue, queueStore, "queue",
		cfg.HeartbeatInterval, cfg.ElectionTimeoutMin, cfg.ElectionTimeoutMax, queueApply)
	queues := queue.New(cfg.NodeID, queueRaft, queueApply, hashRing, trQueue, cfg.QueueReplicationFactor)
	if err := trQueue.RegisterName("QueueService", queues); err != nil {
		return nil, fmt.Errorf("register QueueService: %w", err)
	}

	cacheStore := cache.New(cfg.NodeID, cfg.CacheSize, string(cfg.CachePolicy), trCache)
	if err := trCache.RegisterName("CacheService", cacheStore); err != nil {
		return nil, fmt.Errorf("register CacheService: %w", err)
	}

	detector := fd.New(cfg.FailureDetectorT)
	for _, id := range peerIDs {
		if id != cfg.NodeID {
			detector.Register(id)
		}
	}
	tr.RegisterHandler("heartbeat", func(senderID string, _ []byte) error {
		detector.Heartbeat(senderID, time.Now())
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		cfg:        cfg,
		tr:         tr,
		trQueue:    trQueue,
		trCache:    trCache,
		lockStore:  lockStore,
		queueStore: queueStore,
		lockRaft:   lockRaft,
		queueRaft:  queueRaft,
		Locks:      locks,
		Queues:     queues,
		Cache:      cacheStore,
		Detector:   detector,
		Ring:       hashRing,
		peerIDs:    peerIDs,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start binds the three listeners and launches every background
// goroutine: the lock/queue apply loops, their timeout/lease sweepers,
// the failure-detector sweep, and the heartbeat-exchange ticker.
func (n *Node) Start() error {
	if err := n.tr.Listen(fmt.Sprintf("%s:%d", n.cfg.NodeHost, n.cfg.NodePort)); err != nil {
		return err
	}
	if err := n.trQueue.Listen(fmt.Sprintf("%s:%d", n.cfg.NodeHost, n.cfg.QueuePort())); err != nil {
		return err
	}
	if err := n.trCache.Listen(fmt.Sprintf("%s:%d", n.cfg.NodeHost, n.cfg.CachePort())); err != nil {
		return err
	}

	go n.Locks.Run()
	go n.Queues.Run()
	go n.Locks.RunSweeper(n.ctx)
	go n.Queues.RunSweeper(n.ctx)
	go n.Detector.Run(n.ctx.Done(), n.cfg.HeartbeatInterval)
	go n.heartbeatLoop()

	log.WithNode(n.cfg.NodeID).Info().
		Int("lock_port", n.cfg.NodePort).
		Int("queue_port", n.cfg.QueuePort()).
		Int("cache_port", n.cfg.CachePort()).
		Msg("node started")
	return nil
}

// heartbeatLoop fire-and-forgets a heartbeat envelope to every peer on
// the lock transport every HeartbeatInterval, feeding the failure
// detector's sampler its inter-arrival samples through the transport's
// existing type-dispatch handler table instead of a dedicated RPC.
func (n *Node) heartbeatLoop() {
	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			for _, id := range n.peerIDs {
				if id == n.cfg.NodeID {
					continue
				}
				go func(peer string) { _, _ = n.tr.Send(peer, "heartbeat", nil, false) }(id)
			}
		}
	}
}

// Stop cancels every background goroutine and closes listeners and
// durable stores. In-flight lock and queue RPCs are not interrupted: a
// proposal that is not applied before the apply loop stops returns
// syncerr.ErrTimeout once its 2-second wait runs out.
func (n *Node) Stop() {
	n.cancel()
	n.Locks.Stop()
	n.Queues.Stop()
	n.lockRaft.Kill()
	n.queueRaft.Kill()
	_ = n.tr.Close()
	_ = n.trQueue.Close()
	_ = n.trCache.Close()
	_ = n.lockStore.Close()
	_ = n.queueStore.Close()
}

// Status is a snapshot of this node's role in each Raft group, for the
// `node status` CLI subcommand and tests.
type Status struct {
	NodeID        string
	LockTerm      int
	LockIsLeader  bool
	QueueTerm     int
	QueueIsLeader bool
	CacheSize     int
	AlivePeers    []string
}

// Status reports this node's current Raft role and cache occupancy.
func (n *Node) Status() Status {
	lockTerm, lockLeader := n.lockRaft.GetState()
	queueTerm, queueLeader := n.queueRaft.GetState()
	return Status{
		NodeID:        n.cfg.NodeID,
		LockTerm:      lockTerm,
		LockIsLeader:  lockLeader,
		QueueTerm:     queueTerm,
		QueueIsLeader: queueLeader,
		CacheSize:     n.Cache.Size(),
		AlivePeers:    n.Detector.AlivePeers(),
	}
}
