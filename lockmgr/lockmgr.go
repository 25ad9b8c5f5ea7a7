// Package lockmgr implements the distributed lock manager: shared/
// exclusive locks with a FIFO waiting queue per lock, wait-for-graph
// deadlock detection, and a periodic timeout sweep. It runs as a
// Raft-backed state machine using an apply-loop and per-index
// result-channel pattern, generalized from a single map[string]string
// key/value store to a lock/wait-for-graph model.
package lockmgr

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hwahyudi/syncd/gobcodec"
	"github.com/hwahyudi/syncd/log"
	"github.com/hwahyudi/syncd/metrics"
	"github.com/hwahyudi/syncd/raft"
	"github.com/hwahyudi/syncd/syncerr"
)

// LockType selects shared vs. exclusive semantics for an Acquire.
type LockType int

const (
	Shared LockType = iota
	Exclusive
)

func (t LockType) String() string {
	if t == Shared {
		return "shared"
	}
	return "exclusive"
}

// defaultTimeout is applied when an Acquire request doesn't specify one.
const defaultTimeout = 30 * time.Second

// sweepInterval is how often the leader checks for expired locks.
const sweepInterval = 5 * time.Second

// waiter is one entry in a lock's FIFO waiting queue.
type waiter struct {
	Requester string
	Type      LockType
	QueuedAt  time.Time
}

// lock is the holder set, current mode, and waiting queue for one lock_id.
type lock struct {
	Type       LockType
	Holders    map[string]bool
	Waiting    []waiter
	Timeout    time.Duration
	LastAccess time.Time
}

func newLock(lt LockType, holder string, timeout time.Duration) *lock {
	return &lock{
		Type:       lt,
		Holders:    map[string]bool{holder: true},
		Timeout:    timeout,
		LastAccess: time.Now(),
	}
}

func (l *lock) canAcquire(lt LockType) bool {
	if len(l.Holders) == 0 {
		return true
	}
	return lt == Shared && l.Type == Shared
}

func (l *lock) acquire(holder string, lt LockType) bool {
	if !l.canAcquire(lt) {
		return false
	}
	l.Holders[holder] = true
	l.Type = lt
	l.LastAccess = time.Now()
	return true
}

func (l *lock) release(holder string) bool {
	if !l.Holders[holder] {
		return false
	}
	delete(l.Holders, holder)
	l.LastAccess = time.Now()
	return true
}

func (l *lock) isHeld() bool { return len(l.Holders) > 0 }

func (l *lock) isExpired(now time.Time) bool {
	return now.Sub(l.LastAccess) > l.Timeout
}

// op is one proposed state-machine command, replicated through Raft.
type op struct {
	Kind      string // "acquire", "release", "sweep"
	LockID    string
	Requester string
	Type      LockType
	Timeout   time.Duration
	ClientID  int64
	RequestID int64
}

// Result is the applied outcome of an op, delivered back to the RPC
// handler that proposed it via the index-keyed result channel.
type Result struct {
	ClientID  int64
	RequestID int64
	Status    string // "acquired", "waiting", "released", "error"
	Message   string
	LockID    string
	Holders   []string
	QueuePos  int
}

// Manager is the Raft-backed lock manager state machine for one node.
type Manager struct {
	mu sync.Mutex

	rf      *raft.Raft
	applyCh chan raft.ApplyMsg

	locks        map[string]*lock
	waitForGraph map[string]map[string]bool // requester -> set of holders it's blocked on
	ack          map[int64]int64            // clientID -> last applied requestID, for dedup

	resultCh map[int]chan Result

	stop chan struct{}
}

// New builds a Manager driven by rf. Call Run in its own goroutine and
// Sweep periodically (or use RunSweeper) on the leader.
func New(rf *raft.Raft, applyCh chan raft.ApplyMsg) *Manager {
	gobcodec.Register(op{})
	gobcodec.Register(Result{})

	return &Manager{
		rf:           rf,
		applyCh:      applyCh,
		locks:        make(map[string]*lock),
		waitForGraph: make(map[string]map[string]bool),
		ack:          make(map[int64]int64),
		resultCh:     make(map[int]chan Result),
		stop:         make(chan struct{}),
	}
}

// AcquireArgs is the Acquire RPC request.
type AcquireArgs struct {
	LockID    string
	Requester string
	Type      LockType
	Timeout   time.Duration
	ClientID  int64
	RequestID int64
}

// AcquireReply is the Acquire RPC response.
type AcquireReply struct {
	Status   string
	Message  string
	Holders  []string
	QueuePos int
}

// Acquire proposes a lock acquisition through Raft and waits for it to
// apply. Only the leader grants locks; a follower returns ErrNotLeader.
func (m *Manager) Acquire(args *AcquireArgs, reply *AcquireReply) error {
	timeout := args.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	result, err := m.propose(op{
		Kind:      "acquire",
		LockID:    args.LockID,
		Requester: args.Requester,
		Type:      args.Type,
		Timeout:   timeout,
		ClientID:  args.ClientID,
		RequestID: args.RequestID,
	})
	if err != nil {
		return err
	}
	reply.Status = result.Status
	reply.Message = result.Message
	reply.Holders = result.Holders
	reply.QueuePos = result.QueuePos
	return nil
}

// ReleaseArgs is the Release RPC request.
type ReleaseArgs struct {
	LockID    string
	Holder    string
	ClientID  int64
	RequestID int64
}

// ReleaseReply is the Release RPC response.
type ReleaseReply struct {
	Status  string
	Message string
}

// Release proposes a lock release through Raft.
func (m *Manager) Release(args *ReleaseArgs, reply *ReleaseReply) error {
	result, err := m.propose(op{
		Kind:      "release",
		LockID:    args.LockID,
		Requester: args.Holder,
		ClientID:  args.ClientID,
		RequestID: args.RequestID,
	})
	if err != nil {
		return err
	}
	reply.Status = result.Status
	reply.Message = result.Message
	return nil
}

// StatusArgs is the Status RPC request; LockID empty means "all locks".
type StatusArgs struct {
	LockID string
}

// LockStatus describes one lock for the Status RPC response.
type LockStatus struct {
	LockID       string
	Type         string
	Holders      []string
	WaitingCount int
}

// StatusReply is the Status RPC response.
type StatusReply struct {
	Locks []LockStatus
}

// Status is a read-only query, answered directly from local state
// without going through Raft, since it never mutates anything.
func (m *Manager) Status(args *StatusArgs, reply *StatusReply) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if args.LockID != "" {
		l, ok := m.locks[args.LockID]
		if !ok {
			return nil
		}
		reply.Locks = []LockStatus{statusOf(args.LockID, l)}
		return nil
	}

	ids := make([]string, 0, len(m.locks))
	for id := range m.locks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		reply.Locks = append(reply.Locks, statusOf(id, m.locks[id]))
	}
	return nil
}

func statusOf(id string, l *lock) LockStatus {
	holders := make([]string, 0, len(l.Holders))
	for h := range l.Holders {
		holders = append(holders, h)
	}
	sort.Strings(holders)
	return LockStatus{
		LockID:       id,
		Type:         l.Type.String(),
		Holders:      holders,
		WaitingCount: len(l.Waiting),
	}
}

// propose appends entry to the Raft log and blocks for its apply result.
func (m *Manager) propose(entry op) (Result, error) {
	index, _, isLeader := m.rf.Start(entry)
	if !isLeader {
		return Result{}, syncerr.ErrNotLeader
	}

	m.mu.Lock()
	if _, ok := m.resultCh[index]; !ok {
		m.resultCh[index] = make(chan Result, 1)
	}
	ch := m.resultCh[index]
	m.mu.Unlock()

	select {
	case result := <-ch:
		if result.ClientID == entry.ClientID && result.RequestID == entry.RequestID {
			return result, nil
		}
		return Result{}, syncerr.ErrNotLeader
	case <-time.After(2 * time.Second):
		return Result{}, syncerr.ErrTimeout
	}
}

// isDuplicate reports whether entry has already been applied for its
// client, via a per-client last-applied-request-id map, giving Acquire
// at-most-once semantics under retries.
func (m *Manager) isDuplicate(e op) bool {
	last, ok := m.ack[e.ClientID]
	return ok && last >= e.RequestID
}

// applyOp mutates local state for one committed op. Caller holds m.mu.
func (m *Manager) applyOp(e op) Result {
	result := Result{ClientID: e.ClientID, RequestID: e.RequestID, LockID: e.LockID}

	switch e.Kind {
	case "acquire":
		if m.isDuplicate(e) {
			result.Status = "acquired"
			return result
		}
		result = m.doAcquire(e)
	case "release":
		if m.isDuplicate(e) {
			result.Status = "released"
			return result
		}
		result = m.doRelease(e)
	case "sweep":
		m.doSweep()
		result.Status = "swept"
	}

	m.ack[e.ClientID] = e.RequestID
	return result
}

func (m *Manager) doAcquire(e op) Result {
	result := Result{ClientID: e.ClientID, RequestID: e.RequestID, LockID: e.LockID}

	if m.wouldDeadlock(e.Requester, e.LockID) {
		metrics.DeadlocksDetected.Inc()
		result.Status = "error"
		result.Message = "deadlock detected"
		return result
	}

	l, exists := m.locks[e.LockID]
	if !exists {
		l = newLock(e.Type, e.Requester, e.Timeout)
		m.locks[e.LockID] = l
		result.Status = "acquired"
		result.Holders = []string{e.Requester}
		m.recomputeGauges()
		return result
	}

	if l.acquire(e.Requester, e.Type) {
		result.Status = "acquired"
		for h := range l.Holders {
			result.Holders = append(result.Holders, h)
		}
		m.recomputeGauges()
		return result
	}

	l.Waiting = append(l.Waiting, waiter{Requester: e.Requester, Type: e.Type, QueuedAt: time.Now()})
	if m.waitForGraph[e.Requester] == nil {
		m.waitForGraph[e.Requester] = make(map[string]bool)
	}
	for h := range l.Holders {
		m.waitForGraph[e.Requester][h] = true
	}
	result.Status = "waiting"
	result.QueuePos = len(l.Waiting)
	m.recomputeGauges()
	return result
}

func (m *Manager) doRelease(e op) Result {
	result := Result{ClientID: e.ClientID, RequestID: e.RequestID, LockID: e.LockID}

	l, ok := m.locks[e.LockID]
	if !ok {
		result.Status = "error"
		result.Message = "lock not found"
		return result
	}
	if !l.release(e.Requester) {
		result.Status = "error"
		result.Message = "not a lock holder"
		return result
	}
	delete(m.waitForGraph, e.Requester)

	if !l.isHeld() && len(l.Waiting) > 0 {
		m.processWaitingQueue(e.LockID)
	}
	if !l.isHeld() && len(l.Waiting) == 0 {
		delete(m.locks, e.LockID)
	}

	result.Status = "released"
	m.recomputeGauges()
	return result
}

// processWaitingQueue drains the FIFO queue from the head for as long as
// each successive waiter can still acquire against the lock's current
// holders: a run of consecutive SHARED waiters is admitted together in
// one pass, stopping at the first EXCLUSIVE waiter or an empty queue.
func (m *Manager) processWaitingQueue(lockID string) {
	l, ok := m.locks[lockID]
	if !ok {
		return
	}
	for len(l.Waiting) > 0 {
		head := l.Waiting[0]
		if !l.canAcquire(head.Type) {
			break
		}
		l.Waiting = l.Waiting[1:]
		l.acquire(head.Requester, head.Type)
		delete(m.waitForGraph, head.Requester)
		log.WithComponent("lockmgr").Info().
			Str("lock_id", lockID).Str("requester", head.Requester).
			Msg("lock granted from queue")
	}
}

// wouldDeadlock reports whether requester waiting on lockID would close
// a cycle in the wait-for graph, via DFS cycle detection — the same
// algorithm a topological cycle check would use on any wait-for graph.
func (m *Manager) wouldDeadlock(requester, lockID string) bool {
	l, ok := m.locks[lockID]
	if !ok {
		return false
	}

	graph := make(map[string]map[string]bool, len(m.waitForGraph)+1)
	for k, v := range m.waitForGraph {
		cp := make(map[string]bool, len(v))
		for h := range v {
			cp[h] = true
		}
		graph[k] = cp
	}
	if graph[requester] == nil {
		graph[requester] = make(map[string]bool)
	}
	for h := range l.Holders {
		graph[requester][h] = true
	}

	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	var hasCycle func(node string) bool
	hasCycle = func(node string) bool {
		visited[node] = true
		recStack[node] = true
		for neighbor := range graph[node] {
			if !visited[neighbor] {
				if hasCycle(neighbor) {
					return true
				}
			} else if recStack[neighbor] {
				return true
			}
		}
		recStack[node] = false
		return false
	}
	return hasCycle(requester)
}

// doSweep releases any lock whose last access exceeds its timeout.
func (m *Manager) doSweep() {
	now := time.Now()
	var expired []string
	for id, l := range m.locks {
		if l.isExpired(now) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		l := m.locks[id]
		for holder := range l.Holders {
			l.release(holder)
			delete(m.waitForGraph, holder)
			metrics.LockTimeouts.Inc()
			log.WithComponent("lockmgr").Warn().Str("lock_id", id).Str("holder", holder).Msg("lock expired")
		}
		if !l.isHeld() && len(l.Waiting) > 0 {
			m.processWaitingQueue(id)
		}
		if !l.isHeld() && len(l.Waiting) == 0 {
			delete(m.locks, id)
		}
	}
	m.recomputeGauges()
}

func (m *Manager) recomputeGauges() {
	held := 0
	waiters := 0
	for _, l := range m.locks {
		if l.isHeld() {
			held++
		}
		waiters += len(l.Waiting)
	}
	metrics.LocksHeld.Set(float64(held))
	metrics.LockWaiters.Set(float64(waiters))
}

// Run drains applyCh, applying each committed op and waking up the
// propose call blocked on its index — the apply-loop/resultCh pattern.
func (m *Manager) Run() {
	for {
		select {
		case <-m.stop:
			return
		case msg, ok := <-m.applyCh:
			if !ok {
				return
			}
			if msg.UseSnapshot {
				continue // snapshotting reserved, not produced by this subsystem yet
			}
			e, ok := msg.Command.(op)
			if !ok {
				continue
			}

			m.mu.Lock()
			result := m.applyOp(e)
			if ch, ok := m.resultCh[msg.CommandIndex]; ok {
				select {
				case <-ch:
				default:
				}
				ch <- result
			} else {
				ch := make(chan Result, 1)
				ch <- result
				m.resultCh[msg.CommandIndex] = ch
			}
			m.mu.Unlock()
		}
	}
}

// RunSweeper proposes a periodic "sweep" op while this node is leader, so
// the timeout check itself goes through Raft and every replica's state
// converges identically.
func (m *Manager) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			if _, isLeader := m.rf.GetState(); isLeader {
				m.rf.Start(op{Kind: "sweep"})
			}
		}
	}
}

// Stop halts Run and RunSweeper.
func (m *Manager) Stop() { close(m.stop) }

// ErrorString renders a propose error for RPC replies that use plain
// strings rather than Go errors on the wire.
func ErrorString(err error) string {
	return fmt.Sprintf("%v", err)
}
