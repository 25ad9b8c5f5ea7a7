// Package queue implements the distributed priority queue:
// priority-DESC + FIFO-within-priority ordering, consistent-hash
// replica selection, at-least-once delivery via a lease on each dequeue,
// and a lease-expiry sweep that requeues or dead-letters stale
// deliveries. Uses the same apply-loop/resultCh pattern lockmgr uses to
// run as a Raft state machine.
package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hwahyudi/syncd/gobcodec"
	"github.com/hwahyudi/syncd/log"
	"github.com/hwahyudi/syncd/metrics"
	"github.com/hwahyudi/syncd/raft"
	"github.com/hwahyudi/syncd/ring"
	"github.com/hwahyudi/syncd/syncerr"
	"github.com/hwahyudi/syncd/transport"
)

// Status is a message's position in its delivery lifecycle.
type Status int

const (
	Pending Status = iota
	Processing
	Delivered
	Failed
)

const (
	maxAttempts   = 3
	leaseDuration = 60 * time.Second // default at-least-once lease before a dequeued message is considered abandoned
	sweepInterval = 5 * time.Second
)

// Message is one enqueued item.
type Message struct {
	ID          string
	QueueName   string
	Data        []byte
	Priority    int
	Status      Status
	CreatedAt   time.Time
	Attempts    int
	LeaseExpiry time.Time
	DeliveredTo map[string]bool
}

// queueState holds one named queue's ordered message-ID list.
type queueState struct {
	order     []string // message IDs, priority-DESC then FIFO within priority
	consumers map[string]bool
}

// op is a Raft-replicated queue command.
type op struct {
	Kind      string // "enqueue", "dequeue", "ack", "nack", "sweep"
	QueueName string
	MessageID string
	Data      []byte
	Priority  int
	ConsumerID string
}

// Result is the applied outcome of an op.
type Result struct {
	Status    string
	Message   string
	MessageID string
	QueueName string
	Replicas  []string
	Msg       Message
}

// Manager is the Raft-backed distributed queue state machine.
type Manager struct {
	mu sync.Mutex

	selfID string
	rf     *raft.Raft

	applyCh chan raft.ApplyMsg
	ring    *ring.Ring
	tr      *transport.Transport

	replicationFactor int

	queues   map[string]*queueState
	messages map[string]*Message

	resultCh map[int]chan Result

	stop chan struct{}
}

// New builds a Manager. ring should already have every cluster node
// added; replicationFactor selects how many consistent-hash replicas
// each enqueue is mirrored to.
func New(selfID string, rf *raft.Raft, applyCh chan raft.ApplyMsg, hashRing *ring.Ring, tr *transport.Transport, replicationFactor int) *Manager {
	gobcodec.Register(op{})
	gobcodec.Register(Result{})
	gobcodec.Register(Message{})

	m := &Manager{
		selfID:            selfID,
		rf:                rf,
		applyCh:           applyCh,
		ring:              hashRing,
		tr:                tr,
		replicationFactor: replicationFactor,
		queues:            make(map[string]*queueState),
		messages:          make(map[string]*Message),
		resultCh:          make(map[int]chan Result),
		stop:              make(chan struct{}),
	}
	if tr != nil {
		tr.RegisterHandler("queue.replicate", m.handleReplicate)
	}
	return m
}

// EnqueueArgs is the Enqueue RPC request.
type EnqueueArgs struct {
	QueueName string
	Data      []byte
	Priority  int
}

// EnqueueReply is the Enqueue RPC response.
type EnqueueReply struct {
	Status    string
	MessageID string
	Replicas  []string
}

// Enqueue proposes a new message through Raft, then asynchronously
// mirrors it to its consistent-hash replica set, independent of and in
// addition to Raft's own replication within this group.
func (m *Manager) Enqueue(args *EnqueueArgs, reply *EnqueueReply) error {
	id := uuid.New().String()

	result, err := m.propose(op{
		Kind:      "enqueue",
		QueueName: args.QueueName,
		MessageID: id,
		Data:      args.Data,
		Priority:  args.Priority,
	})
	if err != nil {
		return err
	}

	reply.Status = result.Status
	reply.MessageID = result.MessageID
	reply.Replicas = result.Replicas

	if m.ring != nil && m.tr != nil && len(result.Replicas) > 0 {
		go m.fanOutReplicate(result)
	}
	return nil
}

func (m *Manager) fanOutReplicate(result Result) {
	m.mu.Lock()
	msg, ok := m.messages[result.MessageID]
	m.mu.Unlock()
	if !ok {
		return
	}
	payload, err := gobcodec.EncodeBytes(*msg)
	if err != nil {
		return
	}
	targets := make([]string, 0, len(result.Replicas))
	for _, id := range result.Replicas {
		if id != m.selfID {
			targets = append(targets, id)
		}
	}
	if len(targets) == 0 {
		return
	}
	results := m.tr.Broadcast(targets, "queue.replicate", payload, false)
	for peer, err := range results {
		if err != nil {
			log.WithComponent("queue").Warn().Str("peer", peer).Err(err).Msg("replicate failed")
		}
	}
}

func (m *Manager) handleReplicate(senderID string, payload []byte) error {
	var msg Message
	if err := gobcodec.DecodeBytes(payload, &msg); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.messages[msg.ID]; exists {
		return nil
	}
	m.messages[msg.ID] = &msg
	log.WithComponent("queue").Debug().Str("message_id", msg.ID).Str("from", senderID).Msg("message replicated in")
	return nil
}

// DequeueArgs is the Dequeue RPC request.
type DequeueArgs struct {
	QueueName  string
	ConsumerID string
}

// DequeueReply is the Dequeue RPC response.
type DequeueReply struct {
	Status  string
	Message Message
}

// Dequeue pops the highest-priority, oldest-queued message and grants
// the consumer a delivery lease. Reading the head and granting the lease
// both mutate replicated state, so this also goes through Raft.
func (m *Manager) Dequeue(args *DequeueArgs, reply *DequeueReply) error {
	result, err := m.propose(op{Kind: "dequeue", QueueName: args.QueueName, ConsumerID: args.ConsumerID})
	if err != nil {
		return err
	}
	reply.Status = result.Status
	reply.Message = result.Msg
	return nil
}

// AckArgs is the Ack RPC request.
type AckArgs struct {
	MessageID  string
	ConsumerID string
}

// AckReply is the Ack RPC response.
type AckReply struct {
	Status string
}

// Ack marks a message delivered, releasing its lease for good.
func (m *Manager) Ack(args *AckArgs, reply *AckReply) error {
	result, err := m.propose(op{Kind: "ack", MessageID: args.MessageID, ConsumerID: args.ConsumerID})
	if err != nil {
		return err
	}
	reply.Status = result.Status
	return nil
}

// NackArgs is the Nack RPC request.
type NackArgs struct {
	MessageID string
	QueueName string
}

// NackReply is the Nack RPC response.
type NackReply struct {
	Status string
}

// Nack requeues a message for redelivery, or dead-letters it once
// maxAttempts is exhausted.
func (m *Manager) Nack(args *NackArgs, reply *NackReply) error {
	result, err := m.propose(op{Kind: "nack", QueueName: args.QueueName, MessageID: args.MessageID})
	if err != nil {
		return err
	}
	reply.Status = result.Status
	return nil
}

// StatsArgs is the Stats RPC request.
type StatsArgs struct {
	QueueName string
}

// StatsReply is the Stats RPC response.
type StatsReply struct {
	Status    string
	Size      int
	Pending   int
	Consumers int
}

// Stats is a read-only query answered from local state.
func (m *Manager) Stats(args *StatsArgs, reply *StatsReply) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[args.QueueName]
	if !ok {
		reply.Status = "error"
		return nil
	}
	pending := 0
	for _, id := range q.order {
		if msg, ok := m.messages[id]; ok && msg.Status == Pending {
			pending++
		}
	}
	reply.Status = "success"
	reply.Size = len(q.order)
	reply.Pending = pending
	reply.Consumers = len(q.consumers)
	return nil
}

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
		return result, nil
	case <-time.After(2 * time.Second):
		return Result{}, syncerr.ErrTimeout
	}
}

// ensureQueue returns (creating if needed) the named queue. Caller holds m.mu.
func (m *Manager) ensureQueue(name string) *queueState {
	q, ok := m.queues[name]
	if !ok {
		q = &queueState{consumers: make(map[string]bool)}
		m.queues[name] = q
	}
	return q
}

// insertByPriority inserts id into q in priority-DESC, FIFO-within-
// priority order via a linear scan. No heap: the queues stay small
// enough in practice that a heap's log-n win isn't worth the extra
// bookkeeping needed to keep ties FIFO-stable.
func (m *Manager) insertByPriority(q *queueState, id string) {
	msg := m.messages[id]
	for i, existingID := range q.order {
		if existing, ok := m.messages[existingID]; ok && msg.Priority > existing.Priority {
			q.order = append(q.order, "")
			copy(q.order[i+1:], q.order[i:])
			q.order[i] = id
			return
		}
	}
	q.order = append(q.order, id)
}

// applyOp mutates local state for one committed op. Caller holds m.mu.
func (m *Manager) applyOp(e op) Result {
	switch e.Kind {
	case "enqueue":
		return m.doEnqueue(e)
	case "dequeue":
		return m.doDequeue(e)
	case "ack":
		return m.doAck(e)
	case "nack":
		return m.doNack(e)
	case "sweep":
		m.doSweep()
		return Result{Status: "swept"}
	}
	return Result{Status: "error", Message: "unknown op"}
}

func (m *Manager) doEnqueue(e op) Result {
	q := m.ensureQueue(e.QueueName)
	msg := &Message{
		ID:          e.MessageID,
		QueueName:   e.QueueName,
		Data:        e.Data,
		Priority:    e.Priority,
		Status:      Pending,
		CreatedAt:   time.Now(),
		DeliveredTo: make(map[string]bool),
	}
	m.messages[e.MessageID] = msg
	m.insertByPriority(q, e.MessageID)

	metrics.QueueDepth.WithLabelValues(e.QueueName).Set(float64(len(q.order)))
	metrics.MessagesEnqueued.WithLabelValues(e.QueueName).Inc()

	var replicas []string
	if m.ring != nil {
		replicas = m.ring.Replicas(e.MessageID, m.replicationFactor)
	}
	return Result{Status: "success", MessageID: e.MessageID, QueueName: e.QueueName, Replicas: replicas}
}

func (m *Manager) doDequeue(e op) Result {
	q, ok := m.queues[e.QueueName]
	if !ok || len(q.order) == 0 {
		return Result{Status: "empty", QueueName: e.QueueName}
	}

	id := q.order[0]
	q.order = q.order[1:]
	msg, ok := m.messages[id]
	if !ok {
		return m.doDequeue(e) // stale id, skip it
	}

	msg.Status = Processing
	msg.Attempts++
	msg.DeliveredTo[e.ConsumerID] = true
	msg.LeaseExpiry = time.Now().Add(leaseDuration)
	q.consumers[e.ConsumerID] = true

	metrics.QueueDepth.WithLabelValues(e.QueueName).Set(float64(len(q.order)))
	return Result{Status: "success", QueueName: e.QueueName, Msg: *msg}
}

func (m *Manager) doAck(e op) Result {
	msg, ok := m.messages[e.MessageID]
	if !ok {
		return Result{Status: "error", Message: "message not found"}
	}
	msg.Status = Delivered
	return Result{Status: "success", MessageID: e.MessageID}
}

func (m *Manager) doNack(e op) Result {
	msg, ok := m.messages[e.MessageID]
	if !ok {
		return Result{Status: "error", Message: "message not found"}
	}
	if msg.Attempts >= maxAttempts {
		msg.Status = Failed
		metrics.MessagesFailed.WithLabelValues(e.QueueName).Inc()
		return Result{Status: "failed", MessageID: e.MessageID}
	}
	msg.Status = Pending
	q := m.ensureQueue(e.QueueName)
	m.insertByPriority(q, e.MessageID)
	metrics.QueueDepth.WithLabelValues(e.QueueName).Set(float64(len(q.order)))
	return Result{Status: "requeued", MessageID: e.MessageID}
}

// doSweep requeues or dead-letters any Processing message whose lease has
// expired, giving automatic at-least-once recovery from a crashed or
// hung consumer instead of relying solely on an explicit nack.
func (m *Manager) doSweep() {
	now := time.Now()
	for id, msg := range m.messages {
		if msg.Status != Processing || now.Before(msg.LeaseExpiry) {
			continue
		}
		if msg.Attempts >= maxAttempts {
			msg.Status = Failed
			metrics.MessagesFailed.WithLabelValues(msg.QueueName).Inc()
			log.WithComponent("queue").Warn().Str("message_id", id).Msg("message dead-lettered after lease expiry")
			continue
		}
		msg.Status = Pending
		q := m.ensureQueue(msg.QueueName)
		m.insertByPriority(q, id)
		metrics.QueueDepth.WithLabelValues(msg.QueueName).Set(float64(len(q.order)))
		log.WithComponent("queue").Warn().Str("message_id", id).Msg("lease expired, message requeued")
	}
}

// Run drains applyCh, applying committed ops and waking the matching
// propose call.
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
				continue
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

// RunSweeper proposes a periodic "sweep" op while this node is leader.
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

// QueueNames returns every known queue name, sorted, for status reporting.
func (m *Manager) QueueNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
