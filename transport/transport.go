// Package transport implements a reliable point-to-point message
// transport: up to 3 retries with linear backoff (i*1s), a 5s ACK
// deadline, idempotent delivery via message_id dedup, and
// type-dispatched handlers. It rides on net/rpc over TCP in place of an
// in-memory simulated network, and is shared by raft (RequestVote/AppendEntries),
// queue (replication) and cache (invalidate/fetch).
package transport

import (
	"fmt"
	"net"
	"net/rpc"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hwahyudi/syncd/log"
	"github.com/hwahyudi/syncd/metrics"
	"github.com/hwahyudi/syncd/syncerr"
)

const (
	maxRetries  = 3
	retryUnit   = time.Second
	ackDeadline = 5 * time.Second
	dedupTTL    = 5 * time.Minute
)

// Handler processes an inbound envelope's payload for a given message
// type. Returning an error fails the ACK but does not crash the server.
type Handler func(senderID string, payload []byte) error

// Envelope is the wire format for Transport.Deliver: a peer, a message
// type, a payload, and whether the sender requires acknowledgement.
type Envelope struct {
	MessageID   string
	Type        string
	SenderID    string
	Payload     []byte
	RequiresAck bool
}

// Ack is the Transport.Deliver reply.
type Ack struct {
	OK bool
}

// PeerCounters are the per-peer sent/received/failed counters the
// transport exposes for status reporting and metrics.
type PeerCounters struct {
	Sent     uint64
	Received uint64
	Failed   uint64
}

// peer is a lazily-dialed RPC endpoint for one cluster member.
type peer struct {
	id   string
	addr string

	mu     sync.Mutex
	client *rpc.Client
}

func (p *peer) dial() (*rpc.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	c, err := rpc.Dial("tcp", p.addr)
	if err != nil {
		return nil, err
	}
	p.client = c
	return c, nil
}

func (p *peer) invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		_ = p.client.Close()
		p.client = nil
	}
}

// Call invokes serviceMethod on the peer with a hard 5s deadline for any
// single attempt. Used both by Transport.Send (for the generic envelope)
// and directly by raft for RequestVote/AppendEntries/InstallSnapshot,
// which have their own service methods and do their own retry/term
// bookkeeping.
func (p *peer) Call(serviceMethod string, args, reply interface{}) bool {
	client, err := p.dial()
	if err != nil {
		return false
	}

	call := client.Go(serviceMethod, args, reply, make(chan *rpc.Call, 1))
	select {
	case res := <-call.Done:
		if res.Error != nil {
			p.invalidate()
			return false
		}
		return true
	case <-time.After(ackDeadline):
		p.invalidate()
		return false
	}
}

// Transport owns this node's listener, its known peers, inbound message
// dedup, and the type-dispatch handler table.
type Transport struct {
	selfID string

	mu       sync.RWMutex
	peers    map[string]*peer
	handlers map[string]Handler

	dedupMu sync.Mutex
	seen    map[string]time.Time

	countersMu sync.Mutex
	counters   map[string]*PeerCounters

	server   *rpc.Server
	listener net.Listener
	stop     chan struct{}
}

// New returns a Transport for selfID. Call Listen to start accepting
// connections and AddPeer for every other cluster member before Send-ing.
func New(selfID string) *Transport {
	t := &Transport{
		selfID:   selfID,
		peers:    make(map[string]*peer),
		handlers: make(map[string]Handler),
		seen:     make(map[string]time.Time),
		counters: make(map[string]*PeerCounters),
		server:   rpc.NewServer(),
		stop:     make(chan struct{}),
	}
	_ = t.server.RegisterName("Transport", (*deliveryService)(t))
	return t
}

// Register exposes rcvr's methods as an RPC service, e.g. the Raft group
// for this listener or the lock/queue/cache domain service.
func (t *Transport) Register(rcvr interface{}) error {
	return t.server.Register(rcvr)
}

func (t *Transport) RegisterName(name string, rcvr interface{}) error {
	return t.server.RegisterName(name, rcvr)
}

// Listen starts accepting connections on addr, dispatching each accepted
// connection to its own goroutine.
func (t *Transport) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	t.listener = ln

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-t.stop:
					return
				default:
					log.WithComponent("transport").Warn().Err(err).Msg("accept failed")
					return
				}
			}
			go t.server.ServeConn(conn)
		}
	}()
	return nil
}

// Close stops accepting new connections and closes dialed peer clients.
func (t *Transport) Close() error {
	close(t.stop)
	if t.listener != nil {
		_ = t.listener.Close()
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, p := range t.peers {
		p.invalidate()
	}
	return nil
}

// AddPeer registers another cluster member's dial address.
func (t *Transport) AddPeer(id, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[id] = &peer{id: id, addr: addr}
	t.countersMu.Lock()
	t.counters[id] = &PeerCounters{}
	t.countersMu.Unlock()
}

// Peer returns the dialable handle for id, for components (raft) that
// want to call their own service methods directly rather than through
// the generic envelope.
func (t *Transport) Peer(id string) (PeerCaller, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[id]
	return p, ok
}

// PeerCaller is the subset of *peer that raft needs to issue RPCs.
type PeerCaller interface {
	Call(serviceMethod string, args, reply interface{}) bool
}

// RegisterHandler installs the handler invoked when an Envelope of the
// given Type is delivered to this node.
func (t *Transport) RegisterHandler(msgType string, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[msgType] = h
}

// Send delivers payload to peerID as message type msgType, retrying up to
// 3 times with linear backoff (i*1s). requiresAck is carried in the
// Envelope but does not change how Send behaves: every call blocks until
// Transport.Deliver replies or the retries are exhausted.
func (t *Transport) Send(peerID, msgType string, payload []byte, requiresAck bool) (bool, error) {
	t.mu.RLock()
	p, ok := t.peers[peerID]
	t.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("%w: unknown peer %s", syncerr.ErrTransportFailure, peerID)
	}

	env := &Envelope{
		MessageID:   fmt.Sprintf("%s:%d:%s", t.selfID, time.Now().UnixNano(), msgType),
		Type:        msgType,
		SenderID:    t.selfID,
		Payload:     payload,
		RequiresAck: requiresAck,
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		var ack Ack
		ok := p.Call("Transport.Deliver", env, &ack)
		if ok {
			t.bump(peerID, func(c *PeerCounters) { c.Sent++ })
			metrics.TransportSent.WithLabelValues(peerID).Inc()
			return true, nil
		}
		lastErr = fmt.Errorf("%w: attempt %d to %s", syncerr.ErrTransportFailure, attempt+1, peerID)
		if attempt < maxRetries {
			time.Sleep(time.Duration(attempt+1) * retryUnit)
		}
	}
	t.bump(peerID, func(c *PeerCounters) { c.Failed++ })
	metrics.TransportFailed.WithLabelValues(peerID).Inc()
	return false, lastErr
}

// Broadcast fans Send out to every peer in ids concurrently, bounded by
// an errgroup, and reports a result per peer without aborting on the
// first failure, so one unreachable peer doesn't stall delivery to the
// rest.
func (t *Transport) Broadcast(ids []string, msgType string, payload []byte, requiresAck bool) map[string]error {
	results := make(map[string]error, len(ids))
	var mu sync.Mutex
	var g errgroup.Group

	for _, id := range ids {
		id := id
		g.Go(func() error {
			_, err := t.Send(id, msgType, payload, requiresAck)
			mu.Lock()
			results[id] = err
			mu.Unlock()
			return nil // never abort the group; errors are reported, not joined
		})
	}
	_ = g.Wait()
	return results
}

func (t *Transport) bump(peerID string, f func(*PeerCounters)) {
	t.countersMu.Lock()
	defer t.countersMu.Unlock()
	c, ok := t.counters[peerID]
	if !ok {
		c = &PeerCounters{}
		t.counters[peerID] = c
	}
	f(c)
	metrics.TransportSent.WithLabelValues(peerID).Add(0) // ensure the series exists
}

// Stats returns a snapshot of per-peer counters.
func (t *Transport) Stats() map[string]PeerCounters {
	t.countersMu.Lock()
	defer t.countersMu.Unlock()
	out := make(map[string]PeerCounters, len(t.counters))
	for id, c := range t.counters {
		out[id] = *c
	}
	return out
}

// deliveryService is Transport wearing the hat net/rpc needs: exported
// methods with the (args, *reply) error signature.
type deliveryService Transport

// Deliver is the RPC entry point for every Envelope sent via Send/
// Broadcast. It dedups by MessageID for idempotent delivery and
// dispatches to the registered handler for env.Type.
func (d *deliveryService) Deliver(env *Envelope, ack *Ack) error {
	t := (*Transport)(d)

	t.dedupMu.Lock()
	now := time.Now()
	for id, seenAt := range t.seen {
		if now.Sub(seenAt) > dedupTTL {
			delete(t.seen, id)
		}
	}
	_, dup := t.seen[env.MessageID]
	t.seen[env.MessageID] = now
	t.dedupMu.Unlock()

	ack.OK = true
	if dup {
		return nil
	}

	t.bump(env.SenderID, func(c *PeerCounters) { c.Received++ })

	t.mu.RLock()
	h, ok := t.handlers[env.Type]
	t.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := h(env.SenderID, env.Payload); err != nil {
		log.WithComponent("transport").Warn().Err(err).Str("type", env.Type).Msg("handler failed")
	}
	return nil
}
