// Package fd implements a phi-accrual failure detector: a sliding window
// of heartbeat inter-arrival times per peer, a derived suspicion score
// phi(t), and ALIVE/SUSPECTED/DEAD status transitions that fire
// registered callbacks.
package fd

import (
	"math"
	"sync"
	"time"

	"github.com/hwahyudi/syncd/log"
	"github.com/hwahyudi/syncd/metrics"
)

// MaxSamples bounds the inter-arrival window kept per peer.
const MaxSamples = 200

// Status is a peer's derived liveness state.
type Status int

const (
	Unknown Status = iota
	Alive
	Suspected
	Dead
)

func (s Status) String() string {
	switch s {
	case Alive:
		return "alive"
	case Suspected:
		return "suspected"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// sampler tracks one peer's heartbeat inter-arrival statistics.
type sampler struct {
	intervals     []float64 // seconds, bounded to MaxSamples
	mean          float64
	variance      float64
	lastHeartbeat time.Time
	samples       int
}

func (s *sampler) heartbeat(now time.Time) {
	if !s.lastHeartbeat.IsZero() {
		interval := now.Sub(s.lastHeartbeat).Seconds()
		s.intervals = append(s.intervals, interval)
		if len(s.intervals) > MaxSamples {
			s.intervals = s.intervals[len(s.intervals)-MaxSamples:]
		}
		s.samples++
		s.updateStatistics()
	}
	s.lastHeartbeat = now
}

func (s *sampler) updateStatistics() {
	n := len(s.intervals)
	if n < 2 {
		return
	}
	var sum float64
	for _, v := range s.intervals {
		sum += v
	}
	mean := sum / float64(n)

	var sq float64
	for _, v := range s.intervals {
		d := v - mean
		sq += d * d
	}
	s.mean = mean
	s.variance = sq / float64(n)
}

// phi computes the suspicion score at time now using the standard
// normal-distribution phi-accrual formula, with variance floored to
// avoid a division by zero.
func (s *sampler) phi(now time.Time) float64 {
	if len(s.intervals) < 2 {
		return 0
	}
	elapsed := now.Sub(s.lastHeartbeat).Seconds()

	variance := s.variance
	const floor = 1e-4 * 1e-4 // std-dev floor 1e-4, squared for variance
	if variance < floor {
		variance = floor
	}
	stddev := math.Sqrt(variance)
	if stddev < 1e-4 {
		return 0
	}

	exponent := -((elapsed - s.mean) * (elapsed - s.mean)) / (2 * variance)
	p := math.Exp(exponent) / (stddev * math.Sqrt(2*math.Pi))
	if p <= 0 {
		return math.Inf(1)
	}
	return -math.Log10(p)
}

// Detector monitors a set of peers using one phi-accrual sampler each.
type Detector struct {
	mu        sync.Mutex
	threshold float64
	peers     map[string]*sampler
	status    map[string]Status

	onSuspected func(peer string)
	onDead      func(peer string)
	onRecovered func(peer string)
}

// New returns a Detector with the given phi threshold (spec default 8.0:
// phi < T alive, T <= phi <= 2T suspected, phi > 2T dead).
func New(threshold float64) *Detector {
	return &Detector{
		threshold: threshold,
		peers:     make(map[string]*sampler),
		status:    make(map[string]Status),
	}
}

// OnSuspected registers a callback fired the first time a peer crosses
// into SUSPECTED.
func (d *Detector) OnSuspected(f func(peer string)) { d.onSuspected = f }

// OnDead registers a callback fired the first time a peer crosses into
// DEAD.
func (d *Detector) OnDead(f func(peer string)) { d.onDead = f }

// OnRecovered registers a callback fired when a heartbeat arrives for a
// peer that was SUSPECTED or DEAD, resetting it to ALIVE.
func (d *Detector) OnRecovered(f func(peer string)) { d.onRecovered = f }

// Register starts monitoring a peer with UNKNOWN status.
func (d *Detector) Register(peer string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.peers[peer]; ok {
		return
	}
	d.peers[peer] = &sampler{}
	d.status[peer] = Unknown
}

// Unregister stops monitoring a peer.
func (d *Detector) Unregister(peer string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.peers, peer)
	delete(d.status, peer)
}

// Heartbeat records a heartbeat arrival from peer at time now. A
// heartbeat arriving while SUSPECTED or DEAD fires OnRecovered.
func (d *Detector) Heartbeat(peer string, now time.Time) {
	d.mu.Lock()
	s, ok := d.peers[peer]
	if !ok {
		s = &sampler{}
		d.peers[peer] = s
		d.status[peer] = Unknown
	}
	s.heartbeat(now)
	prev := d.status[peer]
	d.status[peer] = Alive
	d.mu.Unlock()

	metrics.FDPhi.WithLabelValues(peer).Set(s.phi(now))
	metrics.FDPeerStatus.WithLabelValues(peer).Set(float64(Alive))

	if prev == Suspected || prev == Dead {
		lg := log.WithComponent("fd")
		lg.Info().Str("peer", peer).Msg("peer recovered")
		if d.onRecovered != nil {
			d.onRecovered(peer)
		}
	}
}

// Phi returns the current suspicion score for peer at time now.
func (d *Detector) Phi(peer string, now time.Time) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.peers[peer]
	if !ok {
		return 0
	}
	return s.phi(now)
}

// StatusOf returns the last-evaluated status for peer. Call Sweep first to
// refresh it against the current time.
func (d *Detector) StatusOf(peer string) Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status[peer]
}

// Sweep re-evaluates every registered peer's phi against now and applies
// the ALIVE/SUSPECTED/DEAD status policy, firing OnSuspected/OnDead on
// first crossing.
func (d *Detector) Sweep(now time.Time) {
	lg := log.WithComponent("fd")

	type transition struct {
		peer   string
		status Status
	}
	var suspected, dead []transition

	d.mu.Lock()
	for peer, s := range d.peers {
		phi := s.phi(now)
		metrics.FDPhi.WithLabelValues(peer).Set(phi)

		prev := d.status[peer]
		if prev == Unknown {
			// A peer that has never heartbeated stays UNKNOWN; only a
			// heartbeat promotes it to ALIVE (see Heartbeat).
			continue
		}
		var next Status
		switch {
		case phi < d.threshold:
			next = Alive
		case phi <= 2*d.threshold:
			next = Suspected
		default:
			next = Dead
		}
		d.status[peer] = next
		metrics.FDPeerStatus.WithLabelValues(peer).Set(float64(next))

		if prev != Suspected && next == Suspected {
			suspected = append(suspected, transition{peer, next})
		}
		if prev != Dead && next == Dead {
			dead = append(dead, transition{peer, next})
		}
	}
	d.mu.Unlock()

	for _, t := range suspected {
		lg.Warn().Str("peer", t.peer).Msg("peer suspected")
		if d.onSuspected != nil {
			d.onSuspected(t.peer)
		}
	}
	for _, t := range dead {
		lg.Error().Str("peer", t.peer).Msg("peer marked dead")
		if d.onDead != nil {
			d.onDead(t.peer)
		}
	}
}

// Run starts a sweep loop at the given interval until stop is closed.
func (d *Detector) Run(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			d.Sweep(now)
		}
	}
}

// AlivePeers returns all peers currently considered ALIVE.
func (d *Detector) AlivePeers() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for p, s := range d.status {
		if s == Alive {
			out = append(out, p)
		}
	}
	return out
}
