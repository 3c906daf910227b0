// Package netsim implements a deterministic network simulator for
// protocol tests: seeded loss (Bernoulli or Gilbert-Elliott), base
// latency, uniform jitter, bandwidth-limited FIFO queueing with
// tail-drop, duplication, corruption flags, and a multipath variant
// that fans bursts over weighted sub-simulators.
package netsim

import (
	"math/rand/v2"
	"sort"
)

// -------------------------------------------------------------------------
// Configuration
// -------------------------------------------------------------------------

// Config parameterizes one simulated path.
type Config struct {
	// Loss is the Bernoulli packet-loss probability in [0, 1]. Ignored
	// when the Gilbert-Elliott parameters are set.
	Loss float64

	// LatencyMs is the mean one-way latency in milliseconds.
	LatencyMs uint64

	// JitterMs is the uniform +/- jitter range in milliseconds.
	JitterMs uint64

	// Reorder is the probability of swapping adjacent packets before
	// the final stable sort.
	Reorder float64

	// BandwidthPPS limits throughput in packets per second. Zero means
	// unlimited (no queueing delay).
	BandwidthPPS uint64

	// MaxQueue bounds the FIFO departure queue; arrivals beyond it
	// tail-drop.
	MaxQueue int

	// Gilbert-Elliott burst-loss parameters. All zero disables the
	// two-state chain and falls back to Bernoulli loss.
	GEGoodToBad float64
	GEBadToGood float64
	GELossGood  float64
	GELossBad   float64

	// Duplicate is the probability of a second delivery event at +1 ms.
	Duplicate float64

	// Corruption is the probability of flagging a delivery corrupted.
	// Metadata only; the consumer decides whether to drop.
	Corruption float64
}

// DefaultConfig returns a mild-WAN profile: 30 ms latency, 5 ms jitter.
func DefaultConfig() Config {
	return Config{
		LatencyMs: 30,
		JitterMs:  5,
		MaxQueue:  1024,
	}
}

// -------------------------------------------------------------------------
// Events
// -------------------------------------------------------------------------

// DeliveryEvent is one scheduled packet delivery.
type DeliveryEvent struct {
	// DeliveryMs is the simulated clock time of delivery.
	DeliveryMs uint64

	// Seq is the sequence id assigned at enqueue.
	Seq uint64

	// Corrupted marks the packet bit-corrupted.
	Corrupted bool
}

// -------------------------------------------------------------------------
// Simulator
// -------------------------------------------------------------------------

// Simulator produces a deterministic delivery schedule from a seed.
// The same seed and call sequence always yields identical events.
type Simulator struct {
	cfg Config
	rng *rand.Rand

	nextSeq         uint64
	nowMs           uint64
	geBadState      bool
	queueDepth      int
	lastDepartureMs uint64
	hasDeparted     bool
}

// New creates a simulator with the given config and seed.
func New(cfg Config, seed uint64) *Simulator {
	return &Simulator{
		cfg: cfg,
		rng: rand.New(rand.NewPCG(seed, seed^0xda3e39cb94b95bdb)),
	}
}

// Advance moves the simulated clock forward.
func (s *Simulator) Advance(deltaMs uint64) { s.nowMs += deltaMs }

// Now returns the simulated clock.
func (s *Simulator) Now() uint64 { return s.nowMs }

// QueueDepth returns the current departure-queue occupancy.
func (s *Simulator) QueueDepth() int { return s.queueDepth }

// SendBurst enqueues n packets and returns their delivery events,
// sorted by delivery time with a stable (time, seq) tie-break. Lost
// and tail-dropped packets are omitted.
func (s *Simulator) SendBurst(n int) []DeliveryEvent {
	events := make([]DeliveryEvent, 0, n)

	for range n {
		seq := s.nextSeq
		s.nextSeq++

		if s.packetLost() {
			continue
		}

		jitter := s.drawJitter()

		// Bandwidth model: departures spaced at least 1000/pps ms
		// apart through a bounded FIFO; arrivals beyond MaxQueue drop.
		departMs := s.nowMs
		if s.cfg.BandwidthPPS > 0 {
			if s.queueDepth >= s.cfg.MaxQueue {
				continue
			}
			minGap := 1000 / max(s.cfg.BandwidthPPS, 1)
			if !s.hasDeparted {
				departMs = s.nowMs
				s.hasDeparted = true
			} else {
				departMs = s.lastDepartureMs + minGap
			}
			s.lastDepartureMs = departMs
			s.queueDepth++
		}

		base := departMs + s.cfg.LatencyMs
		delivery := applyJitter(base, jitter)
		corrupted := s.rng.Float64() < s.cfg.Corruption

		events = append(events, DeliveryEvent{DeliveryMs: delivery, Seq: seq, Corrupted: corrupted})

		if s.cfg.Duplicate > 0 && s.rng.Float64() < s.cfg.Duplicate {
			events = append(events, DeliveryEvent{DeliveryMs: delivery + 1, Seq: seq, Corrupted: corrupted})
		}
	}

	// Local reordering of adjacent pairs, applied before the stable
	// sort; it shuffles which latencies map to which sequences.
	if s.cfg.Reorder > 0 && len(events) > 1 {
		for i := 1; i < len(events); i += 2 {
			if s.rng.Float64() < s.cfg.Reorder {
				events[i-1], events[i] = events[i], events[i-1]
			}
		}
	}

	sort.Slice(events, func(i, j int) bool {
		if events[i].DeliveryMs != events[j].DeliveryMs {
			return events[i].DeliveryMs < events[j].DeliveryMs
		}
		return events[i].Seq < events[j].Seq
	})

	// Departures delivered in this batch window free their queue slots.
	if s.cfg.BandwidthPPS > 0 {
		unique := make(map[uint64]struct{}, len(events))
		for _, e := range events {
			unique[e.Seq] = struct{}{}
		}
		s.queueDepth -= len(unique)
		if s.queueDepth < 0 {
			s.queueDepth = 0
		}
	}

	return events
}

// drawJitter samples a signed jitter in [-JitterMs, +JitterMs].
func (s *Simulator) drawJitter() int64 {
	if s.cfg.JitterMs == 0 {
		return 0
	}
	j := int64(s.rng.Uint64N(s.cfg.JitterMs + 1))
	if s.rng.Uint64N(2) == 0 {
		return j
	}
	return -j
}

func applyJitter(base uint64, jitter int64) uint64 {
	if jitter >= 0 {
		return base + uint64(jitter)
	}
	neg := uint64(-jitter)
	if neg > base {
		return 0
	}
	return base - neg
}

// packetLost draws the loss decision: the Gilbert-Elliott two-state
// chain when configured, plain Bernoulli otherwise.
func (s *Simulator) packetLost() bool {
	if s.cfg.GEGoodToBad == 0 && s.cfg.GEBadToGood == 0 {
		return s.rng.Float64() < s.cfg.Loss
	}

	if s.geBadState {
		if s.rng.Float64() < s.cfg.GEBadToGood {
			s.geBadState = false
		}
	} else if s.rng.Float64() < s.cfg.GEGoodToBad {
		s.geBadState = true
	}

	p := s.cfg.GELossGood
	if s.geBadState {
		p = s.cfg.GELossBad
	}
	return s.rng.Float64() < p
}

// -------------------------------------------------------------------------
// MultiPath Simulator
// -------------------------------------------------------------------------

// MultiPath fans bursts over K sub-simulators with weighted
// round-robin quotas and merges their schedules stably.
type MultiPath struct {
	paths    []*Simulator
	weights  []float64
	rrCursor int
}

// NewMultiPath builds a multipath simulator from one config and a
// seed per path. weights defaults to equal when nil; its length must
// match seeds otherwise.
func NewMultiPath(cfg Config, seeds []uint64, weights []float64) *MultiPath {
	paths := make([]*Simulator, len(seeds))
	for i, seed := range seeds {
		paths[i] = New(cfg, seed)
	}
	if weights == nil {
		weights = make([]float64, len(seeds))
		for i := range weights {
			weights[i] = 1
		}
	}
	return &MultiPath{paths: paths, weights: weights}
}

// SendBurst splits n packets across paths by weighted quota, with the
// remainder distributed round-robin from the rotating cursor, then
// merges the per-path schedules sorted by (time, seq, path index).
func (m *MultiPath) SendBurst(n int) []DeliveryEvent {
	if len(m.paths) == 0 || n == 0 {
		return nil
	}

	var sumW float64
	for _, w := range m.weights {
		sumW += w
	}

	quotas := make([]int, len(m.paths))
	assigned := 0
	for i, w := range m.weights {
		quotas[i] = int(w / sumW * float64(n))
		assigned += quotas[i]
	}
	idx := m.rrCursor % len(m.paths)
	for assigned < n {
		quotas[idx]++
		assigned++
		idx = (idx + 1) % len(m.paths)
	}
	m.rrCursor = idx

	type keyed struct {
		ev   DeliveryEvent
		path int
	}
	merged := make([]keyed, 0, n)
	for pi, p := range m.paths {
		for _, ev := range p.SendBurst(quotas[pi]) {
			merged = append(merged, keyed{ev: ev, path: pi})
		}
	}

	sort.Slice(merged, func(i, j int) bool {
		a, b := merged[i], merged[j]
		if a.ev.DeliveryMs != b.ev.DeliveryMs {
			return a.ev.DeliveryMs < b.ev.DeliveryMs
		}
		if a.ev.Seq != b.ev.Seq {
			return a.ev.Seq < b.ev.Seq
		}
		return a.path < b.path
	})

	out := make([]DeliveryEvent, len(merged))
	for i, k := range merged {
		out[i] = k.ev
	}
	return out
}
