// Package multipath implements the Nyx multipath data plane: weighted
// path scheduling driven by RTT/loss EWMAs, per-path and
// per-connection reordering buffers, and path lifecycle management
// with probing and failover.
package multipath

import (
	"errors"
	"fmt"
	"time"
)

// -------------------------------------------------------------------------
// Scheduler Constants
// -------------------------------------------------------------------------

const (
	// MaxPaths is the scheduler's fixed path capacity. Sixteen paths
	// keeps the state in a few cache lines; an anonymity route set is
	// far smaller in practice.
	MaxPaths = 16

	// ringSlots is the weighted-round-robin ring capacity.
	ringSlots = 64

	// rttAlpha is the RTT EWMA smoothing factor.
	rttAlpha = 0.85

	// lossDecay multiplies the loss penalty on every observed loss.
	lossDecay = 0.9

	// lossPenaltyFloor is the lower bound for the loss penalty.
	lossPenaltyFloor = 0.5

	// rttFactorMin / rttFactorMax clamp the relative-RTT weight factor.
	rttFactorMin = 0.5
	rttFactorMax = 4.0
)

// Sentinel errors for scheduler operations.
var (
	// ErrPathNotFound indicates a metrics update for an unknown path id.
	ErrPathNotFound = errors.New("path not found")

	// ErrTooManyPaths indicates the fixed path capacity is exhausted.
	ErrTooManyPaths = errors.New("scheduler path capacity exhausted")

	// ErrDuplicatePath indicates a path id is already scheduled.
	ErrDuplicatePath = errors.New("path already scheduled")
)

// PathID tags frames with the scheduler's path choice.
type PathID uint8

// -------------------------------------------------------------------------
// Scheduler
// -------------------------------------------------------------------------

// Scheduler is a weighted-round-robin path selector.
//
// State lives in fixed-size arrays for cache-friendly iteration. A
// small ring holds the current schedule; Select advances the cursor
// one slot per call. Weights derive deterministically from the
// current metrics: weight = base * clamp(minRTT/rttEWMA, 0.5, 4.0) *
// lossPenalty. Recomputation is lazy, deferred until a Select after
// an observation marked the weights dirty.
//
// The scheduler is owned by the plane/endpoint goroutine; it is not
// safe for concurrent use.
type Scheduler struct {
	pathIDs       [MaxPaths]PathID
	baseWeights   [MaxPaths]float64
	weights       [MaxPaths]float64
	rttEWMANanos  [MaxPaths]float64
	lossPenalties [MaxPaths]float64
	active        int

	ring     [ringSlots]PathID
	ringSize int
	cursor   int

	weightsDirty bool
}

// NewScheduler creates an empty scheduler. Paths are added via AddPath.
func NewScheduler() *Scheduler {
	return &Scheduler{weightsDirty: true}
}

// AddPath registers a path with the given base weight and an initial
// RTT estimate. Base weights below one are raised to one.
func (s *Scheduler) AddPath(id PathID, baseWeight float64, initialRTT time.Duration) error {
	if s.indexOf(id) >= 0 {
		return fmt.Errorf("add path %d: %w", id, ErrDuplicatePath)
	}
	if s.active >= MaxPaths {
		return fmt.Errorf("add path %d: %w", id, ErrTooManyPaths)
	}

	i := s.active
	s.pathIDs[i] = id
	s.baseWeights[i] = max(baseWeight, 1)
	s.weights[i] = s.baseWeights[i]
	s.rttEWMANanos[i] = float64(initialRTT.Nanoseconds())
	s.lossPenalties[i] = 1.0
	s.active++
	s.weightsDirty = true
	return nil
}

// RemovePath deschedules a path.
func (s *Scheduler) RemovePath(id PathID) error {
	i := s.indexOf(id)
	if i < 0 {
		return fmt.Errorf("remove path %d: %w", id, ErrPathNotFound)
	}
	last := s.active - 1
	s.pathIDs[i] = s.pathIDs[last]
	s.baseWeights[i] = s.baseWeights[last]
	s.weights[i] = s.weights[last]
	s.rttEWMANanos[i] = s.rttEWMANanos[last]
	s.lossPenalties[i] = s.lossPenalties[last]
	s.active--
	s.weightsDirty = true
	return nil
}

// Len returns the number of scheduled paths.
func (s *Scheduler) Len() int { return s.active }

// Select returns the next path per the weighted-round-robin schedule.
// ok is false when no paths are scheduled.
func (s *Scheduler) Select() (PathID, bool) {
	if s.active == 0 {
		return 0, false
	}
	if s.weightsDirty {
		s.recomputeWeights()
		s.rebuildRing()
	}
	if s.ringSize == 0 {
		s.rebuildRing()
	}

	id := s.ring[s.cursor]
	s.cursor = (s.cursor + 1) % s.ringSize
	return id, true
}

// ObserveRTT feeds an RTT sample for a path into its EWMA and marks
// the weights dirty.
func (s *Scheduler) ObserveRTT(id PathID, sample time.Duration) error {
	i := s.indexOf(id)
	if i < 0 {
		return fmt.Errorf("observe rtt on path %d: %w", id, ErrPathNotFound)
	}
	s.rttEWMANanos[i] = rttAlpha*s.rttEWMANanos[i] + (1-rttAlpha)*float64(sample.Nanoseconds())
	s.weightsDirty = true
	return nil
}

// ObserveLoss decays the loss penalty for a path, floored at 0.5, and
// marks the weights dirty.
func (s *Scheduler) ObserveLoss(id PathID) error {
	i := s.indexOf(id)
	if i < 0 {
		return fmt.Errorf("observe loss on path %d: %w", id, ErrPathNotFound)
	}
	s.lossPenalties[i] = max(s.lossPenalties[i]*lossDecay, lossPenaltyFloor)
	s.weightsDirty = true
	return nil
}

// Weight returns the current effective weight of a path, recomputing
// lazily if needed.
func (s *Scheduler) Weight(id PathID) (float64, error) {
	if s.weightsDirty {
		s.recomputeWeights()
		s.rebuildRing()
	}
	i := s.indexOf(id)
	if i < 0 {
		return 0, fmt.Errorf("weight of path %d: %w", id, ErrPathNotFound)
	}
	return s.weights[i], nil
}

// indexOf finds a path's array slot; linear scan beats a map at this size.
func (s *Scheduler) indexOf(id PathID) int {
	for i := range s.active {
		if s.pathIDs[i] == id {
			return i
		}
	}
	return -1
}

// recomputeWeights derives effective weights from base weight, the
// relative RTT factor, and the loss penalty.
func (s *Scheduler) recomputeWeights() {
	if s.active == 0 {
		s.weightsDirty = false
		return
	}

	minRTT := 0.0
	for i := range s.active {
		rtt := s.rttEWMANanos[i]
		if rtt > 0 && (minRTT == 0 || rtt < minRTT) {
			minRTT = rtt
		}
	}
	if minRTT <= 0 {
		minRTT = 1
	}

	for i := range s.active {
		rtt := s.rttEWMANanos[i]
		factor := 1.0
		if rtt > 0 {
			factor = minRTT / rtt
			if factor < rttFactorMin {
				factor = rttFactorMin
			}
			if factor > rttFactorMax {
				factor = rttFactorMax
			}
		}
		s.weights[i] = s.baseWeights[i] * factor * s.lossPenalties[i]
	}
	s.weightsDirty = false
}

// rebuildRing allocates ring slots proportional to normalized weights
// (rounded, at least one per active path) and interleaves the
// assignment so consecutive selections spread across paths.
func (s *Scheduler) rebuildRing() {
	s.ringSize = 0
	s.cursor = 0
	if s.active == 0 {
		return
	}

	total := 0.0
	for i := range s.active {
		total += s.weights[i]
	}

	var slots [MaxPaths]int
	if total <= 0 {
		// All weights zero: fall back to equal round-robin.
		for i := range s.active {
			slots[i] = 1
		}
	} else {
		allocated := 0
		for i := range s.active {
			n := int((s.weights[i]/total)*float64(ringSlots) + 0.5)
			if n < 1 {
				n = 1
			}
			if allocated+n > ringSlots {
				n = ringSlots - allocated
			}
			slots[i] = n
			allocated += n
			if allocated >= ringSlots {
				break
			}
		}
	}

	// Interleaved assignment: one slot per path per round until quotas
	// are exhausted.
	for {
		assigned := false
		for i := range s.active {
			if slots[i] > 0 && s.ringSize < ringSlots {
				s.ring[s.ringSize] = s.pathIDs[i]
				s.ringSize++
				slots[i]--
				assigned = true
			}
		}
		if !assigned {
			break
		}
	}

	if s.ringSize == 0 {
		s.ring[0] = s.pathIDs[0]
		s.ringSize = 1
	}
}
