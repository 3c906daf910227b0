package multipath

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seleniaproject/nyxd/internal/fec"
)

// -------------------------------------------------------------------------
// Path State
// -------------------------------------------------------------------------

// PathState is the lifecycle state of one path.
type PathState uint8

const (
	// PathActive indicates the path is healthy and schedulable.
	PathActive PathState = iota + 1

	// PathDegraded indicates the path missed its activity window or
	// dipped below the quality floor; it remains schedulable at
	// reduced standing until probes recover or fail it.
	PathDegraded

	// PathFailed indicates the path is out of rotation. A failed path
	// re-enters only after its cooldown and a successful probe.
	PathFailed
)

// String returns the human-readable state name.
func (s PathState) String() string {
	switch s {
	case PathActive:
		return "Active"
	case PathDegraded:
		return "Degraded"
	case PathFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// -------------------------------------------------------------------------
// Path Metrics
// -------------------------------------------------------------------------

// Metrics is the measured performance of one path.
type Metrics struct {
	RTT           time.Duration
	Jitter        time.Duration
	LossRate      float64
	BandwidthMbps float64

	// Quality is the composite score in [0, 1] used for demotion
	// decisions.
	Quality float64
}

// -------------------------------------------------------------------------
// Plane Configuration
// -------------------------------------------------------------------------

// Hop count bounds for route construction.
const (
	// MinHops is the shortest permitted relay path.
	MinHops = 3

	// MaxHops is the longest permitted relay path.
	MaxHops = 7
)

// Config parameterizes a connection's multipath plane.
type Config struct {
	// MinHops / MaxHops bound the hop-count selection range.
	MinHops int
	MaxHops int

	// ReorderTimeout bounds how long out-of-order frames wait.
	ReorderTimeout time.Duration

	// FailoverTimeout demotes an Active path whose last activity is
	// older than this, and is also the cooldown before a Failed path
	// may be probed back into rotation.
	FailoverTimeout time.Duration

	// MinPathQuality is the quality floor below which probes count
	// against the path.
	MinPathQuality float64

	// ProbeInterval is the minimum spacing between probe sweeps.
	ProbeInterval time.Duration

	// FailedProbeLimit is the consecutive below-floor probes that move
	// a path to Failed.
	FailedProbeLimit int

	// RetransmitOnNewPath resends RTO-expired frames over the next
	// scheduler choice instead of the original path.
	RetransmitOnNewPath bool
}

// DefaultConfig returns the production multipath defaults.
func DefaultConfig() Config {
	return Config{
		MinHops:             MinHops,
		MaxHops:             MaxHops,
		ReorderTimeout:      DefaultReorderTimeout,
		FailoverTimeout:     3 * time.Second,
		MinPathQuality:      0.25,
		ProbeInterval:       time.Second,
		FailedProbeLimit:    3,
		RetransmitOnNewPath: true,
	}
}

// Sentinel errors for plane operations.
var (
	// ErrNoUsablePath indicates every path is failed or none exist.
	ErrNoUsablePath = errors.New("no usable path")
)

// -------------------------------------------------------------------------
// Path
// -------------------------------------------------------------------------

// Path is the plane's record of one network path. Paths are mutated
// only through the plane.
type Path struct {
	ID           PathID
	State        PathState
	Metrics      Metrics
	HopCount     int
	LastActivity time.Time
	FailedProbes int

	// failedAt is when the path entered Failed, for cooldown.
	failedAt time.Time
}

// -------------------------------------------------------------------------
// Plane
// -------------------------------------------------------------------------

// Plane is the per-connection multipath data plane: the path set, the
// scheduler, and the reorder buffers. It is owned by the connection's
// endpoint goroutine and is not safe for concurrent use.
type Plane struct {
	cfg       Config
	paths     map[PathID]*Path
	scheduler *Scheduler

	perPath   map[PathID]*ReorderBuffer
	perConn   *OffsetReorderBuffer
	tuner     *fec.Tuner
	logger    *slog.Logger
	lastProbe time.Time

	// now is the clock source, replaceable for tests.
	now func() time.Time
}

// NewPlane creates a multipath plane with the given config.
func NewPlane(cfg Config, logger *slog.Logger) *Plane {
	if cfg.MinHops < MinHops {
		cfg.MinHops = MinHops
	}
	if cfg.MaxHops > MaxHops || cfg.MaxHops < cfg.MinHops {
		cfg.MaxHops = MaxHops
	}
	if cfg.FailedProbeLimit <= 0 {
		cfg.FailedProbeLimit = 3
	}
	return &Plane{
		cfg:       cfg,
		paths:     make(map[PathID]*Path),
		scheduler: NewScheduler(),
		perPath:   make(map[PathID]*ReorderBuffer),
		perConn:   NewOffsetReorderBuffer(DefaultReorderCapacity, cfg.ReorderTimeout),
		tuner:     fec.NewTuner(),
		logger:    logger.With(slog.String("component", "multipath.plane")),
		now:       time.Now,
	}
}

// setClock replaces the clock source. Test hook.
func (p *Plane) setClock(now func() time.Time) { p.now = now }

// AddPath registers a path with the plane and the scheduler.
func (p *Plane) AddPath(id PathID, baseWeight float64, m Metrics) error {
	if _, dup := p.paths[id]; dup {
		return fmt.Errorf("add path %d: %w", id, ErrDuplicatePath)
	}
	if err := p.scheduler.AddPath(id, baseWeight, m.RTT); err != nil {
		return err
	}

	p.paths[id] = &Path{
		ID:           id,
		State:        PathActive,
		Metrics:      m,
		HopCount:     p.selectHopCount(m),
		LastActivity: p.now(),
	}
	p.perPath[id] = NewReorderBuffer(0, DefaultReorderCapacity, p.cfg.ReorderTimeout)

	p.logger.Info("path added",
		slog.Uint64("path_id", uint64(id)),
		slog.Float64("base_weight", baseWeight),
		slog.Duration("rtt", m.RTT),
		slog.Int("hop_count", p.paths[id].HopCount),
	)
	return nil
}

// RemovePath drops a path from the plane and scheduler.
func (p *Plane) RemovePath(id PathID) error {
	if _, ok := p.paths[id]; !ok {
		return fmt.Errorf("remove path %d: %w", id, ErrPathNotFound)
	}
	delete(p.paths, id)
	delete(p.perPath, id)
	// The scheduler may have already descheduled a failed path.
	_ = p.scheduler.RemovePath(id)

	p.logger.Info("path removed", slog.Uint64("path_id", uint64(id)))
	return nil
}

// SelectPath runs a probe sweep if due and returns the scheduler's
// next choice among non-failed paths.
func (p *Plane) SelectPath() (PathID, error) {
	now := p.now()
	if now.Sub(p.lastProbe) >= p.cfg.ProbeInterval {
		p.ProbePaths()
	}

	id, ok := p.scheduler.Select()
	if !ok {
		return 0, ErrNoUsablePath
	}
	return id, nil
}

// SelectAlternate returns the next scheduler choice that differs from
// avoid, for retransmit-on-new-path. Falls back to avoid when it is
// the only schedulable path (cooldown tie-breaker: never refuse to
// retransmit).
func (p *Plane) SelectAlternate(avoid PathID) (PathID, error) {
	if p.scheduler.Len() == 0 {
		return 0, ErrNoUsablePath
	}
	for range p.scheduler.Len() * 2 {
		id, ok := p.scheduler.Select()
		if !ok {
			return 0, ErrNoUsablePath
		}
		if id != avoid {
			return id, nil
		}
	}
	return avoid, nil
}

// UpdateMetrics applies fresh measurements for a path, feeding the
// scheduler EWMAs and refreshing activity.
func (p *Plane) UpdateMetrics(id PathID, m Metrics) error {
	path, ok := p.paths[id]
	if !ok {
		return fmt.Errorf("update metrics for path %d: %w", id, ErrPathNotFound)
	}

	path.Metrics = m
	path.HopCount = p.selectHopCount(m)
	path.LastActivity = p.now()

	// Fresh measurements also steer the FEC redundancy pair.
	p.tuner.Observe(fec.NetworkMetrics{
		RTT:           m.RTT,
		Jitter:        m.Jitter,
		LossRate:      m.LossRate,
		BandwidthMbps: m.BandwidthMbps,
	})

	if path.State != PathFailed {
		if err := p.scheduler.ObserveRTT(id, m.RTT); err != nil && !errors.Is(err, ErrPathNotFound) {
			return err
		}
	}
	return nil
}

// OnLoss feeds a loss event on a path to the scheduler.
func (p *Plane) OnLoss(id PathID) error {
	if _, ok := p.paths[id]; !ok {
		return fmt.Errorf("loss on path %d: %w", id, ErrPathNotFound)
	}
	if err := p.scheduler.ObserveLoss(id); err != nil && !errors.Is(err, ErrPathNotFound) {
		return err
	}
	return nil
}

// OnActivity records traffic on a path.
func (p *Plane) OnActivity(id PathID) {
	if path, ok := p.paths[id]; ok {
		path.LastActivity = p.now()
	}
}

// ProbePaths walks the path set applying the lifecycle rules:
//   - Active with stale activity (older than FailoverTimeout) → Degraded.
//   - Active/Degraded below the quality floor accumulates failed
//     probes; at the limit the path goes Failed and leaves the schedule.
//   - Degraded above the floor with fresh activity recovers to Active.
//   - Failed past its cooldown with decent quality re-enters as Degraded.
func (p *Plane) ProbePaths() {
	now := p.now()
	p.lastProbe = now

	for id, path := range p.paths {
		switch path.State {
		case PathActive:
			if now.Sub(path.LastActivity) > p.cfg.FailoverTimeout {
				path.State = PathDegraded
				p.logger.Warn("path degraded: activity timeout",
					slog.Uint64("path_id", uint64(id)),
					slog.Duration("idle", now.Sub(path.LastActivity)),
				)
			}
			p.probeQuality(path)

		case PathDegraded:
			p.probeQuality(path)
			if path.State == PathDegraded &&
				path.Metrics.Quality >= p.cfg.MinPathQuality &&
				now.Sub(path.LastActivity) <= p.cfg.FailoverTimeout {
				path.State = PathActive
				path.FailedProbes = 0
				p.logger.Info("path recovered", slog.Uint64("path_id", uint64(id)))
			}

		case PathFailed:
			if now.Sub(path.failedAt) >= p.cfg.FailoverTimeout &&
				path.Metrics.Quality >= p.cfg.MinPathQuality {
				path.State = PathDegraded
				path.FailedProbes = 0
				if err := p.scheduler.AddPath(id, 1, path.Metrics.RTT); err == nil {
					p.logger.Info("failed path back in rotation",
						slog.Uint64("path_id", uint64(id)),
					)
				}
			}
		}
	}
}

// probeQuality counts below-floor probes and fails the path at the limit.
func (p *Plane) probeQuality(path *Path) {
	if path.Metrics.Quality >= p.cfg.MinPathQuality {
		path.FailedProbes = 0
		return
	}
	path.FailedProbes++
	if path.FailedProbes < p.cfg.FailedProbeLimit {
		if path.State == PathActive {
			path.State = PathDegraded
		}
		return
	}

	path.State = PathFailed
	path.failedAt = p.now()
	_ = p.scheduler.RemovePath(path.ID)
	p.logger.Warn("path failed: quality below floor",
		slog.Uint64("path_id", uint64(path.ID)),
		slog.Float64("quality", path.Metrics.Quality),
		slog.Int("failed_probes", path.FailedProbes),
	)
}

// selectHopCount maps path metrics into [MinHops, MaxHops]: a clean,
// fast path earns the shortest route; RTT or loss pushes the hop count
// up monotonically.
func (p *Plane) selectHopCount(m Metrics) int {
	// Score in [0, 1]: 0 = pristine, 1 = poor.
	rttScore := float64(m.RTT) / float64(500*time.Millisecond)
	if rttScore > 1 {
		rttScore = 1
	}
	lossScore := m.LossRate * 5
	if lossScore > 1 {
		lossScore = 1
	}
	score := max(rttScore, lossScore)

	span := float64(p.cfg.MaxHops - p.cfg.MinHops)
	return p.cfg.MinHops + int(score*span+0.5)
}

// PathInfo returns a copy of the path record.
func (p *Plane) PathInfo(id PathID) (Path, error) {
	path, ok := p.paths[id]
	if !ok {
		return Path{}, fmt.Errorf("path info %d: %w", id, ErrPathNotFound)
	}
	return *path, nil
}

// Paths returns copies of all path records.
func (p *Plane) Paths() []Path {
	out := make([]Path, 0, len(p.paths))
	for _, path := range p.paths {
		out = append(out, *path)
	}
	return out
}

// Redundancy returns the current FEC (tx, rx) redundancy pair steered
// by observed path metrics.
func (p *Plane) Redundancy() (tx, rx float64) {
	return p.tuner.Redundancy()
}

// TunerStats returns the FEC tuner's statistics.
func (p *Plane) TunerStats() fec.Stats {
	return p.tuner.Stats()
}

// RetransmitOnNewPath reports the configured MPR retransmit policy.
func (p *Plane) RetransmitOnNewPath() bool { return p.cfg.RetransmitOnNewPath }

// PathBuffer returns the per-path reorder buffer for id.
func (p *Plane) PathBuffer(id PathID) (*ReorderBuffer, bool) {
	b, ok := p.perPath[id]
	return b, ok
}

// ConnBuffer returns the per-connection offset reorder buffer.
func (p *Plane) ConnBuffer() *OffsetReorderBuffer { return p.perConn }

// ReorderStatus summarizes reorder buffer occupancy across paths.
type ReorderStatus struct {
	// PerPathPending maps path id to parked frame count.
	PerPathPending map[PathID]int

	// ConnPending is the per-connection parked segment count.
	ConnPending int

	// ConnNextOffset is the next in-order byte offset.
	ConnNextOffset uint64
}

// GetReorderStatus snapshots reorder buffer occupancy.
func (p *Plane) GetReorderStatus() ReorderStatus {
	st := ReorderStatus{
		PerPathPending: make(map[PathID]int, len(p.perPath)),
		ConnPending:    p.perConn.PendingLen(),
		ConnNextOffset: p.perConn.NextOffset(),
	}
	for id, b := range p.perPath {
		st.PerPathPending[id] = b.PendingLen()
	}
	return st
}
