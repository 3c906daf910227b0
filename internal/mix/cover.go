package mix

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// -------------------------------------------------------------------------
// Power State Collaborator
// -------------------------------------------------------------------------

// PowerState is the platform power condition feeding cover-rate
// adaptation. The mobile FFI layer supplies it; the core only reads.
type PowerState uint8

const (
	// PowerActive: the device is in active use.
	PowerActive PowerState = iota

	// PowerBackground: the app is backgrounded.
	PowerBackground

	// PowerInactive: the device is idle or the screen is off.
	PowerInactive

	// PowerCritical: the battery is critically low.
	PowerCritical
)

// String returns the human-readable power state name.
func (p PowerState) String() string {
	switch p {
	case PowerActive:
		return "Active"
	case PowerBackground:
		return "Background"
	case PowerInactive:
		return "Inactive"
	case PowerCritical:
		return "Critical"
	default:
		return "Unknown"
	}
}

// PowerSource supplies the current power state and wake counters.
// The mobile FFI implements this; StaticPowerSource serves hosts
// without power management.
type PowerSource interface {
	State() PowerState
	WakeCount() uint64
	ResumeCount() uint64
}

// StaticPowerSource always reports a fixed state with zero counters.
type StaticPowerSource struct {
	// Power is the reported state.
	Power PowerState
}

// State implements PowerSource.
func (s StaticPowerSource) State() PowerState { return s.Power }

// WakeCount implements PowerSource.
func (StaticPowerSource) WakeCount() uint64 { return 0 }

// ResumeCount implements PowerSource.
func (StaticPowerSource) ResumeCount() uint64 { return 0 }

// -------------------------------------------------------------------------
// Cover Controller Configuration
// -------------------------------------------------------------------------

// TrafficMetrics is the observed network condition fed to the
// controller every tick.
type TrafficMetrics struct {
	// BandwidthUtilization is the link utilization in [0, 1].
	BandwidthUtilization float64

	// AvgInterarrival is the mean packet inter-arrival time.
	AvgInterarrival time.Duration

	// TrafficVariance is the recent traffic variance in [0, 1].
	TrafficVariance float64

	// ActiveFlows is the number of concurrent flows.
	ActiveFlows int
}

// CoverConfig parameterizes the adaptive cover controller.
type CoverConfig struct {
	// BaselineRatio is the target cover/(cover+data) ratio when power
	// is Active and the network is healthy.
	BaselineRatio float64

	// LowPowerRatio replaces the baseline when power is Background,
	// Inactive, or Critical, or the network is congested.
	LowPowerRatio float64

	// FloorRatio is the minimum ratio ever targeted; the anonymity set
	// dissolves below it.
	FloorRatio float64

	// Sensitivity blends the current rate toward the target each tick,
	// in (0, 1].
	Sensitivity float64

	// BurstPPS is the recent packets-per-second threshold that
	// triggers burst protection.
	BurstPPS float64

	// BurstMultiplier scales cover output while a burst is detected.
	BurstMultiplier float64

	// TickInterval is the controller cadence.
	TickInterval time.Duration

	// CongestionThreshold is the utilization above which the network
	// counts as poor.
	CongestionThreshold float64
}

// DefaultCoverConfig returns the production cover-traffic defaults:
// 30% target in active mode, 10% under low power, 5% floor, 10 Hz.
func DefaultCoverConfig() CoverConfig {
	return CoverConfig{
		BaselineRatio:       0.30,
		LowPowerRatio:       0.10,
		FloorRatio:          0.05,
		Sensitivity:         0.3,
		BurstPPS:            1000,
		BurstMultiplier:     1.5,
		TickInterval:        100 * time.Millisecond,
		CongestionThreshold: 0.8,
	}
}

// -------------------------------------------------------------------------
// Cover Controller
// -------------------------------------------------------------------------

// CoverController adapts the cover-traffic ratio to load, burstiness,
// and the power state, and injects dummy packets into the batcher to
// hold the observed ratio at the target.
type CoverController struct {
	cfg     CoverConfig
	power   PowerSource
	batcher *Batcher
	logger  *slog.Logger

	mu            sync.Mutex
	currentRatio  float64
	dataPackets   uint64
	coverPackets  uint64
	recentPPS     float64
	lastTotal     uint64
	burstActive   bool
	externalBurst bool
	lastMetrics   TrafficMetrics

	// dummySize is the injected packet payload size; cover packets
	// must be shaped like padded data records.
	dummySize int

	rng *rand.Rand
}

// NewCoverController creates a controller feeding the given batcher.
// seed makes dummy payload generation deterministic for tests.
func NewCoverController(cfg CoverConfig, power PowerSource, batcher *Batcher, seed uint64, logger *slog.Logger) *CoverController {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 100 * time.Millisecond
	}
	if cfg.Sensitivity <= 0 || cfg.Sensitivity > 1 {
		cfg.Sensitivity = 0.3
	}
	if power == nil {
		power = StaticPowerSource{Power: PowerActive}
	}
	return &CoverController{
		cfg:          cfg,
		power:        power,
		batcher:      batcher,
		logger:       logger.With(slog.String("component", "mix.cover")),
		currentRatio: cfg.BaselineRatio,
		dummySize:    1280,
		rng:          rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// OnDataPacket records one real packet leaving through the mix.
func (c *CoverController) OnDataPacket() {
	c.mu.Lock()
	c.dataPackets++
	c.mu.Unlock()
}

// UpdateMetrics feeds fresh traffic observations.
func (c *CoverController) UpdateMetrics(m TrafficMetrics) {
	c.mu.Lock()
	c.lastMetrics = m
	c.mu.Unlock()
}

// CurrentRatio returns the ratio the controller is steering toward.
func (c *CoverController) CurrentRatio() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentRatio
}

// ObservedRatio returns cover/(cover+data) over the controller's
// lifetime window.
func (c *CoverController) ObservedRatio() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.dataPackets + c.coverPackets
	if total == 0 {
		return 0
	}
	return float64(c.coverPackets) / float64(total)
}

// Run drives the controller on its tick until ctx is cancelled.
func (c *CoverController) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

// tick runs one adaptation step: recompute the target ratio, blend the
// current ratio toward it, update burst state, and inject cover
// packets while the observed ratio trails the target.
func (c *CoverController) tick() {
	c.mu.Lock()

	target := c.targetRatioLocked()
	c.currentRatio += (target - c.currentRatio) * c.cfg.Sensitivity
	if c.currentRatio < c.cfg.FloorRatio {
		c.currentRatio = c.cfg.FloorRatio
	}

	// Burst detection on an EWMA of the per-tick packet rate.
	total := c.dataPackets + c.coverPackets
	delta := float64(total - c.lastTotal)
	c.lastTotal = total
	ticksPerSec := float64(time.Second) / float64(c.cfg.TickInterval)
	c.recentPPS = 0.7*c.recentPPS + 0.3*delta*ticksPerSec
	c.burstActive = c.externalBurst || c.recentPPS > c.cfg.BurstPPS

	inject := c.injectCountLocked()
	c.mu.Unlock()

	for range inject {
		pkt := Packet{Data: c.dummyPayload(), IsCover: true}
		if c.batcher != nil && c.batcher.Submit(pkt) {
			c.mu.Lock()
			c.coverPackets++
			c.mu.Unlock()
		}
	}
}

// targetRatioLocked derives the tick's target ratio from power and
// network conditions. Callers hold mu.
func (c *CoverController) targetRatioLocked() float64 {
	target := c.cfg.BaselineRatio

	switch c.power.State() {
	case PowerBackground, PowerInactive, PowerCritical:
		target = c.cfg.LowPowerRatio
	case PowerActive:
		if c.lastMetrics.BandwidthUtilization > c.cfg.CongestionThreshold {
			target = c.cfg.LowPowerRatio
		}
	}

	if c.burstActive {
		target *= c.cfg.BurstMultiplier
		if target > 1 {
			target = 1
		}
	}
	if target < c.cfg.FloorRatio {
		target = c.cfg.FloorRatio
	}
	return target
}

// injectCountLocked computes how many cover packets this tick must
// inject to pull the observed ratio up to the current target.
// Callers hold mu.
func (c *CoverController) injectCountLocked() int {
	data := float64(c.dataPackets)
	cover := float64(c.coverPackets)
	ratio := c.currentRatio
	if ratio >= 1 {
		ratio = 0.99
	}

	// Solve (cover + x) / (data + cover + x) = ratio for x.
	need := (ratio*(data+cover) - cover) / (1 - ratio)
	if need <= 0 {
		return 0
	}
	// Cap per-tick injection so a cold start ramps rather than floods.
	const maxPerTick = 32
	n := int(need + 0.5)
	if n > maxPerTick {
		n = maxPerTick
	}
	return n
}

// dummyPayload produces one deterministic dummy packet body. After
// record protection these are indistinguishable from user frames.
func (c *CoverController) dummyPayload() []byte {
	buf := make([]byte, c.dummySize)
	for i := 0; i+8 <= len(buf); i += 8 {
		v := c.rng.Uint64()
		buf[i] = byte(v)
		buf[i+1] = byte(v >> 8)
		buf[i+2] = byte(v >> 16)
		buf[i+3] = byte(v >> 24)
		buf[i+4] = byte(v >> 32)
		buf[i+5] = byte(v >> 40)
		buf[i+6] = byte(v >> 48)
		buf[i+7] = byte(v >> 56)
	}
	return buf
}

// NoteBurst signals externally detected burst conditions (e.g. from
// the padding layer's emission EWMA). The external flag holds burst
// protection on until cleared, independent of the controller's own
// rate detector.
func (c *CoverController) NoteBurst(active bool) {
	c.mu.Lock()
	c.externalBurst = active
	c.mu.Unlock()
}
