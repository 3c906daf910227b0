// Package fec implements adaptive forward-error-correction tuning: a
// PID controller that steers transmit and receive redundancy from
// observed loss, RTT, and jitter.
package fec

import (
	"errors"
	"fmt"
	"time"
)

// -------------------------------------------------------------------------
// Constants & Defaults
// -------------------------------------------------------------------------

const (
	// DefaultMaxRedundancy caps the redundancy ratio.
	DefaultMaxRedundancy = 0.8

	// DefaultLossWindow is the loss history length for trend analysis.
	DefaultLossWindow = 32

	// Default PID gains.
	DefaultKp = 0.5
	DefaultKi = 0.1
	DefaultKd = 0.2

	// integralClamp bounds the accumulated error term so a long loss
	// episode cannot wind the controller up past recovery.
	integralClamp = 10.0
)

// Sentinel errors for tuner configuration.
var (
	// ErrInvalidGains indicates non-finite or negative PID gains.
	ErrInvalidGains = errors.New("invalid pid gains")
)

// -------------------------------------------------------------------------
// Inputs
// -------------------------------------------------------------------------

// NetworkMetrics is one observation fed to the tuner.
type NetworkMetrics struct {
	RTT           time.Duration
	Jitter        time.Duration
	LossRate      float64
	BandwidthMbps float64
}

// LossTrend classifies the short-term direction of the loss rate.
type LossTrend int8

const (
	// TrendFalling: losses are receding.
	TrendFalling LossTrend = -1

	// TrendFlat: losses are steady.
	TrendFlat LossTrend = 0

	// TrendRising: losses are worsening.
	TrendRising LossTrend = 1
)

// String returns the human-readable trend name.
func (t LossTrend) String() string {
	switch t {
	case TrendFalling:
		return "Falling"
	case TrendFlat:
		return "Flat"
	case TrendRising:
		return "Rising"
	default:
		return "Unknown"
	}
}

// Gains are the PID controller coefficients. Replaceable at runtime.
type Gains struct {
	Kp float64
	Ki float64
	Kd float64
}

// DefaultGains returns the production PID gains.
func DefaultGains() Gains {
	return Gains{Kp: DefaultKp, Ki: DefaultKi, Kd: DefaultKd}
}

// Validate rejects unusable gain sets.
func (g Gains) Validate() error {
	for _, v := range []float64{g.Kp, g.Ki, g.Kd} {
		if v < 0 || v != v { // negative or NaN
			return fmt.Errorf("gains %+v: %w", g, ErrInvalidGains)
		}
	}
	return nil
}

// -------------------------------------------------------------------------
// Tuner
// -------------------------------------------------------------------------

// Tuner holds the (tx, rx) redundancy pair and the PID state steering
// it. The setpoint is zero loss: the controller output converts the
// standing loss error into added redundancy, biased by the loss trend
// so a worsening path gains redundancy faster than a recovering path
// sheds it.
//
// The tuner is owned by one goroutine (the endpoint or the daemon's
// metrics loop); it is not safe for concurrent use.
type Tuner struct {
	txRedundancy float64
	rxRedundancy float64
	maxRed       float64

	gains    Gains
	integral float64
	lastErr  float64

	lossHistory []float64
	lossWindow  int

	observations  uint64
	redundancySum float64
}

// NewTuner creates a tuner with default gains and bounds.
func NewTuner() *Tuner {
	return &Tuner{
		maxRed:     DefaultMaxRedundancy,
		gains:      DefaultGains(),
		lossWindow: DefaultLossWindow,
	}
}

// SetGains replaces the PID coefficients at runtime.
func (t *Tuner) SetGains(g Gains) error {
	if err := g.Validate(); err != nil {
		return err
	}
	t.gains = g
	return nil
}

// SetMaxRedundancy adjusts the redundancy cap, clamped to [0, 1].
func (t *Tuner) SetMaxRedundancy(maxRed float64) {
	if maxRed < 0 {
		maxRed = 0
	}
	if maxRed > 1 {
		maxRed = 1
	}
	t.maxRed = maxRed
	t.txRedundancy = clamp(t.txRedundancy, 0, t.maxRed)
	t.rxRedundancy = clamp(t.rxRedundancy, 0, t.maxRed)
}

// Observe feeds one metrics sample and updates the redundancy pair.
func (t *Tuner) Observe(m NetworkMetrics) {
	loss := clamp(m.LossRate, 0, 1)

	t.lossHistory = append(t.lossHistory, loss)
	if len(t.lossHistory) > t.lossWindow {
		t.lossHistory = t.lossHistory[1:]
	}

	// PID over the loss error (setpoint zero). The integral leaks so a
	// past loss episode eventually stops charging for redundancy.
	errNow := loss
	t.integral = clamp(t.integral*0.95+errNow, -integralClamp, integralClamp)
	derivative := errNow - t.lastErr
	t.lastErr = errNow

	output := t.gains.Kp*errNow + t.gains.Ki*t.integral + t.gains.Kd*derivative

	// Jitter relative to RTT adds a mild term: a jittery path benefits
	// from receive-side redundancy even at low loss.
	jitterTerm := 0.0
	if m.RTT > 0 {
		jitterTerm = clamp(float64(m.Jitter)/float64(m.RTT), 0, 1) * 0.1
	}

	trend := t.Trend()
	t.txRedundancy = t.step(t.txRedundancy, output, trend)
	t.rxRedundancy = t.step(t.rxRedundancy, output+jitterTerm, trend)

	t.observations++
	t.redundancySum += t.txRedundancy
}

// step moves a redundancy value toward the controller output,
// monotone with the trend: a rising trend never lowers redundancy and
// a falling trend never raises it.
func (t *Tuner) step(current, output float64, trend LossTrend) float64 {
	target := clamp(output, 0, t.maxRed)
	switch trend {
	case TrendRising:
		if target < current {
			return current
		}
	case TrendFalling:
		if target > current {
			return current
		}
	case TrendFlat:
		// Move freely.
	}
	// Blend rather than jump: half the distance per observation.
	return clamp(current+(target-current)*0.5, 0, t.maxRed)
}

// Trend classifies the short-term loss direction by comparing the
// means of the newer and older halves of the window.
func (t *Tuner) Trend() LossTrend {
	n := len(t.lossHistory)
	if n < 4 {
		return TrendFlat
	}
	half := n / 2
	var older, newer float64
	for _, v := range t.lossHistory[:half] {
		older += v
	}
	for _, v := range t.lossHistory[half:] {
		newer += v
	}
	older /= float64(half)
	newer /= float64(n - half)

	const deadband = 0.005
	switch {
	case newer > older+deadband:
		return TrendRising
	case newer < older-deadband:
		return TrendFalling
	default:
		return TrendFlat
	}
}

// Redundancy returns the current (tx, rx) redundancy pair.
func (t *Tuner) Redundancy() (tx, rx float64) {
	return t.txRedundancy, t.rxRedundancy
}

// Stats summarizes the tuner's state.
type Stats struct {
	TxRedundancy      float64
	RxRedundancy      float64
	Trend             LossTrend
	AverageRedundancy float64
	Observations      uint64
}

// Stats returns current redundancy, the loss trend, and the average
// redundancy over the tuner's lifetime.
func (t *Tuner) Stats() Stats {
	avg := 0.0
	if t.observations > 0 {
		avg = t.redundancySum / float64(t.observations)
	}
	return Stats{
		TxRedundancy:      t.txRedundancy,
		RxRedundancy:      t.rxRedundancy,
		Trend:             t.Trend(),
		AverageRedundancy: avg,
		Observations:      t.observations,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
