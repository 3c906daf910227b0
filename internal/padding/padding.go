// Package padding implements traffic-shape defenses below the AEAD
// boundary: fixed-size record padding, jittered emission timing, burst
// detection with dummy injection, and a deterministic dummy generator.
//
// Padding runs at send time before sealing and at receive time after
// opening, so padding bytes are always covered by the record AEAD.
package padding

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"
)

// -------------------------------------------------------------------------
// Constants & Errors
// -------------------------------------------------------------------------

const (
	// DefaultTargetSize is the uniform padded record size.
	DefaultTargetSize = 1280

	// lengthPrefixSize is the original-length prefix inside a padded
	// record (4 bytes, big-endian).
	lengthPrefixSize = 4
)

// Sentinel errors for padding operations.
var (
	// ErrPayloadTooLarge indicates a plaintext that cannot fit the
	// target record size alongside its length prefix.
	ErrPayloadTooLarge = errors.New("payload does not fit padded record")

	// ErrRecordTooShort indicates an unpadded record below the minimum.
	ErrRecordTooShort = errors.New("padded record too short")

	// ErrLengthCorrupt indicates a length prefix pointing outside the
	// record.
	ErrLengthCorrupt = errors.New("padded record length prefix corrupt")

	// ErrBadConfig indicates inconsistent padding parameters.
	ErrBadConfig = errors.New("invalid padding configuration")
)

// -------------------------------------------------------------------------
// Configuration
// -------------------------------------------------------------------------

// Config parameterizes the padding system.
type Config struct {
	// TargetSize is the uniform record size every padded record has.
	TargetSize int

	// MinDelay / MaxDelay bound the uniform timing-obfuscation delay
	// applied before emission. Zero MaxDelay disables timing jitter.
	MinDelay time.Duration
	MaxDelay time.Duration

	// BurstThreshold is the emission-rate EWMA (records/second) above
	// which burst protection engages.
	BurstThreshold float64

	// DummySeed seeds the deterministic dummy generator.
	DummySeed uint64
}

// DefaultConfig returns the production padding defaults.
func DefaultConfig() Config {
	return Config{
		TargetSize:     DefaultTargetSize,
		MinDelay:       0,
		MaxDelay:       20 * time.Millisecond,
		BurstThreshold: 500,
	}
}

// Validate rejects inconsistent parameter sets.
func (c Config) Validate() error {
	if c.TargetSize <= lengthPrefixSize {
		return fmt.Errorf("target size %d: %w", c.TargetSize, ErrBadConfig)
	}
	if c.MinDelay < 0 || c.MaxDelay < 0 || c.MinDelay > c.MaxDelay {
		return fmt.Errorf("delay range [%v, %v]: %w", c.MinDelay, c.MaxDelay, ErrBadConfig)
	}
	if c.BurstThreshold < 0 {
		return fmt.Errorf("burst threshold %f: %w", c.BurstThreshold, ErrBadConfig)
	}
	return nil
}

// -------------------------------------------------------------------------
// Metrics
// -------------------------------------------------------------------------

// Metrics are the padder's cumulative counters.
type Metrics struct {
	PacketsProcessed   uint64
	OriginalBytes      uint64
	PaddedBytes        uint64
	BurstEvents        uint64
	TimingObfuscations uint64
	DummyFrames        uint64
}

// OverheadRatio returns (padded-original)/original. Positive whenever
// padding is active.
func (m Metrics) OverheadRatio() float64 {
	if m.OriginalBytes == 0 {
		return 0
	}
	return float64(m.PaddedBytes-m.OriginalBytes) / float64(m.OriginalBytes)
}

// OverheadPercentage renders the overhead ratio for reporting.
func (m Metrics) OverheadPercentage() float64 {
	return m.OverheadRatio() * 100
}

// -------------------------------------------------------------------------
// Padder
// -------------------------------------------------------------------------

// Padder pads records to a uniform size and applies timing defenses.
// Pad/Unpad are pure with respect to the record bytes and safe for
// concurrent use; the burst detector and the dummy generator are
// owned by the sending goroutine.
type Padder struct {
	cfg Config

	packets      atomic.Uint64
	originalByte atomic.Uint64
	paddedBytes  atomic.Uint64
	burstEvents  atomic.Uint64
	obfuscations atomic.Uint64
	dummyFrames  atomic.Uint64

	// Emission-rate EWMA for burst detection. Owned by the sender.
	emissionEWMA float64
	lastEmit     time.Time

	rng *rand.Rand
}

// New creates a padder. Config is validated.
func New(cfg Config) (*Padder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Padder{
		cfg: cfg,
		rng: rand.New(rand.NewPCG(cfg.DummySeed, cfg.DummySeed^0xa076_1d64_78bd_642f)),
	}, nil
}

// TargetSize returns the uniform record size.
func (p *Padder) TargetSize() int { return p.cfg.TargetSize }

// Pad expands payload to exactly TargetSize bytes: a 4-byte big-endian
// original length, the payload, then padding zeros. Payloads that do
// not fit are rejected.
func (p *Padder) Pad(payload []byte) ([]byte, error) {
	if len(payload) > p.cfg.TargetSize-lengthPrefixSize {
		return nil, fmt.Errorf("pad %d bytes into %d-byte record: %w",
			len(payload), p.cfg.TargetSize, ErrPayloadTooLarge)
	}

	out := make([]byte, p.cfg.TargetSize)
	binary.BigEndian.PutUint32(out[:lengthPrefixSize], uint32(len(payload)))
	copy(out[lengthPrefixSize:], payload)

	p.packets.Add(1)
	p.originalByte.Add(uint64(len(payload)))
	p.paddedBytes.Add(uint64(p.cfg.TargetSize))
	return out, nil
}

// Unpad recovers the original payload from a padded record.
func (p *Padder) Unpad(record []byte) ([]byte, error) {
	if len(record) < lengthPrefixSize {
		return nil, fmt.Errorf("unpad %d bytes: %w", len(record), ErrRecordTooShort)
	}
	n := binary.BigEndian.Uint32(record[:lengthPrefixSize])
	if int(n) > len(record)-lengthPrefixSize {
		return nil, fmt.Errorf("unpad: length %d in %d-byte record: %w",
			n, len(record), ErrLengthCorrupt)
	}
	out := make([]byte, n)
	copy(out, record[lengthPrefixSize:lengthPrefixSize+int(n)])
	return out, nil
}

// ObfuscateTiming sleeps a uniform delay in [MinDelay, MaxDelay]
// before the caller emits. Returns early on context cancellation.
func (p *Padder) ObfuscateTiming(ctx context.Context) error {
	if p.cfg.MaxDelay == 0 {
		return nil
	}
	span := p.cfg.MaxDelay - p.cfg.MinDelay
	delay := p.cfg.MinDelay
	if span > 0 {
		delay += time.Duration(p.rng.Int64N(int64(span)))
	}

	p.obfuscations.Add(1)
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NoteEmission feeds the burst detector with one record emission.
// Returns true when the emission-rate EWMA is above the threshold,
// in which case the caller should inject dummy traffic.
func (p *Padder) NoteEmission(now time.Time) bool {
	if p.lastEmit.IsZero() {
		p.lastEmit = now
		return false
	}
	gap := now.Sub(p.lastEmit)
	p.lastEmit = now
	if gap <= 0 {
		gap = time.Microsecond
	}

	instRate := float64(time.Second) / float64(gap)
	p.emissionEWMA = 0.8*p.emissionEWMA + 0.2*instRate

	if p.cfg.BurstThreshold > 0 && p.emissionEWMA > p.cfg.BurstThreshold {
		p.burstEvents.Add(1)
		return true
	}
	return false
}

// DummyRecord produces a padded record of dummy bytes, deterministic
// for a given seed and call sequence. After sealing, dummies are
// indistinguishable from user records.
func (p *Padder) DummyRecord() []byte {
	body := make([]byte, p.cfg.TargetSize-lengthPrefixSize)
	for i := 0; i+8 <= len(body); i += 8 {
		binary.LittleEndian.PutUint64(body[i:], p.rng.Uint64())
	}
	out, err := p.Pad(body)
	if err != nil {
		// Full-size body always fits; reaching here is a config bug.
		panic(fmt.Sprintf("padding: dummy record: %v", err))
	}
	p.dummyFrames.Add(1)
	return out
}

// Metrics returns a snapshot of the counters.
func (p *Padder) Metrics() Metrics {
	return Metrics{
		PacketsProcessed:   p.packets.Load(),
		OriginalBytes:      p.originalByte.Load(),
		PaddedBytes:        p.paddedBytes.Load(),
		BurstEvents:        p.burstEvents.Load(),
		TimingObfuscations: p.obfuscations.Load(),
		DummyFrames:        p.dummyFrames.Load(),
	}
}
