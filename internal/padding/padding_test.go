package padding_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/seleniaproject/nyxd/internal/padding"
)

func newPadder(t *testing.T, cfg padding.Config) *padding.Padder {
	t.Helper()
	p, err := padding.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestPadUnpadRoundTrip(t *testing.T) {
	t.Parallel()

	p := newPadder(t, padding.DefaultConfig())

	payloads := [][]byte{
		nil,
		[]byte("x"),
		[]byte("hello world"),
		bytes.Repeat([]byte{0xAB}, padding.DefaultTargetSize-4),
	}
	for _, payload := range payloads {
		record, err := p.Pad(payload)
		if err != nil {
			t.Fatalf("Pad(%d bytes): %v", len(payload), err)
		}
		// Every padded record has exactly the configured length.
		if len(record) != padding.DefaultTargetSize {
			t.Fatalf("record length: got %d, want %d", len(record), padding.DefaultTargetSize)
		}

		got, err := p.Unpad(record)
		if err != nil {
			t.Fatalf("Unpad: %v", err)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("round trip: got %d bytes, want %d", len(got), len(payload))
		}
	}
}

func TestPadRejectsOversize(t *testing.T) {
	t.Parallel()

	p := newPadder(t, padding.DefaultConfig())
	big := bytes.Repeat([]byte{1}, padding.DefaultTargetSize-3)
	if _, err := p.Pad(big); !errors.Is(err, padding.ErrPayloadTooLarge) {
		t.Fatalf("got %v, want ErrPayloadTooLarge", err)
	}
}

func TestUnpadRejectsCorrupt(t *testing.T) {
	t.Parallel()

	p := newPadder(t, padding.DefaultConfig())

	if _, err := p.Unpad([]byte{1, 2}); !errors.Is(err, padding.ErrRecordTooShort) {
		t.Fatalf("short record: got %v", err)
	}

	// Length prefix pointing past the record end.
	record := make([]byte, 16)
	record[0], record[1], record[2], record[3] = 0xFF, 0xFF, 0xFF, 0xFF
	if _, err := p.Unpad(record); !errors.Is(err, padding.ErrLengthCorrupt) {
		t.Fatalf("corrupt length: got %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  padding.Config
	}{
		{"tiny target", padding.Config{TargetSize: 4}},
		{"inverted delays", padding.Config{TargetSize: 1280, MinDelay: 10 * time.Millisecond, MaxDelay: time.Millisecond}},
		{"negative threshold", padding.Config{TargetSize: 1280, BurstThreshold: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := padding.New(tt.cfg); !errors.Is(err, padding.ErrBadConfig) {
				t.Fatalf("got %v, want ErrBadConfig", err)
			}
		})
	}
}

func TestOverheadMetrics(t *testing.T) {
	t.Parallel()

	p := newPadder(t, padding.DefaultConfig())
	if _, err := p.Pad(bytes.Repeat([]byte{1}, 100)); err != nil {
		t.Fatalf("Pad: %v", err)
	}

	m := p.Metrics()
	if m.PacketsProcessed != 1 {
		t.Fatalf("packets: got %d", m.PacketsProcessed)
	}
	if m.OriginalBytes != 100 || m.PaddedBytes != padding.DefaultTargetSize {
		t.Fatalf("bytes: %+v", m)
	}
	if m.OverheadRatio() <= 0 {
		t.Fatalf("overhead ratio must be positive when padding is active: %f", m.OverheadRatio())
	}
	wantPct := (float64(padding.DefaultTargetSize) - 100) / 100 * 100
	if got := m.OverheadPercentage(); got != wantPct {
		t.Fatalf("overhead pct: got %f, want %f", got, wantPct)
	}
}

func TestTimingObfuscationBounds(t *testing.T) {
	t.Parallel()

	cfg := padding.DefaultConfig()
	cfg.MinDelay = 5 * time.Millisecond
	cfg.MaxDelay = 15 * time.Millisecond
	p := newPadder(t, cfg)

	start := time.Now()
	if err := p.ObfuscateTiming(context.Background()); err != nil {
		t.Fatalf("ObfuscateTiming: %v", err)
	}
	elapsed := time.Since(start)
	if elapsed < cfg.MinDelay {
		t.Fatalf("delay %v below minimum %v", elapsed, cfg.MinDelay)
	}

	if got := p.Metrics().TimingObfuscations; got != 1 {
		t.Fatalf("obfuscation count: got %d", got)
	}
}

func TestTimingObfuscationCancel(t *testing.T) {
	t.Parallel()

	cfg := padding.DefaultConfig()
	cfg.MinDelay = time.Second
	cfg.MaxDelay = 2 * time.Second
	p := newPadder(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.ObfuscateTiming(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestBurstDetection(t *testing.T) {
	t.Parallel()

	cfg := padding.DefaultConfig()
	cfg.BurstThreshold = 100
	p := newPadder(t, cfg)

	// Emissions 1ms apart: ~1000/s, far above the 100/s threshold.
	now := time.Now()
	var burst bool
	for i := range 20 {
		burst = p.NoteEmission(now.Add(time.Duration(i) * time.Millisecond))
	}
	if !burst {
		t.Fatal("sustained 1000/s emission rate must trip burst protection")
	}
	if p.Metrics().BurstEvents == 0 {
		t.Fatal("burst events counter must increment")
	}

	// Slow emissions decay the EWMA below the threshold.
	for i := range 50 {
		burst = p.NoteEmission(now.Add(time.Second + time.Duration(i)*100*time.Millisecond))
	}
	if burst {
		t.Fatal("10/s emission rate must not count as a burst")
	}
}

func TestDummyRecordDeterministic(t *testing.T) {
	t.Parallel()

	cfg := padding.DefaultConfig()
	cfg.DummySeed = 1234

	a := newPadder(t, cfg)
	b := newPadder(t, cfg)

	for i := range 5 {
		ra, rb := a.DummyRecord(), b.DummyRecord()
		if !bytes.Equal(ra, rb) {
			t.Fatalf("dummy %d: same seed must produce identical records", i)
		}
		if len(ra) != cfg.TargetSize {
			t.Fatalf("dummy record length: got %d", len(ra))
		}
	}

	other := cfg
	other.DummySeed = 99
	c := newPadder(t, other)
	if bytes.Equal(a.DummyRecord(), c.DummyRecord()) {
		t.Fatal("different seeds must produce different dummy streams")
	}
}
