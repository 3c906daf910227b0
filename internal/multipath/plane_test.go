package multipath

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func goodMetrics() Metrics {
	return Metrics{
		RTT:           20 * time.Millisecond,
		Jitter:        2 * time.Millisecond,
		LossRate:      0.0,
		BandwidthMbps: 100,
		Quality:       0.9,
	}
}

type planeClock struct{ t time.Time }

func newPlaneClock() *planeClock              { return &planeClock{t: time.Unix(1_700_000_000, 0)} }
func (c *planeClock) now() time.Time          { return c.t }
func (c *planeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestPlaneAddSelectRemove(t *testing.T) {
	t.Parallel()

	p := NewPlane(DefaultConfig(), testLogger())

	if _, err := p.SelectPath(); !errors.Is(err, ErrNoUsablePath) {
		t.Fatalf("empty plane: got %v, want ErrNoUsablePath", err)
	}

	if err := p.AddPath(1, 1, goodMetrics()); err != nil {
		t.Fatalf("AddPath: %v", err)
	}
	if err := p.AddPath(1, 1, goodMetrics()); !errors.Is(err, ErrDuplicatePath) {
		t.Fatalf("duplicate AddPath: got %v", err)
	}

	id, err := p.SelectPath()
	if err != nil {
		t.Fatalf("SelectPath: %v", err)
	}
	if id != 1 {
		t.Fatalf("selected path: got %d, want 1", id)
	}

	if err := p.RemovePath(1); err != nil {
		t.Fatalf("RemovePath: %v", err)
	}
	if err := p.RemovePath(1); !errors.Is(err, ErrPathNotFound) {
		t.Fatalf("double remove: got %v", err)
	}
}

func TestPlaneUpdateMetricsUnknownPath(t *testing.T) {
	t.Parallel()

	p := NewPlane(DefaultConfig(), testLogger())
	if err := p.UpdateMetrics(9, goodMetrics()); !errors.Is(err, ErrPathNotFound) {
		t.Fatalf("got %v, want ErrPathNotFound", err)
	}
}

func TestPlaneStaleActivityDegrades(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.FailoverTimeout = 100 * time.Millisecond
	p := NewPlane(cfg, testLogger())
	clk := newPlaneClock()
	p.setClock(clk.now)

	if err := p.AddPath(1, 1, goodMetrics()); err != nil {
		t.Fatalf("AddPath: %v", err)
	}

	clk.advance(200 * time.Millisecond)
	p.ProbePaths()

	info, err := p.PathInfo(1)
	if err != nil {
		t.Fatalf("PathInfo: %v", err)
	}
	if info.State != PathDegraded {
		t.Fatalf("state: got %v, want Degraded", info.State)
	}

	// Fresh activity and good quality recover the path.
	p.OnActivity(1)
	p.ProbePaths()
	info, _ = p.PathInfo(1)
	if info.State != PathActive {
		t.Fatalf("state after recovery: got %v, want Active", info.State)
	}
}

func TestPlaneLowQualityFailsAfterProbes(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.FailedProbeLimit = 3
	p := NewPlane(cfg, testLogger())
	clk := newPlaneClock()
	p.setClock(clk.now)

	if err := p.AddPath(1, 1, goodMetrics()); err != nil {
		t.Fatalf("AddPath: %v", err)
	}

	bad := goodMetrics()
	bad.Quality = 0.1
	if err := p.UpdateMetrics(1, bad); err != nil {
		t.Fatalf("UpdateMetrics: %v", err)
	}

	// Two probes: degraded but not failed.
	p.ProbePaths()
	p.ProbePaths()
	info, _ := p.PathInfo(1)
	if info.State != PathDegraded {
		t.Fatalf("after 2 probes: got %v, want Degraded", info.State)
	}

	// Third consecutive failed probe crosses the limit.
	p.ProbePaths()
	info, _ = p.PathInfo(1)
	if info.State != PathFailed {
		t.Fatalf("after 3 probes: got %v, want Failed", info.State)
	}

	// A failed sole path leaves nothing schedulable.
	if _, err := p.SelectPath(); !errors.Is(err, ErrNoUsablePath) {
		t.Fatalf("failed path selectable: %v", err)
	}
}

func TestPlaneFailedPathCooldownReentry(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.FailedProbeLimit = 1
	cfg.FailoverTimeout = 100 * time.Millisecond
	p := NewPlane(cfg, testLogger())
	clk := newPlaneClock()
	p.setClock(clk.now)

	if err := p.AddPath(1, 1, goodMetrics()); err != nil {
		t.Fatalf("AddPath: %v", err)
	}

	bad := goodMetrics()
	bad.Quality = 0.0
	_ = p.UpdateMetrics(1, bad)
	p.ProbePaths()
	if info, _ := p.PathInfo(1); info.State != PathFailed {
		t.Fatalf("state: got %v, want Failed", info.State)
	}

	// Quality recovers but the cooldown has not elapsed: still failed.
	_ = p.UpdateMetrics(1, goodMetrics())
	p.ProbePaths()
	if info, _ := p.PathInfo(1); info.State != PathFailed {
		t.Fatalf("within cooldown: got %v, want Failed", info.State)
	}

	// After the cooldown the path re-enters as Degraded.
	clk.advance(150 * time.Millisecond)
	p.ProbePaths()
	if info, _ := p.PathInfo(1); info.State != PathDegraded {
		t.Fatalf("after cooldown: got %v, want Degraded", info.State)
	}
	if _, err := p.SelectPath(); err != nil {
		t.Fatalf("re-entered path must be schedulable: %v", err)
	}
}

func TestPlaneSelectAlternate(t *testing.T) {
	t.Parallel()

	p := NewPlane(DefaultConfig(), testLogger())
	if err := p.AddPath(1, 1, goodMetrics()); err != nil {
		t.Fatalf("AddPath(1): %v", err)
	}
	if err := p.AddPath(2, 1, goodMetrics()); err != nil {
		t.Fatalf("AddPath(2): %v", err)
	}

	alt, err := p.SelectAlternate(1)
	if err != nil {
		t.Fatalf("SelectAlternate: %v", err)
	}
	if alt != 2 {
		t.Fatalf("alternate: got %d, want 2", alt)
	}

	// With a single path, the alternate falls back to the same path
	// rather than refusing the retransmit.
	solo := NewPlane(DefaultConfig(), testLogger())
	if err := solo.AddPath(7, 1, goodMetrics()); err != nil {
		t.Fatalf("AddPath(7): %v", err)
	}
	alt, err = solo.SelectAlternate(7)
	if err != nil {
		t.Fatalf("solo SelectAlternate: %v", err)
	}
	if alt != 7 {
		t.Fatalf("solo alternate: got %d, want 7", alt)
	}
}

func TestPlaneHopCountSelection(t *testing.T) {
	t.Parallel()

	p := NewPlane(DefaultConfig(), testLogger())

	fast := goodMetrics()
	if err := p.AddPath(1, 1, fast); err != nil {
		t.Fatalf("AddPath: %v", err)
	}
	info, _ := p.PathInfo(1)
	if info.HopCount != MinHops {
		t.Fatalf("clean path hop count: got %d, want %d", info.HopCount, MinHops)
	}

	slow := Metrics{RTT: 600 * time.Millisecond, LossRate: 0.3, Quality: 0.5}
	_ = p.UpdateMetrics(1, slow)
	info, _ = p.PathInfo(1)
	if info.HopCount != MaxHops {
		t.Fatalf("poor path hop count: got %d, want %d", info.HopCount, MaxHops)
	}

	// Monotone: middling metrics land in between.
	mid := Metrics{RTT: 250 * time.Millisecond, LossRate: 0.0, Quality: 0.7}
	_ = p.UpdateMetrics(1, mid)
	info, _ = p.PathInfo(1)
	if info.HopCount < MinHops || info.HopCount > MaxHops {
		t.Fatalf("mid path hop count out of range: %d", info.HopCount)
	}
}

func TestPlaneFeedsRedundancyTuner(t *testing.T) {
	t.Parallel()

	p := NewPlane(DefaultConfig(), testLogger())
	if err := p.AddPath(1, 1, goodMetrics()); err != nil {
		t.Fatalf("AddPath: %v", err)
	}

	// Lossy observations must raise the tx redundancy.
	lossy := goodMetrics()
	lossy.LossRate = 0.2
	for range 10 {
		if err := p.UpdateMetrics(1, lossy); err != nil {
			t.Fatalf("UpdateMetrics: %v", err)
		}
	}

	tx, rx := p.Redundancy()
	if tx <= 0 || rx <= 0 {
		t.Fatalf("redundancy under loss: tx=%f rx=%f", tx, rx)
	}
	if st := p.TunerStats(); st.Observations != 10 {
		t.Fatalf("tuner observations: got %d, want 10", st.Observations)
	}
}

func TestPlaneReorderStatus(t *testing.T) {
	t.Parallel()

	p := NewPlane(DefaultConfig(), testLogger())
	if err := p.AddPath(1, 1, goodMetrics()); err != nil {
		t.Fatalf("AddPath: %v", err)
	}

	buf, ok := p.PathBuffer(1)
	if !ok {
		t.Fatal("path buffer missing")
	}
	buf.Insert(5, []byte("x"), time.Now())
	p.ConnBuffer().Insert(100, []byte("y"), time.Now())

	st := p.GetReorderStatus()
	if st.PerPathPending[1] != 1 {
		t.Fatalf("per-path pending: got %d, want 1", st.PerPathPending[1])
	}
	if st.ConnPending != 1 {
		t.Fatalf("conn pending: got %d, want 1", st.ConnPending)
	}
	if st.ConnNextOffset != 0 {
		t.Fatalf("conn next offset: got %d, want 0", st.ConnNextOffset)
	}
}
