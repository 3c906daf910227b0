package nyxmetrics_test

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	nyxmetrics "github.com/seleniaproject/nyxd/internal/metrics"
)

func newCollector(t *testing.T) (*nyxmetrics.Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return nyxmetrics.NewCollector(reg), reg
}

func TestSessionConnectionGauges(t *testing.T) {
	t.Parallel()

	c, _ := newCollector(t)

	c.SessionOpened()
	c.SessionOpened()
	c.SessionClosed()
	if got := testutil.ToFloat64(c.Sessions); got != 1 {
		t.Fatalf("sessions gauge: got %f, want 1", got)
	}

	c.ConnectionOpened()
	if got := testutil.ToFloat64(c.Connections); got != 1 {
		t.Fatalf("connections gauge: got %f, want 1", got)
	}
	c.ConnectionClosed()
	if got := testutil.ToFloat64(c.Connections); got != 0 {
		t.Fatalf("connections gauge after close: got %f, want 0", got)
	}
}

func TestFrameCounters(t *testing.T) {
	t.Parallel()

	c, _ := newCollector(t)

	c.FrameSent("Data", 0, 100)
	c.FrameSent("Data", 0, 50)
	c.FrameSent("Ack", 1, 0)
	c.FrameReceived("Data", 0, 100)
	c.FrameDropped("decode")

	if got := testutil.ToFloat64(c.FramesSent.WithLabelValues("Data", "0")); got != 2 {
		t.Fatalf("data frames sent: got %f, want 2", got)
	}
	if got := testutil.ToFloat64(c.FramesSent.WithLabelValues("Ack", "1")); got != 1 {
		t.Fatalf("ack frames sent: got %f, want 1", got)
	}
	if got := testutil.ToFloat64(c.Bytes.WithLabelValues("tx")); got != 150 {
		t.Fatalf("tx bytes: got %f, want 150", got)
	}
	if got := testutil.ToFloat64(c.Bytes.WithLabelValues("rx")); got != 100 {
		t.Fatalf("rx bytes: got %f, want 100", got)
	}
	if got := testutil.ToFloat64(c.FramesDropped.WithLabelValues("decode")); got != 1 {
		t.Fatalf("dropped: got %f, want 1", got)
	}
}

func TestMixAndErrorCounters(t *testing.T) {
	t.Parallel()

	c, _ := newCollector(t)

	c.BatchReleased(10, 150*time.Millisecond)
	c.CoverPacket()
	c.CoverPacket()
	c.RekeyPerformed()
	c.ErrorRecorded("High", "Protocol")

	if got := testutil.ToFloat64(c.BatchesReleased); got != 1 {
		t.Fatalf("batches: got %f", got)
	}
	if got := testutil.ToFloat64(c.CoverPackets); got != 2 {
		t.Fatalf("cover packets: got %f", got)
	}
	if got := testutil.ToFloat64(c.Rekeys); got != 1 {
		t.Fatalf("rekeys: got %f", got)
	}
	if got := testutil.ToFloat64(c.Errors.WithLabelValues("High", "Protocol")); got != 1 {
		t.Fatalf("errors: got %f", got)
	}
}

func TestExpositionNames(t *testing.T) {
	t.Parallel()

	c, reg := newCollector(t)
	c.FrameSent("Data", 0, 10)
	c.RTTSample(0, 20*time.Millisecond)
	c.Retransmission(2)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	want := map[string]bool{
		"nyx_core_frames_sent_total":     false,
		"nyx_core_rtt_seconds":           false,
		"nyx_core_retransmissions_total": false,
	}
	for _, f := range families {
		if _, ok := want[f.GetName()]; ok {
			want[f.GetName()] = true
		}
		if !strings.HasPrefix(f.GetName(), "nyx_core_") {
			t.Errorf("metric %q missing nyx_core_ prefix", f.GetName())
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("metric %q not exposed", name)
		}
	}
}

func TestNoopReporter(t *testing.T) {
	t.Parallel()

	// The no-op reporter must absorb every call without side effects.
	var r nyxmetrics.Reporter = nyxmetrics.Noop{}
	r.SessionOpened()
	r.SessionClosed()
	r.ConnectionOpened()
	r.ConnectionClosed()
	r.FrameSent("Data", 0, 1)
	r.FrameReceived("Data", 0, 1)
	r.FrameDropped("x")
	r.RTTSample(0, time.Millisecond)
	r.Retransmission(0)
	r.RekeyPerformed()
	r.BatchReleased(1, time.Millisecond)
	r.CoverPacket()
	r.ErrorRecorded("Low", "Network")
}
