// Package nyxmetrics holds the Prometheus instrumentation for the
// nyxd daemon: session and connection gauges, frame and byte
// counters, mix batch and cover-traffic counters, and latency
// histograms. Components report through the Reporter interface; a
// no-op implementation keeps metrics strictly optional.
package nyxmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "nyx"
	subsystem = "core"
)

// Label names.
const (
	labelDirection = "direction"
	labelFrameType = "frame_type"
	labelPathID    = "path_id"
	labelSeverity  = "severity"
	labelCategory  = "category"
)

// -------------------------------------------------------------------------
// Reporter
// -------------------------------------------------------------------------

// Reporter is the thin metrics interface the core emits through.
// Collector implements it over Prometheus; Noop discards.
type Reporter interface {
	SessionOpened()
	SessionClosed()
	ConnectionOpened()
	ConnectionClosed()
	FrameSent(frameType string, pathID uint8, bytes int)
	FrameReceived(frameType string, pathID uint8, bytes int)
	FrameDropped(reason string)
	RTTSample(pathID uint8, rtt time.Duration)
	Retransmission(pathID uint8)
	RekeyPerformed()
	BatchReleased(packets int, held time.Duration)
	CoverPacket()
	ErrorRecorded(severity, category string)
}

// Noop discards every report.
type Noop struct{}

// SessionOpened implements Reporter.
func (Noop) SessionOpened() {}

// SessionClosed implements Reporter.
func (Noop) SessionClosed() {}

// ConnectionOpened implements Reporter.
func (Noop) ConnectionOpened() {}

// ConnectionClosed implements Reporter.
func (Noop) ConnectionClosed() {}

// FrameSent implements Reporter.
func (Noop) FrameSent(string, uint8, int) {}

// FrameReceived implements Reporter.
func (Noop) FrameReceived(string, uint8, int) {}

// FrameDropped implements Reporter.
func (Noop) FrameDropped(string) {}

// RTTSample implements Reporter.
func (Noop) RTTSample(uint8, time.Duration) {}

// Retransmission implements Reporter.
func (Noop) Retransmission(uint8) {}

// RekeyPerformed implements Reporter.
func (Noop) RekeyPerformed() {}

// BatchReleased implements Reporter.
func (Noop) BatchReleased(int, time.Duration) {}

// CoverPacket implements Reporter.
func (Noop) CoverPacket() {}

// ErrorRecorded implements Reporter.
func (Noop) ErrorRecorded(string, string) {}

// -------------------------------------------------------------------------
// Collector
// -------------------------------------------------------------------------

// Collector holds all nyxd Prometheus metrics.
type Collector struct {
	// Sessions gauges currently open handshake-level sessions.
	Sessions prometheus.Gauge

	// Connections gauges currently open connections.
	Connections prometheus.Gauge

	// FramesSent counts frames transmitted, by type and path.
	FramesSent *prometheus.CounterVec

	// FramesReceived counts frames received, by type and path.
	FramesReceived *prometheus.CounterVec

	// FramesDropped counts frames dropped, by reason.
	FramesDropped *prometheus.CounterVec

	// Bytes counts payload volume by direction ("tx", "rx").
	Bytes *prometheus.CounterVec

	// RTT observes per-path round-trip samples.
	RTT *prometheus.HistogramVec

	// Retransmissions counts per-path retransmitted frames.
	Retransmissions *prometheus.CounterVec

	// Rekeys counts completed session rekeys.
	Rekeys prometheus.Counter

	// BatchesReleased counts released mix batches.
	BatchesReleased prometheus.Counter

	// BatchHold observes ready-to-release hold times.
	BatchHold prometheus.Histogram

	// CoverPackets counts injected cover packets.
	CoverPackets prometheus.Counter

	// Errors counts recorded errors by severity and category.
	Errors *prometheus.CounterVec
}

// NewCollector creates a Collector with all metrics registered against
// the provided registerer. If reg is nil, the default registerer is
// used. All metrics carry the "nyx_core_" prefix.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Sessions,
		c.Connections,
		c.FramesSent,
		c.FramesReceived,
		c.FramesDropped,
		c.Bytes,
		c.RTT,
		c.Retransmissions,
		c.Rekeys,
		c.BatchesReleased,
		c.BatchHold,
		c.CoverPackets,
		c.Errors,
	)

	return c
}

// newMetrics creates all metric vectors without registering them.
func newMetrics() *Collector {
	frameLabels := []string{labelFrameType, labelPathID}
	pathLabels := []string{labelPathID}

	return &Collector{
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "sessions",
			Help: "Number of currently open sessions.",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "connections",
			Help: "Number of currently open connections.",
		}),
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "frames_sent_total",
			Help: "Total frames transmitted.",
		}, frameLabels),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "frames_received_total",
			Help: "Total frames received.",
		}, frameLabels),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "frames_dropped_total",
			Help: "Total frames dropped by reason.",
		}, []string{"reason"}),
		Bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "bytes_total",
			Help: "Total payload bytes by direction.",
		}, []string{labelDirection}),
		RTT: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name:    "rtt_seconds",
			Help:    "Per-path round-trip time samples.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}, pathLabels),
		Retransmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "retransmissions_total",
			Help: "Total retransmitted frames per path.",
		}, pathLabels),
		Rekeys: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "rekeys_total",
			Help: "Total completed session rekeys.",
		}),
		BatchesReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "mix_batches_released_total",
			Help: "Total released mix batches.",
		}),
		BatchHold: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name:    "mix_batch_hold_seconds",
			Help:    "Hold time between batch-ready and batch-release.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		}),
		CoverPackets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "cover_packets_total",
			Help: "Total injected cover packets.",
		}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "errors_total",
			Help: "Total recorded errors by severity and category.",
		}, []string{labelSeverity, labelCategory}),
	}
}

// -------------------------------------------------------------------------
// Reporter Implementation
// -------------------------------------------------------------------------

// SessionOpened increments the session gauge.
func (c *Collector) SessionOpened() { c.Sessions.Inc() }

// SessionClosed decrements the session gauge.
func (c *Collector) SessionClosed() { c.Sessions.Dec() }

// ConnectionOpened increments the connection gauge.
func (c *Collector) ConnectionOpened() { c.Connections.Inc() }

// ConnectionClosed decrements the connection gauge.
func (c *Collector) ConnectionClosed() { c.Connections.Dec() }

// FrameSent counts one transmitted frame and its payload bytes.
func (c *Collector) FrameSent(frameType string, pathID uint8, bytes int) {
	c.FramesSent.WithLabelValues(frameType, pathLabel(pathID)).Inc()
	c.Bytes.WithLabelValues("tx").Add(float64(bytes))
}

// FrameReceived counts one received frame and its payload bytes.
func (c *Collector) FrameReceived(frameType string, pathID uint8, bytes int) {
	c.FramesReceived.WithLabelValues(frameType, pathLabel(pathID)).Inc()
	c.Bytes.WithLabelValues("rx").Add(float64(bytes))
}

// FrameDropped counts one dropped frame.
func (c *Collector) FrameDropped(reason string) {
	c.FramesDropped.WithLabelValues(reason).Inc()
}

// RTTSample observes one per-path round-trip sample.
func (c *Collector) RTTSample(pathID uint8, rtt time.Duration) {
	c.RTT.WithLabelValues(pathLabel(pathID)).Observe(rtt.Seconds())
}

// Retransmission counts one retransmitted frame.
func (c *Collector) Retransmission(pathID uint8) {
	c.Retransmissions.WithLabelValues(pathLabel(pathID)).Inc()
}

// RekeyPerformed counts one completed rekey.
func (c *Collector) RekeyPerformed() { c.Rekeys.Inc() }

// BatchReleased counts one released batch and observes its hold time.
func (c *Collector) BatchReleased(packets int, held time.Duration) {
	c.BatchesReleased.Inc()
	c.BatchHold.Observe(held.Seconds())
}

// CoverPacket counts one injected cover packet.
func (c *Collector) CoverPacket() { c.CoverPackets.Inc() }

// ErrorRecorded counts one recorded error.
func (c *Collector) ErrorRecorded(severity, category string) {
	c.Errors.WithLabelValues(severity, category).Inc()
}

// pathLabel renders a path id label value.
func pathLabel(pathID uint8) string {
	// Path ids are single bytes; a tiny lookup avoids strconv on the
	// hot path for the common low ids.
	const digits = "0123456789"
	if pathID < 10 {
		return digits[pathID : pathID+1]
	}
	if pathID < 100 {
		return string([]byte{digits[pathID/10], digits[pathID%10]})
	}
	return string([]byte{digits[pathID/100], digits[pathID/10%10], digits[pathID%10]})
}
