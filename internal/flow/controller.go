// Package flow implements window-based flow control and RTT estimation
// for stream endpoints: congestion window management, loss signals,
// retransmit eligibility, and Karn-compliant RTT sampling.
package flow

// -------------------------------------------------------------------------
// Controller Constants
// -------------------------------------------------------------------------

const (
	// defaultInitialWindow is the initial congestion window in segments.
	defaultInitialWindow = 32

	// minWindow is the congestion window floor. The window never drops
	// below one outstanding segment so progress is always possible.
	minWindow = 1

	// dupAckThreshold is the duplicate-ack count that triggers fast
	// retransmit eligibility.
	dupAckThreshold = 3
)

// -------------------------------------------------------------------------
// Controller
// -------------------------------------------------------------------------

// Controller manages the congestion window for a single endpoint.
//
// Growth follows the classic slow-start / congestion-avoidance split:
// below ssthresh the window grows one segment per ack; above it, one
// segment per window's worth of acks. Loss halves the window and
// ssthresh; a retransmission timeout collapses the window to the floor.
//
// The controller is not safe for concurrent use. It is owned by the
// endpoint goroutine, like every other piece of per-endpoint state.
type Controller struct {
	cwnd      int
	ssthresh  int
	maxWindow int

	// avoidanceAcks counts acks during congestion avoidance toward the
	// next single-segment window increase.
	avoidanceAcks int

	// dupAcks counts consecutive duplicate acks for the current
	// lowest-outstanding sequence.
	dupAcks    int
	dupAckSeq  uint64
	lossEvents uint64
	acked      uint64
}

// NewController creates a flow controller with the given initial and
// maximum window sizes (in segments). Non-positive arguments fall back
// to defaults: initial 32, max 4x initial.
func NewController(initialWindow, maxWindow int) *Controller {
	if initialWindow <= 0 {
		initialWindow = defaultInitialWindow
	}
	if maxWindow < initialWindow {
		maxWindow = initialWindow * 4
	}
	return &Controller{
		cwnd:      initialWindow,
		ssthresh:  maxWindow,
		maxWindow: maxWindow,
	}
}

// Window returns the current congestion window in segments.
func (c *Controller) Window() int { return c.cwnd }

// CanSend reports whether a new segment may be sent with the given
// number of outstanding (sent, unacked) segments.
func (c *Controller) CanSend(outstanding int) bool {
	return outstanding < c.cwnd
}

// OnAck records a cumulative or selective ack for seq and grows the
// window. Duplicate-ack state for fast retransmit is reset when a new
// sequence is acknowledged.
func (c *Controller) OnAck(seq uint64) {
	c.acked++
	if seq != c.dupAckSeq {
		c.dupAcks = 0
		c.dupAckSeq = seq
	}

	if c.cwnd < c.ssthresh {
		// Slow start: one segment per ack.
		c.cwnd++
	} else {
		// Congestion avoidance: one segment per full window of acks.
		c.avoidanceAcks++
		if c.avoidanceAcks >= c.cwnd {
			c.avoidanceAcks = 0
			c.cwnd++
		}
	}
	if c.cwnd > c.maxWindow {
		c.cwnd = c.maxWindow
	}
}

// OnDuplicateAck records an ack for an already-acknowledged sequence.
// Returns true when the duplicate count for seq reaches the fast
// retransmit threshold.
func (c *Controller) OnDuplicateAck(seq uint64) bool {
	if seq != c.dupAckSeq {
		c.dupAckSeq = seq
		c.dupAcks = 0
	}
	c.dupAcks++
	return c.dupAcks >= dupAckThreshold
}

// OnLoss signals a loss indication (duplicate acks, path feedback).
// The window and ssthresh are halved, floored at the minimum.
func (c *Controller) OnLoss() {
	c.lossEvents++
	c.ssthresh = max(c.cwnd/2, minWindow)
	c.cwnd = c.ssthresh
	c.avoidanceAcks = 0
}

// OnTimeout signals a retransmission timeout. The window collapses to
// the floor and slow start restarts from half the previous window.
func (c *Controller) OnTimeout() {
	c.lossEvents++
	c.ssthresh = max(c.cwnd/2, minWindow)
	c.cwnd = minWindow
	c.avoidanceAcks = 0
}

// ShouldRetransmit reports whether the segment at seq, already resent
// retries times, is eligible for a duplicate-ack-driven fast
// retransmit. Only the segment currently tracked by the duplicate-ack
// counter qualifies, and only once per threshold crossing.
func (c *Controller) ShouldRetransmit(seq uint64, retries uint32) bool {
	if retries > 0 {
		// Already retransmitted; leave further recovery to the RTO.
		return false
	}
	return seq == c.dupAckSeq && c.dupAcks >= dupAckThreshold
}

// Stats returns cumulative ack and loss counters.
func (c *Controller) Stats() (acked, lossEvents uint64) {
	return c.acked, c.lossEvents
}
