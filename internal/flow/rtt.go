package flow

import "time"

// -------------------------------------------------------------------------
// RTT Estimator Constants
// -------------------------------------------------------------------------

const (
	// rttAlpha is the srtt smoothing gain (1/8, Jacobson/Karels).
	rttAlpha = 0.125

	// rttBeta is the rttvar smoothing gain (1/4).
	rttBeta = 0.25

	// rtoVarFactor multiplies rttvar in the RTO computation.
	rtoVarFactor = 4

	// DefaultMinRTO is the default retransmission timeout floor.
	DefaultMinRTO = 100 * time.Millisecond

	// maxRTO caps the exponential timeout backoff.
	maxRTO = 60 * time.Second
)

// -------------------------------------------------------------------------
// RTTEstimator
// -------------------------------------------------------------------------

// RTTEstimator maintains smoothed round-trip statistics and the
// retransmission timeout.
//
// Samples from retransmitted segments must not be fed in (Karn's
// algorithm); the endpoint enforces that by only sampling segments
// with zero retries. A timeout doubles the RTO up to the cap; the
// next valid sample recomputes it from srtt and rttvar.
type RTTEstimator struct {
	srtt    time.Duration
	rttvar  time.Duration
	minRTT  time.Duration
	maxRTT  time.Duration
	rto     time.Duration
	minRTO  time.Duration
	samples uint64
}

// NewRTTEstimator creates an estimator with the given initial RTO and
// RTO floor. Non-positive values fall back to defaults (initial RTO
// 250 ms, floor DefaultMinRTO).
func NewRTTEstimator(initialRTO, minRTO time.Duration) *RTTEstimator {
	if minRTO <= 0 {
		minRTO = DefaultMinRTO
	}
	if initialRTO <= 0 {
		initialRTO = 250 * time.Millisecond
	}
	if initialRTO < minRTO {
		initialRTO = minRTO
	}
	return &RTTEstimator{rto: initialRTO, minRTO: minRTO}
}

// OnSample feeds one round-trip sample from a non-retransmitted
// segment and recomputes the RTO.
func (r *RTTEstimator) OnSample(sample time.Duration) {
	if sample <= 0 {
		return
	}

	if r.samples == 0 {
		r.srtt = sample
		r.rttvar = sample / 2
		r.minRTT = sample
		r.maxRTT = sample
	} else {
		diff := r.srtt - sample
		if diff < 0 {
			diff = -diff
		}
		r.rttvar = time.Duration((1-rttBeta)*float64(r.rttvar) + rttBeta*float64(diff))
		r.srtt = time.Duration((1-rttAlpha)*float64(r.srtt) + rttAlpha*float64(sample))
		if sample < r.minRTT {
			r.minRTT = sample
		}
		if sample > r.maxRTT {
			r.maxRTT = sample
		}
	}
	r.samples++

	rto := r.srtt + rtoVarFactor*r.rttvar
	if rto < r.minRTO {
		rto = r.minRTO
	}
	if rto > maxRTO {
		rto = maxRTO
	}
	r.rto = rto
}

// OnTimeout doubles the RTO (exponential backoff), capped at the
// maximum. Called when the retransmission timer fires.
func (r *RTTEstimator) OnTimeout() {
	r.rto *= 2
	if r.rto > maxRTO {
		r.rto = maxRTO
	}
}

// RTO returns the current retransmission timeout.
func (r *RTTEstimator) RTO() time.Duration { return r.rto }

// SRTT returns the smoothed round-trip time. Zero before any sample.
func (r *RTTEstimator) SRTT() time.Duration { return r.srtt }

// RTTVar returns the round-trip variance estimate.
func (r *RTTEstimator) RTTVar() time.Duration { return r.rttvar }

// MinRTT returns the smallest observed round-trip time.
func (r *RTTEstimator) MinRTT() time.Duration { return r.minRTT }

// MaxRTT returns the largest observed round-trip time.
func (r *RTTEstimator) MaxRTT() time.Duration { return r.maxRTT }

// Samples returns the number of valid samples observed.
func (r *RTTEstimator) Samples() uint64 { return r.samples }
