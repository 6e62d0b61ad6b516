package tcp

import "github.com/northlake-systems/pebbletcp/clock"

// RFC 6298 constants. Alpha/beta are expressed as the shift amounts used in
// the Jacobson/Karels fixed-point update (alpha=1/8, beta=1/4).
const (
	rttAlphaShift = 3
	rttBetaShift  = 2

	// minRTO and maxRTO bound the computed retransmission timeout.
	minRTO = clock.Tick(250)    // 250ms floor.
	maxRTO = clock.Tick(60_000) // 60s ceiling.

	// rtoInitial is used before the first RTT sample is taken.
	rtoInitial = clock.Tick(1000)

	// clockGranularity is added to RTO per RFC 6298 (K*RTTVAR term already
	// covers variance; this covers timer granularity).
	clockGranularity = clock.Tick(1)
)

// rttEstimator implements the Jacobson/Karels RTT and RTO estimation
// algorithm from RFC 6298. It tracks at most one in-flight sample at a time
// (Karn's algorithm): a new sample is only started once the previous one has
// been acked, and any segment that had to be retransmitted is never used as
// a sample, since its ack cannot be attributed unambiguously to the original
// or the retransmitted copy.
type rttEstimator struct {
	srtt   clock.Tick
	rttvar clock.Tick
	rto    clock.Tick

	have bool // true once the first sample has landed.

	// sampling tracks the one in-flight RTT measurement.
	sampling   bool
	sampleSeq  Value     // sequence number of the first byte of the sampled segment.
	sampleTime clock.Tick // tick at which the sampled segment was sent.
	backedOff  bool       // true if the sampled segment has since been retransmitted.
}

// Reset clears the estimator back to its initial, pre-handshake state.
func (r *rttEstimator) Reset() {
	*r = rttEstimator{rto: rtoInitial}
}

// RTO returns the current retransmission timeout. Before any sample has
// been taken this is the RFC 6298-mandated initial value of 1 second.
func (r *rttEstimator) RTO() clock.Tick {
	if r.rto == 0 {
		return rtoInitial
	}
	return r.rto
}

// StartSample begins timing a freshly-sent segment starting at seq, unless a
// sample is already in flight. Call this once per new (non-retransmitted)
// segment sent.
func (r *rttEstimator) StartSample(seq Value, now clock.Tick) {
	if r.sampling {
		return
	}
	r.sampling = true
	r.backedOff = false
	r.sampleSeq = seq
	r.sampleTime = now
}

// MarkRetransmit invalidates the in-flight sample if it covers seq, per
// Karn's algorithm: a retransmitted segment's ack is ambiguous and must not
// be used to update the RTT estimate.
func (r *rttEstimator) MarkRetransmit(seq Value) {
	if r.sampling && seq == r.sampleSeq {
		r.backedOff = true
	}
}

// Ack reports that ack has advanced snd.UNA past seq, completing the
// in-flight sample if it was for this segment. Updates the smoothed RTT and
// RTO per RFC 6298 section 2.
func (r *rttEstimator) Ack(ack Value, now clock.Tick) {
	if !r.sampling || ack.LessThanEq(r.sampleSeq) {
		return
	}
	defer func() { r.sampling = false }()
	if r.backedOff {
		return // Karn's algorithm: discard ambiguous sample.
	}
	measured := now.Sub(r.sampleTime)
	if measured == 0 {
		measured = 1
	}
	if !r.have {
		r.have = true
		r.srtt = measured
		r.rttvar = measured / 2
	} else {
		delta := r.srtt.Sub(measured)
		if measured > r.srtt {
			delta = measured.Sub(r.srtt)
		}
		r.rttvar = r.rttvar - r.rttvar>>rttBetaShift + delta>>rttBetaShift
		r.srtt = r.srtt - r.srtt>>rttAlphaShift + measured>>rttAlphaShift
	}
	rto := r.srtt + max(clockGranularity, 4*r.rttvar)
	if rto < minRTO {
		rto = minRTO
	} else if rto > maxRTO {
		rto = maxRTO
	}
	r.rto = rto
}

// Backoff doubles the RTO after a retransmission timeout fires, per RFC
// 6298 section 5.5 (exponential backoff), capped at maxRTO.
func (r *rttEstimator) Backoff() {
	rto := r.rto * 2
	if rto > maxRTO || rto < r.rto {
		rto = maxRTO
	}
	r.rto = rto
}

func max(a, b clock.Tick) clock.Tick {
	if a > b {
		return a
	}
	return b
}
