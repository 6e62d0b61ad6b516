package tcp

// RFC 5681 congestion control. cwnd and ssthresh are expressed in bytes
// (not segments), following the "don't exceed IW/SMSS segments" convention
// of RFC 5681 section 3.1 translated directly into byte counts since this
// engine works with Size/Value throughout rather than segment counts.
type congestionState struct {
	cwnd       Size
	cwndAcked  Size // accumulated bytes acked since cwnd last grew, congestion-avoidance phase only.
	ssthresh   Size
	dupAcks    uint8
	recover    Value // snd.NXT at the time fast retransmit was triggered, RFC 6582-style.
	recovering bool
	smss       Size
}

// defaultSSThresh is used until a packet loss narrows the estimate; RFC 5681
// allows an arbitrarily high initial value since ssthresh only matters once
// a loss has been observed.
const defaultSSThresh = Size(1 << 30)

// initialWindow returns the RFC 5681 section 3.1 tiered initial congestion
// window: 4*SMSS when SMSS<=1095, 3*SMSS when SMSS<=2190, otherwise 2*SMSS.
func initialWindow(smss Size) Size {
	switch {
	case smss <= 1095:
		return 4 * smss
	case smss <= 2190:
		return 3 * smss
	default:
		return 2 * smss
	}
}

// Reset reinitializes congestion state for a new connection with the given
// sender maximum segment size, entering slow start with the tiered initial window.
func (cc *congestionState) Reset(smss Size) {
	if smss == 0 {
		smss = 536
	}
	*cc = congestionState{
		cwnd:     initialWindow(smss),
		ssthresh: defaultSSThresh,
		smss:     smss,
	}
}

// RestartAfterIdle resets cwnd to the initial window after a send pause of
// at least one RTO, per RFC 5681 section 4.1: the network's congestion
// state learned before the idle period is stale. ssthresh is retained.
func (cc *congestionState) RestartAfterIdle() {
	cc.cwnd = initialWindow(cc.smss)
	cc.cwndAcked = 0
	cc.dupAcks = 0
	cc.recovering = false
}

// inSlowStart reports whether the connection is in slow start (cwnd <=
// ssthresh) as opposed to congestion avoidance.
func (cc *congestionState) inSlowStart() bool { return cc.cwnd <= cc.ssthresh }

// OnAck updates cwnd for ackedBytes of newly-acknowledged data that advanced
// snd.UNA to ack, and clears duplicate-ack bookkeeping for a non-duplicate
// ack. If the connection was in fast recovery and ack now covers Recover,
// recovery exits and cwnd deflates back to ssthresh. Call once per call to
// [ControlBlock.Recv] that observed snd.UNA advance.
func (cc *congestionState) OnAck(ack Value, ackedBytes Size) {
	cc.dupAcks = 0
	if cc.recovering && !ack.LessThan(cc.recover) {
		cc.recovering = false
		cc.cwnd = cc.ssthresh
		cc.cwndAcked = 0
	}
	if ackedBytes == 0 {
		return
	}
	if cc.inSlowStart() {
		cc.cwnd += min2(ackedBytes, cc.smss) // At most SMSS growth per ACK.
		return
	}
	// Congestion avoidance: accumulate acked bytes and grow cwnd by one SMSS
	// once the accumulator reaches a full cwnd's worth.
	cc.cwndAcked += ackedBytes
	if cc.cwndAcked >= cc.cwnd {
		cc.cwndAcked -= cc.cwnd
		cc.cwnd += cc.smss
	}
}

// OnDupAck records a duplicate ACK. Once fastRtxDupAcks duplicate ACKs have
// accumulated for the same unacked sequence it reports that a fast
// retransmit should occur.
func (cc *congestionState) OnDupAck(sndNxt Value) (fastRetransmit bool) {
	if cc.dupAcks < 255 {
		cc.dupAcks++
	}
	if cc.dupAcks == fastRtxDupAcks && !cc.recovering {
		cc.ssthresh = max2(cc.cwnd/2, 2*cc.smss)
		cc.cwnd = cc.ssthresh + fastRtxDupAcks*cc.smss // RFC 5681 section 3.2 step 2.
		cc.cwndAcked = 0
		cc.recover = sndNxt
		cc.recovering = true
		return true
	}
	if cc.recovering && cc.dupAcks <= fastRtxDupAcks+maxAdditionalDupAcks {
		cc.cwnd += cc.smss // Fast recovery inflation, RFC 5681 section 3.2 step 3.
	}
	return false
}

// OnRTOExpire reacts to a retransmission timeout firing: ssthresh drops to
// half the flight size and cwnd collapses to one segment, per RFC 5681
// section 3.1.
func (cc *congestionState) OnRTOExpire(flightSize Size) {
	cc.ssthresh = max2(flightSize/2, 2*cc.smss)
	cc.cwnd = cc.smss
	cc.cwndAcked = 0
	cc.dupAcks = 0
	cc.recovering = false
}

// CanSend returns the number of additional bytes permitted by the
// congestion window, given bytesInFlight bytes already outstanding.
func (cc *congestionState) CanSend(bytesInFlight Size) Size {
	if bytesInFlight >= cc.cwnd {
		return 0
	}
	return cc.cwnd - bytesInFlight
}

func min2(a, b Size) Size {
	if a < b {
		return a
	}
	return b
}

func max2(a, b Size) Size {
	if a > b {
		return a
	}
	return b
}
