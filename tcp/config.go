package tcp

import "github.com/northlake-systems/pebbletcp/clock"

// MaxWindow is the largest window either sequence space may span. Windows
// are bounded well below the 2**31 wraparound horizon so that modular
// comparisons stay unambiguous even with window scaling in play.
const MaxWindow = Size(0x3fffffff)

const (
	// maxAckBefore bounds how far below SND.UNA an ACK may fall and still be
	// processed rather than ignored outright (RFC 5961 section 5).
	maxAckBefore = Size(0xffff)
	// fastRtxDupAcks is the duplicate-ACK count that triggers a fast
	// retransmit (RFC 5681 section 3.2).
	fastRtxDupAcks = 3
	// maxAdditionalDupAcks caps congestion-window inflation during fast
	// recovery: duplicate ACKs past fastRtxDupAcks+maxAdditionalDupAcks no
	// longer grow cwnd, bounding the damage of an ACK-splitting peer.
	maxAdditionalDupAcks = 32
)

// Config carries the engine's protocol tunables as a plain record passed at
// construction. The zero value is usable: every accessor falls back to the
// default from the table below, so callers only set the fields they care
// about.
type Config struct {
	// WndAnnThreshold is the minimum number of newly-freed receive-buffer
	// bytes that must accumulate before a grown receive window is announced
	// to the peer, coalescing window updates on a draining ring.
	WndAnnThreshold Size
	// MinAbandonRcvWndIncr replaces WndAnnThreshold once the local side is
	// closing and no longer reading: only large window jumps are worth
	// announcing to a peer we are winding down with.
	MinAbandonRcvWndIncr Size
	// RcvWndShift is the window-scale factor offered in our SYN/SYN-ACK,
	// applied only when the peer offers scaling too. Bounded to 14 per
	// RFC 7323.
	RcvWndShift uint8

	// SynRcvdTimeout bounds how long a passively-opened connection may sit
	// in SYN-RECEIVED before being aborted.
	SynRcvdTimeout clock.Tick
	// SynSentTimeout bounds how long an active open may wait for the
	// SYN-ACK before failing with a connection timeout.
	SynSentTimeout clock.Tick
	// TimeWaitTime is the 2MSL quarantine before a closed connection's
	// resources are released.
	TimeWaitTime clock.Tick
	// AbandonedTimeout bounds how long a closing connection may sit without
	// progress in FIN-WAIT-1, CLOSING or LAST-ACK before being aborted.
	AbandonedTimeout clock.Tick
	// OutputRetryFull is the delay before retrying transmission after the
	// IP layer reported its buffers full.
	OutputRetryFull clock.Tick
	// OutputRetryOther is the delay before retrying transmission after any
	// other IP-layer send failure.
	OutputRetryOther clock.Tick
}

// DefaultConfig returns the stock tunables.
func DefaultConfig() Config {
	return Config{
		WndAnnThreshold:      2700,
		MinAbandonRcvWndIncr: 65535,
		RcvWndShift:          6,
		SynRcvdTimeout:       20 * clock.TicksPerSecond,
		SynSentTimeout:       30 * clock.TicksPerSecond,
		TimeWaitTime:         120 * clock.TicksPerSecond,
		AbandonedTimeout:     30 * clock.TicksPerSecond,
		OutputRetryFull:      clock.TicksPerSecond / 10,
		OutputRetryOther:     2 * clock.TicksPerSecond,
	}
}

// withDefaults fills every zero field from DefaultConfig and clamps
// RcvWndShift to the RFC 7323 maximum of 14.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.WndAnnThreshold == 0 {
		c.WndAnnThreshold = def.WndAnnThreshold
	}
	if c.MinAbandonRcvWndIncr == 0 {
		c.MinAbandonRcvWndIncr = def.MinAbandonRcvWndIncr
	}
	if c.RcvWndShift == 0 {
		c.RcvWndShift = def.RcvWndShift
	} else if c.RcvWndShift > 14 {
		c.RcvWndShift = 14
	}
	if c.SynRcvdTimeout == 0 {
		c.SynRcvdTimeout = def.SynRcvdTimeout
	}
	if c.SynSentTimeout == 0 {
		c.SynSentTimeout = def.SynSentTimeout
	}
	if c.TimeWaitTime == 0 {
		c.TimeWaitTime = def.TimeWaitTime
	}
	if c.AbandonedTimeout == 0 {
		c.AbandonedTimeout = def.AbandonedTimeout
	}
	if c.OutputRetryFull == 0 {
		c.OutputRetryFull = def.OutputRetryFull
	}
	if c.OutputRetryOther == 0 {
		c.OutputRetryOther = def.OutputRetryOther
	}
	return c
}
