package tcp

import (
	"errors"
	"io"
	"net"

	"log/slog"

	"github.com/northlake-systems/pebbletcp"
	"github.com/northlake-systems/pebbletcp/clock"
	"github.com/northlake-systems/pebbletcp/internal"
)

var (
	errMismatchedSrcPort = errors.New("source port mismatch")
	errMismatchedDstPort = errors.New("destination port mismatch")
)

const (
	// defaultIfaceMSS bounds the sender MSS when no smaller figure is
	// available from either a peer MSS option or a PMTU estimate: a 1500
	// byte Ethernet MTU minus 20 bytes of IPv4 header and 20 of TCP header.
	defaultIfaceMSS = Size(1460)
	// ipv4HeaderSize is the fixed (no-options) IPv4 header length assumed
	// when deriving a sender MSS from a path MTU estimate.
	ipv4HeaderSize = Size(20)
	// MinAllowedMss is the smallest sender MSS this engine will negotiate
	// or clamp down to: the smallest MTU every conforming IPv4 host must
	// support (68 octets, RFC 791) minus IP and TCP headers.
	MinAllowedMss = Size(68) - ipv4HeaderSize - Size(sizeHeaderTCP)
)

// Handler is a low level TCP handling data structure. It implements logic
// related to data buffering, frame sequencing and connection state handling.
// Does NOT implement IP related logic, so no CRC calculation/validation or pseudo header logic.
// Does NOT implement connection lifetime handling (handshake and TIME-WAIT timeouts are run by [Connection]);
// its only timer is the retransmission timeout with exponential backoff, checked by [Handler.CheckRTO].
//
// See [Connection] for a higher level abstraction of a TCP connection, and see [ControlBlock] for the lower level bits of a TCP connection.
type Handler struct {
	connid uint64
	scb    ControlBlock
	bufTx  ringTx
	bufRx  internal.Ring
	logger
	validator  pebbletcp.Validator
	localPort  uint16
	remotePort uint16
	// connid is a conenction counter that is incremented each time a new
	// connection is established via Open calls. This disambiguate's whether
	// Read and Write calls belong to the current connection.

	optcodec OptionCodec
	closing  bool

	rtt rttEstimator
	cc  congestionState
	clk clock.Source
	cfg Config

	// sndMSS is the negotiated sender maximum segment size, computed from
	// the peer's MSS option (capped by defaultIfaceMSS and any PMTU
	// estimate) once the handshake's SYN carrying it has been processed.
	// Zero before negotiation, in which case Send does not MSS-clamp.
	sndMSS Size
	// wndScaleEnabled records whether the peer's SYN/SYN-ACK also offered
	// the window-scale option, per the engine's own offer in Send.
	wndScaleEnabled bool
	// peerWndShift is the scale factor the peer asked us to apply to the
	// window field of its non-SYN segments, valid once wndScaleEnabled.
	peerWndShift uint8

	// rtxDeadline is the absolute tick at which the retransmission timer
	// fires; meaningful only while rtxArmed. Armed on every send of new
	// data, restarted on every ACK advancing snd.UNA, disarmed once all
	// outstanding data is acknowledged.
	rtxDeadline clock.Tick
	rtxArmed    bool

	// lastSendTick records when the last data segment left, for the RFC
	// 5681 section 4.1 idle-restart check.
	lastSendTick  clock.Tick
	lastSendValid bool

	// fastRetransmitPending latches true when cc.OnDupAck signals a fast
	// retransmit should occur; ConsumeFastRetransmit clears it on read.
	fastRetransmitPending bool
	// challengeAckSent latches true once Send has emitted the RFC 5961
	// challenge ACK queued by the control block; ConsumeChallengeAckSent
	// clears it on read.
	challengeAckSent bool
}

// ConsumeFastRetransmit reports whether a fast retransmit was signaled by
// the last Recv call and clears the flag, so repeated polling (e.g. by a
// caller reporting metrics) only observes each event once.
func (h *Handler) ConsumeFastRetransmit() bool {
	p := h.fastRetransmitPending
	h.fastRetransmitPending = false
	return p
}

// ConsumeChallengeAckSent reports whether the last Send call emitted a
// challenge ACK and clears the flag.
func (h *Handler) ConsumeChallengeAckSent() bool {
	p := h.challengeAckSent
	h.challengeAckSent = false
	return p
}

// SetClock installs the time source RTT sampling reads ticks from. A
// Handler with no clock set treats every sample as having happened at tick
// zero, which disables meaningful RTT/RTO estimation but still lets the
// rest of the engine function (e.g. in tests that don't care about timing).
func (h *Handler) SetClock(clk clock.Source) { h.clk = clk }

func (h *Handler) now() clock.Tick {
	if h.clk == nil {
		return 0
	}
	return h.clk.Now()
}

// NoteSent records that a new (non-retransmitted) data segment starting at
// seq left the handler at tick now, starting an RTT sample if none is
// already in flight. Callers that retransmit a segment should call
// NoteRetransmit instead of NoteSent for the repeated send.
func (h *Handler) NoteSent(seq Value, now clock.Tick) {
	h.rtt.StartSample(seq, now)
}

// NoteRetransmit marks the in-flight RTT sample covering seq as ambiguous,
// per Karn's algorithm, so a subsequent ack of it is not used to update the
// RTT estimate.
func (h *Handler) NoteRetransmit(seq Value) {
	h.rtt.MarkRetransmit(seq)
}

// NoteAcked processes a newly-advanced snd.UNA: it completes any in-flight
// RTT sample covering the acked range and feeds the acked byte count into
// congestion control.
func (h *Handler) NoteAcked(ack Value, ackedBytes Size, now clock.Tick) {
	h.rtt.Ack(ack, now)
	h.cc.OnAck(ack, ackedBytes)
}

// NoteRTOExpired reacts to the retransmission timer firing: it backs off
// the RTO exponentially, shrinks the congestion window per RFC 5681, and
// retransmits the outstanding data starting at SND.UNA.
func (h *Handler) NoteRTOExpired(flightSize Size) {
	h.rtt.Backoff()
	h.cc.OnRTOExpire(flightSize)
	h.Retransmit()
}

// Retransmit re-admits every sent-but-unacked byte as unsent data and
// rewinds SND.NXT back to SND.UNA, so the next Send call re-emits it as a
// fresh segment starting over from SND.UNA. Marks the in-flight RTT sample
// covering that data ambiguous per Karn's algorithm. Used by both the RTO
// timer and the fast retransmit trigger; a no-op if nothing is outstanding.
func (h *Handler) Retransmit() {
	una := h.scb.snd.UNA
	if h.scb.snd.NXT == una {
		return
	}
	h.bufTx.RequeueSent(una)
	h.scb.snd.NXT = una
	// Control octets (SYN during the handshake, FIN during teardown) live in
	// the pending-flags queue rather than the send ring and must be re-queued
	// explicitly. A FIN is only re-queued once no data remains ahead of it.
	switch h.scb.State() {
	case StateSynSent:
		h.scb.pending[0] |= FlagSYN
	case StateSynRcvd:
		h.scb.pending[0] |= synack
	case StateFinWait1, StateClosing, StateLastAck:
		if h.bufTx.Buffered() == 0 {
			h.scb.pending[0] |= finack
		}
	}
	h.NoteRetransmit(una)
	h.rtt.sampling = false
}

// RTO returns the current retransmission timeout estimate.
func (h *Handler) RTO() clock.Tick { return h.rtt.RTO() }

// CongestionWindow returns the number of additional bytes the congestion
// controller currently permits in flight, given bytesInFlight outstanding.
func (h *Handler) CongestionWindow(bytesInFlight Size) Size {
	return h.cc.CanSend(bytesInFlight)
}

func (h *Handler) SetLoggers(handler, scb *slog.Logger) {
	h.logger.log = handler
	h.scb.logger.log = scb
}

// ConnectionID returns the connection identifier which is incremented every time the connection is closed or open.
func (h *Handler) ConnectionID() *uint64 {
	return &h.connid
}

// State returns the state of the TCP state machine as per RFC9293. See [State].
func (h *Handler) State() State { return h.scb.State() }

// SetBuffers sets the internal buffers used to receive and transmit bytes asynchronously via [Handler.Write] and [Handler.Read] calls.
// If the argument buffer is nil then the respective currently set buffer will be reused.
func (h *Handler) SetBuffers(txbuf, rxbuf []byte, packets int) error {
	if h.bufRx.Buf == nil && (len(rxbuf) < minBufferSize || len(txbuf) < minBufferSize) {
		return errors.New("tcp: short buffer")
	}
	if !h.scb.State().IsClosed() {
		return errors.New("tcp.Handler must be closed before setting buffers")
	}
	if rxbuf != nil {
		h.bufRx.Buf = rxbuf
	}
	h.scb.SetRecvWindow(Size(h.bufRx.Size()))
	h.bufRx.Reset()
	return h.bufTx.ResetOrReuse(txbuf, packets, 0)
}

// LocalPort returns the local port of the connection. Returns 0 if the connection is closed and uninitialized.
func (h *Handler) LocalPort() uint16 {
	return h.localPort
}

// RemotePort returns the remote port of the connection if it is set.
// If the connection is passive and has not yet been established it will return 0.
func (h *Handler) RemotePort() uint16 {
	return h.remotePort
}

// OpenActive opens an "active" TCP connection to a known remote port. The caller holds knowledge of the IP address.
// OpenActive is used by TCP Clients to initiate a connection.
func (h *Handler) OpenActive(localPort, remotePort uint16, iss Value) error {
	if remotePort == 0 {
		return pebbletcp.ErrZeroDestination
	} else if h.bufRx.Size() < minBufferSize || h.bufTx.Size() < minBufferSize {
		return errBufferTooSmall
	} else if h.scb.State() != StateClosed && h.scb.State() != StateTimeWait {
		return errNeedClosedTCBToOpen
	}
	// reset/Abort prepares a SCB for active connection by resetting state to closed.
	h.scb.reset()
	h.reset(localPort, remotePort, iss)
	h.scb.SetRecvWindow(Size(h.bufRx.Size()))
	return nil
}

// OpenListen prepares a passive TCP connection where the Handler acts as a server.
// OpenListen is used by TCP Servers to begin listening for remote connections.
func (h *Handler) OpenListen(localPort uint16, iss Value) error {
	if localPort == 0 {
		return pebbletcp.ErrZeroSource
	} else if h.bufRx.Size() < minBufferSize || h.bufTx.Size() < minBufferSize {
		return errBufferTooSmall
	}
	// Open will fail unless SCB in closed state.
	err := h.scb.Open(iss, Size(h.bufRx.Size()))
	if err != nil {
		return err
	}
	h.reset(localPort, 0, iss)
	return nil
}

// Abort forcibly terminates all state associated to current connection.
// After a call to abort no more data can be sent nor received over the connection.
func (h *Handler) Abort() {
	h.info("tcp.Handler.Abort")
	h.scb.Abort()
	h.reset(0, 0, 0)
}

func (h *Handler) reset(localPort, remotePort uint16, iss Value) {
	*h = Handler{
		connid:     h.connid + 1,
		scb:        h.scb,
		bufTx:      h.bufTx,
		bufRx:      h.bufRx,
		localPort:  localPort,
		remotePort: remotePort,
		validator:  h.validator,
		logger:     h.logger,
		closing:    false,
		clk:        h.clk,
		cfg:        h.cfg,
	}
	h.bufTx.ResetOrReuse(nil, 0, iss)
	h.bufRx.Reset()
	h.rtt.Reset()
	h.cc.Reset(0)
}

// SetConfig installs the protocol tunables. Zero fields fall back to
// DefaultConfig values; the zero Config is therefore a valid argument and
// also what a Handler behaves like when SetConfig is never called.
func (h *Handler) SetConfig(cfg Config) { h.cfg = cfg.withDefaults() }

// config returns the active tunables, normalizing lazily for Handlers that
// never had SetConfig called.
func (h *Handler) config() Config {
	if h.cfg.TimeWaitTime == 0 {
		h.cfg = h.cfg.withDefaults()
	}
	return h.cfg
}

// negotiateMSS computes this connection's sender MSS from the peer's MSS
// option, if present, capped by defaultIfaceMSS and floored at
// MinAllowedMss, and records whether the peer also offered window scaling.
// Called once Recv sees the SYN flag on an inbound segment: either the
// initial SYN at a passive opener or the SYN-ACK response at an active
// opener. Re-seeds congestion control's initial window from the negotiated
// value, since RFC 5681's initial window is itself defined in terms of MSS.
func (h *Handler) negotiateMSS(tfrm Frame) {
	var peerMSS Size
	var peerWScale bool
	var peerShift uint8
	_ = h.optcodec.ForEachOption(tfrm.Options(), func(kind OptionKind, data []byte) error {
		switch kind {
		case OptMaxSegmentSize:
			if len(data) == 2 {
				peerMSS = Size(uint16(data[0])<<8 | uint16(data[1]))
			}
		case OptWindowScale:
			if len(data) == 1 {
				peerWScale = true
				peerShift = data[0]
				if peerShift > 14 {
					peerShift = 14 // RFC 7323 section 2.3.
				}
			}
		}
		return nil
	})
	mss := defaultIfaceMSS
	if peerMSS != 0 && peerMSS < mss {
		mss = peerMSS
	}
	if mss < MinAllowedMss {
		mss = MinAllowedMss
	}
	h.sndMSS = mss
	h.wndScaleEnabled = peerWScale
	h.peerWndShift = peerShift
	h.cc.Reset(mss)
}

// ClampSndMSSForPMTU shrinks the negotiated sender MSS, if any, to fit a
// newly-reduced path MTU estimate for this connection's remote address. A
// no-op before negotiation has happened or if ifaceMTU still accommodates
// the current snd_mss.
func (h *Handler) ClampSndMSSForPMTU(ifaceMTU uint16) {
	if h.sndMSS == 0 {
		return
	}
	avail := Size(ifaceMTU) - ipv4HeaderSize - Size(sizeHeaderTCP)
	if avail < MinAllowedMss {
		avail = MinAllowedMss
	}
	if avail < h.sndMSS {
		h.sndMSS = avail
	}
}

// advertisedMSS returns the MSS value this connection advertises to its
// peer: the receive buffer's capacity, clamped to the 16-bit MSS option
// field's range.
func (h *Handler) advertisedMSS() uint16 {
	mss := h.bufRx.Size()
	if mss > 0xffff {
		mss = 0xffff
	}
	return uint16(mss)
}

// writeSynOptions writes this connection's outbound SYN/SYN-ACK options
// (an MSS option carrying advertisedMSS, and a window-scale offer carrying
// the configured receive shift) to dst, NOP-padding to a 4-byte boundary,
// and returns the number of 32-bit header words they occupy.
func (h *Handler) writeSynOptions(dst []byte) uint8 {
	n1, _ := h.optcodec.PutOption16(dst, OptMaxSegmentSize, h.advertisedMSS())
	n2, _ := h.optcodec.PutOption(dst[n1:], OptWindowScale, h.config().RcvWndShift)
	total := n1 + n2
	if pad := (4 - total%4) % 4; pad > 0 {
		for i := 0; i < pad; i++ {
			dst[total+i] = byte(OptNop)
		}
		total += pad
	}
	return uint8(total / 4)
}

// Recv receives an incoming TCP packet frame with the first byte being the first octet of the TCP frame.
// The [Handler]'s internal state is updated if the packet is admitted successfully.
func (h *Handler) Recv(incomingPacket []byte) error {
	// TIME-WAIT still receives (to challenge-ACK strays); only a truly
	// closed handler refuses input.
	if h.State() == StateClosed && !h.AwaitingSynSend() {
		return net.ErrClosed
	}
	tfrm, err := NewFrame(incomingPacket)
	if err != nil {
		return err
	}
	tfrm.ValidateExceptCRC(&h.validator)
	err = h.validator.ErrPop()
	if err != nil {
		return err
	}

	remotePort := tfrm.SourcePort()
	if h.remotePort != 0 && remotePort != h.remotePort {
		return errMismatchedSrcPort
	}
	dstPort := tfrm.DestinationPort()
	if h.localPort != dstPort {
		return errMismatchedDstPort
	}
	payload := tfrm.Payload()
	if len(payload) > h.bufRx.Free() {
		return errors.New("rx buffer full")
	}
	// A previous work unit may have parked the connection in the transient
	// post-FIN-WAIT-2 state; this new work unit settles it into TIME-WAIT.
	h.scb.finishPeerClose()
	segIncoming := tfrm.Segment(len(payload))
	if h.wndScaleEnabled && !segIncoming.Flags.HasAny(FlagSYN) {
		// RFC 7323: the window field of non-SYN segments is scaled by the
		// shift the peer asked for in its SYN.
		segIncoming.WND <<= h.peerWndShift
		if segIncoming.WND > MaxWindow {
			segIncoming.WND = MaxWindow
		}
	}
	if h.scb.IncomingIsKeepalive(segIncoming) {
		// Keepalives double as zero-window probes; answer with a bare ACK
		// carrying the current window so the peer's view stays fresh.
		h.scb.pending[0] |= FlagACK
		h.info("tcp.Handler:rx-keepalive", slog.Uint64("port", uint64(h.localPort)))
		return nil
	}
	prevState := h.scb.State()
	prevUNA := h.scb.snd.UNA
	err = h.scb.Recv(segIncoming)
	if err != nil {
		if !errors.Is(err, errDropSegment) {
			return err
		}
		// Segment dropped without touching sequence state. A data-less ACK
		// repeating snd.UNA while data is still outstanding is a duplicate
		// ACK per RFC 5681 section 2.
		if segIncoming.DATALEN == 0 && segIncoming.Flags == FlagACK &&
			segIncoming.ACK == prevUNA && prevUNA != h.scb.snd.NXT {
			if h.cc.OnDupAck(h.scb.snd.NXT) {
				h.Retransmit()
				h.fastRetransmitPending = true
				h.info("tcp.Handler:fast-retransmit", slog.Uint64("port", uint64(h.localPort)), slog.Uint64("recover", uint64(h.scb.snd.NXT)))
			}
		}
		return nil
	}
	if segIncoming.Flags.HasAny(FlagSYN) {
		h.negotiateMSS(tfrm)
	}
	if una := h.scb.snd.UNA; una != prevUNA && prevUNA.LessThan(una) {
		now := h.now()
		h.NoteAcked(una, Sizeof(prevUNA, una), now)
		if una == h.scb.snd.NXT {
			h.rtxArmed = false // All outstanding data acknowledged.
		} else {
			h.rtxDeadline = now.Add(h.RTO()) // Restart timer on forward progress.
		}
	}
	if h.scb.State() == StateClosed {
		// TCB aborted, likely because it received an ACK in LastAck state.
		// Clean up connection now unless read pending.
		return net.ErrClosed
	}
	if prevState != h.scb.State() {
		h.info("tcp.Handler:rx-statechange", slog.Uint64("port", uint64(h.localPort)), slog.String("old", prevState.String()), slog.String("new", h.scb.State().String()), slog.String("rxflags", segIncoming.Flags.String()))
	}
	if segIncoming.DATALEN != 0 {
		_, err = h.bufRx.Write(payload)
		if err != nil {
			return err
		}
	}
	if segIncoming.Flags.HasAny(FlagSYN) && h.remotePort == 0 {
		// Remote reached out and has given us their port, set it on our side.
		h.debug("tcp.Handler:rx-remoteport-set", slog.Uint64("port", uint64(h.localPort)), slog.Uint64("remoteport", uint64(remotePort)))
		h.remotePort = remotePort
	}
	if h.logenabled(internal.LevelTrace) {
		h.trace("tcp.Handler:rx-done", slog.Uint64("port", uint64(h.localPort)), slog.Uint64("remoteport", uint64(remotePort)), slog.String("seg", segIncoming.String()))
	}
	return nil
}

func (h *Handler) Close() error {
	h.trace("tcp.Handler.Close")
	if h.closing {
		return errConnectionClosing
	} else if h.State().IsClosed() {
		return net.ErrClosed
	}
	h.closing = true
	return nil
}

// Send writes TCP frame to be sent over the network to the remote peer to `b`.
// It does no IP interfacing or CRC calculation of packet, which is left to the caller to perform.
// The returned integer is the length written to the argument buffer.
func (h *Handler) Send(b []byte) (int, error) {
	h.trace("tcp.Handler:start", slog.Uint64("port", uint64(h.localPort)))
	if h.IsTxOver() {
		return 0, net.ErrClosed
	}
	tfrm, err := NewFrame(b)
	if err != nil {
		return 0, err
	}
	h.scb.finishPeerClose()
	buffered := h.bufTx.Buffered()
	if buffered == 0 && h.closing {
		// If Close called and no more data to be sent, terminate connection!
		h.closing = false
		err = h.scb.Close()
		if err != nil {
			h.logerr("tcp.Handler.Close", slog.String("err", errstr(err)), slog.String("state", h.State().String()))
			h.Abort()
			return 0, io.EOF
		}
	}
	offset := uint8(5)
	var segment Segment
	if h.AwaitingSynSend() {
		// Handling init syn segment.
		segment = ClientSynSegment(h.bufTx.iss, h.synWindow())
		offset += h.writeSynOptions(b[sizeHeaderTCP:])
	} else {
		var ok bool
		wasChallengeAck := h.scb.challengeAck
		h.updateRecvWindow()
		available := min(buffered, len(b)-sizeHeaderTCP)
		if h.sndMSS > 0 && available > int(h.sndMSS) {
			available = int(h.sndMSS)
		}
		// The congestion window caps new data alongside the peer's window:
		// effective window is min(SND.WND, cwnd) less what is in flight.
		inflight := h.scb.snd.inFlight()
		if cwndRoom := h.cc.CanSend(inflight); available > int(cwndRoom) {
			available = int(cwndRoom)
		}
		// Nagle: a sub-MSS segment waits until the in-flight data is
		// acknowledged, coalescing small writes into fewer segments.
		if h.sndMSS > 0 && available > 0 && available < int(h.sndMSS) && inflight > 0 {
			available = 0
		}
		segment, ok = h.scb.PendingSegment(available)
		if !ok {
			// No pending control segment or data to send. Yield.
			return 0, nil
		}
		if wasChallengeAck && !h.scb.challengeAck {
			h.challengeAckSent = true
		}
		if segment.DATALEN > 0 {
			h.maybeRestartAfterIdle()
			n, err := h.bufTx.MakePacket(b[sizeHeaderTCP:sizeHeaderTCP+segment.DATALEN], segment.SEQ)
			if err != nil {
				return 0, err
			} else if n != int(segment.DATALEN) {
				panic("expected n == available")
			}
			if h.bufTx.Buffered() == 0 {
				// Last queued byte rides this segment; push it to the app.
				segment.Flags |= FlagPSH
			}
		} else if segment.Flags.HasAny(FlagSYN) {
			// SYN-ACK, or a retransmitted SYN re-queued by Retransmit; both
			// re-state our MSS and window-scale offer.
			offset += h.writeSynOptions(b[sizeHeaderTCP:])
		}
	}
	prevState := h.scb.State()
	err = h.scb.Send(segment)
	if err != nil {
		return 0, err
	} else if prevState != h.scb.State() && h.logenabled(slog.LevelInfo) {
		h.info("tcp.Handler:tx-statechange", slog.Uint64("port", uint64(h.localPort)), slog.String("oldState", prevState.String()), slog.String("newState", h.scb.State().String()), slog.String("txflags", segment.Flags.String()))
	}
	if segment.LEN() > 0 {
		now := h.now()
		if segment.DATALEN > 0 {
			h.NoteSent(segment.SEQ, now)
			h.lastSendTick = now
			h.lastSendValid = true
		}
		// Sequence-consuming segments arm the retransmission timer.
		h.rtxArmed = true
		h.rtxDeadline = now.Add(h.RTO())
	}
	tfrm.SetSourcePort(h.localPort)
	tfrm.SetDestinationPort(h.remotePort)
	tfrm.SetSegment(h.wireSegment(segment), offset)
	tfrm.SetUrgentPtr(0)
	datalen := int(offset)*4 + int(segment.DATALEN)
	return datalen, nil
}

// synWindow returns the window advertised on our SYN/SYN-ACK. SYN segments
// never carry a scaled window (RFC 7323 section 2.2), so it is clamped to
// the 16-bit field.
func (h *Handler) synWindow() Size {
	wnd := Size(h.bufRx.Size())
	if wnd > 0xffff {
		wnd = 0xffff
	}
	return wnd
}

// wireSegment converts a segment's true window into the value carried on
// the wire: scaled down by our receive shift once scaling is negotiated,
// clamped to the 16-bit field otherwise. SYN segments are never scaled.
func (h *Handler) wireSegment(seg Segment) Segment {
	if seg.Flags.HasAny(FlagSYN) || !h.wndScaleEnabled {
		if seg.WND > 0xffff {
			seg.WND = 0xffff
		}
		return seg
	}
	seg.WND >>= h.config().RcvWndShift
	if seg.WND > 0xffff {
		seg.WND = 0xffff
	}
	return seg
}

// maybeRestartAfterIdle collapses cwnd back to the initial window when the
// connection has not sent data for at least one RTO and nothing is in
// flight, per RFC 5681 section 4.1.
func (h *Handler) maybeRestartAfterIdle() {
	if !h.lastSendValid || h.scb.snd.UNA != h.scb.snd.NXT {
		return
	}
	if h.now().Sub(h.lastSendTick) >= h.RTO() {
		h.cc.RestartAfterIdle()
	}
}

// updateRecvWindow refreshes the receive window the control block announces
// from the receive ring's actual free space. Shrinks apply immediately (we
// must never advertise space we do not have); growth is coalesced until at
// least the announcement threshold of new space has accumulated, to avoid a
// window-update storm while the application drains the ring byte by byte.
func (h *Handler) updateRecvWindow() {
	free := Size(h.bufRx.Free())
	if !h.wndScaleEnabled && free > 0xffff {
		free = 0xffff
	}
	if free > MaxWindow {
		free = MaxWindow
	}
	announced := h.scb.rcv.WND
	if free < announced {
		h.scb.SetRecvWindow(free)
		return
	}
	threshold := h.config().WndAnnThreshold
	if h.closing {
		threshold = h.config().MinAbandonRcvWndIncr
	}
	if free-announced >= threshold {
		h.scb.SetRecvWindow(free)
	}
}

// CheckRTO services the retransmission timer: if armed and expired at now,
// it performs the RTO backoff/cwnd collapse and re-queues the outstanding
// data for transmission, re-arming the timer with the backed-off RTO.
// Reports whether the timer fired.
func (h *Handler) CheckRTO(now clock.Tick) bool {
	if !h.rtxArmed {
		return false
	}
	if h.scb.snd.UNA == h.scb.snd.NXT && h.bufTx.BufferedSent() == 0 {
		h.rtxArmed = false
		return false
	}
	if now.Before(h.rtxDeadline) {
		return false
	}
	h.NoteRTOExpired(Size(h.bufTx.BufferedSent()))
	h.rtxDeadline = now.Add(h.RTO())
	return true
}

// NeedsZeroWindowProbe reports whether the peer has closed its window while
// we still hold queued data, meaning the persist machinery should emit a
// window probe.
func (h *Handler) NeedsZeroWindowProbe() bool {
	return h.scb.State().IsSynchronized() && h.scb.snd.WND == 0 && h.bufTx.Buffered() > 0
}

// MakeZeroWindowProbe writes a keepalive-shaped window probe into b and
// returns its length. The probe does not consume sequence space and leaves
// the control block untouched; the peer answers it with an ACK carrying its
// current window, reopening transmission once space frees up.
func (h *Handler) MakeZeroWindowProbe(b []byte) (int, error) {
	tfrm, err := NewFrame(b)
	if err != nil {
		return 0, err
	}
	tfrm.SetSourcePort(h.localPort)
	tfrm.SetDestinationPort(h.remotePort)
	tfrm.SetSegment(h.wireSegment(h.scb.MakeKeepalive()), 5)
	tfrm.SetUrgentPtr(0)
	return sizeHeaderTCP, nil
}

// FreeTx returns the amount of space free in the transmit buffer. A call to [Handler.Write] with a larger buffer will fail.
func (h *Handler) FreeTx() int {
	return h.bufTx.Free()
}

// FreeRx returns the amount of space free in the receive buffer.
func (h *Handler) FreeRx() int {
	return h.bufRx.Free()
}

// SizeRx returns the size of the TCP receive ring buffer.
func (h *Handler) SizeRx() int {
	return h.bufRx.Size()
}

// Write implements [io.Writer] by copying b to a internal buffer to be sent over the network on the next
// [Handler.Send] call that can send data to remote peer. Use [Handler.FreeTx] to know the maximum length the argument slice can be before erroring.
func (h *Handler) Write(b []byte) (int, error) {
	state := h.State()
	if h.closing {
		return 0, errConnectionClosing
	} else if !state.TxDataOpen() { // Reject write call if data cannot be sent.
		return 0, net.ErrClosed
	}
	return h.bufTx.Write(b)
}

// Read implements [io.Reader] by reading received data from remote peer in internal buffer.
func (h *Handler) Read(b []byte) (n int, err error) {
	if h.bufRx.Buffered() > 0 {
		n, err = h.bufRx.Read(b)
	}
	if n == 0 && err == nil {
		state := h.State()
		if state.IsClosed() {
			err = net.ErrClosed
		} else if !state.RxDataOpen() {
			err = io.EOF
		}
	}
	return n, err
}

// BufferedInput returns amount of bytes buffered in receive(input) buffer and ready to read
// with a [Handler.Read] call.
func (h *Handler) BufferedInput() int {
	return h.bufRx.Buffered()
}

// BufferedUnsent returns the number of bytes in the socket's transmit(output) buffer
// that has yet to be sent.
func (h *Handler) BufferedUnsent() int {
	return h.bufTx.Buffered()
}

// AvailableOutput returns amount of bytes available to write to output
// before [Handler.Write] returns an error.
func (h *Handler) AvailableOutput() int {
	return h.bufTx.Free()
}

// AwaitingSynResponse returns true if the Handler is an active client opened with [Handler.OpenActive] and has already sent out the first SYN packet to the remote client.
func (h *Handler) AwaitingSynResponse() bool {
	return h.remotePort != 0 && h.scb.State() == StateSynSent
}

// AwaitingSynAck returns true if the Handler is a passive server opened with [Handler.OpenListen] and not yet received a valid SYN remote packet.
func (h *Handler) AwaitingSynAck() bool {
	return h.remotePort == 0 && h.scb.State() == StateListen
}

// AwaitingSynSend returns true if the Handler is an active client opened with [Handler.OpenActive] and not yet sent out the first SYN packet to the remote client.
func (h *Handler) AwaitingSynSend() bool {
	return h.remotePort != 0 && h.scb.State() == StateClosed
}

// IsTxOver returns true if there is no more frames to encapsulate over the network.
// The connection is pretty much over in this case if packets made it succesfully to remote.
func (h *Handler) IsTxOver() bool {
	state := h.State()
	return state == StateClosed && !h.AwaitingSynSend() ||
		state == StateTimeWait && !h.scb.HasPending()
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func errstr(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}
