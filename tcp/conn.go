package tcp

import (
	"bytes"
	"errors"
	"log/slog"
	"net"
	"net/netip"

	"github.com/northlake-systems/pebbletcp"
	"github.com/northlake-systems/pebbletcp/clock"
	"github.com/northlake-systems/pebbletcp/internal"
	"github.com/northlake-systems/pebbletcp/ipstack"
	"github.com/northlake-systems/pebbletcp/metrics"
	"github.com/northlake-systems/pebbletcp/pmtu"
)

var (
	errNoRemoteAddr        = errors.New("tcp: no remote address established")
	errInvalidIP           = errors.New("tcp: invalid IP")
	errMismatchedIPVersion = errors.New("mismatched IP version")
)

// ConnCallbacks are the hooks a [Connection] fires as its state machine
// progresses. All callbacks are invoked synchronously from whichever
// Engine.Tick call drove the transition, on the same goroutine — the engine
// is single-threaded and cooperative, so a callback must not block.
// A nil callback field is simply not invoked.
type ConnCallbacks struct {
	// OnEstablished fires once, the first time the connection's state
	// machine reaches ESTABLISHED (active or passive open alike).
	OnEstablished func(c *Connection)
	// OnDataReceived fires whenever new payload bytes have been appended to
	// the receive buffer. bytesNew is the count of bytes just added; the
	// data itself is retrieved with Read.
	OnDataReceived func(c *Connection, bytesNew int)
	// OnSendAcked fires whenever the remote peer's ACK advances snd.UNA,
	// i.e. bytesAcked bytes previously handed to Write are now confirmed
	// delivered and their buffer space has been reclaimed.
	OnSendAcked func(c *Connection, bytesAcked int)
	// OnPeerClosed fires once, when the remote peer's FIN has been
	// processed (the state machine enters CLOSE_WAIT or TIME_WAIT by way
	// of a peer-initiated close).
	OnPeerClosed func(c *Connection)
	// OnError fires on any error encountered processing an inbound segment
	// or attempting to encapsulate an outbound one, and whenever the
	// connection aborts.
	OnError func(c *Connection, err *EngineError)
}

// Connection builds on the [Handler] abstraction and adds IP header
// knowledge and a non-blocking, callback-driven API in place of a
// socket-style blocking one. Unlike a net.Conn implementation, Read and
// Write never wait: Write buffers all of b or fails at once when it does not fit,
// Read drains whatever is already in the receive buffer, and the
// application is notified of new data, acked sends, and lifecycle events
// through ConnCallbacks as the engine polls the connection forward. This
// fits the engine's single-threaded cooperative model (see Engine.Tick),
// which has no goroutine to block on a Connection's behalf and so carries
// no connection-local mutex.
type Connection struct {
	h          Handler
	remoteAddr []byte
	ipID       uint16
	logger

	callbacks ConnCallbacks

	prevState      State
	established    bool
	peerClosedFlag bool
	prevUNA        Value
	haveUNA        bool

	// lastState/stateChangedAt drive the lifetime timers (SYN-SENT/SYN-RCVD
	// timeouts, TIME-WAIT expiry, abandoned-close abort); stamped by tick.
	lastState      State
	stateChangedAt clock.Tick

	// Persist machinery: while the peer advertises a zero window with data
	// queued, tick arms an exponentially backed-off probe deadline and
	// Encapsulate emits the probe.
	persistArmed    bool
	persistBackoff  clock.Tick
	persistDeadline clock.Tick
	probePending    bool

	// retryUntil gates Encapsulate after the IP layer rejected a send; set
	// by NoteSendResult from the outcome's error class. lastTick mirrors the
	// engine's scheduling clock (the now passed to tick) so the gate and the
	// deadline read the same timebase.
	retryArmed bool
	retryUntil clock.Tick
	lastTick   clock.Tick

	// pmtuCache and router are wired in by whichever Engine owns this
	// Connection (see Engine.Dial, connPool); on a bare Connection used
	// without an Engine they stay nil, maybeObservePMTU returns without
	// registering an estimate, and sends go uncapped.
	pmtuCache *pmtu.Cache
	router    ipstack.Router
	pmtuAddr  [4]byte
	pmtuMTU   uint16 // 0 means no estimate registered yet; send uncapped.

	// metrics is wired in by the owning Engine (see Engine.Dial, connPool);
	// nil on a bare Connection, in which case every report below is skipped.
	metrics metrics.Sink
}

// reset reinitializes Connection for reuse with a fresh Handler lifetime.
func (conn *Connection) reset(h Handler) {
	if conn.pmtuCache != nil && conn.pmtuMTU != 0 {
		conn.pmtuCache.Release(conn.pmtuAddr, conn)
	}
	conn.h = h
	conn.remoteAddr = conn.remoteAddr[:0]
	conn.ipID = 0
	conn.prevState = StateClosed
	conn.established = false
	conn.peerClosedFlag = false
	conn.haveUNA = false
	conn.pmtuMTU = 0
	conn.lastState = StateClosed
	conn.stateChangedAt = 0
	conn.persistArmed = false
	conn.probePending = false
	conn.retryArmed = false
}

// maybeObservePMTU registers conn as an observer of its remote address's
// Path-MTU estimate, once the remote address is known and a cache has been
// wired in. Safe to call repeatedly; a no-op past the first successful
// registration.
func (conn *Connection) maybeObservePMTU() {
	if conn.pmtuCache == nil || conn.pmtuMTU != 0 || len(conn.remoteAddr) != 4 {
		return
	}
	var raddr4 [4]byte
	copy(raddr4[:], conn.remoteAddr)
	var ifaceMTU uint16
	if conn.router != nil {
		if route, ok := conn.router.Route(raddr4); ok {
			ifaceMTU = route.NextHopMTU
		}
	}
	mtu, err := conn.pmtuCache.Observe(raddr4, ifaceMTU, conn)
	if err != nil {
		return
	}
	conn.pmtuAddr = raddr4
	conn.pmtuMTU = mtu
}

// PMTUChanged implements [pmtu.Observer]: the cache calls this whenever the
// Path-MTU estimate for this connection's remote address changes, either
// from an ICMP fragmentation-needed report or a periodic refresh probe.
func (conn *Connection) PMTUChanged(newMTU uint16) {
	if conn.metrics != nil && conn.pmtuMTU != 0 && newMTU < conn.pmtuMTU {
		conn.metrics.PMTUReduced()
	}
	conn.pmtuMTU = newMTU
	conn.h.ClampSndMSSForPMTU(newMTU)
}

// ConnConfig configures the buffers and logging a Connection uses.
type ConnConfig struct {
	RxBuf             []byte
	TxBuf             []byte
	TxPacketQueueSize int
	Logger            *slog.Logger
	Callbacks         ConnCallbacks
}

// Configure sets the Connection's buffers, logger and callbacks. Must be
// called with the connection closed.
func (conn *Connection) Configure(config ConnConfig) (err error) {
	err = conn.h.SetBuffers(config.TxBuf, config.RxBuf, config.TxPacketQueueSize)
	if err != nil {
		return err
	}
	conn.logger.log = config.Logger
	conn.callbacks = config.Callbacks
	return nil
}

// SetCallbacks replaces the connection's callback set.
func (conn *Connection) SetCallbacks(cb ConnCallbacks) { conn.callbacks = cb }

// LocalPort returns the local port on which the socket is listening or connected to.
func (conn *Connection) LocalPort() uint16 { return conn.h.LocalPort() }

// RemotePort returns the port of the incoming remote connection. Is non-zero if connection is established.
func (conn *Connection) RemotePort() uint16 { return conn.h.RemotePort() }

// RemoteAddr returns the raw IPv4/IPv6 address bytes of the remote peer, or
// nil if not yet known.
func (conn *Connection) RemoteAddr() []byte { return conn.remoteAddr }

// State returns the TCP state of the socket.
func (conn *Connection) State() State { return conn.h.State() }

// BufferedInput returns the number of bytes in the socket's receive(input)
// buffer and available to read via a [Connection.Read] call.
func (conn *Connection) BufferedInput() int { return conn.h.BufferedInput() }

// BufferedUnsent returns the number of bytes in the socket's transmit(output) buffer
// that has yet to be sent.
func (conn *Connection) BufferedUnsent() int { return conn.h.BufferedUnsent() }

// AvailableInput returns the amount of free space left in the receive buffer.
func (conn *Connection) AvailableInput() int { return conn.h.FreeRx() }

// AvailableOutput returns amount of bytes available to write to output
// before [Connection.Write] returns an error due to insufficient space to store outgoing data.
func (conn *Connection) AvailableOutput() int { return conn.h.AvailableOutput() }

// OpenActive opens a connection to a remote peer with a known IP address and port combination.
// iss is the initial send sequence number which is ideally a random number which is far away from the last sequence number used on a connection to the same host.
func (conn *Connection) OpenActive(localPort uint16, remote netip.AddrPort, iss Value) error {
	if !remote.IsValid() {
		return errInvalidIP
	}
	rport := remote.Port()
	err := conn.h.OpenActive(localPort, rport, iss)
	if err != nil {
		return err
	}
	conn.reset(conn.h)
	raddr := remote.Addr()
	if raddr.Is4() {
		addr4 := raddr.As4()
		conn.remoteAddr = append(conn.remoteAddr[:0], addr4[:]...)
	} else if raddr.Is6() {
		addr6 := raddr.As16()
		conn.remoteAddr = append(conn.remoteAddr[:0], addr6[:]...)
	}
	conn.maybeObservePMTU()
	conn.debug("conn:dial", slog.Uint64("lport", uint64(localPort)), slog.Uint64("rport", uint64(rport)))
	return nil
}

// OpenListen opens a passive connection which listens for the first SYN packet to be received on a local port.
// iss is the initial send sequence number which is usually a randomly chosen number.
func (conn *Connection) OpenListen(localPort uint16, iss Value) error {
	err := conn.h.OpenListen(localPort, iss)
	if err != nil {
		return err
	}
	conn.reset(conn.h)
	conn.debug("conn:listen", slog.Uint64("lport", uint64(localPort)))
	return nil
}

func (conn *Connection) Close() error {
	conn.trace("conn.Close", slog.Uint64("lport", uint64(conn.h.localPort)), slog.Uint64("rport", uint64(conn.h.remotePort)))
	return conn.h.Close()
}

// Abort terminates all state of the connection forcibly and fires OnError
// with ErrKindConnectionAborted.
func (conn *Connection) Abort() {
	conn.trace("conn.Abort", slog.Uint64("lport", uint64(conn.h.localPort)), slog.Uint64("rport", uint64(conn.h.remotePort)))
	conn.h.Abort()
	conn.reset(conn.h)
	conn.fireError(ErrKindConnectionAborted, nil)
}

// InternalHandler returns the internal [Handler] instance. The Handler contains lower level implementation logic for a TCP connection.
// Typical users should not be using this method unless implementing a stack which manages several TCP connections and thus need
// access to low level internals for careful memory management.
func (conn *Connection) InternalHandler() *Handler {
	return &conn.h
}

// Write copies b into the connection's send buffer and returns immediately;
// it never blocks. The write is all or nothing: when b is longer than
// [Connection.AvailableOutput] nothing is copied and an error is returned —
// retry on a later tick once OnSendAcked has freed space.
func (conn *Connection) Write(b []byte) (int, error) {
	return conn.h.Write(b)
}

// Read copies as much buffered input as fits into b and returns immediately;
// it never blocks. Zero bytes with a nil error means no data is currently
// available.
func (conn *Connection) Read(b []byte) (int, error) {
	return conn.h.Read(b)
}

// ReadContiguous returns the buffered input as one contiguous slice without
// consuming it, reassembling across the receive ring's wrap point into
// scratch only when needed. Consume the bytes afterwards with Read or leave
// them buffered. Intended for parsers that need an unbroken view.
func (conn *Connection) ReadContiguous(scratch []byte) ([]byte, error) {
	return conn.h.bufRx.Mirror(scratch)
}

func (conn *Connection) Demux(buf []byte, off int) (err error) {
	if off >= len(buf) {
		return errors.New("bad offset in Connection.Demux")
	}
	raddr, _, id, _, err := internal.GetIPAddr(buf[:off])
	if err != nil {
		return err
	}
	if conn.isRaddrSet() && !bytes.Equal(conn.remoteAddr, raddr) {
		return errors.New("IP addr mismatch on Connection")
	}
	conn.trace("conn.Demux", slog.Uint64("lport", uint64(conn.h.LocalPort())), slog.Uint64("rport", uint64(conn.h.remotePort)))

	rxBefore := conn.h.BufferedInput()
	prevState := conn.h.State()
	prevUNA := conn.h.scb.snd.UNA

	err = conn.h.Recv(buf[off:])
	if err != nil {
		if errors.Is(err, net.ErrClosed) && prevState == StateLastAck {
			// Final ACK of our FIN: the connection completed its close.
			// Not an error condition.
			conn.noteProgress(prevState, prevUNA, rxBefore)
			return err
		}
		kind := classifyError(err)
		if errors.Is(err, net.ErrClosed) {
			// A RST tore the connection down: refusal if it answered our
			// SYN, a reset of the synchronized connection otherwise.
			if prevState == StateSynSent {
				kind = ErrKindConnectionRefused
			} else if prevState.IsSynchronized() {
				kind = ErrKindConnectionReset
			}
		}
		conn.fireError(kind, err)
		return err
	}
	if conn.h.ConsumeFastRetransmit() && conn.metrics != nil {
		conn.metrics.FastRetransmit()
	}
	if !conn.isRaddrSet() && conn.h.RemotePort() != 0 {
		conn.remoteAddr = append(conn.remoteAddr[:0], raddr...)
		conn.ipID = ^(id - 1)
		conn.maybeObservePMTU()
	}
	conn.noteProgress(prevState, prevUNA, rxBefore)
	return nil
}

func (conn *Connection) Encapsulate(carrierData []byte, offsetToIP, offsetToFrame int) (n int, err error) {
	if len(conn.remoteAddr) == 0 {
		return 0, errNoRemoteAddr
	}
	if offsetToIP < 0 {
		return 0, errNoRemoteAddr // No IP layer present.
	}
	if conn.retryArmed {
		if conn.lastTick.Before(conn.retryUntil) {
			return 0, nil // Backing off after an IP-layer send failure.
		}
		conn.retryArmed = false
	}
	if conn.h.State() == StateTimeWait && !conn.h.scb.HasPending() {
		// Quiet quarantine: the connection is held until the 2MSL timer
		// releases it (see tick); nothing to transmit.
		return 0, nil
	}
	ipFrame := carrierData[offsetToIP:offsetToFrame]
	raddr, _, _, _, err := internal.GetIPAddr(ipFrame)
	if err != nil {
		return 0, err
	} else if len(raddr) != len(conn.remoteAddr) {
		return 0, errMismatchedIPVersion
	}

	prevState := conn.h.State()
	prevUNA := conn.h.scb.snd.UNA

	frameBuf := carrierData[offsetToFrame:]
	if conn.pmtuMTU != 0 {
		if maxFrame := int(conn.pmtuMTU) - (offsetToFrame - offsetToIP); maxFrame > 0 && maxFrame < len(frameBuf) {
			frameBuf = frameBuf[:maxFrame]
		}
	}
	n, err = conn.h.Send(frameBuf)
	if err != nil {
		conn.fireError(classifyError(err), err)
		return 0, err
	}
	if conn.h.ConsumeChallengeAckSent() && conn.metrics != nil {
		conn.metrics.ChallengeACKSent()
	}
	if n == 0 && conn.probePending && conn.h.NeedsZeroWindowProbe() {
		conn.probePending = false
		n, err = conn.h.MakeZeroWindowProbe(frameBuf)
		if err != nil {
			return 0, err
		}
	}
	if n == 0 {
		return 0, nil
	}
	conn.trace("conn.Encapsulate", slog.Uint64("lport", uint64(conn.h.LocalPort())), slog.Uint64("rport", uint64(conn.h.remotePort)))
	err = internal.SetIPAddrs(ipFrame, conn.ipID, nil, conn.remoteAddr)
	if err != nil {
		return 0, err
	}
	conn.ipID++
	conn.noteProgress(prevState, prevUNA, -1)
	return n, nil
}

// noteProgress compares the state/sequence snapshot taken before an
// operation against the Handler's current state and fires the callbacks
// that correspond to whatever changed. rxBefore is the BufferedInput()
// count sampled before a Recv; pass -1 from Encapsulate, which never grows
// the receive buffer.
func (conn *Connection) noteProgress(prevState State, prevUNA Value, rxBefore int) {
	state := conn.h.State()
	if !conn.established && state == StateEstablished {
		conn.established = true
		if conn.callbacks.OnEstablished != nil {
			conn.callbacks.OnEstablished(conn)
		}
	}
	if !conn.peerClosedFlag && (state == StateCloseWait || state == StateFinWait2TimeWait || state == StateTimeWait) && prevState != state {
		conn.peerClosedFlag = true
		if conn.callbacks.OnPeerClosed != nil {
			conn.callbacks.OnPeerClosed(conn)
		}
	}
	una := conn.h.scb.snd.UNA
	// A close wipes the sequence spaces; do not derive an acked count from
	// the zeroed UNA.
	if state != StateClosed && conn.haveUNA && una != prevUNA && prevUNA.LessThan(una) {
		acked := int(Sizeof(prevUNA, una))
		// SND.UNA also advances over the SYN and FIN control octets; the
		// callback reports payload bytes only.
		if prevState == StateSynSent || prevState == StateSynRcvd {
			acked--
		}
		finOutstanding := prevState == StateFinWait1 || prevState == StateClosing || prevState == StateLastAck
		if finOutstanding && una == conn.h.scb.snd.NXT {
			acked--
		}
		if acked > 0 && conn.callbacks.OnSendAcked != nil {
			conn.callbacks.OnSendAcked(conn, acked)
		}
	}
	conn.haveUNA = true
	if rxBefore >= 0 {
		if n := conn.h.BufferedInput() - rxBefore; n > 0 && conn.callbacks.OnDataReceived != nil {
			conn.callbacks.OnDataReceived(conn, n)
		}
	}
}

// NoteSendResult records the outcome of the IP-layer transmission of the
// frame most recently produced by Encapsulate. A buffer-full rejection
// schedules a short retry delay, a fragmentation-needed rejection feeds the
// PMTU cache (the next send is re-cut to the reduced estimate), and any
// other failure backs off longer. A nil result clears nothing and costs
// nothing; callers may invoke it unconditionally after every send.
func (conn *Connection) NoteSendResult(sendErr *ipstack.SendError, now clock.Tick) {
	if sendErr == nil {
		return
	}
	cfg := conn.h.config()
	switch sendErr.Kind {
	case ipstack.SendErrorBufferFull:
		conn.retryArmed = true
		conn.retryUntil = now.Add(cfg.OutputRetryFull)
	case ipstack.SendErrorFragNeeded:
		if conn.pmtuCache != nil && len(conn.remoteAddr) == 4 {
			conn.pmtuCache.ReportLocalPTB(conn.pmtuAddr, sendErr.MTU)
		}
	default:
		conn.retryArmed = true
		conn.retryUntil = now.Add(cfg.OutputRetryOther)
	}
}

// tick services this connection's time-driven state: the retransmission
// timer first (retransmission before output, so a timed-out segment is
// re-queued ahead of this scheduling round's Encapsulate), then the
// transient post-FIN-WAIT-2 settle, the connection-lifetime timers, and
// finally the zero-window persist machinery. Reports whether the
// retransmission timer fired so the caller can count it.
func (conn *Connection) tick(now clock.Tick) (retransmitted bool) {
	h := &conn.h
	conn.lastTick = now
	retransmitted = h.CheckRTO(now)
	h.scb.finishPeerClose()

	state := h.State()
	if state != conn.lastState {
		conn.lastState = state
		conn.stateChangedAt = now
	}
	cfg := h.config()
	elapsed := now.Sub(conn.stateChangedAt)
	switch state {
	case StateSynSent:
		if elapsed >= cfg.SynSentTimeout {
			h.Abort()
			conn.reset(conn.h)
			conn.fireError(ErrKindConnectionTimeout, errHandshakeTimeout)
		}
	case StateSynRcvd:
		if elapsed >= cfg.SynRcvdTimeout {
			h.Abort()
			conn.reset(conn.h)
			conn.fireError(ErrKindConnectionTimeout, errHandshakeTimeout)
		}
	case StateFinWait1, StateClosing, StateLastAck:
		if elapsed >= cfg.AbandonedTimeout {
			conn.Abort()
		}
	case StateTimeWait:
		if elapsed >= cfg.TimeWaitTime {
			// 2MSL elapsed; release all connection state quietly.
			h.Abort()
			conn.reset(conn.h)
		}
	}

	if h.NeedsZeroWindowProbe() {
		if !conn.persistArmed {
			conn.persistArmed = true
			conn.persistBackoff = h.RTO()
			conn.persistDeadline = now.Add(conn.persistBackoff)
		} else if !now.Before(conn.persistDeadline) {
			conn.probePending = true
			conn.persistBackoff *= 2
			if conn.persistBackoff > maxRTO {
				conn.persistBackoff = maxRTO
			}
			conn.persistDeadline = now.Add(conn.persistBackoff)
		}
	} else {
		conn.persistArmed = false
		conn.probePending = false
	}
	return retransmitted
}

func (conn *Connection) fireError(kind ErrorKind, err error) {
	if conn.callbacks.OnError == nil {
		return
	}
	conn.callbacks.OnError(conn, &EngineError{Kind: kind, Err: err})
}

func (conn *Connection) Protocol() uint64 {
	return uint64(pebbletcp.IPProtoTCP)
}

func (conn *Connection) isRaddrSet() bool {
	return len(conn.remoteAddr) != 0
}

func (conn *Connection) ConnectionID() *uint64 {
	return conn.h.ConnectionID()
}
