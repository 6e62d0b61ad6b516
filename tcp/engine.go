package tcp

import (
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"net/netip"

	"github.com/northlake-systems/pebbletcp"
	"github.com/northlake-systems/pebbletcp/clock"
	"github.com/northlake-systems/pebbletcp/ipstack"
	"github.com/northlake-systems/pebbletcp/metrics"
	"github.com/northlake-systems/pebbletcp/pmtu"
)

// EngineConfig configures an Engine: one IPv4 interface's worth of
// dependency collaborators (clock, router/sender, PMTU cache, metrics sink).
//
// Sender is consumed by Flush, the engine-driven output path. Callers that
// prefer to own their I/O loop directly may leave it nil and drive
// per-Listener/per-Connection Encapsulate themselves, in which case the
// engine never transmits on its own.
type EngineConfig struct {
	LocalAddr [4]byte
	Clock     clock.Source
	Sender    ipstack.Sender
	Router    ipstack.Router
	PMTU      *pmtu.Cache
	Metrics   metrics.Sink
	ISSSecret [16]byte
	Logger    *slog.Logger
	TTL       uint8
	// Protocol carries the per-connection protocol tunables; the zero value
	// selects DefaultConfig.
	Protocol Config
}

// Engine is the single-threaded, cooperatively-scheduled entry point tying
// together connection lookup, listeners, PMTU, and timers. Inbound
// datagrams enter through Demux; output leaves through Flush (or manual
// per-node Encapsulate calls), and Tick drives everything time-based.
type Engine struct {
	cfg          EngineConfig
	conns        pcbIndex
	listens      listenerIndex
	iss          ISSGenerator
	rst          RSTQueue
	log          *slog.Logger
	now          clock.Tick
	ephemeralSeq uint16
}

var errNoEphemeralPort = errors.New("tcp: ephemeral port range exhausted")

// NewEngine constructs an Engine from cfg. cfg.Metrics defaults to a
// no-op sink if nil; cfg.Clock defaults to the system clock if nil.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NoopSink{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewSystem()
	}
	if cfg.TTL == 0 {
		cfg.TTL = 64
	}
	cfg.Protocol = cfg.Protocol.withDefaults()
	e := &Engine{cfg: cfg, log: cfg.Logger}
	e.iss.Seed(cfg.ISSSecret)
	return e
}

// SeedISS reseeds the ISS generator from a cryptographically random source,
// for callers that did not supply ISSSecret at construction time.
func (e *Engine) SeedISS(r io.Reader) error {
	var secret [16]byte
	if r == nil {
		r = rand.Reader
	}
	if _, err := io.ReadFull(r, secret[:]); err != nil {
		return err
	}
	e.iss.Seed(secret)
	return nil
}

// connPool is a fixed-capacity freelist of pre-allocated Connections backing
// a Listener, implementing the tcp.pool interface (GetTCP/PutTCP). Every
// pooled Connection shares one ConnCallbacks set and carries its own
// dedicated TX/RX buffers.
type connPool struct {
	conns   []Connection
	free    []int
	cb      ConnCallbacks
	issGen  ISSGenerator
	issSeq  uint32
}

func newConnPool(n, txBufSize, rxBufSize int, cb ConnCallbacks, log *slog.Logger, clk clock.Source, pmtuCache *pmtu.Cache, router ipstack.Router, sink metrics.Sink, protoCfg Config) *connPool {
	p := &connPool{conns: make([]Connection, n), free: make([]int, n), cb: cb}
	var secret [16]byte
	_, _ = io.ReadFull(rand.Reader, secret[:])
	p.issGen.Seed(secret)
	for i := range p.conns {
		p.conns[i].logger.log = log
		p.conns[i].callbacks = cb
		p.conns[i].h.SetBuffers(make([]byte, txBufSize), make([]byte, rxBufSize), 32)
		p.conns[i].h.SetClock(clk)
		p.conns[i].h.SetConfig(protoCfg)
		p.conns[i].pmtuCache = pmtuCache
		p.conns[i].router = router
		p.conns[i].metrics = sink
		p.free[i] = n - 1 - i // pop from end, fill free list reverse so index 0 is handed out first.
	}
	return p
}

// nextISS derives an ISS for a new passively-opened connection. The remote
// tuple is not yet known at this point (the Listener calls GetTCP before
// parsing the inbound SYN), so this draws on an incrementing sequence
// folded through the same ARX mix [ISSGenerator] uses rather than the full
// tuple-keyed hash; OpenListen has no per-remote ISS requirement the way a
// SYN cookie response would.
func (p *connPool) nextISS() Value {
	p.issSeq++
	return p.issGen.Generate(nil, nil, 0, 0, clock.Tick(p.issSeq))
}

func (p *connPool) GetTCP() (*Connection, Value) {
	if len(p.free) == 0 {
		return nil, 0
	}
	i := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return &p.conns[i], p.nextISS()
}

func (p *connPool) PutTCP(c *Connection) {
	for i := range p.conns {
		if &p.conns[i] == c {
			p.free = append(p.free, i)
			return
		}
	}
}

// Listen registers a passive listener on localPort backed by a pool of
// maxConns pre-allocated Connections.
func (e *Engine) Listen(localPort uint16, maxConns, txBufSize, rxBufSize int, cb ConnCallbacks) (*Listener, error) {
	if _, exists := e.listens.Lookup(localPort); exists {
		return nil, pebbletcp.ErrMismatch
	}
	pool := newConnPool(maxConns, txBufSize, rxBufSize, cb, e.log, e.cfg.Clock, e.cfg.PMTU, e.cfg.Router, e.cfg.Metrics, e.cfg.Protocol)
	l := &Listener{}
	if err := l.Reset(localPort, pool); err != nil {
		return nil, err
	}
	l.SetLogger(e.log)
	l.SetMetrics(e.cfg.Metrics)
	e.listens.Insert(localPort, l)
	e.cfg.Metrics.PCBCreated()
	return l, nil
}

// CloseListener removes and closes the listener on localPort, if any.
func (e *Engine) CloseListener(localPort uint16) {
	l, ok := e.listens.Lookup(localPort)
	if !ok {
		return
	}
	l.Close()
	e.listens.Remove(localPort)
}

// Dial opens an active connection to remote from localPort, registering it
// in the engine's PCB index for Demux/Encapsulate dispatch. The caller
// retains ownership of conn and must eventually call CloseConn to
// deregister it once done.
func (e *Engine) Dial(localPort uint16, remote netip.AddrPort, txBuf, rxBuf []byte, cb ConnCallbacks) (*Connection, error) {
	conn := &Connection{}
	conn.logger.log = e.log
	if err := conn.h.SetBuffers(txBuf, rxBuf, 32); err != nil {
		return nil, err
	}
	conn.h.SetClock(e.cfg.Clock)
	conn.h.SetConfig(e.cfg.Protocol)
	conn.pmtuCache = e.cfg.PMTU
	conn.router = e.cfg.Router
	conn.metrics = e.cfg.Metrics
	var raddr [4]byte
	if remote.Addr().Is4() {
		raddr = remote.Addr().As4()
	}
	if localPort == 0 {
		var err error
		localPort, err = e.ephemeralPort(raddr, remote.Port())
		if err != nil {
			return nil, err
		}
	}
	key := fourTuple{remoteAddr: raddr, remotePort: remote.Port(), localPort: localPort}
	if _, taken := e.conns.Lookup(key); taken {
		return nil, pebbletcp.ErrMismatch
	}
	iss := e.iss.Generate(e.cfg.LocalAddr[:], raddr[:], localPort, remote.Port(), e.now)
	if err := conn.OpenActive(localPort, remote, iss); err != nil {
		return nil, err
	}
	conn.SetCallbacks(cb)
	e.conns.Insert(key, conn)
	e.cfg.Metrics.PCBCreated()
	return conn, nil
}

// ephemeralPort picks a local port from the IANA dynamic range that collides
// with neither a listener nor an existing connection to the same remote.
func (e *Engine) ephemeralPort(raddr [4]byte, rport uint16) (uint16, error) {
	const firstEphemeral = 49152
	for attempt := 0; attempt < 1<<14; attempt++ {
		e.ephemeralSeq++
		port := firstEphemeral + e.ephemeralSeq%(1<<14)
		if _, taken := e.listens.Lookup(port); taken {
			continue
		}
		key := fourTuple{remoteAddr: raddr, remotePort: rport, localPort: port}
		if _, taken := e.conns.Lookup(key); taken {
			continue
		}
		return port, nil
	}
	return 0, errNoEphemeralPort
}

// CloseConn deregisters conn from the PCB index and closes it.
func (e *Engine) CloseConn(conn *Connection) {
	var raddr [4]byte
	copy(raddr[:], conn.RemoteAddr())
	key := fourTuple{remoteAddr: raddr, remotePort: conn.RemotePort(), localPort: conn.LocalPort()}
	if e.conns.Remove(key) {
		e.cfg.Metrics.PCBClosed()
	}
	conn.Close()
}

// Tick advances the engine's notion of time to now and services every
// registered connection's time-driven state: retransmission timers first
// (so a timed-out segment is re-queued before this round's output), then
// handshake/TIME-WAIT/abandon lifetime timers and the zero-window persist
// machinery, for dialed and listener-owned connections alike. Connections
// whose lifetime ended are removed from the index. Tick does not itself
// perform I/O; the caller drives actual segment transmission via
// Demux/Encapsulate (or Flush) as usual and calls Tick once per scheduling
// interval to give time-based state a chance to progress. now must come
// from the same clock the engine was configured with (cfg.Clock.Now()) so
// deadlines stamped by the handlers and the tick comparisons share a
// timebase.
func (e *Engine) Tick(now clock.Tick) {
	e.now = now
	var dead []fourTuple
	e.conns.All(func(key fourTuple, c *Connection) {
		if c.tick(now) {
			e.cfg.Metrics.Retransmission()
			c.debug("engine:rto-expired", slog.Uint64("lport", uint64(c.LocalPort())), slog.Uint64("rport", uint64(c.RemotePort())))
		}
		if c.h.State() == StateClosed && !c.h.AwaitingSynSend() {
			dead = append(dead, key)
		}
		e.refreshPMTU(key.remoteAddr)
	})
	for _, key := range dead {
		if e.conns.Remove(key) {
			e.cfg.Metrics.PCBClosed()
		}
	}
	e.listens.All(func(port uint16, l *Listener) {
		l.Tick(func(c *Connection) {
			if c.tick(now) {
				e.cfg.Metrics.Retransmission()
			}
			if len(c.RemoteAddr()) == 4 {
				var raddr [4]byte
				copy(raddr[:], c.RemoteAddr())
				e.refreshPMTU(raddr)
			}
		})
	})
}

// refreshPMTU gives the PMTU cache's periodic-refresh probe a chance to
// raise remote's estimate back toward the interface MTU. A no-op when no
// cache/router is configured or remote has no route.
func (e *Engine) refreshPMTU(remote [4]byte) {
	if e.cfg.PMTU == nil || e.cfg.Router == nil {
		return
	}
	route, ok := e.cfg.Router.Route(remote)
	if !ok {
		return
	}
	e.cfg.PMTU.RefreshOne(remote, route.NextHopMTU)
}

// ICMPFragNeeded implements [ipstack.ICMPPTBHandler]: a Sender/Router
// implementation calls this when the IP layer receives an ICMP
// fragmentation-needed message (or detects a too-big local egress),
// forwarding the report into the configured PMTU cache so every Connection
// observing that remote address is notified via PMTUChanged.
func (e *Engine) ICMPFragNeeded(remote [4]byte, reportedMTU uint16) {
	if e.cfg.PMTU != nil {
		e.cfg.PMTU.ReportICMPFragNeeded(remote, reportedMTU)
	}
}

// Demux dispatches an inbound IPv4 datagram carrying a TCP segment to the
// matching listener or connection by four-tuple. Segments failing the
// pseudo-header checksum are dropped before any connection state is touched.
func (e *Engine) Demux(srcAddr [4]byte, srcPort, dstPort uint16, carrierData []byte, tcpFrameOffset int) error {
	if err := e.verifyChecksum(srcAddr, carrierData[tcpFrameOffset:]); err != nil {
		return err
	}
	if l, ok := e.listens.Lookup(dstPort); ok {
		err := l.Demux(carrierData, tcpFrameOffset)
		if err == pebbletcp.ErrPacketDrop {
			// A listener drops segments it cannot own. Non-SYN drops get a
			// stateless RST per RFC 9293 §3.10.7.2; SYN drops (accept-queue
			// overflow) stay silent so the peer simply retries.
			e.queueRSTFor(srcAddr, srcPort, dstPort, carrierData[tcpFrameOffset:], false)
		}
		return err
	}
	key := fourTuple{remoteAddr: srcAddr, remotePort: srcPort, localPort: dstPort}
	conn, ok := e.conns.Lookup(key)
	if ok {
		return conn.Demux(carrierData, tcpFrameOffset)
	}
	// Nothing owns this four-tuple: RST-for-nonexistent, RFC 9293 §3.10.7.1.
	e.queueRSTFor(srcAddr, srcPort, dstPort, carrierData[tcpFrameOffset:], true)
	return pebbletcp.ErrPacketDrop
}

// verifyChecksum checks the RFC 9293 checksum of an inbound TCP frame over
// the IPv4 pseudo-header. A zero checksum field is treated as "not
// computed" (checksum-offloading drivers strip it) and accepted; transmit
// paths here never produce zero thanks to NeverZeroChecksum. A frame whose
// words, checksum included, do not sum to the ones'-complement identity is
// corrupt and dropped.
func (e *Engine) verifyChecksum(src [4]byte, frame []byte) error {
	tfrm, err := NewFrame(frame)
	if err != nil {
		return err
	}
	if tfrm.CRC() == 0 {
		return nil
	}
	var crc pebbletcp.CRC791
	crc.WriteEven(src[:])
	crc.WriteEven(e.cfg.LocalAddr[:])
	crc.AddUint16(uint16(pebbletcp.IPProtoTCP))
	crc.AddUint16(uint16(len(frame)))
	if crc.PayloadSum16(frame) != 0 {
		return pebbletcp.ErrBadCRC
	}
	return nil
}

// queueRSTFor queues a stateless RST reply to an unowned segment with
// believable sequence numbers: seq taken from the segment's ACK when it has
// one, otherwise RST|ACK covering the segment's full length. Segments that
// are themselves RSTs never generate a reply; bare SYNs only do when
// rstSyn is set (closed port, as opposed to a full accept queue).
func (e *Engine) queueRSTFor(srcAddr [4]byte, srcPort, dstPort uint16, frame []byte, rstSyn bool) {
	tfrm, err := NewFrame(frame)
	if err != nil {
		return
	}
	_, flags := tfrm.OffsetAndFlags()
	switch {
	case flags.HasAny(FlagRST):
	case flags.HasAny(FlagACK):
		e.rst.Queue(srcAddr[:], srcPort, dstPort, tfrm.Ack(), 0, FlagRST)
	case flags.HasAny(FlagSYN) && !rstSyn:
	default:
		seglen := Size(len(frame) - tfrm.HeaderLength())
		if flags.HasAny(FlagSYN) {
			seglen++
		}
		if flags.HasAny(FlagFIN) {
			seglen++
		}
		e.rst.Queue(srcAddr[:], srcPort, dstPort, 0, Add(tfrm.Seq(), seglen), FlagRST|FlagACK)
	}
}

// Encapsulate drains one pending stateless RST queued by Demux into
// carrierData, if any. Callers that want RST-on-closed-port behavior should
// call this once per scheduling interval alongside their per-Listener/
// per-Connection Encapsulate calls; it returns (0, nil) when nothing is
// queued. Callers using Flush need not call Encapsulate at all.
func (e *Engine) Encapsulate(carrierData []byte, offsetToIP, offsetToFrame int) (int, error) {
	return e.rst.Drain(carrierData, offsetToIP, offsetToFrame)
}

// flushFrameCap bounds how many frames one Flush round may emit per
// connection, so a single peer cannot monopolize the output path.
const flushFrameCap = 64

// Flush drives one full output round through the configured ipstack.Sender:
// every registered connection, every listener's connections, and the
// stateless RST queue get a chance to transmit. Frames are cut into scratch
// (which must hold an IPv4 header plus one full segment: the caller sizes
// it to its interface MTU plus 20), checksummed over the RFC 9293
// pseudo-header, and sent with the Don't Fragment bit set so path-MTU
// discovery stays live. Send failures are fed back into the per-connection
// retry gates via NoteSendResult. Returns the number of frames handed to
// the Sender.
func (e *Engine) Flush(scratch []byte) (sent int) {
	if e.cfg.Sender == nil || len(scratch) < int(ipv4HeaderSize)+sizeHeaderTCP {
		return 0
	}
	emit := func(c *Connection) {
		for i := 0; i < flushFrameCap; i++ {
			prepIPv4Scratch(scratch, e.cfg.LocalAddr)
			n, err := c.Encapsulate(scratch, 0, int(ipv4HeaderSize))
			if err != nil || n == 0 {
				return
			}
			serr := e.sendFrame(scratch, n)
			c.NoteSendResult(serr, e.now)
			if serr != nil {
				return
			}
			sent++
		}
	}
	e.conns.All(func(_ fourTuple, c *Connection) { emit(c) })
	e.listens.All(func(_ uint16, l *Listener) {
		for i := 0; i < flushFrameCap; i++ {
			prepIPv4Scratch(scratch, e.cfg.LocalAddr)
			n, err := l.Encapsulate(scratch, 0, int(ipv4HeaderSize))
			if err != nil || n == 0 {
				return
			}
			if e.sendFrame(scratch, n) != nil {
				return
			}
			sent++
		}
	})
	for i := 0; i < flushFrameCap; i++ {
		prepIPv4Scratch(scratch, e.cfg.LocalAddr)
		n, _ := e.rst.Drain(scratch, 0, int(ipv4HeaderSize))
		if n == 0 {
			break
		}
		if e.sendFrame(scratch, n) != nil {
			break
		}
		sent++
	}
	return sent
}

// sendFrame checksums and transmits the TCP frame of length n sitting after
// scratch's IPv4 header area, reading the destination address Encapsulate
// left in the header.
func (e *Engine) sendFrame(scratch []byte, n int) *ipstack.SendError {
	frame := scratch[int(ipv4HeaderSize) : int(ipv4HeaderSize)+n]
	var dst [4]byte
	copy(dst[:], scratch[16:20])
	tfrm, err := NewFrame(frame)
	if err != nil {
		return &ipstack.SendError{Kind: ipstack.SendErrorOther}
	}
	tfrm.SetCRC(0)
	var crc pebbletcp.CRC791
	crc.WriteEven(e.cfg.LocalAddr[:])
	crc.WriteEven(dst[:])
	crc.AddUint16(uint16(pebbletcp.IPProtoTCP))
	crc.AddUint16(uint16(n))
	tfrm.SetCRC(pebbletcp.NeverZeroChecksum(crc.PayloadSum16(frame)))
	return e.cfg.Sender.SendIP4(e.cfg.LocalAddr, dst, pebbletcp.IPProtoTCP, e.cfg.TTL, 0, true, frame)
}

// prepIPv4Scratch initializes scratch's leading bytes as a minimal IPv4
// header (version 4, 20-byte IHL, our source address) for Encapsulate to
// fill the destination into.
func prepIPv4Scratch(scratch []byte, src [4]byte) {
	hdr := scratch[:int(ipv4HeaderSize)]
	for i := range hdr {
		hdr[i] = 0
	}
	hdr[0] = 0x45
	copy(hdr[12:16], src[:])
}
