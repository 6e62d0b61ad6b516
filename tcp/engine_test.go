package tcp

import (
	"bytes"
	"net/netip"
	"testing"

	"github.com/jonboulle/clockwork"

	"github.com/northlake-systems/pebbletcp"
	"github.com/northlake-systems/pebbletcp/clock"
	"github.com/northlake-systems/pebbletcp/ipstack"
	"github.com/northlake-systems/pebbletcp/pmtu"
)

var (
	testAddrA = [4]byte{10, 0, 0, 1}
	testAddrB = [4]byte{10, 0, 0, 2}
)

// engineHarness wires two Engines back to back over a pair of Loopbacks so
// that a Flush on one side lands in the other side's Demux, the way a real
// IP layer would deliver datagrams.
type engineHarness struct {
	t        *testing.T
	a, b     *Engine
	fcA, fcB clockwork.FakeClock
	now      clock.Tick
	sA, sB   [2048]byte
}

func newEngineHarness(t *testing.T, protoCfg Config) *engineHarness {
	t.Helper()
	h := &engineHarness{t: t}
	routes := map[[4]byte]ipstack.Route{
		testAddrA: {NextHopMTU: 1500},
		testAddrB: {NextHopMTU: 1500},
	}
	lbA, lbB := ipstack.NewLoopback(routes), ipstack.NewLoopback(routes)
	var clkA, clkB clock.Source
	clkA, h.fcA = clock.NewFake()
	clkB, h.fcB = clock.NewFake()
	h.a = NewEngine(EngineConfig{
		LocalAddr: testAddrA, Clock: clkA, Sender: lbA, Router: lbA,
		PMTU:     pmtu.New(clkA, pmtu.Config{Capacity: 8, RefreshPeriod: 600_000}),
		Protocol: protoCfg,
	})
	h.b = NewEngine(EngineConfig{
		LocalAddr: testAddrB, Clock: clkB, Sender: lbB, Router: lbB,
		PMTU:     pmtu.New(clkB, pmtu.Config{Capacity: 8, RefreshPeriod: 600_000}),
		Protocol: protoCfg,
	})
	deliver := func(dst *Engine) ipstack.ReceiveFunc {
		return func(src, _ [4]byte, proto pebbletcp.IPProto, _ uint8, _ bool, payload []byte) {
			if proto != pebbletcp.IPProtoTCP {
				return
			}
			tfrm, err := NewFrame(payload)
			if err != nil {
				return
			}
			carrier := make([]byte, 20+len(payload))
			carrier[0] = 0x45
			copy(carrier[12:16], src[:])
			copy(carrier[16:20], dst.cfg.LocalAddr[:])
			copy(carrier[20:], payload)
			_ = dst.Demux(src, tfrm.SourcePort(), tfrm.DestinationPort(), carrier, 20)
		}
	}
	lbA.SetReceiver(deliver(h.b))
	lbB.SetReceiver(deliver(h.a))
	return h
}

// advance moves both engines' fake clocks and the harness tick forward
// together, keeping the handler-stamped deadlines and Tick comparisons on
// one timebase.
func (h *engineHarness) advance(d clock.Tick) {
	h.fcA.Advance(clock.DurationFromTicks(d))
	h.fcB.Advance(clock.DurationFromTicks(d))
	h.now += d
}

// pump runs rounds of tick+flush on both engines, advancing the harness
// clock by one tick per round.
func (h *engineHarness) pump(rounds int) {
	h.t.Helper()
	for i := 0; i < rounds; i++ {
		h.advance(1)
		h.a.Tick(h.now)
		h.b.Tick(h.now)
		h.a.Flush(h.sA[:])
		h.b.Flush(h.sB[:])
	}
}

func TestEngineHandshakeDataAndClose(t *testing.T) {
	h := newEngineHarness(t, Config{})

	var (
		serverGotData []byte
		serverClosed  bool
	)
	serverCB := ConnCallbacks{
		OnDataReceived: func(c *Connection, bytesNew int) {
			buf := make([]byte, bytesNew)
			n, err := c.Read(buf)
			if err != nil {
				t.Errorf("server read: %v", err)
			}
			serverGotData = append(serverGotData, buf[:n]...)
		},
		OnPeerClosed: func(c *Connection) { serverClosed = true },
	}
	listener, err := h.b.Listen(80, 2, 2048, 2048, serverCB)
	if err != nil {
		t.Fatal(err)
	}

	var (
		clientEstablished bool
		clientAcked       int
	)
	clientCB := ConnCallbacks{
		OnEstablished: func(c *Connection) { clientEstablished = true },
		OnSendAcked:   func(c *Connection, n int) { clientAcked += n },
	}
	remote := netip.AddrPortFrom(netip.AddrFrom4(testAddrB), 80)
	conn, err := h.a.Dial(0, remote, make([]byte, 2048), make([]byte, 2048), clientCB)
	if err != nil {
		t.Fatal(err)
	}
	if conn.LocalPort() == 0 {
		t.Fatal("Dial did not allocate an ephemeral port")
	}

	h.pump(4)
	if !clientEstablished {
		t.Fatal("client never established")
	}
	if conn.State() != StateEstablished {
		t.Fatalf("client state=%s", conn.State())
	}
	serverConn, err := listener.TryAccept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if serverConn.State() != StateEstablished {
		t.Fatalf("server state=%s", serverConn.State())
	}

	// Client to server data.
	msg := []byte("HELLO from the engine test")
	if _, err := conn.Write(msg); err != nil {
		t.Fatal(err)
	}
	h.pump(4)
	if !bytes.Equal(serverGotData, msg) {
		t.Fatalf("server got %q want %q", serverGotData, msg)
	}
	if clientAcked != len(msg) {
		t.Fatalf("client acked=%d want %d", clientAcked, len(msg))
	}

	// Server to client data.
	reply := []byte("general kenobi")
	if _, err := serverConn.Write(reply); err != nil {
		t.Fatal(err)
	}
	h.pump(4)
	got := make([]byte, len(reply)+16)
	n, err := conn.Read(got)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got[:n], reply) {
		t.Fatalf("client got %q want %q", got[:n], reply)
	}

	// Graceful close from the client side; the server's CLOSE-WAIT
	// acknowledges and answers with its own FIN.
	if err := conn.Close(); err != nil {
		t.Fatal(err)
	}
	h.pump(8)
	if !serverClosed {
		t.Fatal("server never saw the peer close")
	}
	if conn.State() != StateTimeWait {
		t.Fatalf("client state=%s want TIME-WAIT", conn.State())
	}

	// The connection is quarantined for the full TIME-WAIT period...
	h.advance(DefaultConfig().TimeWaitTime / 2)
	h.pump(2)
	if conn.State() != StateTimeWait {
		t.Fatalf("client state=%s left TIME-WAIT early", conn.State())
	}
	// ...and released once 2MSL has elapsed.
	h.advance(DefaultConfig().TimeWaitTime)
	h.pump(2)
	if conn.State() != StateClosed {
		t.Fatalf("client state=%s want CLOSED after 2MSL", conn.State())
	}
	if h.a.conns.Len() != 0 {
		t.Fatalf("engine still indexes %d connections", h.a.conns.Len())
	}
}

func TestEngineSynSentTimeout(t *testing.T) {
	h := newEngineHarness(t, Config{SynSentTimeout: 50})
	// No listener on B: the SYN is RST... suppress even that by pointing at
	// an address with no engine behind it.
	unrouted := netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 9, 9, 9}), 7)
	var gotKind ErrorKind
	conn, err := h.a.Dial(0, unrouted, make([]byte, 2048), make([]byte, 2048), ConnCallbacks{
		OnError: func(c *Connection, e *EngineError) { gotKind = e.Kind },
	})
	if err != nil {
		t.Fatal(err)
	}
	_ = conn
	h.pump(60)
	if gotKind != ErrKindConnectionTimeout {
		t.Fatalf("error kind=%s want connection timeout", gotKind)
	}
	if h.a.conns.Len() != 0 {
		t.Fatal("timed-out connection still indexed")
	}
}

func TestEngineConnectionRefusedByRST(t *testing.T) {
	h := newEngineHarness(t, Config{})
	// B has no listener on port 7: its engine answers the SYN with a
	// stateless RST, which A must surface as connection refused.
	var gotKind ErrorKind
	remote := netip.AddrPortFrom(netip.AddrFrom4(testAddrB), 7)
	_, err := h.a.Dial(0, remote, make([]byte, 2048), make([]byte, 2048), ConnCallbacks{
		OnError: func(c *Connection, e *EngineError) { gotKind = e.Kind },
	})
	if err != nil {
		t.Fatal(err)
	}
	h.pump(4)
	if gotKind != ErrKindConnectionRefused {
		t.Fatalf("error kind=%s want connection refused", gotKind)
	}
}

func TestEngineRSTForNonexistentConnection(t *testing.T) {
	h := newEngineHarness(t, Config{})
	// Hand B a stray ACK for a connection it does not know.
	var frame [sizeHeaderTCP]byte
	tfrm, _ := NewFrame(frame[:])
	tfrm.SetSourcePort(1234)
	tfrm.SetDestinationPort(4321)
	tfrm.SetSegment(Segment{SEQ: 9000, ACK: 7000, Flags: FlagACK, WND: 100}, 5)
	carrier := make([]byte, 20+sizeHeaderTCP)
	carrier[0] = 0x45
	copy(carrier[12:16], testAddrA[:])
	copy(carrier[16:20], testAddrB[:])
	copy(carrier[20:], frame[:])

	err := h.b.Demux(testAddrA, 1234, 4321, carrier, 20)
	if err != pebbletcp.ErrPacketDrop {
		t.Fatalf("err=%v want packet drop", err)
	}
	if h.b.rst.Pending() != 1 {
		t.Fatalf("rst queue=%d want 1", h.b.rst.Pending())
	}
	var out [64]byte
	out[0] = 0x45
	n, err := h.b.Encapsulate(out[:], 0, 20)
	if err != nil || n == 0 {
		t.Fatalf("rst drain: n=%d err=%v", n, err)
	}
	rfrm, _ := NewFrame(out[20 : 20+n])
	if _, flags := rfrm.OffsetAndFlags(); flags != FlagRST {
		t.Fatalf("flags=%s want bare RST for ACK-bearing stray", flags)
	}
	if rfrm.Seq() != 7000 {
		t.Fatalf("rst seq=%d want stray segment's ACK", rfrm.Seq())
	}
}

func TestEngineDropsBadChecksum(t *testing.T) {
	h := newEngineHarness(t, Config{})
	var frame [sizeHeaderTCP]byte
	tfrm, _ := NewFrame(frame[:])
	tfrm.SetSourcePort(1234)
	tfrm.SetDestinationPort(4321)
	tfrm.SetSegment(Segment{SEQ: 1, ACK: 2, Flags: FlagACK, WND: 100}, 5)
	var crc pebbletcp.CRC791
	crc.WriteEven(testAddrA[:])
	crc.WriteEven(testAddrB[:])
	crc.AddUint16(uint16(pebbletcp.IPProtoTCP))
	crc.AddUint16(uint16(len(frame)))
	tfrm.SetCRC(pebbletcp.NeverZeroChecksum(crc.PayloadSum16(frame[:])))

	carrier := make([]byte, 20+sizeHeaderTCP)
	carrier[0] = 0x45
	copy(carrier[12:16], testAddrA[:])
	copy(carrier[16:20], testAddrB[:])
	copy(carrier[20:], frame[:])

	// A well-checksummed frame passes verification (and then drops only
	// because nothing owns the tuple).
	if err := h.b.Demux(testAddrA, 1234, 4321, carrier, 20); err != pebbletcp.ErrPacketDrop {
		t.Fatalf("valid checksum: err=%v want plain packet drop", err)
	}
	// Flipping a bit in the sequence number field must fail the checksum
	// before any dispatch happens.
	carrier[20+5] ^= 0x40
	if err := h.b.Demux(testAddrA, 1234, 4321, carrier, 20); err != pebbletcp.ErrBadCRC {
		t.Fatalf("corrupt frame: err=%v want bad CRC", err)
	}
}

func TestEngineDialPortCollision(t *testing.T) {
	h := newEngineHarness(t, Config{})
	remote := netip.AddrPortFrom(netip.AddrFrom4(testAddrB), 80)
	if _, err := h.a.Dial(4000, remote, make([]byte, 2048), make([]byte, 2048), ConnCallbacks{}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.a.Dial(4000, remote, make([]byte, 2048), make([]byte, 2048), ConnCallbacks{}); err == nil {
		t.Fatal("duplicate four-tuple accepted")
	}
}
