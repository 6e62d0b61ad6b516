package tcp

import (
	"bytes"
	"math/rand"
	"testing"
)

// makeAckFrame builds a bare ACK frame from peer src to local dst with the
// given wire-level segment values, as a remote stack would put it on the wire.
func makeAckFrame(t *testing.T, buf []byte, src, dst uint16, seg Segment) []byte {
	t.Helper()
	tfrm, err := NewFrame(buf)
	if err != nil {
		t.Fatal(err)
	}
	tfrm.SetSourcePort(src)
	tfrm.SetDestinationPort(dst)
	tfrm.SetSegment(seg, 5)
	tfrm.SetUrgentPtr(0)
	return buf[:sizeHeaderTCP]
}

func TestHandlerNegotiatesMSSAndWindowScale(t *testing.T) {
	const mtu = 2048
	rng := rand.New(rand.NewSource(1))
	client, server := newHandler(t, mtu, 3), newHandler(t, mtu, 3)
	setupClientServer(t, rng, client, server)
	var rawbuf [mtu]byte
	establish(t, client, server, rawbuf[:])

	def := DefaultConfig()
	for _, h := range []*Handler{client, server} {
		if h.sndMSS != defaultIfaceMSS {
			t.Errorf("sndMSS=%d want %d (peer advertised %d, capped by iface MSS)", h.sndMSS, defaultIfaceMSS, mtu)
		}
		if !h.wndScaleEnabled {
			t.Error("window scaling not enabled though both sides offered it")
		}
		if h.peerWndShift != def.RcvWndShift {
			t.Errorf("peerWndShift=%d want %d", h.peerWndShift, def.RcvWndShift)
		}
	}
	// The congestion window was re-seeded from the negotiated MSS.
	if client.cc.smss != defaultIfaceMSS {
		t.Errorf("cc.smss=%d want %d", client.cc.smss, defaultIfaceMSS)
	}
	if client.cc.cwnd != initialWindow(defaultIfaceMSS) {
		t.Errorf("cwnd=%d want initial window for negotiated MSS", client.cc.cwnd)
	}
}

func TestHandlerSmallPeerMSSClampsSegments(t *testing.T) {
	const mtu = 1500
	rng := rand.New(rand.NewSource(2))
	client, server := newHandler(t, mtu, 3), newHandler(t, mtu, 3)
	setupClientServer(t, rng, client, server)
	var rawbuf [mtu]byte

	// Intercept the client SYN and rewrite its MSS option so the server
	// negotiates a small segment size.
	n, err := client.Send(rawbuf[:])
	if err != nil {
		t.Fatal(err)
	}
	tfrm, _ := NewFrame(rawbuf[:n])
	opts := tfrm.Options()
	found := false
	for i := 0; i < len(opts); {
		switch OptionKind(opts[i]) {
		case OptNop:
			i++
			continue
		case OptMaxSegmentSize:
			opts[i+2] = 0
			opts[i+3] = 100 // MSS=100.
			found = true
		}
		if i+1 >= len(opts) || opts[i+1] == 0 {
			break
		}
		i += int(opts[i+1])
	}
	if !found {
		t.Fatal("client SYN carried no MSS option")
	}
	if err := server.Recv(rawbuf[:n]); err != nil {
		t.Fatal(err)
	}
	if server.sndMSS != 100 {
		t.Fatalf("server sndMSS=%d want 100 from rewritten option", server.sndMSS)
	}
	// Finish the handshake and push a large write: segments must be cut to
	// the negotiated MSS.
	clear(rawbuf[:])
	n, err = server.Send(rawbuf[:]) // SYN-ACK
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Recv(rawbuf[:n]); err != nil {
		t.Fatal(err)
	}
	clear(rawbuf[:])
	n, err = client.Send(rawbuf[:]) // ACK
	if err != nil {
		t.Fatal(err)
	}
	if err := server.Recv(rawbuf[:n]); err != nil {
		t.Fatal(err)
	}

	data := make([]byte, 350)
	if _, err := server.Write(data); err != nil {
		t.Fatal(err)
	}
	clear(rawbuf[:])
	n, err = server.Send(rawbuf[:])
	if err != nil {
		t.Fatal(err)
	}
	tfrm, _ = NewFrame(rawbuf[:n])
	if got := len(tfrm.Payload()); got != 100 {
		t.Fatalf("segment payload=%d want clamped to MSS 100", got)
	}
}

func TestHandlerFastRetransmitOnTripleDupAck(t *testing.T) {
	const mtu = 1500
	rng := rand.New(rand.NewSource(3))
	client, server := newHandler(t, mtu, 3), newHandler(t, mtu, 3)
	setupClientServer(t, rng, client, server)
	var rawbuf [mtu]byte
	establish(t, client, server, rawbuf[:])

	data := []byte("HELLO")
	if _, err := client.Write(data); err != nil {
		t.Fatal(err)
	}
	clear(rawbuf[:])
	if _, err := client.Send(rawbuf[:]); err != nil {
		t.Fatal(err)
	}
	una := client.scb.snd.UNA
	if client.scb.snd.NXT == una {
		t.Fatal("no data in flight after send")
	}

	// Three duplicate ACKs repeating SND.UNA, as if a later segment were
	// lost and the peer kept acking the last good byte.
	var ackbuf [sizeHeaderTCP]byte
	dup := Segment{SEQ: client.scb.rcv.NXT, ACK: una, Flags: FlagACK, WND: 20}
	for i := 0; i < 3; i++ {
		frame := makeAckFrame(t, ackbuf[:], client.RemotePort(), client.LocalPort(), dup)
		if err := client.Recv(frame); err != nil {
			t.Fatalf("dup ack %d: %v", i+1, err)
		}
	}
	if !client.ConsumeFastRetransmit() {
		t.Fatal("third duplicate ACK did not trigger fast retransmit")
	}
	if client.ConsumeFastRetransmit() {
		t.Fatal("fast retransmit flag not cleared on consume")
	}
	if client.scb.snd.NXT != una {
		t.Fatalf("snd.NXT=%d not rewound to snd.UNA=%d", client.scb.snd.NXT, una)
	}
	if client.BufferedUnsent() != len(data) {
		t.Fatalf("BufferedUnsent=%d want re-queued %d bytes", client.BufferedUnsent(), len(data))
	}

	// The next send re-emits the segment from SND.UNA.
	clear(rawbuf[:])
	n, err := client.Send(rawbuf[:])
	if err != nil {
		t.Fatal(err)
	}
	tfrm, _ := NewFrame(rawbuf[:n])
	if tfrm.Seq() != una {
		t.Fatalf("retransmitted seq=%d want %d", tfrm.Seq(), una)
	}
	if !bytes.Equal(tfrm.Payload(), data) {
		t.Fatalf("retransmitted payload %q want %q", tfrm.Payload(), data)
	}
}

func TestHandlerRTORetransmit(t *testing.T) {
	const mtu = 1500
	rng := rand.New(rand.NewSource(4))
	client, server := newHandler(t, mtu, 3), newHandler(t, mtu, 3)
	setupClientServer(t, rng, client, server)
	var rawbuf [mtu]byte
	establish(t, client, server, rawbuf[:])

	data := []byte("important")
	if _, err := client.Write(data); err != nil {
		t.Fatal(err)
	}
	clear(rawbuf[:])
	if _, err := client.Send(rawbuf[:]); err != nil {
		t.Fatal(err)
	}
	if !client.rtxArmed {
		t.Fatal("retransmission timer not armed after sending data")
	}
	rto := client.RTO()
	if client.CheckRTO(rto - 1) {
		t.Fatal("timer fired before deadline")
	}
	if !client.CheckRTO(rto) {
		t.Fatal("timer did not fire at deadline")
	}
	if client.RTO() != 2*rto {
		t.Fatalf("RTO=%d want doubled after backoff", client.RTO())
	}
	if client.cc.cwnd != client.cc.smss {
		t.Fatalf("cwnd=%d want one MSS after RTO", client.cc.cwnd)
	}
	if client.BufferedUnsent() != len(data) {
		t.Fatalf("BufferedUnsent=%d want timed-out bytes re-queued", client.BufferedUnsent())
	}

	// Re-emission carries the same bytes; the ack path then disarms the timer.
	clear(rawbuf[:])
	n, err := client.Send(rawbuf[:])
	if err != nil {
		t.Fatal(err)
	}
	tfrm, _ := NewFrame(rawbuf[:n])
	if !bytes.Equal(tfrm.Payload(), data) {
		t.Fatal("retransmitted payload mismatch")
	}
	if err := server.Recv(rawbuf[:n]); err != nil {
		t.Fatal(err)
	}
	clear(rawbuf[:])
	n, err = server.Send(rawbuf[:]) // ACK of the retransmitted data.
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Recv(rawbuf[:n]); err != nil {
		t.Fatal(err)
	}
	if client.rtxArmed {
		t.Fatal("timer still armed with nothing outstanding")
	}
}

func TestHandlerZeroWindowProbe(t *testing.T) {
	const mtu = 1500
	rng := rand.New(rand.NewSource(5))
	client, server := newHandler(t, mtu, 3), newHandler(t, mtu, 3)
	setupClientServer(t, rng, client, server)
	var rawbuf [mtu]byte
	establish(t, client, server, rawbuf[:])

	// Client sends a first chunk which the server absorbs; the server's ACK
	// then slams the window shut (its application stopped reading).
	if _, err := client.Write([]byte("queued")); err != nil {
		t.Fatal(err)
	}
	clear(rawbuf[:])
	n, err := client.Send(rawbuf[:])
	if err != nil {
		t.Fatal(err)
	}
	if err := server.Recv(rawbuf[:n]); err != nil {
		t.Fatal(err)
	}
	var ackbuf [sizeHeaderTCP]byte
	closeWnd := Segment{SEQ: client.scb.rcv.NXT, ACK: client.scb.snd.NXT, Flags: FlagACK, WND: 0}
	frame := makeAckFrame(t, ackbuf[:], client.RemotePort(), client.LocalPort(), closeWnd)
	if err := client.Recv(frame); err != nil {
		t.Fatal(err)
	}
	if client.scb.snd.WND != 0 {
		t.Fatalf("snd.WND=%d want 0", client.scb.snd.WND)
	}
	if client.NeedsZeroWindowProbe() {
		t.Fatal("probe needed with no data queued")
	}
	if _, err := client.Write([]byte("more")); err != nil {
		t.Fatal(err)
	}
	if !client.NeedsZeroWindowProbe() {
		t.Fatal("probe not needed with data queued against zero window")
	}
	// Data cannot move against a closed window.
	clear(rawbuf[:])
	if n, err := client.Send(rawbuf[:]); err != nil || n != 0 {
		t.Fatalf("Send against zero window: n=%d err=%v want nothing sent", n, err)
	}

	// The probe is keepalive-shaped: one behind SND.NXT, no payload.
	clear(rawbuf[:])
	n, err = client.MakeZeroWindowProbe(rawbuf[:])
	if err != nil {
		t.Fatal(err)
	} else if n != sizeHeaderTCP {
		t.Fatalf("probe length=%d want bare header", n)
	}
	tfrm, _ := NewFrame(rawbuf[:n])
	if tfrm.Seq() != client.scb.snd.NXT-1 {
		t.Fatalf("probe seq=%d want snd.NXT-1", tfrm.Seq())
	}

	// The peer answers the probe with an ACK advertising its window.
	if err := server.Recv(rawbuf[:n]); err != nil {
		t.Fatal(err)
	}
	clear(rawbuf[:])
	n, err = server.Send(rawbuf[:])
	if err != nil {
		t.Fatal(err)
	} else if n == 0 {
		t.Fatal("peer did not answer the window probe")
	}
	tfrm, _ = NewFrame(rawbuf[:n])
	if tfrm.WindowSize() == 0 {
		t.Fatal("probe answer advertises a zero window")
	}
}

func TestHandlerPMTUReductionClampsMSS(t *testing.T) {
	const mtu = 1500
	rng := rand.New(rand.NewSource(7))
	client, server := newHandler(t, mtu, 3), newHandler(t, mtu, 3)
	setupClientServer(t, rng, client, server)
	var rawbuf [mtu]byte
	establish(t, client, server, rawbuf[:])

	if client.sndMSS != defaultIfaceMSS {
		t.Fatalf("pre-clamp sndMSS=%d", client.sndMSS)
	}
	// An ICMP fragmentation-needed report drops the path estimate to 576:
	// the sender MSS recomputes to 576 minus IP and TCP headers.
	client.ClampSndMSSForPMTU(576)
	if client.sndMSS != 536 {
		t.Fatalf("sndMSS=%d want 536 after PMTU 576", client.sndMSS)
	}
	// Subsequent segments are cut to the clamped MSS.
	data := make([]byte, 1000)
	if _, err := client.Write(data); err != nil {
		t.Fatal(err)
	}
	clear(rawbuf[:])
	n, err := client.Send(rawbuf[:])
	if err != nil {
		t.Fatal(err)
	}
	tfrm, _ := NewFrame(rawbuf[:n])
	if got := len(tfrm.Payload()); got != 536 {
		t.Fatalf("segment payload=%d want clamped to 536", got)
	}
	// A larger estimate never grows the MSS back past negotiation.
	client.ClampSndMSSForPMTU(9000)
	if client.sndMSS != 536 {
		t.Fatalf("sndMSS=%d grew on larger PMTU report", client.sndMSS)
	}
}

func TestHandlerNagleHoldsSubMSSSegments(t *testing.T) {
	const mtu = 1500
	rng := rand.New(rand.NewSource(8))
	client, server := newHandler(t, mtu, 3), newHandler(t, mtu, 3)
	setupClientServer(t, rng, client, server)
	var rawbuf [mtu]byte
	establish(t, client, server, rawbuf[:])

	// First small write goes out immediately (nothing in flight).
	if _, err := client.Write([]byte("tiny")); err != nil {
		t.Fatal(err)
	}
	clear(rawbuf[:])
	n, err := client.Send(rawbuf[:])
	if err != nil || n == 0 {
		t.Fatalf("first small segment held back: n=%d err=%v", n, err)
	}
	// A second small write must wait for the first to be acknowledged.
	if _, err := client.Write([]byte("more")); err != nil {
		t.Fatal(err)
	}
	clear(rawbuf[:])
	if n, _ := client.Send(rawbuf[:]); n != 0 {
		t.Fatalf("sub-MSS segment sent with data in flight (n=%d)", n)
	}
	// The ACK releases it.
	var ackbuf [sizeHeaderTCP]byte
	ack := Segment{SEQ: client.scb.rcv.NXT, ACK: client.scb.snd.NXT, Flags: FlagACK, WND: 23}
	frame := makeAckFrame(t, ackbuf[:], client.RemotePort(), client.LocalPort(), ack)
	if err := client.Recv(frame); err != nil {
		t.Fatal(err)
	}
	clear(rawbuf[:])
	if n, _ := client.Send(rawbuf[:]); n == 0 {
		t.Fatal("held segment not released by ACK")
	}
}

func TestHandlerSetsPSHOnLastQueuedByte(t *testing.T) {
	const mtu = 1500
	rng := rand.New(rand.NewSource(6))
	client, server := newHandler(t, mtu, 3), newHandler(t, mtu, 3)
	setupClientServer(t, rng, client, server)
	var rawbuf [mtu]byte
	establish(t, client, server, rawbuf[:])

	if _, err := client.Write([]byte("PING")); err != nil {
		t.Fatal(err)
	}
	clear(rawbuf[:])
	n, err := client.Send(rawbuf[:])
	if err != nil {
		t.Fatal(err)
	}
	tfrm, _ := NewFrame(rawbuf[:n])
	if _, flags := tfrm.OffsetAndFlags(); !flags.HasAll(FlagPSH | FlagACK) {
		t.Fatalf("flags=%s want PSH|ACK on segment draining the send ring", flags)
	}
}
