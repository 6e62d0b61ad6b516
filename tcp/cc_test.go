package tcp

import "testing"

func TestCongestionInitialWindowTiers(t *testing.T) {
	cases := []struct {
		mss  Size
		want Size
	}{
		{mss: 536, want: 4 * 536},
		{mss: 1095, want: 4 * 1095},
		{mss: 1096, want: 3 * 1096},
		{mss: 1460, want: 3 * 1460},
		{mss: 2190, want: 3 * 2190},
		{mss: 2191, want: 2 * 2191},
		{mss: 9000, want: 2 * 9000},
	}
	for _, tc := range cases {
		var cc congestionState
		cc.Reset(tc.mss)
		if cc.cwnd != tc.want {
			t.Errorf("Reset(%d): cwnd=%d want %d", tc.mss, cc.cwnd, tc.want)
		}
		if cc.ssthresh < 2*tc.mss {
			t.Errorf("Reset(%d): ssthresh=%d below 2*mss", tc.mss, cc.ssthresh)
		}
	}
}

func TestCongestionSlowStartGrowth(t *testing.T) {
	const mss = 1000
	var cc congestionState
	cc.Reset(mss)
	start := cc.cwnd
	// Each full-MSS ack grows cwnd by one MSS during slow start.
	cc.OnAck(Value(mss), mss)
	if cc.cwnd != start+mss {
		t.Fatalf("cwnd=%d want %d after full-MSS ack", cc.cwnd, start+mss)
	}
	// Acks larger than MSS are clamped to MSS growth.
	cc.OnAck(Value(4*mss), 3*mss)
	if cc.cwnd != start+2*mss {
		t.Fatalf("cwnd=%d want %d after oversized ack", cc.cwnd, start+2*mss)
	}
}

func TestCongestionAvoidanceAccumulator(t *testing.T) {
	const mss = 1000
	var cc congestionState
	cc.Reset(mss)
	cc.ssthresh = 2 * mss // Force congestion avoidance.
	cc.cwnd = 4 * mss
	start := cc.cwnd
	// Acks below a full cwnd only accumulate.
	cc.OnAck(Value(mss), 3*mss)
	if cc.cwnd != start {
		t.Fatalf("cwnd grew prematurely: %d", cc.cwnd)
	}
	// Crossing one cwnd's worth of acked bytes grows cwnd by one MSS and
	// carries the remainder.
	cc.OnAck(Value(3*mss), 2*mss)
	if cc.cwnd != start+mss {
		t.Fatalf("cwnd=%d want %d after a full window acked", cc.cwnd, start+mss)
	}
	if cc.cwndAcked != 5*mss-start {
		t.Fatalf("cwndAcked=%d want %d (carry)", cc.cwndAcked, 5*mss-start)
	}
}

func TestCongestionFastRetransmitAndRecovery(t *testing.T) {
	const mss = 1000
	var cc congestionState
	cc.Reset(mss)
	cc.cwnd = 10 * mss
	sndNxt := Value(20 * mss)

	if cc.OnDupAck(sndNxt) || cc.OnDupAck(sndNxt) {
		t.Fatal("fast retransmit before third duplicate ACK")
	}
	if !cc.OnDupAck(sndNxt) {
		t.Fatal("third duplicate ACK did not trigger fast retransmit")
	}
	wantSsthresh := Size(5 * mss)
	if cc.ssthresh != wantSsthresh {
		t.Fatalf("ssthresh=%d want %d", cc.ssthresh, wantSsthresh)
	}
	if cc.cwnd != wantSsthresh+3*mss {
		t.Fatalf("cwnd=%d want ssthresh+3*mss=%d", cc.cwnd, wantSsthresh+3*mss)
	}
	if cc.recover != sndNxt {
		t.Fatalf("recover=%d want snd.NXT=%d", cc.recover, sndNxt)
	}

	// Each further duplicate ACK inflates cwnd by one MSS.
	inflated := cc.cwnd
	cc.OnDupAck(sndNxt)
	if cc.cwnd != inflated+mss {
		t.Fatalf("cwnd=%d want %d after recovery dup ack", cc.cwnd, inflated+mss)
	}

	// A new ACK covering recover exits recovery and deflates to ssthresh.
	cc.OnAck(sndNxt, 5*mss)
	if cc.recovering {
		t.Fatal("still recovering after ACK covering recover point")
	}
	if cc.cwnd < wantSsthresh || cc.cwnd > wantSsthresh+mss {
		t.Fatalf("cwnd=%d not within one MSS of ssthresh=%d at recovery exit", cc.cwnd, wantSsthresh)
	}
}

func TestCongestionRecoveryInflationCap(t *testing.T) {
	const mss = 100
	var cc congestionState
	cc.Reset(mss)
	cc.cwnd = 10 * mss
	for i := 0; i < 3; i++ {
		cc.OnDupAck(0)
	}
	capped := cc.cwnd + maxAdditionalDupAcks*mss
	for i := 0; i < maxAdditionalDupAcks+20; i++ {
		cc.OnDupAck(0)
	}
	if cc.cwnd != capped {
		t.Fatalf("cwnd=%d want inflation capped at %d", cc.cwnd, capped)
	}
}

func TestCongestionRTOCollapse(t *testing.T) {
	const mss = 1000
	var cc congestionState
	cc.Reset(mss)
	cc.cwnd = 8 * mss
	cc.OnRTOExpire(6 * mss)
	if cc.ssthresh != 3*mss {
		t.Fatalf("ssthresh=%d want flight/2=%d", cc.ssthresh, 3*mss)
	}
	if cc.cwnd != mss {
		t.Fatalf("cwnd=%d want one MSS after RTO", cc.cwnd)
	}
	// Tiny flight sizes floor at 2*MSS.
	cc.OnRTOExpire(mss)
	if cc.ssthresh != 2*mss {
		t.Fatalf("ssthresh=%d want floor 2*mss", cc.ssthresh)
	}
}

func TestCongestionIdleRestart(t *testing.T) {
	const mss = 1000
	var cc congestionState
	cc.Reset(mss)
	cc.ssthresh = 6 * mss
	cc.cwnd = 20 * mss
	cc.RestartAfterIdle()
	if cc.cwnd != initialWindow(mss) {
		t.Fatalf("cwnd=%d want initial window %d after idle restart", cc.cwnd, initialWindow(mss))
	}
	if cc.ssthresh != 6*mss {
		t.Fatalf("ssthresh=%d changed by idle restart", cc.ssthresh)
	}
}

func TestCongestionCanSend(t *testing.T) {
	var cc congestionState
	cc.Reset(1000)
	cc.cwnd = 3000
	if got := cc.CanSend(0); got != 3000 {
		t.Fatalf("CanSend(0)=%d", got)
	}
	if got := cc.CanSend(2500); got != 500 {
		t.Fatalf("CanSend(2500)=%d", got)
	}
	if got := cc.CanSend(3000); got != 0 {
		t.Fatalf("CanSend(3000)=%d", got)
	}
	if got := cc.CanSend(5000); got != 0 {
		t.Fatalf("CanSend(5000)=%d want 0, not underflow", got)
	}
}
