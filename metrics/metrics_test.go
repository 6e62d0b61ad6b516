package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusSinkCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewPrometheusSink(reg, "tcptest")

	s.PCBCreated()
	s.PCBCreated()
	s.PCBClosed()
	s.Retransmission()
	s.FastRetransmit()
	s.PMTUReduced()
	s.AcceptQueueDropped()
	s.ChallengeACKSent()

	if got := testutil.ToFloat64(s.pcbsActive); got != 1 {
		t.Errorf("pcbsActive=%v want 1", got)
	}
	if got := testutil.ToFloat64(s.pcbsCreatedTotal); got != 2 {
		t.Errorf("pcbsCreatedTotal=%v want 2", got)
	}
	for name, c := range map[string]prometheus.Counter{
		"retransmissions":   s.retransmissions,
		"fastRetransmits":   s.fastRetransmits,
		"pmtuReductions":    s.pmtuReductions,
		"acceptQueueDrops":  s.acceptQueueDrops,
		"challengeACKsSent": s.challengeACKsSent,
	} {
		if got := testutil.ToFloat64(c); got != 1 {
			t.Errorf("%s=%v want 1", name, got)
		}
	}
}

func TestNoopSinkIsSafe(t *testing.T) {
	var s Sink = NoopSink{}
	s.PCBCreated()
	s.PCBClosed()
	s.Retransmission()
	s.FastRetransmit()
	s.PMTUReduced()
	s.AcceptQueueDropped()
	s.ChallengeACKSent()
}
