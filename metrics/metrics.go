// Package metrics defines the narrow counters/gauges the TCP engine reports
// through, and a Prometheus-backed implementation. The engine itself never
// imports prometheus/client_golang directly: it only depends on the Sink
// interface, so a test or an embedded build can supply a no-op sink.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Sink receives point-in-time engine events. All methods must be safe to
// call from the single event-loop thread only; no internal locking is
// performed, matching the engine's own concurrency model.
type Sink interface {
	PCBCreated()
	PCBClosed()
	Retransmission()
	FastRetransmit()
	PMTUReduced()
	AcceptQueueDropped()
	ChallengeACKSent()
}

// NoopSink discards every event. Useful as the default Sink for engines
// that don't want metrics overhead.
type NoopSink struct{}

func (NoopSink) PCBCreated()         {}
func (NoopSink) PCBClosed()          {}
func (NoopSink) Retransmission()     {}
func (NoopSink) FastRetransmit()     {}
func (NoopSink) PMTUReduced()        {}
func (NoopSink) AcceptQueueDropped() {}
func (NoopSink) ChallengeACKSent()   {}

// PrometheusSink reports engine events as Prometheus counters and gauges.
type PrometheusSink struct {
	pcbsActive        prometheus.Gauge
	pcbsCreatedTotal  prometheus.Counter
	retransmissions   prometheus.Counter
	fastRetransmits   prometheus.Counter
	pmtuReductions    prometheus.Counter
	acceptQueueDrops  prometheus.Counter
	challengeACKsSent prometheus.Counter
}

// NewPrometheusSink creates a PrometheusSink and registers its metrics with reg.
func NewPrometheusSink(reg prometheus.Registerer, namespace string) *PrometheusSink {
	s := &PrometheusSink{
		pcbsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "tcp_pcbs_active", Help: "Number of live TCP PCBs.",
		}),
		pcbsCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tcp_pcbs_created_total", Help: "Total TCP PCBs created.",
		}),
		retransmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tcp_retransmissions_total", Help: "Total RTO-driven retransmissions.",
		}),
		fastRetransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tcp_fast_retransmits_total", Help: "Total fast retransmits triggered by duplicate ACKs.",
		}),
		pmtuReductions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "pmtu_reductions_total", Help: "Total PMTU estimate reductions.",
		}),
		acceptQueueDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tcp_accept_queue_drops_total", Help: "SYNs dropped because the listener accept queue was full.",
		}),
		challengeACKsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tcp_challenge_acks_total", Help: "Challenge ACKs sent per RFC 5961.",
		}),
	}
	reg.MustRegister(s.pcbsActive, s.pcbsCreatedTotal, s.retransmissions,
		s.fastRetransmits, s.pmtuReductions, s.acceptQueueDrops, s.challengeACKsSent)
	return s
}

func (s *PrometheusSink) PCBCreated() {
	s.pcbsActive.Inc()
	s.pcbsCreatedTotal.Inc()
}
func (s *PrometheusSink) PCBClosed()          { s.pcbsActive.Dec() }
func (s *PrometheusSink) Retransmission()     { s.retransmissions.Inc() }
func (s *PrometheusSink) FastRetransmit()     { s.fastRetransmits.Inc() }
func (s *PrometheusSink) PMTUReduced()        { s.pmtuReductions.Inc() }
func (s *PrometheusSink) AcceptQueueDropped() { s.acceptQueueDrops.Inc() }
func (s *PrometheusSink) ChallengeACKSent()   { s.challengeACKsSent.Inc() }
