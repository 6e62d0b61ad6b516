package pmtu

import (
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/northlake-systems/pebbletcp/clock"
)

func fakeClock() (clock.Source, clockwork.FakeClock) {
	return clock.NewFake()
}

func durationMS(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
