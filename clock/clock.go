// Package clock provides the monotonic time source and timer scheduling
// seam the TCP engine is built on. The engine never calls time.Now or
// time.AfterFunc directly; it is always constructed with a Source, so
// tests can substitute a fake clock and drive retransmission, TIME_WAIT,
// and PMTU refresh timers deterministically.
package clock

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Tick is a monotonic instant expressed in engine ticks. The engine stores
// RTT/RTO state in ticks (see TicksPerSecond) rather than time.Duration so the
// arithmetic in the RTT estimator matches the fixed-point formulas of
// RFC 6298 exactly, independent of the platform's native clock frequency.
type Tick uint32

// Sub returns t-u, saturating at zero instead of wrapping negative.
func (t Tick) Sub(u Tick) Tick {
	if t < u {
		return 0
	}
	return t - u
}

// Add returns t+d.
func (t Tick) Add(d Tick) Tick { return t + d }

// Before reports whether t happens before u.
func (t Tick) Before(u Tick) bool { return t < u }

// TicksPerSecond is the tick rate of every Source: one tick is one
// millisecond, which is already the resolution the RTT estimator works in.
const TicksPerSecond = 1000

// Source abstracts the platform clock. Production code uses NewSystem;
// tests use NewFake (backed by clockwork.FakeClock) to advance time
// explicitly instead of sleeping.
type Source interface {
	// Now returns the current tick count since the Source was created.
	Now() Tick
	// AfterFunc schedules f to run once, at or after d has elapsed, and
	// returns a Timer that can be stopped or reset.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a single scheduled callback.
type Timer interface {
	// Stop prevents the timer from firing, returning false if it already fired or was stopped.
	Stop() bool
	// Reset reschedules the timer to fire after d, returning false if it had already expired or been stopped.
	Reset(d time.Duration) bool
}

// TicksFromDuration converts a wall-clock duration to an engine tick count.
func TicksFromDuration(d time.Duration) Tick {
	return Tick(d.Milliseconds())
}

// DurationFromTicks converts an engine tick count back to a wall-clock duration.
func DurationFromTicks(t Tick) time.Duration {
	return time.Duration(t) * time.Millisecond
}

type systemSource struct {
	cw    clockwork.Clock
	start time.Time
}

// NewSystem returns a Source backed by the real wall clock.
func NewSystem() Source {
	cw := clockwork.NewRealClock()
	return &systemSource{cw: cw, start: cw.Now()}
}

// NewFake returns a Source backed by a clockwork.FakeClock, plus the
// underlying fake clock so tests can call Advance/BlockUntil on it directly.
func NewFake() (Source, clockwork.FakeClock) {
	fc := clockwork.NewFakeClock()
	return &systemSource{cw: fc, start: fc.Now()}, fc
}

func (s *systemSource) Now() Tick {
	return TicksFromDuration(s.cw.Now().Sub(s.start))
}

func (s *systemSource) AfterFunc(d time.Duration, f func()) Timer {
	return s.cw.AfterFunc(d, f)
}
