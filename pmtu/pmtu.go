// Package pmtu implements a bounded cache of per-remote-address Path-MTU
// estimates with observer notification: true least-recently-used eviction
// over an intrusive doubly-linked list, skipping any entry with a live
// observer, as called for by the design this module's TCP engine depends
// on.
package pmtu

import (
	"errors"
	"log/slog"

	"github.com/northlake-systems/pebbletcp/clock"
)

// MinMTU is the smallest IPv4 MTU every conforming host must support
// (RFC 791 §3.2); the cache never reports an estimate below it.
const MinMTU = 68

// DefaultFloor is used to initialize an entry when no route/interface MTU
// hint is available.
const DefaultFloor = 576

// plateau holds the RFC 1191 plateau table used to pick a smaller MTU when
// an ICMP fragmentation-needed message omits the next-hop MTU.
var plateau = [...]uint16{68, 296, 508, 1006, 1280, 1492, 2002, 4352, 8166, 17914, 32000, 65535}

func plateauStepDown(mtu uint16) uint16 {
	for i := len(plateau) - 1; i >= 0; i-- {
		if plateau[i] < mtu {
			return plateau[i]
		}
	}
	return MinMTU
}

var (
	// ErrNoRoute is returned by Observe when no route hint is available and no entry exists yet.
	ErrNoRoute = errors.New("pmtu: no route to initialize entry")
	// ErrNoSlot is returned by Observe when the cache is full and every entry has at least one observer.
	ErrNoSlot = errors.New("pmtu: cache full, no evictable slot")
)

// Observer is notified when the PMTU estimate for the address it is
// observing changes.
type Observer interface {
	PMTUChanged(newMTU uint16)
}

type entry struct {
	addr        [4]byte
	mtu         uint16
	lastRefresh clock.Tick
	observers   []Observer
	// prev/next form the intrusive LRU list; unused nodes are their own
	// sentinel (index -1 encoded as self-loop is avoided by storing indices
	// into the backing slice directly).
	prev, next int
}

// Cache is a bounded cache from IPv4 address to PMTU estimate. The zero
// value is not ready to use; construct with New.
type Cache struct {
	log   *slog.Logger
	clk   clock.Source
	nodes []entry
	byAddr map[[4]byte]int
	lruHead, lruTail int // indices into nodes; -1 when empty
	refreshPeriod    clock.Tick
}

// Config configures a Cache.
type Config struct {
	Capacity      int
	RefreshPeriod clock.Tick
	Logger        *slog.Logger
}

// New creates a Cache with the given capacity. Capacity must be > 0.
func New(clk clock.Source, cfg Config) *Cache {
	if cfg.Capacity <= 0 {
		panic("pmtu: capacity must be > 0")
	}
	c := &Cache{
		log:           cfg.Logger,
		clk:           clk,
		nodes:         make([]entry, cfg.Capacity),
		byAddr:        make(map[[4]byte]int, cfg.Capacity),
		lruHead:       -1,
		lruTail:       -1,
		refreshPeriod: cfg.RefreshPeriod,
	}
	return c
}

// Observe registers obs as an observer of remote's PMTU estimate. If no
// entry exists for remote, one is created seeded from ifaceMTU (clamped to
// DefaultFloor when ifaceMTU is larger, per RFC 1122's conservative initial
// estimate) or, if ifaceMTU is zero (no route known), fails with
// ErrNoRoute.
func (c *Cache) Observe(remote [4]byte, ifaceMTU uint16, obs Observer) (mtu uint16, err error) {
	if idx, ok := c.byAddr[remote]; ok {
		e := &c.nodes[idx]
		e.observers = append(e.observers, obs)
		c.touch(idx)
		return e.mtu, nil
	}
	if ifaceMTU == 0 {
		return 0, ErrNoRoute
	}
	idx, err := c.allocate(remote)
	if err != nil {
		return 0, err
	}
	init := ifaceMTU
	if init > DefaultFloor {
		init = DefaultFloor
	}
	e := &c.nodes[idx]
	e.mtu = init
	e.lastRefresh = c.clk.Now()
	e.observers = append(e.observers[:0], obs)
	return e.mtu, nil
}

// Release removes obs from remote's observer list. The entry becomes
// eligible for eviction once it has no observers left.
func (c *Cache) Release(remote [4]byte, obs Observer) {
	idx, ok := c.byAddr[remote]
	if !ok {
		return
	}
	e := &c.nodes[idx]
	for i, o := range e.observers {
		if o == obs {
			e.observers = append(e.observers[:i], e.observers[i+1:]...)
			return
		}
	}
}

// ReportICMPFragNeeded processes an ICMP "fragmentation needed" message.
// reportedMTU is the next-hop MTU carried in the ICMP message, or 0 if the
// message omitted it (in which case a plateau step-down is used instead).
func (c *Cache) ReportICMPFragNeeded(remote [4]byte, reportedMTU uint16) {
	c.reportSmaller(remote, reportedMTU)
}

// ReportLocalPTB processes a local "packet too big" signal observed by the
// egress interface (same semantics as an ICMP frag-needed report).
func (c *Cache) ReportLocalPTB(remote [4]byte, observedMTU uint16) {
	c.reportSmaller(remote, observedMTU)
}

func (c *Cache) reportSmaller(remote [4]byte, reportedMTU uint16) {
	idx, ok := c.byAddr[remote]
	if !ok {
		return
	}
	e := &c.nodes[idx]
	var next uint16
	if reportedMTU == 0 {
		next = plateauStepDown(e.mtu)
	} else {
		if reportedMTU >= e.mtu {
			return
		}
		next = clampU16(reportedMTU, MinMTU, e.mtu-1)
	}
	if next >= e.mtu {
		return
	}
	e.mtu = next
	e.lastRefresh = c.clk.Now()
	c.notify(idx)
}

// RefreshOne advances remote's entry, if it is older than the configured
// refresh period, towards ifaceMTU by a single probe step, notifying
// observers on change. The caller (the engine's timer dispatch) determines
// ifaceMTU per entry via a route lookup and calls RefreshOne once per entry.
func (c *Cache) RefreshOne(remote [4]byte, ifaceMTU uint16) {
	idx, ok := c.byAddr[remote]
	if !ok {
		return
	}
	e := &c.nodes[idx]
	now := c.clk.Now()
	if now.Sub(e.lastRefresh) < c.refreshPeriod {
		return
	}
	e.lastRefresh = now
	if e.mtu >= ifaceMTU {
		return
	}
	step := plateauStepUp(e.mtu, ifaceMTU)
	if step == e.mtu {
		return
	}
	e.mtu = step
	c.notify(idx)
}

func plateauStepUp(cur, ceiling uint16) uint16 {
	for _, p := range plateau {
		if p > cur {
			if p > ceiling {
				return ceiling
			}
			return p
		}
	}
	return ceiling
}

func clampU16(v, lo, hi uint16) uint16 {
	if hi < lo {
		hi = lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (c *Cache) notify(idx int) {
	e := &c.nodes[idx]
	// Notify a snapshot: an observer callback may call Release on itself but
	// must not mutate another observer's registration mid-iteration.
	snapshot := append([]Observer(nil), e.observers...)
	mtu := e.mtu
	for _, o := range snapshot {
		o.PMTUChanged(mtu)
	}
	if c.log != nil {
		c.log.Debug("pmtu estimate changed", slog.Uint64("mtu", uint64(mtu)))
	}
}

// allocate finds a slot for addr, evicting the least-recently-used
// unobserved entry if the cache is full.
func (c *Cache) allocate(addr [4]byte) (int, error) {
	if len(c.byAddr) < len(c.nodes) {
		idx := len(c.byAddr)
		c.nodes[idx] = entry{addr: addr, prev: -1, next: -1}
		c.byAddr[addr] = idx
		c.pushTail(idx)
		return idx, nil
	}
	// Full: evict starting from LRU head among entries with no observers.
	for idx := c.lruHead; idx != -1; idx = c.nodes[idx].next {
		if len(c.nodes[idx].observers) == 0 {
			delete(c.byAddr, c.nodes[idx].addr)
			c.unlink(idx)
			c.nodes[idx] = entry{addr: addr, prev: -1, next: -1}
			c.byAddr[addr] = idx
			c.pushTail(idx)
			return idx, nil
		}
	}
	return 0, ErrNoSlot
}

func (c *Cache) touch(idx int) {
	c.unlink(idx)
	c.nodes[idx].prev, c.nodes[idx].next = -1, -1
	c.pushTail(idx)
}

func (c *Cache) unlink(idx int) {
	e := &c.nodes[idx]
	if e.prev != -1 {
		c.nodes[e.prev].next = e.next
	} else if c.lruHead == idx {
		c.lruHead = e.next
	}
	if e.next != -1 {
		c.nodes[e.next].prev = e.prev
	} else if c.lruTail == idx {
		c.lruTail = e.prev
	}
}

func (c *Cache) pushTail(idx int) {
	e := &c.nodes[idx]
	e.prev = c.lruTail
	e.next = -1
	if c.lruTail != -1 {
		c.nodes[c.lruTail].next = idx
	}
	c.lruTail = idx
	if c.lruHead == -1 {
		c.lruHead = idx
	}
}

// Len returns the number of entries currently tracked.
func (c *Cache) Len() int { return len(c.byAddr) }
