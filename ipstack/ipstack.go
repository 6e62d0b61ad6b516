// Package ipstack defines the narrow IPv4 send/receive/route/ICMP
// interfaces the TCP engine is built against, plus a small in-memory
// reference implementation used by tests. A real Ethernet/ARP/IPv4
// forwarding/reassembly stack lives outside this module and plugs in
// behind these interfaces (demux-by-protocol, encapsulate, route query).
package ipstack

import (
	"context"
	"errors"
	"sync"

	"github.com/cenkalti/backoff/v4"

	"github.com/northlake-systems/pebbletcp"
)

// Route describes the egress path toward a destination.
type Route struct {
	NextHopMTU uint16
	IsLocal    bool
}

// SendError enumerates the outcomes send_ip4 may report, per the external
// interface table.
type SendError struct {
	Kind SendErrorKind
	MTU  uint16 // populated only when Kind == FragNeeded
}

func (e *SendError) Error() string { return e.Kind.String() }

type SendErrorKind uint8

const (
	SendErrorNone SendErrorKind = iota
	SendErrorNoRoute
	SendErrorBufferFull
	SendErrorFragNeeded
	SendErrorOther
)

func (k SendErrorKind) String() string {
	switch k {
	case SendErrorNoRoute:
		return "no route"
	case SendErrorBufferFull:
		return "buffer full"
	case SendErrorFragNeeded:
		return "fragmentation needed"
	case SendErrorOther:
		return "other send error"
	default:
		return "no error"
	}
}

// Sender sends an IPv4 datagram. df requests the Don't Fragment bit, set by
// the TCP engine on every segment to drive PMTU discovery.
type Sender interface {
	SendIP4(src, dst [4]byte, proto pebbletcp.IPProto, ttl uint8, tos pebbletcp.IPToS, df bool, payload []byte) *SendError
}

// Router resolves the egress interface and path MTU toward dst.
type Router interface {
	Route(dst [4]byte) (Route, bool)
}

// ICMPPTBHandler is implemented by the TCP engine and invoked by the IP
// layer when an ICMP "fragmentation needed" (type 3 code 4) message
// arrives, or when a local egress interface itself reports a packet as too
// big. reportedMTU is zero when the ICMP payload omitted the next-hop MTU.
type ICMPPTBHandler interface {
	ICMPFragNeeded(remote [4]byte, reportedMTU uint16)
}

// ReceiveFunc is the callback the IP layer invokes for every inbound
// datagram matching a registered protocol.
type ReceiveFunc func(src, dst [4]byte, proto pebbletcp.IPProto, ttl uint8, df bool, payload []byte)

// Loopback is a minimal in-memory Sender+Router used by tests: it holds a
// fixed route table and delivers sent datagrams straight to a registered
// ReceiveFunc, optionally dropping one under test control (see
// [Loopback.DropNext]). It intentionally does not implement
// fragmentation/reassembly (out of scope).
type Loopback struct {
	mu       sync.Mutex
	routes   map[[4]byte]Route
	recv     ReceiveFunc
	icmp     ICMPPTBHandler
	dropNext bool
}

// NewLoopback creates a Loopback with the given static routes.
func NewLoopback(routes map[[4]byte]Route) *Loopback {
	return &Loopback{routes: routes}
}

// SetReceiver registers the callback invoked for datagrams "sent" on this
// Loopback, simulating delivery to the peer.
func (l *Loopback) SetReceiver(fn ReceiveFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recv = fn
}

// SetICMPHandler registers the engine's ICMPPTBHandler.
func (l *Loopback) SetICMPHandler(h ICMPPTBHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.icmp = h
}

// DropNext causes the next SendIP4 call to return a SendErrorBufferFull
// SendError instead of delivering; a call to an unrouted destination
// reports SendErrorNoRoute first and still consumes the drop.
func (l *Loopback) DropNext() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropNext = true
}

// DeliverFragNeeded synthesizes an ICMP fragmentation-needed notification
// toward the registered ICMPPTBHandler, as a test helper for PMTU scenarios.
func (l *Loopback) DeliverFragNeeded(remote [4]byte, reportedMTU uint16) {
	l.mu.Lock()
	h := l.icmp
	l.mu.Unlock()
	if h != nil {
		h.ICMPFragNeeded(remote, reportedMTU)
	}
}

func (l *Loopback) SendIP4(src, dst [4]byte, proto pebbletcp.IPProto, ttl uint8, tos pebbletcp.IPToS, df bool, payload []byte) *SendError {
	l.mu.Lock()
	drop := l.dropNext
	l.dropNext = false
	recv := l.recv
	route, ok := l.routes[dst]
	l.mu.Unlock()
	if !ok {
		return &SendError{Kind: SendErrorNoRoute}
	}
	if drop {
		return &SendError{Kind: SendErrorBufferFull}
	}
	if df && len(payload) > int(route.NextHopMTU) {
		return &SendError{Kind: SendErrorFragNeeded, MTU: route.NextHopMTU}
	}
	if recv != nil {
		cp := append([]byte(nil), payload...)
		recv(src, dst, proto, ttl, df, cp)
	}
	return nil
}

func (l *Loopback) Route(dst [4]byte) (Route, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.routes[dst]
	return r, ok
}

// ResolveWithRetry performs a route lookup retried with backoff, for a
// caller that needs a route to exist before it starts building an
// EngineConfig (e.g. waiting for an async ARP resolution to populate a
// Router's table before the first Dial). The TCP engine's own Demux/
// Encapsulate/Dial methods never call this directly: the engine's single
// event-loop thread must never block, so any retry belongs in the caller's
// setup code, not in the non-blocking hot path.
func ResolveWithRetry(ctx context.Context, r Router, dst [4]byte) (Route, error) {
	var route Route
	op := func() error {
		var ok bool
		route, ok = r.Route(dst)
		if !ok {
			return errNoRouteYet
		}
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.NewExponentialBackOff(), ctx))
	if err != nil {
		return Route{}, err
	}
	return route, nil
}

var errNoRouteYet = errors.New("ipstack: route not yet resolvable")
