package ipstack

import (
	"testing"

	"github.com/northlake-systems/pebbletcp"
)

func TestLoopbackDeliversToReceiver(t *testing.T) {
	dst := [4]byte{10, 0, 0, 2}
	l := NewLoopback(map[[4]byte]Route{dst: {NextHopMTU: 1500}})
	var got []byte
	l.SetReceiver(func(src, d [4]byte, proto pebbletcp.IPProto, ttl uint8, df bool, payload []byte) {
		got = payload
	})
	src := [4]byte{10, 0, 0, 1}
	if err := l.SendIP4(src, dst, pebbletcp.IPProtoTCP, 64, 0, true, []byte("hello")); err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("want hello, got %q", got)
	}
}

func TestLoopbackNoRoute(t *testing.T) {
	l := NewLoopback(nil)
	err := l.SendIP4([4]byte{1, 1, 1, 1}, [4]byte{2, 2, 2, 2}, pebbletcp.IPProtoTCP, 64, 0, true, nil)
	if err == nil || err.Kind != SendErrorNoRoute {
		t.Fatalf("want SendErrorNoRoute, got %v", err)
	}
}

func TestLoopbackFragNeeded(t *testing.T) {
	dst := [4]byte{10, 0, 0, 2}
	l := NewLoopback(map[[4]byte]Route{dst: {NextHopMTU: 100}})
	err := l.SendIP4([4]byte{10, 0, 0, 1}, dst, pebbletcp.IPProtoTCP, 64, 0, true, make([]byte, 200))
	if err == nil || err.Kind != SendErrorFragNeeded || err.MTU != 100 {
		t.Fatalf("want SendErrorFragNeeded mtu=100, got %v", err)
	}
}

func TestLoopbackDeliverFragNeededCallsHandler(t *testing.T) {
	l := NewLoopback(nil)
	var gotRemote [4]byte
	var gotMTU uint16
	l.SetICMPHandler(icmpFn(func(remote [4]byte, mtu uint16) {
		gotRemote, gotMTU = remote, mtu
	}))
	remote := [4]byte{8, 8, 8, 8}
	l.DeliverFragNeeded(remote, 576)
	if gotRemote != remote || gotMTU != 576 {
		t.Fatalf("handler not invoked with expected args: %v %d", gotRemote, gotMTU)
	}
}

type icmpFn func(remote [4]byte, reportedMTU uint16)

func (f icmpFn) ICMPFragNeeded(remote [4]byte, reportedMTU uint16) { f(remote, reportedMTU) }
