package tcp

import "sort"

// fourTuple identifies a connection by remote address/port and local port.
// The local address is omitted: an engine instance represents a single IPv4
// interface, so it is implicit.
type fourTuple struct {
	remoteAddr [4]byte
	remotePort uint16
	localPort  uint16
}

func lessTuple(a, b fourTuple) bool {
	if a.localPort != b.localPort {
		return a.localPort < b.localPort
	}
	if a.remotePort != b.remotePort {
		return a.remotePort < b.remotePort
	}
	for i := range a.remoteAddr {
		if a.remoteAddr[i] != b.remoteAddr[i] {
			return a.remoteAddr[i] < b.remoteAddr[i]
		}
	}
	return false
}

// pcbIndex maps four-tuples to established/half-open connections. It is a
// sorted slice searched with binary search rather than a balanced tree:
// nothing in this module's dependency stack provides one, and with the
// connection counts this engine targets (a handful to a few hundred) linear
// insertion cost into a sorted slice is not the bottleneck — lookups, which
// dominate (one per inbound segment), stay O(log n).
type pcbIndex struct {
	keys  []fourTuple
	conns []*Connection
}

// search returns the position key would occupy and whether it is present.
func (idx *pcbIndex) search(key fourTuple) (int, bool) {
	i := sort.Search(len(idx.keys), func(i int) bool { return !lessTuple(idx.keys[i], key) })
	if i < len(idx.keys) && idx.keys[i] == key {
		return i, true
	}
	return i, false
}

// Lookup finds the connection registered under key, if any.
func (idx *pcbIndex) Lookup(key fourTuple) (*Connection, bool) {
	i, ok := idx.search(key)
	if !ok {
		return nil, false
	}
	return idx.conns[i], true
}

// Insert registers c under key. Returns false without modifying the index
// if key is already registered.
func (idx *pcbIndex) Insert(key fourTuple, c *Connection) bool {
	i, ok := idx.search(key)
	if ok {
		return false
	}
	idx.keys = append(idx.keys, fourTuple{})
	copy(idx.keys[i+1:], idx.keys[i:])
	idx.keys[i] = key

	idx.conns = append(idx.conns, nil)
	copy(idx.conns[i+1:], idx.conns[i:])
	idx.conns[i] = c
	return true
}

// Remove unregisters key, if present.
func (idx *pcbIndex) Remove(key fourTuple) bool {
	i, ok := idx.search(key)
	if !ok {
		return false
	}
	idx.keys = append(idx.keys[:i], idx.keys[i+1:]...)
	idx.conns = append(idx.conns[:i], idx.conns[i+1:]...)
	return true
}

// Len returns the number of registered connections.
func (idx *pcbIndex) Len() int { return len(idx.keys) }

// All calls fn for every registered connection, in key order. fn must not
// mutate the index.
func (idx *pcbIndex) All(fn func(fourTuple, *Connection)) {
	for i, k := range idx.keys {
		fn(k, idx.conns[i])
	}
}

// listenerIndex maps local ports to listening sockets, sorted by port for
// binary-search lookup, same rationale as pcbIndex.
type listenerIndex struct {
	ports     []uint16
	listeners []*Listener
}

func (idx *listenerIndex) search(port uint16) (int, bool) {
	i := sort.Search(len(idx.ports), func(i int) bool { return idx.ports[i] >= port })
	if i < len(idx.ports) && idx.ports[i] == port {
		return i, true
	}
	return i, false
}

func (idx *listenerIndex) Lookup(port uint16) (*Listener, bool) {
	i, ok := idx.search(port)
	if !ok {
		return nil, false
	}
	return idx.listeners[i], true
}

func (idx *listenerIndex) Insert(port uint16, l *Listener) bool {
	i, ok := idx.search(port)
	if ok {
		return false
	}
	idx.ports = append(idx.ports, 0)
	copy(idx.ports[i+1:], idx.ports[i:])
	idx.ports[i] = port

	idx.listeners = append(idx.listeners, nil)
	copy(idx.listeners[i+1:], idx.listeners[i:])
	idx.listeners[i] = l
	return true
}

// All calls fn for every registered listener, in port order. fn must not
// mutate the index.
func (idx *listenerIndex) All(fn func(uint16, *Listener)) {
	for i, port := range idx.ports {
		fn(port, idx.listeners[i])
	}
}

func (idx *listenerIndex) Remove(port uint16) bool {
	i, ok := idx.search(port)
	if !ok {
		return false
	}
	idx.ports = append(idx.ports[:i], idx.ports[i+1:]...)
	idx.listeners = append(idx.listeners[:i], idx.listeners[i+1:]...)
	return true
}
