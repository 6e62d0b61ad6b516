package tcp

// Value is a TCP sequence or acknowledgment number. It wraps around modulo
// 2**32 as described in RFC 9293 section 3.4.1. Arithmetic on Value must
// always go through Add/Sizeof/LessThan so comparisons account for wraparound.
type Value uint32

// Size is a count of octets spanning a range of sequence space, such as a
// window size or a segment's data length.
type Size uint32

// Add returns v advanced by sz octets in sequence space.
func Add(v Value, sz Size) Value {
	return v + Value(sz)
}

// Sizeof returns the number of octets between a (inclusive) and b (exclusive)
// in sequence space, i.e. the distance walking forward from a to b.
func Sizeof(a, b Value) Size {
	return Size(b - a)
}

// LessThan returns true if v precedes w in sequence space, accounting for
// wraparound as per RFC 9293 section 3.4.1.
func (v Value) LessThan(w Value) bool {
	return int32(v-w) < 0
}

// LessThanEq returns true if v precedes or equals w in sequence space.
func (v Value) LessThanEq(w Value) bool {
	return v == w || v.LessThan(w)
}

// InWindow returns true if v falls inside [start, start+sz) in sequence space.
func (v Value) InWindow(start Value, sz Size) bool {
	return Sizeof(start, v) < sz
}

// UpdateForward advances v in place by sz octets.
func (v *Value) UpdateForward(sz Size) {
	*v = Add(*v, sz)
}
