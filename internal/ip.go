package internal

import (
	"encoding/binary"
	"errors"
)

var errUnsupportedIP = errors.New("unsupported IP version")

// GetIPAddr extracts the source/destination addresses, identification field,
// and header length from a raw IPv4 datagram. buf must begin at the start of
// the IP header (no link-layer prefix).
func GetIPAddr(buf []byte) (src, dst []byte, id, ipEndOff uint16, err error) {
	b0 := buf[0]
	version := b0 >> 4
	if version != 4 {
		return nil, nil, 0, 0, errUnsupportedIP
	}
	ihl := b0 & 0xf
	ipEndOff = 4 * uint16(ihl)
	id = binary.BigEndian.Uint16(buf[4:6])
	src = buf[12:16]
	dst = buf[16:20]
	return src, dst, id, ipEndOff, nil
}

// SetIPAddrs overwrites the source/destination address fields (and,
// optionally, the identification field) of a raw IPv4 datagram in place.
func SetIPAddrs(buf []byte, id uint16, src, dst []byte) (err error) {
	if buf[0]>>4 != 4 {
		return errUnsupportedIP
	}
	srcaddr := buf[12:16]
	dstaddr := buf[16:20]
	if id > 0 {
		binary.BigEndian.PutUint16(buf[4:6], id)
	}
	if src != nil && len(srcaddr) != len(src) {
		return errors.New("mismatched length of ip src addr")
	}
	if dst != nil && len(dstaddr) != len(dst) {
		return errors.New("mismatched length of ip dst addr")
	}
	copy(srcaddr, src)
	copy(dstaddr, dst)
	return nil
}
