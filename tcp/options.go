package tcp

import (
	"github.com/northlake-systems/pebbletcp"
)

type OptionCodec struct {
	Flags OptionFlags
}

type OptionFlags uint8

const (
	OptFlagSkipSizeValidation OptionFlags = 1 << iota
	OptFlagSkipObsolete
)

func (flags OptionFlags) HasAny(ofTheseFlags OptionFlags) bool {
	return flags&ofTheseFlags != 0
}

func (op OptionCodec) PutOption16(dst []byte, kind OptionKind, v uint16) (int, error) {
	return op.PutOption(dst, kind, byte(v>>8), byte(v))
}

func (op OptionCodec) PutOption32(dst []byte, kind OptionKind, v uint32) (int, error) {
	return op.PutOption(dst, kind, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func (op OptionCodec) PutOption(dst []byte, kind OptionKind, data ...byte) (int, error) {
	putSize := 2 + len(data)
	if len(dst) < putSize {
		return -1, pebbletcp.ErrShortBuffer
	} else if putSize > 255 {
		return -1, pebbletcp.ErrInvalidLengthField
	} else if kind == OptNop || kind == OptEnd {
		return -1, pebbletcp.ErrInvalidField
	}
	dst[0] = byte(kind)
	dst[1] = byte(putSize)
	copy(dst[2:], data)
	return putSize, nil
}

func (op OptionCodec) ForEachOption(opts []byte, fn func(OptionKind, []byte) error) error {
	off := 0
	skipSizeValidation := op.Flags.HasAny(OptFlagSkipSizeValidation)
	skipObsolete := op.Flags.HasAny(OptFlagSkipObsolete)
	for off < len(opts) && opts[off] != 0 {
		kind := OptionKind(opts[off])
		off++
		if kind == OptNop {
			continue
		}
		if len(opts[off:]) < 1 {
			return pebbletcp.ErrShortBuffer
		}
		size := int(opts[off]) // Total option length including kind and length bytes.
		off++
		dataLen := size - 2 // Data bytes after kind and length.
		if dataLen < 0 || len(opts[off:]) < dataLen {
			return pebbletcp.ErrShortBuffer
		}

		if !skipSizeValidation {
			expectSize := -1
			switch kind {
			case OptTimestamps:
				expectSize = 10
			case OptMaxSegmentSize, OptUserTimeout:
				expectSize = 4
			case OptWindowScale:
				expectSize = 3
			case OptSACKPermitted:
				expectSize = 2
			}
			if expectSize != -1 && size != expectSize {
				return pebbletcp.ErrInvalidLengthField
			}
		}
		if !(skipObsolete && kind.IsObsolete()) {
			err := fn(kind, opts[off:off+dataLen])
			if err != nil {
				return err
			}
		}
		off += dataLen
	}
	return nil
}
